package outcome

import (
	"errors"
	"testing"

	"membria/internal/store"
	"membria/internal/types"
)

var testNS = types.Namespace{TenantID: "acme", TeamID: "platform", ProjectID: "svc"}

func newTestTracker(t *testing.T) (*Tracker, *store.GraphStore) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return NewTracker(s, testNS), s
}

func trackedOutcome(t *testing.T, tr *Tracker, s *store.GraphStore) *types.Outcome {
	t.Helper()
	d := &types.Decision{
		Namespace: testNS, Statement: "Use PostgreSQL", Alternatives: []string{"pg", "mysql"},
		Confidence: 0.8, Domain: "database",
	}
	if err := s.AddDecision(d); err != nil {
		t.Fatal(err)
	}
	o, err := tr.StartTracking(d.ID)
	if err != nil {
		t.Fatalf("StartTracking: %v", err)
	}
	return o
}

func TestStartTrackingIsIdempotent(t *testing.T) {
	tr, s := newTestTracker(t)
	o := trackedOutcome(t, tr, s)

	again, err := tr.StartTracking(o.DecisionID)
	if err != nil {
		t.Fatalf("second StartTracking: %v", err)
	}
	if again.ID != o.ID {
		t.Errorf("second call minted a new outcome: %s vs %s", again.ID, o.ID)
	}
}

func TestHappyPathLifecycle(t *testing.T) {
	tr, s := newTestTracker(t)
	o := trackedOutcome(t, tr, s)

	if err := tr.RecordPRCreated(o.ID, 42, "https://example.com/pr/42", "feat/db"); err != nil {
		t.Fatalf("RecordPRCreated: %v", err)
	}
	got, _ := tr.Get(o.ID)
	if got.Status != types.OutcomeSubmitted || got.SubmittedAt == nil || got.PRNumber != 42 {
		t.Fatalf("after pr_created: status=%s submitted_at=%v pr=%d", got.Status, got.SubmittedAt, got.PRNumber)
	}

	if err := tr.RecordPRMerged(o.ID, 42); err != nil {
		t.Fatalf("RecordPRMerged: %v", err)
	}
	got, _ = tr.Get(o.ID)
	if got.Status != types.OutcomeMerged || got.MergedAt == nil {
		t.Fatalf("after pr_merged: status=%s merged_at=%v", got.Status, got.MergedAt)
	}

	if err := tr.Finalize(o.ID, types.FinalSuccess, 0.9, "database", []string{"replicas helped"}); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	got, _ = tr.Get(o.ID)
	if got.Status != types.OutcomeCompleted || got.FinalStatus != types.FinalSuccess || got.CompletedAt == nil {
		t.Fatalf("after finalize: %+v", got)
	}
}

func TestIllegalTransitions(t *testing.T) {
	tr, s := newTestTracker(t)
	o := trackedOutcome(t, tr, s)

	// Merging before a PR exists must fail.
	if err := tr.RecordPRMerged(o.ID, 7); !errors.Is(err, types.ErrIllegalTransition) {
		t.Errorf("merge from pending = %v, want IllegalTransition", err)
	}

	if err := tr.RecordPRCreated(o.ID, 7, "", "main"); err != nil {
		t.Fatal(err)
	}
	// A second pr_created is not a permissible transition from submitted.
	if err := tr.RecordPRCreated(o.ID, 8, "", "main"); !errors.Is(err, types.ErrIllegalTransition) {
		t.Errorf("double pr_created = %v, want IllegalTransition", err)
	}

	if err := tr.RecordPRCreated("outcome_nope", 1, "", ""); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("unknown outcome = %v, want NotFound", err)
	}
}

func TestCIResultDoesNotChangeStatus(t *testing.T) {
	tr, s := newTestTracker(t)
	o := trackedOutcome(t, tr, s)

	if err := tr.RecordCIResult(o.ID, false, "unit tests red"); err != nil {
		t.Fatalf("RecordCIResult: %v", err)
	}
	got, _ := tr.Get(o.ID)
	if got.Status != types.OutcomePending {
		t.Errorf("failed CI changed status to %s", got.Status)
	}
	if len(got.Signals) != 1 || got.Signals[0].Type != types.SignalCIFailed {
		t.Errorf("signals = %+v", got.Signals)
	}
}

func TestFinalizeFeedsCalibration(t *testing.T) {
	tr, s := newTestTracker(t)
	o := trackedOutcome(t, tr, s)

	if err := tr.Finalize(o.ID, types.FinalSuccess, 0.9, "database", nil); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	p, err := s.GetCalibration(testNS, "database")
	if err != nil {
		t.Fatalf("calibration profile missing after finalize: %v", err)
	}
	if p.Alpha != 2 || p.Beta != 1 {
		t.Errorf("alpha=%v beta=%v, want 2,1", p.Alpha, p.Beta)
	}

	if err := tr.Finalize(o.ID, types.FinalFailure, 0.1, "database", nil); !errors.Is(err, types.ErrAlreadyFinalized) {
		t.Errorf("double finalize = %v, want AlreadyFinalized", err)
	}
}

func TestRecordPerformanceHeuristic(t *testing.T) {
	tr, s := newTestTracker(t)
	o := trackedOutcome(t, tr, s)

	good := map[string]float64{"uptime": 99.9, "error_rate": 0.2, "bug_count": 1, "incident_count": 0}
	if err := tr.RecordPerformance(o.ID, good); err != nil {
		t.Fatal(err)
	}
	got, _ := tr.Get(o.ID)
	if got.Signals[len(got.Signals)-1].Type != types.SignalPerformanceOK {
		t.Errorf("good metrics graded %s", got.Signals[len(got.Signals)-1].Type)
	}

	bad := map[string]float64{"uptime": 97.0}
	if err := tr.RecordPerformance(o.ID, bad); err != nil {
		t.Fatal(err)
	}
	got, _ = tr.Get(o.ID)
	if got.Signals[len(got.Signals)-1].Type != types.SignalPerformancePoor {
		t.Errorf("bad metrics graded %s", got.Signals[len(got.Signals)-1].Type)
	}
	if got.Metrics["uptime"] != 97.0 || got.Metrics["error_rate"] != 0.2 {
		t.Errorf("metrics not merged: %v", got.Metrics)
	}
}

func TestMetricsGoodTable(t *testing.T) {
	tests := []struct {
		name    string
		metrics map[string]float64
		want    bool
	}{
		{"empty passes", map[string]float64{}, true},
		{"all good", map[string]float64{"uptime": 99.5, "error_rate": 0.5, "bug_count": 2, "incident_count": 0}, true},
		{"low uptime", map[string]float64{"uptime": 98.9}, false},
		{"high error rate", map[string]float64{"error_rate": 1.0}, false},
		{"too many bugs", map[string]float64{"bug_count": 3}, false},
		{"any incident", map[string]float64{"incident_count": 1}, false},
		{"absent keys ignored", map[string]float64{"latency_p99": 900}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MetricsGood(tt.metrics); got != tt.want {
				t.Errorf("MetricsGood(%v) = %v, want %v", tt.metrics, got, tt.want)
			}
		})
	}
}

func TestSuccessEstimate(t *testing.T) {
	if got := EstimateFromSignals(nil); got != 0.5 {
		t.Errorf("no signals = %v, want 0.5", got)
	}
	signals := []types.Signal{
		{Valence: types.ValencePositive},
		{Valence: types.ValencePositive},
		{Valence: types.ValenceNegative},
		{Valence: types.ValenceNeutral},
	}
	// 0.5 + 0.5*(2-1)/4 = 0.625
	if got := EstimateFromSignals(signals); got != 0.625 {
		t.Errorf("estimate = %v, want 0.625", got)
	}
}

func TestAbandon(t *testing.T) {
	tr, s := newTestTracker(t)
	o := trackedOutcome(t, tr, s)

	if err := tr.Abandon(o.ID, "requirements changed"); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	got, _ := tr.Get(o.ID)
	if got.Status != types.OutcomeAbandoned {
		t.Errorf("status = %s", got.Status)
	}
	// Abandoned is an exit: no further transitions.
	if err := tr.RecordPRCreated(o.ID, 1, "", "main"); !errors.Is(err, types.ErrIllegalTransition) {
		t.Errorf("transition from abandoned = %v, want IllegalTransition", err)
	}
}
