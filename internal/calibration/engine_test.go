package calibration

import (
	"math"
	"strings"
	"testing"

	"membria/internal/store"
	"membria/internal/types"
)

var testNS = types.Namespace{TenantID: "acme", TeamID: "platform", ProjectID: "svc"}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return NewEngine(s, testNS)
}

func observe(t *testing.T, e *Engine, domain string, successes, failures int) {
	t.Helper()
	for i := 0; i < successes; i++ {
		if _, err := e.RecordObservation(domain, true); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < failures; i++ {
		if _, err := e.RecordObservation(domain, false); err != nil {
			t.Fatal(err)
		}
	}
}

func TestGuidanceNoData(t *testing.T) {
	e := newTestEngine(t)
	g, err := e.GetConfidenceGuidance("never-seen", nil)
	if err != nil {
		t.Fatal(err)
	}
	if g.Status != "no_data" || g.Domain != "never-seen" {
		t.Errorf("guidance = %+v", g)
	}
}

func TestGuidanceOverconfident(t *testing.T) {
	e := newTestEngine(t)
	// 2 successes, 3 failures: Beta(3,4), mean 3/7 ~ 0.43, n=5.
	observe(t, e, "database", 2, 3)

	conf := 0.9
	g, err := e.GetConfidenceGuidance("database", &conf)
	if err != nil {
		t.Fatal(err)
	}
	if g.Status != "data_available" || g.SampleSize != 5 {
		t.Fatalf("guidance = %+v", g)
	}
	wantMean := 3.0 / 7.0
	if math.Abs(g.ActualSuccessRate-wantMean) > 1e-9 {
		t.Errorf("mean = %v, want %v", g.ActualSuccessRate, wantMean)
	}
	if g.ConfidenceGap == nil || math.Abs(*g.ConfidenceGap-(conf-wantMean)) > 1e-9 {
		t.Errorf("gap = %v", g.ConfidenceGap)
	}
	// Gap ~ +0.47: large gap pulls down by the maximum step.
	if g.Adjustment == nil || *g.Adjustment != -0.15 {
		t.Errorf("adjustment = %v, want -0.15", g.Adjustment)
	}
	if !strings.Contains(g.Recommendation, "overconfident") {
		t.Errorf("recommendation = %q", g.Recommendation)
	}
	if lo, hi := g.CredibleInterval[0], g.CredibleInterval[1]; lo < 0 || hi > 1 || lo >= hi {
		t.Errorf("interval = [%v, %v]", lo, hi)
	}
}

func TestGuidanceUnderconfident(t *testing.T) {
	e := newTestEngine(t)
	// 4 successes: Beta(5,1), mean ~0.83.
	observe(t, e, "auth", 4, 0)

	conf := 0.6
	g, err := e.GetConfidenceGuidance("auth", &conf)
	if err != nil {
		t.Fatal(err)
	}
	if g.Adjustment == nil || *g.Adjustment <= 0 {
		t.Errorf("underconfidence must adjust upward, got %v", g.Adjustment)
	}
	if !strings.Contains(g.Recommendation, "underconfident") {
		t.Errorf("recommendation = %q", g.Recommendation)
	}
	if g.Trend != "improving" {
		t.Errorf("trend = %q, want improving", g.Trend)
	}
}

func TestNoRecommendationBelowSampleOrGap(t *testing.T) {
	e := newTestEngine(t)
	observe(t, e, "cache", 1, 1) // n=2

	conf := 0.9
	g, _ := e.GetConfidenceGuidance("cache", &conf)
	if g.Recommendation != "" {
		t.Errorf("recommendation with n<3: %q", g.Recommendation)
	}
	// Small sample keeps the interval uninformative.
	if g.CredibleInterval != [2]float64{0, 1} {
		t.Errorf("interval = %v, want (0,1)", g.CredibleInterval)
	}

	observe(t, e, "cache", 1, 0) // n=3, mean 0.6
	aligned := 0.62
	g, _ = e.GetConfidenceGuidance("cache", &aligned)
	if g.Recommendation != "" {
		t.Errorf("recommendation with |gap|<=0.05: %q", g.Recommendation)
	}
}

func TestAdjustmentTable(t *testing.T) {
	tests := []struct {
		gap  float64
		want float64
	}{
		{0.03, 0},
		{0.10, -0.05},
		{0.25, -0.05},
		{0.30, -0.10},
		{0.50, -0.15},
		{-0.10, 0.05},
		{-0.45, 0.15},
	}
	for _, tt := range tests {
		if got := adjustmentFor(tt.gap); got != tt.want {
			t.Errorf("adjustmentFor(%v) = %v, want %v", tt.gap, got, tt.want)
		}
	}
}

func TestBatchUpdate(t *testing.T) {
	e := newTestEngine(t)

	done := &types.Outcome{ID: "outcome_a", DecisionID: "dec_aaaaaaaaaaaa", FinalStatus: types.FinalSuccess}
	failed := &types.Outcome{ID: "outcome_b", DecisionID: "dec_bbbbbbbbbbbb", FinalStatus: types.FinalFailure}
	open := &types.Outcome{ID: "outcome_c", DecisionID: "dec_cccccccccccc"}
	unmapped := &types.Outcome{ID: "outcome_d", DecisionID: "dec_dddddddddddd", FinalStatus: types.FinalSuccess}

	domains := map[string]string{
		"dec_aaaaaaaaaaaa": "database",
		"dec_bbbbbbbbbbbb": "database",
	}
	res := e.BatchUpdate([]*types.Outcome{done, failed, open, unmapped}, domains)
	if res.Updated != 2 || res.Failed != 0 || res.Skipped != 2 {
		t.Errorf("batch result = %+v", res)
	}

	p, err := e.Profile("database")
	if err != nil {
		t.Fatal(err)
	}
	if p.Alpha != 2 || p.Beta != 2 {
		t.Errorf("alpha=%v beta=%v, want 2,2", p.Alpha, p.Beta)
	}
}
