// Package outcome drives the outcome state machine over the graph store:
// pending -> submitted -> merged -> completed, with abandoned and failed
// exits. Transitions happen by signal insertion; finalization feeds the
// calibration engine.
package outcome

import (
	"fmt"
	"sync"
	"time"

	"membria/internal/logging"
	"membria/internal/store"
	"membria/internal/types"
)

// Tracker serializes mutations per outcome and enforces the permissible
// predecessor states for each transition.
type Tracker struct {
	store *store.GraphStore
	ns    types.Namespace

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewTracker wires a tracker for one namespace.
func NewTracker(s *store.GraphStore, ns types.Namespace) *Tracker {
	return &Tracker{store: s, ns: ns, locks: make(map[string]*sync.Mutex)}
}

// lockFor returns the per-outcome mutex, creating it on first use.
func (t *Tracker) lockFor(outcomeID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[outcomeID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[outcomeID] = l
	}
	return l
}

// StartTracking creates the outcome for a decision, or returns the
// existing one. One outcome per decision.
func (t *Tracker) StartTracking(decisionID string) (*types.Outcome, error) {
	if o, err := t.store.GetOutcomeByDecision(t.ns, decisionID); err == nil {
		return o, nil
	}
	o := &types.Outcome{Namespace: t.ns, DecisionID: decisionID}
	if err := t.store.AddOutcome(o); err != nil {
		return nil, err
	}
	if err := t.store.AddEdge(decisionID, types.EdgeResultedIn, o.ID, nil); err != nil {
		logging.Get(logging.CategoryOutcome).Warn("failed to link %s -> %s: %v", decisionID, o.ID, err)
	}
	logging.Get(logging.CategoryOutcome).Info("tracking outcome %s for decision %s", o.ID, decisionID)
	return o, nil
}

// Get loads an outcome with its signals.
func (t *Tracker) Get(outcomeID string) (*types.Outcome, error) {
	return t.store.GetOutcome(t.ns, outcomeID)
}

// requireStatus loads the outcome and checks its current status is one of
// the permissible predecessors for the requested transition.
func (t *Tracker) requireStatus(outcomeID string, allowed ...types.OutcomeStatus) (*types.Outcome, error) {
	o, err := t.store.GetOutcome(t.ns, outcomeID)
	if err != nil {
		return nil, err
	}
	if o.Finalized() {
		return nil, fmt.Errorf("%w: outcome %s", types.ErrAlreadyFinalized, outcomeID)
	}
	for _, a := range allowed {
		if o.Status == a {
			return o, nil
		}
	}
	return nil, fmt.Errorf("%w: outcome %s is %s", types.ErrIllegalTransition, outcomeID, o.Status)
}

// RecordPRCreated moves pending -> submitted and records the PR link.
func (t *Tracker) RecordPRCreated(outcomeID string, prNumber int, prURL, branch string) error {
	l := t.lockFor(outcomeID)
	l.Lock()
	defer l.Unlock()

	if _, err := t.requireStatus(outcomeID, types.OutcomePending); err != nil {
		return err
	}
	now := time.Now().UTC()
	sig := types.Signal{
		Type:        types.SignalPRCreated,
		Valence:     types.ValencePositive,
		Timestamp:   now,
		Description: fmt.Sprintf("PR #%d opened on %s", prNumber, branch),
	}
	if err := t.store.AppendSignal(t.ns, outcomeID, sig); err != nil {
		return err
	}
	if err := t.store.SetOutcomeLinks(t.ns, outcomeID, prNumber, prURL, "", ""); err != nil {
		return err
	}
	return t.store.UpdateOutcomeStatus(t.ns, outcomeID, types.OutcomeSubmitted, now)
}

// RecordPRMerged moves submitted -> merged.
func (t *Tracker) RecordPRMerged(outcomeID string, prNumber int) error {
	l := t.lockFor(outcomeID)
	l.Lock()
	defer l.Unlock()

	if _, err := t.requireStatus(outcomeID, types.OutcomeSubmitted); err != nil {
		return err
	}
	now := time.Now().UTC()
	sig := types.Signal{
		Type:        types.SignalPRMerged,
		Valence:     types.ValencePositive,
		Timestamp:   now,
		Description: fmt.Sprintf("PR #%d merged", prNumber),
	}
	if err := t.store.AppendSignal(t.ns, outcomeID, sig); err != nil {
		return err
	}
	return t.store.UpdateOutcomeStatus(t.ns, outcomeID, types.OutcomeMerged, now)
}

// RecordCIResult appends a ci_passed or ci_failed signal. A failed run
// never changes the top-level status by itself.
func (t *Tracker) RecordCIResult(outcomeID string, passed bool, details string) error {
	l := t.lockFor(outcomeID)
	l.Lock()
	defer l.Unlock()

	sig := types.Signal{
		Type:        types.SignalCIPassed,
		Valence:     types.ValencePositive,
		Timestamp:   time.Now().UTC(),
		Description: details,
	}
	if !passed {
		sig.Type = types.SignalCIFailed
		sig.Valence = types.ValenceNegative
	}
	return t.store.AppendSignal(t.ns, outcomeID, sig)
}

// RecordIncident appends a negative incident signal with its severity.
func (t *Tracker) RecordIncident(outcomeID, severity, description string) error {
	l := t.lockFor(outcomeID)
	l.Lock()
	defer l.Unlock()

	sig := types.Signal{
		Type:        types.SignalIncident,
		Valence:     types.ValenceNegative,
		Timestamp:   time.Now().UTC(),
		Description: description,
		Severity:    severity,
	}
	return t.store.AppendSignal(t.ns, outcomeID, sig)
}

// RecordPerformance grades the metrics map and appends performance_ok or
// performance_poor, then merges the metrics into the outcome record.
func (t *Tracker) RecordPerformance(outcomeID string, metrics map[string]float64) error {
	l := t.lockFor(outcomeID)
	l.Lock()
	defer l.Unlock()

	sig := types.Signal{
		Type:        types.SignalPerformanceOK,
		Valence:     types.ValencePositive,
		Timestamp:   time.Now().UTC(),
		Description: "performance metrics within thresholds",
		Metrics:     metrics,
	}
	if !MetricsGood(metrics) {
		sig.Type = types.SignalPerformancePoor
		sig.Valence = types.ValenceNegative
		sig.Description = "performance metrics outside thresholds"
	}
	if err := t.store.AppendSignal(t.ns, outcomeID, sig); err != nil {
		return err
	}
	return t.store.SetOutcomeMetrics(t.ns, outcomeID, metrics)
}

// Abandon exits the lifecycle from any non-terminal state.
func (t *Tracker) Abandon(outcomeID, reason string) error {
	l := t.lockFor(outcomeID)
	l.Lock()
	defer l.Unlock()

	if _, err := t.requireStatus(outcomeID,
		types.OutcomePending, types.OutcomeSubmitted, types.OutcomeMerged); err != nil {
		return err
	}
	logging.Get(logging.CategoryOutcome).Info("outcome %s abandoned: %s", outcomeID, reason)
	return t.store.UpdateOutcomeStatus(t.ns, outcomeID, types.OutcomeAbandoned, time.Now().UTC())
}

// Finalize records the terminal grade and, when a decision domain is
// supplied, feeds the result into calibration. Calibration failures are
// logged and never fail the finalization.
func (t *Tracker) Finalize(outcomeID string, final types.FinalStatus, score float64, decisionDomain string, lessons []string) error {
	l := t.lockFor(outcomeID)
	l.Lock()
	defer l.Unlock()

	if _, err := t.store.GetOutcome(t.ns, outcomeID); err != nil {
		return err
	}
	if err := t.store.SetOutcomeFinal(t.ns, outcomeID, final, score, lessons); err != nil {
		return err
	}
	if decisionDomain != "" {
		success := final == types.FinalSuccess
		if _, err := t.store.RecordCalibrationObservation(t.ns, decisionDomain, success); err != nil {
			logging.Get(logging.CategoryOutcome).Error(
				"calibration update for domain %s after %s failed: %v", decisionDomain, outcomeID, err)
		}
	}
	logging.Get(logging.CategoryOutcome).Info("outcome %s finalized %s (%.2f)", outcomeID, final, score)
	return nil
}

// SuccessEstimate derives the pre-finalization estimate from the signal
// valences: 0.5 + 0.5*(positive-negative)/max(1,total).
func (t *Tracker) SuccessEstimate(outcomeID string) (float64, error) {
	o, err := t.store.GetOutcome(t.ns, outcomeID)
	if err != nil {
		return 0, err
	}
	return EstimateFromSignals(o.Signals), nil
}

// EstimateFromSignals is the signal-valence success estimate.
func EstimateFromSignals(signals []types.Signal) float64 {
	var pos, neg int
	for _, s := range signals {
		switch s.Valence {
		case types.ValencePositive:
			pos++
		case types.ValenceNegative:
			neg++
		}
	}
	total := len(signals)
	if total < 1 {
		total = 1
	}
	return 0.5 + 0.5*float64(pos-neg)/float64(total)
}

// MetricsGood checks the known health thresholds. Every check whose key
// is present must pass; absent keys are not held against the outcome.
func MetricsGood(metrics map[string]float64) bool {
	if v, ok := metrics["uptime"]; ok && v < 99 {
		return false
	}
	if v, ok := metrics["error_rate"]; ok && v >= 1 {
		return false
	}
	if v, ok := metrics["bug_count"]; ok && v > 2 {
		return false
	}
	if v, ok := metrics["incident_count"]; ok && v != 0 {
		return false
	}
	return true
}
