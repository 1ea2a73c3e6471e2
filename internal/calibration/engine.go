// Package calibration turns the per-domain Beta(alpha, beta) profiles into
// confidence guidance: actual success rates, gap-driven adjustments and
// credible intervals.
package calibration

import (
	"errors"
	"fmt"
	"math"

	"membria/internal/logging"
	"membria/internal/store"
	"membria/internal/types"
)

// Engine reads and updates calibration profiles for one namespace.
type Engine struct {
	store *store.GraphStore
	ns    types.Namespace
}

// NewEngine wires an engine for one namespace.
func NewEngine(s *store.GraphStore, ns types.Namespace) *Engine {
	return &Engine{store: s, ns: ns}
}

// Guidance is the answer to "how much should I trust my confidence here".
type Guidance struct {
	Status            string     `json:"status"` // data_available | no_data
	Domain            string     `json:"domain"`
	ActualSuccessRate float64    `json:"actual_success_rate,omitempty"`
	SampleSize        int        `json:"sample_size,omitempty"`
	ConfidenceGap     *float64   `json:"confidence_gap,omitempty"`
	Adjustment        *float64   `json:"adjustment,omitempty"`
	Recommendation    string     `json:"recommendation,omitempty"`
	CredibleInterval  [2]float64 `json:"credible_interval_95,omitempty"`
	Trend             string     `json:"trend,omitempty"`
}

// RecordObservation increments alpha on success, beta on failure.
func (e *Engine) RecordObservation(domain string, success bool) (*types.CalibrationProfile, error) {
	return e.store.RecordCalibrationObservation(e.ns, domain, success)
}

// Profile returns the raw Beta profile for a domain.
func (e *Engine) Profile(domain string) (*types.CalibrationProfile, error) {
	return e.store.GetCalibration(e.ns, domain)
}

// GetConfidenceGuidance compares the caller's confidence against the
// observed success rate. userConfidence may be nil when the caller has no
// number in mind yet; the gap fields are omitted then.
func (e *Engine) GetConfidenceGuidance(domain string, userConfidence *float64) (*Guidance, error) {
	p, err := e.store.GetCalibration(e.ns, domain)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return &Guidance{Status: "no_data", Domain: domain}, nil
		}
		return nil, err
	}

	mean := p.Mean()
	lo, hi := p.CredibleInterval95()
	g := &Guidance{
		Status:            "data_available",
		Domain:            domain,
		ActualSuccessRate: mean,
		SampleSize:        p.SampleSize(),
		CredibleInterval:  [2]float64{lo, hi},
		Trend:             p.Trend(),
	}
	if userConfidence == nil {
		return g, nil
	}

	gap := *userConfidence - mean
	adj := adjustmentFor(gap)
	g.ConfidenceGap = &gap
	g.Adjustment = &adj
	if p.SampleSize() >= 3 && math.Abs(gap) > 0.05 {
		direction := "overconfident"
		if gap < 0 {
			direction = "underconfident"
		}
		g.Recommendation = fmt.Sprintf(
			"Team tends to be %s in %s by %.0f%%; consider adjusting confidence by %+.2f (observed success rate %.0f%% over %d outcomes).",
			direction, domain, math.Abs(gap)*100, adj, mean*100, p.SampleSize(),
		)
	}
	return g, nil
}

// adjustmentFor maps the confidence gap to a correction opposing it:
// small gaps get a nudge, large gaps a firmer pull.
func adjustmentFor(gap float64) float64 {
	abs := math.Abs(gap)
	var magnitude float64
	switch {
	case abs <= 0.05:
		magnitude = 0
	case abs <= 0.25:
		magnitude = 0.05
	case abs <= 0.40:
		magnitude = 0.10
	default:
		magnitude = 0.15
	}
	if gap > 0 {
		return -magnitude
	}
	return magnitude
}

// BatchResult reports the outcome of a batch calibration update.
type BatchResult struct {
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// BatchUpdate folds a list of finalized outcomes into calibration, using
// the decision-id to domain map. Unfinalized outcomes and outcomes with no
// mapped domain are skipped; store errors count as failed.
func (e *Engine) BatchUpdate(outcomes []*types.Outcome, domains map[string]string) BatchResult {
	var res BatchResult
	log := logging.Get(logging.CategoryCalibration)
	for _, o := range outcomes {
		if o == nil || !o.Finalized() {
			res.Skipped++
			continue
		}
		domain, ok := domains[o.DecisionID]
		if !ok || domain == "" {
			log.Debug("no domain mapped for decision %s; skipping", o.DecisionID)
			res.Skipped++
			continue
		}
		success := o.FinalStatus == types.FinalSuccess
		if _, err := e.store.RecordCalibrationObservation(e.ns, domain, success); err != nil {
			log.Warn("batch calibration update for %s failed: %v", o.ID, err)
			res.Failed++
			continue
		}
		res.Updated++
	}
	return res
}
