// Package chains renders the four behavior chains: calibration warning,
// negative evidence, antipattern guard and positive precedent. Each chain
// produces a markdown block or an empty string; the orchestrator runs
// them in priority order under a token budget.
package chains

import (
	"fmt"
	"regexp"
	"strings"

	"membria/internal/logging"
	"membria/internal/store"
	"membria/internal/types"
)

// Request carries the decision being contemplated.
type Request struct {
	Domain     string
	Statement  string
	Confidence float64
}

// Chain renders one markdown block for a request. An empty string means
// the chain has nothing to say.
type Chain interface {
	Name() string
	Priority() int
	Compose(req Request) (string, error)
}

// CalibrationWarning fires when the caller's confidence diverges from the
// observed success rate by more than 10 points with at least 3 samples.
type CalibrationWarning struct {
	Store *store.GraphStore
	NS    types.Namespace
}

func (c *CalibrationWarning) Name() string  { return "calibration_warning" }
func (c *CalibrationWarning) Priority() int { return 1 }

func (c *CalibrationWarning) Compose(req Request) (string, error) {
	p, err := c.Store.GetCalibration(c.NS, req.Domain)
	if err != nil {
		return "", nil // no data, nothing to warn about
	}
	if p.SampleSize() < 3 {
		return "", nil
	}
	gap := req.Confidence - p.Mean()
	if gap <= 0.10 && gap >= -0.10 {
		return "", nil
	}
	direction := "overconfident"
	recommended := req.Confidence - 0.10
	if gap < 0 {
		direction = "underconfident"
		recommended = req.Confidence + 0.10
	}
	lo, hi := p.CredibleInterval95()
	var b strings.Builder
	b.WriteString("## Calibration Warning\n")
	fmt.Fprintf(&b, "Team is %s by %.0f%% in %s.\n", direction, abs(gap)*100, req.Domain)
	fmt.Fprintf(&b, "Observed success rate: %.0f%% over %d outcomes (95%% CI %.2f-%.2f, trend %s).\n",
		p.Mean()*100, p.SampleSize(), lo, hi, p.Trend())
	fmt.Fprintf(&b, "Recommended confidence: %.2f instead of %.2f.\n", clamp01(recommended), req.Confidence)
	return b.String(), nil
}

// NegativeEvidence lists the domain's failure classes, worst first.
type NegativeEvidence struct {
	Store *store.GraphStore
	NS    types.Namespace
	TopN  int
}

func (c *NegativeEvidence) Name() string  { return "negative_evidence" }
func (c *NegativeEvidence) Priority() int { return 2 }

func (c *NegativeEvidence) Compose(req Request) (string, error) {
	topN := c.TopN
	if topN <= 0 {
		topN = 5
	}
	items, err := c.Store.ListNegativeKnowledge(c.NS, req.Domain, topN)
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString("## Negative Evidence\n")
	for _, nk := range items {
		fmt.Fprintf(&b, "- %s: %s [%s, prevented %d times]. %s\n",
			nk.Hypothesis, nk.Conclusion, nk.Severity, nk.PreventedCount, nk.Recommendation)
	}
	return b.String(), nil
}

// AntiPatternGuard scans the statement against the domain's compiled
// antipattern regexes. An invalid pattern is skipped with a warning,
// never fatal.
type AntiPatternGuard struct {
	Store *store.GraphStore
	NS    types.Namespace
}

func (c *AntiPatternGuard) Name() string  { return "antipattern_guard" }
func (c *AntiPatternGuard) Priority() int { return 3 }

func (c *AntiPatternGuard) Compose(req Request) (string, error) {
	aps, err := c.Store.ListAntiPatterns(c.NS, req.Domain)
	if err != nil {
		return "", err
	}
	var hits []*types.AntiPattern
	for _, ap := range aps {
		re, err := regexp.Compile("(?i)" + ap.RegexPattern)
		if err != nil {
			logging.Get(logging.CategoryChains).Warn("invalid antipattern regex %s (%s): %v", ap.ID, ap.Name, err)
			continue
		}
		if re.MatchString(req.Statement) {
			hits = append(hits, ap)
		}
	}
	if len(hits) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString("## AntiPattern Guard\n")
	for _, ap := range hits {
		fmt.Fprintf(&b, "- **%s** (failure rate %.0f%%): %s\n", ap.Name, ap.FailureRate*100, remediationFor(ap.FailureRate))
	}
	return b.String(), nil
}

// remediationFor tiers the advice by observed failure rate.
func remediationFor(failureRate float64) string {
	switch {
	case failureRate > 0.70:
		return "strongly reconsider this approach"
	case failureRate > 0.50:
		return "review carefully before proceeding"
	default:
		return "verify mitigations are in place"
	}
}

// PositivePrecedent shows the top successful decisions in the domain.
type PositivePrecedent struct {
	Store *store.GraphStore
	NS    types.Namespace
	TopN  int
}

func (c *PositivePrecedent) Name() string  { return "positive_precedent" }
func (c *PositivePrecedent) Priority() int { return 4 }

func (c *PositivePrecedent) Compose(req Request) (string, error) {
	topN := c.TopN
	if topN <= 0 {
		topN = 3
	}
	finals, err := c.Store.ListOutcomedDecisionIDs(c.NS, req.Domain)
	if err != nil {
		return "", err
	}
	decisions, err := c.Store.ListDecisionsByDomain(c.NS, req.Domain, 100, false)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	count := 0
	for _, d := range decisions {
		if finals[d.ID] != types.FinalSuccess {
			continue
		}
		if count == 0 {
			b.WriteString("## Positive Precedent\n")
		}
		fmt.Fprintf(&b, "- %s (%s, confidence %.2f): succeeded\n",
			d.Statement, d.CreatedAt.Format("2006-01-02"), d.Confidence)
		count++
		if count == topN {
			break
		}
	}
	return b.String(), nil
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
