// Package firewall grades a decision before it is captured: red-flag
// detectors feed a weighted risk score and a BLOCK/WARN/ALLOW verdict.
package firewall

import (
	"regexp"
	"strings"

	"membria/internal/logging"
	"membria/internal/store"
	"membria/internal/types"
)

// Severity grades one red flag.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityWeights feed the risk score.
var severityWeights = map[Severity]float64{
	SeverityLow:      0.2,
	SeverityMedium:   0.4,
	SeverityHigh:     0.7,
	SeverityCritical: 1.0,
}

// Verdict is the firewall's decision.
type Verdict string

const (
	VerdictAllow Verdict = "ALLOW"
	VerdictWarn  Verdict = "WARN"
	VerdictBlock Verdict = "BLOCK"
)

// Flag is one detector hit.
type Flag struct {
	Detector string   `json:"detector"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Check is the decision under evaluation.
type Check struct {
	Statement    string
	Alternatives []string
	Confidence   float64
	Domain       string
	TimePressure bool
}

// Evaluation is the firewall's full answer.
type Evaluation struct {
	Verdict          Verdict `json:"verdict"`
	RiskScore        float64 `json:"risk_score"`
	Flags            []Flag  `json:"flags"`
	OverrideRequired bool    `json:"override_required"`
}

// overconfidentWords trip the language detector when confidence is
// already high.
var overconfidentWords = []string{
	"definitely", "obviously", "certainly", "guaranteed", "trivial",
	"clearly", "easy", "simple", "foolproof", "no risk", "cannot fail",
}

// Firewall evaluates decisions for one namespace. A non-empty override
// token lets callers push through a BLOCK.
type Firewall struct {
	store         *store.GraphStore
	ns            types.Namespace
	overrideToken string
}

// New wires a firewall.
func New(s *store.GraphStore, ns types.Namespace, overrideToken string) *Firewall {
	return &Firewall{store: s, ns: ns, overrideToken: overrideToken}
}

// Evaluate runs every detector and derives the verdict.
func (f *Firewall) Evaluate(c Check) Evaluation {
	var flags []Flag

	if c.Confidence < 0.5 {
		sev := SeverityLow
		msg := "confidence below 0.5"
		if len(c.Alternatives) == 0 {
			sev = SeverityCritical
			msg = "confidence below 0.5 with no alternatives considered"
		}
		flags = append(flags, Flag{Detector: "low_confidence", Severity: sev, Message: msg})
	}

	if len(c.Alternatives) < 2 {
		flags = append(flags, Flag{
			Detector: "no_alternatives", Severity: SeverityMedium,
			Message: "fewer than two alternatives considered",
		})
	}

	flags = append(flags, f.detectAntipatterns(c)...)

	if c.Confidence > 0.85 {
		lower := strings.ToLower(c.Statement)
		for _, w := range overconfidentWords {
			if strings.Contains(lower, w) {
				flags = append(flags, Flag{
					Detector: "overconfident_language", Severity: SeverityMedium,
					Message: "high confidence paired with absolute language (" + w + ")",
				})
				break
			}
		}
	}

	if c.TimePressure {
		flags = append(flags, Flag{
			Detector: "time_pressure", Severity: SeverityMedium,
			Message: "decision made under declared time pressure",
		})
	}

	eval := Evaluation{Flags: flags}
	var sum float64
	var high, medium, critical int
	for _, fl := range flags {
		sum += severityWeights[fl.Severity]
		switch fl.Severity {
		case SeverityCritical:
			critical++
		case SeverityHigh:
			high++
		case SeverityMedium:
			medium++
		}
	}
	eval.RiskScore = sum / 3.0
	if eval.RiskScore > 1 {
		eval.RiskScore = 1
	}

	switch {
	case critical > 0 || high >= 2:
		eval.Verdict = VerdictBlock
		eval.OverrideRequired = true
	case high >= 1 || medium >= 2:
		eval.Verdict = VerdictWarn
	default:
		eval.Verdict = VerdictAllow
	}
	if eval.Verdict != VerdictAllow {
		logging.Get(logging.CategoryFirewall).Info("verdict %s (risk %.2f, %d flags) for %q",
			eval.Verdict, eval.RiskScore, len(flags), c.Statement)
	}
	return eval
}

// detectAntipatterns matches the domain's stored antipattern regexes
// against the statement, one HIGH flag per hit. Invalid regexes are
// skipped with a warning.
func (f *Firewall) detectAntipatterns(c Check) []Flag {
	if f.store == nil {
		return nil
	}
	aps, err := f.store.ListAntiPatterns(f.ns, c.Domain)
	if err != nil {
		logging.Get(logging.CategoryFirewall).Warn("antipattern lookup failed: %v", err)
		return nil
	}
	var flags []Flag
	for _, ap := range aps {
		re, err := regexp.Compile("(?i)" + ap.RegexPattern)
		if err != nil {
			logging.Get(logging.CategoryFirewall).Warn("invalid antipattern regex %s: %v", ap.ID, err)
			continue
		}
		if re.MatchString(c.Statement) {
			flags = append(flags, Flag{
				Detector: "antipattern_detected", Severity: SeverityHigh,
				Message: "matches antipattern " + ap.Name,
			})
		}
	}
	return flags
}

// CanProceed reports whether a capture may continue: WARN never blocks,
// BLOCK needs the configured override token.
func (f *Firewall) CanProceed(eval Evaluation, overrideToken string) bool {
	if eval.Verdict != VerdictBlock {
		return true
	}
	return f.overrideToken != "" && overrideToken == f.overrideToken
}
