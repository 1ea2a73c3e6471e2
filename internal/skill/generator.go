// Package skill compiles extracted patterns, negative knowledge and
// calibration into versioned procedural guidance.
package skill

import (
	"fmt"
	"strings"
	"time"

	"membria/internal/logging"
	"membria/internal/pattern"
	"membria/internal/store"
	"membria/internal/types"
)

// DefaultMinPatterns is the smallest pattern set a skill is built from.
const DefaultMinPatterns = 3

// Zone thresholds by pattern success rate.
const (
	greenThreshold  = 0.75
	yellowThreshold = 0.5
)

// Generator builds skills for one namespace.
type Generator struct {
	store       *store.GraphStore
	extractor   *pattern.Extractor
	ns          types.Namespace
	minPatterns int
}

// NewGenerator wires a generator; minPatterns <= 0 means the default.
func NewGenerator(s *store.GraphStore, ex *pattern.Extractor, ns types.Namespace, minPatterns int) *Generator {
	if minPatterns <= 0 {
		minPatterns = DefaultMinPatterns
	}
	return &Generator{store: s, extractor: ex, ns: ns, minPatterns: minPatterns}
}

// Generate builds and persists the next skill version for a domain. The
// domain must have at least minPatterns qualifying patterns.
func (g *Generator) Generate(domain string) (*types.Skill, error) {
	patterns, err := g.extractor.Extract(domain)
	if err != nil {
		return nil, err
	}
	if len(patterns) < g.minPatterns {
		return nil, fmt.Errorf("%w: domain %s has %d patterns, need %d",
			types.ErrInvalidArgument, domain, len(patterns), g.minPatterns)
	}

	var green, yellow, red []string
	var weightedRate float64
	sampleSize := 0
	supporting := make([]string, 0)
	for _, p := range patterns {
		switch {
		case p.SuccessRate >= greenThreshold:
			green = append(green, p.Key)
		case p.SuccessRate >= yellowThreshold:
			yellow = append(yellow, p.Key)
		default:
			red = append(red, p.Key)
		}
		weightedRate += p.SuccessRate * float64(p.SampleSize)
		sampleSize += p.SampleSize
		supporting = append(supporting, p.SupportingIDs...)
	}
	successRate := weightedRate / float64(sampleSize)

	confidence := 0.5
	var calib *types.CalibrationProfile
	if p, err := g.store.GetCalibration(g.ns, domain); err == nil {
		calib = p
		confidence = p.Mean()
	}

	nks, err := g.store.ListNegativeKnowledge(g.ns, domain, 5)
	if err != nil {
		logging.Get(logging.CategorySkill).Warn("negative knowledge lookup for %s failed: %v", domain, err)
		nks = nil
	}

	prev, err := g.store.MaxSkillVersion(g.ns, domain)
	if err != nil {
		return nil, err
	}

	sk := &types.Skill{
		Namespace:              g.ns,
		Domain:                 domain,
		Version:                prev + 1,
		SuccessRate:            successRate,
		Confidence:             confidence,
		SampleSize:             sampleSize,
		QualityScore:           types.QualityScore(successRate, sampleSize),
		GreenZone:              green,
		YellowZone:             yellow,
		RedZone:                red,
		GeneratedFromDecisions: supporting,
		CreatedAt:              time.Now().UTC(),
	}
	sk.Procedure = renderProcedure(domain, sk, patterns, nks, calib)

	if err := g.store.AddSkill(sk); err != nil {
		return nil, err
	}
	if prev > 0 {
		prevID := types.SkillID(domain, prev)
		if err := g.store.AddEdge(sk.ID, types.EdgeVersionOf, prevID, nil); err != nil {
			logging.Get(logging.CategorySkill).Warn("failed to link %s -> %s: %v", sk.ID, prevID, err)
		}
	}
	logging.Get(logging.CategorySkill).Info("generated %s from %d patterns (%d samples)",
		sk.ID, len(patterns), sampleSize)
	return sk, nil
}

// renderProcedure assembles the markdown procedure: zones, top negative
// knowledge and the calibration summary, numbers kept verbatim.
func renderProcedure(domain string, sk *types.Skill, patterns []pattern.Pattern, nks []*types.NegativeKnowledge, calib *types.CalibrationProfile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Skill: %s (v%d)\n\n", domain, sk.Version)

	b.WriteString("## Proven approaches (green zone)\n")
	if len(sk.GreenZone) == 0 {
		b.WriteString("- none yet\n")
	}
	for _, p := range patterns {
		if p.SuccessRate >= greenThreshold {
			fmt.Fprintf(&b, "- **%s**: %.0f%% success over %d decisions\n", p.Key, p.SuccessRate*100, p.SampleSize)
		}
	}

	b.WriteString("\n## Use with care (yellow zone)\n")
	if len(sk.YellowZone) == 0 {
		b.WriteString("- none\n")
	}
	for _, p := range patterns {
		if p.SuccessRate >= yellowThreshold && p.SuccessRate < greenThreshold {
			fmt.Fprintf(&b, "- **%s**: %.0f%% success over %d decisions\n", p.Key, p.SuccessRate*100, p.SampleSize)
		}
	}

	b.WriteString("\n## Avoid (red zone)\n")
	if len(sk.RedZone) == 0 {
		b.WriteString("- none\n")
	}
	for _, p := range patterns {
		if p.SuccessRate < yellowThreshold {
			fmt.Fprintf(&b, "- **%s**: %.0f%% success over %d decisions\n", p.Key, p.SuccessRate*100, p.SampleSize)
		}
	}

	if len(nks) > 0 {
		b.WriteString("\n## Known failure modes\n")
		for _, nk := range nks {
			fmt.Fprintf(&b, "- %s: %s (%s). %s\n", nk.Hypothesis, nk.Conclusion, nk.Severity, nk.Recommendation)
		}
	}

	b.WriteString("\n## Calibration\n")
	if calib != nil {
		lo, hi := calib.CredibleInterval95()
		fmt.Fprintf(&b, "Observed success rate %.2f over %d outcomes (95%% CI %.2f-%.2f, trend %s).\n",
			calib.Mean(), calib.SampleSize(), lo, hi, calib.Trend())
	} else {
		b.WriteString("No calibration data recorded for this domain yet.\n")
	}
	return b.String()
}

// Readiness answers whether a domain can produce a skill right now.
type Readiness struct {
	Ready          bool   `json:"ready"`
	Patterns       int    `json:"patterns"`
	HasCalibration bool   `json:"has_calibration"`
	Reason         string `json:"reason,omitempty"`
}

// GetSkillReadiness evaluates each domain independently.
func (g *Generator) GetSkillReadiness(domains []string) (map[string]Readiness, error) {
	out := make(map[string]Readiness, len(domains))
	for _, domain := range domains {
		patterns, err := g.extractor.Extract(domain)
		if err != nil {
			return nil, err
		}
		_, calibErr := g.store.GetCalibration(g.ns, domain)
		r := Readiness{
			Patterns:       len(patterns),
			HasCalibration: calibErr == nil,
		}
		if len(patterns) >= g.minPatterns {
			r.Ready = true
		} else {
			r.Reason = fmt.Sprintf("%d of %d required patterns", len(patterns), g.minPatterns)
		}
		out[domain] = r
	}
	return out, nil
}

// Latest returns the newest skill version for a domain.
func (g *Generator) Latest(domain string) (*types.Skill, error) {
	return g.store.GetLatestSkill(g.ns, domain)
}
