package chains

import (
	"sort"
	"strings"

	"membria/internal/logging"
	"membria/internal/store"
	"membria/internal/types"
)

// TruncationMarker replaces blocks dropped by the token budget.
const TruncationMarker = "*[truncated]*"

// Orchestrator runs the chains in priority order and assembles the
// blocks under a token budget.
type Orchestrator struct {
	chains []Chain
}

// NewOrchestrator builds the default four-chain set for a namespace.
func NewOrchestrator(s *store.GraphStore, ns types.Namespace) *Orchestrator {
	return &Orchestrator{chains: []Chain{
		&CalibrationWarning{Store: s, NS: ns},
		&NegativeEvidence{Store: s, NS: ns},
		&AntiPatternGuard{Store: s, NS: ns},
		&PositivePrecedent{Store: s, NS: ns},
	}}
}

// EstimateTokens approximates token count as len/4, the usual prose rate.
func EstimateTokens(s string) int {
	return len(s) / 4
}

// Compose runs every chain, sorted by priority, and joins the non-empty
// blocks. When the result exceeds the token budget, blocks are dropped
// tail first (lowest priority first) and replaced by a single marker.
// tokenBudget <= 0 means unlimited. Chain failures are logged and the
// chain skipped.
func (o *Orchestrator) Compose(req Request, tokenBudget int) string {
	ordered := make([]Chain, len(o.chains))
	copy(ordered, o.chains)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority() < ordered[j].Priority() })

	var blocks []string
	for _, c := range ordered {
		block, err := c.Compose(req)
		if err != nil {
			logging.Get(logging.CategoryChains).Warn("chain %s failed: %v", c.Name(), err)
			continue
		}
		if block != "" {
			blocks = append(blocks, block)
		}
	}
	if len(blocks) == 0 {
		return ""
	}

	if tokenBudget > 0 {
		truncated := false
		for len(blocks) > 0 && EstimateTokens(strings.Join(blocks, "\n")) > tokenBudget {
			blocks = blocks[:len(blocks)-1]
			truncated = true
		}
		if truncated {
			blocks = append(blocks, TruncationMarker)
		}
	}
	return strings.Join(blocks, "\n")
}

// Chains exposes the configured chain list for the composer plug-in.
func (o *Orchestrator) Chains() []Chain { return o.chains }
