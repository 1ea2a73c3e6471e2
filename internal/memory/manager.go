package memory

import (
	"sort"
	"strings"
	"time"

	"membria/internal/logging"
	"membria/internal/store"
	"membria/internal/types"
)

// Manager applies the lifecycle policy over the graph store.
type Manager struct {
	store  *store.GraphStore
	policy Policy
	ns     types.Namespace
	now    func() time.Time // swappable for tests
}

// NewManager wires a manager for one namespace.
func NewManager(s *store.GraphStore, policy Policy, ns types.Namespace) *Manager {
	return &Manager{store: s, policy: policy, ns: ns, now: time.Now}
}

// Namespace returns the ambient namespace.
func (m *Manager) Namespace() types.Namespace { return m.ns }

// Store exposes the underlying graph store for collaborators that need
// typed CRUD beyond the policy surface.
func (m *Manager) Store() *store.GraphStore { return m.store }

// StoreDecision validates, stamps lifecycle fields by memory type and
// persists a decision.
func (m *Manager) StoreDecision(d *types.Decision) error {
	d.Namespace = m.ns
	if d.Lifecycle.MemoryType == "" {
		d.Lifecycle.MemoryType = types.MemoryEpisodic
	}
	d.Lifecycle.TTLDays = m.policy.TTLDays(d.Lifecycle.MemoryType)
	d.Lifecycle.LastVerifiedAt = m.now().UTC()
	return m.store.AddDecision(d)
}

// StoreNegativeKnowledge persists a failure class as semantic memory.
func (m *Manager) StoreNegativeKnowledge(nk *types.NegativeKnowledge) error {
	nk.Namespace = m.ns
	if nk.Lifecycle.MemoryType == "" {
		nk.Lifecycle.MemoryType = types.MemorySemantic
	}
	nk.Lifecycle.TTLDays = m.policy.TTLDays(nk.Lifecycle.MemoryType)
	nk.Lifecycle.LastVerifiedAt = m.now().UTC()
	return m.store.AddNegativeKnowledge(nk)
}

// ScoredDecision pairs a decision with its composite retrieval score.
type ScoredDecision struct {
	Decision *types.Decision
	Score    float64
}

// RetrieveDecisions returns active decisions for a domain sorted by the
// composite score, best first. relevance applies uniformly to the domain
// query; per-item relevance is refined by keyword overlap with the query
// statement when one is given.
func (m *Manager) RetrieveDecisions(domain, statement string, limit int, relevance float64) ([]ScoredDecision, error) {
	decisions, err := m.store.ListDecisionsByDomain(m.ns, domain, limit*3, false)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	scored := make([]ScoredDecision, 0, len(decisions))
	for _, d := range decisions {
		age := AgeDays(d.CreatedAt, now)
		if m.policy.ShouldForget(age, d.Lifecycle.TTLDays) {
			continue
		}
		rel := relevance
		if statement != "" {
			rel = relevance * keywordOverlap(statement, d.Statement)
		}
		freshness := m.policy.Freshness(age, d.Lifecycle.TTLDays)
		impact := impactOf(d)
		scored = append(scored, ScoredDecision{
			Decision: d,
			Score:    m.policy.Score(rel, d.Confidence, freshness, impact),
		})
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// keywordOverlap is the fraction of query words present in the candidate
// statement, floored so stale-but-matching items still surface.
func keywordOverlap(query, statement string) float64 {
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return 1
	}
	lower := strings.ToLower(statement)
	hits := 0
	for _, w := range words {
		if strings.Contains(lower, w) {
			hits++
		}
	}
	overlap := float64(hits) / float64(len(words))
	if overlap < 0.1 {
		return 0.1
	}
	return overlap
}

// impactOf derives an impact factor from the predicted risk level: higher
// stakes decisions matter more on recall.
func impactOf(d *types.Decision) float64 {
	switch d.Predicted.RiskLevel {
	case types.RiskCritical:
		return 1.0
	case types.RiskHigh:
		return 0.8
	case types.RiskMedium:
		return 0.5
	case types.RiskLow:
		return 0.3
	default:
		return 0.5
	}
}

// RetrieveNegativeKnowledge returns active failure classes for a domain
// (empty = all), TTL-filtered.
func (m *Manager) RetrieveNegativeKnowledge(domain string, limit int) ([]*types.NegativeKnowledge, error) {
	items, err := m.store.ListNegativeKnowledge(m.ns, domain, limit)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	out := items[:0]
	for _, nk := range items {
		if m.policy.ShouldForget(AgeDays(nk.DiscoveredAt, now), nk.Lifecycle.TTLDays) {
			continue
		}
		out = append(out, nk)
	}
	return out, nil
}

// ForgetDecision soft-forgets by default; hard delete only when the
// policy allows it and the caller asks.
func (m *Manager) ForgetDecision(id, reason string, hard bool) error {
	if hard && !m.policy.AllowHardDelete {
		logging.Get(logging.CategoryMemory).Warn("hard delete of %s refused by policy; soft-forgetting", id)
		hard = false
	}
	return m.store.ForgetDecision(m.ns, id, reason, hard)
}

// ForgetNegativeKnowledge mirrors ForgetDecision for failure classes.
func (m *Manager) ForgetNegativeKnowledge(id, reason string, hard bool) error {
	if hard && !m.policy.AllowHardDelete {
		logging.Get(logging.CategoryMemory).Warn("hard delete of %s refused by policy; soft-forgetting", id)
		hard = false
	}
	return m.store.ForgetNegativeKnowledge(m.ns, id, reason, hard)
}
