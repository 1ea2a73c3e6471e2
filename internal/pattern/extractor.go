// Package pattern mines finalized decisions for recurring technology
// choices: per-key success rates backed by the decisions that exhibit
// them.
package pattern

import (
	"sort"
	"strings"
	"unicode"

	"membria/internal/logging"
	"membria/internal/store"
	"membria/internal/types"
)

// DefaultMinSampleSize is the smallest group worth reporting.
const DefaultMinSampleSize = 3

// techCatalog is the curated keyword list matched case-insensitively
// before any structural fallback. Order matters: the first hit wins.
var techCatalog = []string{
	"postgresql", "postgres", "mysql", "sqlite", "mongodb", "cassandra",
	"redis", "memcached", "elasticsearch", "kafka", "rabbitmq", "nats",
	"grpc", "graphql", "rest", "websocket", "http/2",
	"docker", "kubernetes", "terraform", "ansible", "nginx", "envoy",
	"prometheus", "grafana", "opentelemetry",
	"react", "vue", "angular", "svelte", "typescript", "javascript",
	"golang", "python", "rust", "java", "kotlin",
	"jwt", "oauth", "saml", "tls", "mtls",
	"s3", "lambda", "dynamodb", "bigquery", "snowflake",
}

// Pattern is one extracted group: a key, its observed success rate and
// the decisions supporting it.
type Pattern struct {
	Key           string   `json:"pattern"`
	Domain        string   `json:"domain"`
	SuccessRate   float64  `json:"success_rate"`
	SampleSize    int      `json:"sample_size"`
	SupportingIDs []string `json:"supporting_decision_ids"`
}

// Extractor groups finalized decisions by pattern key.
type Extractor struct {
	store         *store.GraphStore
	ns            types.Namespace
	minSampleSize int
}

// NewExtractor wires an extractor; minSampleSize <= 0 means the default.
func NewExtractor(s *store.GraphStore, ns types.Namespace, minSampleSize int) *Extractor {
	if minSampleSize <= 0 {
		minSampleSize = DefaultMinSampleSize
	}
	return &Extractor{store: s, ns: ns, minSampleSize: minSampleSize}
}

// KeyOf extracts the pattern key from a decision statement: catalog
// keyword first, then the first capitalized word, then the raw statement.
func KeyOf(statement string) string {
	lower := strings.ToLower(statement)
	for _, kw := range techCatalog {
		if strings.Contains(lower, kw) {
			return kw
		}
	}
	for _, word := range strings.Fields(statement) {
		runes := []rune(word)
		if len(runes) > 1 && unicode.IsUpper(runes[0]) {
			return strings.Trim(word, ".,;:!?\"'()")
		}
	}
	return statement
}

// Extract groups the domain's outcomed decisions by pattern key, computes
// success rates and drops keys below the minimum sample size. Results are
// sorted by success rate descending, key ascending on ties.
func (e *Extractor) Extract(domain string) ([]Pattern, error) {
	finals, err := e.store.ListOutcomedDecisionIDs(e.ns, domain)
	if err != nil {
		return nil, err
	}
	decisions, err := e.store.ListDecisionsByDomain(e.ns, domain, 1000, true)
	if err != nil {
		return nil, err
	}

	type bucket struct {
		total, success int
		ids            []string
	}
	buckets := make(map[string]*bucket)
	for _, d := range decisions {
		final, ok := finals[d.ID]
		if !ok {
			continue
		}
		key := KeyOf(d.Statement)
		b := buckets[key]
		if b == nil {
			b = &bucket{}
			buckets[key] = b
		}
		b.total++
		if final == types.FinalSuccess {
			b.success++
		}
		b.ids = append(b.ids, d.ID)
	}

	out := make([]Pattern, 0, len(buckets))
	for key, b := range buckets {
		if b.total < e.minSampleSize {
			continue
		}
		out = append(out, Pattern{
			Key:           key,
			Domain:        domain,
			SuccessRate:   float64(b.success) / float64(b.total),
			SampleSize:    b.total,
			SupportingIDs: b.ids,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SuccessRate != out[j].SuccessRate {
			return out[i].SuccessRate > out[j].SuccessRate
		}
		return out[i].Key < out[j].Key
	})
	logging.Get(logging.CategoryPattern).Debug("extracted %d patterns for domain %s", len(out), domain)
	return out, nil
}

// Stats summarizes one domain's finalized decisions.
type Stats struct {
	Domain         string  `json:"domain"`
	TotalDecisions int     `json:"total_decisions"`
	WithOutcome    int     `json:"with_outcome"`
	SuccessRate    float64 `json:"success_rate"`
	Patterns       int     `json:"patterns"`
}

// DomainStats computes overall counts and success rate for a domain.
func (e *Extractor) DomainStats(domain string) (*Stats, error) {
	finals, err := e.store.ListOutcomedDecisionIDs(e.ns, domain)
	if err != nil {
		return nil, err
	}
	decisions, err := e.store.ListDecisionsByDomain(e.ns, domain, 1000, true)
	if err != nil {
		return nil, err
	}
	patterns, err := e.Extract(domain)
	if err != nil {
		return nil, err
	}

	successes := 0
	for _, final := range finals {
		if final == types.FinalSuccess {
			successes++
		}
	}
	st := &Stats{
		Domain:         domain,
		TotalDecisions: len(decisions),
		WithOutcome:    len(finals),
		Patterns:       len(patterns),
	}
	if len(finals) > 0 {
		st.SuccessRate = float64(successes) / float64(len(finals))
	}
	return st, nil
}

// Conflict pairs two patterns that both succeed often yet name different
// technologies, which usually means the team is split.
type Conflict struct {
	A Pattern `json:"a"`
	B Pattern `json:"b"`
}

// DetectConflicts reports pattern pairs with success rate above 0.60
// whose keys are not substrings of each other.
func DetectConflicts(patterns []Pattern) []Conflict {
	var out []Conflict
	for i := 0; i < len(patterns); i++ {
		for j := i + 1; j < len(patterns); j++ {
			a, b := patterns[i], patterns[j]
			if a.SuccessRate <= 0.60 || b.SuccessRate <= 0.60 {
				continue
			}
			la, lb := strings.ToLower(a.Key), strings.ToLower(b.Key)
			if strings.Contains(la, lb) || strings.Contains(lb, la) {
				continue
			}
			out = append(out, Conflict{A: a, B: b})
		}
	}
	return out
}
