package composer

import (
	"strings"
	"testing"

	"membria/internal/chains"
	"membria/internal/store"
	"membria/internal/types"
)

var testNS = types.Namespace{TenantID: "acme", TeamID: "platform", ProjectID: "svc"}

func budget(n int) *int { return &n }

func newTestComposer(t *testing.T, order []string) (*Composer, *store.GraphStore) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, testNS, chains.NewOrchestrator(s, testNS), order), s
}

func seedContextData(t *testing.T, s *store.GraphStore) {
	t.Helper()
	for i := 0; i < 4; i++ {
		if _, err := s.RecordCalibrationObservation(testNS, "database", i%2 == 0); err != nil {
			t.Fatal(err)
		}
	}
	nk := &types.NegativeKnowledge{
		Namespace: testNS, Domain: "database", Severity: "high",
		Hypothesis: "sharding first is fine", Conclusion: "premature sharding stalled delivery",
		Recommendation: "start single-node",
	}
	if err := s.AddNegativeKnowledge(nk); err != nil {
		t.Fatal(err)
	}
	d := &types.Decision{
		Namespace: testNS, Statement: "Use PostgreSQL for events",
		Alternatives: []string{"pg", "kafka"}, Confidence: 0.8, Domain: "database",
	}
	if err := s.AddDecision(d); err != nil {
		t.Fatal(err)
	}
	sc := &types.SessionContext{SessionID: "s1", Namespace: testNS, Task: "migrate billing"}
	if err := s.SetSessionContext(sc); err != nil {
		t.Fatal(err)
	}
}

func TestBuildDecisionContextSections(t *testing.T) {
	c, s := newTestComposer(t, nil)
	seedContextData(t, s)

	res, err := c.BuildDecisionContext(&Request{
		Statement:  "Use PostgreSQL for audit log",
		Module:     "database",
		Confidence: 0.9,
		MaxTokens:  budget(2000),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(res.CompactContext, Header) {
		t.Errorf("missing header: %q", res.CompactContext[:40])
	}
	for _, want := range []string{"Session Context", "Calibration", "Known Failure Modes", "Similar Past Decisions"} {
		if !strings.Contains(res.CompactContext, want) {
			t.Errorf("context missing section %q", want)
		}
	}
	if res.Truncated {
		t.Error("unexpectedly truncated at 2000 tokens")
	}
	// Sections come out in priority order.
	names := res.SectionsIncluded
	idx := func(name string) int {
		for i, n := range names {
			if n == name {
				return i
			}
		}
		return -1
	}
	if idx("session_context") > idx("calibration") || idx("calibration") > idx("similar_decisions") {
		t.Errorf("section order = %v", names)
	}
	if len(res.Surface.SimilarDecisions) == 0 || len(res.Surface.NegativeKnowledge) == 0 {
		t.Errorf("surface not populated: %+v", res.Surface)
	}
	if res.TotalTokens != chains.EstimateTokens(res.CompactContext) {
		t.Errorf("token accounting mismatch")
	}
}

func TestUnknownPluginsIgnoredRolePluginsAppended(t *testing.T) {
	c, s := newTestComposer(t, []string{"calibration", "no_such_plugin"})
	seedContextData(t, s)
	nk := &types.NegativeKnowledge{
		Namespace: testNS, Domain: "reviewer", Severity: "medium",
		Hypothesis: "rubber stamping works", Conclusion: "regressions slipped through",
		Recommendation: "checklist review",
	}
	if err := s.AddNegativeKnowledge(nk); err != nil {
		t.Fatal(err)
	}

	res, err := c.BuildDecisionContext(&Request{
		Statement: "Use PostgreSQL", Module: "database", Confidence: 0.9,
		Role: "reviewer",
	})
	if err != nil {
		t.Fatal(err)
	}
	// Role plug-ins run even though the configured order omits them.
	if !strings.Contains(res.CompactContext, "Failure Modes for reviewer") {
		t.Errorf("role section missing: %q", res.CompactContext)
	}
	// The configured order dropped similar_decisions entirely.
	if strings.Contains(res.CompactContext, "Similar Past Decisions") {
		t.Errorf("unconfigured section rendered")
	}
}

func TestBudgetTruncation(t *testing.T) {
	c, s := newTestComposer(t, nil)
	seedContextData(t, s)

	res, err := c.BuildDecisionContext(&Request{
		Statement: "Use PostgreSQL for audit log", Module: "database",
		Confidence: 0.9, MaxTokens: budget(30),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Truncated {
		t.Fatal("tiny budget did not truncate")
	}
	if res.TotalTokens > 60 {
		t.Errorf("truncated context still %d tokens", res.TotalTokens)
	}
	if len(res.SectionsIncluded) == 0 && !strings.Contains(res.CompactContext, BudgetMarker) {
		t.Errorf("neither partial section nor marker present: %q", res.CompactContext)
	}
}

func TestZeroBudgetKeepsHeaderOnly(t *testing.T) {
	c, s := newTestComposer(t, nil)
	seedContextData(t, s)

	res, err := c.BuildDecisionContext(&Request{
		Statement: "Use PostgreSQL for audit log", Module: "database",
		Confidence: 0.9, MaxTokens: budget(0),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Truncated {
		t.Fatal("zero budget did not truncate")
	}
	if !strings.HasPrefix(res.CompactContext, Header) {
		t.Errorf("missing header: %q", res.CompactContext)
	}
	if len(res.SectionsIncluded) != 0 {
		t.Errorf("sections survived a zero budget: %v", res.SectionsIncluded)
	}
	for _, dropped := range []string{"Session Context", "Calibration", "Known Failure Modes"} {
		if strings.Contains(res.CompactContext, dropped) {
			t.Errorf("zero budget rendered %q", dropped)
		}
	}

	// An absent budget still means the default, not zero.
	res, err = c.BuildDecisionContext(&Request{
		Statement: "Use PostgreSQL for audit log", Module: "database", Confidence: 0.9,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Truncated || len(res.SectionsIncluded) == 0 {
		t.Errorf("default budget result = truncated %v, sections %v", res.Truncated, res.SectionsIncluded)
	}
}

func TestPluginFailureIsSkipped(t *testing.T) {
	c, s := newTestComposer(t, nil)
	seedContextData(t, s)

	// An unknown docshot id makes the docshot plug-in fail; composition
	// must still succeed without it.
	res, err := c.BuildDecisionContext(&Request{
		Statement: "Use PostgreSQL", Module: "database", Confidence: 0.9,
		DocShotID: "ds_doesnotexist",
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(res.CompactContext, "Pinned Documentation") {
		t.Errorf("failed plug-in produced output")
	}
	if !strings.Contains(res.CompactContext, "Calibration") {
		t.Errorf("later plug-ins skipped after failure: %q", res.CompactContext)
	}
}
