package firewall

import (
	"math"
	"testing"

	"membria/internal/store"
	"membria/internal/types"
)

var testNS = types.Namespace{TenantID: "acme", TeamID: "platform", ProjectID: "svc"}

func newTestFirewall(t *testing.T) (*Firewall, *store.GraphStore) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, testNS, "override-me"), s
}

func hasFlag(flags []Flag, detector string) bool {
	for _, f := range flags {
		if f.Detector == detector {
			return true
		}
	}
	return false
}

func TestCleanDecisionAllowed(t *testing.T) {
	f, _ := newTestFirewall(t)
	eval := f.Evaluate(Check{
		Statement:    "Use PostgreSQL with read replicas",
		Alternatives: []string{"PostgreSQL", "MySQL"},
		Confidence:   0.8,
		Domain:       "database",
	})
	if eval.Verdict != VerdictAllow || len(eval.Flags) != 0 {
		t.Errorf("eval = %+v", eval)
	}
	if !f.CanProceed(eval, "") {
		t.Error("ALLOW should proceed without a token")
	}
}

func TestLowConfidenceNoAlternativesBlocks(t *testing.T) {
	f, _ := newTestFirewall(t)
	eval := f.Evaluate(Check{Statement: "maybe rewrite it all", Confidence: 0.3})

	if !hasFlag(eval.Flags, "low_confidence") || !hasFlag(eval.Flags, "no_alternatives") {
		t.Fatalf("flags = %+v", eval.Flags)
	}
	if eval.Verdict != VerdictBlock || !eval.OverrideRequired {
		t.Errorf("verdict = %s", eval.Verdict)
	}
	// critical 1.0 + medium 0.4 over 3.
	if math.Abs(eval.RiskScore-1.4/3) > 1e-9 {
		t.Errorf("risk = %v", eval.RiskScore)
	}

	if f.CanProceed(eval, "") || f.CanProceed(eval, "wrong") {
		t.Error("BLOCK proceeded without the override token")
	}
	if !f.CanProceed(eval, "override-me") {
		t.Error("override token refused")
	}
}

func TestLowConfidenceWithAlternativesIsLow(t *testing.T) {
	f, _ := newTestFirewall(t)
	eval := f.Evaluate(Check{
		Statement:    "try the smaller refactor first",
		Alternatives: []string{"small refactor", "rewrite", "leave it"},
		Confidence:   0.4,
	})
	if len(eval.Flags) != 1 || eval.Flags[0].Severity != SeverityLow {
		t.Errorf("flags = %+v", eval.Flags)
	}
	if eval.Verdict != VerdictAllow {
		t.Errorf("verdict = %s", eval.Verdict)
	}
}

func TestOverconfidentLanguage(t *testing.T) {
	f, _ := newTestFirewall(t)
	eval := f.Evaluate(Check{
		Statement:    "This is definitely the right database",
		Alternatives: []string{"a", "b"},
		Confidence:   0.95,
	})
	if !hasFlag(eval.Flags, "overconfident_language") {
		t.Fatalf("flags = %+v", eval.Flags)
	}

	// Same words at modest confidence stay quiet.
	eval = f.Evaluate(Check{
		Statement:    "This is definitely the right database",
		Alternatives: []string{"a", "b"},
		Confidence:   0.7,
	})
	if hasFlag(eval.Flags, "overconfident_language") {
		t.Errorf("flag at 0.7 confidence: %+v", eval.Flags)
	}
}

func TestTimePressureAndWarn(t *testing.T) {
	f, _ := newTestFirewall(t)
	eval := f.Evaluate(Check{
		Statement:    "Ship the quick fix",
		Alternatives: []string{"quick fix"}, // no_alternatives MEDIUM
		Confidence:   0.7,
		TimePressure: true, // second MEDIUM
	})
	if eval.Verdict != VerdictWarn {
		t.Errorf("two mediums should WARN, got %s (%+v)", eval.Verdict, eval.Flags)
	}
	if !f.CanProceed(eval, "") {
		t.Error("WARN must not require an override")
	}
}

func TestAntipatternDetection(t *testing.T) {
	f, s := newTestFirewall(t)
	for _, ap := range []*types.AntiPattern{
		{Namespace: testNS, Name: "dual writes", Domain: "database", Severity: "high",
			FailureRate: 0.8, RegexPattern: `dual\s+write`},
		{Namespace: testNS, Name: "broken", Domain: "database", Severity: "high",
			FailureRate: 0.9, RegexPattern: `([`},
	} {
		if err := s.AddAntiPattern(ap); err != nil {
			t.Fatal(err)
		}
	}

	eval := f.Evaluate(Check{
		Statement:    "Dual write to both stores during migration",
		Alternatives: []string{"dual write", "backfill"},
		Confidence:   0.8,
		Domain:       "database",
	})
	if !hasFlag(eval.Flags, "antipattern_detected") {
		t.Fatalf("flags = %+v", eval.Flags)
	}
	// One HIGH is a WARN, not a BLOCK.
	if eval.Verdict != VerdictWarn {
		t.Errorf("verdict = %s", eval.Verdict)
	}
}
