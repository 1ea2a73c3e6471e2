package types

import (
	"errors"
	"strings"
	"testing"
)

func TestContextHashOrderInvariant(t *testing.T) {
	predicted := PredictedOutcome{
		Description:     "db migration lands cleanly",
		SuccessCriteria: []string{"CI green"},
		RiskLevel:       RiskMedium,
	}

	a := ContextHash("Use PostgreSQL", []string{"PostgreSQL", "MongoDB", "SQLite"}, []string{"team knows SQL"}, predicted)
	b := ContextHash("Use PostgreSQL", []string{"SQLite", "PostgreSQL", "MongoDB"}, []string{"team knows SQL"}, predicted)

	if a != b {
		t.Errorf("hash should be invariant to alternative ordering: %s != %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}

	c := ContextHash("Use MySQL", []string{"PostgreSQL"}, nil, predicted)
	if c == a {
		t.Error("different statements must hash differently")
	}
}

func TestFinalizeHashImmutable(t *testing.T) {
	d := Decision{Statement: "Use Redis for cache", Alternatives: []string{"Redis", "Memcached"}}
	d.FinalizeHash()
	first := d.ContextHash

	d.Statement = "changed later"
	d.FinalizeHash()
	if d.ContextHash != first {
		t.Error("context hash must never change once set")
	}
}

func TestDecisionValidate(t *testing.T) {
	ns := Namespace{TenantID: "t", TeamID: "team", ProjectID: "p"}

	tests := []struct {
		name    string
		d       Decision
		wantErr bool
	}{
		{"valid", Decision{Statement: "x", Confidence: 0.5, Namespace: ns}, false},
		{"empty statement", Decision{Confidence: 0.5, Namespace: ns}, true},
		{"confidence too high", Decision{Statement: "x", Confidence: 1.2, Namespace: ns}, true},
		{"confidence negative", Decision{Statement: "x", Confidence: -0.1, Namespace: ns}, true},
		{"missing namespace", Decision{Statement: "x", Confidence: 0.5}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.d.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestDecisionCanTransition(t *testing.T) {
	d := Decision{Status: DecisionFailed}
	if d.CanTransition(DecisionPending) {
		t.Error("failed -> pending must be forbidden")
	}

	d.Status = DecisionPending
	if !d.CanTransition(DecisionExecuted) {
		t.Error("pending -> executed must be allowed")
	}

	d.Status = DecisionCompleted
	if d.CanTransition(DecisionPending) {
		t.Error("status must not regress")
	}
}

func TestCalibrationProfileDerived(t *testing.T) {
	p := CalibrationProfile{Domain: "api", Alpha: 4, Beta: 3}

	if got := p.Mean(); got < 0.571 || got > 0.572 {
		t.Errorf("Mean() = %v, want 4/7", got)
	}
	if got := p.SampleSize(); got != 5 {
		t.Errorf("SampleSize() = %d, want 5", got)
	}
	if got := p.Trend(); got != "stable" {
		t.Errorf("Trend() = %q, want stable", got)
	}

	lo, hi := p.CredibleInterval95()
	if lo <= 0 || hi >= 1 {
		t.Errorf("interval (%v,%v) should be informative at n=5", lo, hi)
	}
}

func TestCredibleIntervalSmallSample(t *testing.T) {
	p := CalibrationProfile{Alpha: 2, Beta: 1} // n = 1
	lo, hi := p.CredibleInterval95()
	if lo != 0 || hi != 1 {
		t.Errorf("small sample must return (0,1), got (%v,%v)", lo, hi)
	}
}

func TestQualityScore(t *testing.T) {
	tests := []struct {
		rate string
		got  float64
		lo   float64
		hi   float64
	}{
		{"n=4 r=0.5", QualityScore(0.5, 4), 0.24, 0.26},
		{"n=0", QualityScore(0.9, 0), 0, 0},
		{"n=1 any rate", QualityScore(1.0, 1), 0, 0},
	}
	for _, tt := range tests {
		if tt.got < tt.lo || tt.got > tt.hi {
			t.Errorf("%s: score %v outside [%v,%v]", tt.rate, tt.got, tt.lo, tt.hi)
		}
	}
}

func TestIDFormat(t *testing.T) {
	id := NewDecisionID()
	if !strings.HasPrefix(id, "dec_") || len(id) != 16 {
		t.Errorf("unexpected decision id %q", id)
	}
	if err := ValidateID(id, DecisionIDPrefix); err != nil {
		t.Errorf("ValidateID(%q) = %v", id, err)
	}
	if !DecisionIDPattern.MatchString("fixes dec_0123456789ab in auth") {
		t.Error("pattern should match embedded decision id")
	}
	if err := ValidateID("dec_XYZ", DecisionIDPrefix); err == nil {
		t.Error("expected error for malformed id")
	}
}
