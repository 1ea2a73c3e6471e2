package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// canonicalDecision is the stable encoding hashed into context_hash.
// Alternatives and assumptions are sorted so ordering never changes the
// hash; the hash is computed at finalization and is immutable after.
type canonicalDecision struct {
	Statement    string           `json:"statement"`
	Alternatives []string         `json:"alternatives"`
	Assumptions  []string         `json:"assumptions"`
	Predicted    PredictedOutcome `json:"predicted_outcome"`
}

// ContextHash computes the SHA-256 over the canonical encoding of
// (statement, sorted alternatives, sorted assumptions, predicted_outcome).
func ContextHash(statement string, alternatives, assumptions []string, predicted PredictedOutcome) string {
	alts := append([]string(nil), alternatives...)
	sort.Strings(alts)
	asm := append([]string(nil), assumptions...)
	sort.Strings(asm)

	payload, _ := json.Marshal(canonicalDecision{
		Statement:    statement,
		Alternatives: alts,
		Assumptions:  asm,
		Predicted:    predicted,
	})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// FinalizeHash stamps the decision's context hash if not already set.
func (d *Decision) FinalizeHash() {
	if d.ContextHash == "" {
		d.ContextHash = ContextHash(d.Statement, d.Alternatives, d.Assumptions, d.Predicted)
	}
}
