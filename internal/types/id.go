package types

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Id prefixes. Each id is the prefix plus 12 lowercase hex chars, unique
// within a namespace.
const (
	DecisionIDPrefix = "dec_"
	OutcomeIDPrefix  = "outcome_"
	EngramIDPrefix   = "eng_"
	KnowledgeIDPrefix = "nk_"
	DocShotIDPrefix  = "ds_"
	DocumentIDPrefix = "doc_"
	SignalIDPrefix   = "sig_"
)

// DecisionIDPattern matches decision ids embedded in commit messages and
// PR titles/bodies.
var DecisionIDPattern = regexp.MustCompile(`dec_[0-9a-f]{12}`)

func newID(prefix string) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + hex[:12]
}

// NewDecisionID mints a dec_<hex12> id.
func NewDecisionID() string { return newID(DecisionIDPrefix) }

// NewOutcomeID mints an outcome_<hex12> id.
func NewOutcomeID() string { return newID(OutcomeIDPrefix) }

// NewEngramID mints an eng_<hex12> id.
func NewEngramID() string { return newID(EngramIDPrefix) }

// NewKnowledgeID mints a nk_<hex12> id.
func NewKnowledgeID() string { return newID(KnowledgeIDPrefix) }

// NewDocShotID mints a ds_<hex12> id.
func NewDocShotID() string { return newID(DocShotIDPrefix) }

// NewDocumentID mints a doc_<hex12> id.
func NewDocumentID() string { return newID(DocumentIDPrefix) }

// NewSignalID mints a sig_<hex12> id.
func NewSignalID() string { return newID(SignalIDPrefix) }

// ValidateID checks prefix and hex-suffix shape.
func ValidateID(id, prefix string) error {
	if !strings.HasPrefix(id, prefix) {
		return fmt.Errorf("%w: id %q missing prefix %q", ErrInvalidArgument, id, prefix)
	}
	suffix := strings.TrimPrefix(id, prefix)
	if len(suffix) != 12 {
		return fmt.Errorf("%w: id %q suffix must be 12 hex chars", ErrInvalidArgument, id)
	}
	for _, c := range suffix {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("%w: id %q contains non-hex char", ErrInvalidArgument, id)
		}
	}
	return nil
}
