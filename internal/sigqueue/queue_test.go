package sigqueue

import (
	"errors"
	"testing"
	"time"

	"membria/internal/types"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestSaveAndDrainFIFO(t *testing.T) {
	q := openTestQueue(t)

	base := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	for i, text := range []string{"we decided to use Redis", "let's go with JWT", "choosing Kafka here"} {
		sig := &Signal{
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
			SignalType: "high",
			Confidence: 0.8,
			Module:     "auth",
			RawText:    text,
		}
		if err := q.SaveSignal(sig); err != nil {
			t.Fatalf("SaveSignal: %v", err)
		}
		if sig.ID == "" {
			t.Error("id not stamped")
		}
	}

	pending, err := q.GetPendingSignals()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending = %d, want 3", len(pending))
	}
	if pending[0].RawText != "we decided to use Redis" || pending[2].RawText != "choosing Kafka here" {
		t.Errorf("not FIFO: %q ... %q", pending[0].RawText, pending[2].RawText)
	}
}

func TestValidation(t *testing.T) {
	q := openTestQueue(t)

	if err := q.SaveSignal(&Signal{SignalType: "high"}); !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("empty raw_text = %v", err)
	}
	if err := q.SaveSignal(&Signal{SignalType: "low", RawText: "x"}); !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("bad signal_type = %v", err)
	}
}

func TestMarkExtracted(t *testing.T) {
	q := openTestQueue(t)

	sig := &Signal{SignalType: "medium", RawText: "we picked modular monolith", Module: "arch"}
	if err := q.SaveSignal(sig); err != nil {
		t.Fatal(err)
	}

	if err := q.MarkExtracted(sig.ID, "dec_abcdefabcdef"); err != nil {
		t.Fatalf("MarkExtracted: %v", err)
	}
	pending, _ := q.GetPendingSignals()
	if len(pending) != 0 {
		t.Errorf("extracted signal still pending")
	}

	// A second extraction is a conflict, an unknown id NotFound.
	if err := q.MarkExtracted(sig.ID, "dec_000000000000"); !errors.Is(err, types.ErrConflict) {
		t.Errorf("double extract = %v", err)
	}
	if err := q.MarkExtracted("sig_nope", "dec_000000000000"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("unknown signal = %v", err)
	}

	history, err := q.GetSignalHistory(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Status != "extracted" || history[0].ExtractedDecisionID != "dec_abcdefabcdef" {
		t.Errorf("history = %+v", history[0])
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	path := t.TempDir() + "/signals.db"
	q, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.SaveSignal(&Signal{SignalType: "high", RawText: "durable pick"}); err != nil {
		t.Fatal(err)
	}
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}

	q2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer q2.Close()
	pending, err := q2.GetPendingSignals()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].RawText != "durable pick" {
		t.Errorf("pending after reopen = %+v", pending)
	}
}
