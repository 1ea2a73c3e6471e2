// Package sigqueue is the durable FIFO of pending decision signals:
// heuristic hits extracted from session transcripts, waiting for an
// external extractor to turn them into decisions. It lives in its own
// SQLite database so the queue survives restarts independently of the
// graph.
package sigqueue

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"membria/internal/logging"
	"membria/internal/types"
)

// Signal is one queued heuristic hit.
type Signal struct {
	ID                  string    `json:"id"`
	Timestamp           time.Time `json:"timestamp"`
	SignalType          string    `json:"signal_type"` // high | medium
	Confidence          float64   `json:"confidence"`
	Module              string    `json:"module"`
	RawText             string    `json:"raw_text"`
	Status              string    `json:"status"` // pending | extracted
	ExtractedDecisionID string    `json:"extracted_decision_id,omitempty"`
}

// Queue is the SQLite-backed FIFO.
type Queue struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens the queue database and ensures the schema.
func Open(path string) (*Queue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open signal queue: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS signals (
			id TEXT PRIMARY KEY,
			timestamp DATETIME NOT NULL,
			signal_type TEXT NOT NULL CHECK (signal_type IN ('high','medium')),
			confidence REAL NOT NULL DEFAULT 0,
			module TEXT,
			raw_text TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','extracted')),
			extracted_decision_id TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_signals_status ON signals(status, timestamp);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init signal queue schema: %w", err)
	}
	logging.Get(logging.CategoryQueue).Debug("signal queue open at %s", path)
	return &Queue{db: db}, nil
}

// Close releases the database handle.
func (q *Queue) Close() error { return q.db.Close() }

// SaveSignal enqueues one signal. Missing id and timestamp are stamped.
func (q *Queue) SaveSignal(sig *Signal) error {
	if sig.RawText == "" {
		return fmt.Errorf("%w: signal requires raw_text", types.ErrInvalidArgument)
	}
	if sig.SignalType != "high" && sig.SignalType != "medium" {
		return fmt.Errorf("%w: signal_type must be high or medium, got %q", types.ErrInvalidArgument, sig.SignalType)
	}
	if sig.ID == "" {
		sig.ID = types.NewSignalID()
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now().UTC()
	}
	sig.Status = "pending"

	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.db.Exec(
		`INSERT INTO signals (id, timestamp, signal_type, confidence, module, raw_text, status)
		 VALUES (?, ?, ?, ?, ?, ?, 'pending')`,
		sig.ID, sig.Timestamp, sig.SignalType, sig.Confidence, sig.Module, sig.RawText,
	)
	if err != nil {
		return fmt.Errorf("failed to save signal: %w", err)
	}
	return nil
}

const signalCols = `id, timestamp, signal_type, confidence, COALESCE(module,''), raw_text, status, COALESCE(extracted_decision_id,'')`

func scanSignal(scanner interface{ Scan(...interface{}) error }) (*Signal, error) {
	var s Signal
	err := scanner.Scan(&s.ID, &s.Timestamp, &s.SignalType, &s.Confidence,
		&s.Module, &s.RawText, &s.Status, &s.ExtractedDecisionID)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetPendingSignals returns unextracted signals, oldest first.
func (q *Queue) GetPendingSignals() ([]*Signal, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.db.Query(`SELECT ` + signalCols + ` FROM signals WHERE status = 'pending' ORDER BY timestamp, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending signals: %w", err)
	}
	defer rows.Close()

	var out []*Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// MarkExtracted links a queued signal to the decision distilled from it.
func (q *Queue) MarkExtracted(signalID, decisionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.Exec(
		`UPDATE signals SET status = 'extracted', extracted_decision_id = ? WHERE id = ? AND status = 'pending'`,
		decisionID, signalID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark signal extracted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var status string
		err := q.db.QueryRow(`SELECT status FROM signals WHERE id = ?`, signalID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: signal %s", types.ErrNotFound, signalID)
		}
		return fmt.Errorf("%w: signal %s already %s", types.ErrConflict, signalID, status)
	}
	return nil
}

// GetSignalHistory returns the newest signals regardless of status.
func (q *Queue) GetSignalHistory(limit int) ([]*Signal, error) {
	if limit <= 0 {
		limit = 50
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.db.Query(`SELECT `+signalCols+` FROM signals ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list signal history: %w", err)
	}
	defer rows.Close()

	var out []*Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}
