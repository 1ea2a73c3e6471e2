package store

import (
	"time"
)

// MarkEventProcessed records a webhook event in the idempotency ledger.
// Returns true when the event was new, false when it was seen before.
func (s *GraphStore) MarkEventProcessed(eventID, outcomeID, signalType string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO processed_events (event_id, outcome_id, signal_type, processed_at)
		 VALUES (?, ?, ?, ?)`,
		eventID, outcomeID, signalType, time.Now().UTC(),
	)
	if err != nil {
		return false, classify("mark event processed", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// IsEventProcessed reports whether a delivery is already in the ledger.
func (s *GraphStore) IsEventProcessed(eventID, outcomeID, signalType string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM processed_events
		 WHERE event_id = ? AND outcome_id = ? AND signal_type = ?`,
		eventID, outcomeID, signalType,
	).Scan(&n)
	if err != nil {
		return false, classify("check event processed", err)
	}
	return n > 0, nil
}
