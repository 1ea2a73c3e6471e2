package store

import (
	"encoding/json"
	"time"
)

// Edge is a typed relationship between two node ids.
type Edge struct {
	FromID     string                 `json:"from_id"`
	Relation   string                 `json:"relation"`
	ToID       string                 `json:"to_id"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// AddEdge stores a relationship. Duplicate (from, relation, to) triples
// are silently absorbed.
func (s *GraphStore) AddEdge(fromID, relation, toID string, properties map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO edges (from_id, relation, to_id, properties, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		fromID, relation, toID, marshalJSON(properties), time.Now().UTC(),
	)
	return classify("add edge", err)
}

// EdgesFrom returns outgoing edges, optionally filtered by relation.
func (s *GraphStore) EdgesFrom(fromID, relation string) ([]Edge, error) {
	return s.queryEdges(`from_id = ?`, fromID, relation)
}

// EdgesTo returns incoming edges, optionally filtered by relation.
func (s *GraphStore) EdgesTo(toID, relation string) ([]Edge, error) {
	return s.queryEdges(`to_id = ?`, toID, relation)
}

func (s *GraphStore) queryEdges(where, id, relation string) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := `SELECT from_id, relation, to_id, COALESCE(properties,''), created_at FROM edges WHERE ` + where
	args := []interface{}{id}
	if relation != "" {
		q += ` AND relation = ?`
		args = append(args, relation)
	}
	q += ` ORDER BY id`

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, classify("query edges", err)
	}
	defer rows.Close()

	var out []Edge
	for rows.Next() {
		var e Edge
		var props string
		if err := rows.Scan(&e.FromID, &e.Relation, &e.ToID, &props, &e.CreatedAt); err != nil {
			continue
		}
		if props != "" {
			_ = json.Unmarshal([]byte(props), &e.Properties)
		}
		out = append(out, e)
	}
	return out, nil
}
