package store

import (
	"time"

	"membria/internal/types"
)

// EngramRef points at one engram file on disk.
type EngramRef struct {
	ID        string
	Namespace types.Namespace
	SessionID string
	Branch    string
	Path      string
	CreatedAt time.Time
}

// AddEngramRef indexes an engram file that was already written.
func (s *GraphStore) AddEngramRef(ref *EngramRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO engram_refs (id, tenant_id, team_id, project_id, session_id, branch, path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ref.ID, ref.Namespace.TenantID, ref.Namespace.TeamID, ref.Namespace.ProjectID,
		ref.SessionID, ref.Branch, ref.Path, ref.CreatedAt,
	)
	return classify("add engram ref", err)
}

// ListEngramRefs returns a session's engram files, oldest first.
func (s *GraphStore) ListEngramRefs(ns types.Namespace, sessionID string) ([]EngramRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, session_id, branch, path, created_at
		 FROM engram_refs WHERE session_id = ?`+nsWhere+` ORDER BY created_at ASC`,
		append([]interface{}{sessionID}, nsArgs(ns)...)...,
	)
	if err != nil {
		return nil, classify("list engram refs", err)
	}
	defer rows.Close()

	var out []EngramRef
	for rows.Next() {
		ref := EngramRef{Namespace: ns}
		if err := rows.Scan(&ref.ID, &ref.SessionID, &ref.Branch, &ref.Path, &ref.CreatedAt); err != nil {
			return nil, classify("scan engram ref", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}
