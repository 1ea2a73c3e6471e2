package store

import (
	"fmt"
	"time"

	"membria/internal/types"
)

// SetSessionContext upserts the hint state for a session.
func (s *GraphStore) SetSessionContext(sc *types.SessionContext) error {
	if sc.SessionID == "" {
		return fmt.Errorf("%w: session context requires a session id", types.ErrInvalidArgument)
	}
	if err := sc.Namespace.Validate(); err != nil {
		return err
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now().UTC()
	}
	if sc.ExpiresAt.IsZero() {
		sc.ExpiresAt = sc.CreatedAt.Add(24 * time.Hour)
	}
	sc.IsActive = true

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO session_contexts (
			session_id, tenant_id, team_id, project_id,
			task, focus, current_plan, constraints, doc_shot_id, created_at, expires_at, is_active
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(session_id) DO UPDATE SET
			task = excluded.task,
			focus = excluded.focus,
			current_plan = excluded.current_plan,
			constraints = excluded.constraints,
			doc_shot_id = excluded.doc_shot_id,
			expires_at = excluded.expires_at,
			is_active = 1`,
		sc.SessionID, sc.Namespace.TenantID, sc.Namespace.TeamID, sc.Namespace.ProjectID,
		sc.Task, sc.Focus, sc.CurrentPlan, marshalJSON(sc.Constraints),
		sc.DocShotID, sc.CreatedAt, sc.ExpiresAt,
	)
	return classify("set session context", err)
}

const sessionCols = `session_id, tenant_id, team_id, project_id,
	COALESCE(task,''), COALESCE(focus,''), COALESCE(current_plan,''),
	COALESCE(constraints,''), COALESCE(doc_shot_id,''), created_at, expires_at, is_active`

func scanSession(scanner interface{ Scan(...interface{}) error }) (*types.SessionContext, error) {
	var sc types.SessionContext
	var constraints string
	var active int
	err := scanner.Scan(
		&sc.SessionID, &sc.Namespace.TenantID, &sc.Namespace.TeamID, &sc.Namespace.ProjectID,
		&sc.Task, &sc.Focus, &sc.CurrentPlan, &constraints, &sc.DocShotID,
		&sc.CreatedAt, &sc.ExpiresAt, &active,
	)
	if err != nil {
		return nil, err
	}
	sc.Constraints = unmarshalStrings(constraints)
	sc.IsActive = active != 0
	return &sc, nil
}

// GetSessionContext loads one session's hints; expired contexts come back
// NotFound.
func (s *GraphStore) GetSessionContext(ns types.Namespace, sessionID string) (*types.SessionContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT `+sessionCols+` FROM session_contexts
		 WHERE session_id = ? AND is_active = 1 AND expires_at > ?`+nsWhere,
		append([]interface{}{sessionID, time.Now().UTC()}, nsArgs(ns)...)...,
	)
	sc, err := scanSession(row)
	if err != nil {
		return nil, classify("get session context "+sessionID, err)
	}
	return sc, nil
}

// LatestSessionContext returns the most recent unexpired active context.
// Used when a caller supplies no session id.
func (s *GraphStore) LatestSessionContext(ns types.Namespace) (*types.SessionContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT `+sessionCols+` FROM session_contexts
		 WHERE is_active = 1 AND expires_at > ?`+nsWhere+
			` ORDER BY created_at DESC LIMIT 1`,
		append([]interface{}{time.Now().UTC()}, nsArgs(ns)...)...,
	)
	sc, err := scanSession(row)
	if err != nil {
		return nil, classify("latest session context", err)
	}
	return sc, nil
}

// ExpireSessionContexts deactivates contexts past their TTL. Returns the
// number of rows touched.
func (s *GraphStore) ExpireSessionContexts(ns types.Namespace) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE session_contexts SET is_active = 0 WHERE is_active = 1 AND expires_at <= ?`+nsWhere,
		append([]interface{}{time.Now().UTC()}, nsArgs(ns)...)...,
	)
	if err != nil {
		return 0, classify("expire session contexts", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
