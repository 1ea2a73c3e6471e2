package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"membria/internal/types"
)

func marshalJSON(v interface{}) string {
	if v == nil {
		return ""
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func unmarshalStrings(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

// AddDecision persists a validated decision. The context hash is stamped
// here if the caller has not already finalized it.
func (s *GraphStore) AddDecision(d *types.Decision) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if d.ID == "" {
		d.ID = types.NewDecisionID()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = types.DecisionPending
	}
	d.FinalizeHash()
	if d.Lifecycle.LastVerifiedAt.IsZero() {
		d.Lifecycle.LastVerifiedAt = d.CreatedAt
	}
	if d.Lifecycle.TTLDays == 0 {
		d.Lifecycle.TTLDays = 365
	}
	d.Lifecycle.IsActive = true

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO decisions (
			id, tenant_id, team_id, project_id,
			is_active, ttl_days, last_verified_at, deprecated_reason, memory_type, memory_subject,
			statement, alternatives, alternatives_with_reasons, assumptions, predicted_outcome,
			confidence, domain, created_at, created_by, context_hash, status, linked_pr, linked_commit
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Namespace.TenantID, d.Namespace.TeamID, d.Namespace.ProjectID,
		boolToInt(d.Lifecycle.IsActive), d.Lifecycle.TTLDays, d.Lifecycle.LastVerifiedAt,
		d.Lifecycle.DeprecatedReason, string(d.Lifecycle.MemoryType), d.Lifecycle.MemorySubject,
		d.Statement, marshalJSON(d.Alternatives), marshalJSON(d.AlternativesWithReasons),
		marshalJSON(d.Assumptions), marshalJSON(d.Predicted),
		d.Confidence, d.Domain, d.CreatedAt, d.CreatedBy, d.ContextHash,
		string(d.Status), d.LinkedPR, d.LinkedCommit,
	)
	return classify("add decision", err)
}

const decisionCols = `id, tenant_id, team_id, project_id,
	is_active, ttl_days, last_verified_at, deprecated_reason, memory_type, memory_subject,
	statement, alternatives, alternatives_with_reasons, assumptions, predicted_outcome,
	confidence, domain, created_at, created_by, context_hash, status,
	COALESCE(linked_pr,''), COALESCE(linked_commit,'')`

func scanDecision(scanner interface{ Scan(...interface{}) error }) (*types.Decision, error) {
	var d types.Decision
	var active int
	var memType, reasons, alts, asm, predicted, status *string
	var lastVerifiedAt *time.Time
	var depReason, memSubject, createdBy, domain *string
	err := scanner.Scan(
		&d.ID, &d.Namespace.TenantID, &d.Namespace.TeamID, &d.Namespace.ProjectID,
		&active, &d.Lifecycle.TTLDays, &lastVerifiedAt, &depReason, &memType, &memSubject,
		&d.Statement, &alts, &reasons, &asm, &predicted,
		&d.Confidence, &domain, &d.CreatedAt, &createdBy, &d.ContextHash, &status,
		&d.LinkedPR, &d.LinkedCommit,
	)
	if err != nil {
		return nil, err
	}
	d.Lifecycle.IsActive = active != 0
	if lastVerifiedAt != nil {
		d.Lifecycle.LastVerifiedAt = *lastVerifiedAt
	}
	if depReason != nil {
		d.Lifecycle.DeprecatedReason = *depReason
	}
	if memType != nil {
		d.Lifecycle.MemoryType = types.MemoryType(*memType)
	}
	if memSubject != nil {
		d.Lifecycle.MemorySubject = *memSubject
	}
	if createdBy != nil {
		d.CreatedBy = *createdBy
	}
	if domain != nil {
		d.Domain = *domain
	}
	if status != nil {
		d.Status = types.DecisionStatus(*status)
	}
	if alts != nil {
		d.Alternatives = unmarshalStrings(*alts)
	}
	if asm != nil {
		d.Assumptions = unmarshalStrings(*asm)
	}
	if reasons != nil && *reasons != "" {
		_ = json.Unmarshal([]byte(*reasons), &d.AlternativesWithReasons)
	}
	if predicted != nil && *predicted != "" {
		_ = json.Unmarshal([]byte(*predicted), &d.Predicted)
	}
	return &d, nil
}

// GetDecision loads one decision by id within the namespace.
func (s *GraphStore) GetDecision(ns types.Namespace, id string) (*types.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT `+decisionCols+` FROM decisions WHERE id = ?`+nsWhere,
		append([]interface{}{id}, nsArgs(ns)...)...,
	)
	d, err := scanDecision(row)
	if err != nil {
		return nil, classify("get decision "+id, err)
	}
	return d, nil
}

// ListDecisionsByDomain returns decisions in a domain, newest first.
// Inactive rows are excluded unless includeInactive is set.
func (s *GraphStore) ListDecisionsByDomain(ns types.Namespace, domain string, limit int, includeInactive bool) ([]*types.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + decisionCols + ` FROM decisions WHERE domain = ?` + nsWhere
	if !includeInactive {
		q += ` AND is_active = 1`
	}
	q += ` ORDER BY created_at DESC LIMIT ?`

	args := append([]interface{}{domain}, nsArgs(ns)...)
	args = append(args, limit)
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, classify("list decisions", err)
	}
	defer rows.Close()

	var out []*types.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// SearchDecisions performs keyword matching over decision statements,
// newest first. Used as the similar-decision fallback when no embeddings
// are available.
func (s *GraphStore) SearchDecisions(ns types.Namespace, query string, limit int) ([]*types.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 10
	}
	keywords := strings.Fields(strings.ToLower(query))
	if len(keywords) == 0 {
		return nil, nil
	}

	var conditions []string
	var args []interface{}
	for _, kw := range keywords {
		conditions = append(conditions, "LOWER(statement) LIKE ?")
		args = append(args, "%"+kw+"%")
	}
	q := fmt.Sprintf(
		`SELECT `+decisionCols+` FROM decisions WHERE (%s)`+nsWhere+` AND is_active = 1 ORDER BY created_at DESC LIMIT ?`,
		strings.Join(conditions, " OR "),
	)
	args = append(args, nsArgs(ns)...)
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, classify("search decisions", err)
	}
	defer rows.Close()

	var out []*types.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// UpdateDecisionStatus advances a decision's status, enforcing monotonic
// progress. The context hash is never touched.
func (s *GraphStore) UpdateDecisionStatus(ns types.Namespace, id string, to types.DecisionStatus) error {
	d, err := s.GetDecision(ns, id)
	if err != nil {
		return err
	}
	if !d.CanTransition(to) {
		return fmt.Errorf("%w: decision %s cannot move %s -> %s", types.ErrIllegalTransition, id, d.Status, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		`UPDATE decisions SET status = ?, last_verified_at = ? WHERE id = ?`+nsWhere,
		append([]interface{}{string(to), time.Now().UTC(), id}, nsArgs(ns)...)...,
	)
	return classify("update decision status", err)
}

// UpdateDecisionLinks sets the PR/commit links discovered from webhooks.
func (s *GraphStore) UpdateDecisionLinks(ns types.Namespace, id, linkedPR, linkedCommit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		`UPDATE decisions SET linked_pr = COALESCE(NULLIF(?, ''), linked_pr),
			linked_commit = COALESCE(NULLIF(?, ''), linked_commit),
			last_verified_at = ?
		 WHERE id = ?`+nsWhere,
		append([]interface{}{linkedPR, linkedCommit, time.Now().UTC(), id}, nsArgs(ns)...)...,
	)
	if err != nil {
		return classify("update decision links", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: decision %s", types.ErrNotFound, id)
	}
	return nil
}

// ForgetDecision soft-deletes by default; hard deletes only when asked.
func (s *GraphStore) ForgetDecision(ns types.Namespace, id, reason string, hard bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if hard {
		res, err := s.db.Exec(`DELETE FROM decisions WHERE id = ?`+nsWhere,
			append([]interface{}{id}, nsArgs(ns)...)...)
		if err != nil {
			return classify("delete decision", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: decision %s", types.ErrNotFound, id)
		}
		return nil
	}

	res, err := s.db.Exec(
		`UPDATE decisions SET is_active = 0, deprecated_reason = ?, last_verified_at = ? WHERE id = ?`+nsWhere,
		append([]interface{}{reason, time.Now().UTC(), id}, nsArgs(ns)...)...,
	)
	if err != nil {
		return classify("forget decision", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: decision %s", types.ErrNotFound, id)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
