package store

import (
	"fmt"
	"time"

	"membria/internal/types"
)

// AddNegativeKnowledge persists a failure class.
func (s *GraphStore) AddNegativeKnowledge(nk *types.NegativeKnowledge) error {
	if err := nk.Validate(); err != nil {
		return err
	}
	if err := nk.Namespace.Validate(); err != nil {
		return err
	}
	if nk.ID == "" {
		nk.ID = types.NewKnowledgeID()
	}
	if nk.DiscoveredAt.IsZero() {
		nk.DiscoveredAt = time.Now().UTC()
	}
	if nk.Lifecycle.TTLDays == 0 {
		nk.Lifecycle.TTLDays = 365
	}
	nk.Lifecycle.IsActive = true
	if nk.Lifecycle.LastVerifiedAt.IsZero() {
		nk.Lifecycle.LastVerifiedAt = nk.DiscoveredAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO negative_knowledge (
			id, tenant_id, team_id, project_id,
			is_active, ttl_days, last_verified_at, deprecated_reason, memory_type, memory_subject,
			hypothesis, conclusion, domain, severity, recommendation, prevented_count, discovered_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nk.ID, nk.Namespace.TenantID, nk.Namespace.TeamID, nk.Namespace.ProjectID,
		boolToInt(nk.Lifecycle.IsActive), nk.Lifecycle.TTLDays, nk.Lifecycle.LastVerifiedAt,
		nk.Lifecycle.DeprecatedReason, string(nk.Lifecycle.MemoryType), nk.Lifecycle.MemorySubject,
		nk.Hypothesis, nk.Conclusion, nk.Domain, nk.Severity, nk.Recommendation,
		nk.PreventedCount, nk.DiscoveredAt,
	)
	return classify("add negative knowledge", err)
}

const nkCols = `id, tenant_id, team_id, project_id,
	is_active, ttl_days, last_verified_at,
	hypothesis, conclusion, domain, severity, COALESCE(recommendation,''), prevented_count, discovered_at`

// ListNegativeKnowledge returns active failure classes, most-prevented
// first. Empty domain means all domains.
func (s *GraphStore) ListNegativeKnowledge(ns types.Namespace, domain string, limit int) ([]*types.NegativeKnowledge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	q := `SELECT ` + nkCols + ` FROM negative_knowledge WHERE is_active = 1` + nsWhere
	args := nsArgs(ns)
	if domain != "" {
		q += ` AND domain = ?`
		args = append(args, domain)
	}
	q += ` ORDER BY prevented_count DESC, discovered_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, classify("list negative knowledge", err)
	}
	defer rows.Close()

	var out []*types.NegativeKnowledge
	for rows.Next() {
		var nk types.NegativeKnowledge
		var active int
		var lastVerified *time.Time
		if err := rows.Scan(
			&nk.ID, &nk.Namespace.TenantID, &nk.Namespace.TeamID, &nk.Namespace.ProjectID,
			&active, &nk.Lifecycle.TTLDays, &lastVerified,
			&nk.Hypothesis, &nk.Conclusion, &nk.Domain, &nk.Severity,
			&nk.Recommendation, &nk.PreventedCount, &nk.DiscoveredAt,
		); err != nil {
			continue
		}
		nk.Lifecycle.IsActive = active != 0
		if lastVerified != nil {
			nk.Lifecycle.LastVerifiedAt = *lastVerified
		}
		out = append(out, &nk)
	}
	return out, nil
}

// IncrementPrevented bumps the monotonic prevented counter.
func (s *GraphStore) IncrementPrevented(ns types.Namespace, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		`UPDATE negative_knowledge SET prevented_count = prevented_count + 1, last_verified_at = ?
		 WHERE id = ?`+nsWhere,
		append([]interface{}{time.Now().UTC(), id}, nsArgs(ns)...)...,
	)
	if err != nil {
		return classify("increment prevented", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: negative knowledge %s", types.ErrNotFound, id)
	}
	return nil
}

// ForgetNegativeKnowledge soft-deletes by default.
func (s *GraphStore) ForgetNegativeKnowledge(ns types.Namespace, id, reason string, hard bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if hard {
		res, err := s.db.Exec(`DELETE FROM negative_knowledge WHERE id = ?`+nsWhere,
			append([]interface{}{id}, nsArgs(ns)...)...)
		if err != nil {
			return classify("delete negative knowledge", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: negative knowledge %s", types.ErrNotFound, id)
		}
		return nil
	}

	res, err := s.db.Exec(
		`UPDATE negative_knowledge SET is_active = 0, deprecated_reason = ?, last_verified_at = ? WHERE id = ?`+nsWhere,
		append([]interface{}{reason, time.Now().UTC(), id}, nsArgs(ns)...)...,
	)
	if err != nil {
		return classify("forget negative knowledge", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: negative knowledge %s", types.ErrNotFound, id)
	}
	return nil
}

// AddAntiPattern persists a regex-detectable pattern.
func (s *GraphStore) AddAntiPattern(ap *types.AntiPattern) error {
	if ap.Name == "" || ap.RegexPattern == "" {
		return fmt.Errorf("%w: antipattern requires name and regex_pattern", types.ErrInvalidArgument)
	}
	if err := ap.Namespace.Validate(); err != nil {
		return err
	}
	if ap.ID == "" {
		ap.ID = "ap_" + types.NewKnowledgeID()[3:]
	}
	if ap.Lifecycle.TTLDays == 0 {
		ap.Lifecycle.TTLDays = 720
	}
	ap.Lifecycle.IsActive = true

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO antipatterns (
			id, tenant_id, team_id, project_id,
			is_active, ttl_days, last_verified_at, deprecated_reason, memory_type, memory_subject,
			name, category, domain, severity, failure_rate, regex_pattern, keywords, removal_rate, repos_affected
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ap.ID, ap.Namespace.TenantID, ap.Namespace.TeamID, ap.Namespace.ProjectID,
		boolToInt(ap.Lifecycle.IsActive), ap.Lifecycle.TTLDays, time.Now().UTC(),
		ap.Lifecycle.DeprecatedReason, string(ap.Lifecycle.MemoryType), ap.Lifecycle.MemorySubject,
		ap.Name, ap.Category, ap.Domain, ap.Severity, ap.FailureRate, ap.RegexPattern,
		marshalJSON(ap.Keywords), ap.RemovalRate, marshalJSON(ap.ReposAffected),
	)
	return classify("add antipattern", err)
}

// ListAntiPatterns returns active antipatterns for a domain; empty domain
// means all domains.
func (s *GraphStore) ListAntiPatterns(ns types.Namespace, domain string) ([]*types.AntiPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := `SELECT id, tenant_id, team_id, project_id, name, COALESCE(category,''), domain, severity,
		failure_rate, regex_pattern, COALESCE(keywords,''), removal_rate, COALESCE(repos_affected,'')
		FROM antipatterns WHERE is_active = 1` + nsWhere
	args := nsArgs(ns)
	if domain != "" {
		q += ` AND domain = ?`
		args = append(args, domain)
	}
	q += ` ORDER BY failure_rate DESC`

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, classify("list antipatterns", err)
	}
	defer rows.Close()

	var out []*types.AntiPattern
	for rows.Next() {
		var ap types.AntiPattern
		var keywords, repos string
		if err := rows.Scan(
			&ap.ID, &ap.Namespace.TenantID, &ap.Namespace.TeamID, &ap.Namespace.ProjectID,
			&ap.Name, &ap.Category, &ap.Domain, &ap.Severity,
			&ap.FailureRate, &ap.RegexPattern, &keywords, &ap.RemovalRate, &repos,
		); err != nil {
			continue
		}
		ap.Lifecycle.IsActive = true
		ap.Keywords = unmarshalStrings(keywords)
		ap.ReposAffected = unmarshalStrings(repos)
		out = append(out, &ap)
	}
	return out, nil
}
