package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"membria/internal/types"
)

// AddSkill persists a generated skill.
func (s *GraphStore) AddSkill(sk *types.Skill) error {
	if sk.Domain == "" {
		return fmt.Errorf("%w: skill requires a domain", types.ErrInvalidArgument)
	}
	if err := sk.Namespace.Validate(); err != nil {
		return err
	}
	if sk.ID == "" {
		sk.ID = types.SkillID(sk.Domain, sk.Version)
	}
	if sk.CreatedAt.IsZero() {
		sk.CreatedAt = time.Now().UTC()
	}
	if sk.Lifecycle.TTLDays == 0 {
		sk.Lifecycle.TTLDays = 720
	}
	sk.Lifecycle.IsActive = true
	sk.Lifecycle.MemoryType = types.MemoryProcedural

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO skills (
			id, tenant_id, team_id, project_id,
			is_active, ttl_days, last_verified_at, deprecated_reason, memory_type, memory_subject,
			domain, version, success_rate, confidence, sample_size, quality_score, procedure,
			green_zone, yellow_zone, red_zone, generated_from, conflicts_with, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sk.ID, sk.Namespace.TenantID, sk.Namespace.TeamID, sk.Namespace.ProjectID,
		boolToInt(sk.Lifecycle.IsActive), sk.Lifecycle.TTLDays, sk.CreatedAt,
		sk.Lifecycle.DeprecatedReason, string(sk.Lifecycle.MemoryType), sk.Lifecycle.MemorySubject,
		sk.Domain, sk.Version, sk.SuccessRate, sk.Confidence, sk.SampleSize, sk.QualityScore,
		sk.Procedure, marshalJSON(sk.GreenZone), marshalJSON(sk.YellowZone), marshalJSON(sk.RedZone),
		marshalJSON(sk.GeneratedFromDecisions), marshalJSON(sk.ConflictsWith), sk.CreatedAt,
	)
	return classify("add skill", err)
}

// MaxSkillVersion returns the highest version for a domain (0 when none).
func (s *GraphStore) MaxSkillVersion(ns types.Namespace, domain string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var v sql.NullInt64
	err := s.db.QueryRow(
		`SELECT MAX(version) FROM skills WHERE domain = ?`+nsWhere,
		append([]interface{}{domain}, nsArgs(ns)...)...,
	).Scan(&v)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, classify("max skill version", err)
	}
	if !v.Valid {
		return 0, nil
	}
	return int(v.Int64), nil
}

const skillCols = `id, tenant_id, team_id, project_id, domain, version,
	success_rate, confidence, sample_size, quality_score, procedure,
	COALESCE(green_zone,''), COALESCE(yellow_zone,''), COALESCE(red_zone,''),
	COALESCE(generated_from,''), COALESCE(conflicts_with,''), created_at, is_active`

func scanSkill(scanner interface{ Scan(...interface{}) error }) (*types.Skill, error) {
	var sk types.Skill
	var green, yellow, red, from, conflicts string
	var active int
	err := scanner.Scan(
		&sk.ID, &sk.Namespace.TenantID, &sk.Namespace.TeamID, &sk.Namespace.ProjectID,
		&sk.Domain, &sk.Version, &sk.SuccessRate, &sk.Confidence, &sk.SampleSize,
		&sk.QualityScore, &sk.Procedure, &green, &yellow, &red, &from, &conflicts,
		&sk.CreatedAt, &active,
	)
	if err != nil {
		return nil, err
	}
	sk.GreenZone = unmarshalStrings(green)
	sk.YellowZone = unmarshalStrings(yellow)
	sk.RedZone = unmarshalStrings(red)
	sk.GeneratedFromDecisions = unmarshalStrings(from)
	sk.ConflictsWith = unmarshalStrings(conflicts)
	sk.Lifecycle.IsActive = active != 0
	return &sk, nil
}

// GetLatestSkill returns the newest active skill version for a domain.
func (s *GraphStore) GetLatestSkill(ns types.Namespace, domain string) (*types.Skill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT `+skillCols+` FROM skills WHERE domain = ? AND is_active = 1`+nsWhere+
			` ORDER BY version DESC LIMIT 1`,
		append([]interface{}{domain}, nsArgs(ns)...)...,
	)
	sk, err := scanSkill(row)
	if err != nil {
		return nil, classify("get latest skill "+domain, err)
	}
	return sk, nil
}

// ListSkills returns active skills across domains, newest first.
func (s *GraphStore) ListSkills(ns types.Namespace, limit int) ([]*types.Skill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT `+skillCols+` FROM skills WHERE is_active = 1`+nsWhere+
			` ORDER BY created_at DESC LIMIT ?`,
		append(nsArgs(ns), limit)...,
	)
	if err != nil {
		return nil, classify("list skills", err)
	}
	defer rows.Close()

	var out []*types.Skill
	for rows.Next() {
		sk, err := scanSkill(rows)
		if err != nil {
			continue
		}
		out = append(out, sk)
	}
	return out, nil
}
