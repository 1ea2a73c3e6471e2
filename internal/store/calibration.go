package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"membria/internal/types"
)

// GetCalibration loads the Beta profile for a domain, or NotFound when
// the domain has never been observed.
func (s *GraphStore) GetCalibration(ns types.Namespace, domain string) (*types.CalibrationProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p types.CalibrationProfile
	p.Domain = domain
	p.Namespace = ns
	err := s.db.QueryRow(
		`SELECT alpha, beta, last_updated FROM calibration_profiles WHERE domain = ?`+nsWhere,
		append([]interface{}{domain}, nsArgs(ns)...)...,
	).Scan(&p.Alpha, &p.Beta, &p.LastUpdated)
	if err != nil {
		return nil, classify("get calibration "+domain, err)
	}
	return &p, nil
}

// ListCalibrations returns every profile in the namespace.
func (s *GraphStore) ListCalibrations(ns types.Namespace) ([]*types.CalibrationProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT domain, alpha, beta, last_updated FROM calibration_profiles WHERE 1=1`+nsWhere,
		nsArgs(ns)...,
	)
	if err != nil {
		return nil, classify("list calibrations", err)
	}
	defer rows.Close()

	var out []*types.CalibrationProfile
	for rows.Next() {
		p := &types.CalibrationProfile{Namespace: ns}
		if err := rows.Scan(&p.Domain, &p.Alpha, &p.Beta, &p.LastUpdated); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// RecordCalibrationObservation increments alpha on success or beta on
// failure, seeding the profile at the uniform (1,1) prior on first touch.
// Alpha and beta are monotonically non-decreasing within a profile's
// lifetime; there is no decrement path.
func (s *GraphStore) RecordCalibrationObservation(ns types.Namespace, domain string, success bool) (*types.CalibrationProfile, error) {
	if domain == "" {
		return nil, fmt.Errorf("%w: calibration requires a domain", types.ErrInvalidArgument)
	}
	if err := ns.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var alpha, beta float64
	err := s.db.QueryRow(
		`SELECT alpha, beta FROM calibration_profiles WHERE domain = ?`+nsWhere,
		append([]interface{}{domain}, nsArgs(ns)...)...,
	).Scan(&alpha, &beta)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		alpha, beta = 1, 1
		if success {
			alpha++
		} else {
			beta++
		}
		_, err = s.db.Exec(
			`INSERT INTO calibration_profiles (domain, tenant_id, team_id, project_id, alpha, beta, last_updated)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			domain, ns.TenantID, ns.TeamID, ns.ProjectID, alpha, beta, now,
		)
		if err != nil {
			return nil, classify("seed calibration", err)
		}
	case err != nil:
		return nil, classify("read calibration", err)
	default:
		if success {
			alpha++
		} else {
			beta++
		}
		_, err = s.db.Exec(
			`UPDATE calibration_profiles SET alpha = ?, beta = ?, last_updated = ? WHERE domain = ?`+nsWhere,
			append([]interface{}{alpha, beta, now, domain}, nsArgs(ns)...)...,
		)
		if err != nil {
			return nil, classify("update calibration", err)
		}
	}

	return &types.CalibrationProfile{
		Domain: domain, Namespace: ns, Alpha: alpha, Beta: beta, LastUpdated: now,
	}, nil
}
