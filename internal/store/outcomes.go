package store

import (
	"encoding/json"
	"fmt"
	"time"

	"membria/internal/types"
)

// AddOutcome creates the single outcome for a decision. The 1:1
// relationship is enforced by the unique decision_id column.
func (s *GraphStore) AddOutcome(o *types.Outcome) error {
	if o.DecisionID == "" {
		return fmt.Errorf("%w: outcome requires a decision id", types.ErrInvalidArgument)
	}
	if err := o.Namespace.Validate(); err != nil {
		return err
	}
	if o.ID == "" {
		o.ID = types.NewOutcomeID()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	if o.Status == "" {
		o.Status = types.OutcomePending
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO outcomes (
			id, tenant_id, team_id, project_id, decision_id, status, created_at,
			pr_url, pr_number, commit_sha, repo, final_score, lessons_learned, metrics
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Namespace.TenantID, o.Namespace.TeamID, o.Namespace.ProjectID,
		o.DecisionID, string(o.Status), o.CreatedAt,
		o.PRURL, o.PRNumber, o.CommitSHA, o.Repo, o.FinalScore,
		marshalJSON(o.LessonsLearned), marshalJSON(o.Metrics),
	)
	return classify("add outcome", err)
}

const outcomeCols = `id, tenant_id, team_id, project_id, decision_id, status, created_at,
	submitted_at, merged_at, completed_at,
	COALESCE(pr_url,''), COALESCE(pr_number,0), COALESCE(commit_sha,''), COALESCE(repo,''),
	COALESCE(final_status,''), final_score, COALESCE(lessons_learned,''), COALESCE(metrics,'')`

func (s *GraphStore) scanOutcome(scanner interface{ Scan(...interface{}) error }) (*types.Outcome, error) {
	var o types.Outcome
	var status, finalStatus, lessons, metrics string
	err := scanner.Scan(
		&o.ID, &o.Namespace.TenantID, &o.Namespace.TeamID, &o.Namespace.ProjectID,
		&o.DecisionID, &status, &o.CreatedAt,
		&o.SubmittedAt, &o.MergedAt, &o.CompletedAt,
		&o.PRURL, &o.PRNumber, &o.CommitSHA, &o.Repo,
		&finalStatus, &o.FinalScore, &lessons, &metrics,
	)
	if err != nil {
		return nil, err
	}
	o.Status = types.OutcomeStatus(status)
	o.FinalStatus = types.FinalStatus(finalStatus)
	o.LessonsLearned = unmarshalStrings(lessons)
	if metrics != "" {
		_ = json.Unmarshal([]byte(metrics), &o.Metrics)
	}
	return &o, nil
}

func (s *GraphStore) loadSignals(outcomeID string) ([]types.Signal, error) {
	rows, err := s.db.Query(
		`SELECT signal_type, valence, timestamp, description, COALESCE(severity,''), COALESCE(metrics,'')
		 FROM signals WHERE outcome_id = ? ORDER BY id`,
		outcomeID,
	)
	if err != nil {
		return nil, classify("load signals", err)
	}
	defer rows.Close()

	var out []types.Signal
	for rows.Next() {
		var sig types.Signal
		var st, val, metrics string
		if err := rows.Scan(&st, &val, &sig.Timestamp, &sig.Description, &sig.Severity, &metrics); err != nil {
			continue
		}
		sig.Type = types.SignalType(st)
		sig.Valence = types.Valence(val)
		if metrics != "" {
			_ = json.Unmarshal([]byte(metrics), &sig.Metrics)
		}
		out = append(out, sig)
	}
	return out, nil
}

// GetOutcome loads an outcome with its full signal list.
func (s *GraphStore) GetOutcome(ns types.Namespace, id string) (*types.Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+outcomeCols+` FROM outcomes WHERE id = ?`+nsWhere,
		append([]interface{}{id}, nsArgs(ns)...)...)
	o, err := s.scanOutcome(row)
	if err != nil {
		return nil, classify("get outcome "+id, err)
	}
	o.Signals, err = s.loadSignals(o.ID)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// GetOutcomeByDecision loads the decision's single outcome, or NotFound.
func (s *GraphStore) GetOutcomeByDecision(ns types.Namespace, decisionID string) (*types.Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+outcomeCols+` FROM outcomes WHERE decision_id = ?`+nsWhere,
		append([]interface{}{decisionID}, nsArgs(ns)...)...)
	o, err := s.scanOutcome(row)
	if err != nil {
		return nil, classify("get outcome for "+decisionID, err)
	}
	o.Signals, err = s.loadSignals(o.ID)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// AppendSignal appends one signal. Idempotent by the
// (outcome, type, timestamp, description) unique tuple: a duplicate insert
// is a silent no-op. Signals on a finalized outcome are rejected.
func (s *GraphStore) AppendSignal(ns types.Namespace, outcomeID string, sig types.Signal) error {
	o, err := s.GetOutcome(ns, outcomeID)
	if err != nil {
		return err
	}
	if o.Finalized() {
		return fmt.Errorf("%w: outcome %s", types.ErrAlreadyFinalized, outcomeID)
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		`INSERT OR IGNORE INTO signals (outcome_id, signal_type, valence, timestamp, description, severity, metrics)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		outcomeID, string(sig.Type), string(sig.Valence), sig.Timestamp,
		sig.Description, sig.Severity, marshalJSON(sig.Metrics),
	)
	return classify("append signal", err)
}

// UpdateOutcomeStatus moves the lifecycle status and stamps the matching
// timestamp column. Transition legality is the tracker's responsibility;
// the store only refuses writes to finalized outcomes.
func (s *GraphStore) UpdateOutcomeStatus(ns types.Namespace, id string, to types.OutcomeStatus, at time.Time) error {
	o, err := s.GetOutcome(ns, id)
	if err != nil {
		return err
	}
	if o.Finalized() {
		return fmt.Errorf("%w: outcome %s", types.ErrAlreadyFinalized, id)
	}

	col := ""
	switch to {
	case types.OutcomeSubmitted:
		col = "submitted_at"
	case types.OutcomeMerged:
		col = "merged_at"
	case types.OutcomeCompleted:
		col = "completed_at"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	q := `UPDATE outcomes SET status = ?`
	args := []interface{}{string(to)}
	if col != "" {
		q += `, ` + col + ` = ?`
		args = append(args, at)
	}
	q += ` WHERE id = ?` + nsWhere
	args = append(args, id)
	args = append(args, nsArgs(ns)...)

	_, err = s.db.Exec(q, args...)
	return classify("update outcome status", err)
}

// SetOutcomeFinal records the terminal grade. Once set, every further
// mutation through the store fails with AlreadyFinalized.
func (s *GraphStore) SetOutcomeFinal(ns types.Namespace, id string, final types.FinalStatus, score float64, lessons []string) error {
	o, err := s.GetOutcome(ns, id)
	if err != nil {
		return err
	}
	if o.Finalized() {
		return fmt.Errorf("%w: outcome %s", types.ErrAlreadyFinalized, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		`UPDATE outcomes SET status = ?, final_status = ?, final_score = ?, lessons_learned = ?, completed_at = ?
		 WHERE id = ?`+nsWhere,
		append([]interface{}{
			string(types.OutcomeCompleted), string(final), score,
			marshalJSON(lessons), time.Now().UTC(), id,
		}, nsArgs(ns)...)...,
	)
	return classify("finalize outcome", err)
}

// SetOutcomeLinks records PR/commit references discovered from signals.
func (s *GraphStore) SetOutcomeLinks(ns types.Namespace, id string, prNumber int, prURL, commitSHA, repo string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE outcomes SET
			pr_number = CASE WHEN ? > 0 THEN ? ELSE pr_number END,
			pr_url = COALESCE(NULLIF(?, ''), pr_url),
			commit_sha = COALESCE(NULLIF(?, ''), commit_sha),
			repo = COALESCE(NULLIF(?, ''), repo)
		 WHERE id = ?`+nsWhere,
		append([]interface{}{prNumber, prNumber, prURL, commitSHA, repo, id}, nsArgs(ns)...)...,
	)
	return classify("set outcome links", err)
}

// SetOutcomeMetrics merges a metrics map into the outcome record.
func (s *GraphStore) SetOutcomeMetrics(ns types.Namespace, id string, metrics map[string]float64) error {
	o, err := s.GetOutcome(ns, id)
	if err != nil {
		return err
	}
	if o.Finalized() {
		return fmt.Errorf("%w: outcome %s", types.ErrAlreadyFinalized, id)
	}
	if o.Metrics == nil {
		o.Metrics = make(map[string]float64, len(metrics))
	}
	for k, v := range metrics {
		o.Metrics[k] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`UPDATE outcomes SET metrics = ? WHERE id = ?`+nsWhere,
		append([]interface{}{marshalJSON(o.Metrics), id}, nsArgs(ns)...)...)
	return classify("set outcome metrics", err)
}

// ListOutcomedDecisionIDs returns ids of decisions in a domain whose
// outcome carries a recorded final status, with that status.
func (s *GraphStore) ListOutcomedDecisionIDs(ns types.Namespace, domain string) (map[string]types.FinalStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT d.id, o.final_status FROM decisions d
		 JOIN outcomes o ON o.decision_id = d.id
		 WHERE d.domain = ? AND o.final_status IS NOT NULL AND o.final_status != ''
		 AND d.tenant_id = ? AND d.team_id = ? AND d.project_id = ?`,
		append([]interface{}{domain}, nsArgs(ns)...)...,
	)
	if err != nil {
		return nil, classify("list outcomed decisions", err)
	}
	defer rows.Close()

	out := make(map[string]types.FinalStatus)
	for rows.Next() {
		var id, final string
		if err := rows.Scan(&id, &final); err != nil {
			continue
		}
		out[id] = types.FinalStatus(final)
	}
	return out, nil
}
