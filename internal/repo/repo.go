package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"evoline/internal/config"
	"evoline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound     = errors.New("not found")
	ErrRunActive    = errors.New("run already in progress for this date")
	ErrRunExists    = errors.New("run already exists for this date")
	ErrMetricExists = errors.New("metric already recorded for this run")
)

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- runs ---

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO runs(id,run_date,status,summary,started_at,finished_at) VALUES (?,?,?,?,?,?)`,
		run.ID, run.RunDate, run.Status, nullable(run.Summary), run.StartedAt, nullableStringPtr(run.FinishedAt))
	if isUniqueViolation(err) {
		return ErrRunActive
	}
	return err
}

func scanRun(scan func(dest ...any) error) (domain.Run, error) {
	var run domain.Run
	var summary, finishedAt sql.NullString
	err := scan(&run.ID, &run.RunDate, &run.Status, &summary, &run.StartedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if summary.Valid {
		run.Summary = summary.String
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.String
	}
	return run, nil
}

const runColumns = `id,run_date,status,summary,started_at,finished_at`

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

// GetRunByDate returns the non-skipped run for a date, if any.
func (r Repo) GetRunByDate(ctx context.Context, runDate string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_date=? AND status != 'skipped'`, runDate)
	return scanRun(row.Scan)
}

func (r Repo) GetRunByDateTx(ctx context.Context, tx *sql.Tx, runDate string) (domain.Run, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_date=? AND status != 'skipped'`, runDate)
	return scanRun(row.Scan)
}

// ClaimRun flips a planned run to in_progress. Zero rows affected means another
// trigger got there first (or the run is past the planned state).
func (r Repo) ClaimRun(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status='in_progress' WHERE id=? AND status='planned'`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunActive
	}
	return nil
}

func (r Repo) UpdateRunStatus(ctx context.Context, tx *sql.Tx, id, status, summary string, finishedAt *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status=?, summary=?, finished_at=? WHERE id=?`,
		status, nullable(summary), nullableStringPtr(finishedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type RunFilters struct {
	Status        string
	Limit         int
	CursorRunDate string
	CursorID      string
}

func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.Run, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorRunDate != "" && f.CursorID != "" {
		clauses = append(clauses, "(run_date < ? OR (run_date = ? AND id < ?))")
		args = append(args, f.CursorRunDate, f.CursorRunDate, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + runColumns + ` FROM runs ` + where + ` ORDER BY run_date DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r Repo) CountRunsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, nil
}

// OutcomeStats summarizes recent terminal run outcomes for risk calibration.
type OutcomeStats struct {
	Merged     int
	RolledBack int
	QueuedPR   int
	Failed     int
}

// RecentOutcomes inspects the last `window` runs that reached a post-execution
// state, newest first.
func (r Repo) RecentOutcomes(ctx context.Context, window int) (OutcomeStats, error) {
	var stats OutcomeStats
	if window <= 0 {
		return stats, nil
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT status FROM runs
WHERE status IN ('merged','rolled_back','queued_pr','failed')
ORDER BY run_date DESC, id DESC LIMIT ?`, window)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return stats, err
		}
		switch status {
		case domain.RunMerged:
			stats.Merged++
		case domain.RunRolledBack:
			stats.RolledBack++
		case domain.RunQueuedPR:
			stats.QueuedPR++
		case domain.RunFailed:
			stats.Failed++
		}
	}
	return stats, rows.Err()
}

// --- candidates ---

func (r Repo) InsertCandidate(ctx context.Context, tx *sql.Tx, c domain.Candidate) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO candidates(id,run_id,category,title,description,risk_level,impact_score,effort_score,novelty_score,priority,selected,rejection_reason,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.RunID, c.Category, c.Title, nullable(c.Description), c.RiskLevel,
		c.ImpactScore, c.EffortScore, c.NoveltyScore, c.Priority, c.Selected,
		nullableStringPtr(c.RejectionReason), c.CreatedAt)
	return err
}

// MarkCandidate records the decider verdict for a candidate by its stable id.
func (r Repo) MarkCandidate(ctx context.Context, tx *sql.Tx, id string, selected bool, rejectionReason *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE candidates SET selected=?, rejection_reason=? WHERE id=?`,
		selected, nullableStringPtr(rejectionReason), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListCandidates(ctx context.Context, runID string) ([]domain.Candidate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,run_id,category,title,description,risk_level,impact_score,effort_score,novelty_score,priority,selected,rejection_reason,created_at
FROM candidates WHERE run_id=? ORDER BY priority DESC, created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Candidate
	for rows.Next() {
		var c domain.Candidate
		var description, rejection sql.NullString
		if err := rows.Scan(&c.ID, &c.RunID, &c.Category, &c.Title, &description, &c.RiskLevel,
			&c.ImpactScore, &c.EffortScore, &c.NoveltyScore, &c.Priority, &c.Selected, &rejection, &c.CreatedAt); err != nil {
			return nil, err
		}
		if description.Valid {
			c.Description = description.String
		}
		if rejection.Valid {
			c.RejectionReason = &rejection.String
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// --- actions ---

func (r Repo) InsertAction(ctx context.Context, tx *sql.Tx, a domain.Action) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO actions(id,run_id,candidate_id,branch_name,pr_number,issue_number,commit_sha,feature_flag_key,canary_percentage,tests_passed,status,checks_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.RunID, nullableStringPtr(a.CandidateID), nullable(a.BranchName),
		nullableIntPtr(a.PRNumber), nullableIntPtr(a.IssueNumber), nullableStringPtr(a.CommitSHA),
		nullableStringPtr(a.FeatureFlagKey), nullableIntPtr(a.CanaryPercentage), nullableBoolPtr(a.TestsPassed),
		a.Status, nullableStringPtr(a.ChecksJSON), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) UpdateAction(ctx context.Context, tx *sql.Tx, a domain.Action) error {
	res, err := tx.ExecContext(ctx, `UPDATE actions SET branch_name=?, pr_number=?, issue_number=?, commit_sha=?, feature_flag_key=?, canary_percentage=?, tests_passed=?, status=?, checks_json=?, updated_at=? WHERE id=?`,
		nullable(a.BranchName), nullableIntPtr(a.PRNumber), nullableIntPtr(a.IssueNumber),
		nullableStringPtr(a.CommitSHA), nullableStringPtr(a.FeatureFlagKey), nullableIntPtr(a.CanaryPercentage),
		nullableBoolPtr(a.TestsPassed), a.Status, nullableStringPtr(a.ChecksJSON), a.UpdatedAt, a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListActions(ctx context.Context, runID string) ([]domain.Action, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,run_id,candidate_id,branch_name,pr_number,issue_number,commit_sha,feature_flag_key,canary_percentage,tests_passed,status,checks_json,created_at,updated_at
FROM actions WHERE run_id=? ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		var a domain.Action
		var candidateID, branch, commitSHA, flagKey, checks sql.NullString
		var prNumber, issueNumber, canary sql.NullInt64
		var testsPassed sql.NullBool
		if err := rows.Scan(&a.ID, &a.RunID, &candidateID, &branch, &prNumber, &issueNumber, &commitSHA,
			&flagKey, &canary, &testsPassed, &a.Status, &checks, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		if candidateID.Valid {
			a.CandidateID = &candidateID.String
		}
		if branch.Valid {
			a.BranchName = branch.String
		}
		if prNumber.Valid {
			n := int(prNumber.Int64)
			a.PRNumber = &n
		}
		if issueNumber.Valid {
			n := int(issueNumber.Int64)
			a.IssueNumber = &n
		}
		if commitSHA.Valid {
			a.CommitSHA = &commitSHA.String
		}
		if flagKey.Valid {
			a.FeatureFlagKey = &flagKey.String
		}
		if canary.Valid {
			n := int(canary.Int64)
			a.CanaryPercentage = &n
		}
		if testsPassed.Valid {
			b := testsPassed.Bool
			a.TestsPassed = &b
		}
		if checks.Valid {
			a.ChecksJSON = &checks.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- metrics ---

func (r Repo) InsertMetric(ctx context.Context, tx *sql.Tx, m domain.Metric) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO metrics(run_id,key,value,details_json,created_at) VALUES (?,?,?,?,?)`,
		m.RunID, m.Key, m.Value, nullableStringPtr(m.DetailsJSON), m.CreatedAt)
	if isUniqueViolation(err) {
		return ErrMetricExists
	}
	return err
}

func (r Repo) ListMetrics(ctx context.Context, runID string) ([]domain.Metric, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT run_id,key,value,details_json,created_at FROM metrics WHERE run_id=? ORDER BY key ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Metric
	for rows.Next() {
		var m domain.Metric
		var details sql.NullString
		if err := rows.Scan(&m.RunID, &m.Key, &m.Value, &details, &m.CreatedAt); err != nil {
			return nil, err
		}
		if details.Valid {
			m.DetailsJSON = &details.String
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// --- sanity checks ---

func (r Repo) InsertSanityCheck(ctx context.Context, tx *sql.Tx, s domain.SanityCheck) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sanity_checks(id,run_id,rules_json,passed,details,created_at) VALUES (?,?,?,?,?,?)`,
		s.ID, s.RunID, s.RulesJSON, s.Passed, nullable(s.Details), s.CreatedAt)
	return err
}

func (r Repo) ListSanityChecks(ctx context.Context, runID string) ([]domain.SanityCheck, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,run_id,rules_json,passed,details,created_at FROM sanity_checks WHERE run_id=? ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SanityCheck
	for rows.Next() {
		var s domain.SanityCheck
		var details sql.NullString
		if err := rows.Scan(&s.ID, &s.RunID, &s.RulesJSON, &s.Passed, &details, &s.CreatedAt); err != nil {
			return nil, err
		}
		if details.Valid {
			s.Details = details.String
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// HasPassedSanity reports whether the run has at least one passed sanity record.
func (r Repo) HasPassedSanity(ctx context.Context, tx *sql.Tx, runID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM sanity_checks WHERE run_id=? AND passed=1 LIMIT 1`, runID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// --- approvals ---

func (r Repo) InsertApproval(ctx context.Context, tx *sql.Tx, a domain.Approval) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approvals(id,run_id,required,approver,decision,notes,decided_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.RunID, a.Required, nullable(a.Approver), nullable(a.Decision), nullable(a.Notes), nullable(a.DecidedAt))
	return err
}

// LatestApproval returns the most recent approval record for a run.
func (r Repo) LatestApproval(ctx context.Context, runID string) (domain.Approval, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,run_id,required,approver,decision,notes,decided_at FROM approvals WHERE run_id=? ORDER BY decided_at DESC, id DESC LIMIT 1`, runID)
	return scanApproval(row.Scan)
}

func (r Repo) LatestApprovalTx(ctx context.Context, tx *sql.Tx, runID string) (domain.Approval, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,run_id,required,approver,decision,notes,decided_at FROM approvals WHERE run_id=? ORDER BY decided_at DESC, id DESC LIMIT 1`, runID)
	return scanApproval(row.Scan)
}

func scanApproval(scan func(dest ...any) error) (domain.Approval, error) {
	var a domain.Approval
	var approver, decision, notes, decidedAt sql.NullString
	err := scan(&a.ID, &a.RunID, &a.Required, &approver, &decision, &notes, &decidedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if approver.Valid {
		a.Approver = approver.String
	}
	if decision.Valid {
		a.Decision = decision.String
	}
	if notes.Valid {
		a.Notes = notes.String
	}
	if decidedAt.Valid {
		a.DecidedAt = decidedAt.String
	}
	return a, nil
}

func (r Repo) ListApprovals(ctx context.Context, runID string) ([]domain.Approval, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,run_id,required,approver,decision,notes,decided_at FROM approvals WHERE run_id=? ORDER BY decided_at ASC, id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- engine config ---

func (r Repo) UpsertEngineConfig(ctx context.Context, engineID string, cfg *config.Config) error {
	return upsertEngineConfig(ctx, r.DB, nil, engineID, cfg)
}

func (r Repo) UpsertEngineConfigTx(ctx context.Context, tx *sql.Tx, engineID string, cfg *config.Config) error {
	return upsertEngineConfig(ctx, nil, tx, engineID, cfg)
}

func upsertEngineConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, engineID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Engine.ID = engineID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO engine_configs(engine_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(engine_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, engineID, string(payload), now, now)
	return err
}

func (r Repo) GetEngineConfig(ctx context.Context, engineID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM engine_configs WHERE engine_id=?`, engineID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Engine.ID == "" {
		cfg.Engine.ID = engineID
	}
	return &cfg, cfg.Validate()
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, runID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if runID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, runID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,run_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,run_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`
	return r.queryEvents(ctx, query, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var runID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &runID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if runID.Valid {
			e.RunID = runID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableBoolPtr(v *bool) any {
	if v == nil {
		return nil
	}
	return *v
}
