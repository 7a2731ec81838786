package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"evoline/internal/config"
	"evoline/internal/domain"
	"evoline/internal/engine/riskmatrix"
	"evoline/internal/events"
	"evoline/internal/repo"
	"evoline/internal/vcs"
)

// MetricSource supplies one observation window of counts and affective signals.
// Owned externally; the engine only reads it.
type MetricSource interface {
	Observe(ctx context.Context) (domain.Observation, error)
}

// TestRunner records a pre-push test verdict for a candidate's change.
// Real CI runs on the pull request afterwards.
type TestRunner func(ctx context.Context, c domain.Candidate, content string) (bool, error)

// MatrixSource yields the optional risk matrix. The bool reports whether a
// matrix was actually loaded, so "no matrix used" stays observable for audit.
type MatrixSource func() (riskmatrix.Matrix, bool)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Source MetricSource
	Remote vcs.Remote
	Matrix MatrixSource
	Tests  TestRunner
	Rand   *rand.Rand
	Now    func() time.Time
}

const engineActor = "evolution-engine"

func New(db *sql.DB, cfg *config.Config, source MetricSource, remote vcs.Remote) Engine {
	e := Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Source: source,
		Remote: remote,
		Rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
		Now:    time.Now,
	}
	e.Matrix = func() (riskmatrix.Matrix, bool) {
		if cfg == nil || cfg.Orient.RiskMatrixPath == "" {
			return riskmatrix.Matrix{}, false
		}
		m, ok, err := riskmatrix.Load(cfg.Orient.RiskMatrixPath)
		if err != nil || !ok {
			return riskmatrix.Matrix{}, false
		}
		return m, true
	}
	e.Tests = DefaultTestRunner
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// RunDate returns today's UTC midnight-normalized run date.
func (e Engine) RunDate() string {
	return e.now().UTC().Format("2006-01-02")
}

// RunEvolution executes one observe -> orient -> decide -> act cycle for
// today's date. Each phase persists its output before the next phase starts,
// so a crash leaves the run in a last-known-good, inspectable state.
func (e Engine) RunEvolution(ctx context.Context, dryRun bool) (domain.EvolutionRunResult, error) {
	if e.Config == nil {
		return domain.EvolutionRunResult{}, errors.New("config not loaded")
	}
	runDate := e.RunDate()
	result := domain.EvolutionRunResult{RunDate: runDate}

	run, err := e.startRun(ctx, runDate, dryRun)
	if err != nil {
		return result, err
	}

	// Observe. A source failure is fatal for the run; no partial observation
	// is used.
	obs, err := e.Source.Observe(ctx)
	if err != nil {
		ferr := fmt.Errorf("observe: %w", err)
		result.Status = domain.RunFailed
		return result, e.failRun(ctx, run, ferr)
	}
	if err := e.persistObservation(ctx, run, obs); err != nil {
		result.Status = domain.RunFailed
		return result, e.failRun(ctx, run, err)
	}
	result.ObservationSummary = summarizeObservation(obs)

	// Orient.
	matrix, matrixUsed := e.matrix()
	proposals := Orient(obs, OrientThresholds(e.Config), matrix, e.Rand)
	candidates, err := e.persistProposals(ctx, run, proposals, matrixUsed)
	if err != nil {
		result.Status = domain.RunFailed
		return result, e.failRun(ctx, run, err)
	}
	result.ProposalsGenerated = len(candidates)

	// Decide.
	stats, err := e.Repo.RecentOutcomes(ctx, e.Config.Decide.CalibrationWindow)
	if err != nil {
		result.Status = domain.RunFailed
		return result, e.failRun(ctx, run, err)
	}
	decision := Decide(candidates, DecidePolicyFrom(e.Config, matrix), stats)
	if err := e.persistDecision(ctx, run, decision); err != nil {
		result.Status = domain.RunFailed
		return result, e.failRun(ctx, run, err)
	}
	result.ProposalsSelected = len(decision.Selected)
	result.ProposalsDeferred = len(decision.Deferred)
	result.ProposalsRejected = len(decision.Rejected)

	// Act.
	actorResult, status, err := e.act(ctx, run, decision.Selected, dryRun)
	if err != nil {
		result.Status = domain.RunFailed
		return result, e.failRun(ctx, run, err)
	}
	result.SanityChecksPassed = actorResult.SanityPassed
	result.BranchCreated = actorResult.BranchCreated
	result.PRCreated = actorResult.PRCreated
	result.PRURL = actorResult.PRURL
	result.DeferralReason = actorResult.DeferralReason
	result.Status = status

	if err := e.finishRun(ctx, run, status, e.buildSummary(result, dryRun)); err != nil {
		return result, err
	}
	return result, nil
}

// startRun claims the run slot for a date. A fresh date gets a new in_progress
// run; a planned run left by an earlier deferral is resumed; anything else is
// lock contention or a finished run.
func (e Engine) startRun(ctx context.Context, runDate string, dryRun bool) (domain.Run, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	run, err := e.Repo.GetRunByDateTx(ctx, tx, runDate)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		run = domain.Run{
			ID:        uuid.New().String(),
			RunDate:   runDate,
			Status:    domain.RunInProgress,
			StartedAt: e.nowStr(),
		}
		if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
			return domain.Run{}, err
		}
	case err != nil:
		return domain.Run{}, err
	case run.Status == domain.RunPlanned:
		if err := e.Repo.ClaimRun(ctx, tx, run.ID); err != nil {
			return domain.Run{}, err
		}
		run.Status = domain.RunInProgress
	case run.Status == domain.RunInProgress:
		return domain.Run{}, repo.ErrRunActive
	default:
		return domain.Run{}, repo.ErrRunExists
	}

	if err := e.Events.Append(ctx, tx, "run.started", run.ID, "run", run.ID, engineActor, events.EventPayload{
		"run_date": runDate,
		"dry_run":  dryRun,
	}); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

func (e Engine) matrix() (riskmatrix.Matrix, bool) {
	if e.Matrix == nil {
		return riskmatrix.Matrix{}, false
	}
	return e.Matrix()
}

func (e Engine) persistObservation(ctx context.Context, run domain.Run, obs domain.Observation) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.nowStr()
	metrics := []domain.Metric{
		{RunID: run.ID, Key: "message_volume", Value: float64(obs.MessageVolume), CreatedAt: now},
		{RunID: run.ID, Key: "user_count", Value: float64(obs.UserCount), CreatedAt: now},
		{RunID: run.ID, Key: "error_count", Value: float64(obs.ErrorCount), CreatedAt: now},
		{RunID: run.ID, Key: "average_sentiment", Value: obs.AverageSentiment, CreatedAt: now},
		{RunID: run.ID, Key: "feeling_confusion", Value: obs.Feelings.Confusion, CreatedAt: now},
		{RunID: run.ID, Key: "feeling_concern", Value: obs.Feelings.Concern, CreatedAt: now},
		{RunID: run.ID, Key: "feeling_fatigue", Value: obs.Feelings.Fatigue, CreatedAt: now},
		{RunID: run.ID, Key: "feeling_satisfaction", Value: obs.Feelings.Satisfaction, CreatedAt: now},
	}
	if len(obs.TopTopics) > 0 {
		topics, err := json.Marshal(obs.TopTopics)
		if err != nil {
			return err
		}
		detail := string(topics)
		metrics = append(metrics, domain.Metric{RunID: run.ID, Key: "top_topics", Value: float64(len(obs.TopTopics)), DetailsJSON: &detail, CreatedAt: now})
	}
	for _, m := range metrics {
		// A resumed run keeps its first observation; metrics are write-once.
		if err := e.Repo.InsertMetric(ctx, tx, m); err != nil && !errors.Is(err, repo.ErrMetricExists) {
			return fmt.Errorf("persist metric %s: %w", m.Key, err)
		}
	}
	if err := e.Events.Append(ctx, tx, "observe.completed", run.ID, "run", run.ID, engineActor, events.EventPayload{
		"message_volume": obs.MessageVolume,
		"user_count":     obs.UserCount,
		"error_count":    obs.ErrorCount,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// persistProposals stores orienter output as candidates, each with a stable
// UUID. Selection updates key on that id, never on title equality. A resumed
// run keeps the candidates of its first pass so selection stays reproducible.
func (e Engine) persistProposals(ctx context.Context, run domain.Run, proposals []domain.Proposal, matrixUsed bool) ([]domain.Candidate, error) {
	existing, err := e.Repo.ListCandidates(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	now := e.nowStr()
	candidates := make([]domain.Candidate, 0, len(proposals))
	for _, p := range proposals {
		c := domain.Candidate{
			ID:           uuid.New().String(),
			RunID:        run.ID,
			Category:     p.Category,
			Title:        p.Title,
			Description:  p.Description,
			RiskLevel:    p.RiskLevel,
			ImpactScore:  impactScore(p.ExpectedImpact),
			EffortScore:  p.EffortScore,
			NoveltyScore: p.NoveltyScore,
			Priority:     p.Score,
			CreatedAt:    now,
		}
		if err := e.Repo.InsertCandidate(ctx, tx, c); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	matrixVal := 0.0
	if matrixUsed {
		matrixVal = 1
	}
	if err := e.Repo.InsertMetric(ctx, tx, domain.Metric{RunID: run.ID, Key: "risk_matrix_used", Value: matrixVal, CreatedAt: now}); err != nil && !errors.Is(err, repo.ErrMetricExists) {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, "orient.completed", run.ID, "run", run.ID, engineActor, events.EventPayload{
		"proposals":        len(candidates),
		"risk_matrix_used": matrixUsed,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return candidates, nil
}

func (e Engine) persistDecision(ctx context.Context, run domain.Run, d Decision) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, c := range d.Selected {
		if err := e.Repo.MarkCandidate(ctx, tx, c.ID, true, nil); err != nil {
			return err
		}
	}
	for _, c := range d.Rejected {
		if err := e.Repo.MarkCandidate(ctx, tx, c.ID, false, c.RejectionReason); err != nil {
			return err
		}
	}
	// Deferred candidates carry no reason: their constraint was capacity, not
	// validity. Re-marked explicitly so a verdict from an earlier pass cannot
	// survive a policy change on a resumed run.
	for _, c := range d.Deferred {
		if err := e.Repo.MarkCandidate(ctx, tx, c.ID, false, nil); err != nil {
			return err
		}
	}
	if d.Calibrated {
		if err := e.Events.Append(ctx, tx, "decide.calibrated", run.ID, "run", run.ID, engineActor, events.EventPayload{
			"risk_budget":           d.RiskBudget,
			"effective_risk_budget": d.EffectiveRiskBudget,
		}); err != nil {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, "decide.completed", run.ID, "run", run.ID, engineActor, events.EventPayload{
		"selected":         len(d.Selected),
		"deferred":         len(d.Deferred),
		"rejected":         len(d.Rejected),
		"risk_budget_used": d.RiskBudgetUsed,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) failRun(ctx context.Context, run domain.Run, cause error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return errors.Join(cause, err)
	}
	defer tx.Rollback()
	now := e.nowStr()
	if err := e.Repo.UpdateRunStatus(ctx, tx, run.ID, domain.RunFailed, cause.Error(), &now); err != nil {
		return errors.Join(cause, err)
	}
	if err := e.Events.Append(ctx, tx, "run.failed", run.ID, "run", run.ID, engineActor, events.EventPayload{
		"error": cause.Error(),
	}); err != nil {
		return errors.Join(cause, err)
	}
	if err := tx.Commit(); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (e Engine) finishRun(ctx context.Context, run domain.Run, status, summary string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var finishedAt *string
	if status != domain.RunPlanned {
		now := e.nowStr()
		finishedAt = &now
	}
	if err := e.Repo.UpdateRunStatus(ctx, tx, run.ID, status, summary, finishedAt); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "run.finished", run.ID, "run", run.ID, engineActor, events.EventPayload{
		"status":  status,
		"summary": summary,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) buildSummary(r domain.EvolutionRunResult, dryRun bool) string {
	mode := ""
	if dryRun {
		mode = "dry run: "
	}
	s := fmt.Sprintf("%sgenerated %d, selected %d, deferred %d, rejected %d; %s",
		mode, r.ProposalsGenerated, r.ProposalsSelected, r.ProposalsDeferred, r.ProposalsRejected, r.ObservationSummary)
	if r.PRURL != nil {
		s += "; pr " + *r.PRURL
	}
	if r.DeferralReason != nil {
		s += "; deferred: " + *r.DeferralReason
	}
	return s
}

func summarizeObservation(obs domain.Observation) string {
	return fmt.Sprintf("messages=%d users=%d errors=%d sentiment=%.2f confusion=%.2f concern=%.2f fatigue=%.2f satisfaction=%.2f",
		obs.MessageVolume, obs.UserCount, obs.ErrorCount, obs.AverageSentiment,
		obs.Feelings.Confusion, obs.Feelings.Concern, obs.Feelings.Fatigue, obs.Feelings.Satisfaction)
}

func impactScore(i domain.ExpectedImpact) float64 {
	return 0.4*i.UserExperience + 0.3*i.SystemPerformance + 0.3*i.Maintainability
}

// ensureRunTransition validates status changes driven from outside the
// orchestrator (skip, merge/rollback feedback).
func ensureRunTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.RunPlanned:
		if newStatus == domain.RunInProgress || newStatus == domain.RunSkipped {
			return nil
		}
	case domain.RunInProgress:
		if newStatus == domain.RunQueuedPR || newStatus == domain.RunPlanned || newStatus == domain.RunFailed {
			return nil
		}
	case domain.RunQueuedPR:
		if newStatus == domain.RunMerged || newStatus == domain.RunRolledBack {
			return nil
		}
	case domain.RunMerged:
		if newStatus == domain.RunRolledBack {
			return nil
		}
	}
	return fmt.Errorf("invalid run status transition %s -> %s", oldStatus, newStatus)
}

// SkipRun marks a planned run skipped.
func (e Engine) SkipRun(ctx context.Context, runDate, actorID string) (domain.Run, error) {
	run, err := e.Repo.GetRunByDate(ctx, runDate)
	if err != nil {
		return run, err
	}
	return e.transitionRun(ctx, run, domain.RunSkipped, actorID, "run skipped")
}

// RecordOutcome records the external merge/rollback feedback for a run.
// Rollback is a status transition, never a deletion.
func (e Engine) RecordOutcome(ctx context.Context, runDate, status, actorID string) (domain.Run, error) {
	if status != domain.RunMerged && status != domain.RunRolledBack {
		return domain.Run{}, fmt.Errorf("outcome must be %s or %s", domain.RunMerged, domain.RunRolledBack)
	}
	run, err := e.Repo.GetRunByDate(ctx, runDate)
	if err != nil {
		return run, err
	}
	return e.transitionRun(ctx, run, status, actorID, "outcome recorded")
}

func (e Engine) transitionRun(ctx context.Context, run domain.Run, status, actorID, note string) (domain.Run, error) {
	if err := ensureRunTransition(run.Status, status); err != nil {
		return run, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return run, err
	}
	defer tx.Rollback()
	now := e.nowStr()
	if err := e.Repo.UpdateRunStatus(ctx, tx, run.ID, status, run.Summary, &now); err != nil {
		return run, err
	}
	if err := e.Events.Append(ctx, tx, "run.status_changed", run.ID, "run", run.ID, actorID, events.EventPayload{
		"from": run.Status,
		"to":   status,
		"note": note,
	}); err != nil {
		return run, err
	}
	if err := tx.Commit(); err != nil {
		return run, err
	}
	run.Status = status
	run.FinishedAt = &now
	return run, nil
}

// Approve records a human approval decision for a run.
func (e Engine) Approve(ctx context.Context, runDate, approver, decision, notes string) (domain.Approval, error) {
	if decision != "approved" && decision != "rejected" {
		return domain.Approval{}, fmt.Errorf("decision must be approved or rejected")
	}
	if approver == "" {
		return domain.Approval{}, errors.New("approver required")
	}
	run, err := e.Repo.GetRunByDate(ctx, runDate)
	if err != nil {
		return domain.Approval{}, err
	}
	a := domain.Approval{
		ID:        uuid.New().String(),
		RunID:     run.ID,
		Required:  e.Config != nil && e.Config.Engine.ApprovalRequired,
		Approver:  approver,
		Decision:  decision,
		Notes:     notes,
		DecidedAt: e.nowStr(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertApproval(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "approval.recorded", run.ID, "approval", a.ID, approver, events.EventPayload{
		"decision": decision,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// RunDetail aggregates a run with all of its owned records.
type RunDetail struct {
	Run          domain.Run           `json:"run"`
	Candidates   []domain.Candidate   `json:"candidates,omitempty"`
	Actions      []domain.Action      `json:"actions,omitempty"`
	Metrics      []domain.Metric      `json:"metrics,omitempty"`
	SanityChecks []domain.SanityCheck `json:"sanity_checks,omitempty"`
	Approvals    []domain.Approval    `json:"approvals,omitempty"`
}

func (e Engine) GetRunDetail(ctx context.Context, runDate string) (RunDetail, error) {
	run, err := e.Repo.GetRunByDate(ctx, runDate)
	if err != nil {
		return RunDetail{}, err
	}
	detail := RunDetail{Run: run}
	if detail.Candidates, err = e.Repo.ListCandidates(ctx, run.ID); err != nil {
		return detail, err
	}
	if detail.Actions, err = e.Repo.ListActions(ctx, run.ID); err != nil {
		return detail, err
	}
	if detail.Metrics, err = e.Repo.ListMetrics(ctx, run.ID); err != nil {
		return detail, err
	}
	if detail.SanityChecks, err = e.Repo.ListSanityChecks(ctx, run.ID); err != nil {
		return detail, err
	}
	if detail.Approvals, err = e.Repo.ListApprovals(ctx, run.ID); err != nil {
		return detail, err
	}
	return detail, nil
}
