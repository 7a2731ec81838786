package engine_test

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"evoline/internal/config"
	"evoline/internal/db"
	"evoline/internal/domain"
	"evoline/internal/engine"
	"evoline/internal/metrics"
	"evoline/internal/migrate"
	"evoline/internal/repo"
	"evoline/internal/vcs"
)

type testEnv struct {
	Engine engine.Engine
	Remote *vcs.Fake
	Ctx    context.Context
}

func busyObservation() domain.Observation {
	return domain.Observation{
		MessageVolume: 250,
		UserCount:     12,
		ErrorCount:    15,
		Feelings:      domain.Feelings{Confusion: 0.6, Concern: 0.7, Fatigue: 0.8},
		TopTopics:     []string{"deploys", "latency"},
	}
}

func newTestEnv(t *testing.T, obs domain.Observation) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("eng-1")
	remote := vcs.NewFake()
	remote.Branches[cfg.Act.Remote.BaseBranch] = true
	eng := engine.New(conn, cfg, metrics.Static{Observation: obs}, remote)
	eng.Now = func() time.Time { return time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC) }
	eng.Rand = rand.New(rand.NewSource(1))
	return testEnv{Engine: eng, Remote: remote, Ctx: context.Background()}
}

func TestRunEvolutionFullCycle(t *testing.T) {
	env := newTestEnv(t, busyObservation())
	result, err := env.Engine.RunEvolution(env.Ctx, false)
	if err != nil {
		t.Fatalf("run evolution: %v", err)
	}
	if result.Status != domain.RunQueuedPR {
		t.Fatalf("status = %s, want queued_pr", result.Status)
	}
	if result.RunDate != "2025-06-01" {
		t.Fatalf("run date = %s", result.RunDate)
	}
	if result.ProposalsGenerated != 7 {
		t.Fatalf("generated = %d, want 7", result.ProposalsGenerated)
	}
	if result.ProposalsSelected == 0 || result.ProposalsSelected > 3 {
		t.Fatalf("selected = %d, want 1..3", result.ProposalsSelected)
	}
	if !result.SanityChecksPassed || !result.PRCreated || result.PRURL == nil {
		t.Fatalf("expected passed sanity and a PR, got %+v", result)
	}

	run, err := env.Engine.Repo.GetRunByDate(env.Ctx, "2025-06-01")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.RunQueuedPR {
		t.Fatalf("stored status = %s", run.Status)
	}
	detail, err := env.Engine.GetRunDetail(env.Ctx, "2025-06-01")
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if len(detail.Candidates) != result.ProposalsGenerated {
		t.Fatalf("stored candidates = %d", len(detail.Candidates))
	}
	selected := 0
	for _, c := range detail.Candidates {
		if c.Selected {
			selected++
			if c.RejectionReason != nil {
				t.Fatal("selected candidate must not carry a rejection reason")
			}
		}
	}
	if selected != result.ProposalsSelected {
		t.Fatalf("stored selected = %d, want %d", selected, result.ProposalsSelected)
	}
	if len(detail.Actions) != selected {
		t.Fatalf("actions = %d, want one per selected candidate", len(detail.Actions))
	}
	for _, a := range detail.Actions {
		if a.Status != "executed" || a.CommitSHA == nil || a.PRNumber == nil {
			t.Fatalf("action not finalized: %+v", a)
		}
	}
	if len(detail.SanityChecks) != 1 || !detail.SanityChecks[0].Passed {
		t.Fatalf("sanity checks = %+v", detail.SanityChecks)
	}
	if len(detail.Metrics) == 0 {
		t.Fatal("metrics not persisted")
	}
	if !env.Remote.Branches["evolution/2025-06-01"] {
		t.Fatal("run branch missing on remote")
	}
	if len(env.Remote.Pulls) != 1 {
		t.Fatalf("pull requests = %d, want 1 aggregate PR", len(env.Remote.Pulls))
	}
}

func TestRunEvolutionDryRunMutatesNothingExternal(t *testing.T) {
	env := newTestEnv(t, busyObservation())
	result, err := env.Engine.RunEvolution(env.Ctx, true)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if result.Status != domain.RunPlanned {
		t.Fatalf("status = %s, want planned", result.Status)
	}
	if result.BranchCreated || result.PRCreated {
		t.Fatal("dry run must not touch the remote")
	}
	if !result.SanityChecksPassed {
		t.Fatal("dry run should still evaluate sanity")
	}
	if len(env.Remote.Pulls) != 0 || env.Remote.Commits != 0 {
		t.Fatal("remote mutated during dry run")
	}
	// A real run afterwards resumes the planned row instead of conflicting.
	result, err = env.Engine.RunEvolution(env.Ctx, false)
	if err != nil {
		t.Fatalf("follow-up run: %v", err)
	}
	if result.Status != domain.RunQueuedPR {
		t.Fatalf("follow-up status = %s, want queued_pr", result.Status)
	}
}

func TestRunEvolutionConcurrentDateLock(t *testing.T) {
	env := newTestEnv(t, busyObservation())
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	run := domain.Run{ID: "r-1", RunDate: "2025-06-01", Status: domain.RunInProgress, StartedAt: "2025-06-01T03:00:00Z"}
	if err := env.Engine.Repo.InsertRun(env.Ctx, tx, run); err != nil {
		t.Fatalf("insert run: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RunEvolution(env.Ctx, false); !errors.Is(err, repo.ErrRunActive) {
		t.Fatalf("err = %v, want ErrRunActive", err)
	}
}

func TestRunEvolutionConflictsAfterTerminalRun(t *testing.T) {
	env := newTestEnv(t, busyObservation())
	if _, err := env.Engine.RunEvolution(env.Ctx, false); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := env.Engine.RunEvolution(env.Ctx, false); !errors.Is(err, repo.ErrRunExists) {
		t.Fatalf("err = %v, want ErrRunExists", err)
	}
}

func TestRunEvolutionApprovalGate(t *testing.T) {
	env := newTestEnv(t, busyObservation())
	env.Engine.Config.Engine.ApprovalRequired = true

	result, err := env.Engine.RunEvolution(env.Ctx, false)
	if err != nil {
		t.Fatalf("gated run: %v", err)
	}
	if result.Status != domain.RunPlanned {
		t.Fatalf("status = %s, want planned while approval pending", result.Status)
	}
	if result.DeferralReason == nil {
		t.Fatal("deferred run must carry a reason")
	}
	if env.Remote.Commits != 0 {
		t.Fatal("remote mutated before approval")
	}

	if _, err := env.Engine.Approve(env.Ctx, "2025-06-01", "reviewer", "approved", "lgtm"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	result, err = env.Engine.RunEvolution(env.Ctx, false)
	if err != nil {
		t.Fatalf("approved run: %v", err)
	}
	if result.Status != domain.RunQueuedPR {
		t.Fatalf("status = %s, want queued_pr after approval", result.Status)
	}
}

func TestRunEvolutionObserveFailureMarksRunFailed(t *testing.T) {
	env := newTestEnv(t, domain.Observation{})
	env.Engine.Source = metrics.Static{Err: errors.New("telemetry unreachable")}
	result, err := env.Engine.RunEvolution(env.Ctx, false)
	if err == nil {
		t.Fatal("expected error")
	}
	if result.Status != domain.RunFailed {
		t.Fatalf("result status = %s, want failed", result.Status)
	}
	run, err := env.Engine.Repo.GetRunByDate(env.Ctx, "2025-06-01")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.RunFailed {
		t.Fatalf("stored status = %s, want failed", run.Status)
	}
}

func TestRunEvolutionRemoteFailureMarksRunFailed(t *testing.T) {
	env := newTestEnv(t, busyObservation())
	env.Remote.FailOn = "commit"
	result, err := env.Engine.RunEvolution(env.Ctx, false)
	if err == nil {
		t.Fatal("expected error")
	}
	if result.Status != domain.RunFailed {
		t.Fatalf("result status = %s, want failed", result.Status)
	}
	detail, err := env.Engine.GetRunDetail(env.Ctx, "2025-06-01")
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	failed := 0
	for _, a := range detail.Actions {
		if a.Status == "failed" {
			failed++
		}
	}
	if failed != 1 {
		t.Fatalf("failed actions = %d, want 1", failed)
	}
}

func TestOutcomeFeedbackTransitions(t *testing.T) {
	env := newTestEnv(t, busyObservation())
	if _, err := env.Engine.RunEvolution(env.Ctx, false); err != nil {
		t.Fatalf("run: %v", err)
	}

	run, err := env.Engine.RecordOutcome(env.Ctx, "2025-06-01", domain.RunMerged, "reviewer")
	if err != nil || run.Status != domain.RunMerged {
		t.Fatalf("merge feedback: %v (%s)", err, run.Status)
	}
	// A regression rollback after merge is a transition, not a delete.
	run, err = env.Engine.RecordOutcome(env.Ctx, "2025-06-01", domain.RunRolledBack, "reviewer")
	if err != nil || run.Status != domain.RunRolledBack {
		t.Fatalf("rollback feedback: %v (%s)", err, run.Status)
	}
	// Terminal; further feedback is invalid.
	if _, err := env.Engine.RecordOutcome(env.Ctx, "2025-06-01", domain.RunMerged, "reviewer"); err == nil {
		t.Fatal("expected transition error from rolled_back")
	}
	if _, err := env.Engine.RecordOutcome(env.Ctx, "2025-06-01", "skipped", "reviewer"); err == nil {
		t.Fatal("outcome must be merged or rolled_back")
	}
}

func TestSkipRun(t *testing.T) {
	env := newTestEnv(t, busyObservation())
	if _, err := env.Engine.RunEvolution(env.Ctx, true); err != nil {
		t.Fatalf("dry run: %v", err)
	}
	run, err := env.Engine.SkipRun(env.Ctx, "2025-06-01", "operator")
	if err != nil || run.Status != domain.RunSkipped {
		t.Fatalf("skip: %v (%s)", err, run.Status)
	}
	// The skipped run frees the date slot for a fresh run.
	result, err := env.Engine.RunEvolution(env.Ctx, false)
	if err != nil {
		t.Fatalf("run after skip: %v", err)
	}
	if result.Status != domain.RunQueuedPR {
		t.Fatalf("status = %s, want queued_pr", result.Status)
	}
}

func TestResumeReplacesStaleCandidateVerdicts(t *testing.T) {
	env := newTestEnv(t, busyObservation())
	// First pass: the minimum score rejects everything, the run stays planned.
	env.Engine.Config.Decide.MinScore = 9.5
	result, err := env.Engine.RunEvolution(env.Ctx, false)
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if result.Status != domain.RunPlanned || result.ProposalsSelected != 0 {
		t.Fatalf("first pass = %s selected=%d", result.Status, result.ProposalsSelected)
	}
	detail, err := env.Engine.GetRunDetail(env.Ctx, "2025-06-01")
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	const title = "Harden error handling in command dispatch"
	var before *domain.Candidate
	for i := range detail.Candidates {
		if detail.Candidates[i].Title == title {
			before = &detail.Candidates[i]
		}
	}
	if before == nil || before.RejectionReason == nil {
		t.Fatalf("first pass should reject %q on score, got %+v", title, before)
	}

	// Policy relaxes before the retry; under the default minimum this candidate
	// is only squeezed out by the capability quota, so its old rejection must
	// not survive the resume.
	env.Engine.Config.Decide.MinScore = 4.0
	result, err = env.Engine.RunEvolution(env.Ctx, false)
	if err != nil {
		t.Fatalf("resumed pass: %v", err)
	}
	if result.Status != domain.RunQueuedPR {
		t.Fatalf("resumed status = %s, want queued_pr", result.Status)
	}
	detail, err = env.Engine.GetRunDetail(env.Ctx, "2025-06-01")
	if err != nil {
		t.Fatalf("detail after resume: %v", err)
	}
	for _, c := range detail.Candidates {
		if c.Title != title {
			continue
		}
		if c.Selected {
			t.Fatalf("%q should be quota-deferred, not selected", title)
		}
		if c.RejectionReason != nil {
			t.Fatalf("deferred candidate still carries reason %q", *c.RejectionReason)
		}
	}
}

func TestQuietDayDefersWithoutSelection(t *testing.T) {
	quiet := domain.Observation{
		MessageVolume: 5,
		UserCount:     1,
		ErrorCount:    0,
		Feelings:      domain.Feelings{Satisfaction: 0.9},
	}
	env := newTestEnv(t, quiet)
	// Block selection entirely so nothing clears the minimum score.
	env.Engine.Config.Decide.MinScore = 9.5
	result, err := env.Engine.RunEvolution(env.Ctx, false)
	if err != nil {
		t.Fatalf("quiet run: %v", err)
	}
	if result.Status != domain.RunPlanned {
		t.Fatalf("status = %s, want planned", result.Status)
	}
	if result.ProposalsSelected != 0 {
		t.Fatalf("selected = %d, want 0", result.ProposalsSelected)
	}
	if result.DeferralReason == nil || *result.DeferralReason != "no candidates selected" {
		t.Fatalf("deferral reason = %v", result.DeferralReason)
	}
	if env.Remote.Commits != 0 || len(env.Remote.Pulls) != 0 {
		t.Fatal("remote mutated on an empty selection")
	}
}
