package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"evoline/internal/db"
	"evoline/internal/domain"
	"evoline/internal/migrate"
	"evoline/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func inTx(t *testing.T, r repo.Repo, fn func(tx *sql.Tx) error) error {
	t.Helper()
	tx, err := r.DB.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func insertRun(t *testing.T, r repo.Repo, id, date, status string) {
	t.Helper()
	err := inTx(t, r, func(tx *sql.Tx) error {
		return r.InsertRun(context.Background(), tx, domain.Run{
			ID: id, RunDate: date, Status: status, StartedAt: "2025-06-01T03:00:00Z",
		})
	})
	if err != nil {
		t.Fatalf("insert run %s: %v", id, err)
	}
}

func TestRunDateUniqueness(t *testing.T) {
	r := newTestRepo(t)
	insertRun(t, r, "r-1", "2025-06-01", domain.RunInProgress)

	err := inTx(t, r, func(tx *sql.Tx) error {
		return r.InsertRun(context.Background(), tx, domain.Run{
			ID: "r-2", RunDate: "2025-06-01", Status: domain.RunPlanned, StartedAt: "2025-06-01T04:00:00Z",
		})
	})
	if !errors.Is(err, repo.ErrRunActive) {
		t.Fatalf("err = %v, want ErrRunActive", err)
	}

	// Skipped runs do not hold the date slot.
	err = inTx(t, r, func(tx *sql.Tx) error {
		return r.UpdateRunStatus(context.Background(), tx, "r-1", domain.RunSkipped, "skipped", nil)
	})
	if err != nil {
		t.Fatalf("skip: %v", err)
	}
	insertRun(t, r, "r-3", "2025-06-01", domain.RunPlanned)
}

func TestClaimRunOnlyClaimsPlanned(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	insertRun(t, r, "r-1", "2025-06-01", domain.RunPlanned)

	if err := inTx(t, r, func(tx *sql.Tx) error { return r.ClaimRun(ctx, tx, "r-1") }); err != nil {
		t.Fatalf("claim planned: %v", err)
	}
	run, err := r.GetRun(ctx, "r-1")
	if err != nil || run.Status != domain.RunInProgress {
		t.Fatalf("status = %s (%v), want in_progress", run.Status, err)
	}
	// A second claim loses the race.
	err = inTx(t, r, func(tx *sql.Tx) error { return r.ClaimRun(ctx, tx, "r-1") })
	if !errors.Is(err, repo.ErrRunActive) {
		t.Fatalf("err = %v, want ErrRunActive", err)
	}
}

func TestMetricsAreWriteOnce(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	insertRun(t, r, "r-1", "2025-06-01", domain.RunInProgress)

	m := domain.Metric{RunID: "r-1", Key: "error_count", Value: 12, CreatedAt: "2025-06-01T03:00:00Z"}
	if err := inTx(t, r, func(tx *sql.Tx) error { return r.InsertMetric(ctx, tx, m) }); err != nil {
		t.Fatalf("insert metric: %v", err)
	}
	m.Value = 99
	err := inTx(t, r, func(tx *sql.Tx) error { return r.InsertMetric(ctx, tx, m) })
	if !errors.Is(err, repo.ErrMetricExists) {
		t.Fatalf("err = %v, want ErrMetricExists", err)
	}
	stored, err := r.ListMetrics(ctx, "r-1")
	if err != nil || len(stored) != 1 || stored[0].Value != 12 {
		t.Fatalf("metrics = %+v (%v)", stored, err)
	}
}

func TestMarkCandidateUpdatesById(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	insertRun(t, r, "r-1", "2025-06-01", domain.RunInProgress)
	c := domain.Candidate{
		ID: "c-1", RunID: "r-1", Category: domain.CategoryCapability, Title: "t",
		RiskLevel: domain.RiskLow, Priority: 6, CreatedAt: "2025-06-01T03:00:00Z",
	}
	if err := inTx(t, r, func(tx *sql.Tx) error { return r.InsertCandidate(ctx, tx, c) }); err != nil {
		t.Fatalf("insert candidate: %v", err)
	}
	reason := "score 3.0 below minimum 4.0"
	if err := inTx(t, r, func(tx *sql.Tx) error { return r.MarkCandidate(ctx, tx, "c-1", false, &reason) }); err != nil {
		t.Fatalf("mark: %v", err)
	}
	list, err := r.ListCandidates(ctx, "r-1")
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v", err)
	}
	if list[0].Selected || list[0].RejectionReason == nil || *list[0].RejectionReason != reason {
		t.Fatalf("candidate = %+v", list[0])
	}
}

func TestRecentOutcomesWindow(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	dates := []struct {
		id, date, status string
	}{
		{"r-1", "2025-05-28", domain.RunMerged},
		{"r-2", "2025-05-29", domain.RunRolledBack},
		{"r-3", "2025-05-30", domain.RunMerged},
		{"r-4", "2025-05-31", domain.RunFailed},
		{"r-5", "2025-06-01", domain.RunSkipped},
	}
	for _, d := range dates {
		insertRun(t, r, d.id, d.date, d.status)
	}
	stats, err := r.RecentOutcomes(ctx, 20)
	if err != nil {
		t.Fatalf("outcomes: %v", err)
	}
	if stats.Merged != 2 || stats.RolledBack != 1 || stats.Failed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	// A window of 2 only sees the newest completed runs.
	stats, err = r.RecentOutcomes(ctx, 2)
	if err != nil {
		t.Fatalf("outcomes: %v", err)
	}
	if stats.Failed != 1 || stats.Merged != 1 || stats.RolledBack != 0 {
		t.Fatalf("windowed stats = %+v", stats)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	key := repo.NewAPIKey("automation", "ci", "secret-value")
	if err := r.InsertAPIKey(ctx, nil, key); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("secret-value"))
	if err != nil || got.ActorID != "automation" {
		t.Fatalf("lookup: %+v (%v)", got, err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("wrong")); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
