package engine

import (
	"math/rand"
	"sort"
	"testing"

	"evoline/internal/domain"
	"evoline/internal/repo"
)

func defaultPolicy() DecidePolicy {
	return DecidePolicy{
		MaxSelected:   3,
		RiskBudget:    6,
		CategoryQuota: 1,
		MinScore:      4.0,
		Blocked:       map[string]bool{},
	}
}

func cand(title, category, risk string, score float64) domain.Candidate {
	return domain.Candidate{
		ID:          title,
		Title:       title,
		Description: "d",
		Category:    category,
		RiskLevel:   risk,
		Priority:    score,
	}
}

func TestDecideSelectsWithinBudgetAndQuota(t *testing.T) {
	candidates := []domain.Candidate{
		cand("a", domain.CategoryCapability, domain.RiskMedium, 8),
		cand("b", domain.CategoryCapability, domain.RiskLow, 7),
		cand("c", domain.CategoryAnticipatory, domain.RiskMedium, 6),
		cand("d", domain.CategoryWildcard, domain.RiskLow, 5),
	}
	d := Decide(candidates, defaultPolicy(), repo.OutcomeStats{})
	if len(d.Selected) != 3 {
		t.Fatalf("selected %d, want 3", len(d.Selected))
	}
	// b deferred by the capability quota, not rejected.
	if len(d.Deferred) != 1 || d.Deferred[0].Title != "b" {
		t.Fatalf("deferred = %+v, want [b]", d.Deferred)
	}
	if d.Deferred[0].RejectionReason != nil {
		t.Fatalf("deferred candidate must carry no rejection reason")
	}
	if d.RiskBudgetUsed != 4 {
		t.Fatalf("budget used = %v, want 4", d.RiskBudgetUsed)
	}
}

func TestDecideRejectsBelowMinScore(t *testing.T) {
	candidates := []domain.Candidate{
		cand("low", domain.CategoryWildcard, domain.RiskLow, 3.9),
	}
	d := Decide(candidates, defaultPolicy(), repo.OutcomeStats{})
	if len(d.Rejected) != 1 {
		t.Fatalf("rejected %d, want 1", len(d.Rejected))
	}
	if d.Rejected[0].RejectionReason == nil || *d.Rejected[0].RejectionReason == "" {
		t.Fatal("rejected candidate must carry a reason")
	}
}

func TestDecideRejectsDuplicates(t *testing.T) {
	candidates := []domain.Candidate{
		cand("same", domain.CategoryCapability, domain.RiskLow, 8),
		cand("same", domain.CategoryCapability, domain.RiskLow, 8),
	}
	candidates[1].ID = "other-id"
	d := Decide(candidates, defaultPolicy(), repo.OutcomeStats{})
	if len(d.Selected) != 1 || len(d.Rejected) != 1 {
		t.Fatalf("selected %d rejected %d, want 1 and 1", len(d.Selected), len(d.Rejected))
	}
	if got := *d.Rejected[0].RejectionReason; got != "duplicate proposal for this run" {
		t.Fatalf("reason = %q", got)
	}
}

func TestDecideRejectsBlockedCategory(t *testing.T) {
	pol := defaultPolicy()
	pol.Blocked[domain.CategoryPersona] = true
	candidates := []domain.Candidate{
		cand("p", domain.CategoryPersona, domain.RiskLow, 9),
	}
	d := Decide(candidates, pol, repo.OutcomeStats{})
	if len(d.Rejected) != 1 {
		t.Fatalf("rejected %d, want 1", len(d.Rejected))
	}
}

func TestDecideDefersWhenRiskBudgetExhausted(t *testing.T) {
	candidates := []domain.Candidate{
		cand("h1", domain.CategoryCapability, domain.RiskHigh, 9),
		cand("h2", domain.CategoryAnticipatory, domain.RiskHigh, 8),
		cand("l1", domain.CategoryWildcard, domain.RiskLow, 7),
	}
	d := Decide(candidates, defaultPolicy(), repo.OutcomeStats{})
	// First high costs 5; second high would exceed 6 and is deferred; the
	// low-risk wildcard still fits.
	if len(d.Selected) != 2 {
		t.Fatalf("selected %d, want 2", len(d.Selected))
	}
	if len(d.Deferred) != 1 || d.Deferred[0].Title != "h2" {
		t.Fatalf("deferred = %+v, want [h2]", d.Deferred)
	}
}

func TestDecideRiskBudgetNeverExceeded(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	categories := []string{domain.CategoryCapability, domain.CategoryAnticipatory, domain.CategoryWildcard, domain.CategoryPersona}
	risks := []string{domain.RiskLow, domain.RiskMedium, domain.RiskHigh}
	for trial := 0; trial < 200; trial++ {
		n := 1 + rng.Intn(12)
		candidates := make([]domain.Candidate, 0, n)
		for i := 0; i < n; i++ {
			candidates = append(candidates, cand(
				string(rune('a'+i)),
				categories[rng.Intn(len(categories))],
				risks[rng.Intn(len(risks))],
				rng.Float64()*10,
			))
		}
		sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Priority > candidates[j].Priority })
		pol := defaultPolicy()
		pol.CategoryQuota = 1 + rng.Intn(3)
		pol.MaxSelected = 1 + rng.Intn(5)
		d := Decide(candidates, pol, repo.OutcomeStats{})

		var used float64
		perCategory := map[string]int{}
		for _, c := range d.Selected {
			used += domain.RiskPenalty(c.RiskLevel)
			perCategory[c.Category]++
		}
		if used > d.EffectiveRiskBudget {
			t.Fatalf("trial %d: budget exceeded: used %v of %v", trial, used, d.EffectiveRiskBudget)
		}
		if len(d.Selected) > pol.MaxSelected {
			t.Fatalf("trial %d: selected %d over cap %d", trial, len(d.Selected), pol.MaxSelected)
		}
		for category, count := range perCategory {
			if count > pol.CategoryQuota {
				t.Fatalf("trial %d: category %s quota exceeded", trial, category)
			}
		}
		if got := len(d.Selected) + len(d.Deferred) + len(d.Rejected); got != n {
			t.Fatalf("trial %d: partition lost candidates: %d of %d", trial, got, n)
		}
	}
}

func TestCalibrationTightensBudgetOnRollbacks(t *testing.T) {
	pol := defaultPolicy()

	d := Decide(nil, pol, repo.OutcomeStats{Merged: 6, RolledBack: 2})
	if !d.Calibrated || d.EffectiveRiskBudget != 4 {
		t.Fatalf("calibrated=%v budget=%v, want true/4", d.Calibrated, d.EffectiveRiskBudget)
	}

	// Below the 25% rollback share: untouched.
	d = Decide(nil, pol, repo.OutcomeStats{Merged: 9, RolledBack: 1})
	if d.Calibrated || d.EffectiveRiskBudget != 6 {
		t.Fatalf("calibrated=%v budget=%v, want false/6", d.Calibrated, d.EffectiveRiskBudget)
	}

	// Too little history to trust the signal.
	d = Decide(nil, pol, repo.OutcomeStats{Merged: 1, RolledBack: 1})
	if d.Calibrated {
		t.Fatal("calibration must not fire on fewer than four completed runs")
	}

	// The floor holds at 2.
	pol.RiskBudget = 3
	d = Decide(nil, pol, repo.OutcomeStats{Merged: 2, RolledBack: 2})
	if d.EffectiveRiskBudget != 2 {
		t.Fatalf("budget = %v, want floor 2", d.EffectiveRiskBudget)
	}
}
