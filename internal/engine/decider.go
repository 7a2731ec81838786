package engine

import (
	"fmt"

	"evoline/internal/config"
	"evoline/internal/domain"
	"evoline/internal/engine/riskmatrix"
	"evoline/internal/repo"
)

// DecidePolicy is the decider's working configuration for one run, with the
// risk-matrix category blocks already folded in.
type DecidePolicy struct {
	MaxSelected   int
	RiskBudget    float64
	CategoryQuota int
	MinScore      float64
	Blocked       map[string]bool
}

func DecidePolicyFrom(cfg *config.Config, matrix riskmatrix.Matrix) DecidePolicy {
	blocked := make(map[string]bool, len(matrix.Blocked))
	for _, cat := range matrix.Blocked {
		blocked[cat] = true
	}
	return DecidePolicy{
		MaxSelected:   cfg.Decide.MaxSelected,
		RiskBudget:    cfg.Decide.RiskBudget,
		CategoryQuota: cfg.Decide.CategoryQuota,
		MinScore:      cfg.Decide.MinScore,
		Blocked:       blocked,
	}
}

// Decision partitions one run's candidates. Rejected candidates carry a
// reason; deferred candidates do not, because their only fault was capacity.
type Decision struct {
	Selected            []domain.Candidate
	Deferred            []domain.Candidate
	Rejected            []domain.Candidate
	RiskBudget          float64
	EffectiveRiskBudget float64
	RiskBudgetUsed      float64
	Calibrated          bool
}

// Decide walks candidates in priority order and applies, in sequence:
// validity checks (block list, duplicates, minimum score), then capacity
// checks (selection cap, category quota, risk budget). Candidates must
// already be sorted by priority descending.
func Decide(candidates []domain.Candidate, pol DecidePolicy, stats repo.OutcomeStats) Decision {
	budget, calibrated := calibrateBudget(pol.RiskBudget, stats)
	d := Decision{
		RiskBudget:          pol.RiskBudget,
		EffectiveRiskBudget: budget,
		Calibrated:          calibrated,
	}
	perCategory := map[string]int{}
	seen := map[string]bool{}

	for _, c := range candidates {
		if pol.Blocked[c.Category] {
			reason := fmt.Sprintf("category %s blocked by risk matrix", c.Category)
			c.RejectionReason = &reason
			d.Rejected = append(d.Rejected, c)
			continue
		}
		dupKey := c.Category + "\x00" + c.Title
		if seen[dupKey] {
			reason := "duplicate proposal for this run"
			c.RejectionReason = &reason
			d.Rejected = append(d.Rejected, c)
			continue
		}
		seen[dupKey] = true
		if c.Priority < pol.MinScore {
			reason := fmt.Sprintf("score %.1f below minimum %.1f", c.Priority, pol.MinScore)
			c.RejectionReason = &reason
			d.Rejected = append(d.Rejected, c)
			continue
		}

		if len(d.Selected) >= pol.MaxSelected {
			d.Deferred = append(d.Deferred, c)
			continue
		}
		if perCategory[c.Category] >= pol.CategoryQuota {
			d.Deferred = append(d.Deferred, c)
			continue
		}
		penalty := domain.RiskPenalty(c.RiskLevel)
		if d.RiskBudgetUsed+penalty > budget {
			d.Deferred = append(d.Deferred, c)
			continue
		}

		c.Selected = true
		perCategory[c.Category]++
		d.RiskBudgetUsed += penalty
		d.Selected = append(d.Selected, c)
	}
	return d
}

// calibrateBudget tightens the risk budget when recent history shows rollbacks
// running at 25% or more of completed runs. The window must hold at least four
// completed runs before the signal counts.
func calibrateBudget(budget float64, stats repo.OutcomeStats) (float64, bool) {
	completed := stats.Merged + stats.RolledBack
	if completed < 4 {
		return budget, false
	}
	if float64(stats.RolledBack)/float64(completed) < 0.25 {
		return budget, false
	}
	tightened := budget - 2
	if tightened < 2 {
		tightened = 2
	}
	return tightened, true
}
