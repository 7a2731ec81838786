package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"evoline/internal/domain"
	"evoline/internal/events"
)

// ActorResult is the execution phase outcome folded into the run result.
type ActorResult struct {
	SanityPassed   bool
	BranchCreated  bool
	PRCreated      bool
	PRURL          *string
	PRNumber       *int
	DeferralReason *string
}

// sanityRule is one entry of the persisted sanity battery.
type sanityRule struct {
	Rule        string `json:"rule"`
	CandidateID string `json:"candidate_id,omitempty"`
	Passed      bool   `json:"passed"`
	Detail      string `json:"detail,omitempty"`
}

// DefaultTestRunner accepts every change document. Deployments wire a real
// runner that executes the project's test suite against the generated change.
func DefaultTestRunner(context.Context, domain.Candidate, string) (bool, error) {
	return true, nil
}

// act runs the sanity battery and, when it passes, executes the selected
// candidates: one run branch, one commit per candidate, one aggregate pull
// request. Dry runs and sanity failures stop before any remote mutation and
// put the run back to planned so it stays retry-eligible.
func (e Engine) act(ctx context.Context, run domain.Run, selected []domain.Candidate, dryRun bool) (ActorResult, string, error) {
	rules, passed := e.sanityBattery(ctx, run, selected)
	if err := e.persistSanity(ctx, run, rules, passed); err != nil {
		return ActorResult{}, "", err
	}
	result := ActorResult{SanityPassed: passed}

	if !passed {
		reason := firstFailure(rules)
		result.DeferralReason = &reason
		return result, domain.RunPlanned, nil
	}
	if len(selected) == 0 {
		reason := "no candidates selected"
		result.DeferralReason = &reason
		return result, domain.RunPlanned, nil
	}
	if dryRun {
		return result, domain.RunPlanned, nil
	}

	branch := e.branchName(run.RunDate)
	created, err := e.Remote.EnsureBranch(ctx, branch, e.Config.Act.Remote.BaseBranch)
	if err != nil {
		return result, "", fmt.Errorf("ensure branch %s: %w", branch, err)
	}
	result.BranchCreated = created
	if err := e.appendEvent(ctx, run, "act.branch_ready", events.EventPayload{
		"branch":  branch,
		"created": created,
	}); err != nil {
		return result, "", err
	}

	actions := make([]domain.Action, 0, len(selected))
	for _, c := range selected {
		action, err := e.executeCandidate(ctx, run, c, branch)
		if err != nil {
			return result, "", err
		}
		actions = append(actions, action)
	}

	number, prURL, err := e.openRunPR(ctx, run, branch, selected, actions)
	if err != nil {
		return result, "", err
	}
	result.PRCreated = true
	result.PRURL = &prURL
	result.PRNumber = &number
	return result, domain.RunQueuedPR, nil
}

// sanityBattery evaluates run-level and per-candidate safety rules. Every
// rule's verdict is recorded, pass or fail.
func (e Engine) sanityBattery(ctx context.Context, run domain.Run, selected []domain.Candidate) ([]sanityRule, bool) {
	var rules []sanityRule
	add := func(r sanityRule) {
		rules = append(rules, r)
	}

	branch := e.branchName(run.RunDate)
	protected := false
	for _, p := range e.Config.Act.ProtectedBranches {
		if p == branch {
			protected = true
			break
		}
	}
	add(sanityRule{
		Rule:   "protected_branch",
		Passed: !protected,
		Detail: fmt.Sprintf("target branch %s", branch),
	})

	if e.Config.Engine.ApprovalRequired {
		rule := sanityRule{Rule: "approval_gate"}
		approval, err := e.Repo.LatestApproval(ctx, run.ID)
		switch {
		case err != nil:
			rule.Detail = "approval pending"
		case approval.Decision == "approved":
			rule.Passed = true
			rule.Detail = "approved by " + approval.Approver
		case approval.Decision == "rejected":
			rule.Detail = "approval rejected by " + approval.Approver
		default:
			rule.Detail = "approval pending"
		}
		add(rule)
	}

	for _, c := range selected {
		add(sanityRule{
			Rule:        "required_fields",
			CandidateID: c.ID,
			Passed:      c.Title != "" && c.Description != "",
		})
		destructive := containsDestructive(c.Title + " " + c.Description)
		add(sanityRule{
			Rule:        "no_destructive_statements",
			CandidateID: c.ID,
			Passed:      !destructive,
		})
		knownRisk := c.RiskLevel == domain.RiskLow || c.RiskLevel == domain.RiskMedium || c.RiskLevel == domain.RiskHigh
		add(sanityRule{
			Rule:        "known_risk_level",
			CandidateID: c.ID,
			Passed:      knownRisk,
			Detail:      c.RiskLevel,
		})
	}

	passed := true
	for _, r := range rules {
		if !r.Passed {
			passed = false
			break
		}
	}
	return rules, passed
}

var destructivePatterns = []string{"drop table", "truncate ", "delete from", "rm -rf"}

func containsDestructive(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range destructivePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func firstFailure(rules []sanityRule) string {
	for _, r := range rules {
		if !r.Passed {
			if r.Detail != "" {
				return fmt.Sprintf("sanity check %s failed: %s", r.Rule, r.Detail)
			}
			return fmt.Sprintf("sanity check %s failed", r.Rule)
		}
	}
	return "sanity check failed"
}

func (e Engine) persistSanity(ctx context.Context, run domain.Run, rules []sanityRule, passed bool) error {
	data, err := json.Marshal(rules)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	check := domain.SanityCheck{
		ID:        uuid.New().String(),
		RunID:     run.ID,
		RulesJSON: string(data),
		Passed:    passed,
		CreatedAt: e.nowStr(),
	}
	if !passed {
		check.Details = firstFailure(rules)
	}
	if err := e.Repo.InsertSanityCheck(ctx, tx, check); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "act.sanity_checked", run.ID, "sanity_check", check.ID, engineActor, events.EventPayload{
		"passed": passed,
		"rules":  len(rules),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// executeCandidate commits one candidate's change document onto the run
// branch. The action row is inserted pending first, so a crash between commit
// and update leaves an inspectable pending action instead of silence.
func (e Engine) executeCandidate(ctx context.Context, run domain.Run, c domain.Candidate, branch string) (domain.Action, error) {
	now := e.nowStr()
	action := domain.Action{
		ID:          uuid.New().String(),
		RunID:       run.ID,
		CandidateID: &c.ID,
		BranchName:  branch,
		Status:      "pending",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return action, err
	}
	if err := e.Repo.InsertAction(ctx, tx, action); err != nil {
		tx.Rollback()
		return action, err
	}
	if err := tx.Commit(); err != nil {
		return action, err
	}

	content := changeDocument(run, c)
	path := fmt.Sprintf("%s/%s-%s.md", e.Config.Act.ChangeDir, run.RunDate, slugify(c.Title))
	message := fmt.Sprintf("evolution(%s): %s", c.Category, c.Title)
	sha, err := e.Remote.CommitFile(ctx, branch, path, content, message)
	if err != nil {
		e.markActionFailed(ctx, action, err)
		return action, fmt.Errorf("commit candidate %s: %w", c.Title, err)
	}
	testsPassed, err := e.Tests(ctx, c, content)
	if err != nil {
		e.markActionFailed(ctx, action, err)
		return action, fmt.Errorf("test candidate %s: %w", c.Title, err)
	}

	tx, err = e.DB.BeginTx(ctx, nil)
	if err != nil {
		return action, err
	}
	defer tx.Rollback()
	action.Status = "executed"
	action.CommitSHA = &sha
	action.TestsPassed = &testsPassed
	action.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateAction(ctx, tx, action); err != nil {
		return action, err
	}
	if err := e.Events.Append(ctx, tx, "act.committed", run.ID, "action", action.ID, engineActor, events.EventPayload{
		"candidate_id": c.ID,
		"commit_sha":   sha,
		"tests_passed": testsPassed,
	}); err != nil {
		return action, err
	}
	if err := tx.Commit(); err != nil {
		return action, err
	}
	return action, nil
}

func (e Engine) markActionFailed(ctx context.Context, action domain.Action, cause error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	action.Status = "failed"
	detail := cause.Error()
	checks, _ := json.Marshal(map[string]string{"error": detail})
	checksStr := string(checks)
	action.ChecksJSON = &checksStr
	action.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateAction(ctx, tx, action); err != nil {
		return
	}
	_ = e.Events.Append(ctx, tx, "act.failed", action.RunID, "action", action.ID, engineActor, events.EventPayload{
		"error": detail,
	})
	_ = tx.Commit()
}

// openRunPR opens the single aggregate pull request for a run. The passed
// sanity row is re-verified inside the same transaction that records the PR,
// so queued_pr can never exist without it.
func (e Engine) openRunPR(ctx context.Context, run domain.Run, branch string, selected []domain.Candidate, actions []domain.Action) (int, string, error) {
	title := fmt.Sprintf("Evolution run %s", run.RunDate)
	body := prBody(run, selected, actions)
	number, prURL, err := e.Remote.OpenPullRequest(ctx, branch, e.Config.Act.Remote.BaseBranch, title, body)
	if err != nil {
		return 0, "", fmt.Errorf("open pull request: %w", err)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, "", err
	}
	defer tx.Rollback()
	ok, err := e.Repo.HasPassedSanity(ctx, tx, run.ID)
	if err != nil {
		return 0, "", err
	}
	if !ok {
		return 0, "", fmt.Errorf("no passed sanity check recorded for run %s", run.ID)
	}
	now := e.nowStr()
	for i := range actions {
		actions[i].PRNumber = &number
		actions[i].UpdatedAt = now
		if err := e.Repo.UpdateAction(ctx, tx, actions[i]); err != nil {
			return 0, "", err
		}
	}
	if err := e.Events.Append(ctx, tx, "act.pr_opened", run.ID, "run", run.ID, engineActor, events.EventPayload{
		"pr_number": number,
		"pr_url":    prURL,
		"branch":    branch,
	}); err != nil {
		return 0, "", err
	}
	if err := tx.Commit(); err != nil {
		return 0, "", err
	}
	return number, prURL, nil
}

func (e Engine) appendEvent(ctx context.Context, run domain.Run, evtType string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, run.ID, "run", run.ID, engineActor, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) branchName(runDate string) string {
	return e.Config.Act.BranchPrefix + "/" + runDate
}

func changeDocument(run domain.Run, c domain.Candidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", c.Title)
	fmt.Fprintf(&b, "- Run date: %s\n", run.RunDate)
	fmt.Fprintf(&b, "- Category: %s\n", c.Category)
	fmt.Fprintf(&b, "- Risk level: %s\n", c.RiskLevel)
	fmt.Fprintf(&b, "- Score: %.2f (impact %.2f, effort %.1f, novelty %.1f)\n\n", c.Priority, c.ImpactScore, c.EffortScore, c.NoveltyScore)
	fmt.Fprintf(&b, "%s\n", c.Description)
	return b.String()
}

func prBody(run domain.Run, selected []domain.Candidate, actions []domain.Action) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automated evolution run for %s.\n\n", run.RunDate)
	fmt.Fprintf(&b, "Selected changes:\n\n")
	shaByCandidate := map[string]string{}
	testsByCandidate := map[string]bool{}
	for _, a := range actions {
		if a.CandidateID == nil {
			continue
		}
		if a.CommitSHA != nil {
			shaByCandidate[*a.CandidateID] = *a.CommitSHA
		}
		if a.TestsPassed != nil {
			testsByCandidate[*a.CandidateID] = *a.TestsPassed
		}
	}
	for _, c := range selected {
		line := fmt.Sprintf("- **%s** (%s, risk %s, score %.1f)", c.Title, c.Category, c.RiskLevel, c.Priority)
		if sha, ok := shaByCandidate[c.ID]; ok && len(sha) >= 8 {
			line += " `" + sha[:8] + "`"
		}
		if passed, ok := testsByCandidate[c.ID]; ok && !passed {
			line += " (tests failed)"
		}
		b.WriteString(line + "\n")
	}
	b.WriteString("\nEach change document describes one improvement; review and merge, or close to roll back.\n")
	return b.String()
}

func slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
