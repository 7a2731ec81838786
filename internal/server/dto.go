package server

import (
	"evoline/internal/domain"
	"evoline/internal/engine"
)

type RunResponse struct {
	ID         string  `json:"id"`
	RunDate    string  `json:"run_date" format:"date"`
	Status     string  `json:"status" enum:"planned,in_progress,queued_pr,merged,rolled_back,skipped,failed"`
	Summary    string  `json:"summary,omitempty"`
	StartedAt  string  `json:"started_at" format:"date-time"`
	FinishedAt *string `json:"finished_at,omitempty" format:"date-time"`
}

func runResponse(r domain.Run) RunResponse {
	return RunResponse{
		ID:         r.ID,
		RunDate:    r.RunDate,
		Status:     r.Status,
		Summary:    r.Summary,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}

func mapRuns(items []domain.Run) []RunResponse {
	out := make([]RunResponse, 0, len(items))
	for _, r := range items {
		out = append(out, runResponse(r))
	}
	return out
}

type TriggerRunRequest struct {
	DryRun bool `json:"dry_run,omitempty"`
}

type RunDetailResponse struct {
	Run          RunResponse          `json:"run"`
	Candidates   []domain.Candidate   `json:"candidates"`
	Actions      []domain.Action      `json:"actions"`
	Metrics      []domain.Metric      `json:"metrics"`
	SanityChecks []domain.SanityCheck `json:"sanity_checks"`
	Approvals    []domain.Approval    `json:"approvals"`
}

func runDetailResponse(d engine.RunDetail) RunDetailResponse {
	return RunDetailResponse{
		Run:          runResponse(d.Run),
		Candidates:   d.Candidates,
		Actions:      d.Actions,
		Metrics:      d.Metrics,
		SanityChecks: d.SanityChecks,
		Approvals:    d.Approvals,
	}
}

type ApprovalRequest struct {
	Decision string `json:"decision" enum:"approved,rejected"`
	Notes    string `json:"notes,omitempty"`
}

type FeedbackRequest struct {
	Status string `json:"status" enum:"merged,rolled_back"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, EventResponse{
			ID:         e.ID,
			TS:         e.TS,
			Type:       e.Type,
			RunID:      e.RunID,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			ActorID:    e.ActorID,
			Payload:    e.Payload,
		})
	}
	return out
}
