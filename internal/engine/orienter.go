package engine

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"evoline/internal/config"
	"evoline/internal/domain"
	"evoline/internal/engine/riskmatrix"
)

// Thresholds gates the orienter's generators. Values come from config; the
// defaults match the shipped evoline.yml template.
type Thresholds struct {
	ErrorCount    int
	Confusion     float64
	Concern       float64
	Fatigue       float64
	MessageVolume int
	UserCount     int
}

func OrientThresholds(cfg *config.Config) Thresholds {
	return Thresholds{
		ErrorCount:    cfg.Orient.ErrorCountThreshold,
		Confusion:     cfg.Orient.ConfusionThreshold,
		Concern:       cfg.Orient.ConcernThreshold,
		Fatigue:       cfg.Orient.FatigueThreshold,
		MessageVolume: cfg.Orient.MessageVolumeThreshold,
		UserCount:     cfg.Orient.UserCountThreshold,
	}
}

// Orient turns an observation into scored proposals, sorted by score
// descending. The sort is stable so equal scores keep generation order, which
// keeps runs reproducible for a fixed observation and RNG seed.
func Orient(obs domain.Observation, th Thresholds, matrix riskmatrix.Matrix, rng *rand.Rand) []domain.Proposal {
	var proposals []domain.Proposal
	proposals = append(proposals, capabilityProposals(obs, th)...)
	proposals = append(proposals, anticipatoryProposals(obs, th)...)
	proposals = append(proposals, wildcardProposal(rng))
	proposals = append(proposals, personaProposals(obs, th)...)

	for i := range proposals {
		p := &proposals[i]
		p.RiskLevel = matrix.RiskFor(p.Category, p.RiskLevel)
		p.Score = Score(*p)
	}
	sort.SliceStable(proposals, func(i, j int) bool {
		return proposals[i].Score > proposals[j].Score
	})
	return proposals
}

// Score computes the composite proposal score:
// 0.4*userExperience + 0.3*systemPerformance + 0.3*maintainability
// + category bonus - risk penalty.
func Score(p domain.Proposal) float64 {
	impact := 0.4*p.ExpectedImpact.UserExperience +
		0.3*p.ExpectedImpact.SystemPerformance +
		0.3*p.ExpectedImpact.Maintainability
	return impact + categoryBonus(p.Category) - domain.RiskPenalty(p.RiskLevel)
}

func categoryBonus(category string) float64 {
	switch category {
	case domain.CategoryCapability:
		return 2
	case domain.CategoryAnticipatory:
		return 1
	default:
		return 0.5
	}
}

// capabilityProposals reacts to observed pain: errors, confusion, concern.
func capabilityProposals(obs domain.Observation, th Thresholds) []domain.Proposal {
	var out []domain.Proposal
	if obs.ErrorCount > th.ErrorCount {
		out = append(out, domain.Proposal{
			Category:    domain.CategoryCapability,
			Title:       "Harden error handling in command dispatch",
			Description: fmt.Sprintf("%d errors observed in the last window; add recovery and clearer failure messages around the hottest command paths.", obs.ErrorCount),
			RiskLevel:   domain.RiskMedium,
			ExpectedImpact: domain.ExpectedImpact{
				UserExperience:    7,
				SystemPerformance: 5,
				Maintainability:   6,
			},
			EffortScore:  5,
			NoveltyScore: 3,
		})
	}
	if obs.Feelings.Confusion > th.Confusion {
		out = append(out, domain.Proposal{
			Category:    domain.CategoryCapability,
			Title:       "Clarify help output and command discovery",
			Description: fmt.Sprintf("Confusion signal at %.2f; rewrite help text with examples and add did-you-mean suggestions for unknown commands.", obs.Feelings.Confusion),
			RiskLevel:   domain.RiskLow,
			ExpectedImpact: domain.ExpectedImpact{
				UserExperience:    8,
				SystemPerformance: 2,
				Maintainability:   4,
			},
			EffortScore:  3,
			NoveltyScore: 2,
		})
	}
	if obs.Feelings.Concern > th.Concern {
		out = append(out, domain.Proposal{
			Category:    domain.CategoryCapability,
			Title:       "Add self-diagnostic status report",
			Description: fmt.Sprintf("Concern signal at %.2f; expose an internal health summary so degradation is visible before users report it.", obs.Feelings.Concern),
			RiskLevel:   domain.RiskMedium,
			ExpectedImpact: domain.ExpectedImpact{
				UserExperience:    5,
				SystemPerformance: 6,
				Maintainability:   7,
			},
			EffortScore:  6,
			NoveltyScore: 4,
		})
	}
	return out
}

// anticipatoryProposals scales ahead of observed growth.
func anticipatoryProposals(obs domain.Observation, th Thresholds) []domain.Proposal {
	var out []domain.Proposal
	if obs.MessageVolume > th.MessageVolume {
		out = append(out, domain.Proposal{
			Category:    domain.CategoryAnticipatory,
			Title:       "Introduce response caching for hot queries",
			Description: fmt.Sprintf("Message volume at %d exceeds the comfort threshold; cache repeated lookups before latency becomes user-visible.", obs.MessageVolume),
			RiskLevel:   domain.RiskMedium,
			ExpectedImpact: domain.ExpectedImpact{
				UserExperience:    6,
				SystemPerformance: 8,
				Maintainability:   4,
			},
			EffortScore:  6,
			NoveltyScore: 4,
		})
	}
	if obs.UserCount > th.UserCount {
		out = append(out, domain.Proposal{
			Category:    domain.CategoryAnticipatory,
			Title:       "Add per-user preference storage",
			Description: fmt.Sprintf("%d distinct users active; persist per-user settings so behavior can be tailored as the audience grows.", obs.UserCount),
			RiskLevel:   domain.RiskLow,
			ExpectedImpact: domain.ExpectedImpact{
				UserExperience:    7,
				SystemPerformance: 3,
				Maintainability:   5,
			},
			EffortScore:  5,
			NoveltyScore: 5,
		})
	}
	return out
}

// wildcardCatalog is the fixed pool of safe experimental ideas. Every run
// draws exactly one so there is always something exploratory on the table.
var wildcardCatalog = []domain.Proposal{
	{
		Title:       "Add a seasonal greeting variant",
		Description: "Rotate one greeting line by calendar season; purely cosmetic.",
		ExpectedImpact: domain.ExpectedImpact{
			UserExperience: 4, SystemPerformance: 1, Maintainability: 2,
		},
		EffortScore: 1, NoveltyScore: 7,
	},
	{
		Title:       "Add short aliases for the three most-used commands",
		Description: "Offer two-letter aliases; no behavior changes behind them.",
		ExpectedImpact: domain.ExpectedImpact{
			UserExperience: 5, SystemPerformance: 1, Maintainability: 3,
		},
		EffortScore: 2, NoveltyScore: 6,
	},
	{
		Title:       "Surface a fun fact in the daily status line",
		Description: "Append one rotating fact from a static list to the status output.",
		ExpectedImpact: domain.ExpectedImpact{
			UserExperience: 4, SystemPerformance: 1, Maintainability: 1,
		},
		EffortScore: 1, NoveltyScore: 8,
	},
	{
		Title:       "Refresh the onboarding walkthrough wording",
		Description: "Rewrite the first-run walkthrough in a friendlier voice.",
		ExpectedImpact: domain.ExpectedImpact{
			UserExperience: 5, SystemPerformance: 1, Maintainability: 2,
		},
		EffortScore: 2, NoveltyScore: 5,
	},
	{
		Title:       "Add an easter-egg command",
		Description: "Hidden command that replies with the project's origin story.",
		ExpectedImpact: domain.ExpectedImpact{
			UserExperience: 3, SystemPerformance: 1, Maintainability: 1,
		},
		EffortScore: 1, NoveltyScore: 9,
	},
	{
		Title:       "Tidy the contributor docs index",
		Description: "Regroup the docs index by task instead of by file name.",
		ExpectedImpact: domain.ExpectedImpact{
			UserExperience: 2, SystemPerformance: 1, Maintainability: 6,
		},
		EffortScore: 2, NoveltyScore: 4,
	},
}

func wildcardProposal(rng *rand.Rand) domain.Proposal {
	p := wildcardCatalog[rng.Intn(len(wildcardCatalog))]
	p.Category = domain.CategoryWildcard
	p.RiskLevel = domain.RiskLow
	return p
}

// personaProposals adjusts voice and pacing when the affective state shows
// sustained fatigue.
func personaProposals(obs domain.Observation, th Thresholds) []domain.Proposal {
	if obs.Feelings.Fatigue <= th.Fatigue {
		return nil
	}
	topics := "recent conversations"
	if len(obs.TopTopics) > 0 {
		topics = strings.Join(obs.TopTopics, ", ")
	}
	return []domain.Proposal{{
		Category:    domain.CategoryPersona,
		Title:       "Soften tone during high-fatigue periods",
		Description: fmt.Sprintf("Fatigue signal at %.2f; shorten replies and reduce proactive prompts around %s until the signal recovers.", obs.Feelings.Fatigue, topics),
		RiskLevel:   domain.RiskLow,
		ExpectedImpact: domain.ExpectedImpact{
			UserExperience:    6,
			SystemPerformance: 1,
			Maintainability:   2,
		},
		EffortScore:  2,
		NoveltyScore: 5,
	}}
}
