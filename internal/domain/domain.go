package domain

// Run statuses. A run is the aggregate root for one evolution cycle;
// rows are never deleted, only status changes.
const (
	RunPlanned    = "planned"
	RunInProgress = "in_progress"
	RunQueuedPR   = "queued_pr"
	RunMerged     = "merged"
	RunRolledBack = "rolled_back"
	RunSkipped    = "skipped"
	RunFailed     = "failed"
)

// Candidate categories (closed set; the decider's quota logic switches on these).
const (
	CategoryCapability   = "capability"
	CategoryAnticipatory = "anticipatory"
	CategoryWildcard     = "wildcard"
	CategoryPersona      = "persona"
)

// Risk levels and their score penalties.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// RiskPenalty maps a risk level to its score penalty (low 0, medium 2, high 5).
func RiskPenalty(level string) float64 {
	switch level {
	case RiskMedium:
		return 2
	case RiskHigh:
		return 5
	default:
		return 0
	}
}

type Run struct {
	ID         string  `json:"id"`
	RunDate    string  `json:"run_date" format:"date"`
	Status     string  `json:"status" enum:"planned,in_progress,queued_pr,merged,rolled_back,skipped,failed"`
	Summary    string  `json:"summary,omitempty"`
	StartedAt  string  `json:"started_at" format:"date-time"`
	FinishedAt *string `json:"finished_at,omitempty" format:"date-time"`
}

type Candidate struct {
	ID              string  `json:"id"`
	RunID           string  `json:"run_id"`
	Category        string  `json:"category" enum:"capability,anticipatory,wildcard,persona"`
	Title           string  `json:"title"`
	Description     string  `json:"description,omitempty"`
	RiskLevel       string  `json:"risk_level" enum:"low,medium,high"`
	ImpactScore     float64 `json:"impact_score"`
	EffortScore     float64 `json:"effort_score"`
	NoveltyScore    float64 `json:"novelty_score"`
	Priority        float64 `json:"priority"`
	Selected        bool    `json:"selected"`
	RejectionReason *string `json:"rejection_reason,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

type Action struct {
	ID               string  `json:"id"`
	RunID            string  `json:"run_id"`
	CandidateID      *string `json:"candidate_id,omitempty"`
	BranchName       string  `json:"branch_name,omitempty"`
	PRNumber         *int    `json:"pr_number,omitempty"`
	IssueNumber      *int    `json:"issue_number,omitempty"`
	CommitSHA        *string `json:"commit_sha,omitempty"`
	FeatureFlagKey   *string `json:"feature_flag_key,omitempty"`
	CanaryPercentage *int    `json:"canary_percentage,omitempty"`
	TestsPassed      *bool   `json:"tests_passed,omitempty"`
	Status           string  `json:"status" enum:"pending,executed,failed"`
	ChecksJSON       *string `json:"checks_json,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

// Metric is a named numeric observation for a run, write-once per (run_id, key).
type Metric struct {
	RunID       string  `json:"run_id"`
	Key         string  `json:"key"`
	Value       float64 `json:"value"`
	DetailsJSON *string `json:"details_json,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

// SanityCheck is the aggregate safety verdict for a run. At least one row with
// passed=true must exist before any action is finalized as queued_pr.
type SanityCheck struct {
	ID        string `json:"id"`
	RunID     string `json:"run_id"`
	RulesJSON string `json:"rules_json"`
	Passed    bool   `json:"passed"`
	Details   string `json:"details,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Approval struct {
	ID        string `json:"id"`
	RunID     string `json:"run_id"`
	Required  bool   `json:"required"`
	Approver  string `json:"approver,omitempty"`
	Decision  string `json:"decision,omitempty" enum:"approved,rejected"`
	Notes     string `json:"notes,omitempty"`
	DecidedAt string `json:"decided_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Feelings is the normalized affective state from the metric source, each 0..1.
type Feelings struct {
	Confusion    float64 `json:"confusion"`
	Concern      float64 `json:"concern"`
	Fatigue      float64 `json:"fatigue"`
	Satisfaction float64 `json:"satisfaction"`
}

// Observation is one snapshot of the external metric/feeling source.
type Observation struct {
	MessageVolume    int      `json:"message_volume"`
	UserCount        int      `json:"user_count"`
	ErrorCount       int      `json:"error_count"`
	AverageSentiment float64  `json:"average_sentiment"`
	Feelings         Feelings `json:"feelings"`
	TopTopics        []string `json:"top_topics,omitempty"`
}

// ExpectedImpact is a proposal's impact estimate, each axis 0..10.
type ExpectedImpact struct {
	UserExperience    float64 `json:"user_experience"`
	SystemPerformance float64 `json:"system_performance"`
	Maintainability   float64 `json:"maintainability"`
}

// Proposal is an in-memory improvement idea produced by the orienter,
// persisted as a Candidate once the run owns it.
type Proposal struct {
	Category       string         `json:"category" enum:"capability,anticipatory,wildcard,persona"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	RiskLevel      string         `json:"risk_level" enum:"low,medium,high"`
	ExpectedImpact ExpectedImpact `json:"expected_impact"`
	EffortScore    float64        `json:"effort_score"`
	NoveltyScore   float64        `json:"novelty_score"`
	Score          float64        `json:"score"`
}

// EvolutionRunResult is the stable contract returned to every trigger surface.
type EvolutionRunResult struct {
	RunDate            string  `json:"run_date" format:"date"`
	Status             string  `json:"status"`
	ObservationSummary string  `json:"observation_summary"`
	ProposalsGenerated int     `json:"proposals_generated"`
	ProposalsSelected  int     `json:"proposals_selected"`
	ProposalsDeferred  int     `json:"proposals_deferred"`
	ProposalsRejected  int     `json:"proposals_rejected"`
	SanityChecksPassed bool    `json:"sanity_checks_passed"`
	BranchCreated      bool    `json:"branch_created"`
	PRCreated          bool    `json:"pr_created"`
	PRURL              *string `json:"pr_url,omitempty"`
	DeferralReason     *string `json:"deferral_reason,omitempty"`
}
