// Package types defines the core records of the decision-memory engine:
// decisions, outcomes, signals, negative knowledge, antipatterns,
// calibration profiles, skills, engrams, session context and docshots.
// All graph nodes carry a Namespace and Lifecycle; relationships are stored
// as typed edges referencing node ids only.
package types

import (
	"fmt"
	"math"
	"time"
)

// Namespace scopes every node and every query to a tenant/team/project.
type Namespace struct {
	TenantID  string `json:"tenant_id"`
	TeamID    string `json:"team_id"`
	ProjectID string `json:"project_id"`
}

// Validate checks that all three namespace keys are present.
func (n Namespace) Validate() error {
	if n.TenantID == "" || n.TeamID == "" || n.ProjectID == "" {
		return fmt.Errorf("%w: namespace requires tenant_id, team_id and project_id", ErrInvalidArgument)
	}
	return nil
}

// MemoryType classifies a memory for TTL purposes.
type MemoryType string

const (
	MemoryEpisodic   MemoryType = "episodic"
	MemorySemantic   MemoryType = "semantic"
	MemoryProcedural MemoryType = "procedural"
)

// Lifecycle holds the memory-lifecycle fields shared by every node.
type Lifecycle struct {
	IsActive         bool       `json:"is_active"`
	TTLDays          int        `json:"ttl_days"`
	LastVerifiedAt   time.Time  `json:"last_verified_at"`
	DeprecatedReason string     `json:"deprecated_reason,omitempty"`
	MemoryType       MemoryType `json:"memory_type,omitempty"`
	MemorySubject    string     `json:"memory_subject,omitempty"`
}

// RiskLevel grades a predicted outcome.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// DecisionStatus advances monotonically; failed never resets to pending.
type DecisionStatus string

const (
	DecisionPending   DecisionStatus = "pending"
	DecisionExecuted  DecisionStatus = "executed"
	DecisionCompleted DecisionStatus = "completed"
	DecisionFailed    DecisionStatus = "failed"
)

// PredictedOutcome is the forecast recorded with a decision.
type PredictedOutcome struct {
	Description     string    `json:"description"`
	SuccessCriteria []string  `json:"success_criteria"`
	RiskLevel       RiskLevel `json:"risk_level"`
}

// Decision is the atomic unit of the memory: a recorded choice with
// alternatives, assumptions, a forecast and a confidence.
type Decision struct {
	ID                      string            `json:"id"`
	Namespace               Namespace         `json:"namespace"`
	Lifecycle               Lifecycle         `json:"lifecycle"`
	Statement               string            `json:"statement"`
	Alternatives            []string          `json:"alternatives"`
	AlternativesWithReasons map[string]string `json:"alternatives_with_reasons,omitempty"`
	Assumptions             []string          `json:"assumptions,omitempty"`
	Predicted               PredictedOutcome  `json:"predicted_outcome"`
	Confidence              float64           `json:"confidence"`
	Domain                  string            `json:"domain"`
	CreatedAt               time.Time         `json:"created_at"`
	CreatedBy               string            `json:"created_by,omitempty"`
	ContextHash             string            `json:"context_hash"`
	Status                  DecisionStatus    `json:"status"`
	LinkedPR                string            `json:"linked_pr,omitempty"`
	LinkedCommit            string            `json:"linked_commit,omitempty"`
}

// Validate enforces the decision invariants before persistence.
func (d *Decision) Validate() error {
	if d.Statement == "" {
		return fmt.Errorf("%w: decision statement is required", ErrInvalidArgument)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("%w: confidence %.3f outside [0,1]", ErrInvalidArgument, d.Confidence)
	}
	if err := d.Namespace.Validate(); err != nil {
		return err
	}
	return nil
}

// decisionRank orders statuses for the monotonic-advance check.
var decisionRank = map[DecisionStatus]int{
	DecisionPending:   0,
	DecisionExecuted:  1,
	DecisionCompleted: 2,
	DecisionFailed:    2,
}

// CanTransition reports whether a decision status change is legal.
// Status only advances; failed -> pending is forbidden.
func (d *Decision) CanTransition(to DecisionStatus) bool {
	if d.Status == DecisionFailed && to == DecisionPending {
		return false
	}
	return decisionRank[to] >= decisionRank[d.Status]
}

// OutcomeStatus is the lifecycle state of an outcome.
type OutcomeStatus string

const (
	OutcomePending   OutcomeStatus = "pending"
	OutcomeSubmitted OutcomeStatus = "submitted"
	OutcomeMerged    OutcomeStatus = "merged"
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeAbandoned OutcomeStatus = "abandoned"
)

// FinalStatus is the terminal grade of a completed outcome.
type FinalStatus string

const (
	FinalSuccess FinalStatus = "success"
	FinalPartial FinalStatus = "partial"
	FinalFailure FinalStatus = "failure"
)

// SignalType enumerates outcome signal kinds.
type SignalType string

const (
	SignalPRCreated      SignalType = "pr_created"
	SignalPRMerged       SignalType = "pr_merged"
	SignalCIPassed       SignalType = "ci_passed"
	SignalCIFailed       SignalType = "ci_failed"
	SignalTestFailed     SignalType = "test_failed"
	SignalBugFound       SignalType = "bug_found"
	SignalIncident       SignalType = "incident"
	SignalPerformanceOK  SignalType = "performance_ok"
	SignalPerformancePoor SignalType = "performance_poor"
	SignalStabilityOK    SignalType = "stability_ok"
	SignalStabilityPoor  SignalType = "stability_poor"
)

// Valence marks a signal positive, negative or neutral.
type Valence string

const (
	ValencePositive Valence = "positive"
	ValenceNegative Valence = "negative"
	ValenceNeutral  Valence = "neutral"
)

// Signal is one event relevant to an outcome. The signal list on an
// outcome is append-only.
type Signal struct {
	Type        SignalType         `json:"signal_type"`
	Valence     Valence            `json:"valence"`
	Timestamp   time.Time          `json:"timestamp"`
	Description string             `json:"description"`
	Severity    string             `json:"severity,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
}

// Outcome tracks the realization of exactly one decision.
type Outcome struct {
	ID             string             `json:"id"`
	Namespace      Namespace          `json:"namespace"`
	DecisionID     string             `json:"decision_id"`
	Status         OutcomeStatus      `json:"status"`
	CreatedAt      time.Time          `json:"created_at"`
	SubmittedAt    *time.Time         `json:"submitted_at,omitempty"`
	MergedAt       *time.Time         `json:"merged_at,omitempty"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
	PRURL          string             `json:"pr_url,omitempty"`
	PRNumber       int                `json:"pr_number,omitempty"`
	CommitSHA      string             `json:"commit_sha,omitempty"`
	Repo           string             `json:"repo,omitempty"`
	Signals        []Signal           `json:"signals"`
	FinalStatus    FinalStatus        `json:"final_status,omitempty"`
	FinalScore     float64            `json:"final_score"`
	LessonsLearned []string           `json:"lessons_learned,omitempty"`
	Metrics        map[string]float64 `json:"metrics,omitempty"`
}

// Finalized reports whether the outcome has reached a terminal grade.
func (o *Outcome) Finalized() bool {
	return o.FinalStatus != ""
}

// NegativeKnowledge records a failure class: a hypothesis that did not
// hold, with the conclusion and a recommendation.
type NegativeKnowledge struct {
	ID             string    `json:"id"`
	Namespace      Namespace `json:"namespace"`
	Lifecycle      Lifecycle `json:"lifecycle"`
	Hypothesis     string    `json:"hypothesis"`
	Conclusion     string    `json:"conclusion"`
	Domain         string    `json:"domain"`
	Severity       string    `json:"severity"`
	Recommendation string    `json:"recommendation"`
	PreventedCount int       `json:"prevented_count"`
	DiscoveredAt   time.Time `json:"discovered_at"`
}

// Validate enforces the required severity and domain.
func (nk *NegativeKnowledge) Validate() error {
	if nk.Domain == "" {
		return fmt.Errorf("%w: negative knowledge requires a domain", ErrInvalidArgument)
	}
	switch nk.Severity {
	case "low", "medium", "high", "critical":
		return nil
	default:
		return fmt.Errorf("%w: invalid severity %q", ErrInvalidArgument, nk.Severity)
	}
}

// AntiPattern is a regex-detectable problematic pattern.
type AntiPattern struct {
	ID            string    `json:"id"`
	Namespace     Namespace `json:"namespace"`
	Lifecycle     Lifecycle `json:"lifecycle"`
	Name          string    `json:"name"`
	Category      string    `json:"category"`
	Domain        string    `json:"domain"`
	Severity      string    `json:"severity"`
	FailureRate   float64   `json:"failure_rate"`
	RegexPattern  string    `json:"regex_pattern"`
	Keywords      []string  `json:"keywords,omitempty"`
	RemovalRate   float64   `json:"removal_rate,omitempty"`
	ReposAffected []string  `json:"repos_affected,omitempty"`
}

// CalibrationProfile holds the per-domain Beta(alpha, beta) distribution.
// Alpha and beta start at 1 (uniform prior) and only ever grow.
type CalibrationProfile struct {
	Domain      string    `json:"domain"`
	Namespace   Namespace `json:"namespace"`
	Alpha       float64   `json:"alpha"`
	Beta        float64   `json:"beta"`
	LastUpdated time.Time `json:"last_updated"`
}

// Mean returns the Beta mean alpha/(alpha+beta).
func (p *CalibrationProfile) Mean() float64 {
	return p.Alpha / (p.Alpha + p.Beta)
}

// SampleSize returns alpha+beta-2, the number of observed outcomes.
func (p *CalibrationProfile) SampleSize() int {
	return int(p.Alpha + p.Beta - 2)
}

// Variance returns the Beta variance.
func (p *CalibrationProfile) Variance() float64 {
	s := p.Alpha + p.Beta
	return (p.Alpha * p.Beta) / (s * s * (s + 1))
}

// CredibleInterval95 returns the 95% credible interval by normal
// approximation. Below 3 samples the interval is the uninformative (0,1).
func (p *CalibrationProfile) CredibleInterval95() (float64, float64) {
	if p.SampleSize() < 3 {
		return 0, 1
	}
	mean := p.Mean()
	sd := math.Sqrt(p.Variance())
	lo := math.Max(0, mean-1.96*sd)
	hi := math.Min(1, mean+1.96*sd)
	return lo, hi
}

// Trend maps the mean to improving / stable / declining.
func (p *CalibrationProfile) Trend() string {
	switch mean := p.Mean(); {
	case mean >= 0.75:
		return "improving"
	case mean >= 0.5:
		return "stable"
	default:
		return "declining"
	}
}

// Skill is versioned procedural knowledge generated from patterns, with
// green/yellow/red zones by pattern success rate.
type Skill struct {
	ID                     string    `json:"id"`
	Namespace              Namespace `json:"namespace"`
	Lifecycle              Lifecycle `json:"lifecycle"`
	Domain                 string    `json:"domain"`
	Version                int       `json:"version"`
	SuccessRate            float64   `json:"success_rate"`
	Confidence             float64   `json:"confidence"`
	SampleSize             int       `json:"sample_size"`
	QualityScore           float64   `json:"quality_score"`
	Procedure              string    `json:"procedure"`
	GreenZone              []string  `json:"green_zone"`
	YellowZone             []string  `json:"yellow_zone"`
	RedZone                []string  `json:"red_zone"`
	GeneratedFromDecisions []string  `json:"generated_from_decisions"`
	ConflictsWith          []string  `json:"conflicts_with,omitempty"`
	CreatedAt              time.Time `json:"created_at"`
}

// SkillID builds the canonical id sk-<domain>-v<N>.
func SkillID(domain string, version int) string {
	return fmt.Sprintf("sk-%s-v%d", domain, version)
}

// QualityScore computes success_rate * (1 - 1/sqrt(n)) clamped to [0,1].
func QualityScore(successRate float64, sampleSize int) float64 {
	if sampleSize <= 0 {
		return 0
	}
	q := successRate * (1 - 1/math.Sqrt(float64(sampleSize)))
	if q < 0 {
		return 0
	}
	if q > 1 {
		return 1
	}
	return q
}

// FileAction classifies a changed file inside an engram.
type FileAction string

const (
	FileCreated  FileAction = "created"
	FileModified FileAction = "modified"
	FileDeleted  FileAction = "deleted"
)

// FileChange is one changed file recorded in an engram.
type FileChange struct {
	Path         string     `json:"path"`
	Action       FileAction `json:"action"`
	LinesAdded   int        `json:"lines_added"`
	LinesRemoved int        `json:"lines_removed"`
	Diff         string     `json:"diff,omitempty"`
}

// TranscriptMessage is one ordered message in an engram transcript.
type TranscriptMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	ToolCalls []string  `json:"tool_calls,omitempty"`
}

// AgentInfo describes the agent that produced a session.
type AgentInfo struct {
	Type       string  `json:"type,omitempty"`
	Model      string  `json:"model,omitempty"`
	DurationMs int64   `json:"duration_ms,omitempty"`
	Tokens     int     `json:"tokens,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
}

// Engram is an atomic session checkpoint.
type Engram struct {
	ID                   string              `json:"id"`
	Namespace            Namespace           `json:"namespace"`
	SessionID            string              `json:"session_id"`
	CommitSHA            string              `json:"commit_sha,omitempty"`
	Branch               string              `json:"branch,omitempty"`
	Timestamp            time.Time           `json:"timestamp"`
	Agent                AgentInfo           `json:"agent"`
	Transcript           []TranscriptMessage `json:"transcript,omitempty"`
	FilesChanged         []FileChange        `json:"files_changed,omitempty"`
	DecisionsExtracted   []string            `json:"decisions_extracted,omitempty"`
	ContextInjected      bool                `json:"context_injected"`
	AntipatternsTriggered []string           `json:"antipatterns_triggered,omitempty"`
	ReasoningTrail       []string            `json:"reasoning_trail,omitempty"`
	ConfidenceTrajectory []float64           `json:"confidence_trajectory,omitempty"`
}

// SessionContext holds short-lived hints for the next decision.
type SessionContext struct {
	SessionID   string    `json:"session_id"`
	Namespace   Namespace `json:"namespace"`
	Task        string    `json:"task,omitempty"`
	Focus       string    `json:"focus,omitempty"`
	CurrentPlan string    `json:"current_plan,omitempty"`
	Constraints []string  `json:"constraints,omitempty"`
	DocShotID   string    `json:"doc_shot_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	IsActive    bool      `json:"is_active"`
}

// Document is one embedded chunk of an ingested file.
type Document struct {
	ID         string    `json:"id"`
	Namespace  Namespace `json:"namespace"`
	FilePath   string    `json:"file_path"`
	Content    string    `json:"content"`
	DocType    string    `json:"doc_type"`
	Embedding  []float32 `json:"embedding,omitempty"`
	ChunkIndex int       `json:"chunk_index"`
	ChunkTotal int       `json:"chunk_total"`
	CreatedAt  time.Time `json:"created_at"`
}

// DocShot is an immutable snapshot over a set of documents, cited by
// decisions via USES_DOCSHOT edges.
type DocShot struct {
	ID          string    `json:"id"`
	Namespace   Namespace `json:"namespace"`
	DocumentIDs []string  `json:"document_ids"`
	CreatedAt   time.Time `json:"created_at"`
}

// SchemaVersion records one applied (or failed) migration.
type SchemaVersion struct {
	Version     string    `json:"version"`
	ExecutedAt  time.Time `json:"executed_at"`
	DurationMs  int64     `json:"duration_ms"`
	Status      string    `json:"status"` // success | failed
	Description string    `json:"description"`
	Error       string    `json:"error,omitempty"`
}

// Edge relation names. Cycles are broken by storing ids only.
const (
	EdgeMadeIn       = "MADE_IN"
	EdgeImplementedIn = "IMPLEMENTED_IN"
	EdgeResultedIn   = "RESULTED_IN"
	EdgeTriggered    = "TRIGGERED"
	EdgeCaused       = "CAUSED"
	EdgePrevented    = "PREVENTED"
	EdgeSimilarTo    = "SIMILAR_TO"
	EdgeUsesDocShot  = "USES_DOCSHOT"
	EdgeIncludes     = "INCLUDES"
	EdgeGeneratedFrom = "GENERATED_FROM"
	EdgeBasedOn      = "BASED_ON"
	EdgeWarnsAgainst = "WARNS_AGAINST"
	EdgeVersionOf    = "VERSION_OF"
)
