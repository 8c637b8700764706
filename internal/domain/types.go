// Package domain defines the persistent entities of the Edison workbench:
// experiments, rubrics, prompt versions, datasets, iterations, model runs,
// outputs, judgments, suggestions, reviews, and cost records.
package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// DatasetKind classifies the provenance of a dataset.
type DatasetKind string

const (
	DatasetGolden      DatasetKind = "golden"
	DatasetSynthetic   DatasetKind = "synthetic"
	DatasetAdversarial DatasetKind = "adversarial"
)

// JudgeMode selects pointwise or pairwise judging.
type JudgeMode string

const (
	JudgePointwise JudgeMode = "pointwise"
	JudgePairwise  JudgeMode = "pairwise"
)

// IterationStatus is the orchestrator state machine status of an iteration.
type IterationStatus string

const (
	IterationPending     IterationStatus = "PENDING"
	IterationExecuting   IterationStatus = "EXECUTING"
	IterationJudging     IterationStatus = "JUDGING"
	IterationAggregating IterationStatus = "AGGREGATING"
	IterationRefining    IterationStatus = "REFINING"
	IterationReviewing   IterationStatus = "REVIEWING"
	IterationPaused      IterationStatus = "PAUSED"
	IterationCompleted   IterationStatus = "COMPLETED"
	IterationFailed      IterationStatus = "FAILED"
	IterationCancelled   IterationStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s IterationStatus) Terminal() bool {
	switch s {
	case IterationCompleted, IterationFailed, IterationCancelled:
		return true
	}
	return false
}

// RunStatus is the lifecycle status of a ModelRun.
type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

// SuggestionStatus is the lifecycle status of a refiner Suggestion.
type SuggestionStatus string

const (
	SuggestionPending  SuggestionStatus = "PENDING"
	SuggestionApplied  SuggestionStatus = "APPLIED"
	SuggestionRejected SuggestionStatus = "REJECTED"
	SuggestionInvalid  SuggestionStatus = "INVALID"
)

// ReviewDecision is a human reviewer's verdict on a suggestion.
type ReviewDecision string

const (
	ReviewApprove ReviewDecision = "APPROVE"
	ReviewReject  ReviewDecision = "REJECT"
	ReviewEdit    ReviewDecision = "EDIT"
)

// JudgmentStatus marks whether a judgment parsed cleanly.
type JudgmentStatus string

const (
	JudgmentOK      JudgmentStatus = "OK"
	JudgmentInvalid JudgmentStatus = "INVALID"
)

// Experiment is the top-level unit of work consumed by the orchestrator.
type Experiment struct {
	ID        string
	ProjectID string
	Objective string
	DatasetID string
	Rubric    Rubric
	StopRules StopRules
	Safety    SafetyConfig
	CreatedAt time.Time
}

// PromptVersion is an immutable snapshot of a prompt. Versions form a
// parent-linked DAG; version numbers strictly increase along any descent.
type PromptVersion struct {
	ID             string
	ExperimentID   string
	Version        int
	ParentID       string // empty for the seed version
	Body           string
	SystemPreamble string
	FewShot        []FewShotExample
	ToolSchema     json.RawMessage
	Changelog      string
	CreatedBy      string // reviewer name or "refiner"
	IsProduction   bool
	CreatedAt      time.Time
}

// FewShotExample is one in-context example attached to a prompt version.
type FewShotExample struct {
	Input  string `json:"input" yaml:"input"`
	Output string `json:"output" yaml:"output"`
}

// Case is one test case: template variable bindings plus optional expectation.
type Case struct {
	ID         string
	DatasetID  string
	Input      map[string]string
	Expected   string
	Tags       []string
	Difficulty int // 1..5
}

// Dataset is an ordered set of cases.
type Dataset struct {
	ID        string
	ProjectID string
	Kind      DatasetKind
	Cases     []Case
}

// ModelParams carries the sampling parameters for a candidate model.
type ModelParams struct {
	Temperature      float64  `json:"temperature" yaml:"temperature"`
	MaxTokens        int      `json:"max_tokens" yaml:"max_tokens"`
	TopP             float64  `json:"top_p" yaml:"top_p"`
	FrequencyPenalty float64  `json:"frequency_penalty" yaml:"frequency_penalty"`
	PresencePenalty  float64  `json:"presence_penalty" yaml:"presence_penalty"`
	Stop             []string `json:"stop" yaml:"stop"`
	Seed             *int64   `json:"seed,omitempty" yaml:"seed,omitempty"`
}

// ModelConfig names one candidate (provider, model, params) under test.
type ModelConfig struct {
	ID           string
	ExperimentID string
	Provider     string
	Model        string
	Params       ModelParams
	Active       bool
	CreatedAt    time.Time
}

// JudgeConfig names one judge model. Judges run with fixed temperature and
// seed for reproducibility regardless of the candidate params.
type JudgeConfig struct {
	ID           string
	ExperimentID string
	Mode         JudgeMode
	Provider     string
	Model        string
	Active       bool
}

// Iteration is one complete pass of execute, judge, aggregate, refine, review.
type Iteration struct {
	ID              string
	ExperimentID    string
	Number          int
	PromptVersionID string
	Status          IterationStatus
	ScheduledAt     time.Time
	StartedAt       time.Time
	FinishedAt      time.Time
	Metrics         json.RawMessage // final metrics blob, set at aggregation
	FailureReason   string
}

// ModelRun is the execution of one model config over the dataset within an
// iteration. One exists per (iteration, active model config).
type ModelRun struct {
	ID               string
	IterationID      string
	ModelConfigID    string
	DatasetID        string
	Status           RunStatus
	PromptTokens     int
	CompletionTokens int
	CostUSD          decimal.Decimal
	StartedAt        time.Time
	FinishedAt       time.Time
	FailureReason    string
}

// Output is one model response to one case.
type Output struct {
	ID               string
	ModelRunID       string
	CaseID           string
	RenderedPrompt   string
	Text             string
	PromptTokens     int
	CompletionTokens int
	LatencyMS        int64
	FinishReason     string
	Skipped          bool
	SkipReason       string
	SafetyFlags      *SafetyFlags
	CreatedAt        time.Time
}

// Judgment is one judge verdict: either pointwise (OutputID set) or pairwise
// (PairKey plus OutputA/OutputB set). The shape must match the judge's mode.
type Judgment struct {
	ID            string
	JudgeConfigID string
	Mode          JudgeMode
	Status        JudgmentStatus

	// Pointwise
	OutputID   string
	Scores     map[string]int
	Rationales map[string]string

	// Pairwise
	PairKey string // canonical "<minOutputID>:<maxOutputID>"
	OutputA string
	OutputB string
	Winner  string // "A", "B", or "tie"
	ScoresA map[string]int
	ScoresB map[string]int
	Reasons []string

	SafetyFlags *SafetyFlags
	CreatedAt   time.Time
}

// Suggestion is a refiner-produced unified diff awaiting human decision.
type Suggestion struct {
	ID                    string
	IterationID           string
	ParentPromptVersionID string
	Diff                  string
	Note                  string
	Status                SuggestionStatus
	ExemplarOutputIDs     []string
	CreatedAt             time.Time
}

// Review is a human decision on a suggestion.
type Review struct {
	ID           string
	SuggestionID string
	Reviewer     string
	Decision     ReviewDecision
	EditedDiff   string
	Notes        string
	CreatedAt    time.Time
}

// CostRecord is one append-only spend entry. Budget checks sum these over a
// configured window.
type CostRecord struct {
	ID               string
	ProjectID        string
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	AmountUSD        decimal.Decimal
	RecordedAt       time.Time
}

// SafetyFlags is the per-output / per-judgment safety flag map.
type SafetyFlags struct {
	PolicyViolation  bool `json:"policyViolation"`
	PIIDetected      bool `json:"piiDetected"`
	ToxicContent     bool `json:"toxicContent"`
	JailbreakAttempt bool `json:"jailbreakAttempt"`
}

// Any reports whether at least one flag is raised.
func (f *SafetyFlags) Any() bool {
	if f == nil {
		return false
	}
	return f.PolicyViolation || f.PIIDetected || f.ToxicContent || f.JailbreakAttempt
}

// SafetyConfig controls the safety scanner for an experiment.
type SafetyConfig struct {
	Enabled           bool     `yaml:"enabled"`
	BlockViolations   bool     `yaml:"block_violations"`
	JailbreakPatterns []string `yaml:"jailbreak_patterns"`
	ModerationKey     string   `yaml:"-"` // optional provider moderation key
}

// PairKey returns the canonical unordered pair key for two output ids.
func PairKey(a, b string) string {
	if a < b {
		return a + ":" + b
	}
	return b + ":" + a
}
