// Package task defines the task domain model shared by the store, dispatcher,
// scheduler, and retry manager: the discriminated task kind, lifecycle status,
// retry policy, schedule, and audit row types.
package task

import (
	"encoding/json"
	"time"
)

// Kind is the discriminated task type. The set is closed; the dispatcher maps
// each kind to exactly one executor.
type Kind string

const (
	KindShell            Kind = "shell"
	KindLLM              Kind = "llm"
	KindPlanner          Kind = "planner"
	KindCode             Kind = "code"
	KindReview           Kind = "review"
	KindRunCode          Kind = "run_code"
	KindBatch            Kind = "batch"
	KindTool             Kind = "tool"
	KindYoutube          Kind = "youtube"
	KindMediaIngest      Kind = "media_ingest"
	KindMediaOrganize    Kind = "media_organize"
	KindMediaTranscribe  Kind = "media_transcribe"
	KindMediaTag         Kind = "media_tag"
	KindIndexMeili       Kind = "index_meili"
	KindIndexChroma      Kind = "index_chroma"
	KindMediaSummarize   Kind = "media_summarize"
	KindMediaRecommend   Kind = "media_recommend"
	KindVideoSceneDetect Kind = "video_scene_detect"
	KindVideoObjectDetect Kind = "video_object_detect"
	KindAudioAnalyze     Kind = "audio_analyze"
	KindMediaDownload    Kind = "media_download"
)

// AllKinds lists every known task kind, in dispatch-registry order.
var AllKinds = []Kind{
	KindShell, KindLLM, KindPlanner, KindCode, KindReview, KindRunCode,
	KindBatch, KindTool, KindYoutube, KindMediaIngest, KindMediaOrganize,
	KindMediaTranscribe, KindMediaTag, KindIndexMeili, KindIndexChroma,
	KindMediaSummarize, KindMediaRecommend, KindVideoSceneDetect,
	KindVideoObjectDetect, KindAudioAnalyze, KindMediaDownload,
}

// IsValid reports whether k is a known task kind.
func (k Kind) IsValid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

// Task is the central persistent work unit.
type Task struct {
	ID   int64  `json:"id"`
	Kind Kind   `json:"kind"`
	Status Status `json:"status"`

	// Relations
	ParentID     *int64  `json:"parent_id,omitempty"`
	Dependencies []int64 `json:"dependencies,omitempty"`
	TemplateID   *int64  `json:"template_id,omitempty"`
	ScheduleID   *int64  `json:"schedule_id,omitempty"`
	IsTemplate   bool    `json:"is_template,omitempty"`

	// Kind-specific payload
	ShellCommand string          `json:"shell_command,omitempty"`
	Description  string          `json:"description,omitempty"`
	Tool         string          `json:"tool,omitempty"`
	Args         json.RawMessage `json:"args,omitempty"`
	Generator    string          `json:"generator,omitempty"`
	Subtasks     json.RawMessage `json:"subtasks,omitempty"`
	FilePath     string          `json:"file_path,omitempty"`
	URL          string          `json:"url,omitempty"`
	MediaID      string          `json:"media_id,omitempty"`
	Style        string          `json:"style,omitempty"`

	// Result
	ResultSummary string `json:"result_summary,omitempty"`
	ArtifactPath  string `json:"artifact_path,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`

	// Retry state
	RetryCount     int        `json:"retry_count"`
	MaxRetries     int        `json:"max_retries"` // -1 defers to the kind's retry policy
	RetryPolicyID  *int64     `json:"retry_policy_id,omitempty"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	LastRetryError string     `json:"last_retry_error,omitempty"`

	// Timestamps
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Draft is the insertable shape of a new task: everything a producer (CLI,
// inbox, planner, batch generator, follow-up) may set. The store assigns
// identity, status, and timestamps.
type Draft struct {
	Kind         Kind            `json:"kind"`
	Description  string          `json:"description,omitempty"`
	ShellCommand string          `json:"shell_command,omitempty"`
	Tool         string          `json:"tool,omitempty"`
	Args         json.RawMessage `json:"args,omitempty"`
	Generator    string          `json:"generator,omitempty"`
	Subtasks     json.RawMessage `json:"subtasks,omitempty"`
	FilePath     string          `json:"file_path,omitempty"`
	URL          string          `json:"url,omitempty"`
	MediaID      string          `json:"media_id,omitempty"`
	Style        string          `json:"style,omitempty"`

	ParentID  *int64  `json:"parent_id,omitempty"`
	DependsOn []int64 `json:"depends_on,omitempty"`
	// MaxRetries, when set, overrides the kind's retry policy for this task.
	// An explicit 0 forbids retries; nil leaves the budget to the policy.
	MaxRetries *int `json:"max_retries,omitempty"`
	IsTemplate bool `json:"is_template,omitempty"`
}

// ExecutionResult is what an executor returns to the dispatcher.
// Expected failures are reported with Success=false and Error set; executors
// must not panic for them.
type ExecutionResult struct {
	Success    bool    `json:"success"`
	OutputPath string  `json:"output_path,omitempty"`
	FilePath   string  `json:"file_path,omitempty"`
	SubtaskIDs []int64 `json:"subtask_ids,omitempty"`
	Error      string  `json:"error,omitempty"`

	// ResultSummary is a short human note; by convention the output artifact
	// path or a one-line result.
	ResultSummary string `json:"result_summary,omitempty"`

	// FollowUps are inserted by the task loop in the same transaction that
	// marks this task completed, so a crash cannot orphan them.
	FollowUps []Draft `json:"follow_ups,omitempty"`
}

// Failure builds an error result.
func Failure(err error) ExecutionResult {
	return ExecutionResult{Success: false, Error: err.Error()}
}

// BackoffStrategy selects how retry delays grow.
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffFixed       BackoffStrategy = "fixed"
)

// RetryPolicy is the per-kind retry configuration. Kind is unique.
type RetryPolicy struct {
	ID                 int64           `json:"id"`
	Kind               Kind            `json:"kind"`
	MaxRetries         int             `json:"max_retries"`
	BackoffStrategy    BackoffStrategy `json:"backoff_strategy"`
	BaseDelayMs        int64           `json:"base_delay_ms"`
	MaxDelayMs         int64           `json:"max_delay_ms"`
	Multiplier         float64         `json:"multiplier"`
	RetryableErrors    []string        `json:"retryable_errors,omitempty"`
	NonRetryableErrors []string        `json:"non_retryable_errors,omitempty"`
	Enabled            bool            `json:"enabled"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// RetryAttempt is the immutable audit row for one execution attempt.
type RetryAttempt struct {
	ID              int64     `json:"id"`
	TaskID          int64     `json:"task_id"`
	AttemptNumber   int       `json:"attempt_number"`
	AttemptedAt     time.Time `json:"attempted_at"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	ErrorType       string    `json:"error_type,omitempty"`
	DelayMs         int64     `json:"delay_ms"`
	Success         bool      `json:"success"`
	ExecutionTimeMs int64     `json:"execution_time_ms"`
}

// OverlapPolicy is how the scheduler behaves when a prior instance of a
// template is still active.
type OverlapPolicy string

const (
	OverlapSkip    OverlapPolicy = "skip"
	OverlapQueue   OverlapPolicy = "queue"
	OverlapReplace OverlapPolicy = "replace"
)

// Schedule is a cron rule bound to a template task.
type Schedule struct {
	ID             int64         `json:"id"`
	TemplateTaskID int64         `json:"template_task_id"`
	CronExpression string        `json:"cron_expression"`
	Timezone       string        `json:"timezone"`
	Enabled        bool          `json:"enabled"`
	MaxInstances   int           `json:"max_instances"`
	OverlapPolicy  OverlapPolicy `json:"overlap_policy"`
	NextRunAt      time.Time     `json:"next_run_at"`
	LastRunAt      *time.Time    `json:"last_run_at,omitempty"`
	ExecutionCount int64         `json:"execution_count"`
	CreatedAt      time.Time     `json:"created_at"`
}

// AnalyticsEvent is an append-only row per state transition.
type AnalyticsEvent struct {
	ID          int64     `json:"id"`
	TaskID      int64     `json:"task_id"`
	TaskType    Kind      `json:"task_type"`
	Status      string    `json:"status"`
	DurationMs  int64     `json:"duration_ms"`
	Retries     int       `json:"retries"`
	ErrorReason string    `json:"error_reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// PlannerResult records one planner expansion for observability.
type PlannerResult struct {
	ID             int64     `json:"id"`
	TaskID         int64     `json:"task_id"`
	Goal           string    `json:"goal"`
	Model          string    `json:"model"`
	ContextTaskIDs []int64   `json:"context_task_ids,omitempty"`
	SubtaskCount   int       `json:"subtask_count"`
	RawResponse    string    `json:"raw_response,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
