// Package crawler defines the core domain types shared by the frontier,
// worker, and controller packages.
package crawler

import (
	"net/http"
	"time"
)

// Strategy selects the frontier's pending-work ordering.
type Strategy string

// Frontier ordering strategies.
const (
	StrategyBreadth  Strategy = "breadth"
	StrategyDepth    Strategy = "depth"
	StrategyPriority Strategy = "priority"
)

// Lifecycle is the task-level state machine.
type Lifecycle string

// Lifecycle values.
const (
	LifecyclePending   Lifecycle = "pending"
	LifecycleRunning   Lifecycle = "running"
	LifecyclePaused    Lifecycle = "paused"
	LifecycleStopped   Lifecycle = "stopped"
	LifecycleCompleted Lifecycle = "completed"
	LifecycleFailed    Lifecycle = "failed"
)

// FrontierState toggles whether new link discoveries enter the frontier.
type FrontierState string

// Frontier state values.
const (
	FrontierActive FrontierState = "active"
	FrontierPaused FrontierState = "paused"
)

// RecordStatus is the terminal or pending state of a URL Record.
type RecordStatus string

// Record status values.
const (
	RecordPending       RecordStatus = "pending"
	RecordCompleted     RecordStatus = "completed"
	RecordFailed        RecordStatus = "failed"
	RecordRobotsBlocked RecordStatus = "robots_blocked"
)

// WorkerStatus is the per-worker in-memory status.
type WorkerStatus string

// Worker status values.
const (
	WorkerIdle     WorkerStatus = "idle"
	WorkerFetching WorkerStatus = "fetching"
	WorkerPaused   WorkerStatus = "paused"
	WorkerError    WorkerStatus = "error"
	WorkerStopped  WorkerStatus = "stopped"
)

// TaskConfig is the immutable configuration of a crawl task. It may only be
// mutated while no controller is live for the task.
type TaskConfig struct {
	ID               string            `json:"id" mapstructure:"id"`
	SeedURL          string            `json:"seed_url" mapstructure:"seed_url"`
	Strategy         Strategy          `json:"strategy" mapstructure:"strategy"`
	MaxDepth         int               `json:"max_depth" mapstructure:"max_depth"`
	WorkerCount      int               `json:"worker_count" mapstructure:"worker_count"`
	RequestInterval  time.Duration     `json:"request_interval" mapstructure:"request_interval"`
	RetryTimes       int               `json:"retry_times" mapstructure:"retry_times"`
	RespectRobots    bool              `json:"respect_robots" mapstructure:"respect_robots"`
	AllowCrossDomain bool              `json:"allow_cross_domain" mapstructure:"allow_cross_domain"`
	AllowDomains     []string          `json:"allow_domains,omitempty" mapstructure:"allow_domains"`
	DenyDomains      []string          `json:"deny_domains,omitempty" mapstructure:"deny_domains"`
	Tags             map[string]string `json:"tags,omitempty" mapstructure:"tags"`
}

// Validate enforces the bounds from the task configuration contract.
func (c TaskConfig) Validate() error {
	switch {
	case c.ID == "":
		return errInvalidConfig("id is required")
	case c.SeedURL == "":
		return errInvalidConfig("seed_url is required")
	case c.Strategy != StrategyBreadth && c.Strategy != StrategyDepth && c.Strategy != StrategyPriority:
		return errInvalidConfig("strategy must be breadth, depth, or priority")
	case c.MaxDepth < 1 || c.MaxDepth > 10:
		return errInvalidConfig("max_depth must be within [1, 10]")
	case c.WorkerCount < 1 || c.WorkerCount > 10:
		return errInvalidConfig("worker_count must be within [1, 10]")
	case c.RequestInterval < 0:
		return errInvalidConfig("request_interval must not be negative")
	case c.RetryTimes < 0:
		return errInvalidConfig("retry_times must not be negative")
	}
	return nil
}

// Metadata holds the fields extracted from an HTML document.
type Metadata struct {
	Title       string
	Author      string
	Description string
	Keywords    string
	PublishTime string
	Links       []string
}

// URLRecord is the durable outcome for one (task_id, url) pair.
type URLRecord struct {
	TaskID              string       `json:"task_id"`
	URL                 string       `json:"url"`
	Depth               int          `json:"depth"`
	Status              RecordStatus `json:"status"`
	StatusCode          int          `json:"status_code,omitempty"`
	ResponseTimeSeconds float64      `json:"response_time_seconds,omitempty"`
	FileSizeBytes       int64        `json:"file_size_bytes,omitempty"`
	ContentType         string       `json:"content_type,omitempty"`
	ContentHash         string       `json:"content_hash,omitempty"`
	Title               string       `json:"title,omitempty"`
	Author              string       `json:"author,omitempty"`
	Description         string       `json:"description,omitempty"`
	Keywords            string       `json:"keywords,omitempty"`
	PublishTime         string       `json:"publish_time,omitempty"`
	ErrorMessage        string       `json:"error_message,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	CompletedAt         *time.Time   `json:"completed_at,omitempty"`
}

// TaskCounters tracks aggregate statistics for a task, updated under the
// controller's short-held lock.
type TaskCounters struct {
	TotalDiscovered    int64   `json:"total_discovered"`
	Completed          int64   `json:"completed"`
	Failed             int64   `json:"failed"`
	RobotsBlocked      int64   `json:"robots_blocked"`
	CrossDomainBlocked int64   `json:"cross_domain_blocked"`
	DepthBlocked       int64   `json:"depth_blocked"`
	DuplicateRejected  int64   `json:"duplicate_rejected"`
	Bytes              int64   `json:"bytes"`
	ResponseTimeSum    float64 `json:"response_time_sum_seconds"`
}

// WorkerState is the in-memory snapshot of one worker slot.
type WorkerState struct {
	Index      int          `json:"index"`
	Status     WorkerStatus `json:"status"`
	CurrentURL string       `json:"current_url,omitempty"`
	Completed  int64        `json:"completed"`
	Failed     int64        `json:"failed"`
	Bytes      int64        `json:"bytes"`
}

// Snapshot is a consistent read of a task's runtime state.
type Snapshot struct {
	TaskID        string        `json:"task_id"`
	Lifecycle     Lifecycle     `json:"lifecycle"`
	FrontierState FrontierState `json:"frontier_state"`
	Counters      TaskCounters  `json:"counters"`
	Workers       []WorkerState `json:"workers"`
	FrontierSize  int           `json:"frontier_size"`
}

// FetchRequest captures everything the Fetcher needs for one HTTP attempt.
type FetchRequest struct {
	TaskID string
	URL    string
	Depth  int
}

// FetchResponse is the result of a successful HTTP roundtrip.
type FetchResponse struct {
	FinalURL    string
	StatusCode  int
	ContentType string
	Headers     http.Header
	Body        []byte
	Duration    time.Duration
}

// OfferOutcome is the result of offering a URL to the frontier.
type OfferOutcome string

// Offer outcomes.
const (
	OfferAccepted            OfferOutcome = "accepted"
	OfferDuplicate           OfferOutcome = "duplicate"
	OfferDepthBlocked        OfferOutcome = "depth_blocked"
	OfferCrossDomainBlocked  OfferOutcome = "cross_domain_blocked"
	OfferFrontierPaused      OfferOutcome = "frontier_paused"
)

// FrontierItem is one pending unit of work held by the frontier.
type FrontierItem struct {
	URL   string
	Depth int
}

type configError string

func errInvalidConfig(msg string) error { return configError(msg) }

func (e configError) Error() string { return "invalid config: " + string(e) }
