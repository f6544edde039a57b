// Package progress implements the Telemetry Hub: the event bus that fans
// out task lifecycle transitions and per-URL fetch outcomes to whichever
// sinks are wired in (structured logs, Prometheus).
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageTaskStart     Stage = "TASK_START"
	StageTaskHeartbeat Stage = "TASK_HEARTBEAT"
	StageTaskDone      Stage = "TASK_DONE"
	StageTaskError     Stage = "TASK_ERROR"
	StageURLStart      Stage = "URL_FETCH_START"
	StageURLDone       Stage = "URL_FETCH_DONE"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single component of a task's progress.
type Event struct {
	// TaskID identifies the task this event belongs to.
	TaskID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or fetch milestone occurred.
	Stage Stage
	// URL is the page URL for URL_FETCH_* stages; empty for task-level stages.
	URL string
	// Depth is the URL's frontier depth, for URL_FETCH_* stages.
	Depth int
	// Bytes carries the response size for a completed fetch.
	Bytes int64
	// StatusClass groups HTTP response codes (2xx, 3xx, etc) for fetch completions.
	StatusClass StatusClass
	// Dur captures execution latency for fetches and task completions.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TaskID == "" {
		return errors.New("task id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageTaskStart, StageTaskHeartbeat, StageTaskDone, StageTaskError:
	case StageURLStart:
		if e.URL == "" {
			return errors.New("url fetch start requires url")
		}
	case StageURLDone:
		if e.URL == "" {
			return errors.New("url fetch done requires url")
		}
		if e.StatusClass == "" {
			return errors.New("url fetch done requires status class")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
