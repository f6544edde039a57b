package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/crawlpit/crawlpit/internal/progress"
)

// PrometheusSink exports task progress metrics via Prometheus. It owns all
// collectors for tasks started/completed/running and per-URL fetch counters.
type PrometheusSink struct {
	tasksStarted   prometheus.Counter
	tasksCompleted *prometheus.CounterVec
	tasksRunning   prometheus.Gauge
	taskRuntime    *prometheus.HistogramVec

	fetchRequests *prometheus.CounterVec
	fetchBytes    prometheus.Counter
	fetchDuration *prometheus.HistogramVec

	tracker *taskTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		tasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawlpit_tasks_started_total",
			Help: "Total tasks that have started.",
		}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlpit_tasks_completed_total",
			Help: "Total tasks completed partitioned by result.",
		}, []string{"result"}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawlpit_tasks_running",
			Help: "Current number of running tasks.",
		}),
		taskRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawlpit_task_runtime_seconds",
			Help:    "Wall time per completed task.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		fetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlpit_fetch_requests_total",
			Help: "Fetch completions partitioned by status class.",
		}, []string{"status_class"}),
		fetchBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawlpit_fetch_bytes_total",
			Help: "Bytes downloaded across all tasks.",
		}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawlpit_fetch_duration_seconds",
			Help:    "Fetch duration partitioned by status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"status_class"}),
		tracker: newTaskTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.tasksStarted,
		s.tasksCompleted,
		s.tasksRunning,
		s.taskRuntime,
		s.fetchRequests,
		s.fetchBytes,
		s.fetchDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageTaskStart, progress.StageTaskDone, progress.StageTaskError:
		s.handleTaskEvent(evt)
	case progress.StageURLDone:
		s.handleFetchEvent(evt)
	}
}

func (s *PrometheusSink) handleTaskEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageTaskStart:
		s.tasksStarted.Inc()
		if s.tracker.start(evt.TaskID) {
			s.tasksRunning.Inc()
		}
	case progress.StageTaskDone:
		s.tasksCompleted.WithLabelValues("success").Inc()
		s.observeRuntime(evt, "success")
	case progress.StageTaskError:
		s.tasksCompleted.WithLabelValues("error").Inc()
		s.observeRuntime(evt, "error")
	}
	if evt.Stage != progress.StageTaskStart && s.tracker.complete(evt.TaskID) {
		s.tasksRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.taskRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleFetchEvent(evt progress.Event) {
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	s.fetchRequests.WithLabelValues(statusClass).Inc()
	if evt.Bytes > 0 {
		s.fetchBytes.Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.fetchDuration.WithLabelValues(statusClass).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type taskTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newTaskTracker() *taskTracker {
	return &taskTracker{running: make(map[string]struct{})}
}

func (t *taskTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *taskTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
