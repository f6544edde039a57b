// Package controller implements the Task Controller: the per-task object
// that owns the frontier, the worker pool, the robots cache, and the
// counters, and services the lifecycle command surface from §4.7.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crawlpit/crawlpit/internal/crawler"
	"github.com/crawlpit/crawlpit/internal/frontier"
	"github.com/crawlpit/crawlpit/internal/progress"
	"github.com/crawlpit/crawlpit/internal/worker"
)

// reaperInterval is how often the completion reaper checks
// (frontier.empty && all_workers_idle && no_in_flight).
const reaperInterval = 500 * time.Millisecond

// stopGrace bounds how long stop() waits for workers to exit before
// abandoning them, per §5.
const stopGrace = 5 * time.Second

// Hub receives an event at task start, at task completion, and per URL
// outcome; pause, resume and stop emit no event.
// *progress.Hub is the only implementer; it is never consulted for
// snapshot() reads, which are served from the controller's own counters.
type Hub interface {
	Emit(evt progress.Event)
}

// Controller owns everything named in §4.7. Zero value is not usable; build
// with New.
type Controller struct {
	taskID string
	cfg    crawler.TaskConfig

	fetcher     crawler.Fetcher
	extractor   crawler.Extractor
	retryPolicy func() crawler.RetryPolicy
	hasher      crawler.Hasher
	clock       crawler.Clock
	store       crawler.Store
	publisher   crawler.Publisher
	hub         Hub
	logger      *zap.Logger

	mu            sync.Mutex
	cond          *sync.Cond
	lifecycle     crawler.Lifecycle
	frontier      *frontier.Frontier
	robots        crawler.RobotsCache
	counters      crawler.TaskCounters
	workers       []crawler.WorkerState
	runCancel     context.CancelFunc
	consecutiveOK int

	wg sync.WaitGroup
}

// Deps bundles the shared services a Controller wires into each worker.
type Deps struct {
	Fetcher   crawler.Fetcher
	Extractor crawler.Extractor
	Hasher    crawler.Hasher
	Clock     crawler.Clock
	Store     crawler.Store
	Publisher crawler.Publisher
	Hub       Hub
	Logger    *zap.Logger
}

// New constructs a Controller in the pending lifecycle. cfg must already
// pass Validate.
func New(cfg crawler.TaskConfig, deps Deps) *Controller {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	c := &Controller{
		taskID:      cfg.ID,
		cfg:         cfg,
		fetcher:     deps.Fetcher,
		extractor:   deps.Extractor,
		retryPolicy: func() crawler.RetryPolicy { return crawler.NewExponentialRetryPolicy(cfg.RetryTimes) },
		hasher:      deps.Hasher,
		clock:       deps.Clock,
		store:       deps.Store,
		publisher:   deps.Publisher,
		hub:         deps.Hub,
		logger:      deps.Logger,
		lifecycle:   crawler.LifecyclePending,
		robots:      crawler.NewRobotsEnforcer(cfg.RespectRobots, userAgent, deps.Logger),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

const userAgent = "crawlpit/1.0 (+https://crawlpit.example/bot)"

// Start transitions pending/stopped/failed/completed → running, seeding the
// frontier with the seed URL and spawning worker_count workers.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.lifecycle {
	case crawler.LifecyclePending, crawler.LifecycleStopped, crawler.LifecycleFailed, crawler.LifecycleCompleted:
	default:
		c.mu.Unlock()
		return fmt.Errorf("start: invalid from lifecycle %q", c.lifecycle)
	}
	c.mu.Unlock()

	fr, err := frontier.New(frontier.Config{
		Strategy:         c.cfg.Strategy,
		MaxDepth:         c.cfg.MaxDepth,
		AllowCrossDomain: c.cfg.AllowCrossDomain,
		SeedURL:          c.cfg.SeedURL,
		AllowDomains:     c.cfg.AllowDomains,
		DenyDomains:      c.cfg.DenyDomains,
	})
	if err != nil {
		return fmt.Errorf("build frontier: %w", err)
	}

	if err := c.rehydrateSeenSet(ctx, fr); err != nil {
		c.logger.Warn("rehydrate seen-set", zap.String("task_id", c.taskID), zap.Error(err))
	}

	seed, err := crawler.NormalizeURL(c.cfg.SeedURL)
	if err != nil {
		return fmt.Errorf("normalize seed url: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.frontier = fr
	c.lifecycle = crawler.LifecycleRunning
	c.counters = crawler.TaskCounters{}
	c.workers = make([]crawler.WorkerState, c.cfg.WorkerCount)
	for i := range c.workers {
		c.workers[i] = crawler.WorkerState{Index: i, Status: crawler.WorkerIdle}
	}
	c.runCancel = cancel
	c.consecutiveOK = 0
	c.mu.Unlock()

	go func() {
		<-runCtx.Done()
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	}()

	switch fr.Offer(seed, 0) {
	case crawler.OfferAccepted:
		c.mu.Lock()
		c.counters.TotalDiscovered++
		c.mu.Unlock()
	case crawler.OfferDuplicate:
		// rehydrateSeenSet never marks the seed, so a fresh frontier does
		// not report it as a duplicate; if it did, the frontier would stay
		// empty and the completion reaper would complete the task.
	}

	for i := 0; i < c.cfg.WorkerCount; i++ {
		w := worker.New(i, c.taskID, c.cfg, fr, c.robots, c.fetcher, c.extractor, c.retryPolicy(), c.hasher, c.clock, c.store, c.logger)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			w.Run(runCtx, c)
		}()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runReaper(runCtx)
	}()

	c.EmitEvent(progress.Event{
		TaskID: c.taskID,
		TS:     c.clock.Now(),
		Stage:  progress.StageTaskStart,
	})

	return nil
}

// rehydrateSeenSet marks every previously-seen URL except the seed as seen,
// per §9: this preserves dedup across restart while still allowing the seed
// to be re-offered and re-fetched.
func (c *Controller) rehydrateSeenSet(ctx context.Context, fr *frontier.Frontier) error {
	seed, err := crawler.NormalizeURL(c.cfg.SeedURL)
	if err != nil {
		return err
	}
	urls, err := c.store.SeenURLs(ctx, c.taskID)
	if err != nil {
		return err
	}
	for _, u := range urls {
		if u == seed {
			continue
		}
		fr.MarkSeen(u)
	}
	return nil
}

// PauseWorkers transitions running → paused. Workers finish their current
// URL and then block at their next loop head.
func (c *Controller) PauseWorkers() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lifecycle != crawler.LifecycleRunning {
		return fmt.Errorf("pause_workers: invalid from lifecycle %q", c.lifecycle)
	}
	c.lifecycle = crawler.LifecyclePaused
	c.cond.Broadcast()
	return nil
}

// ResumeWorkers transitions paused → running.
func (c *Controller) ResumeWorkers() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lifecycle != crawler.LifecyclePaused {
		return fmt.Errorf("resume_workers: invalid from lifecycle %q", c.lifecycle)
	}
	c.lifecycle = crawler.LifecycleRunning
	c.consecutiveOK = 0
	c.cond.Broadcast()
	return nil
}

// Stop drives the task to stopped and releases workers, waiting up to
// stopGrace before abandoning them.
func (c *Controller) Stop() error {
	c.mu.Lock()
	switch c.lifecycle {
	case crawler.LifecycleRunning, crawler.LifecyclePaused:
	default:
		c.mu.Unlock()
		return fmt.Errorf("stop: invalid from lifecycle %q", c.lifecycle)
	}
	cancel := c.runCancel
	c.lifecycle = crawler.LifecycleStopped
	c.cond.Broadcast()
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopGrace):
		c.logger.Warn("stop grace period exceeded; abandoning workers", zap.String("task_id", c.taskID))
	}
	return nil
}

// PauseFrontier toggles frontier_state to paused without affecting
// lifecycle; existing queued URLs continue draining.
func (c *Controller) PauseFrontier() error {
	c.mu.Lock()
	fr := c.frontier
	c.mu.Unlock()
	if fr == nil {
		return fmt.Errorf("pause_frontier: task has no live frontier")
	}
	fr.SetState(crawler.FrontierPaused)
	return nil
}

// ResumeFrontier restores frontier growth.
func (c *Controller) ResumeFrontier() error {
	c.mu.Lock()
	fr := c.frontier
	c.mu.Unlock()
	if fr == nil {
		return fmt.Errorf("resume_frontier: task has no live frontier")
	}
	fr.SetState(crawler.FrontierActive)
	return nil
}

// Snapshot returns a consistent read of counters, per-worker state,
// lifecycle, and frontier state.
func (c *Controller) Snapshot() crawler.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	workers := make([]crawler.WorkerState, len(c.workers))
	copy(workers, c.workers)

	frontierState := crawler.FrontierActive
	frontierSize := 0
	if c.frontier != nil {
		frontierState = c.frontier.State()
		frontierSize = c.frontier.Size()
	}

	return crawler.Snapshot{
		TaskID:        c.taskID,
		Lifecycle:     c.lifecycle,
		FrontierState: frontierState,
		Counters:      c.counters,
		Workers:       workers,
		FrontierSize:  frontierSize,
	}
}

// --- worker.Host implementation ---

// AwaitRunnable implements worker.Host. It only publishes WorkerPaused for
// index while actually blocked waiting out a pause, per §4.5 step 2: a
// worker with an empty frontier but a running task must stay WorkerIdle, not
// WorkerPaused, so the completion reaper's allWorkersIdleLocked check can
// ever observe every worker idle at the same time.
func (c *Controller) AwaitRunnable(ctx context.Context, index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lifecycle != crawler.LifecyclePaused {
		return c.lifecycle == crawler.LifecycleRunning
	}

	c.setWorkerStatusLocked(index, crawler.WorkerPaused)
	for c.lifecycle == crawler.LifecyclePaused {
		if ctx.Err() != nil {
			return false
		}
		c.cond.Wait()
	}
	c.setWorkerStatusLocked(index, crawler.WorkerIdle)
	return c.lifecycle == crawler.LifecycleRunning
}

func (c *Controller) setWorkerStatusLocked(index int, status crawler.WorkerStatus) {
	if index >= 0 && index < len(c.workers) {
		c.workers[index].Status = status
		c.workers[index].CurrentURL = ""
	}
}

// Stopped implements worker.Host.
func (c *Controller) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.lifecycle {
	case crawler.LifecycleStopped, crawler.LifecycleFailed, crawler.LifecycleCompleted:
		return true
	default:
		return false
	}
}

// SetState implements worker.Host.
func (c *Controller) SetState(state crawler.WorkerState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state.Index >= 0 && state.Index < len(c.workers) {
		c.workers[state.Index] = state
	}
}

// AddCounters implements worker.Host.
func (c *Controller) AddCounters(delta crawler.TaskCounters) {
	c.mu.Lock()
	c.counters.TotalDiscovered += delta.TotalDiscovered
	c.counters.Completed += delta.Completed
	c.counters.Failed += delta.Failed
	c.counters.RobotsBlocked += delta.RobotsBlocked
	c.counters.CrossDomainBlocked += delta.CrossDomainBlocked
	c.counters.DepthBlocked += delta.DepthBlocked
	c.counters.DuplicateRejected += delta.DuplicateRejected
	c.counters.Bytes += delta.Bytes
	c.counters.ResponseTimeSum += delta.ResponseTimeSum
	c.mu.Unlock()
}

// EmitEvent implements worker.Host, forwarding a per-URL progress event to
// the Telemetry Hub, if one is configured.
func (c *Controller) EmitEvent(evt progress.Event) {
	if c.hub != nil {
		c.hub.Emit(evt)
	}
}

// runReaper polls (frontier.empty && all_workers_idle && no_in_flight);
// on true for two consecutive checks it transitions running → completed.
func (c *Controller) runReaper(ctx context.Context) {
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.checkCompletion() {
				return
			}
		}
	}
}

func (c *Controller) checkCompletion() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lifecycle != crawler.LifecycleRunning {
		c.consecutiveOK = 0
		return false
	}
	if c.frontier == nil || !c.frontier.Empty() || !c.allWorkersIdleLocked() {
		c.consecutiveOK = 0
		return false
	}

	c.consecutiveOK++
	if c.consecutiveOK < 2 {
		return false
	}

	c.lifecycle = crawler.LifecycleCompleted
	if c.runCancel != nil {
		c.runCancel()
	}
	c.cond.Broadcast()
	c.notifyCompletion(crawler.LifecycleCompleted)
	c.EmitEvent(progress.Event{
		TaskID: c.taskID,
		TS:     c.clock.Now(),
		Stage:  progress.StageTaskDone,
	})
	return true
}

func (c *Controller) allWorkersIdleLocked() bool {
	for _, w := range c.workers {
		if w.Status != crawler.WorkerIdle {
			return false
		}
	}
	return true
}

func (c *Controller) notifyCompletion(lifecycle crawler.Lifecycle) {
	if c.publisher == nil {
		return
	}
	go func() {
		payload := map[string]any{
			"task_id":   c.taskID,
			"lifecycle": string(lifecycle),
			"timestamp": c.clock.Now().Format(time.RFC3339),
		}
		if _, err := c.publisher.Publish(context.Background(), "task-lifecycle", payload); err != nil {
			c.logger.Warn("publish completion notification", zap.String("task_id", c.taskID), zap.Error(err))
		}
	}()
}

// TaskID returns the task this controller manages.
func (c *Controller) TaskID() string { return c.taskID }
