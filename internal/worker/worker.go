// Package worker implements the single fetch-parse-record loop bound to one
// crawl task, per §4.5 of the crawl execution engine.
package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/crawlpit/crawlpit/internal/crawler"
	"github.com/crawlpit/crawlpit/internal/frontier"
	"github.com/crawlpit/crawlpit/internal/progress"
)

// pollTimeout bounds a single Frontier.Poll call so a worker rechecks its
// pause/stop signal at a steady cadence even when the frontier is empty.
const pollTimeout = time.Second

// fetchTimeout bounds one HTTP attempt so a stuck request cannot block
// shutdown indefinitely; cancellation between requests is cooperative.
const fetchTimeout = 30 * time.Second

// Host is the subset of Task Controller behavior a Worker depends on: pause
// and stop coordination, and the shared counters/per-worker state the
// controller serves from snapshot(). The interface lives here (not in
// crawler) because the controller is Worker's only implementer.
type Host interface {
	// AwaitRunnable blocks while the task is paused and returns false once
	// the task has stopped, without ever having become runnable again. It
	// publishes WorkerPaused for index itself, only while actually blocked.
	AwaitRunnable(ctx context.Context, index int) bool
	// Stopped reports whether the task has been signaled to stop.
	Stopped() bool
	// SetState publishes this worker's latest in-memory state.
	SetState(state crawler.WorkerState)
	// AddCounters merges a delta into the task's aggregate counters.
	AddCounters(delta crawler.TaskCounters)
	// EmitEvent forwards a per-URL progress event to the Telemetry Hub, if any.
	EmitEvent(evt progress.Event)
}

// Worker owns no state that outlives Run; all cross-call state is either
// local to the loop or delegated to Host / the shared services below.
type Worker struct {
	index     int
	taskID    string
	cfg       crawler.TaskConfig
	frontier  *frontier.Frontier
	robots    crawler.RobotsCache
	fetcher   crawler.Fetcher
	extractor crawler.Extractor
	retry     crawler.RetryPolicy
	hasher    crawler.Hasher
	clock     crawler.Clock
	store     crawler.Store
	logger    *zap.Logger
}

// New constructs a Worker bound to one task's shared services.
func New(
	index int,
	taskID string,
	cfg crawler.TaskConfig,
	fr *frontier.Frontier,
	robots crawler.RobotsCache,
	fetcher crawler.Fetcher,
	extractor crawler.Extractor,
	retry crawler.RetryPolicy,
	hasher crawler.Hasher,
	clock crawler.Clock,
	store crawler.Store,
	logger *zap.Logger,
) *Worker {
	return &Worker{
		index:     index,
		taskID:    taskID,
		cfg:       cfg,
		frontier:  fr,
		robots:    robots,
		fetcher:   fetcher,
		extractor: extractor,
		retry:     retry,
		hasher:    hasher,
		clock:     clock,
		store:     store,
		logger:    logger,
	}
}

// Run executes the loop from §4.5 until Host reports the task stopped or ctx
// is done. It does not abort an in-flight fetch itself; cancellation is
// observed between URLs, during request-interval and retry-backoff waits,
// and through the context handed to the fetcher.
func (w *Worker) Run(ctx context.Context, host Host) {
	state := crawler.WorkerState{Index: w.index, Status: crawler.WorkerIdle}
	host.SetState(state)

	var lastFetch time.Time
	for {
		if ctx.Err() != nil || host.Stopped() {
			state.Status = crawler.WorkerStopped
			state.CurrentURL = ""
			host.SetState(state)
			return
		}

		if !host.AwaitRunnable(ctx, w.index) {
			state.Status = crawler.WorkerStopped
			host.SetState(state)
			return
		}

		item, ok := w.frontier.Poll(ctx, pollTimeout)
		if !ok {
			state.Status = crawler.WorkerIdle
			state.CurrentURL = ""
			host.SetState(state)
			continue
		}

		w.processItem(ctx, host, &state, item, &lastFetch)
		host.SetState(state)
	}
}

func (w *Worker) processItem(
	ctx context.Context,
	host Host,
	state *crawler.WorkerState,
	item crawler.FrontierItem,
	lastFetch *time.Time,
) {
	if w.cfg.RespectRobots && !w.robots.Allowed(ctx, item.URL) {
		if err := w.store.MarkRobotsBlocked(ctx, w.taskID, item.URL, item.Depth); err != nil {
			w.logger.Error("mark robots blocked", zap.String("url", item.URL), zap.Error(err))
		}
		host.AddCounters(crawler.TaskCounters{RobotsBlocked: 1})
		host.EmitEvent(progress.Event{
			TaskID:      w.taskID,
			TS:          w.clock.Now(),
			Stage:       progress.StageURLDone,
			URL:         item.URL,
			Depth:       item.Depth,
			StatusClass: progress.StatusOther,
			Note:        "robots_blocked",
		})
		return
	}

	w.waitRequestInterval(ctx, lastFetch)

	state.Status = crawler.WorkerFetching
	state.CurrentURL = item.URL
	host.SetState(*state)

	if err := w.store.UpsertPending(ctx, w.taskID, item.URL, item.Depth); err != nil {
		w.logger.Error("upsert pending", zap.String("url", item.URL), zap.Error(err))
	}

	resp, statusCode, fetchErr := w.fetchWithRetry(ctx, item)
	*lastFetch = w.clock.Now()

	if fetchErr != nil {
		w.recordFailure(ctx, item, statusCode, fetchErr)
		state.Failed++
		host.AddCounters(crawler.TaskCounters{Failed: 1})
		host.EmitEvent(progress.Event{
			TaskID:      w.taskID,
			TS:          w.clock.Now(),
			Stage:       progress.StageURLDone,
			URL:         item.URL,
			Depth:       item.Depth,
			StatusClass: progress.ClassifyStatus(statusCode),
			Note:        fetchErr.Error(),
		})
		return
	}

	meta := w.recordSuccess(ctx, item, resp)
	state.Completed++
	state.Bytes += int64(len(resp.Body))
	host.AddCounters(crawler.TaskCounters{
		Completed:       1,
		Bytes:           int64(len(resp.Body)),
		ResponseTimeSum: resp.Duration.Seconds(),
	})
	host.EmitEvent(progress.Event{
		TaskID:      w.taskID,
		TS:          w.clock.Now(),
		Stage:       progress.StageURLDone,
		URL:         item.URL,
		Depth:       item.Depth,
		Bytes:       int64(len(resp.Body)),
		StatusClass: progress.ClassifyStatus(resp.StatusCode),
		Dur:         resp.Duration,
	})

	w.discoverLinks(item, meta, host)
}

// waitRequestInterval enforces request_interval since this worker's
// previous fetch. Spacing is per-worker, not global, per §9.
func (w *Worker) waitRequestInterval(ctx context.Context, lastFetch *time.Time) {
	if w.cfg.RequestInterval <= 0 || lastFetch.IsZero() {
		return
	}
	wait := w.cfg.RequestInterval - w.clock.Now().Sub(*lastFetch)
	if wait <= 0 {
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// fetchWithRetry performs the HTTP GET, retrying transient failures up to
// retry_times with the configured backoff.
func (w *Worker) fetchWithRetry(ctx context.Context, item crawler.FrontierItem) (crawler.FetchResponse, int, error) {
	var lastErr error
	var lastStatus int

	for attempt := 0; ; attempt++ {
		fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
		resp, err := w.fetcher.Fetch(fetchCtx, crawler.FetchRequest{
			TaskID: w.taskID,
			URL:    item.URL,
			Depth:  item.Depth,
		})
		cancel()

		if err == nil && resp.StatusCode < 500 {
			return resp, resp.StatusCode, nil
		}

		lastErr = err
		lastStatus = resp.StatusCode
		if lastErr == nil {
			lastErr = fmt.Errorf("server error: status %d", resp.StatusCode)
		}

		if !w.retry.ShouldRetry(err, resp.StatusCode, attempt) {
			return crawler.FetchResponse{}, lastStatus, lastErr
		}

		backoff := w.retry.Backoff(attempt)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return crawler.FetchResponse{}, lastStatus, ctx.Err()
		case <-timer.C:
		}
	}
}

func (w *Worker) recordFailure(ctx context.Context, item crawler.FrontierItem, statusCode int, fetchErr error) {
	record := crawler.URLRecord{
		TaskID:       w.taskID,
		URL:          item.URL,
		Depth:        item.Depth,
		Status:       crawler.RecordFailed,
		StatusCode:   statusCode,
		ErrorMessage: fetchErr.Error(),
		CreatedAt:    w.clock.Now(),
	}
	completedAt := w.clock.Now()
	record.CompletedAt = &completedAt
	if err := w.store.Finalize(ctx, record); err != nil {
		w.logger.Error("finalize failed record", zap.String("url", item.URL), zap.Error(err))
	}
}

func (w *Worker) recordSuccess(ctx context.Context, item crawler.FrontierItem, resp crawler.FetchResponse) crawler.Metadata {
	meta, err := w.extractor.Extract(resp.Body, resp.ContentType, item.URL)
	if err != nil {
		w.logger.Warn("extract metadata", zap.String("url", item.URL), zap.Error(err))
	}

	hash, err := w.hasher.Hash(resp.Body)
	if err != nil {
		w.logger.Warn("hash body", zap.String("url", item.URL), zap.Error(err))
	}

	completedAt := w.clock.Now()
	record := crawler.URLRecord{
		TaskID:              w.taskID,
		URL:                 item.URL,
		Depth:               item.Depth,
		Status:              crawler.RecordCompleted,
		StatusCode:          resp.StatusCode,
		ResponseTimeSeconds: resp.Duration.Seconds(),
		FileSizeBytes:       int64(len(resp.Body)),
		ContentType:         resp.ContentType,
		ContentHash:         hash,
		Title:               meta.Title,
		Author:              meta.Author,
		Description:         meta.Description,
		Keywords:            meta.Keywords,
		PublishTime:         meta.PublishTime,
		CreatedAt:           w.clock.Now(),
		CompletedAt:         &completedAt,
	}
	if err := w.store.Finalize(ctx, record); err != nil {
		w.logger.Error("finalize completed record", zap.String("url", item.URL), zap.Error(err))
	}
	return meta
}

// discoverLinks offers every outbound link found in an HTML response to the
// frontier; Frontier.Offer is the single depth gate, so a link past
// max_depth counts as depth_blocked rather than being silently dropped here.
func (w *Worker) discoverLinks(item crawler.FrontierItem, meta crawler.Metadata, host Host) {
	if len(meta.Links) == 0 {
		return
	}

	var delta crawler.TaskCounters
	for _, link := range meta.Links {
		normalized, err := crawler.NormalizeURL(link)
		if err != nil {
			delta.DuplicateRejected++
			continue
		}
		switch w.frontier.Offer(normalized, item.Depth+1) {
		case crawler.OfferAccepted:
			delta.TotalDiscovered++
		case crawler.OfferDuplicate:
			delta.DuplicateRejected++
		case crawler.OfferDepthBlocked:
			delta.DepthBlocked++
		case crawler.OfferCrossDomainBlocked:
			delta.CrossDomainBlocked++
		case crawler.OfferFrontierPaused:
			// discarded silently, per §4.4
		}
	}
	if delta != (crawler.TaskCounters{}) {
		host.AddCounters(delta)
	}
}
