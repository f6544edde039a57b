package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crawlpit/crawlpit/internal/crawler"
	"github.com/crawlpit/crawlpit/internal/frontier"
	"github.com/crawlpit/crawlpit/internal/progress"
)

type fakeHost struct {
	mu       sync.Mutex
	stopped  bool
	states   []crawler.WorkerState
	counters crawler.TaskCounters
	events   []progress.Event
}

func (h *fakeHost) AwaitRunnable(ctx context.Context, index int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.stopped
}

func (h *fakeHost) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

func (h *fakeHost) SetState(state crawler.WorkerState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = append(h.states, state)
}

func (h *fakeHost) AddCounters(delta crawler.TaskCounters) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counters.Completed += delta.Completed
	h.counters.Failed += delta.Failed
	h.counters.RobotsBlocked += delta.RobotsBlocked
	h.counters.TotalDiscovered += delta.TotalDiscovered
	h.counters.DuplicateRejected += delta.DuplicateRejected
	h.counters.DepthBlocked += delta.DepthBlocked
	h.counters.CrossDomainBlocked += delta.CrossDomainBlocked
	h.counters.Bytes += delta.Bytes
	h.counters.ResponseTimeSum += delta.ResponseTimeSum
}

func (h *fakeHost) EmitEvent(evt progress.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, evt)
}

func (h *fakeHost) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
}

func (h *fakeHost) snapshotCounters() crawler.TaskCounters {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counters
}

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string][]fakeResult
}

type fakeResult struct {
	resp crawler.FetchResponse
	err  error
}

func (f *fakeFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	queue := f.responses[req.URL]
	if len(queue) == 0 {
		return crawler.FetchResponse{}, errors.New("no fake response queued")
	}
	next := queue[0]
	if len(queue) > 1 {
		f.responses[req.URL] = queue[1:]
	}
	return next.resp, next.err
}

type fakeStore struct {
	mu      sync.Mutex
	records []crawler.URLRecord
}

func (s *fakeStore) UpsertPending(context.Context, string, string, int) error { return nil }
func (s *fakeStore) Finalize(_ context.Context, record crawler.URLRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}
func (s *fakeStore) MarkRobotsBlocked(_ context.Context, taskID, url string, depth int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, crawler.URLRecord{TaskID: taskID, URL: url, Depth: depth, Status: crawler.RecordRobotsBlocked})
	return nil
}
func (s *fakeStore) DeleteTask(context.Context, string) error { return nil }
func (s *fakeStore) ListURLs(context.Context, string, crawler.ListFilter) ([]crawler.URLRecord, error) {
	return nil, nil
}
func (s *fakeStore) AggregateStats(context.Context, string) (crawler.TaskCounters, error) {
	return crawler.TaskCounters{}, nil
}
func (s *fakeStore) SeenURLs(context.Context, string) ([]string, error) { return nil, nil }

func (s *fakeStore) findByURL(url string) (crawler.URLRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.URL == url {
			return r, true
		}
	}
	return crawler.URLRecord{}, false
}

type allowAllRobots struct{}

func (allowAllRobots) Allowed(context.Context, string) bool { return true }

type denyRobots struct{ blocked map[string]bool }

func (d denyRobots) Allowed(_ context.Context, url string) bool { return !d.blocked[url] }

type fixedHasher struct{}

func (fixedHasher) Hash(data []byte) (string, error) { return "hash", nil }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func noRetry() crawler.RetryPolicy { return &neverRetry{} }

type neverRetry struct{}

func (neverRetry) ShouldRetry(error, int, int) bool { return false }
func (neverRetry) Backoff(int) time.Duration        { return 0 }

type alwaysRetryUpTo struct{ max int }

func (r alwaysRetryUpTo) ShouldRetry(_ error, statusCode int, attempt int) bool {
	return attempt < r.max && statusCode >= 500
}
func (alwaysRetryUpTo) Backoff(int) time.Duration { return time.Millisecond }

func newTestFrontier(t *testing.T, seed string, maxDepth int) *frontier.Frontier {
	t.Helper()
	f, err := frontier.New(frontier.Config{
		Strategy:         crawler.StrategyBreadth,
		MaxDepth:         maxDepth,
		AllowCrossDomain: false,
		SeedURL:          seed,
	})
	require.NoError(t, err)
	return f
}

func baseConfig() crawler.TaskConfig {
	return crawler.TaskConfig{
		ID:               "task-1",
		SeedURL:          "http://site/a",
		Strategy:         crawler.StrategyBreadth,
		MaxDepth:         1,
		WorkerCount:      1,
		RespectRobots:    false,
		AllowCrossDomain: false,
	}
}

func TestWorkerCompletesSinglePageAndDiscoversLinks(t *testing.T) {
	fr := newTestFrontier(t, "http://site/a", 1)
	require.Equal(t, crawler.OfferAccepted, fr.Offer("http://site/a", 0))

	fetcher := &fakeFetcher{responses: map[string][]fakeResult{
		"http://site/a": {{resp: crawler.FetchResponse{
			StatusCode:  200,
			ContentType: "text/html",
			Body:        []byte(`<html><body><a href="/b">b</a></body></html>`),
			Duration:    5 * time.Millisecond,
		}}},
	}}
	store := &fakeStore{}
	host := &fakeHost{}

	w := New(0, "task-1", baseConfig(), fr, allowAllRobots{}, fetcher, crawler.NewHTMLExtractor(), noRetry(), fixedHasher{}, systemClock{}, store, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	item, ok := fr.Poll(ctx, time.Second)
	require.True(t, ok)
	var state crawler.WorkerState
	w.processItem(ctx, host, &state, item, new(time.Time))
	cancel()

	record, found := store.findByURL("http://site/a")
	require.True(t, found)
	require.Equal(t, crawler.RecordCompleted, record.Status)
	require.Equal(t, int64(1), host.snapshotCounters().Completed)

	// The discovered link should now be pollable from the frontier.
	next, ok := fr.Poll(context.Background(), time.Second)
	require.True(t, ok)
	require.Equal(t, "http://site/b", next.URL)
}

func TestWorkerWritesRobotsBlockedWithoutCountingCompletedOrFailed(t *testing.T) {
	fr := newTestFrontier(t, "http://site/a", 1)
	fr.Offer("http://site/private", 0)
	item, _ := fr.Poll(context.Background(), time.Second)

	store := &fakeStore{}
	host := &fakeHost{}
	cfg := baseConfig()
	cfg.RespectRobots = true
	robots := denyRobots{blocked: map[string]bool{"http://site/private": true}}

	w := New(0, "task-1", cfg, fr, robots, &fakeFetcher{}, crawler.NewHTMLExtractor(), noRetry(), fixedHasher{}, systemClock{}, store, zap.NewNop())
	var state crawler.WorkerState
	w.processItem(context.Background(), host, &state, item, new(time.Time))

	record, found := store.findByURL("http://site/private")
	require.True(t, found)
	require.Equal(t, crawler.RecordRobotsBlocked, record.Status)
	counters := host.snapshotCounters()
	require.Equal(t, int64(1), counters.RobotsBlocked)
	require.Equal(t, int64(0), counters.Completed)
	require.Equal(t, int64(0), counters.Failed)
}

func TestWorkerRetriesThenFailsOnRepeated503(t *testing.T) {
	fr := newTestFrontier(t, "http://site/a", 1)
	fr.Offer("http://site/flaky", 0)
	item, _ := fr.Poll(context.Background(), time.Second)

	fetcher := &fakeFetcher{responses: map[string][]fakeResult{
		"http://site/flaky": {
			{resp: crawler.FetchResponse{StatusCode: 503}},
			{resp: crawler.FetchResponse{StatusCode: 503}},
			{resp: crawler.FetchResponse{StatusCode: 503}},
		},
	}}
	store := &fakeStore{}
	host := &fakeHost{}
	cfg := baseConfig()
	cfg.RetryTimes = 2

	w := New(0, "task-1", cfg, fr, allowAllRobots{}, fetcher, crawler.NewHTMLExtractor(), alwaysRetryUpTo{max: 2}, fixedHasher{}, systemClock{}, store, zap.NewNop())
	var state crawler.WorkerState
	w.processItem(context.Background(), host, &state, item, new(time.Time))

	record, found := store.findByURL("http://site/flaky")
	require.True(t, found)
	require.Equal(t, crawler.RecordFailed, record.Status)
	require.Equal(t, http.StatusServiceUnavailable, record.StatusCode)
	require.Equal(t, int64(1), host.snapshotCounters().Failed)
}

func TestRunExitsWhenHostStopped(t *testing.T) {
	fr := newTestFrontier(t, "http://site/a", 1)
	host := &fakeHost{}
	w := New(0, "task-1", baseConfig(), fr, allowAllRobots{}, &fakeFetcher{}, crawler.NewHTMLExtractor(), noRetry(), fixedHasher{}, systemClock{}, &fakeStore{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.Run(ctx, host)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	host.stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after Host reported stopped")
	}
}
