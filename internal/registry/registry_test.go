package registry

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crawlpit/crawlpit/internal/controller"
	"github.com/crawlpit/crawlpit/internal/crawler"
)

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string][]crawler.FetchResponse
}

func (f *fakeFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	queue := f.responses[req.URL]
	if len(queue) == 0 {
		return crawler.FetchResponse{StatusCode: http.StatusOK, ContentType: "text/html"}, nil
	}
	next := queue[0]
	if len(queue) > 1 {
		f.responses[req.URL] = queue[1:]
	}
	return next, nil
}

type fakeStore struct {
	mu      sync.Mutex
	records map[string]crawler.URLRecord
}

func newFakeStore() *fakeStore { return &fakeStore{records: make(map[string]crawler.URLRecord)} }

func (s *fakeStore) UpsertPending(context.Context, string, string, int) error { return nil }
func (s *fakeStore) Finalize(_ context.Context, record crawler.URLRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.URL] = record
	return nil
}
func (s *fakeStore) MarkRobotsBlocked(context.Context, string, string, int) error { return nil }
func (s *fakeStore) DeleteTask(context.Context, string) error                    { return nil }
func (s *fakeStore) ListURLs(context.Context, string, crawler.ListFilter) ([]crawler.URLRecord, error) {
	return nil, nil
}
func (s *fakeStore) AggregateStats(context.Context, string) (crawler.TaskCounters, error) {
	return crawler.TaskCounters{}, nil
}
func (s *fakeStore) SeenURLs(context.Context, string) ([]string, error) { return nil, nil }

type fixedHasher struct{}

func (fixedHasher) Hash(data []byte) (string, error) { return "hash", nil }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func testDeps(fetcher crawler.Fetcher, store crawler.Store) controller.Deps {
	return controller.Deps{
		Fetcher:   fetcher,
		Extractor: crawler.NewHTMLExtractor(),
		Hasher:    fixedHasher{},
		Clock:     systemClock{},
		Store:     store,
		Logger:    zap.NewNop(),
	}
}

func validConfig(id string) crawler.TaskConfig {
	return crawler.TaskConfig{
		ID: id, SeedURL: "http://site/a", Strategy: crawler.StrategyBreadth,
		MaxDepth: 1, WorkerCount: 1, RetryTimes: 1,
	}
}

func TestStartTaskRejectsDuplicateID(t *testing.T) {
	r := New(zap.NewNop())
	fetcher := &fakeFetcher{responses: map[string][]crawler.FetchResponse{
		"http://site/a": {{StatusCode: 200, ContentType: "text/html"}},
	}}
	store := newFakeStore()

	_, err := r.StartTask(context.Background(), validConfig("dup"), testDeps(fetcher, store))
	require.NoError(t, err)

	_, err = r.StartTask(context.Background(), validConfig("dup"), testDeps(fetcher, store))
	require.Error(t, err)
}

func TestStartTaskRejectsInvalidConfig(t *testing.T) {
	r := New(zap.NewNop())
	cfg := validConfig("bad")
	cfg.MaxDepth = 0
	_, err := r.StartTask(context.Background(), cfg, testDeps(&fakeFetcher{}, newFakeStore()))
	require.Error(t, err)
	_, ok := r.GetController("bad")
	require.False(t, ok)
}

func TestGetControllerReturnsRegisteredTask(t *testing.T) {
	r := New(zap.NewNop())
	fetcher := &fakeFetcher{responses: map[string][]crawler.FetchResponse{
		"http://site/a": {{StatusCode: 200, ContentType: "text/html"}},
	}}
	started, err := r.StartTask(context.Background(), validConfig("get-me"), testDeps(fetcher, newFakeStore()))
	require.NoError(t, err)

	found, ok := r.GetController("get-me")
	require.True(t, ok)
	require.Same(t, started, found)
}

func TestForceCleanupRemovesAndStopsTask(t *testing.T) {
	r := New(zap.NewNop())
	fetcher := &fakeFetcher{responses: map[string][]crawler.FetchResponse{
		"http://site/a": {{StatusCode: 200, ContentType: "text/html"}},
	}}
	_, err := r.StartTask(context.Background(), validConfig("cleanup-me"), testDeps(fetcher, newFakeStore()))
	require.NoError(t, err)

	require.NoError(t, r.ForceCleanup("cleanup-me"))
	_, ok := r.GetController("cleanup-me")
	require.False(t, ok)

	// Cleaning up an unknown task is a no-op, not an error.
	require.NoError(t, r.ForceCleanup("never-existed"))
}
