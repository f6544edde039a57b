package frontier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crawlpit/crawlpit/internal/crawler"
)

func newTestFrontier(t *testing.T, strategy crawler.Strategy) *Frontier {
	t.Helper()
	f, err := New(Config{
		Strategy:         strategy,
		MaxDepth:         2,
		AllowCrossDomain: false,
		SeedURL:          "http://site/a",
	})
	require.NoError(t, err)
	return f
}

func TestOfferThenOfferSameURLIsDuplicate(t *testing.T) {
	f := newTestFrontier(t, crawler.StrategyBreadth)
	require.Equal(t, crawler.OfferAccepted, f.Offer("http://site/a", 0))
	require.Equal(t, crawler.OfferDuplicate, f.Offer("http://site/a", 0))
}

func TestOfferRejectsBeyondMaxDepth(t *testing.T) {
	f := newTestFrontier(t, crawler.StrategyBreadth)
	require.Equal(t, crawler.OfferDepthBlocked, f.Offer("http://site/deep", 3))
}

func TestOfferRejectsCrossDomainWhenDisallowed(t *testing.T) {
	f := newTestFrontier(t, crawler.StrategyBreadth)
	require.Equal(t, crawler.OfferCrossDomainBlocked, f.Offer("http://other/x", 1))
}

func TestOfferDiscardsWhileFrontierPaused(t *testing.T) {
	f := newTestFrontier(t, crawler.StrategyBreadth)
	f.SetState(crawler.FrontierPaused)
	require.Equal(t, crawler.OfferFrontierPaused, f.Offer("http://site/b", 1))
	require.Equal(t, 0, f.Size())
	// A URL discarded while paused is not marked seen; it can be offered
	// again once the frontier resumes.
	f.SetState(crawler.FrontierActive)
	require.Equal(t, crawler.OfferAccepted, f.Offer("http://site/b", 1))
}

func TestBreadthStrategyIsFIFO(t *testing.T) {
	f := newTestFrontier(t, crawler.StrategyBreadth)
	require.Equal(t, crawler.OfferAccepted, f.Offer("http://site/a", 0))
	require.Equal(t, crawler.OfferAccepted, f.Offer("http://site/b", 1))

	first, ok := f.Poll(context.Background(), time.Second)
	require.True(t, ok)
	require.Equal(t, "http://site/a", first.URL)

	second, ok := f.Poll(context.Background(), time.Second)
	require.True(t, ok)
	require.Equal(t, "http://site/b", second.URL)
}

func TestDepthStrategyIsLIFO(t *testing.T) {
	f := newTestFrontier(t, crawler.StrategyDepth)
	require.Equal(t, crawler.OfferAccepted, f.Offer("http://site/a", 0))
	require.Equal(t, crawler.OfferAccepted, f.Offer("http://site/b", 1))

	first, ok := f.Poll(context.Background(), time.Second)
	require.True(t, ok)
	require.Equal(t, "http://site/b", first.URL)
}

func TestPriorityStrategyRanksHTMLBeforeImageBeforeOther(t *testing.T) {
	f := newTestFrontier(t, crawler.StrategyPriority)
	require.Equal(t, crawler.OfferAccepted, f.Offer("http://site/file.zip", 1))
	require.Equal(t, crawler.OfferAccepted, f.Offer("http://site/pic.png", 1))
	require.Equal(t, crawler.OfferAccepted, f.Offer("http://site/page.html", 1))

	first, _ := f.Poll(context.Background(), time.Second)
	require.Equal(t, "http://site/page.html", first.URL)
	second, _ := f.Poll(context.Background(), time.Second)
	require.Equal(t, "http://site/pic.png", second.URL)
	third, _ := f.Poll(context.Background(), time.Second)
	require.Equal(t, "http://site/file.zip", third.URL)
}

func TestPollTimesOutWhenEmpty(t *testing.T) {
	f := newTestFrontier(t, crawler.StrategyBreadth)
	start := time.Now()
	_, ok := f.Poll(context.Background(), 50*time.Millisecond)
	require.False(t, ok)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestPollHonorsContextCancellation(t *testing.T) {
	f := newTestFrontier(t, crawler.StrategyBreadth)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := f.Poll(ctx, time.Second)
	require.False(t, ok)
}

func TestConcurrentOfferOfSameURLYieldsExactlyOneAccepted(t *testing.T) {
	f := newTestFrontier(t, crawler.StrategyBreadth)
	const workers = 32
	results := make(chan crawler.OfferOutcome, workers)
	for i := 0; i < workers; i++ {
		go func() { results <- f.Offer("http://site/race", 1) }()
	}
	accepted := 0
	for i := 0; i < workers; i++ {
		if <-results == crawler.OfferAccepted {
			accepted++
		}
	}
	require.Equal(t, 1, accepted)
}
