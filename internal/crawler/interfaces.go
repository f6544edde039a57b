package crawler

import (
	"context"
	"time"
)

// Store is the narrow interface over the durable record store. All upserts
// are idempotent on the (task_id, url) key.
type Store interface {
	UpsertPending(ctx context.Context, taskID, url string, depth int) error
	Finalize(ctx context.Context, record URLRecord) error
	MarkRobotsBlocked(ctx context.Context, taskID, url string, depth int) error
	DeleteTask(ctx context.Context, taskID string) error
	ListURLs(ctx context.Context, taskID string, filter ListFilter) ([]URLRecord, error)
	AggregateStats(ctx context.Context, taskID string) (TaskCounters, error)
	SeenURLs(ctx context.Context, taskID string) ([]string, error)
}

// ListFilter narrows a ListURLs call.
type ListFilter struct {
	Status      RecordStatus
	Prefix      string
	Extension   string
	ContentType string
	Offset      int
	Limit       int
}

// Publisher announces task lifecycle transitions to an external system.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher performs one HTTP GET against a URL, following redirects up to an
// internal cap and honoring the context deadline.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Extractor parses an HTML body into metadata and outbound links.
type Extractor interface {
	Extract(body []byte, contentType string, baseURL string) (Metadata, error)
}

// RobotsCache answers whether a URL may be fetched under robots.txt.
type RobotsCache interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// RetryPolicy decides whether and how long to wait before retrying a fetch.
type RetryPolicy interface {
	ShouldRetry(err error, statusCode int, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Hasher computes digests for deduplication/integrity (content_hash).
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces opaque identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
