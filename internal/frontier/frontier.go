// Package frontier implements the per-task pending-work queue plus its
// seen-set, in the three orderings a task may select at construction time.
package frontier

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/crawlpit/crawlpit/internal/crawler"
)

// bloomFalsePositiveRate bounds the probabilistic pre-filter's false
// "maybe seen" rate; it never produces a false "not seen", so the exact
// seen-set below remains authoritative and the seen-set invariant holds
// regardless of this filter's sizing.
const bloomFalsePositiveRate = 0.01

// Frontier holds the pending work for one task: an ordered container per
// §4.4's strategy plus the seen-set that prevents re-enqueue. All exported
// methods are safe for concurrent use by the controller and by workers.
type Frontier struct {
	mu sync.Mutex

	strategy         crawler.Strategy
	maxDepth         int
	allowCrossDomain bool
	seedHost         string
	allow            domainMatcher
	deny             domainMatcher

	seen  map[string]struct{}
	bloom *bloom.BloomFilter

	fifo    []crawler.FrontierItem
	lifo    []crawler.FrontierItem
	buckets [3][]crawler.FrontierItem

	state  crawler.FrontierState
	notify chan struct{}
}

type domainMatcher interface {
	IsBlocked(host string) bool
}

// Config carries the task configuration fields the frontier needs to
// enforce depth caps and domain policy.
type Config struct {
	Strategy         crawler.Strategy
	MaxDepth         int
	AllowCrossDomain bool
	SeedURL          string
	AllowDomains     []string
	DenyDomains      []string
	// EstimatedURLs sizes the bloom pre-filter; a reasonable default is
	// used when zero or negative.
	EstimatedURLs uint
}

// New builds a Frontier in the active state, ready to accept the seed URL.
func New(cfg Config) (*Frontier, error) {
	seedHost := ""
	if cfg.SeedURL != "" {
		parsed, err := url.Parse(cfg.SeedURL)
		if err != nil {
			return nil, err
		}
		seedHost = registrableHost(parsed.Host)
	}

	estimate := cfg.EstimatedURLs
	if estimate == 0 {
		estimate = 10000
	}

	var allow, deny domainMatcher
	if m := crawler.NewDomainBlocklist(cfg.AllowDomains); m != nil {
		allow = m
	}
	if m := crawler.NewDomainBlocklist(cfg.DenyDomains); m != nil {
		deny = m
	}

	return &Frontier{
		strategy:         cfg.Strategy,
		maxDepth:         cfg.MaxDepth,
		allowCrossDomain: cfg.AllowCrossDomain,
		seedHost:         seedHost,
		allow:            allow,
		deny:             deny,
		seen:             make(map[string]struct{}),
		bloom:            bloom.NewWithEstimates(estimate, bloomFalsePositiveRate),
		state:            crawler.FrontierActive,
		notify:           make(chan struct{}, 1),
	}, nil
}

// Offer admits a URL to the frontier per §4.4. The seen-set check and the
// insertion happen inside the same critical section, so concurrent offers
// of the same URL yield exactly one "accepted".
func (f *Frontier) Offer(rawURL string, depth int) crawler.OfferOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state == crawler.FrontierPaused {
		return crawler.OfferFrontierPaused
	}

	// The bloom filter only ever produces a false "maybe seen", never a
	// false "not seen": a miss here proves the URL is new, so the exact
	// map lookup on a hit is the authoritative check, not an optimization
	// that could itself be skipped.
	if f.bloom.TestString(rawURL) {
		if _, dup := f.seen[rawURL]; dup {
			return crawler.OfferDuplicate
		}
	}
	if blocked := f.domainBlocked(rawURL); blocked {
		return crawler.OfferCrossDomainBlocked
	}
	if depth > f.maxDepth {
		return crawler.OfferDepthBlocked
	}

	f.seen[rawURL] = struct{}{}
	f.bloom.AddString(rawURL)
	item := crawler.FrontierItem{URL: rawURL, Depth: depth}
	f.push(item)
	f.wake()
	return crawler.OfferAccepted
}

// MarkSeen records a URL as seen without enqueueing it, used to rehydrate
// the seen-set from terminal records on restart (§9).
func (f *Frontier) MarkSeen(rawURL string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen[rawURL] = struct{}{}
	f.bloom.AddString(rawURL)
}

func (f *Frontier) domainBlocked(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	host := registrableHost(parsed.Host)
	if !f.allowCrossDomain && f.seedHost != "" && host != f.seedHost {
		return true
	}
	if f.deny != nil && f.deny.IsBlocked(host) {
		return true
	}
	if f.allow != nil && !f.allow.IsBlocked(host) {
		// allow list present and host not on it
		return true
	}
	return false
}

func (f *Frontier) push(item crawler.FrontierItem) {
	switch f.strategy {
	case crawler.StrategyDepth:
		f.lifo = append(f.lifo, item)
	case crawler.StrategyPriority:
		rank := priorityRank(item.URL)
		f.buckets[rank] = append(f.buckets[rank], item)
	default:
		f.fifo = append(f.fifo, item)
	}
}

func (f *Frontier) popLocked() (crawler.FrontierItem, bool) {
	switch f.strategy {
	case crawler.StrategyDepth:
		if len(f.lifo) == 0 {
			return crawler.FrontierItem{}, false
		}
		item := f.lifo[len(f.lifo)-1]
		f.lifo = f.lifo[:len(f.lifo)-1]
		return item, true
	case crawler.StrategyPriority:
		for rank := 0; rank < len(f.buckets); rank++ {
			if len(f.buckets[rank]) > 0 {
				item := f.buckets[rank][0]
				f.buckets[rank] = f.buckets[rank][1:]
				return item, true
			}
		}
		return crawler.FrontierItem{}, false
	default:
		if len(f.fifo) == 0 {
			return crawler.FrontierItem{}, false
		}
		item := f.fifo[0]
		f.fifo = f.fifo[1:]
		return item, true
	}
}

// Poll removes and returns the next item per the strategy, blocking up to
// timeout or until ctx is done.
func (f *Frontier) Poll(ctx context.Context, timeout time.Duration) (crawler.FrontierItem, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		f.mu.Lock()
		item, ok := f.popLocked()
		f.mu.Unlock()
		if ok {
			return item, true
		}

		select {
		case <-ctx.Done():
			return crawler.FrontierItem{}, false
		case <-deadline.C:
			return crawler.FrontierItem{}, false
		case <-f.notify:
			continue
		}
	}
}

func (f *Frontier) wake() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// Size returns the number of pending (not yet polled) items.
func (f *Frontier) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.strategy {
	case crawler.StrategyDepth:
		return len(f.lifo)
	case crawler.StrategyPriority:
		return len(f.buckets[0]) + len(f.buckets[1]) + len(f.buckets[2])
	default:
		return len(f.fifo)
	}
}

// Empty reports whether the pending container holds no items.
func (f *Frontier) Empty() bool { return f.Size() == 0 }

// SetState toggles frontier_state independently of task lifecycle.
func (f *Frontier) SetState(state crawler.FrontierState) {
	f.mu.Lock()
	f.state = state
	f.mu.Unlock()
}

// State returns the current frontier_state.
func (f *Frontier) State() crawler.FrontierState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

var (
	htmlLikeExtensions = map[string]struct{}{
		".html": {}, ".htm": {}, ".php": {}, ".jsp": {}, ".asp": {}, "": {},
	}
	imageExtensions = map[string]struct{}{
		".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".svg": {}, ".webp": {}, ".bmp": {}, ".ico": {},
	}
)

// priorityRank implements §4.4's content-type guess from URL extension.
func priorityRank(rawURL string) int {
	ext := extensionOf(rawURL)
	if _, ok := htmlLikeExtensions[ext]; ok {
		return 0
	}
	if _, ok := imageExtensions[ext]; ok {
		return 1
	}
	return 2
}

func extensionOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	path := parsed.Path
	slash := strings.LastIndex(path, "/")
	base := path[slash+1:]
	dot := strings.LastIndex(base, ".")
	if dot < 0 {
		return ""
	}
	return strings.ToLower(base[dot:])
}

// registrableHost strips the port; a full public-suffix-aware comparison is
// out of scope, matching the teacher's same-host comparisons.
func registrableHost(host string) string {
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		return strings.ToLower(host[:idx])
	}
	return strings.ToLower(host)
}
