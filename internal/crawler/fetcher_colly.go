package crawler

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// maxRedirects bounds the redirect chain a single fetch follows, per §4.5.
const maxRedirects = 10

// CollyFetcher implements Fetcher using a Colly collector cloned per
// request, so each fetch registers its own callbacks. Clones share the base
// collector's HTTP backend and cookie jar.
type CollyFetcher struct {
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// NewCollyFetcher constructs a Fetcher bound to a fixed user agent and
// request timeout. Per-worker pacing (request_interval) is enforced by the
// worker loop, not the fetcher, per §9's "per-worker-only" resolution.
func NewCollyFetcher(userAgent string, requestTimeout time.Duration, logger *zap.Logger) *CollyFetcher {
	base := colly.NewCollector(
		colly.UserAgent(userAgent),
		colly.MaxRedirects(maxRedirects),
	)
	base.AllowURLRevisit = true
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          128,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: requestTimeout,
		ForceAttemptHTTP2:     true,
	})
	base.SetRequestTimeout(requestTimeout)

	return &CollyFetcher{
		baseCollector: base,
		logger:        logger,
	}
}

// Fetch retrieves a page via a per-request clone of the base collector, so
// the response and error callbacks of one fetch never see another fetch's
// results; the HTTP backend and cookie jar are shared by all clones.
func (f *CollyFetcher) Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error) {
	collector := f.baseCollector.Clone()
	resultCh := make(chan fetchResult, 1)
	var once sync.Once
	send := func(res fetchResult) {
		once.Do(func() { resultCh <- res })
	}

	start := time.Now()
	collector.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			for k, v := range *r.Headers {
				cp := make([]string, len(v))
				copy(cp, v)
				headers[k] = cp
			}
		}
		resp := FetchResponse{
			FinalURL:    r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			Headers:     headers,
			Body:        append([]byte{}, r.Body...),
			ContentType: headers.Get("Content-Type"),
			Duration:    time.Since(start),
		}
		send(fetchResult{resp: resp})
	})

	collector.OnError(func(r *colly.Response, err error) {
		if err == nil {
			err = errors.New("unknown colly error")
		}
		statusCode := 0
		if r != nil {
			statusCode = r.StatusCode
		}
		send(fetchResult{err: err, statusCode: statusCode})
	})

	if err := collector.Visit(request.URL); err != nil {
		return FetchResponse{}, err
	}
	collector.Wait()

	select {
	case res := <-resultCh:
		if err := ctx.Err(); err != nil {
			return FetchResponse{}, err
		}
		if res.err != nil {
			return FetchResponse{StatusCode: res.statusCode, Duration: time.Since(start)}, res.err
		}
		return res.resp, nil
	default:
		return FetchResponse{}, errors.New("colly fetch produced no result")
	}
}

type fetchResult struct {
	resp       FetchResponse
	err        error
	statusCode int
}
