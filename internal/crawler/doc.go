// Package crawler defines the domain types and leaf building blocks shared
// by the frontier, worker, and controller packages: URL normalization, the
// robots cache, the HTML metadata extractor, the HTTP fetcher, retry policy,
// and domain allow/deny matching.
package crawler
