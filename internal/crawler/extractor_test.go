package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTMLExtractorParsesMetadataAndLinks(t *testing.T) {
	body := []byte(`<html><head>
		<title>Example Page</title>
		<meta name="author" content="Jane Doe">
		<meta name="description" content="An example page">
		<meta name="keywords" content="example, test">
		<meta property="article:published_time" content="2026-01-02T15:04:05Z">
	</head><body>
		<a href="/b">B</a>
		<a href="ext://x">keep-nonhttp</a>
		<a href="javascript:void(0)">skip-js</a>
		<img src="/logo.png">
	</body></html>`)

	extractor := NewHTMLExtractor()
	meta, err := extractor.Extract(body, "text/html; charset=utf-8", "http://site/a")
	require.NoError(t, err)
	require.Equal(t, "Example Page", meta.Title)
	require.Equal(t, "Jane Doe", meta.Author)
	require.Equal(t, "An example page", meta.Description)
	require.Equal(t, "example, test", meta.Keywords)
	require.Equal(t, "2026-01-02T15:04:05Z", meta.PublishTime)
	require.Contains(t, meta.Links, "http://site/b")
	require.Contains(t, meta.Links, "http://site/logo.png")
	require.Contains(t, meta.Links, "ext://x")
	require.NotContains(t, meta.Links, "javascript:void(0)")
}

func TestHTMLExtractorFallsBackToOpenGraphTitle(t *testing.T) {
	body := []byte(`<html><head><meta property="og:title" content="OG Title"></head><body></body></html>`)
	meta, err := NewHTMLExtractor().Extract(body, "text/html", "http://site/a")
	require.NoError(t, err)
	require.Equal(t, "OG Title", meta.Title)
}

func TestHTMLExtractorSkipsNonHTMLContentType(t *testing.T) {
	meta, err := NewHTMLExtractor().Extract([]byte(`{"ok":true}`), "application/json", "http://site/a")
	require.NoError(t, err)
	require.Equal(t, Metadata{}, meta)
}

func TestHTMLExtractorRespectsBaseHref(t *testing.T) {
	body := []byte(`<html><head><base href="http://other/prefix/"></head><body><a href="c">C</a></body></html>`)
	meta, err := NewHTMLExtractor().Extract(body, "text/html", "http://site/a")
	require.NoError(t, err)
	require.Contains(t, meta.Links, "http://other/prefix/c")
}
