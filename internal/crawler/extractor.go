package crawler

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// softFieldLimit bounds the stored length of each extracted text field.
const softFieldLimit = 1024

// HTMLExtractor implements Extractor using goquery over the document's DOM.
type HTMLExtractor struct{}

// NewHTMLExtractor builds the default goquery-backed extractor.
func NewHTMLExtractor() *HTMLExtractor { return &HTMLExtractor{} }

// Extract parses body per §4.3. Non-HTML content types return empty
// metadata and no outbound links; this is not an error.
func (e *HTMLExtractor) Extract(body []byte, contentType string, baseURL string) (Metadata, error) {
	if !strings.Contains(strings.ToLower(contentType), "html") {
		return Metadata{}, nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		// ExtractorError: treat as non-HTML, no links discovered, caller
		// still records the URL as completed.
		return Metadata{}, nil
	}

	base, _ := url.Parse(baseURL)
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved, rerr := resolveRef(base, href); rerr == nil {
			base = resolved
		}
	}

	meta := Metadata{
		Title:       truncate(title(doc)),
		Author:      truncate(author(doc)),
		Description: truncate(metaContent(doc, "description", "og:description")),
		Keywords:    truncate(metaContent(doc, "keywords", "")),
		PublishTime: truncate(publishTime(doc)),
		Links:       links(doc, base),
	}
	return meta, nil
}

func title(doc *goquery.Document) string {
	if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
		return t
	}
	if v, ok := doc.Find(`meta[property="og:title"]`).First().Attr("content"); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func author(doc *goquery.Document) string {
	if v, ok := doc.Find(`meta[name="author"]`).First().Attr("content"); ok {
		return strings.TrimSpace(v)
	}
	if v, ok := doc.Find(`meta[property="article:author"]`).First().Attr("content"); ok {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(doc.Find(`a[rel="author"]`).First().Text())
}

// metaContent reads <meta name="byName"> falling back to
// <meta property="byProperty"> when byProperty is non-empty.
func metaContent(doc *goquery.Document, byName, byProperty string) string {
	if v, ok := doc.Find(`meta[name="` + byName + `"]`).First().Attr("content"); ok {
		return strings.TrimSpace(v)
	}
	if byProperty == "" {
		return ""
	}
	v, _ := doc.Find(`meta[property="` + byProperty + `"]`).First().Attr("content")
	return strings.TrimSpace(v)
}

func publishTime(doc *goquery.Document) string {
	if v, ok := doc.Find(`meta[property="article:published_time"]`).First().Attr("content"); ok {
		return strings.TrimSpace(v)
	}
	if v, ok := doc.Find("time[datetime]").First().Attr("datetime"); ok {
		return strings.TrimSpace(v)
	}
	if v, ok := doc.Find(`meta[itemprop="datePublished"]`).First().Attr("content"); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// discardedSchemes never produce an outbound link entry.
var discardedSchemes = map[string]struct{}{
	"javascript": {},
	"mailto":     {},
	"tel":        {},
	"data":       {},
}

func links(doc *goquery.Document, base *url.URL) []string {
	var out []string
	seen := make(map[string]struct{})

	collect := func(_ int, sel *goquery.Selection, attr string) {
		raw, ok := sel.Attr(attr)
		if !ok {
			return
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return
		}
		resolved, err := resolveRef(base, raw)
		if err != nil {
			return
		}
		if _, blocked := discardedSchemes[strings.ToLower(resolved.Scheme)]; blocked {
			return
		}
		s := resolved.String()
		if _, dup := seen[s]; dup {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}

	doc.Find("a[href]").Each(func(i int, sel *goquery.Selection) { collect(i, sel, "href") })
	doc.Find("img[src]").Each(func(i int, sel *goquery.Selection) { collect(i, sel, "src") })
	return out
}

func resolveRef(base *url.URL, ref string) (*url.URL, error) {
	parsed, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	if base == nil {
		return parsed, nil
	}
	return base.ResolveReference(parsed), nil
}

func truncate(s string) string {
	if len(s) <= softFieldLimit {
		return s
	}
	return s[:softFieldLimit]
}
