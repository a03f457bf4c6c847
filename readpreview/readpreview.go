// Package readpreview builds readable previews for URLs the browser tool
// reports while it works, so the progress panel can show a title and
// excerpt instead of a bare address.
package readpreview

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
)

const (
	fetchTimeout  = 10 * time.Second
	maxBodyBytes  = 2 << 20
	excerptLength = 280
)

// Preview is the readable summary of one page.
type Preview struct {
	URL     string
	Title   string
	Excerpt string
}

// Fetcher fetches and summarizes pages. Zero value is not usable; use New.
type Fetcher struct {
	client *http.Client
}

// New creates a Fetcher with a 10-second timeout.
func New() *Fetcher {
	return &Fetcher{client: &http.Client{Timeout: fetchTimeout}}
}

// Fetch downloads a page and extracts its readable title and excerpt.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Preview, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return Preview{}, fmt.Errorf("invalid url: %s", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Preview{}, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Preview{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Preview{}, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Preview{}, fmt.Errorf("read %s: %w", rawURL, err)
	}

	return FromHTML(string(body), parsed), nil
}

// FromHTML extracts a preview from already-fetched HTML. Falls back to the
// host name as title when readability finds nothing.
func FromHTML(html string, pageURL *url.URL) Preview {
	p := Preview{URL: pageURL.String()}

	article, err := readability.FromReader(strings.NewReader(html), pageURL)
	if err == nil {
		p.Title = strings.TrimSpace(article.Title)
		p.Excerpt = excerpt(article.TextContent)
	}
	if p.Title == "" {
		p.Title = pageURL.Host
	}
	return p
}

// excerpt collapses whitespace and truncates at a word boundary.
func excerpt(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= excerptLength {
		return text
	}
	cut := text[:excerptLength]
	if i := strings.LastIndex(cut, " "); i > 0 {
		cut = cut[:i]
	}
	return cut + "…"
}
