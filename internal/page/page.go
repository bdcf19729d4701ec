package page

import (
	"context"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	ctxpkg "github.com/stupiduntilnot/sidechat/internal/context"
)

const defaultMaxBytes = 2 << 20

// Fetcher downloads a page and extracts its visible text.
type Fetcher struct {
	Client   *http.Client
	MaxBytes int64
}

// NewFetcher returns a fetcher with the given request timeout.
func NewFetcher(timeout time.Duration) *Fetcher {
	return &Fetcher{Client: &http.Client{Timeout: timeout}, MaxBytes: defaultMaxBytes}
}

// Fetch GETs url and returns its text. Non-HTML bodies are returned as is.
func (f *Fetcher) Fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/html,text/plain;q=0.9,*/*;q=0.5")
	resp, err := f.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch %s: status=%d", url, resp.StatusCode)
	}
	limit := f.MaxBytes
	if limit <= 0 {
		limit = defaultMaxBytes
	}
	body := io.LimitReader(resp.Body, limit)

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "" || mediaType == "text/html" || mediaType == "application/xhtml+xml" {
		return ExtractText(body)
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", url, err)
	}
	return string(raw), nil
}

// Tab is the panel's view of the active tab: its URL, the selected text
// and, when a fetcher is set, the page text fetched for that URL.
type Tab struct {
	Fetcher *Fetcher

	mu        sync.Mutex
	url       string
	selection string
	content   string
	loaded    bool
}

// Navigate changes the tab URL and clears the selection and cached content.
func (t *Tab) Navigate(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	url = strings.TrimSpace(url)
	if url == t.url {
		return
	}
	t.url = url
	t.selection = ""
	t.content = ""
	t.loaded = false
}

// Select records the user's text selection.
func (t *Tab) Select(text string) {
	t.mu.Lock()
	t.selection = text
	t.mu.Unlock()
}

// Selection returns the current selection.
func (t *Tab) Selection() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.selection
}

// CurrentURL returns the tab URL; false when no page is open.
func (t *Tab) CurrentURL(ctx context.Context) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url, t.url != ""
}

// PageContentAndSelection returns the page text and the selection. Page text
// is fetched once per URL.
func (t *Tab) PageContentAndSelection(ctx context.Context) (ctxpkg.Page, error) {
	t.mu.Lock()
	url, selection, content, loaded := t.url, t.selection, t.content, t.loaded
	t.mu.Unlock()

	if url == "" || loaded || t.Fetcher == nil {
		return ctxpkg.Page{Content: content, Selection: selection}, nil
	}
	text, err := t.Fetcher.Fetch(ctx, url)
	if err != nil {
		return ctxpkg.Page{Selection: selection}, err
	}
	t.mu.Lock()
	if t.url == url {
		t.content = text
		t.loaded = true
	}
	t.mu.Unlock()
	log.Printf("[page] fetched %s chars=%d", url, len(text))
	return ctxpkg.Page{Content: text, Selection: selection}, nil
}

// Static is a fixed page snapshot supplied by an external UI with a request.
type Static struct {
	URL       string
	Content   string
	Selection string
}

func (s Static) CurrentURL(ctx context.Context) (string, bool) {
	u := strings.TrimSpace(s.URL)
	return u, u != ""
}

func (s Static) PageContentAndSelection(ctx context.Context) (ctxpkg.Page, error) {
	return ctxpkg.Page{Content: s.Content, Selection: s.Selection}, nil
}
