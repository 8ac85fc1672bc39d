package extract

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testScraper(browser BrowserFetch) *Scraper {
	return NewScraper(3, time.Millisecond, 0, browser, zerolog.Nop())
}

func TestParseHTMLSelectorCascade(t *testing.T) {
	t.Parallel()
	html := `<html><head><title>Fallback Title</title></head><body>
	<nav>menu menu menu</nav>
	<main><h1>Storage Buckets</h1><p>Buckets hold objects.</p></main>
	<footer>legal</footer>
	</body></html>`

	title, content, err := ParseHTML(html, "https://docs.example/buckets")
	require.NoError(t, err)
	assert.Equal(t, "Storage Buckets", title)
	assert.Contains(t, content, "Buckets hold objects.")
	assert.NotContains(t, content, "menu")
	assert.NotContains(t, content, "legal")
}

func TestParseHTMLClassSelector(t *testing.T) {
	t.Parallel()
	html := `<html><body><div class="sidebar">ignore</div>
	<div class="markdown-body">The real documentation text.</div></body></html>`

	_, content, err := ParseHTML(html, "https://docs.example/x")
	require.NoError(t, err)
	assert.Contains(t, content, "The real documentation text.")
}

func TestParseHTMLBodyFallback(t *testing.T) {
	t.Parallel()
	html := `<html><body><p>Just a paragraph.</p></body></html>`
	_, content, err := ParseHTML(html, "https://example.com/p")
	require.NoError(t, err)
	assert.Equal(t, "Just a paragraph.", content)
}

func TestFetchRetriesOn429(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`<html><body><main>finally served content</main></body></html>`))
	}))
	defer srv.Close()

	pc, err := testScraper(nil).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Contains(t, pc.Content, "finally served content")
	assert.Equal(t, int32(3), hits.Load())
}

func TestFetchGivesUpAfterRetries(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := testScraper(nil).Fetch(context.Background(), srv.URL)
	require.Error(t, err)
}

func TestFetch404IsTerminal(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testScraper(nil).Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load(), "4xx other than 429 must not retry")
}

func TestFetchEscalatesToBrowserOnJSShell(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><main>Please enable JavaScript to continue.</main></body></html>`))
	}))
	defer srv.Close()

	browser := func(ctx context.Context, pageURL string) (string, error) {
		return `<html><body><main><h1>Rendered</h1><p>Hydrated application content.</p></main></body></html>`, nil
	}

	pc, err := testScraper(browser).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Rendered", pc.Title)
	assert.Contains(t, pc.Content, "Hydrated application content.")
}

func TestFetchNoEscalationForLongContent(t *testing.T) {
	t.Parallel()
	long := "This page mentions that it requires javascript somewhere in a lot of real text. "
	for len(long) < jsShellThreshold*2 {
		long += "More substantive paragraph content follows here. "
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><main>` + long + `</main></body></html>`))
	}))
	defer srv.Close()

	called := false
	browser := func(ctx context.Context, pageURL string) (string, error) {
		called = true
		return "", nil
	}

	_, err := testScraper(browser).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.False(t, called, "long content must not escalate")
}

func TestFetchInvalidURL(t *testing.T) {
	t.Parallel()
	_, err := testScraper(nil).Fetch(context.Background(), "not-a-url")
	require.Error(t, err)
}

func TestFetchAllReportsPerURLFailures(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`<html><body><main>good page body</main></body></html>`))
	}))
	defer srv.Close()

	pages, failures := testScraper(nil).FetchAll(context.Background(), []string{srv.URL + "/good", srv.URL + "/bad"})
	assert.Len(t, pages, 1)
	assert.Len(t, failures, 1)
	assert.Contains(t, failures, srv.URL+"/bad")
}
