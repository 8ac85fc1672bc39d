package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
)

const (
	userAgent      = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/136.0.0.0 Safari/537.36"
	requestTimeout = 30 * time.Second

	// jsShellThreshold: content this short combined with a JS marker means
	// the server returned an app shell, not the page.
	jsShellThreshold = 200
)

// Content selectors in order of preference. The first match wins.
var contentSelectors = []string{
	"main",
	"article",
	`[role="main"]`,
	".content",
	".main-content",
	".page-content",
	".post-content",
	".entry-content",
	"#content",
	"#main",
	".markdown-body",
	".documentation",
	".docs-content",
	`div[class*="content"]`,
	`div[class*="main"]`,
	"body",
}

var jsIndicators = []string{
	"please enable javascript",
	"javascript is required",
	"javascript must be enabled",
	"enable javascript",
	"javascript disabled",
	"requires javascript",
	"javascript is disabled",
}

var spaceRe = regexp.MustCompile(`\s+`)

// PageContent is the scraped result for one URL.
type PageContent struct {
	URL     string
	Title   string
	Content string
}

// BrowserFetch renders a page in a headless browser and returns its HTML.
// Declared as a function type so tests can stub the chromedp path.
type BrowserFetch func(ctx context.Context, pageURL string) (string, error)

// Scraper fetches and parses web pages. HTTP is tried first; pages that come
// back as a JavaScript-only shell escalate to the headless browser.
type Scraper struct {
	client      *http.Client
	browser     BrowserFetch
	retries     int
	backoffBase time.Duration
	politeDelay time.Duration
	log         zerolog.Logger
}

// NewScraper builds a scraper with the given retry/backoff discipline.
// browser may be nil, in which case JS-shell pages fail outright.
func NewScraper(retries int, backoffBase, politeDelay time.Duration, browser BrowserFetch, log zerolog.Logger) *Scraper {
	if retries <= 0 {
		retries = 5
	}
	if backoffBase <= 0 {
		backoffBase = 2 * time.Second
	}
	return &Scraper{
		client:      &http.Client{Timeout: requestTimeout},
		browser:     browser,
		retries:     retries,
		backoffBase: backoffBase,
		politeDelay: politeDelay,
		log:         log,
	}
}

// FetchAll scrapes each URL in turn with a polite delay between fetches.
// Failures are reported per URL; one bad page does not stop the rest.
func (s *Scraper) FetchAll(ctx context.Context, urls []string) ([]PageContent, map[string]error) {
	var pages []PageContent
	failures := make(map[string]error)
	for i, u := range urls {
		if i > 0 && s.politeDelay > 0 {
			select {
			case <-time.After(s.politeDelay):
			case <-ctx.Done():
				failures[u] = ctx.Err()
				continue
			}
		}
		pc, err := s.Fetch(ctx, u)
		if err != nil {
			s.log.Warn().Err(err).Str("url", u).Msg("scrape failed")
			failures[u] = err
			continue
		}
		pages = append(pages, pc)
	}
	return pages, failures
}

// Fetch scrapes one URL.
func (s *Scraper) Fetch(ctx context.Context, pageURL string) (PageContent, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return PageContent{}, fmt.Errorf("invalid url %q", pageURL)
	}

	html, err := s.get(ctx, pageURL)
	if err != nil {
		return PageContent{}, err
	}

	title, content, err := ParseHTML(html, pageURL)
	if err != nil {
		return PageContent{}, err
	}

	if needsBrowser(content) {
		if s.browser == nil {
			return PageContent{}, fmt.Errorf("page %s requires javascript and no browser fallback is configured", pageURL)
		}
		s.log.Info().Str("url", pageURL).Msg("javascript shell detected, escalating to headless browser")
		rendered, err := s.browser(ctx, pageURL)
		if err != nil {
			return PageContent{}, fmt.Errorf("headless fetch %s: %w", pageURL, err)
		}
		title, content, err = ParseHTML(rendered, pageURL)
		if err != nil {
			return PageContent{}, err
		}
	}

	return PageContent{URL: pageURL, Title: title, Content: content}, nil
}

// get performs the HTTP fetch with exponential backoff on 429 and 5xx.
func (s *Scraper) get(ctx context.Context, pageURL string) (string, error) {
	delay := s.backoffBase
	var lastErr error
	for attempt := 1; attempt <= s.retries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		if err != nil {
			return "", fmt.Errorf("build request for %s: %w", pageURL, err)
		}
		req.Header.Set("User-Agent", userAgent)

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			body, readErr := readBody(resp)
			switch {
			case readErr != nil:
				lastErr = readErr
			case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
				lastErr = fmt.Errorf("status %d from %s", resp.StatusCode, pageURL)
			case resp.StatusCode >= 400:
				return "", fmt.Errorf("status %d from %s", resp.StatusCode, pageURL)
			default:
				return body, nil
			}
		}

		if attempt < s.retries {
			s.log.Warn().Err(lastErr).Str("url", pageURL).Int("attempt", attempt).Dur("backoff", delay).Msg("fetch failed, retrying")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			delay *= 2
		}
	}
	return "", fmt.Errorf("fetch %s after %d attempts: %w", pageURL, s.retries, lastErr)
}

func readBody(resp *http.Response) (string, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}
	return string(data), nil
}

// ParseHTML extracts the title and the main-content text from raw HTML,
// dropping chrome elements and walking the selector cascade.
func ParseHTML(html, pageURL string) (title, content string, err error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", "", fmt.Errorf("parse html from %s: %w", pageURL, err)
	}

	doc.Find("script, style, nav, footer, aside, header").Remove()

	title = strings.TrimSpace(doc.Find("h1").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	if title == "" {
		if u, perr := url.Parse(pageURL); perr == nil {
			parts := strings.Split(strings.Trim(u.Path, "/"), "/")
			title = parts[len(parts)-1]
		}
	}

	var node *goquery.Selection
	for _, sel := range contentSelectors {
		if found := doc.Find(sel).First(); found.Length() > 0 {
			node = found
			break
		}
	}
	if node == nil {
		node = doc.Selection
	}

	content = spaceRe.ReplaceAllString(strings.TrimSpace(node.Text()), " ")
	return title, content, nil
}

// needsBrowser reports whether the parsed text looks like a JS-only shell:
// a canonical marker plus almost no content.
func needsBrowser(content string) bool {
	if len(content) >= jsShellThreshold {
		return false
	}
	lower := strings.ToLower(content)
	for _, marker := range jsIndicators {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
