package extract

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
)

// browserWaitTimeout bounds how long the headless browser waits for a main
// content element to appear before scraping whatever rendered.
const browserWaitTimeout = 30 * time.Second

// mainContentQuery matches the elements the scraper treats as "content has
// loaded" signals in a rendered page.
const mainContentQuery = "main, article, .content, .main-content, .markdown-body"

// ChromeFetch renders a page with chromedp and returns the resulting HTML.
// It satisfies BrowserFetch.
func ChromeFetch(ctx context.Context, pageURL string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent(userAgent),
	)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	if err := chromedp.Run(browserCtx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return "", fmt.Errorf("load %s: %w", pageURL, err)
	}

	// Wait for a main content element, but only up to the budget; pages
	// without semantic markup still get scraped with whatever rendered.
	waitCtx, cancelWait := context.WithTimeout(browserCtx, browserWaitTimeout)
	_ = chromedp.Run(waitCtx, chromedp.WaitReady(mainContentQuery, chromedp.ByQuery))
	cancelWait()

	var html string
	if err := chromedp.Run(browserCtx, chromedp.OuterHTML("html", &html)); err != nil {
		return "", fmt.Errorf("render %s: %w", pageURL, err)
	}
	return html, nil
}
