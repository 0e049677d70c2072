package adapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/amishk599/gigradar/internal/model"
)

const maxPageBytes = 4 << 20

// parseRetryAfter parses the Retry-After header value into a duration.
// Supports seconds format (e.g. "120"). Returns zero if absent or unparseable.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// get issues a browser-like GET and maps the response status onto the
// error taxonomy. 429 and 403 are treated as a block.
func (a *MostaqlAdapter) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("mostaql request %s: %w", url, err)
	}
	req.Header.Set("User-Agent", a.agents.Pick())
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "ar,en-US;q=0.7,en;q=0.3")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
	req.Header.Set("Cache-Control", "max-age=0")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mostaql fetch %s: %w", url, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		return nil, &model.HTTPError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        fmt.Errorf("mostaql fetch %s: %w", url, model.ErrBlocked),
		}
	case resp.StatusCode >= 400:
		resp.Body.Close()
		return nil, &model.HTTPError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        fmt.Errorf("mostaql fetch %s: unexpected status %d", url, resp.StatusCode),
		}
	}
	return resp, nil
}

// document fetches url and parses it as HTML.
func (a *MostaqlAdapter) document(ctx context.Context, url string) (*goquery.Document, error) {
	resp, err := a.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("mostaql read %s: %w", url, err)
	}
	if isChallenge(doc) {
		return nil, fmt.Errorf("mostaql fetch %s: challenge page: %w", url, model.ErrBlocked)
	}
	return doc, nil
}
