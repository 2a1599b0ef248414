package catalog

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"context"

	"github.com/robertpelloni/picard/internal/logctx"
	"github.com/robertpelloni/picard/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const userAgent = "picard-orchestrator/1.0 ( https://github.com/robertpelloni/picard )"

// HTTPError represents a non-2xx response from the catalog service.
type HTTPError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s - %s", e.StatusCode, e.Status, e.Message)
}

// IsRetryableHTTPError checks if a catalog error should be retried.
func IsRetryableHTTPError(err error) bool {
	for err != nil {
		if httpErr, ok := err.(*HTTPError); ok {
			switch httpErr.StatusCode {
			case http.StatusServiceUnavailable,
				http.StatusTooManyRequests,
				http.StatusBadGateway,
				http.StatusGatewayTimeout:
				return true
			}

			return false
		}

		if unwrapped, ok := err.(interface{ Unwrap() error }); ok {
			err = unwrapped.Unwrap()
		} else {
			break
		}
	}

	// plain transport errors (timeouts, resets) are worth one more try
	return true
}

// Client talks to a MusicBrainz-style paged catalog service. Outgoing
// requests share one rate limiter honoring the service's documented ceiling.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	baseDelay  time.Duration
	tel        *telemetry.Telemetry
}

// NewClient creates a catalog client. tel may be nil.
func NewClient(baseURL string, requestInterval time.Duration, maxRetries int, baseDelay time.Duration, tel *telemetry.Telemetry) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter:    rate.NewLimiter(rate.Every(requestInterval), 1),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		tel:        tel,
	}
}

// getJSON performs one rate-limited request and decodes the response.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	query.Set("fmt", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)

		message := string(body)
		if len(message) > 200 {
			message = message[:200] + "..."
		}

		return &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Message:    message,
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// getWithRetry retries a single failed page with bounded backoff before
// giving up on it. Non-retryable errors surface immediately.
func (c *Client) getWithRetry(ctx context.Context, path string, query url.Values, out any) error {
	logger := logctx.LoggerFromContext(ctx)

	var err error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		err = c.getJSON(ctx, path, query, out)
		if err == nil {
			c.recordPage("success")

			return nil
		}

		if ctx.Err() != nil {
			return err
		}

		if !IsRetryableHTTPError(err) {
			c.recordPage("error")

			return err
		}

		if attempt == c.maxRetries {
			break
		}

		delay := c.baseDelay << attempt
		logger.Debug("catalog page failed, retrying", "path", path, "attempt", attempt+1, "delay", delay.String(), "err", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	c.recordPage("error")

	return fmt.Errorf("failed after %d attempts: %w", c.maxRetries+1, err)
}

func (c *Client) recordPage(status string) {
	if c.tel != nil {
		c.tel.RecordCatalogPage(status)
	}
}

type artistSearchPage struct {
	Artists []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"artists"`
}

// SearchArtist resolves an artist name to its catalog id. Used when the
// caller has no artist id in its metadata yet.
func (c *Client) SearchArtist(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("artist name must not be empty")
	}

	query := url.Values{}
	query.Set("query", fmt.Sprintf("artist:%q", name))
	query.Set("limit", "1")

	var page artistSearchPage
	if err := c.getWithRetry(ctx, "/artist", query, &page); err != nil {
		return "", fmt.Errorf("artist search failed: %w", err)
	}

	if len(page.Artists) == 0 {
		return "", fmt.Errorf("no artist found for %q", name)
	}

	return page.Artists[0].ID, nil
}

type urlRelationsPage struct {
	Relations []struct {
		Type string `json:"type"`
		URL  struct {
			Resource string `json:"resource"`
		} `json:"url"`
	} `json:"relations"`
}

// BandcampURL resolves a release group's Bandcamp page from its URL
// relationships, falling back to a search-engine query when the catalog has
// no direct link.
func (c *Client) BandcampURL(ctx context.Context, releaseGroupID, artist, title string) (string, error) {
	query := url.Values{}
	query.Set("inc", "url-rels")

	var page urlRelationsPage
	if err := c.getWithRetry(ctx, "/release-group/"+url.PathEscape(releaseGroupID), query, &page); err != nil {
		return "", fmt.Errorf("failed to fetch url relations: %w", err)
	}

	for _, rel := range page.Relations {
		if strings.Contains(rel.URL.Resource, "bandcamp.com") {
			return rel.URL.Resource, nil
		}
	}

	fallback := url.Values{}
	fallback.Set("q", artist+" "+title+" bandcamp")

	return "https://duckduckgo.com/?" + fallback.Encode(), nil
}
