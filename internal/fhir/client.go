package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"healinghands.org/datasync/internal/metrics"
)

// nextRelation marks the bundle link pointing at the following page.
const nextRelation = "next"

// defaultRetryAfter is used when a 429 response carries no Retry-After
// header.
const defaultRetryAfter = 60 * time.Second

// Resource is one FHIR resource document. Fields are accessed through
// the helpers in extract.go; missing keys yield empty defaults.
type Resource = map[string]any

// Client issues authenticated GET requests against the FHIR server,
// handling pagination, rate-limit and server-error retries with token
// rotation.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     *TokenManager
	maxRetries int
	maxPages   int
}

// NewClient creates a FHIR client. The token manager is injected so
// tests can point both at stub servers.
func NewClient(baseURL string, timeout time.Duration, tokens *TokenManager, maxRetries, maxPages int) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if maxPages <= 0 {
		maxPages = 1000
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		tokens:     tokens,
		maxRetries: maxRetries,
		maxPages:   maxPages,
	}
}

// BaseURL returns the configured FHIR base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Request performs an authenticated GET against the given endpoint and
// returns the parsed JSON body. A relative endpoint is resolved against
// the base URL; absolute URLs (next links) pass through unchanged.
//
// Retry policy, bounded by maxRetries:
//   - 429: sleep Retry-After (default 60s), force token refresh, retry
//   - 5xx: sleep 2^attempt seconds, force token refresh, retry
//   - 414: return ErrOversizedQuery immediately, never retried
//   - other errors: force token refresh, sleep 2^attempt, retry
func (c *Client) Request(ctx context.Context, endpoint string, params url.Values) (Resource, error) {
	reqURL := endpoint
	if !strings.HasPrefix(endpoint, "http") {
		reqURL = c.baseURL + "/" + strings.TrimPrefix(endpoint, "/")
	}
	if len(params) > 0 {
		reqURL = reqURL + "?" + params.Encode()
	}

	resourceType := requestLabel(endpoint)

	var lastErr error
	forceRefresh := false

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			log.Info().
				Int("attempt", attempt).
				Int("max_retries", c.maxRetries).
				Str("endpoint", resourceType).
				Msg("Retrying request with new token")
		}

		token, err := c.tokens.Token(forceRefresh)
		if err != nil {
			return nil, err
		}
		forceRefresh = false

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/fhir+json")

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			metrics.RecordFHIRRequest(resourceType, 0, time.Since(start))
			log.Warn().Err(err).Str("endpoint", resourceType).Msg("Request error, retrying")
			lastErr = err
			forceRefresh = true
			if err := sleepCtx(ctx, backoffDelay(attempt)); err != nil {
				return nil, err
			}
			continue
		}

		metrics.RecordFHIRRequest(resourceType, resp.StatusCode, time.Since(start))

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			resp.Body.Close()
			log.Warn().
				Dur("retry_after", retryAfter).
				Str("endpoint", resourceType).
				Msg("Rate limit hit, waiting before retry")
			lastErr = fmt.Errorf("%w: status 429", ErrRateLimited)
			forceRefresh = true
			if err := sleepCtx(ctx, retryAfter); err != nil {
				return nil, err
			}
			continue

		case resp.StatusCode == http.StatusRequestURITooLong:
			resp.Body.Close()
			log.Warn().Str("endpoint", resourceType).Msg("URI too long (414), caller must use a smaller batch size")
			return nil, ErrOversizedQuery

		case resp.StatusCode >= 500:
			resp.Body.Close()
			wait := backoffDelay(attempt)
			log.Warn().
				Int("status", resp.StatusCode).
				Dur("wait", wait).
				Str("endpoint", resourceType).
				Msg("Server error, waiting before retry")
			lastErr = fmt.Errorf("%w: status %d", ErrServerError, resp.StatusCode)
			forceRefresh = true
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
			continue

		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			resp.Body.Close()
			log.Warn().
				Int("status", resp.StatusCode).
				Str("endpoint", resourceType).
				Msg("Authentication rejected, refreshing token")
			lastErr = fmt.Errorf("%w: status %d", ErrAuthFailed, resp.StatusCode)
			forceRefresh = true
			if err := sleepCtx(ctx, backoffDelay(attempt)); err != nil {
				return nil, err
			}
			continue

		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			resp.Body.Close()
			log.Warn().
				Int("status", resp.StatusCode).
				Str("endpoint", resourceType).
				Msg("HTTP error, retrying with new token")
			lastErr = fmt.Errorf("FHIR server returned status %d", resp.StatusCode)
			forceRefresh = true
			if err := sleepCtx(ctx, backoffDelay(attempt)); err != nil {
				return nil, err
			}
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response body: %w", err)
			forceRefresh = true
			continue
		}

		var parsed Resource
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("failed to parse response body: %w", err)
		}

		c.tokens.IncrementRequestCount()
		return parsed, nil
	}

	log.Error().
		Err(lastErr).
		Int("max_retries", c.maxRetries).
		Str("endpoint", resourceType).
		Msg("Request failed after all retry attempts")
	return nil, fmt.Errorf("request failed after %d attempts: %w", c.maxRetries, lastErr)
}

// GetResource fetches a single resource by type and ID.
func (c *Client) GetResource(ctx context.Context, resourceType, resourceID string) (Resource, error) {
	return c.Request(ctx, resourceType+"/"+resourceID, nil)
}

// SearchResources performs a search and returns one bundle page.
func (c *Client) SearchResources(ctx context.Context, resourceType string, params url.Values) (Resource, error) {
	return c.Request(ctx, resourceType, params)
}

// GetAllPages performs a search and follows relation=next links,
// returning the concatenation of all entry resources in page order.
// Traversal stops when no next link is present, a page has no entries,
// or the page cap is reached.
func (c *Client) GetAllPages(ctx context.Context, resourceType string, params url.Values) ([]Resource, error) {
	var all []Resource
	pageCount := 0

	bundle, err := c.SearchResources(ctx, resourceType, params)
	if err != nil {
		return nil, err
	}

	entries := BundleEntries(bundle)
	if len(entries) > 0 {
		all = append(all, entries...)
		pageCount++
		metrics.RecordPageFetched(resourceType)
		log.Info().
			Int("page", pageCount).
			Int("resources", len(entries)).
			Str("resource_type", resourceType).
			Msg("Retrieved page")
	}

	for {
		next := NextLink(bundle)
		if next == "" {
			break
		}
		if pageCount >= c.maxPages {
			log.Warn().
				Int("max_pages", c.maxPages).
				Str("resource_type", resourceType).
				Msg("Page cap reached, stopping pagination")
			break
		}

		bundle, err = c.Request(ctx, next, nil)
		if err != nil {
			return nil, err
		}

		entries = BundleEntries(bundle)
		if len(entries) == 0 {
			break
		}

		all = append(all, entries...)
		pageCount++
		metrics.RecordPageFetched(resourceType)
		log.Info().
			Int("page", pageCount).
			Int("resources", len(entries)).
			Str("resource_type", resourceType).
			Msg("Retrieved page")
	}

	log.Info().
		Int("total", len(all)).
		Str("resource_type", resourceType).
		Msg("Completed paginated retrieval")
	return all, nil
}

// BundleEntries returns the entry resources of a search bundle.
func BundleEntries(bundle Resource) []Resource {
	entries, ok := bundle["entry"].([]any)
	if !ok {
		return nil
	}

	var resources []Resource
	for _, e := range entries {
		entry, ok := e.(map[string]any)
		if !ok {
			continue
		}
		if resource, ok := entry["resource"].(map[string]any); ok {
			resources = append(resources, resource)
		}
	}
	return resources
}

// NextLink returns the URL of the relation=next bundle link, or "".
func NextLink(bundle Resource) string {
	links, ok := bundle["link"].([]any)
	if !ok {
		return ""
	}
	for _, l := range links {
		link, ok := l.(map[string]any)
		if !ok {
			continue
		}
		if link["relation"] == nextRelation {
			if u, ok := link["url"].(string); ok {
				return u
			}
		}
	}
	return ""
}

// backoffDelay returns 2^attempt seconds.
func backoffDelay(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return defaultRetryAfter
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return defaultRetryAfter
	}
	return time.Duration(seconds) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// requestLabel derives a metrics label from an endpoint, avoiding
// unbounded label cardinality from IDs and next-link URLs.
func requestLabel(endpoint string) string {
	if strings.HasPrefix(endpoint, "http") {
		return "page"
	}
	path := strings.TrimPrefix(endpoint, "/")
	if i := strings.IndexAny(path, "/?"); i >= 0 {
		return path[:i]
	}
	return path
}
