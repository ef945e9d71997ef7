// Package platform implements ports.PlatformAdapter for the two supported
// venues: Polymarket-style (zero weather-market fee) and Kalshi-style
// (per-contract fee).
package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	maxRetries    = 3
	baseRetryWait = 500 * time.Millisecond
)

// httpClient is a rate-limited, retrying JSON HTTP client shared by both
// platform adapters (spec §5 "all outbound HTTP must carry a per-request
// timeout").
type httpClient struct {
	http    *http.Client
	limiter *rate.Limiter
}

func newHTTPClient(timeout time.Duration, ratePerSec rate.Limit, burst int) *httpClient {
	return &httpClient{
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(ratePerSec, burst),
	}
}

func (c *httpClient) getJSON(ctx context.Context, url string, out any) error {
	return c.doWithRetry(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return c.http.Do(req)
	}, out)
}

func (c *httpClient) doWithRetry(ctx context.Context, fn func() (*http.Response, error), out any) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("platform: rate limiter: %w", err)
		}

		resp, err := fn()
		if err != nil {
			if attempt == maxRetries {
				return fmt.Errorf("platform: request failed after %d retries: %w", maxRetries, err)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			slog.Warn("platform: rate limited by API", "attempt", attempt+1)
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			if attempt == maxRetries {
				return fmt.Errorf("platform: server error %d after %d retries", resp.StatusCode, maxRetries)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return fmt.Errorf("platform: client error %d: %s", resp.StatusCode, string(body))
		}

		defer resp.Body.Close()
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("platform: decode response: %w", err)
			}
		}
		return nil
	}
	return fmt.Errorf("platform: exhausted %d retries", maxRetries)
}

func (c *httpClient) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * baseRetryWait
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}
