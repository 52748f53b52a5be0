package novita

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/paddock-io/paddock/pkg/errdefs"
	"github.com/paddock-io/paddock/pkg/log"
	"github.com/paddock-io/paddock/pkg/metrics"
	"github.com/paddock-io/paddock/pkg/types"
)

const userAgent = "paddock/" + "1.0"

// Config holds the upstream adapter configuration
type Config struct {
	BaseURL          string
	APIKey           string
	RequestTimeout   time.Duration // per request, default 30s
	MaxRetryAttempts int           // retries after the first attempt, default 3
	RateLimitPerMin  int           // token bucket refill, default 100
	Regions          []types.Region
}

// Client wraps the provider HTTP API with the reliability stack: token
// bucket rate limiter, bounded request queue, retry with backoff, and a
// circuit breaker. All typed endpoint methods go through do().
type Client struct {
	baseURL        string
	apiKey         string
	httpClient     *http.Client
	limiter        *rate.Limiter
	gate           *requestGate
	breaker        *Breaker
	maxRetries     int
	requestTimeout time.Duration
	backoffBase    time.Duration
	regions        []types.Region
	logger         zerolog.Logger
}

// NewClient builds a Client from cfg, applying documented defaults
func NewClient(cfg Config) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 3
	}
	if cfg.RateLimitPerMin <= 0 {
		cfg.RateLimitPerMin = 100
	}

	perSecond := rate.Limit(float64(cfg.RateLimitPerMin) / 60.0)

	return &Client{
		baseURL:        cfg.BaseURL,
		apiKey:         cfg.APIKey,
		httpClient:     &http.Client{}, // per-call timeout comes from context
		limiter:        rate.NewLimiter(perSecond, cfg.RateLimitPerMin),
		gate:           newRequestGate(defaultQueueDepth, defaultMaxWait),
		breaker:        NewBreaker(DefaultBreakerConfig()),
		maxRetries:     cfg.MaxRetryAttempts,
		requestTimeout: cfg.RequestTimeout,
		backoffBase:    500 * time.Millisecond,
		regions:        cfg.Regions,
		logger:         log.WithComponent("novita"),
	}
}

// BreakerState exposes the circuit breaker state for the health summary
func (c *Client) BreakerState() BreakerState {
	return c.breaker.State()
}

// do executes one upstream call through the full reliability stack.
// Permanent errors (4xx other than 429, open circuit) return immediately;
// transient errors retry with exponential backoff and jitter.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	if err := c.gate.acquire(ctx); err != nil {
		return err
	}
	defer c.gate.release()

	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if !c.breaker.Allow() {
			return fmt.Errorf("%s %s: %w", method, path, errdefs.ErrCircuitOpen)
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		started := time.Now()
		retryAfter, err := c.roundTrip(ctx, method, path, query, bodyBytes, out)
		metrics.UpstreamRequestDuration.WithLabelValues(path).Observe(time.Since(started).Seconds())
		if err == nil {
			metrics.UpstreamRequestsTotal.WithLabelValues(path, "success").Inc()
			c.breaker.RecordSuccess()
			return nil
		}
		metrics.UpstreamRequestsTotal.WithLabelValues(path, "error").Inc()
		lastErr = err

		// Only infrastructure failures count toward the breaker
		if errdefs.IsRetryable(err) {
			c.breaker.RecordFailure()
		}

		if !errdefs.IsRetryable(err) || attempt == c.maxRetries {
			break
		}

		delay := backoffDelay(c.backoffBase, attempt)
		if retryAfter > delay {
			delay = retryAfter
		}
		c.logger.Debug().Err(err).Int("attempt", attempt+1).Dur("delay", delay).
			Str("path", path).Msg("retrying upstream call")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// roundTrip performs one HTTP exchange and classifies the outcome. The
// returned duration is the parsed Retry-After on 429 responses.
func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, body []byte, out interface{}) (time.Duration, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Connection refused, DNS failure, reset, timeout
		return 0, fmt.Errorf("%s %s: %v: %w", method, path, err, errdefs.ErrUpstreamTimeout)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return 0, fmt.Errorf("%s %s: reading response: %v: %w", method, path, err, errdefs.ErrUpstreamTimeout)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return 0, fmt.Errorf("%s %s: invalid response body: %w", method, path, err)
			}
		}
		return 0, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return parseRetryAfter(resp.Header.Get("Retry-After")),
			fmt.Errorf("%s %s: status 429: %w", method, path, errdefs.ErrUpstreamRateLimit)

	case resp.StatusCode >= 500:
		return 0, fmt.Errorf("%s %s: status %d: %s: %w", method, path, resp.StatusCode,
			truncate(data, 200), errdefs.ErrUpstreamServer)

	default:
		return 0, fmt.Errorf("%s %s: status %d: %s: %w", method, path, resp.StatusCode,
			truncate(data, 200), errdefs.ErrUpstreamClient)
	}
}

// backoffDelay computes base * 2^attempt with up to 10% positive jitter
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base << uint(attempt)
	jitter := time.Duration(rand.Int63n(int64(delay)/10 + 1))
	return delay + jitter
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(data []byte, n int) string {
	if len(data) > n {
		return string(data[:n]) + "..."
	}
	return string(data)
}
