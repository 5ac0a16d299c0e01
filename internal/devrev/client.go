// Package devrev is a rate-limited client for the DevRev REST API.
//
// Every request waits on the client's limiter, including retries. Responses
// are classified into success, transient or permanent results; transient
// results are retried with exponential backoff up to MaxRetries extra
// attempts, everything else is returned as an *APIError immediately.
package devrev

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL         = "https://api.devrev.ai"
	defaultTimeout         = 30 * time.Second
	defaultRateLimitCalls  = 50
	defaultRateLimitPeriod = 60 * time.Second
	defaultInitialBackoff  = 1 * time.Second
	defaultMaxBackoff      = 30 * time.Second
)

// Options configures a Client
type Options struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
	UserAgent  string

	RateLimitCalls  int
	RateLimitPeriod time.Duration
	// Limiter overrides the limiter built from RateLimitCalls/RateLimitPeriod
	Limiter *rate.Limiter

	// MaxRetries is the number of retries after the first attempt. Negative
	// means no retries; zero means the default of 3.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Logger *zap.Logger
}

// Client talks to the DevRev API
type Client struct {
	baseURL        string
	token          string
	httpClient     *http.Client
	userAgent      string
	limiter        *rate.Limiter
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         *zap.Logger
}

// NewClient creates a client, filling unset options with defaults
func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	limiter := opts.Limiter
	if limiter == nil {
		calls := opts.RateLimitCalls
		if calls <= 0 {
			calls = defaultRateLimitCalls
		}
		period := opts.RateLimitPeriod
		if period <= 0 {
			period = defaultRateLimitPeriod
		}
		limiter = rate.NewLimiter(rate.Every(period/time.Duration(calls)), 1)
	}
	maxRetries := opts.MaxRetries
	switch {
	case maxRetries < 0:
		maxRetries = 0
	case maxRetries == 0:
		maxRetries = 3
	}
	initialBackoff := opts.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = defaultInitialBackoff
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:        baseURL,
		token:          strings.TrimSpace(opts.Token),
		httpClient:     httpClient,
		userAgent:      strings.TrimSpace(opts.UserAgent),
		limiter:        limiter,
		maxRetries:     maxRetries,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		logger:         logger,
	}
}

// exchange is the tagged result of one HTTP round trip
type exchange struct {
	result     Result
	status     int
	body       []byte
	retryAfter time.Duration
	err        error
}

// do performs a request with rate limiting and retries, decoding a 2xx body
// into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, payload any, out any) error {
	if c.token == "" {
		return fmt.Errorf("devrev: api token is required")
	}
	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("devrev: encode %s payload: %w", endpoint, err)
		}
	}
	requestID := uuid.NewString()

	for attempt := 1; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return &APIError{Method: method, Endpoint: endpoint, Result: ResultPermanent, Attempts: attempt, Err: err}
		}

		ex := c.roundTrip(ctx, method, endpoint, query, bodyBytes, requestID)
		switch ex.result {
		case ResultSuccess:
			if attempt > 1 {
				c.logger.Info("devrev: request succeeded after retry",
					zap.String("endpoint", endpoint), zap.Int("attempt", attempt))
			}
			if out == nil || len(ex.body) == 0 {
				return nil
			}
			if err := json.Unmarshal(ex.body, out); err != nil {
				return fmt.Errorf("devrev: decode %s response: %w", endpoint, err)
			}
			return nil

		case ResultTransient:
			if attempt > c.maxRetries {
				return c.apiError(method, endpoint, ex, attempt)
			}
			delay := retryDelay(attempt, ex.retryAfter, c.initialBackoff, c.maxBackoff)
			c.logger.Warn("devrev: transient failure, retrying",
				zap.String("endpoint", endpoint),
				zap.Int("status", ex.status),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", c.maxRetries+1),
				zap.Duration("backoff", delay),
				zap.Error(ex.err))
			if err := sleepContext(ctx, delay); err != nil {
				return &APIError{Method: method, Endpoint: endpoint, Result: ResultPermanent, Attempts: attempt, Err: err}
			}

		default:
			return c.apiError(method, endpoint, ex, attempt)
		}
	}
}

func (c *Client) roundTrip(ctx context.Context, method, endpoint string, query url.Values, body []byte, requestID string) exchange {
	target := c.baseURL + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return exchange{result: ResultPermanent, err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return exchange{result: classifyTransportError(ctx, err), err: err}
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return exchange{result: classifyTransportError(ctx, readErr), status: resp.StatusCode, err: readErr}
	}
	return exchange{
		result:     ClassifyStatus(resp.StatusCode),
		status:     resp.StatusCode,
		body:       respBody,
		retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
}

func (c *Client) apiError(method, endpoint string, ex exchange, attempts int) *APIError {
	apiErr := &APIError{
		Method:     method,
		Endpoint:   endpoint,
		StatusCode: ex.status,
		Result:     ex.result,
		Attempts:   attempts,
		Err:        ex.err,
	}
	if len(ex.body) > 0 {
		apiErr.Message = strings.TrimSpace(string(ex.body))
		var parsed struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(ex.body, &parsed) == nil {
			if parsed.Code != "" {
				apiErr.Code = parsed.Code
			} else {
				apiErr.Code = parsed.Type
			}
			if strings.TrimSpace(parsed.Message) != "" {
				apiErr.Message = parsed.Message
			}
		}
	}
	return apiErr
}

// parseRetryAfter reads a Retry-After header given as delay seconds or as an
// HTTP date. Dates in the past yield zero.
func parseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	at, err := http.ParseTime(header)
	if err != nil {
		return 0
	}
	if d := at.Sub(now); d > 0 {
		return d
	}
	return 0
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
