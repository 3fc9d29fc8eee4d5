// Package platform wraps the Railway GraphQL API: read queries for services,
// deployments, and logs, plus the bounded set of remediation mutations.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/railwatch/railwatch/internal/metrics"
	"github.com/railwatch/railwatch/internal/utils"
)

const (
	defaultTimeout = 30 * time.Second
	maxRetries     = 3
	retryBase      = time.Second
)

// Client is a typed wrapper over the Railway GraphQL endpoint. It is stateless
// apart from the shared rate limiters and safe for concurrent use.
type Client struct {
	apiURL     string
	token      string
	httpClient *http.Client
	perSecond  *rate.Limiter
	perHour    *rate.Limiter
	logger     *slog.Logger
	sleep      func(context.Context, time.Duration) error
}

// Option customises client construction.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client (used by tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimits overrides the default 50 req/s and 10,000 req/h buckets.
func WithRateLimits(perSec, perHour int) Option {
	return func(c *Client) {
		if perSec > 0 {
			c.perSecond = rate.NewLimiter(rate.Limit(perSec), perSec)
		}
		if perHour > 0 {
			c.perHour = rate.NewLimiter(rate.Limit(float64(perHour)/3600.0), perHour/10+1)
		}
	}
}

// NewClient constructs a platform client. An empty token is allowed; calls
// made with it fail fast with a NotConfigured error and no network I/O.
func NewClient(apiURL, token string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		apiURL:     strings.TrimRight(apiURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
		perSecond:  rate.NewLimiter(rate.Limit(50), 50),
		perHour:    rate.NewLimiter(rate.Limit(10000.0/3600.0), 1000),
		logger:     logger,
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether an API token is present.
func (c *Client) Configured() bool { return c.token != "" }

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

// execute posts one GraphQL operation and decodes `data` into out. Transient
// failures (network errors, 5xx) are retried up to three times with
// exponential backoff; 429 responses share the same backoff but consume a
// separate three-attempt budget. Other 4xx responses are not retried.
func (c *Client) execute(ctx context.Context, op, query string, variables map[string]any, out any) error {
	if c.token == "" {
		return utils.E(utils.KindNotConfigured, op, "railway api token not configured", nil)
	}

	transientAttempts := 0
	rateAttempts := 0
	for {
		err := c.doOnce(ctx, op, query, variables, out)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return utils.E(utils.KindTimeout, op, "context cancelled", ctx.Err())
		}

		var attempt int
		switch utils.KindOf(err) {
		case utils.KindRateLimited:
			rateAttempts++
			if rateAttempts > maxRetries {
				return err
			}
			attempt = rateAttempts
		case utils.KindNetwork, utils.KindTimeout:
			transientAttempts++
			if transientAttempts > maxRetries {
				return err
			}
			attempt = transientAttempts
		default:
			return err
		}

		metrics.ObservePlatformRetry(string(utils.KindOf(err)))
		delay := retryBase << (attempt - 1)
		c.logger.Debug("retrying platform request",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("kind", string(utils.KindOf(err))))
		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			return utils.E(utils.KindTimeout, op, "context cancelled during backoff", sleepErr)
		}
	}
}

func (c *Client) doOnce(ctx context.Context, op, query string, variables map[string]any, out any) error {
	if err := c.perSecond.Wait(ctx); err != nil {
		return utils.E(utils.KindTimeout, op, "rate limiter wait", err)
	}
	if err := c.perHour.Wait(ctx); err != nil {
		return utils.E(utils.KindTimeout, op, "rate limiter wait", err)
	}

	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return utils.E(utils.KindInternal, op, "marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return utils.E(utils.KindInternal, op, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return utils.E(utils.KindTimeout, op, "request timed out", err)
		}
		return utils.E(utils.KindNetwork, op, "request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return utils.E(utils.KindRateLimited, op, "rate limited by platform", nil)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return utils.E(utils.KindUnauthorized, op, fmt.Sprintf("platform returned %d", resp.StatusCode), nil)
	case resp.StatusCode == http.StatusNotFound:
		return utils.E(utils.KindNotFound, op, "platform endpoint not found", nil)
	case resp.StatusCode >= 500:
		return utils.E(utils.KindNetwork, op, fmt.Sprintf("platform returned %d", resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		return utils.E(utils.KindAPI, op, fmt.Sprintf("platform returned %d", resp.StatusCode), nil)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return utils.E(utils.KindNetwork, op, "read response", err)
	}

	var gql graphQLResponse
	if err := json.Unmarshal(payload, &gql); err != nil {
		return utils.E(utils.KindParseFailure, op, "decode graphql envelope", err)
	}
	if len(gql.Errors) > 0 {
		msgs := make([]string, 0, len(gql.Errors))
		for _, e := range gql.Errors {
			msgs = append(msgs, e.Message)
		}
		joined := strings.Join(msgs, "; ")
		kind := utils.KindAPI
		lower := strings.ToLower(joined)
		switch {
		case strings.Contains(lower, "not authorized"), strings.Contains(lower, "unauthorized"):
			kind = utils.KindUnauthorized
		case strings.Contains(lower, "not found"):
			kind = utils.KindNotFound
		}
		return utils.E(kind, op, joined, nil)
	}
	if out != nil {
		if err := json.Unmarshal(gql.Data, out); err != nil {
			return utils.E(utils.KindParseFailure, op, "decode graphql data", err)
		}
	}
	return nil
}
