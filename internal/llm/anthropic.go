package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/railwatch/railwatch/internal/utils"
)

const anthropicEndpoint = "https://api.anthropic.com/v1/messages"

// AnthropicClient implements Client on the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	model      string
	endpoint   string
	httpClient *http.Client
}

// NewAnthropicClient constructs the Anthropic provider.
func NewAnthropicClient(apiKey, model string, timeout time.Duration) *AnthropicClient {
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AnthropicClient{
		apiKey:     apiKey,
		model:      model,
		endpoint:   anthropicEndpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name identifies the provider in logs and telemetry.
func (c *AnthropicClient) Name() string { return "anthropic" }

// Complete runs one messages request.
func (c *AnthropicClient) Complete(ctx context.Context, system, user string) (string, error) {
	const op = "llm.anthropic.Complete"

	body, err := json.Marshal(map[string]any{
		"model":      c.model,
		"max_tokens": 1024,
		"system":     system,
		"messages": []map[string]string{
			{"role": "user", "content": user},
		},
	})
	if err != nil {
		return "", utils.E(utils.KindInternal, op, "marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", utils.E(utils.KindInternal, op, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", utils.E(utils.KindTimeout, op, "request timed out", err)
		}
		return "", utils.E(utils.KindProviderUnavailable, op, "request failed", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", utils.E(utils.KindProviderUnavailable, op, "read response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", utils.E(utils.KindProviderUnavailable, op, fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(payload, 200)), nil)
	}

	var decoded struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", utils.E(utils.KindParseFailure, op, "decode response", err)
	}
	for _, block := range decoded.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", utils.E(utils.KindParseFailure, op, "no text content in response", nil)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
