// Package anthropic is an llm.Provider for the Anthropic Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jkaninda/warp/internal/llm"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	messagesPath     = "/v1/messages"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 2048
	maxResponseBytes = 4 << 20
)

// APIError is a non-200 answer from the Messages API.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("anthropic: %s (status %d): %s", e.Type, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("anthropic: status %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether another provider or a later attempt may succeed.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client talks to the Messages API.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithBaseURL points the client at another endpoint, such as a test server
// or a gateway in front of the API.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a Client for model.
func NewClient(apiKey, model string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{apiKey: apiKey, model: model, baseURL: defaultBaseURL, http: http.DefaultClient, logger: logger}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Name() string { return "anthropic" }

func (c *Client) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	payload, err := json.Marshal(c.messagesRequest(req))
	if err != nil {
		return nil, fmt.Errorf("anthropic: encoding request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+messagesPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.apiKey)
	httpReq.Header.Set("Anthropic-Version", apiVersion)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("anthropic: reading response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(httpResp.StatusCode, body)
	}

	var out messagesResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("anthropic: decoding response: %w", err)
	}
	resp := out.toLLM()
	c.logger.DebugContext(ctx, "anthropic completion",
		slog.String("model", c.model),
		slog.String("stop_reason", resp.StopReason),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
	)
	return resp, nil
}

// messagesRequest converts req. The API rejects two consecutive turns from
// the same role, so adjacent messages from one role are joined.
func (c *Client) messagesRequest(req *llm.Request) messagesRequest {
	out := messagesRequest{
		Model:       c.model,
		System:      req.SystemPrompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultMaxTokens
	}
	for _, m := range req.Messages {
		if n := len(out.Messages); n > 0 && out.Messages[n-1].Role == string(m.Role) {
			out.Messages[n-1].Content += "\n\n" + m.Content
			continue
		}
		out.Messages = append(out.Messages, turn{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func decodeAPIError(status int, body []byte) error {
	apiErr := &APIError{StatusCode: status}
	var env errorEnvelope
	if json.Unmarshal(body, &env) == nil && env.Error.Message != "" {
		apiErr.Type = env.Error.Type
		apiErr.Message = env.Error.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

type messagesRequest struct {
	Model       string  `json:"model"`
	System      string  `json:"system,omitempty"`
	Messages    []turn  `json:"messages"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float32 `json:"temperature,omitempty"`
}

type turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type messagesResponse struct {
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (r *messagesResponse) toLLM() *llm.Response {
	var sb strings.Builder
	for _, b := range r.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return &llm.Response{
		Content:    sb.String(),
		StopReason: r.StopReason,
		Usage:      llm.Usage{InputTokens: r.Usage.InputTokens, OutputTokens: r.Usage.OutputTokens},
	}
}

type errorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
