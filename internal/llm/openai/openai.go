// Package openai implements the LLM provider interface for the OpenAI Chat Completions API.
// It also serves Ollama and other OpenAI-compatible endpoints through WithBaseURL.
package openai

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/jkaninda/warp/internal/llm"
)

const defaultMaxTokens = 2048

// Client implements llm.Provider on top of go-openai.
type Client struct {
	model  string
	name   string
	cfg    goopenai.ClientConfig
	api    *goopenai.Client
	logger *slog.Logger
}

// Option configures the OpenAI client.
type Option func(*Client)

// WithBaseURL overrides the API base URL, e.g. "http://localhost:11434/v1".
func WithBaseURL(url string) Option {
	return func(c *Client) { c.cfg.BaseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.cfg.HTTPClient = hc }
}

// WithName overrides the provider name (e.g. "ollama").
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// NewClient creates an OpenAI-compatible provider.
func NewClient(apiKey, model string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		model:  model,
		name:   "openai",
		cfg:    goopenai.DefaultConfig(apiKey),
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.api = goopenai.NewClientWithConfig(c.cfg)
	return c
}

func (c *Client) Name() string { return c.name }

// SendMessage sends the conversation as a chat completion.
func (c *Client) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	messages := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		role := goopenai.ChatMessageRoleUser
		if m.Role == llm.RoleAssistant {
			role = goopenai.ChatMessageRoleAssistant
		}
		messages = append(messages, goopenai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	resp, err := c.api.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("%s chat completion: %w", c.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s chat completion: empty choices", c.name)
	}

	choice := resp.Choices[0]
	out := &llm.Response{
		Content:    choice.Message.Content,
		StopReason: mapFinishReason(choice.FinishReason),
		Usage: llm.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}

	c.logger.DebugContext(ctx, "llm request completed",
		slog.String("provider", c.name),
		slog.String("model", c.model),
		slog.Int("input_tokens", out.Usage.InputTokens),
		slog.Int("output_tokens", out.Usage.OutputTokens),
		slog.String("stop_reason", out.StopReason),
	)
	return out, nil
}

func mapFinishReason(r goopenai.FinishReason) string {
	if r == goopenai.FinishReasonLength {
		return llm.StopMaxTokens
	}
	return llm.StopEndTurn
}
