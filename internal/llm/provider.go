// Package llm is the model-facing side of warp's agent: each iteration of
// an agent run sends the task, workspace and step history as one prompt and
// reads back a JSON plan. Providers adapt that exchange to a vendor API;
// FallbackProvider chains them.
package llm

import "context"

// Provider plans one agent iteration. Implementations must honour ctx,
// since an agent run's timeout is enforced only through it.
type Provider interface {
	SendMessage(ctx context.Context, req *Request) (*Response, error)
	// Name labels the provider in logs, metrics and fallback errors.
	Name() string
}

// Request is a single planning call. MaxTokens and Temperature of zero
// leave the provider's defaults in place.
type Request struct {
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
	Temperature  float32
}

// PlanningRequest builds the request the agent sends each iteration: the
// fixed system prompt plus one user turn describing the run so far.
func PlanningRequest(system, prompt string, maxTokens int, temperature float32) *Request {
	return &Request{
		SystemPrompt: system,
		Messages:     []Message{{Role: RoleUser, Content: prompt}},
		MaxTokens:    maxTokens,
		Temperature:  temperature,
	}
}

type Message struct {
	Role    Role
	Content string
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Stop reasons shared by all providers.
const (
	StopEndTurn   = "end_turn"
	StopMaxTokens = "max_tokens"
)

// Response is the model's reply. Content is expected to hold a plan.
type Response struct {
	Content    string
	Usage      Usage
	StopReason string
}

// Truncated reports whether the reply hit the token limit, in which case a
// JSON plan in Content is likely cut short.
func (r *Response) Truncated() bool { return r.StopReason == StopMaxTokens }

type Usage struct {
	InputTokens  int
	OutputTokens int
}
