// Package model defines the provider-agnostic LLM client surface used by the
// planner and the compaction summarizer. Agent-to-agent payloads in this
// runtime are opaque text (see messaging.AgentMessage), so unlike a
// multimodal chat SDK this package only needs a flat request/response shape:
// a list of role-tagged messages in, one completion out.
package model

import "context"

// ConversationRole identifies the speaker of a Message in a Request.
type ConversationRole string

const (
	RoleSystem    ConversationRole = "system"
	RoleUser      ConversationRole = "user"
	RoleAssistant ConversationRole = "assistant"
)

// Message is one turn of a conversation submitted to a Client.
type Message struct {
	Role ConversationRole
	Text string
}

// ModelClass lets a caller ask for a tier of model without naming a specific
// provider identifier. Clients that do not distinguish tiers treat every
// class as their default model.
type ModelClass string

const (
	ModelClassDefault       ModelClass = ""
	ModelClassHighReasoning ModelClass = "high_reasoning"
	ModelClassSmall         ModelClass = "small"
)

// Request is a single completion request.
type Request struct {
	Messages    []Message
	ModelClass  ModelClass
	Model       string
	MaxTokens   int
	Temperature float32
}

// TokenUsage reports the token accounting for a completed request.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

// Response is a single completion result.
type Response struct {
	Text  string
	Usage TokenUsage
}

// Client is the provider-agnostic surface the planner and the compaction
// summarizer depend on. Concrete adapters (e.g. the Anthropic-backed client
// in this module) translate Request/Response into a specific provider API.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// EstimateTokens provides a crude, provider-agnostic token estimate for text
// that has not yet been sent to a model. It approximates the common rule of
// thumb of four characters per token. The compaction package keeps its own
// estimator and does not call this function.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
