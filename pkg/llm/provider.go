// Package llm contracts the language-model providers the engine depends on.
// Implementations are injectable; the engine never talks to a vendor SDK
// directly.
package llm

import "context"

// Role of one conversation message sent to the provider.
type Role string

// Conversation roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of provider-visible conversation history.
type Message struct {
	Role    Role
	Content string
}

// Request is a single generation call.
type Request struct {
	SystemPrompt string
	Messages     []Message
	Model        string // empty = provider default
	JSONMode     bool   // constrain output to a JSON object
	MaxTokens    int    // 0 = provider default
}

// Usage reports provider token accounting for a call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is the provider's completion.
type Response struct {
	Content      string
	Usage        Usage
	FinishReason string
}

// Provider generates chat completions.
type Provider interface {
	GenerateResponse(ctx context.Context, req Request) (*Response, error)
}

// Embedder turns text into a dense vector for similarity retrieval.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}
