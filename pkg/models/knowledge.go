package models

import "time"

// KnowledgeEntry is one article of the retrieval knowledge base. Entries are
// cross-tenant by default and selected per tenant via a KB-set association.
type KnowledgeEntry struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Answer          string    `json:"answer"`
	Category        string    `json:"category"`
	SemanticTags    []string  `json:"semanticTags,omitempty"`
	Summary         string    `json:"summary,omitempty"`
	RelatedArticles []string  `json:"relatedArticles,omitempty"`
	Embedding       []float32 `json:"-"`
	Priority        int       `json:"priority"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"createdAt"`
}

// ExampleCategory classifies a conversation example.
type ExampleCategory string

// Example categories.
const (
	ExampleHappyPath ExampleCategory = "happy_path"
	ExampleDeviation ExampleCategory = "deviation"
	ExampleEdgeCase  ExampleCategory = "edge_case"
	ExampleComplex   ExampleCategory = "complex"
)

// ExampleMessage is one turn inside a conversation example.
type ExampleMessage struct {
	Role    string `json:"role"` // user | assistant
	Content string `json:"content"`
	State   string `json:"state,omitempty"`
}

// ConversationExample is a curated few-shot conversation used to steer the
// LLM toward the tenant's tone and flow.
type ConversationExample struct {
	ID           string           `json:"id"`
	Scenario     string           `json:"scenario"`
	Category     ExampleCategory  `json:"category"`
	Outcome      string           `json:"outcome,omitempty"`
	PrimaryState string           `json:"primaryState"`
	StateFlow    []string         `json:"stateFlow,omitempty"`
	Messages     []ExampleMessage `json:"messages"`
	Embedding    []float32        `json:"-"`
	CreatedAt    time.Time        `json:"createdAt"`
}
