// Package rag retrieves knowledge articles and few-shot conversation
// examples for the turn prompt. Candidates come from the store with their
// embeddings; cosine scoring and top-K selection happen here.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/waveline-ai/waveline/pkg/models"
)

// Result sizes for one turn prompt.
const (
	KnowledgeTopK = 5
	ExamplesTopK  = 3
)

// Embedder turns the query text into a vector.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// KnowledgeSource supplies retrieval candidates.
type KnowledgeSource interface {
	ListForTenant(ctx context.Context, tenantID string, categories []string) ([]models.KnowledgeEntry, error)
	FindByCategory(ctx context.Context, tenantID, category string, k int) ([]models.KnowledgeEntry, error)
}

// ExampleSource supplies few-shot candidates.
type ExampleSource interface {
	ListAll(ctx context.Context) ([]models.ConversationExample, error)
	FindByState(ctx context.Context, state string, limit int) ([]models.ConversationExample, error)
}

// Retriever scores candidates against the user's query. Embedding failures
// degrade to category/state lookups instead of failing the turn.
type Retriever struct {
	embedder  Embedder
	knowledge KnowledgeSource
	examples  ExampleSource
	logger    *slog.Logger
}

// NewRetriever builds a retriever.
func NewRetriever(embedder Embedder, knowledge KnowledgeSource, examples ExampleSource, logger *slog.Logger) *Retriever {
	return &Retriever{
		embedder:  embedder,
		knowledge: knowledge,
		examples:  examples,
		logger:    logger,
	}
}

// RetrieveKnowledge returns the top knowledge entries for the query,
// restricted to the state's categories when any are configured.
func (r *Retriever) RetrieveKnowledge(ctx context.Context, tenantID, query string, categories []string) ([]models.KnowledgeEntry, error) {
	candidates, err := r.knowledge.ListForTenant(ctx, tenantID, categories)
	if err != nil {
		return nil, fmt.Errorf("failed to list knowledge candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	queryVec, err := r.embedder.GenerateEmbedding(ctx, query)
	if err != nil {
		r.logger.Warn("Embedding failed, falling back to category retrieval",
			"tenant_id", tenantID, "error", err)
		return r.knowledgeFallback(ctx, tenantID, categories)
	}

	type scored struct {
		entry models.KnowledgeEntry
		score float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		ranked = append(ranked, scored{entry: c, score: Cosine(queryVec, c.Embedding)})
	}
	// Candidates arrive priority-desc/id ordered; a stable sort preserves
	// that order among equal scores.
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	k := KnowledgeTopK
	if len(ranked) < k {
		k = len(ranked)
	}
	out := make([]models.KnowledgeEntry, 0, k)
	for _, s := range ranked[:k] {
		out = append(out, s.entry)
	}
	return out, nil
}

func (r *Retriever) knowledgeFallback(ctx context.Context, tenantID string, categories []string) ([]models.KnowledgeEntry, error) {
	if len(categories) == 0 {
		entries, err := r.knowledge.ListForTenant(ctx, tenantID, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to list fallback knowledge: %w", err)
		}
		if len(entries) > KnowledgeTopK {
			entries = entries[:KnowledgeTopK]
		}
		return entries, nil
	}

	var out []models.KnowledgeEntry
	for _, cat := range categories {
		entries, err := r.knowledge.FindByCategory(ctx, tenantID, cat, KnowledgeTopK-len(out))
		if err != nil {
			return nil, fmt.Errorf("failed to find knowledge by category: %w", err)
		}
		out = append(out, entries...)
		if len(out) >= KnowledgeTopK {
			break
		}
	}
	return out, nil
}

// RetrieveExamples returns the few-shot conversations most similar to the
// query, falling back to state-anchored lookup when embedding fails.
func (r *Retriever) RetrieveExamples(ctx context.Context, query, state string) ([]models.ConversationExample, error) {
	candidates, err := r.examples.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list example candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	queryVec, err := r.embedder.GenerateEmbedding(ctx, query)
	if err != nil {
		r.logger.Warn("Embedding failed, falling back to state retrieval",
			"state", state, "error", err)
		return r.examples.FindByState(ctx, state, ExamplesTopK)
	}

	type scored struct {
		example models.ConversationExample
		score   float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		ranked = append(ranked, scored{example: c, score: Cosine(queryVec, c.Embedding)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	k := ExamplesTopK
	if len(ranked) < k {
		k = len(ranked)
	}
	out := make([]models.ConversationExample, 0, k)
	for _, s := range ranked[:k] {
		out = append(out, s.example)
	}
	return out, nil
}

// Cosine computes cosine similarity between two vectors. Mismatched or
// empty vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
