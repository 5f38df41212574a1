package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/waveline-ai/waveline/pkg/models"
)

// KnowledgeStore reads knowledge-base entries. Entries are cross-tenant;
// each tenant selects its set via tenant_knowledge_sets. Similarity scoring
// happens in pkg/rag over the candidates returned here.
type KnowledgeStore struct {
	db *sql.DB
}

const knowledgeColumns = `k.id, k.title, k.answer, k.category,
	array_to_json(k.semantic_tags), k.summary, array_to_json(k.related_articles),
	k.embedding, k.priority, k.active, k.created_at`

// ListForTenant returns the tenant's active knowledge entries, optionally
// restricted to the given categories, with embeddings loaded.
func (s *KnowledgeStore) ListForTenant(ctx context.Context, tenantID string, categories []string) ([]models.KnowledgeEntry, error) {
	query := `
		SELECT ` + knowledgeColumns + `
		FROM knowledge_entries k
		JOIN tenant_knowledge_sets tks ON tks.knowledge_id = k.id
		WHERE tks.tenant_id = $1 AND k.active`
	args := []any{tenantID}
	if len(categories) > 0 {
		query += ` AND k.category = ANY($2::text[])`
		args = append(args, textArray(categories))
	}
	query += ` ORDER BY k.priority DESC, k.id`

	return s.query(ctx, query, args...)
}

// FindByCategory returns up to k active entries of a category for the tenant.
func (s *KnowledgeStore) FindByCategory(ctx context.Context, tenantID, category string, k int) ([]models.KnowledgeEntry, error) {
	return s.query(ctx, `
		SELECT `+knowledgeColumns+`
		FROM knowledge_entries k
		JOIN tenant_knowledge_sets tks ON tks.knowledge_id = k.id
		WHERE tks.tenant_id = $1 AND k.active AND k.category = $2
		ORDER BY k.priority DESC, k.id
		LIMIT $3`, tenantID, category, k)
}

// FindByTags returns up to k active entries overlapping any of the tags.
func (s *KnowledgeStore) FindByTags(ctx context.Context, tenantID string, tags []string, k int) ([]models.KnowledgeEntry, error) {
	return s.query(ctx, `
		SELECT `+knowledgeColumns+`
		FROM knowledge_entries k
		JOIN tenant_knowledge_sets tks ON tks.knowledge_id = k.id
		WHERE tks.tenant_id = $1 AND k.active AND k.semantic_tags && $2::text[]
		ORDER BY k.priority DESC, k.id
		LIMIT $3`, tenantID, textArray(tags), k)
}

func (s *KnowledgeStore) query(ctx context.Context, query string, args ...any) ([]models.KnowledgeEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query knowledge entries: %w", err)
	}
	defer rows.Close()

	var entries []models.KnowledgeEntry
	for rows.Next() {
		e, err := scanKnowledge(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func scanKnowledge(rows *sql.Rows) (*models.KnowledgeEntry, error) {
	var e models.KnowledgeEntry
	var tagsJSON, relatedJSON, embeddingJSON []byte
	err := rows.Scan(&e.ID, &e.Title, &e.Answer, &e.Category, &tagsJSON, &e.Summary,
		&relatedJSON, &embeddingJSON, &e.Priority, &e.Active, &e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan knowledge entry: %w", err)
	}
	if err := json.Unmarshal(tagsJSON, &e.SemanticTags); err != nil {
		return nil, fmt.Errorf("failed to decode semantic tags: %w", err)
	}
	if err := json.Unmarshal(relatedJSON, &e.RelatedArticles); err != nil {
		return nil, fmt.Errorf("failed to decode related articles: %w", err)
	}
	if err := json.Unmarshal(embeddingJSON, &e.Embedding); err != nil {
		return nil, fmt.Errorf("failed to decode embedding: %w", err)
	}
	return &e, nil
}
