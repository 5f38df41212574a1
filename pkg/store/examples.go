package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/waveline-ai/waveline/pkg/models"
)

// ExampleStore reads curated few-shot conversation examples.
type ExampleStore struct {
	db *sql.DB
}

const exampleColumns = `id, scenario, category, outcome, primary_state,
	array_to_json(state_flow), messages, embedding, created_at`

// FindByState returns up to limit examples anchored on a conversation state.
func (s *ExampleStore) FindByState(ctx context.Context, state string, limit int) ([]models.ConversationExample, error) {
	return s.query(ctx, `
		SELECT `+exampleColumns+`
		FROM conversation_examples
		WHERE primary_state = $1
		ORDER BY created_at DESC
		LIMIT $2`, state, limit)
}

// ListAll returns every example with embeddings loaded, for similarity
// scoring in pkg/rag.
func (s *ExampleStore) ListAll(ctx context.Context) ([]models.ConversationExample, error) {
	return s.query(ctx, `
		SELECT `+exampleColumns+` FROM conversation_examples ORDER BY created_at`)
}

func (s *ExampleStore) query(ctx context.Context, query string, args ...any) ([]models.ConversationExample, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation examples: %w", err)
	}
	defer rows.Close()

	var examples []models.ConversationExample
	for rows.Next() {
		e, err := scanExample(rows)
		if err != nil {
			return nil, err
		}
		examples = append(examples, *e)
	}
	return examples, rows.Err()
}

func scanExample(rows *sql.Rows) (*models.ConversationExample, error) {
	var e models.ConversationExample
	var category string
	var flowJSON, messagesJSON, embeddingJSON []byte
	err := rows.Scan(&e.ID, &e.Scenario, &category, &e.Outcome, &e.PrimaryState,
		&flowJSON, &messagesJSON, &embeddingJSON, &e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan conversation example: %w", err)
	}
	e.Category = models.ExampleCategory(category)
	if err := json.Unmarshal(flowJSON, &e.StateFlow); err != nil {
		return nil, fmt.Errorf("failed to decode state flow: %w", err)
	}
	if err := json.Unmarshal(messagesJSON, &e.Messages); err != nil {
		return nil, fmt.Errorf("failed to decode example messages: %w", err)
	}
	if err := json.Unmarshal(embeddingJSON, &e.Embedding); err != nil {
		return nil, fmt.Errorf("failed to decode example embedding: %w", err)
	}
	return &e, nil
}
