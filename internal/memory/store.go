package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/sagehq/sage/internal/knowledge"
	"github.com/sagehq/sage/internal/log"
)

// SearchTimeout bounds one project-memory search including query embedding.
const SearchTimeout = 10 * time.Second

// searchOverFetch is the similarity over-fetch factor: the top-K by raw
// similarity is not the top-K after the recency blend.
const searchOverFetch = 2

// ErrDimensionMismatch mirrors the knowledge store's ingestion contract.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Store manages message memories backed by PostgreSQL + pgvector.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool     *pgxpool.Pool
	embedder knowledge.Embedder
	logger   log.Logger
}

// NewStore creates a memory Store.
func NewStore(pool *pgxpool.Pool, embedder knowledge.Embedder, logger log.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	return &Store{pool: pool, embedder: embedder, logger: logger}, nil
}

// RememberMessage embeds and stores one message. Idempotent per message id:
// a message already remembered is left untouched.
func (s *Store) RememberMessage(ctx context.Context, messageID, conversationID uuid.UUID, projectID *uuid.UUID, content string) error {
	if content == "" {
		return fmt.Errorf("content is required")
	}

	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("embedding message: %w", err)
	}
	if len(vec) != s.embedder.Dimension() {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), s.embedder.Dimension())
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO message_memories (message_id, conversation_id, project_id, content, embedding)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (message_id) DO NOTHING`,
		messageID, conversationID, projectID, content, pgvector.NewVector(vec))
	if err != nil {
		return fmt.Errorf("storing message memory: %w", err)
	}

	s.logger.Debug("message remembered", "message_id", messageID, "conversation_id", conversationID)
	return nil
}

// SearchOptions bound one project-memory search. Zero values take package
// defaults; RecencyWeight must be set explicitly (0 is a valid weight, so
// use DefaultRecencyWeight to opt into the default).
type SearchOptions struct {
	Limit                 int
	MinScore              float64
	RecencyWeight         float64
	HorizonDays           float64
	ExcludeConversationID *uuid.UUID
}

func (o SearchOptions) limit() int {
	if o.Limit <= 0 {
		return 5
	}
	return o.Limit
}

func (o SearchOptions) horizon() float64 {
	if o.HorizonDays <= 0 {
		return DefaultHorizonDays
	}
	return o.HorizonDays
}

// SearchProject recalls prior messages in a project, ranked by the blend of
// cosine similarity and recency. The current conversation is usually passed
// as ExcludeConversationID so recall surfaces *other* conversations.
func (s *Store) SearchProject(ctx context.Context, projectID uuid.UUID, query string, opts SearchOptions) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, SearchTimeout)
	defer cancel()

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return s.SearchProjectVector(ctx, projectID, vec, opts)
}

// SearchProjectVector is SearchProject with a caller-supplied query vector.
func (s *Store) SearchProjectVector(ctx context.Context, projectID uuid.UUID, queryVector []float32, opts SearchOptions) ([]Entry, error) {
	if len(queryVector) != s.embedder.Dimension() {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(queryVector), s.embedder.Dimension())
	}

	fetch := opts.limit() * searchOverFetch
	rows, err := s.pool.Query(ctx,
		`SELECT id, message_id, conversation_id, project_id, content, created_at,
		        1 - (embedding <=> $1) AS similarity
		 FROM message_memories
		 WHERE project_id = $2
		   AND ($3::uuid IS NULL OR conversation_id <> $3)
		 ORDER BY embedding <=> $1
		 LIMIT $4`,
		pgvector.NewVector(queryVector), projectID, opts.ExcludeConversationID, fetch)
	if err != nil {
		return nil, fmt.Errorf("searching project memory: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.MessageID, &e.ConversationID, &e.ProjectID,
			&e.Content, &e.CreatedAt, &e.Similarity); err != nil {
			return nil, fmt.Errorf("scanning memory entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rerank(entries, opts.RecencyWeight, opts.horizon(), time.Now())

	out := entries[:0]
	for _, e := range entries {
		if e.Score >= opts.MinScore {
			out = append(out, e)
		}
	}
	if len(out) > opts.limit() {
		out = out[:opts.limit()]
	}
	return out, nil
}
