package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/sagehq/sage/internal/log"
)

// EmbedTimeout bounds embedding generation during ingestion.
const EmbedTimeout = 30 * time.Second

// ErrDimensionMismatch is returned when an embedding does not match the
// store's configured vector width. Mismatches are fatal at ingestion, never
// a silent skip.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store manages knowledge sources and chunks backed by PostgreSQL + pgvector.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool     *pgxpool.Pool
	embedder Embedder
	logger   log.Logger
}

// NewStore creates a knowledge Store.
func NewStore(pool *pgxpool.Pool, embedder Embedder, logger log.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	return &Store{pool: pool, embedder: embedder, logger: logger}, nil
}

// HashContent returns the content address for raw document bytes.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// EnsureSource resolves content to a source id, creating the row if this
// hash has never been ingested. created reports whether a new row was made.
func (s *Store) EnsureSource(ctx context.Context, hash, sourceType, name string, metadata map[string]any) (uuid.UUID, bool, error) {
	return s.ensureSource(ctx, s.pool, hash, sourceType, name, metadata)
}

func (s *Store) ensureSource(ctx context.Context, q querier, hash, sourceType, name string, metadata map[string]any) (uuid.UUID, bool, error) {
	if hash == "" {
		return uuid.Nil, false, fmt.Errorf("hash is required")
	}

	metaJSON, err := json.Marshal(orEmptyMeta(metadata))
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("marshaling metadata: %w", err)
	}

	var id uuid.UUID
	err = q.QueryRow(ctx,
		`INSERT INTO knowledge_sources (hash, source_type, name, metadata)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (hash) DO NOTHING
		 RETURNING id`,
		hash, sourceType, name, metaJSON).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, fmt.Errorf("inserting source: %w", err)
	}

	// Conflict: the hash already exists, resolve to the existing row.
	if err := q.QueryRow(ctx,
		`SELECT id FROM knowledge_sources WHERE hash = $1`, hash).Scan(&id); err != nil {
		return uuid.Nil, false, fmt.Errorf("resolving existing source: %w", err)
	}
	return id, false, nil
}

// AppendChunk appends one chunk to a source, assigning the next gapless
// chunk index. The source row is locked for the transaction so concurrent
// appends to the same source serialize instead of racing on the index.
func (s *Store) AppendChunk(ctx context.Context, sourceID uuid.UUID, content string, embedding []float32, metadata map[string]any) (int32, error) {
	if len(embedding) != s.embedder.Dimension() {
		return 0, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(embedding), s.embedder.Dimension())
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	index, err := s.appendChunk(ctx, tx, sourceID, content, embedding, metadata)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing chunk append: %w", err)
	}
	return index, nil
}

func (s *Store) appendChunk(ctx context.Context, tx pgx.Tx, sourceID uuid.UUID, content string, embedding []float32, metadata map[string]any) (int32, error) {
	if _, err := tx.Exec(ctx,
		`SELECT id FROM knowledge_sources WHERE id = $1 FOR UPDATE`, sourceID); err != nil {
		return 0, fmt.Errorf("locking source: %w", err)
	}

	metaJSON, err := json.Marshal(orEmptyMeta(metadata))
	if err != nil {
		return 0, fmt.Errorf("marshaling metadata: %w", err)
	}

	var index int32
	if err := tx.QueryRow(ctx,
		`INSERT INTO knowledge_chunks (source_id, chunk_index, content, embedding, metadata)
		 SELECT $1, COALESCE(MAX(chunk_index) + 1, 0), $2, $3, $4
		 FROM knowledge_chunks WHERE source_id = $1
		 RETURNING chunk_index`,
		sourceID, content, pgvector.NewVector(embedding), metaJSON).Scan(&index); err != nil {
		return 0, fmt.Errorf("appending chunk: %w", err)
	}
	return index, nil
}

// IngestDocument chunks, embeds, and stores content as one source. It is
// idempotent by content hash: re-ingesting identical bytes resolves to the
// existing source id without touching its chunks. An embedding or chunk
// write failure is fatal to the call; the caller retries, and the hash guard
// prevents duplicate sources on retry.
func (s *Store) IngestDocument(ctx context.Context, sourceType, name, content string, metadata map[string]any) (uuid.UUID, bool, error) {
	hash := HashContent([]byte(content))

	chunks := SplitText(content, DefaultChunkSize, DefaultChunkOverlap)
	if len(chunks) == 0 {
		return uuid.Nil, false, fmt.Errorf("no ingestable content in %q", name)
	}

	// Embed outside the transaction so no connection is held during the
	// slowest step.
	embedCtx, cancel := context.WithTimeout(ctx, EmbedTimeout)
	defer cancel()
	vectors, err := s.embedder.EmbedBatch(embedCtx, chunks)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("embedding %q: %w", name, err)
	}
	for _, v := range vectors {
		if len(v) != s.embedder.Dimension() {
			return uuid.Nil, false, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), s.embedder.Dimension())
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	sourceID, created, err := s.ensureSource(ctx, tx, hash, sourceType, name, metadata)
	if err != nil {
		return uuid.Nil, false, err
	}
	if !created {
		s.logger.Debug("content already ingested", "name", name, "source_id", sourceID)
		return sourceID, false, nil
	}

	for i, chunk := range chunks {
		metaJSON, marshalErr := json.Marshal(orEmptyMeta(metadata))
		if marshalErr != nil {
			return uuid.Nil, false, fmt.Errorf("marshaling metadata: %w", marshalErr)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO knowledge_chunks (source_id, chunk_index, content, embedding, metadata)
			 VALUES ($1, $2, $3, $4, $5)`,
			sourceID, int32(i), chunk, pgvector.NewVector(vectors[i]), metaJSON); err != nil {
			return uuid.Nil, false, fmt.Errorf("writing chunk %d of %q: %w", i, name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, false, fmt.Errorf("committing ingestion of %q: %w", name, err)
	}

	s.logger.Info("document ingested", "name", name, "source_id", sourceID, "chunks", len(chunks))
	return sourceID, true, nil
}

// LinkConversation associates a source with a conversation (and optionally
// the message that introduced it). Idempotent.
func (s *Store) LinkConversation(ctx context.Context, conversationID uuid.UUID, messageID *uuid.UUID, sourceID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_sources (conversation_id, message_id, source_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (conversation_id, source_id) DO NOTHING`,
		conversationID, messageID, sourceID)
	if err != nil {
		return fmt.Errorf("linking source to conversation: %w", err)
	}
	return nil
}

// LinkProject associates a source with a project. Idempotent.
func (s *Store) LinkProject(ctx context.Context, projectID, sourceID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO project_sources (project_id, source_id)
		 VALUES ($1, $2)
		 ON CONFLICT (project_id, source_id) DO NOTHING`,
		projectID, sourceID)
	if err != nil {
		return fmt.Errorf("linking source to project: %w", err)
	}
	return nil
}

// ConversationSources returns the allow-list of source ids visible to a
// conversation.
func (s *Store) ConversationSources(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	return s.sourceIDs(ctx,
		`SELECT source_id FROM conversation_sources WHERE conversation_id = $1`, conversationID)
}

// ProjectSources returns the allow-list of source ids visible to a project.
func (s *Store) ProjectSources(ctx context.Context, projectID uuid.UUID) ([]uuid.UUID, error) {
	return s.sourceIDs(ctx,
		`SELECT source_id FROM project_sources WHERE project_id = $1`, projectID)
}

func (s *Store) sourceIDs(ctx context.Context, sql string, scope uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, sql, scope)
	if err != nil {
		return nil, fmt.Errorf("listing sources: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning source id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RemoveConversation unlinks a conversation and deletes sources left with
// no remaining conversation or project references. Chunk rows cascade from
// source deletion.
func (s *Store) RemoveConversation(ctx context.Context, conversationID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	if _, err := tx.Exec(ctx,
		`DELETE FROM conversation_sources WHERE conversation_id = $1`, conversationID); err != nil {
		return fmt.Errorf("unlinking conversation: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`DELETE FROM knowledge_sources s
		 WHERE NOT EXISTS (SELECT 1 FROM conversation_sources cs WHERE cs.source_id = s.id)
		   AND NOT EXISTS (SELECT 1 FROM project_sources ps WHERE ps.source_id = s.id)`)
	if err != nil {
		return fmt.Errorf("deleting orphaned sources: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing conversation removal: %w", err)
	}

	s.logger.Info("conversation removed",
		"conversation_id", conversationID,
		"orphaned_sources_deleted", tag.RowsAffected())
	return nil
}

func orEmptyMeta(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
