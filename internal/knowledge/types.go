// Package knowledge is the durable, content-addressed document store with
// vector search. Sources are deduplicated by content hash, chunks are
// appended in order, and every search is scoped to an explicit allow-list
// of source ids.
package knowledge

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Source type values for knowledge_sources.source_type.
const (
	SourceTypeFile         = "file"
	SourceTypeText         = "text"
	SourceTypeConversation = "conversation"
)

// Embedder produces fixed-dimension embeddings. Satisfied by *llm.Embedder.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Source is one deduplicated ingested document.
type Source struct {
	ID        uuid.UUID
	Hash      string
	Type      string
	Name      string
	Metadata  map[string]any
	CreatedAt time.Time
}

// Chunk is one ordered segment of a source's content. Index is gapless per
// source; append order is reconstruction order.
type Chunk struct {
	ID       uuid.UUID
	SourceID uuid.UUID
	Index    int32
	Content  string
	Metadata map[string]any
}

// Hit is a chunk with its similarity score in [0, 1].
type Hit struct {
	Chunk
	Score float64
}
