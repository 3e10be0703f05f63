// Package llm wraps the genkit instance behind small, mockable surfaces:
// a Client bound to one model for text generation and an Embedder with a
// fixed output dimensionality. Everything above this package depends on the
// interfaces its consumers declare, never on genkit directly.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"google.golang.org/genai"
)

// DefaultGenerateTimeout bounds a single model call when the caller does not
// configure one.
const DefaultGenerateTimeout = 30 * time.Second

// Client is a generation handle bound to a single model name.
type Client struct {
	g       *genkit.Genkit
	model   string
	timeout time.Duration
}

// New creates a Client for the given model. timeout <= 0 uses
// DefaultGenerateTimeout.
func New(g *genkit.Genkit, model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultGenerateTimeout
	}
	return &Client{g: g, model: model, timeout: timeout}
}

// Generate runs a single prompt through the bound model and returns the
// trimmed response text. No retry: the caller owns retry policy.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := genkit.Generate(ctx, c.g,
		ai.WithModelName(c.model),
		ai.WithPrompt(prompt),
	)
	if err != nil {
		return "", fmt.Errorf("generating with %s: %w", c.model, err)
	}
	return strings.TrimSpace(resp.Text()), nil
}

// Embedder produces fixed-dimension embeddings. gemini-embedding-001 outputs
// 3072 dimensions by default but supports truncation via OutputDimensionality;
// the pgvector schema depends on the configured dimension, so a response of
// any other width is an error here rather than a corrupt row later.
type Embedder struct {
	embedder  ai.Embedder
	dimension int
}

// NewEmbedder wraps e with a dimensionality contract.
func NewEmbedder(e ai.Embedder, dimension int) *Embedder {
	return &Embedder{embedder: e, dimension: dimension}
}

// Dimension returns the contracted embedding width.
func (e *Embedder) Dimension() int { return e.dimension }

// Embed embeds a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds texts in one request, preserving order.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	docs := make([]*ai.Document, len(texts))
	for i, t := range texts {
		docs[i] = ai.DocumentFromText(t, nil)
	}

	dim := int32(e.dimension)
	resp, err := e.embedder.Embed(ctx, &ai.EmbedRequest{
		Input:   docs,
		Options: &genai.EmbedContentConfig{OutputDimensionality: &dim},
	})
	if err != nil {
		return nil, fmt.Errorf("embedding %d texts: %w", len(texts), err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(resp.Embeddings), len(texts))
	}

	vectors := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if len(emb.Embedding) != e.dimension {
			return nil, fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(emb.Embedding), e.dimension)
		}
		vectors[i] = emb.Embedding
	}
	return vectors, nil
}
