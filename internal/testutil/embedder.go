package testutil

import (
	"context"
	"crypto/sha256"
	"math"
	"sync"
)

// MockEmbedder is a deterministic, offline embedder. Unseen texts hash to a
// stable pseudo-random unit vector; SetVector pins a text to an exact vector
// for similarity control in tests.
//
// MockEmbedder is safe for concurrent use.
type MockEmbedder struct {
	dimension int

	mu     sync.RWMutex
	pinned map[string][]float32
}

// NewMockEmbedder creates a mock embedder of the given dimension.
func NewMockEmbedder(dimension int) *MockEmbedder {
	return &MockEmbedder{
		dimension: dimension,
		pinned:    make(map[string][]float32),
	}
}

// SetVector pins text to vec.
func (m *MockEmbedder) SetVector(text string, vec []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinned[text] = vec
}

// Dimension implements the embedder contract.
func (m *MockEmbedder) Dimension() int { return m.dimension }

// Embed returns the pinned or derived vector for text.
func (m *MockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return m.vectorFor(text), nil
}

// EmbedBatch embeds texts in order.
func (m *MockEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = m.vectorFor(t)
	}
	return out, nil
}

func (m *MockEmbedder) vectorFor(text string) []float32 {
	m.mu.RLock()
	pinned, ok := m.pinned[text]
	m.mu.RUnlock()
	if ok {
		return pinned
	}

	// Derive a stable unit vector from the content hash so equal texts are
	// identical and different texts are near-orthogonal in expectation.
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, m.dimension)
	var norm float64
	for i := range vec {
		b := sum[i%len(sum)]
		v := float64(int(b)-128) / 128
		// Perturb repeats of the digest so the vector is not periodic.
		v += float64(i) * 1e-4
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

// UnitVector returns a dimension-length unit vector with 1.0 at idx, for
// exact similarity control.
func UnitVector(dimension, idx int) []float32 {
	vec := make([]float32, dimension)
	vec[idx%dimension] = 1.0
	return vec
}
