package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// SearchTimeout bounds one similarity search, including embedding the query.
const SearchTimeout = 10 * time.Second

// overFetchFactor is how far past the requested limit the index query
// reaches. Re-ranking and dedupe happen after the fetch, so the top-K by raw
// similarity is not necessarily the final top-K.
const overFetchFactor = 2

// SearchOptions bound one scoped search.
type SearchOptions struct {
	Limit    int
	MinScore float64
}

func (o SearchOptions) limit() int {
	if o.Limit <= 0 {
		return 5
	}
	return o.Limit
}

// SearchText embeds query and searches within the source allow-list.
func (s *Store) SearchText(ctx context.Context, sourceIDs []uuid.UUID, query string, opts SearchOptions) ([]Hit, error) {
	if len(sourceIDs) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, SearchTimeout)
	defer cancel()

	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return s.Search(ctx, sourceIDs, vector, opts)
}

// Search runs similarity search scoped to the sourceIDs allow-list. The
// allow-list is a hard boundary: an empty list returns nothing, and no chunk
// outside it is ever returned regardless of score. The pgvector index path
// is tried first; on error the search degrades to a brute-force cosine scan
// over the allow-listed chunks rather than failing the request.
func (s *Store) Search(ctx context.Context, sourceIDs []uuid.UUID, queryVector []float32, opts SearchOptions) ([]Hit, error) {
	if len(sourceIDs) == 0 {
		return nil, nil
	}
	if len(queryVector) != s.embedder.Dimension() {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(queryVector), s.embedder.Dimension())
	}

	hits, err := s.indexSearch(ctx, sourceIDs, queryVector, opts.limit()*overFetchFactor)
	if err != nil {
		s.logger.Warn("index search unavailable, falling back to brute-force scan", "error", err)
		hits, err = s.bruteForceSearch(ctx, sourceIDs, queryVector)
		if err != nil {
			return nil, err
		}
	}

	return mergeHits(hits, opts.MinScore, opts.limit()), nil
}

// indexSearch queries the hnsw index with cosine distance; score = 1 − distance.
func (s *Store) indexSearch(ctx context.Context, sourceIDs []uuid.UUID, queryVector []float32, fetch int) ([]Hit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, source_id, chunk_index, content, metadata,
		        1 - (embedding <=> $1) AS score
		 FROM knowledge_chunks
		 WHERE source_id = ANY($2)
		 ORDER BY embedding <=> $1
		 LIMIT $3`,
		pgvector.NewVector(queryVector), sourceIDs, fetch)
	if err != nil {
		return nil, fmt.Errorf("index search: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var metaJSON []byte
		if err := rows.Scan(&h.ID, &h.SourceID, &h.Index, &h.Content, &metaJSON, &h.Score); err != nil {
			return nil, fmt.Errorf("scanning hit: %w", err)
		}
		if err := json.Unmarshal(metaJSON, &h.Metadata); err != nil {
			return nil, fmt.Errorf("decoding chunk metadata: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// bruteForceSearch fetches allow-listed chunks one source at a time and
// scores them locally. Slower than the index, correct without it.
func (s *Store) bruteForceSearch(ctx context.Context, sourceIDs []uuid.UUID, queryVector []float32) ([]Hit, error) {
	var hits []Hit
	for _, sourceID := range sourceIDs {
		rows, err := s.pool.Query(ctx,
			`SELECT id, source_id, chunk_index, content, metadata, embedding
			 FROM knowledge_chunks
			 WHERE source_id = $1`,
			sourceID)
		if err != nil {
			return nil, fmt.Errorf("fetching chunks for brute-force scan: %w", err)
		}

		for rows.Next() {
			var h Hit
			var metaJSON []byte
			var embedding pgvector.Vector
			if err := rows.Scan(&h.ID, &h.SourceID, &h.Index, &h.Content, &metaJSON, &embedding); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning chunk: %w", err)
			}
			if err := json.Unmarshal(metaJSON, &h.Metadata); err != nil {
				rows.Close()
				return nil, fmt.Errorf("decoding chunk metadata: %w", err)
			}
			h.Score = CosineSimilarity(queryVector, embedding.Slice())
			hits = append(hits, h)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return hits, nil
}

// mergeHits dedupes by chunk id (keeping the best score), applies minScore,
// sorts by score descending, and truncates to limit. Chunk id is the dedupe
// key: the same chunk can only arrive twice from overlapping scopes.
func mergeHits(hits []Hit, minScore float64, limit int) []Hit {
	best := make(map[uuid.UUID]Hit, len(hits))
	for _, h := range hits {
		if existing, ok := best[h.ID]; !ok || h.Score > existing.Score {
			best[h.ID] = h
		}
	}

	merged := make([]Hit, 0, len(best))
	for _, h := range best {
		if h.Score >= minScore {
			merged = append(merged, h)
		}
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].ID.String() < merged[j].ID.String()
	})

	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// for mismatched or zero-magnitude vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
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
