//go:build integration

package knowledge

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/sagehq/sage/internal/log"
	"github.com/sagehq/sage/internal/testutil"
)

const testDimension = 768

func setupStore(t *testing.T) (*Store, *testutil.MockEmbedder, *testutil.TestDB) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	emb := testutil.NewMockEmbedder(testDimension)
	store, err := NewStore(db.Pool, emb, log.NewNop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store, emb, db
}

func TestIngestIsIdempotentByHash(t *testing.T) {
	store, _, db := setupStore(t)
	ctx := context.Background()

	content := strings.Repeat("the quarterly report discusses revenue growth. ", 200)

	firstID, created, err := store.IngestDocument(ctx, SourceTypeFile, "report.txt", content, nil)
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if !created {
		t.Fatal("first ingest must create the source")
	}

	var chunkCount int
	if err := db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM knowledge_chunks WHERE source_id = $1`, firstID).Scan(&chunkCount); err != nil {
		t.Fatalf("counting chunks: %v", err)
	}
	if chunkCount == 0 {
		t.Fatal("no chunks written")
	}

	secondID, created, err := store.IngestDocument(ctx, SourceTypeFile, "report-copy.txt", content, nil)
	if err != nil {
		t.Fatalf("re-ingest: %v", err)
	}
	if created {
		t.Error("re-ingesting identical content must not create a source")
	}
	if secondID != firstID {
		t.Errorf("re-ingest resolved to %s, want %s", secondID, firstID)
	}

	var after int
	if err := db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM knowledge_chunks WHERE source_id = $1`, firstID).Scan(&after); err != nil {
		t.Fatalf("counting chunks: %v", err)
	}
	if after != chunkCount {
		t.Errorf("chunk count changed on re-ingest: %d -> %d", chunkCount, after)
	}

	var sources int
	if err := db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM knowledge_sources`).Scan(&sources); err != nil {
		t.Fatalf("counting sources: %v", err)
	}
	if sources != 1 {
		t.Errorf("sources = %d, want 1", sources)
	}
}

func TestChunkIndexIsGapless(t *testing.T) {
	store, emb, db := setupStore(t)
	ctx := context.Background()

	id, _, err := store.EnsureSource(ctx, HashContent([]byte("manual")), SourceTypeText, "manual", nil)
	if err != nil {
		t.Fatalf("EnsureSource: %v", err)
	}

	for i := 0; i < 5; i++ {
		vec, _ := emb.Embed(ctx, "chunk")
		index, err := store.AppendChunk(ctx, id, "chunk content", vec, nil)
		if err != nil {
			t.Fatalf("AppendChunk %d: %v", i, err)
		}
		if index != int32(i) {
			t.Errorf("chunk %d assigned index %d", i, index)
		}
	}

	rows, err := db.Pool.Query(ctx,
		`SELECT chunk_index FROM knowledge_chunks WHERE source_id = $1 ORDER BY chunk_index`, id)
	if err != nil {
		t.Fatalf("querying indexes: %v", err)
	}
	defer rows.Close()

	want := int32(0)
	for rows.Next() {
		var got int32
		if err := rows.Scan(&got); err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("index = %d, want %d (gap)", got, want)
		}
		want++
	}
}

func TestAppendChunkRejectsWrongDimension(t *testing.T) {
	store, _, _ := setupStore(t)
	ctx := context.Background()

	id, _, err := store.EnsureSource(ctx, HashContent([]byte("doc")), SourceTypeText, "doc", nil)
	if err != nil {
		t.Fatalf("EnsureSource: %v", err)
	}

	_, err = store.AppendChunk(ctx, id, "content", make([]float32, 64), nil)
	if err == nil {
		t.Fatal("mismatched dimension must be a fatal ingestion error")
	}
}

func TestSearchRespectsSourceAllowList(t *testing.T) {
	store, emb, _ := setupStore(t)
	ctx := context.Background()

	queryVec := testutil.UnitVector(testDimension, 0)

	// The in-scope chunk scores lower than the out-of-scope one.
	emb.SetVector("in-scope content", testutil.UnitVector(testDimension, 1))
	emb.SetVector("out-of-scope content", queryVec)

	inScope, _, err := store.IngestDocument(ctx, SourceTypeText, "in", "in-scope content", nil)
	if err != nil {
		t.Fatalf("ingest in-scope: %v", err)
	}
	outScope, _, err := store.IngestDocument(ctx, SourceTypeText, "out", "out-of-scope content", nil)
	if err != nil {
		t.Fatalf("ingest out-of-scope: %v", err)
	}

	hits, err := store.Search(ctx, []uuid.UUID{inScope}, queryVec, SearchOptions{Limit: 10, MinScore: -1})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	for _, h := range hits {
		if h.SourceID == outScope {
			t.Fatal("allow-list breached: out-of-scope chunk returned")
		}
		if h.SourceID != inScope {
			t.Fatalf("unexpected source %s in results", h.SourceID)
		}
	}
	if len(hits) == 0 {
		t.Error("in-scope chunk should be returned even with a low score")
	}
}

func TestSearchEmptyAllowListReturnsNothing(t *testing.T) {
	store, emb, _ := setupStore(t)
	ctx := context.Background()

	if _, _, err := store.IngestDocument(ctx, SourceTypeText, "doc", "some content here", nil); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	vec, _ := emb.Embed(ctx, "some content here")
	hits, err := store.Search(ctx, nil, vec, SearchOptions{Limit: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("hits = %d, want 0 for empty allow-list", len(hits))
	}
}

func TestBruteForceFallbackMatchesScope(t *testing.T) {
	store, emb, _ := setupStore(t)
	ctx := context.Background()

	emb.SetVector("fallback content", testutil.UnitVector(testDimension, 0))
	id, _, err := store.IngestDocument(ctx, SourceTypeText, "doc", "fallback content", nil)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	hits, err := store.bruteForceSearch(ctx, []uuid.UUID{id}, testutil.UnitVector(testDimension, 0))
	if err != nil {
		t.Fatalf("bruteForceSearch: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("hits = %d, want 1", len(hits))
	}
	if hits[0].Score < 0.999 {
		t.Errorf("score = %v, want ~1.0", hits[0].Score)
	}
}

func TestRemoveConversationCascades(t *testing.T) {
	store, _, db := setupStore(t)
	ctx := context.Background()

	convo := uuid.New()
	project := uuid.New()

	orphan, _, err := store.IngestDocument(ctx, SourceTypeFile, "orphan", "content only the conversation references", nil)
	if err != nil {
		t.Fatalf("ingest orphan: %v", err)
	}
	shared, _, err := store.IngestDocument(ctx, SourceTypeFile, "shared", "content a project also references", nil)
	if err != nil {
		t.Fatalf("ingest shared: %v", err)
	}

	if err := store.LinkConversation(ctx, convo, nil, orphan); err != nil {
		t.Fatal(err)
	}
	if err := store.LinkConversation(ctx, convo, nil, shared); err != nil {
		t.Fatal(err)
	}
	if err := store.LinkProject(ctx, project, shared); err != nil {
		t.Fatal(err)
	}

	if err := store.RemoveConversation(ctx, convo); err != nil {
		t.Fatalf("RemoveConversation: %v", err)
	}

	var orphanCount, sharedCount, orphanChunks int
	if err := db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM knowledge_sources WHERE id = $1`, orphan).Scan(&orphanCount); err != nil {
		t.Fatal(err)
	}
	if err := db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM knowledge_sources WHERE id = $1`, shared).Scan(&sharedCount); err != nil {
		t.Fatal(err)
	}
	if err := db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM knowledge_chunks WHERE source_id = $1`, orphan).Scan(&orphanChunks); err != nil {
		t.Fatal(err)
	}

	if orphanCount != 0 {
		t.Error("unreferenced source must be deleted")
	}
	if orphanChunks != 0 {
		t.Error("chunks must cascade with their source")
	}
	if sharedCount != 1 {
		t.Error("source still referenced by a project must survive")
	}
}
