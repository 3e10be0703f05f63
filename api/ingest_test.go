package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagehq/sage/internal/knowledge"
	"github.com/sagehq/sage/internal/log"
)

type fakeIngestor struct {
	sourceID uuid.UUID
	created  bool
	err      error

	gotType         string
	gotName         string
	linkedConvo     *uuid.UUID
	linkedProject   *uuid.UUID
	linkConvoErr    error
	ingestCallCount int
}

func (f *fakeIngestor) IngestDocument(_ context.Context, sourceType, name, _ string, _ map[string]any) (uuid.UUID, bool, error) {
	f.ingestCallCount++
	f.gotType = sourceType
	f.gotName = name
	return f.sourceID, f.created, f.err
}

func (f *fakeIngestor) LinkConversation(_ context.Context, conversationID uuid.UUID, _ *uuid.UUID, _ uuid.UUID) error {
	if f.linkConvoErr != nil {
		return f.linkConvoErr
	}
	f.linkedConvo = &conversationID
	return nil
}

func (f *fakeIngestor) LinkProject(_ context.Context, projectID, _ uuid.UUID) error {
	f.linkedProject = &projectID
	return nil
}

func postIngest(t *testing.T, h *IngestHandler, input IngestInput) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(input)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/ingest", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.Ingest(w, req)
	return w
}

func TestIngestCreatesAndLinks(t *testing.T) {
	t.Parallel()

	store := &fakeIngestor{sourceID: uuid.New(), created: true}
	h := NewIngestHandler(store, log.NewNop())

	convo := uuid.New()
	project := uuid.New()
	w := postIngest(t, h, IngestInput{
		Name:           "notes.md",
		Content:        "project notes",
		ConversationID: convo.String(),
		ProjectID:      project.String(),
	})

	assert.Equal(t, http.StatusCreated, w.Code)
	var out IngestOutput
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, store.sourceID.String(), out.SourceID)
	assert.True(t, out.Created)

	require.NotNil(t, store.linkedConvo)
	assert.Equal(t, convo, *store.linkedConvo)
	require.NotNil(t, store.linkedProject)
	assert.Equal(t, project, *store.linkedProject)
	// Unspecified source type defaults to plain text.
	assert.Equal(t, knowledge.SourceTypeText, store.gotType)
}

func TestIngestDuplicateReturnsExistingSource(t *testing.T) {
	t.Parallel()

	store := &fakeIngestor{sourceID: uuid.New(), created: false}
	h := NewIngestHandler(store, log.NewNop())

	w := postIngest(t, h, IngestInput{Name: "notes.md", Content: "same bytes"})

	assert.Equal(t, http.StatusOK, w.Code)
	var out IngestOutput
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.False(t, out.Created)
	assert.Equal(t, store.sourceID.String(), out.SourceID)
}

func TestIngestRejectsMissingFields(t *testing.T) {
	t.Parallel()

	store := &fakeIngestor{}
	h := NewIngestHandler(store, log.NewNop())

	w := postIngest(t, h, IngestInput{Name: "no-content.md"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, store.ingestCallCount)
}

func TestIngestRejectsMalformedProjectID(t *testing.T) {
	t.Parallel()

	h := NewIngestHandler(&fakeIngestor{}, log.NewNop())
	w := postIngest(t, h, IngestInput{Name: "n", Content: "c", ProjectID: "nope"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
