package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/sagehq/sage/internal/knowledge"
	"github.com/sagehq/sage/internal/log"
)

// maxIngestBody bounds ingest payloads. Large corpora go through the CLI,
// not the HTTP endpoint.
const maxIngestBody = 10 << 20

// Ingestor stores documents in the knowledge base. Satisfied by
// *knowledge.Store.
type Ingestor interface {
	IngestDocument(ctx context.Context, sourceType, name, content string, metadata map[string]any) (uuid.UUID, bool, error)
	LinkConversation(ctx context.Context, conversationID uuid.UUID, messageID *uuid.UUID, sourceID uuid.UUID) error
	LinkProject(ctx context.Context, projectID, sourceID uuid.UUID) error
}

// IngestHandler serves POST /api/ingest.
type IngestHandler struct {
	store  Ingestor
	logger log.Logger
}

// NewIngestHandler creates an ingest handler.
func NewIngestHandler(store Ingestor, logger log.Logger) *IngestHandler {
	return &IngestHandler{store: store, logger: logger}
}

// RegisterRoutes registers ingest routes on the given mux.
func (h *IngestHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/ingest", h.Ingest)
}

// IngestInput is the request body for POST /api/ingest.
type IngestInput struct {
	Name           string         `json:"name"`
	Content        string         `json:"content"`
	SourceType     string         `json:"sourceType,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
	ProjectID      string         `json:"projectId,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// IngestOutput is the response body for POST /api/ingest.
type IngestOutput struct {
	SourceID string `json:"sourceId"`
	Created  bool   `json:"created"`
}

// Ingest stores a document and links it to the requested scopes. Ingesting
// the same content twice returns the existing source with created=false.
func (h *IngestHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var input IngestInput
	r.Body = http.MaxBytesReader(w, r.Body, maxIngestBody)
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if input.Name == "" || input.Content == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "name and content are required")
		return
	}
	sourceType := input.SourceType
	if sourceType == "" {
		sourceType = knowledge.SourceTypeText
	}

	var conversationID, projectID *uuid.UUID
	if input.ConversationID != "" {
		id, err := uuid.Parse(input.ConversationID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "conversationId must be a UUID")
			return
		}
		conversationID = &id
	}
	if input.ProjectID != "" {
		id, err := uuid.Parse(input.ProjectID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "projectId must be a UUID")
			return
		}
		projectID = &id
	}

	ctx := r.Context()
	sourceID, created, err := h.store.IngestDocument(ctx, sourceType, input.Name, input.Content, input.Metadata)
	if err != nil {
		h.logger.Error("ingest failed", "name", input.Name, "error", err)
		writeError(w, http.StatusInternalServerError, "ingest_failed", "failed to ingest document")
		return
	}

	if conversationID != nil {
		if err := h.store.LinkConversation(ctx, *conversationID, nil, sourceID); err != nil {
			h.logger.Error("linking conversation failed", "sourceId", sourceID, "error", err)
			writeError(w, http.StatusInternalServerError, "link_failed", "failed to link source to conversation")
			return
		}
	}
	if projectID != nil {
		if err := h.store.LinkProject(ctx, *projectID, sourceID); err != nil {
			h.logger.Error("linking project failed", "sourceId", sourceID, "error", err)
			writeError(w, http.StatusInternalServerError, "link_failed", "failed to link source to project")
			return
		}
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, IngestOutput{SourceID: sourceID.String(), Created: created})
}
