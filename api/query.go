package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/sagehq/sage/internal/engine"
	"github.com/sagehq/sage/internal/log"
	"github.com/sagehq/sage/internal/source"
	"github.com/sagehq/sage/internal/synthesis"
)

// maxQueryBody bounds the request body size.
const maxQueryBody = 1 << 20

// SSE event types for query streaming.
const (
	EventStatus = "status" // pipeline progress notification
	EventAnswer = "answer" // final answer with citations
	EventError  = "error"  // the query failed
)

// QueryRunner runs the retrieval pipeline. Satisfied by *engine.Engine.
type QueryRunner interface {
	RunQuery(ctx context.Context, req engine.Request, events chan<- engine.StatusEvent) (*engine.Result, error)
}

// QueryHandler serves POST /api/query as an SSE stream.
type QueryHandler struct {
	engine QueryRunner
	logger log.Logger
}

// NewQueryHandler creates a query handler.
func NewQueryHandler(eng QueryRunner, logger log.Logger) *QueryHandler {
	return &QueryHandler{engine: eng, logger: logger}
}

// RegisterRoutes registers query routes on the given mux.
func (h *QueryHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/query", h.Query)
}

// QueryInput is the request body for POST /api/query.
type QueryInput struct {
	Query          string              `json:"query"`
	ConversationID string              `json:"conversationId"`
	ProjectID      string              `json:"projectId,omitempty"`
	History        []synthesis.Message `json:"history,omitempty"`
}

// AnswerPayload is the SSE data payload for the final answer.
type AnswerPayload struct {
	Content   string            `json:"content"`
	Citations []source.Citation `json:"citations,omitempty"`
}

// ErrorPayload is the SSE data payload when the query fails.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Query runs one query, streaming status events followed by a terminal
// answer or error event.
func (h *QueryHandler) Query(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	var input QueryInput
	r.Body = http.MaxBytesReader(w, r.Body, maxQueryBody)
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		_ = writeEvent(w, flusher, EventError, ErrorPayload{Code: "INVALID_REQUEST", Message: "invalid request body"})
		return
	}
	if input.Query == "" {
		_ = writeEvent(w, flusher, EventError, ErrorPayload{Code: "MISSING_QUERY", Message: "query is required"})
		return
	}

	req := engine.Request{Query: input.Query, History: input.History}
	if input.ConversationID != "" {
		id, err := uuid.Parse(input.ConversationID)
		if err != nil {
			_ = writeEvent(w, flusher, EventError, ErrorPayload{Code: "INVALID_CONVERSATION_ID", Message: "conversationId must be a UUID"})
			return
		}
		req.ConversationID = id
	} else {
		req.ConversationID = uuid.New()
	}
	if input.ProjectID != "" {
		id, err := uuid.Parse(input.ProjectID)
		if err != nil {
			_ = writeEvent(w, flusher, EventError, ErrorPayload{Code: "INVALID_PROJECT_ID", Message: "projectId must be a UUID"})
			return
		}
		req.ProjectID = &id
	}

	ctx := r.Context()
	h.logger.Debug("query stream started", "conversationId", req.ConversationID)

	// The engine drops events a slow consumer misses, so the buffer only
	// needs to absorb bursts between writes.
	events := make(chan engine.StatusEvent, 16)
	type outcome struct {
		result *engine.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer close(events)
		result, err := h.engine.RunQuery(ctx, req, events)
		done <- outcome{result: result, err: err}
	}()

	for ev := range events {
		if err := writeEvent(w, flusher, EventStatus, ev); err != nil {
			h.logger.Info("client disconnected", "conversationId", req.ConversationID)
			// Keep draining so the engine goroutine can finish.
			for range events {
			}
			<-done
			return
		}
	}

	out := <-done
	if out.err != nil {
		h.writeQueryError(w, flusher, out.err)
		return
	}

	_ = writeEvent(w, flusher, EventAnswer, AnswerPayload{
		Content:   out.result.Content,
		Citations: out.result.Citations,
	})
	h.logger.Info("query stream completed", "conversationId", req.ConversationID)
}

// writeQueryError maps engine errors to SSE error events.
func (h *QueryHandler) writeQueryError(w io.Writer, f http.Flusher, err error) {
	code := "QUERY_FAILED"
	if errors.Is(err, synthesis.ErrAllSourcesFailed) {
		code = "ALL_SOURCES_FAILED"
	}
	_ = writeEvent(w, f, EventError, ErrorPayload{Code: code, Message: err.Error()})
}

// writeEvent writes one SSE event with JSON-encoded data.
// Format: "event: <type>\ndata: <json>\n\n"
func writeEvent[T any](w io.Writer, flusher http.Flusher, event string, data T) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	flusher.Flush()
	return nil
}
