package api

import (
	"encoding/json"
	"errors"
	"net/http"
)

var errEngineRequired = errors.New("query engine is required")

// writeJSON writes a JSON response with the given status code. If encoding
// fails after WriteHeader, the status is already on the wire; the error is
// dropped because there is nothing left to tell the client.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, err string, message string) {
	writeJSON(w, status, ErrorResponse{Error: err, Message: message})
}
