package source

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/sagehq/sage/internal/log"
)

// exaResultLimit is how many hits we request per search; the synthesizer
// bounds its excerpt further.
const exaResultLimit = 5

// Exa is the semantic web search adapter.
type Exa struct {
	apiKey  string
	baseURL string
	client  client
	logger  log.Logger
}

// NewExa creates the exa adapter. httpClient may be nil (a default client
// is used); limiter may be nil (no rate limiting).
func NewExa(apiKey, baseURL string, httpClient *http.Client, limiter *rate.Limiter, logger log.Logger) *Exa {
	var doer httpDoer
	if httpClient != nil {
		doer = httpClient
	}
	return &Exa{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  newClient(doer, DefaultTimeout, limiter),
		logger:  logger,
	}
}

// Kind implements Adapter.
func (*Exa) Kind() Kind { return KindExa }

// exaRequest is the provider wire format for POST /search.
type exaRequest struct {
	Query      string `json:"query"`
	NumResults int    `json:"numResults"`
	Contents   struct {
		Text bool `json:"text"`
	} `json:"contents"`
}

// exaResponse mirrors the provider response; decoded here so nothing
// untyped leaves the adapter.
type exaResponse struct {
	Results []struct {
		Title         string  `json:"title"`
		URL           string  `json:"url"`
		Text          string  `json:"text"`
		Score         float64 `json:"score"`
		PublishedDate string  `json:"publishedDate"`
	} `json:"results"`
}

// Fetch implements Adapter.
func (e *Exa) Fetch(ctx context.Context, spec QuerySpec) Result {
	if e.apiKey == "" {
		return Failure(KindExa, "exa API key not configured")
	}
	if spec.Query == "" {
		return Failure(KindExa, "empty query")
	}

	reqBody := exaRequest{Query: spec.Query, NumResults: exaResultLimit}
	reqBody.Contents.Text = true

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return Failure(KindExa, "encoding request: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, e.baseURL+"/search", bytes.NewReader(payload))
	if err != nil {
		return Failure(KindExa, "building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", e.apiKey)

	start := time.Now()
	var decoded exaResponse
	if err := e.client.doJSON(ctx, req, &decoded); err != nil {
		e.logger.Warn("exa search failed", "query", spec.Query, "error", err)
		return Failure(KindExa, "exa search: %v", err)
	}

	data := WebResults{Results: make([]WebResult, 0, len(decoded.Results))}
	citations := make([]Citation, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		data.Results = append(data.Results, WebResult{
			Title:         r.Title,
			URL:           r.URL,
			Text:          r.Text,
			Score:         r.Score,
			PublishedDate: r.PublishedDate,
		})
		citations = append(citations, Citation{
			URL:     r.URL,
			Title:   r.Title,
			Snippet: truncate(r.Text, 200),
		})
	}

	e.logger.Debug("exa search completed",
		"query", spec.Query,
		"results", len(data.Results),
		"elapsed", time.Since(start))

	return Result{Source: KindExa, Data: data, Citations: citations}
}
