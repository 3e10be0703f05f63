package source

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/sagehq/sage/internal/log"
)

// perplexityModel is the provider's online search model.
const perplexityModel = "sonar"

// Perplexity is the AI-answer search adapter.
type Perplexity struct {
	apiKey  string
	baseURL string
	client  client
	logger  log.Logger
}

// NewPerplexity creates the perplexity adapter.
func NewPerplexity(apiKey, baseURL string, httpClient *http.Client, limiter *rate.Limiter, logger log.Logger) *Perplexity {
	var doer httpDoer
	if httpClient != nil {
		doer = httpClient
	}
	return &Perplexity{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  newClient(doer, DefaultTimeout, limiter),
		logger:  logger,
	}
}

// Kind implements Adapter.
func (*Perplexity) Kind() Kind { return KindPerplexity }

type perplexityRequest struct {
	Model    string              `json:"model"`
	Messages []perplexityMessage `json:"messages"`
}

type perplexityMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type perplexityResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	// search_results carries the pages backing the answer.
	SearchResults []struct {
		Title string `json:"title"`
		URL   string `json:"url"`
	} `json:"search_results"`
}

// Fetch implements Adapter.
func (p *Perplexity) Fetch(ctx context.Context, spec QuerySpec) Result {
	if p.apiKey == "" {
		return Failure(KindPerplexity, "perplexity API key not configured")
	}
	if spec.Query == "" {
		return Failure(KindPerplexity, "empty query")
	}

	payload, err := json.Marshal(perplexityRequest{
		Model: perplexityModel,
		Messages: []perplexityMessage{
			{Role: "user", Content: spec.Query},
		},
	})
	if err != nil {
		return Failure(KindPerplexity, "encoding request: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Failure(KindPerplexity, "building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	var decoded perplexityResponse
	if err := p.client.doJSON(ctx, req, &decoded); err != nil {
		p.logger.Warn("perplexity search failed", "query", spec.Query, "error", err)
		return Failure(KindPerplexity, "perplexity search: %v", err)
	}

	if len(decoded.Choices) == 0 || decoded.Choices[0].Message.Content == "" {
		return Failure(KindPerplexity, "empty answer from perplexity")
	}

	citations := make([]Citation, 0, len(decoded.SearchResults))
	for _, sr := range decoded.SearchResults {
		citations = append(citations, Citation{URL: sr.URL, Title: sr.Title})
	}

	p.logger.Debug("perplexity answer received",
		"query", spec.Query,
		"citations", len(citations))

	return Result{
		Source:    KindPerplexity,
		Data:      Answer{Text: decoded.Choices[0].Message.Content},
		Citations: citations,
	}
}
