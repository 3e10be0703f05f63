package source

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"

	"github.com/sagehq/sage/internal/log"
)

// Wikipedia is the encyclopedic lookup adapter. It uses the REST summary
// endpoint and needs no credential.
type Wikipedia struct {
	baseURL string
	client  client
	logger  log.Logger
}

// NewWikipedia creates the wikipedia adapter.
func NewWikipedia(baseURL string, httpClient *http.Client, limiter *rate.Limiter, logger log.Logger) *Wikipedia {
	var doer httpDoer
	if httpClient != nil {
		doer = httpClient
	}
	return &Wikipedia{
		baseURL: baseURL,
		client:  newClient(doer, DefaultTimeout, limiter),
		logger:  logger,
	}
}

// Kind implements Adapter.
func (*Wikipedia) Kind() Kind { return KindWikipedia }

type wikipediaSummary struct {
	Title   string `json:"title"`
	Extract string `json:"extract"`
	Type    string `json:"type"`
	Content struct {
		Desktop struct {
			Page string `json:"page"`
		} `json:"desktop"`
	} `json:"content_urls"`
}

// Fetch implements Adapter. The query is used as a page title; Wikipedia's
// REST API resolves redirects and near-matches server-side.
func (w *Wikipedia) Fetch(ctx context.Context, spec QuerySpec) Result {
	if spec.Query == "" {
		return Failure(KindWikipedia, "empty query")
	}

	// Page titles use underscores; the summary endpoint expects the title
	// path-escaped.
	title := strings.ReplaceAll(strings.TrimSpace(spec.Query), " ", "_")
	endpoint := w.baseURL + "/page/summary/" + url.PathEscape(title)

	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return Failure(KindWikipedia, "building request: %v", err)
	}
	req.Header.Set("Accept", "application/json")

	var decoded wikipediaSummary
	if err := w.client.doJSON(ctx, req, &decoded); err != nil {
		w.logger.Warn("wikipedia lookup failed", "title", title, "error", err)
		return Failure(KindWikipedia, "wikipedia lookup: %v", err)
	}

	// Disambiguation pages carry no usable extract.
	if decoded.Type == "disambiguation" || decoded.Extract == "" {
		return Failure(KindWikipedia, "no article found for %q", spec.Query)
	}

	pageURL := decoded.Content.Desktop.Page
	if pageURL == "" {
		pageURL = "https://en.wikipedia.org/wiki/" + url.PathEscape(title)
	}

	w.logger.Debug("wikipedia summary received", "title", decoded.Title)

	return Result{
		Source: KindWikipedia,
		Data: Summary{
			Title:   decoded.Title,
			Extract: decoded.Extract,
			URL:     pageURL,
		},
		Citations: []Citation{{
			URL:     pageURL,
			Title:   decoded.Title,
			Snippet: truncate(decoded.Extract, 200),
		}},
	}
}
