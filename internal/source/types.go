// Package source defines the common shape of external knowledge sources and
// implements one adapter per upstream provider.
//
// Every adapter normalizes its provider-specific response into a SourceResult
// and never lets a failure escape its boundary: credential problems, non-2xx
// responses, malformed payloads, and timeouts all fold into SourceResult.Err.
package source

import (
	"fmt"
	"time"
)

// Kind identifies an external knowledge source.
type Kind string

const (
	// KindExa is semantic web search.
	KindExa Kind = "exa"

	// KindPerplexity is AI-answer search.
	KindPerplexity Kind = "perplexity"

	// KindWikipedia is encyclopedic lookup.
	KindWikipedia Kind = "wikipedia"

	// KindMarket is the market-data feed (quotes, candles, company profiles).
	KindMarket Kind = "market"
)

// AllKinds lists every supported source kind.
func AllKinds() []Kind {
	return []Kind{KindExa, KindPerplexity, KindWikipedia, KindMarket}
}

// Valid reports whether k names a known source kind.
func (k Kind) Valid() bool {
	switch k {
	case KindExa, KindPerplexity, KindWikipedia, KindMarket:
		return true
	}
	return false
}

// QuerySpec is the per-source sub-query produced by the planner.
// Query carries free text for search-style sources; Symbol carries the
// resolved canonical identifier for entity-oriented sources.
type QuerySpec struct {
	Query  string `json:"query"`
	Symbol string `json:"symbol,omitempty"`
}

// Citation is a normalized reference attached to fetched content.
// Citations are deduplicated and numbered at synthesis time, not here.
type Citation struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet,omitempty"`
}

// Payload is the tagged union of per-provider response data. Each provider
// decodes its wire format into a concrete payload type at the adapter
// boundary; untyped blobs never cross into the synthesizer.
type Payload interface {
	SourceKind() Kind
}

// WebResults is the payload for semantic web search (exa).
type WebResults struct {
	Results []WebResult `json:"results"`
}

// WebResult is one ranked web search hit.
type WebResult struct {
	Title         string  `json:"title"`
	URL           string  `json:"url"`
	Text          string  `json:"text"`
	Score         float64 `json:"score"`
	PublishedDate string  `json:"publishedDate,omitempty"`
}

// SourceKind implements Payload.
func (WebResults) SourceKind() Kind { return KindExa }

// Answer is the payload for AI-answer search (perplexity).
type Answer struct {
	Text string `json:"text"`
}

// SourceKind implements Payload.
func (Answer) SourceKind() Kind { return KindPerplexity }

// Summary is the payload for encyclopedic lookup (wikipedia).
type Summary struct {
	Title   string `json:"title"`
	Extract string `json:"extract"`
	URL     string `json:"url"`
}

// SourceKind implements Payload.
func (Summary) SourceKind() Kind { return KindWikipedia }

// MarketData is the payload for the market-data feed. Any of the sections
// may be empty depending on what the plan requested and what upstream
// returned.
type MarketData struct {
	Symbol  string         `json:"symbol"`
	Quote   *Quote         `json:"quote,omitempty"`
	Candles []Candle       `json:"candles,omitempty"`
	Profile *MarketProfile `json:"profile,omitempty"`
}

// Quote is a live price snapshot.
type Quote struct {
	Current       float64   `json:"current"`
	Change        float64   `json:"change"`
	PercentChange float64   `json:"percentChange"`
	High          float64   `json:"high"`
	Low           float64   `json:"low"`
	Open          float64   `json:"open"`
	PrevClose     float64   `json:"prevClose"`
	At            time.Time `json:"at"`
}

// Candle is one OHLCV bar of a historical series.
type Candle struct {
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
	At     time.Time `json:"at"`
}

// MarketProfile is descriptive company information.
type MarketProfile struct {
	Name     string `json:"name"`
	Exchange string `json:"exchange"`
	Industry string `json:"industry"`
	WebURL   string `json:"webUrl"`
}

// SourceKind implements Payload.
func (MarketData) SourceKind() Kind { return KindMarket }

// Result is the outcome of querying one source. Exactly one of Data/Err is
// meaningfully populated; adapters always resolve, they never throw.
type Result struct {
	Source    Kind       `json:"source"`
	Data      Payload    `json:"data,omitempty"`
	Citations []Citation `json:"citations,omitempty"`
	Err       string     `json:"error,omitempty"`
}

// Failed reports whether the result carries no usable data.
func (r Result) Failed() bool {
	return r.Err != "" || r.Data == nil
}

// Failure builds a failed Result for the given source.
func Failure(kind Kind, format string, args ...any) Result {
	return Result{Source: kind, Err: fmt.Sprintf(format, args...)}
}

// TimeoutResult builds the timeout-flavored failure used when an adapter is
// still pending at the orchestrator's deadline.
func TimeoutResult(kind Kind) Result {
	return Result{Source: kind, Err: "timed out waiting for source"}
}
