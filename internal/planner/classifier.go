package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/time/rate"

	"github.com/sagehq/sage/internal/log"
	"github.com/sagehq/sage/internal/source"
)

// maxClassifyResponseBytes limits the model response size before JSON
// parsing (10 KB).
const maxClassifyResponseBytes = 10 * 1024

// Generator is the single-call text generation surface the planner needs.
// Satisfied by *llm.Client.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// classifyPrompt asks for a routing decision as strict JSON. %s: the query.
const classifyPrompt = `You are a query router for a research assistant. Decide which external knowledge sources, if any, are needed to answer the user query below.

Available sources:
- "exa": semantic web search, for current events, technical topics, anything on the open web
- "perplexity": AI answer search, for questions needing a synthesized factual answer
- "wikipedia": encyclopedic lookup, for well-known entities, concepts, history
- "market": financial market data, for stock prices, instruments, company financials

Rules:
- Select only sources that materially help; an empty list means the query needs no external knowledge (greetings, opinions, pure conversation).
- "search_query" is the query rewritten for web search; "topic" is the encyclopedic article title if wikipedia is selected.
- "entity_terms" lists company or instrument names to resolve if market is selected (the names as the user wrote them, plus obvious variants).
- "shape" is one of "prose", "factual", "market".

Output strict JSON, no prose:
{"sources": ["exa"], "search_query": "...", "topic": "...", "entity_terms": [], "shape": "prose", "reasoning": "..."}

User query: %s

JSON:`

// classification is the model's wire answer.
type classification struct {
	Sources     []string `json:"sources"`
	SearchQuery string   `json:"search_query"`
	Topic       string   `json:"topic"`
	EntityTerms []string `json:"entity_terms"`
	Shape       string   `json:"shape"`
	Reasoning   string   `json:"reasoning"`
}

// Classifier produces the first-stage routing decision. The model path is
// rate-limited; when it fails for any reason the deterministic keyword rules
// take over, and the outcome names which path fired.
type Classifier struct {
	gen     Generator
	limiter *rate.Limiter // nil = unlimited
	logger  log.Logger
}

// NewClassifier creates a classifier. gen may be nil (keyword rules only).
func NewClassifier(gen Generator, limiter *rate.Limiter, logger log.Logger) *Classifier {
	return &Classifier{gen: gen, limiter: limiter, logger: logger}
}

// classified is the normalized first-stage result.
type classified struct {
	sources     []source.Kind
	searchQuery string
	topic       string
	entityTerms []string
	shape       AnswerShape
	reasoning   string
	outcome     ClassificationOutcome
}

// classify never fails: a model failure degrades to the keyword rules, and
// queries neither path can route become OutcomeDefaultDirect.
func (c *Classifier) classify(ctx context.Context, query string) classified {
	if c.gen != nil {
		if result, err := c.classifyWithModel(ctx, query); err == nil {
			return result
		} else {
			c.logger.Warn("model classification failed, using keyword rules", "error", err)
		}
	}
	return classifyByKeywords(query)
}

func (c *Classifier) classifyWithModel(ctx context.Context, query string) (classified, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return classified{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	text, err := c.gen.Generate(ctx, fmt.Sprintf(classifyPrompt, query))
	if err != nil {
		return classified{}, err
	}
	if len(text) > maxClassifyResponseBytes {
		return classified{}, fmt.Errorf("classification response too large: %d bytes", len(text))
	}

	var decoded classification
	if err := json.Unmarshal([]byte(stripCodeFences(text)), &decoded); err != nil {
		return classified{}, fmt.Errorf("parsing classification: %w", err)
	}

	result := classified{
		searchQuery: decoded.SearchQuery,
		topic:       decoded.Topic,
		entityTerms: decoded.EntityTerms,
		reasoning:   decoded.Reasoning,
		shape:       parseShape(decoded.Shape),
		outcome:     OutcomeModel,
	}
	for _, s := range decoded.Sources {
		kind := source.Kind(s)
		if !kind.Valid() {
			c.logger.Warn("classifier returned unknown source, skipping", "source", s)
			continue
		}
		result.sources = append(result.sources, kind)
	}
	if result.searchQuery == "" {
		result.searchQuery = query
	}
	if len(result.sources) == 0 {
		result.outcome = OutcomeDefaultDirect
	}
	return result, nil
}

// marketKeywords are terms that indicate a financial-instrument query.
var marketKeywords = []string{
	"stock", "share price", "ticker", "quote", "market cap",
	"nasdaq", "nyse", "earnings", "dividend",
}

// webKeywords are terms that indicate the answer lives on the current web.
var webKeywords = []string{
	"latest", "news", "today", "recent", "current",
	"this week", "this year", "announced", "released",
}

// lookupPrefixes open queries that read like encyclopedic lookups.
var lookupPrefixes = []string{
	"who is", "who was", "what is", "what are", "where is", "when did", "when was",
}

// classifyByKeywords is the deterministic fallback: cheap substring rules
// over the lowercased query. It must never call out.
func classifyByKeywords(query string) classified {
	q := strings.ToLower(strings.TrimSpace(query))
	result := classified{
		searchQuery: query,
		shape:       ShapeProse,
		outcome:     OutcomeKeywordFallback,
		reasoning:   "keyword rules",
	}

	if containsAny(q, marketKeywords) {
		result.sources = append(result.sources, source.KindMarket, source.KindExa)
		result.shape = ShapeMarket
		// The whole query is the only entity hint available on this path;
		// the resolver's catalog search tolerates noisy terms.
		result.entityTerms = []string{strings.TrimSpace(query)}
		return result
	}

	for _, p := range lookupPrefixes {
		if strings.HasPrefix(q, p) {
			result.sources = append(result.sources, source.KindWikipedia, source.KindPerplexity)
			result.topic = strings.TrimSuffix(strings.TrimSpace(query[len(p):]), "?")
			result.shape = ShapeFactual
			return result
		}
	}

	if containsAny(q, webKeywords) || strings.HasSuffix(q, "?") {
		result.sources = append(result.sources, source.KindExa, source.KindPerplexity)
		return result
	}

	result.outcome = OutcomeDefaultDirect
	return result
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

func parseShape(s string) AnswerShape {
	switch AnswerShape(s) {
	case ShapeFactual, ShapeMarket:
		return AnswerShape(s)
	default:
		return ShapeProse
	}
}

// stripCodeFences removes a markdown code fence wrapper if present.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		if idx := strings.LastIndex(s, "```"); idx != -1 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	return s
}
