// Package synthesis merges successful source results, knowledge hits, and
// recalled memories into one bounded prompt context and produces a single
// cited answer. Citation numbers are assigned once, in input order, and are
// never re-ordered afterward.
package synthesis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sagehq/sage/internal/knowledge"
	"github.com/sagehq/sage/internal/log"
	"github.com/sagehq/sage/internal/memory"
	"github.com/sagehq/sage/internal/source"
)

// ErrAllSourcesFailed reports that every requested source failed and no
// private context survived either. Distinct from a successful answer that
// found nothing relevant: this one means the retrieval pipeline itself
// failed and the caller should offer a retry.
var ErrAllSourcesFailed = errors.New("all knowledge sources failed")

// Excerpt bounds keep the model context within budget.
const (
	maxWebResultsPerSource = 3
	maxWebExcerptLen       = 500
	maxAnswerExcerptLen    = 2000
	maxSummaryExcerptLen   = 1500
	maxKnowledgeHits       = 5
	maxKnowledgeExcerptLen = 800
	maxMemoryEntries       = 3
	maxMemoryExcerptLen    = 300
	maxCandleRows          = 5
)

// Generator is the single-call text generation surface the synthesizer
// needs. Satisfied by *llm.Client, which also owns the call timeout.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Request carries everything one synthesis consumes.
type Request struct {
	Query     string
	Results   []source.Result
	Knowledge []knowledge.Hit
	Memories  []memory.Entry
	History   []Message
}

// Message is one prior conversation turn.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// Answer is the synthesized output: content with inline [n] markers and the
// citation list those markers index into, one-based.
type Answer struct {
	Content   string
	Citations []source.Citation
}

// Synthesizer produces cited answers. No internal retry: the caller owns
// retry policy, and the generator's own timeout keeps a stuck model call
// from stalling the pipeline.
type Synthesizer struct {
	gen    Generator
	logger log.Logger
}

// New creates a synthesizer.
func New(gen Generator, logger log.Logger) *Synthesizer {
	return &Synthesizer{gen: gen, logger: logger}
}

// Synthesize filters failed results, builds the bounded context, and runs
// one model call. Every input source failing with nothing else to work from
// is ErrAllSourcesFailed; a model that finds nothing relevant in healthy
// context is a successful, calm answer.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request) (*Answer, error) {
	successful := make([]source.Result, 0, len(req.Results))
	for _, r := range req.Results {
		if !r.Failed() {
			successful = append(successful, r)
		}
	}

	if len(successful) == 0 && len(req.Knowledge) == 0 && len(req.Memories) == 0 {
		if len(req.Results) > 0 {
			s.logger.Error("synthesis aborted, every source failed", "requested", len(req.Results))
			return nil, fmt.Errorf("%w: %d of %d sources errored", ErrAllSourcesFailed, len(req.Results), len(req.Results))
		}
		return nil, fmt.Errorf("%w: nothing to synthesize from", ErrAllSourcesFailed)
	}

	citations := collectCitations(successful)
	prompt := buildPrompt(req, successful, citations)

	start := time.Now()
	content, err := s.gen.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("synthesis model call: %w", err)
	}

	s.logger.Debug("synthesis completed",
		"sources", len(successful),
		"citations", len(citations),
		"elapsed", time.Since(start))

	return &Answer{Content: content, Citations: citations}, nil
}

// collectCitations flattens citations across successful sources in input
// order. Position in the returned slice is the citation number minus one.
func collectCitations(results []source.Result) []source.Citation {
	var out []source.Citation
	seen := make(map[string]bool)
	for _, r := range results {
		for _, c := range r.Citations {
			if c.URL != "" && seen[c.URL] {
				continue
			}
			seen[c.URL] = true
			out = append(out, c)
		}
	}
	return out
}

const instructions = `You are a research assistant. Answer the user's question from the context below.

Rules:
- Cite facts with inline numbered markers [1], [2], ... matching the numbered citation list exactly. Never invent a citation number.
- If sources disagree, say so explicitly and present both positions. Do not silently pick one.
- If the context contains nothing relevant, say you found nothing relevant. Do not invent facts.
- Be concise and direct.`

// buildPrompt assembles instructions, bounded per-source excerpts, private
// context, history, and the citation index.
func buildPrompt(req Request, successful []source.Result, citations []source.Citation) string {
	var b strings.Builder
	b.WriteString(instructions)
	b.WriteString("\n\n")

	if len(req.History) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, m := range req.History {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, excerpt(m.Content, maxMemoryExcerptLen))
		}
		b.WriteString("\n")
	}

	if len(req.Memories) > 0 {
		b.WriteString("Relevant prior exchanges in this project:\n")
		for i, e := range req.Memories {
			if i >= maxMemoryEntries {
				break
			}
			fmt.Fprintf(&b, "- %s\n", excerpt(e.Content, maxMemoryExcerptLen))
		}
		b.WriteString("\n")
	}

	if len(req.Knowledge) > 0 {
		b.WriteString("Excerpts from the user's documents:\n")
		for i, h := range req.Knowledge {
			if i >= maxKnowledgeHits {
				break
			}
			fmt.Fprintf(&b, "--- document chunk (relevance %.2f) ---\n%s\n", h.Score, excerpt(h.Content, maxKnowledgeExcerptLen))
		}
		b.WriteString("\n")
	}

	for _, r := range successful {
		writeSourceExcerpt(&b, r)
	}

	if len(citations) > 0 {
		b.WriteString("Citations:\n")
		for i, c := range citations {
			fmt.Fprintf(&b, "[%d] %s — %s\n", i+1, c.Title, c.URL)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "User question: %s\n\nAnswer:", req.Query)
	return b.String()
}

// writeSourceExcerpt renders one successful result with kind-appropriate
// bounds.
func writeSourceExcerpt(b *strings.Builder, r source.Result) {
	switch data := r.Data.(type) {
	case source.WebResults:
		b.WriteString("Web search results:\n")
		for i, res := range data.Results {
			if i >= maxWebResultsPerSource {
				break
			}
			fmt.Fprintf(b, "- %s (%s)\n  %s\n", res.Title, res.URL, excerpt(res.Text, maxWebExcerptLen))
		}
		b.WriteString("\n")
	case source.Answer:
		fmt.Fprintf(b, "AI answer search:\n%s\n\n", excerpt(data.Text, maxAnswerExcerptLen))
	case source.Summary:
		fmt.Fprintf(b, "Encyclopedia — %s:\n%s\n\n", data.Title, excerpt(data.Extract, maxSummaryExcerptLen))
	case source.MarketData:
		writeMarketExcerpt(b, data)
	}
}

func writeMarketExcerpt(b *strings.Builder, data source.MarketData) {
	fmt.Fprintf(b, "Market data for %s:\n", data.Symbol)
	if data.Quote != nil {
		fmt.Fprintf(b, "- Price %.2f (%+.2f, %+.2f%%), day range %.2f–%.2f, prev close %.2f\n",
			data.Quote.Current, data.Quote.Change, data.Quote.PercentChange,
			data.Quote.Low, data.Quote.High, data.Quote.PrevClose)
	}
	if data.Profile != nil {
		fmt.Fprintf(b, "- %s, %s, %s\n", data.Profile.Name, data.Profile.Exchange, data.Profile.Industry)
	}
	if n := len(data.Candles); n > 0 {
		fmt.Fprintf(b, "- Recent daily closes:")
		startIdx := 0
		if n > maxCandleRows {
			startIdx = n - maxCandleRows
		}
		for _, c := range data.Candles[startIdx:] {
			fmt.Fprintf(b, " %.2f (%s)", c.Close, c.At.Format("Jan 2"))
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

// excerpt truncates s to at most n runes.
func excerpt(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
