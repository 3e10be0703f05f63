package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sagehq/sage/internal/log"
	"github.com/sagehq/sage/internal/source"
)

const (
	// directSelectScore is the candidate score at which no disambiguation
	// model call is needed, provided the margin also holds.
	directSelectScore = 0.9
	// directSelectMargin is the required lead over the runner-up.
	directSelectMargin = 0.15
	// maxDisambiguationCandidates bounds the list shown to the model.
	maxDisambiguationCandidates = 5
)

// ResolutionMethod names how a match was selected.
type ResolutionMethod string

const (
	// MethodScore: a single candidate dominated on deterministic scoring.
	MethodScore ResolutionMethod = "score"
	// MethodModel: the disambiguation model picked among candidates.
	MethodModel ResolutionMethod = "model"
	// MethodTopFallback: the model call failed or answered out of range;
	// the highest-scored candidate was taken.
	MethodTopFallback ResolutionMethod = "top_fallback"
)

// Candidate is one scored catalog hit.
type Candidate struct {
	Symbol      string
	Description string
	Type        string
	Score       float64
}

// Resolution is the outcome of entity resolution. Zero candidates is not an
// error: Match is nil and Attempted carries the terms tried, so the caller
// can present a disambiguation affordance.
type Resolution struct {
	Match      *Candidate
	Candidates []Candidate
	Attempted  []string
	Method     ResolutionMethod
}

// NoMatch reports whether resolution found no usable candidate.
func (r *Resolution) NoMatch() bool { return r.Match == nil }

// CatalogSearcher looks up instrument candidates for a free-text term.
// Satisfied by *source.Market.
type CatalogSearcher interface {
	SearchCatalog(ctx context.Context, term string) ([]source.CatalogEntry, error)
}

// Resolver maps free-text instrument names to canonical symbols: parallel
// catalog search per term, deterministic scoring, and a disambiguation model
// call only when scoring alone is not decisive.
type Resolver struct {
	catalog CatalogSearcher
	gen     Generator
	logger  log.Logger
}

// NewResolver creates a resolver. gen may be nil; ambiguous resolutions then
// fall through to the highest-scored candidate.
func NewResolver(catalog CatalogSearcher, gen Generator, logger log.Logger) *Resolver {
	return &Resolver{catalog: catalog, gen: gen, logger: logger}
}

// Resolve searches the catalog for every term concurrently and selects one
// candidate. Individual term lookups may fail without failing the whole
// resolution; only the terms that errored are dropped.
func (r *Resolver) Resolve(ctx context.Context, query string, terms []string) Resolution {
	res := Resolution{Attempted: terms}
	if len(terms) == 0 {
		return res
	}

	var mu sync.Mutex
	var all []Candidate

	g, gctx := errgroup.WithContext(ctx)
	for _, term := range terms {
		g.Go(func() error {
			entries, err := r.catalog.SearchCatalog(gctx, term)
			if err != nil {
				// A failed term does not sink the others.
				r.logger.Warn("catalog search failed", "term", term, "error", err)
				return nil
			}
			scored := scoreCandidates(term, entries)
			mu.Lock()
			all = append(all, scored...)
			mu.Unlock()
			return nil
		})
	}
	// Per-term errors are logged above, so Wait cannot fail.
	_ = g.Wait()

	res.Candidates = dedupeCandidates(all)
	if len(res.Candidates) == 0 {
		return res
	}
	if len(res.Candidates) > maxDisambiguationCandidates {
		res.Candidates = res.Candidates[:maxDisambiguationCandidates]
	}

	top := res.Candidates[0]
	runnerUp := 0.0
	if len(res.Candidates) > 1 {
		runnerUp = res.Candidates[1].Score
	}
	if top.Score >= directSelectScore && top.Score-runnerUp >= directSelectMargin {
		res.Match = &top
		res.Method = MethodScore
		return res
	}

	return r.disambiguate(ctx, query, res)
}

// disambiguatePrompt asks the model to pick a candidate by index.
// %s: user query; %s: numbered candidate list.
const disambiguatePrompt = `A user asked about a financial instrument. Pick the candidate that best matches their intent.

User query: %s

Candidates:
%s

Output strict JSON with the zero-based index of your pick, no prose:
{"index": 0}`

// disambiguate asks the model to pick among the scored candidates; any
// failure falls back to the highest-scored one, as a named method.
func (r *Resolver) disambiguate(ctx context.Context, query string, res Resolution) Resolution {
	fallback := func(reason string, err error) Resolution {
		r.logger.Warn("disambiguation fell back to top candidate", "reason", reason, "error", err)
		res.Match = &res.Candidates[0]
		res.Method = MethodTopFallback
		return res
	}

	if r.gen == nil {
		res.Match = &res.Candidates[0]
		res.Method = MethodTopFallback
		return res
	}

	var list strings.Builder
	for i, c := range res.Candidates {
		fmt.Fprintf(&list, "%d. %s — %s (%s)\n", i, c.Symbol, c.Description, c.Type)
	}

	text, err := r.gen.Generate(ctx, fmt.Sprintf(disambiguatePrompt, query, list.String()))
	if err != nil {
		return fallback("model call failed", err)
	}

	var pick struct {
		Index int `json:"index"`
	}
	if err := json.Unmarshal([]byte(stripCodeFences(text)), &pick); err != nil {
		return fallback("unparseable answer", err)
	}
	if pick.Index < 0 || pick.Index >= len(res.Candidates) {
		return fallback("index out of range", nil)
	}

	res.Match = &res.Candidates[pick.Index]
	res.Method = MethodModel
	return res
}

// corporateSuffixes are stripped before comparing a term against a catalog
// description, so "netflix" matches "NETFLIX INC" exactly.
var corporateSuffixes = []string{
	"inc", "inc.", "corp", "corp.", "corporation", "co", "co.",
	"ltd", "ltd.", "plc", "sa", "ag", "nv", "holdings", "group",
}

// scoreCandidates scores catalog entries against the term that found them.
// Exact symbol or exact (suffix-stripped) name match scores 1.0.
func scoreCandidates(term string, entries []source.CatalogEntry) []Candidate {
	normTerm := normalizeName(term)
	upperTerm := strings.ToUpper(strings.TrimSpace(term))

	out := make([]Candidate, 0, len(entries))
	for _, e := range entries {
		if e.Symbol == "" {
			continue
		}
		var score float64
		switch {
		case strings.ToUpper(e.Symbol) == upperTerm:
			score = 1.0
		case normalizeName(e.Description) == normTerm:
			score = 1.0
		case strings.HasPrefix(normalizeName(e.Description), normTerm+" "):
			score = 0.8
		case strings.Contains(normalizeName(e.Description), normTerm):
			score = 0.6
		default:
			score = 0.3
		}
		out = append(out, Candidate{
			Symbol:      strings.ToUpper(e.Symbol),
			Description: e.Description,
			Type:        e.Type,
			Score:       score,
		})
	}
	return out
}

// normalizeName lowercases, collapses whitespace, and strips trailing
// corporate suffixes.
func normalizeName(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	for len(fields) > 0 {
		last := fields[len(fields)-1]
		stripped := false
		for _, suffix := range corporateSuffixes {
			if last == suffix {
				fields = fields[:len(fields)-1]
				stripped = true
				break
			}
		}
		if !stripped {
			break
		}
	}
	return strings.Join(fields, " ")
}

// dedupeCandidates keeps the best score per (type, symbol) pair and returns
// candidates sorted by score descending, then symbol for stable order.
func dedupeCandidates(candidates []Candidate) []Candidate {
	type key struct{ typ, symbol string }
	best := make(map[key]Candidate, len(candidates))
	for _, c := range candidates {
		k := key{typ: c.Type, symbol: c.Symbol}
		if existing, ok := best[k]; !ok || c.Score > existing.Score {
			best[k] = c
		}
	}

	out := make([]Candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}
