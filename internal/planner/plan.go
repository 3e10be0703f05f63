// Package planner turns a free-text query into a RoutingPlan: which sources
// to consult, with what sub-queries, and — for instrument queries — which
// canonical symbol the user meant. Classification runs in two stages: a fast
// model call and a deterministic keyword fallback, each reported as a named
// outcome so callers and tests can tell which path fired.
package planner

import (
	"github.com/sagehq/sage/internal/source"
)

// ClassificationOutcome names the path that produced a plan. Fallbacks are
// explicit outcomes, not silent defaults.
type ClassificationOutcome string

const (
	// OutcomeModel: the classification model returned a usable plan.
	OutcomeModel ClassificationOutcome = "model"
	// OutcomeKeywordFallback: the model was unavailable or unparseable and
	// deterministic keyword rules selected the sources.
	OutcomeKeywordFallback ClassificationOutcome = "keyword_fallback"
	// OutcomeDefaultDirect: neither path found evidence the query needs
	// external knowledge; the query is answered from conversation alone.
	OutcomeDefaultDirect ClassificationOutcome = "default_direct"
)

// AnswerShape is the expected presentation of the final answer, carried
// through to the synthesizer's instructions.
type AnswerShape string

const (
	ShapeProse   AnswerShape = "prose"
	ShapeFactual AnswerShape = "factual"
	ShapeMarket  AnswerShape = "market"
)

// RoutingPlan is the immutable per-query routing decision. Produced once,
// consumed by the orchestrator.
type RoutingPlan struct {
	Sources   []source.Kind
	Queries   map[source.Kind]source.QuerySpec
	Reasoning string
	Shape     AnswerShape
	Outcome   ClassificationOutcome

	// Entity carries the instrument resolution when a market source was
	// considered; nil otherwise. A NoMatch resolution removes the market
	// source from the plan but is preserved here for disambiguation UI.
	Entity *Resolution
}

// NeedsRetrieval reports whether any external source was selected.
func (p *RoutingPlan) NeedsRetrieval() bool {
	return len(p.Sources) > 0
}

// Requests reports whether kind is in the plan with a query spec present.
func (p *RoutingPlan) Requests(kind source.Kind) (source.QuerySpec, bool) {
	for _, k := range p.Sources {
		if k == kind {
			spec, ok := p.Queries[kind]
			return spec, ok
		}
	}
	return source.QuerySpec{}, false
}
