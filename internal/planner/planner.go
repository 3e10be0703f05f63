package planner

import (
	"context"

	"github.com/sagehq/sage/internal/log"
	"github.com/sagehq/sage/internal/source"
)

// Planner composes classification and entity resolution into a RoutingPlan.
type Planner struct {
	classifier *Classifier
	resolver   *Resolver
	logger     log.Logger
}

// New creates a planner. resolver may be nil when no market catalog is
// configured; market sources are then dropped from any plan.
func New(classifier *Classifier, resolver *Resolver, logger log.Logger) *Planner {
	return &Planner{classifier: classifier, resolver: resolver, logger: logger}
}

// Plan never fails: every failure path inside classification or resolution
// degrades to a plan with fewer sources, down to an empty direct-answer plan.
func (p *Planner) Plan(ctx context.Context, query string) *RoutingPlan {
	c := p.classifier.classify(ctx, query)

	plan := &RoutingPlan{
		Queries:   make(map[source.Kind]source.QuerySpec, len(c.sources)),
		Reasoning: c.reasoning,
		Shape:     c.shape,
		Outcome:   c.outcome,
	}

	for _, kind := range c.sources {
		switch kind {
		case source.KindExa, source.KindPerplexity:
			plan.Sources = append(plan.Sources, kind)
			plan.Queries[kind] = source.QuerySpec{Query: c.searchQuery}
		case source.KindWikipedia:
			topic := c.topic
			if topic == "" {
				topic = c.searchQuery
			}
			plan.Sources = append(plan.Sources, kind)
			plan.Queries[kind] = source.QuerySpec{Query: topic}
		case source.KindMarket:
			p.planMarket(ctx, query, c, plan)
		}
	}

	p.logger.Debug("routing plan built",
		"sources", len(plan.Sources),
		"outcome", plan.Outcome,
		"shape", plan.Shape)
	return plan
}

// planMarket runs entity resolution and adds the market source only when a
// confident symbol exists. A NoMatch stays on the plan for the caller's
// disambiguation UI.
func (p *Planner) planMarket(ctx context.Context, query string, c classified, plan *RoutingPlan) {
	if p.resolver == nil {
		p.logger.Warn("market source planned but no catalog configured, dropping")
		return
	}

	res := p.resolver.Resolve(ctx, query, c.entityTerms)
	plan.Entity = &res
	if res.NoMatch() {
		p.logger.Info("entity resolution found no match", "attempted", res.Attempted)
		return
	}

	plan.Sources = append(plan.Sources, source.KindMarket)
	plan.Queries[source.KindMarket] = source.QuerySpec{
		Query:  query,
		Symbol: res.Match.Symbol,
	}
}
