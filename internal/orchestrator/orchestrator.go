// Package orchestrator fans a routing plan out to the source adapters and
// collects every outcome. One slow or failing source never blocks or drops
// the others: the caller always gets exactly one result per requested
// source, with slots still pending at the global deadline converted into
// timeout results.
package orchestrator

import (
	"context"
	"time"

	"github.com/sagehq/sage/internal/log"
	"github.com/sagehq/sage/internal/planner"
	"github.com/sagehq/sage/internal/source"
)

// DefaultDeadline bounds one whole Execute call when the orchestrator owner
// does not configure one. Individual adapters carry shorter timeouts.
const DefaultDeadline = 45 * time.Second

// Orchestrator routes plan slots to registered adapters.
type Orchestrator struct {
	adapters map[source.Kind]source.Adapter
	deadline time.Duration
	logger   log.Logger
}

// New creates an orchestrator over the given adapters. deadline <= 0 uses
// DefaultDeadline.
func New(adapters []source.Adapter, deadline time.Duration, logger log.Logger) *Orchestrator {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	byKind := make(map[source.Kind]source.Adapter, len(adapters))
	for _, a := range adapters {
		byKind[a.Kind()] = a
	}
	return &Orchestrator{adapters: byKind, deadline: deadline, logger: logger}
}

// Execute invokes the adapter for every source in the plan whose query spec
// is present, all concurrently. Each slot resolves through its own channel;
// when the global deadline expires, still-pending slots resolve as timeout
// results and the cancelled context unwinds their in-flight fetches.
func (o *Orchestrator) Execute(ctx context.Context, plan *planner.RoutingPlan) []source.Result {
	type slot struct {
		kind source.Kind
		ch   chan source.Result
	}

	ctx, cancel := context.WithTimeout(ctx, o.deadline)
	defer cancel()

	start := time.Now()
	var slots []slot
	for _, kind := range plan.Sources {
		spec, ok := plan.Queries[kind]
		if !ok {
			continue
		}
		adapter, ok := o.adapters[kind]
		if !ok {
			o.logger.Warn("no adapter registered for planned source", "source", kind)
			ch := make(chan source.Result, 1)
			ch <- source.Failure(kind, "no adapter configured")
			slots = append(slots, slot{kind: kind, ch: ch})
			continue
		}

		ch := make(chan source.Result, 1)
		go func() {
			ch <- adapter.Fetch(ctx, spec)
		}()
		slots = append(slots, slot{kind: kind, ch: ch})
	}

	results := make([]source.Result, len(slots))
	for i, s := range slots {
		select {
		case results[i] = <-s.ch:
		case <-ctx.Done():
			results[i] = source.TimeoutResult(s.kind)
		}
	}

	succeeded, failed := 0, 0
	for _, r := range results {
		if r.Failed() {
			failed++
		} else {
			succeeded++
		}
	}
	o.logger.Info("source fan-out completed",
		"requested", len(slots),
		"succeeded", succeeded,
		"failed", failed,
		"elapsed", time.Since(start))

	return results
}
