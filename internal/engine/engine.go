// Package engine runs the retrieval and synthesis pipeline for one query:
// plan, gather from external sources and private context concurrently, then
// synthesize a cited answer. Progress streams to the caller as advisory
// status events.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sagehq/sage/internal/knowledge"
	"github.com/sagehq/sage/internal/log"
	"github.com/sagehq/sage/internal/memory"
	"github.com/sagehq/sage/internal/observability"
	"github.com/sagehq/sage/internal/planner"
	"github.com/sagehq/sage/internal/source"
	"github.com/sagehq/sage/internal/synthesis"
)

// Stage is the closed set of pipeline states surfaced to the caller.
type Stage string

const (
	StagePlanning     Stage = "planning"
	StageGathering    Stage = "gathering"
	StageSynthesizing Stage = "synthesizing"
	StageComplete     Stage = "complete"
	StageError        Stage = "error"
)

// StatusEvent is one advisory progress notification. Consumers render it;
// correctness never depends on delivery.
type StatusEvent struct {
	Stage   Stage     `json:"stage"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Request is one query with its scope.
type Request struct {
	Query          string
	ConversationID uuid.UUID
	ProjectID      *uuid.UUID
	History        []synthesis.Message
}

// Result is the final answer plus the plan that produced it.
type Result struct {
	Content   string
	Citations []source.Citation
	Plan      *planner.RoutingPlan
}

// Orchestrator executes a routing plan. Satisfied by *orchestrator.Orchestrator.
type Orchestrator interface {
	Execute(ctx context.Context, plan *planner.RoutingPlan) []source.Result
}

// KnowledgeSearcher is the scoped document retrieval surface. Satisfied by
// *knowledge.Store.
type KnowledgeSearcher interface {
	ConversationSources(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error)
	SearchText(ctx context.Context, sourceIDs []uuid.UUID, query string, opts knowledge.SearchOptions) ([]knowledge.Hit, error)
}

// MemorySearcher is the project recall surface. Satisfied by *memory.Store.
type MemorySearcher interface {
	SearchProject(ctx context.Context, projectID uuid.UUID, query string, opts memory.SearchOptions) ([]memory.Entry, error)
	RememberMessage(ctx context.Context, messageID, conversationID uuid.UUID, projectID *uuid.UUID, content string) error
}

// Synthesizer produces the final cited answer. Satisfied by
// *synthesis.Synthesizer.
type Synthesizer interface {
	Synthesize(ctx context.Context, req synthesis.Request) (*synthesis.Answer, error)
}

// Generator answers queries that need no retrieval. Satisfied by *llm.Client.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Options tune per-query retrieval.
type Options struct {
	KnowledgeLimit    int
	KnowledgeMinScore float64
	MemoryLimit       int
	RecencyWeight     float64
	RecencyHorizon    float64
}

// DefaultOptions returns the retrieval defaults.
func DefaultOptions() Options {
	return Options{
		KnowledgeLimit:    5,
		KnowledgeMinScore: 0.3,
		MemoryLimit:       3,
		RecencyWeight:     memory.DefaultRecencyWeight,
		RecencyHorizon:    memory.DefaultHorizonDays,
	}
}

// Engine wires the pipeline stages. Knowledge and memory are optional: a
// nil store simply contributes no private context.
type Engine struct {
	planner   *planner.Planner
	orch      Orchestrator
	knowledge KnowledgeSearcher
	memory    MemorySearcher
	synth     Synthesizer
	gen       Generator
	opts      Options
	logger    log.Logger
}

// New creates an engine. planner, orch, synth, and gen are required.
func New(p *planner.Planner, orch Orchestrator, ks KnowledgeSearcher, ms MemorySearcher, synth Synthesizer, gen Generator, opts Options, logger log.Logger) (*Engine, error) {
	if p == nil || orch == nil || synth == nil || gen == nil {
		return nil, fmt.Errorf("planner, orchestrator, synthesizer, and generator are required")
	}
	if opts.KnowledgeLimit <= 0 {
		opts = DefaultOptions()
	}
	return &Engine{
		planner:   p,
		orch:      orch,
		knowledge: ks,
		memory:    ms,
		synth:     synth,
		gen:       gen,
		opts:      opts,
		logger:    logger,
	}, nil
}

// RunQuery executes the full pipeline. events may be nil; sends never
// block, so a slow consumer drops events rather than stalling the query.
func (e *Engine) RunQuery(ctx context.Context, req Request, events chan<- StatusEvent) (*Result, error) {
	ctx, span := observability.Tracer("engine").Start(ctx, "engine.RunQuery")
	defer span.End()

	emit(events, StagePlanning, "deciding which sources to consult")

	planCtx, planSpan := observability.Tracer("engine").Start(ctx, "engine.Plan")
	plan := e.planner.Plan(planCtx, req.Query)
	planSpan.End()

	var (
		results  []source.Result
		hits     []knowledge.Hit
		memories []memory.Entry
	)

	emit(events, StageGathering, gatheringMessage(plan))

	gatherCtx, gatherSpan := observability.Tracer("engine").Start(ctx, "engine.Gather")
	gatherSpan.SetAttributes(
		attribute.Int("sources.requested", len(plan.Sources)),
		attribute.String("plan.outcome", string(plan.Outcome)),
	)

	// External fan-out and private retrieval are independent; run them all
	// concurrently, each writing only its own slot. Private retrieval
	// failures degrade to empty context, they never fail the query.
	var wg sync.WaitGroup
	if plan.NeedsRetrieval() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results = e.orch.Execute(gatherCtx, plan)
		}()
	}
	if e.knowledge != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hits = e.searchKnowledge(gatherCtx, req)
		}()
	}
	if e.memory != nil && req.ProjectID != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			memories = e.searchMemory(gatherCtx, req)
		}()
	}
	wg.Wait()
	gatherSpan.End()

	emit(events, StageSynthesizing, "composing the answer")

	synthCtx, synthSpan := observability.Tracer("engine").Start(ctx, "engine.Synthesize")
	result, err := e.synthesize(synthCtx, req, plan, results, hits, memories)
	synthSpan.End()
	if err != nil {
		emit(events, StageError, err.Error())
		return nil, err
	}

	e.remember(ctx, req, result.Content)

	emit(events, StageComplete, "done")
	return result, nil
}

func (e *Engine) searchKnowledge(ctx context.Context, req Request) []knowledge.Hit {
	allowList, err := e.knowledge.ConversationSources(ctx, req.ConversationID)
	if err != nil {
		e.logger.Warn("listing conversation sources failed", "error", err)
		return nil
	}
	if len(allowList) == 0 {
		return nil
	}

	hits, err := e.knowledge.SearchText(ctx, allowList, req.Query, knowledge.SearchOptions{
		Limit:    e.opts.KnowledgeLimit,
		MinScore: e.opts.KnowledgeMinScore,
	})
	if err != nil {
		e.logger.Warn("knowledge search failed", "error", err)
		return nil
	}
	return hits
}

func (e *Engine) searchMemory(ctx context.Context, req Request) []memory.Entry {
	entries, err := e.memory.SearchProject(ctx, *req.ProjectID, req.Query, memory.SearchOptions{
		Limit:                 e.opts.MemoryLimit,
		RecencyWeight:         e.opts.RecencyWeight,
		HorizonDays:           e.opts.RecencyHorizon,
		ExcludeConversationID: &req.ConversationID,
	})
	if err != nil {
		e.logger.Warn("project memory search failed", "error", err)
		return nil
	}
	return entries
}

func (e *Engine) synthesize(ctx context.Context, req Request, plan *planner.RoutingPlan, results []source.Result, hits []knowledge.Hit, memories []memory.Entry) (*Result, error) {
	// Nothing was retrieved and nothing was supposed to be: answer from
	// conversation alone.
	if len(results) == 0 && len(hits) == 0 && len(memories) == 0 {
		content, err := e.gen.Generate(ctx, directPrompt(req))
		if err != nil {
			return nil, fmt.Errorf("direct answer: %w", err)
		}
		return &Result{Content: content, Plan: plan}, nil
	}

	answer, err := e.synth.Synthesize(ctx, synthesis.Request{
		Query:     req.Query,
		Results:   results,
		Knowledge: hits,
		Memories:  memories,
		History:   req.History,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Content: answer.Content, Citations: answer.Citations, Plan: plan}, nil
}

// remember stores the exchange for future project recall, best-effort.
func (e *Engine) remember(ctx context.Context, req Request, answer string) {
	if e.memory == nil || req.ProjectID == nil {
		return
	}
	exchange := fmt.Sprintf("Q: %s\nA: %s", req.Query, answer)
	if err := e.memory.RememberMessage(ctx, uuid.New(), req.ConversationID, req.ProjectID, exchange); err != nil {
		e.logger.Warn("remembering exchange failed", "error", err)
	}
}

func directPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You are a helpful research assistant. Continue the conversation naturally.\n\n")
	for _, m := range req.History {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	fmt.Fprintf(&b, "user: %s\nassistant:", req.Query)
	return b.String()
}

func gatheringMessage(plan *planner.RoutingPlan) string {
	if !plan.NeedsRetrieval() {
		return "gathering context"
	}
	return fmt.Sprintf("querying %d sources", len(plan.Sources))
}

// emit sends without blocking; a full or nil channel drops the event.
func emit(events chan<- StatusEvent, stage Stage, message string) {
	if events == nil {
		return
	}
	select {
	case events <- StatusEvent{Stage: stage, Message: message, At: time.Now()}:
	default:
	}
}
