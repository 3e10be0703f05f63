package synthesis

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sagehq/sage/internal/knowledge"
	"github.com/sagehq/sage/internal/log"
	"github.com/sagehq/sage/internal/source"
	"github.com/sagehq/sage/internal/testutil"
)

func webResult(n int) source.Result {
	var results []source.WebResult
	var citations []source.Citation
	for i := 0; i < n; i++ {
		url := "https://example.com/" + string(rune('a'+i))
		results = append(results, source.WebResult{Title: "Result", URL: url, Text: "body text"})
		citations = append(citations, source.Citation{URL: url, Title: "Result"})
	}
	return source.Result{Source: source.KindExa, Data: source.WebResults{Results: results}, Citations: citations}
}

func wikiResult() source.Result {
	return source.Result{
		Source:    source.KindWikipedia,
		Data:      source.Summary{Title: "Topic", Extract: "extract"},
		Citations: []source.Citation{{URL: "https://en.wikipedia.org/wiki/Topic", Title: "Topic"}},
	}
}

func TestSynthesizeAllSourcesFailed(t *testing.T) {
	gen := &testutil.MockGenerator{Response: "unused"}
	s := New(gen, log.NewNop())

	_, err := s.Synthesize(context.Background(), Request{
		Query: "q",
		Results: []source.Result{
			source.Failure(source.KindExa, "timeout"),
			source.Failure(source.KindPerplexity, "upstream 500"),
		},
	})

	if !errors.Is(err, ErrAllSourcesFailed) {
		t.Fatalf("err = %v, want ErrAllSourcesFailed", err)
	}
	if gen.CallCount() != 0 {
		t.Error("model must not be called when every source failed")
	}
}

func TestSynthesizeOneSurvivorIsEnough(t *testing.T) {
	gen := &testutil.MockGenerator{Response: "The answer [1]."}
	s := New(gen, log.NewNop())

	answer, err := s.Synthesize(context.Background(), Request{
		Query: "q",
		Results: []source.Result{
			source.Failure(source.KindExa, "timeout"),
			wikiResult(),
		},
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(answer.Citations) != 1 {
		t.Errorf("citations = %d, want 1", len(answer.Citations))
	}
}

func TestSynthesizeKnowledgeOnlyIsNotFatal(t *testing.T) {
	gen := &testutil.MockGenerator{Response: "From your documents."}
	s := New(gen, log.NewNop())

	answer, err := s.Synthesize(context.Background(), Request{
		Query:     "q",
		Knowledge: []knowledge.Hit{{Chunk: knowledge.Chunk{Content: "private doc content"}, Score: 0.8}},
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if answer.Content == "" {
		t.Error("empty answer content")
	}
	if len(answer.Citations) != 0 {
		t.Errorf("citations = %d, want 0 for knowledge-only context", len(answer.Citations))
	}
}

func TestSynthesizeCitationNumberingIsStable(t *testing.T) {
	gen := &testutil.MockGenerator{Response: "Answer [1][2][3][4]."}
	s := New(gen, log.NewNop())

	answer, err := s.Synthesize(context.Background(), Request{
		Query: "q",
		Results: []source.Result{
			webResult(3),
			source.Failure(source.KindPerplexity, "timed out"),
			wikiResult(),
		},
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	// 3 exa citations then 1 wikipedia, in input order.
	if len(answer.Citations) != 4 {
		t.Fatalf("citations = %d, want 4", len(answer.Citations))
	}
	if answer.Citations[3].URL != "https://en.wikipedia.org/wiki/Topic" {
		t.Errorf("citations[3] = %+v, want the wikipedia citation last", answer.Citations[3])
	}

	// The prompt must carry the same numbering.
	prompt := gen.Prompts()[0]
	if !strings.Contains(prompt, "[4] Topic — https://en.wikipedia.org/wiki/Topic") {
		t.Error("prompt citation list does not match assigned numbering")
	}
}

func TestSynthesizeDedupesCitationURLs(t *testing.T) {
	gen := &testutil.MockGenerator{Response: "ok [1]"}
	s := New(gen, log.NewNop())

	dup := source.Citation{URL: "https://example.com/same", Title: "Same"}
	answer, err := s.Synthesize(context.Background(), Request{
		Query: "q",
		Results: []source.Result{
			{Source: source.KindExa, Data: source.WebResults{}, Citations: []source.Citation{dup}},
			{Source: source.KindPerplexity, Data: source.Answer{Text: "a"}, Citations: []source.Citation{dup}},
		},
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(answer.Citations) != 1 {
		t.Errorf("citations = %d, want 1 after URL dedupe", len(answer.Citations))
	}
}

func TestSynthesizeBoundsExcerpts(t *testing.T) {
	gen := &testutil.MockGenerator{Response: "ok"}
	s := New(gen, log.NewNop())

	long := strings.Repeat("x", 10_000)
	_, err := s.Synthesize(context.Background(), Request{
		Query: "q",
		Results: []source.Result{
			{Source: source.KindPerplexity, Data: source.Answer{Text: long}},
		},
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	prompt := gen.Prompts()[0]
	if len(prompt) > 5000 {
		t.Errorf("prompt length = %d, excerpt bounding not applied", len(prompt))
	}
}

func TestSynthesizeModelFailureIsNotRetried(t *testing.T) {
	gen := &testutil.MockGenerator{Err: errors.New("model overloaded")}
	s := New(gen, log.NewNop())

	_, err := s.Synthesize(context.Background(), Request{
		Query:   "q",
		Results: []source.Result{wikiResult()},
	})

	if err == nil {
		t.Fatal("expected model failure to surface")
	}
	if errors.Is(err, ErrAllSourcesFailed) {
		t.Error("model failure must be distinct from all-sources-failed")
	}
	if gen.CallCount() != 1 {
		t.Errorf("model called %d times, want exactly 1 (no retry)", gen.CallCount())
	}
}

func TestSynthesizeExampleScenario(t *testing.T) {
	// exa succeeds with 3 citations, wikipedia with 1, perplexity times out:
	// the answer carries exactly 4 citations, none from perplexity.
	gen := &testutil.MockGenerator{Response: "Synthesized [1][4]."}
	s := New(gen, log.NewNop())

	answer, err := s.Synthesize(context.Background(), Request{
		Query: "q",
		Results: []source.Result{
			webResult(3),
			source.TimeoutResult(source.KindPerplexity),
			wikiResult(),
		},
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(answer.Citations) != 4 {
		t.Fatalf("citations = %d, want 4", len(answer.Citations))
	}
	for _, c := range answer.Citations {
		if strings.Contains(c.URL, "perplexity") {
			t.Errorf("citation from failed source: %+v", c)
		}
	}
}
