package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sagehq/sage/internal/log"
)

func TestExaFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		var req exaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.Query != "fusion energy breakthroughs" {
			t.Errorf("query = %q", req.Query)
		}
		json.NewEncoder(w).Encode(exaResponse{Results: []struct {
			Title         string  `json:"title"`
			URL           string  `json:"url"`
			Text          string  `json:"text"`
			Score         float64 `json:"score"`
			PublishedDate string  `json:"publishedDate"`
		}{
			{Title: "Ignition", URL: "https://example.com/a", Text: "net gain", Score: 0.92},
			{Title: "Tokamak", URL: "https://example.com/b", Text: "magnets", Score: 0.87},
		}})
	}))
	defer srv.Close()

	exa := NewExa("test-key", srv.URL, srv.Client(), nil, log.NewNop())
	res := exa.Fetch(context.Background(), QuerySpec{Query: "fusion energy breakthroughs"})

	if res.Failed() {
		t.Fatalf("unexpected failure: %s", res.Err)
	}
	data, ok := res.Data.(WebResults)
	if !ok {
		t.Fatalf("payload type = %T", res.Data)
	}
	if len(data.Results) != 2 {
		t.Errorf("results = %d", len(data.Results))
	}
	if len(res.Citations) != 2 {
		t.Errorf("citations = %d", len(res.Citations))
	}
	if res.Citations[0].URL != "https://example.com/a" {
		t.Errorf("citation url = %q", res.Citations[0].URL)
	}
}

func TestExaFetchMissingCredentials(t *testing.T) {
	exa := NewExa("", "https://unused", nil, nil, log.NewNop())
	res := exa.Fetch(context.Background(), QuerySpec{Query: "anything"})

	if !res.Failed() {
		t.Fatal("expected failure without credentials")
	}
	if res.Data != nil {
		t.Error("failed result must carry nil data")
	}
}

func TestExaFetchUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	exa := NewExa("key", srv.URL, srv.Client(), nil, log.NewNop())
	res := exa.Fetch(context.Background(), QuerySpec{Query: "q"})

	if !res.Failed() {
		t.Fatal("expected failure on 429")
	}
}

func TestPerplexityFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer pplx-key" {
			t.Errorf("bad auth header %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`{
			"choices": [{"message": {"content": "The answer is 42."}}],
			"search_results": [
				{"title": "Guide", "url": "https://example.com/guide"}
			]
		}`))
	}))
	defer srv.Close()

	p := NewPerplexity("pplx-key", srv.URL, srv.Client(), nil, log.NewNop())
	res := p.Fetch(context.Background(), QuerySpec{Query: "meaning of life"})

	if res.Failed() {
		t.Fatalf("unexpected failure: %s", res.Err)
	}
	answer, ok := res.Data.(Answer)
	if !ok {
		t.Fatalf("payload type = %T", res.Data)
	}
	if answer.Text != "The answer is 42." {
		t.Errorf("answer = %q", answer.Text)
	}
	if len(res.Citations) != 1 || res.Citations[0].Title != "Guide" {
		t.Errorf("citations = %+v", res.Citations)
	}
}

func TestPerplexityEmptyAnswerIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"choices": []}`))
	}))
	defer srv.Close()

	p := NewPerplexity("key", srv.URL, srv.Client(), nil, log.NewNop())
	res := p.Fetch(context.Background(), QuerySpec{Query: "q"})

	if !res.Failed() {
		t.Fatal("empty answer must be a failure")
	}
}

func TestWikipediaFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/page/summary/Alan_Turing" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{
			"title": "Alan Turing",
			"extract": "English mathematician and computer scientist.",
			"type": "standard",
			"content_urls": {"desktop": {"page": "https://en.wikipedia.org/wiki/Alan_Turing"}}
		}`))
	}))
	defer srv.Close()

	wiki := NewWikipedia(srv.URL, srv.Client(), nil, log.NewNop())
	res := wiki.Fetch(context.Background(), QuerySpec{Query: "Alan Turing"})

	if res.Failed() {
		t.Fatalf("unexpected failure: %s", res.Err)
	}
	sum, ok := res.Data.(Summary)
	if !ok {
		t.Fatalf("payload type = %T", res.Data)
	}
	if sum.Title != "Alan Turing" {
		t.Errorf("title = %q", sum.Title)
	}
}

func TestWikipediaDisambiguationIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"title": "Mercury", "extract": "Mercury may refer to:", "type": "disambiguation"}`))
	}))
	defer srv.Close()

	wiki := NewWikipedia(srv.URL, srv.Client(), nil, log.NewNop())
	res := wiki.Fetch(context.Background(), QuerySpec{Query: "Mercury"})

	if !res.Failed() {
		t.Fatal("disambiguation page must not produce data")
	}
}

func TestMarketFetchUsesCache(t *testing.T) {
	var quoteCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/quote":
			quoteCalls.Add(1)
			w.Write([]byte(`{"c": 101.5, "d": 1.5, "dp": 1.5, "h": 102, "l": 99, "o": 100, "pc": 100, "t": 1700000000}`))
		case "/stock/candle":
			w.Write([]byte(`{"s": "ok", "t": [1700000000], "o": [100], "h": [102], "l": [99], "c": [101.5], "v": [10000]}`))
		case "/stock/profile2":
			w.Write([]byte(`{"name": "Netflix Inc", "exchange": "NASDAQ", "finnhubIndustry": "Media", "weburl": "https://netflix.com"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	cache := NewCache(NewMemoryStore(), log.NewNop())
	market := NewMarket("fh-key", srv.URL, srv.Client(), nil, cache, log.NewNop())

	first := market.Fetch(context.Background(), QuerySpec{Symbol: "NFLX"})
	if first.Failed() {
		t.Fatalf("first fetch failed: %s", first.Err)
	}

	second := market.Fetch(context.Background(), QuerySpec{Symbol: "NFLX"})
	if second.Failed() {
		t.Fatalf("second fetch failed: %s", second.Err)
	}

	if got := quoteCalls.Load(); got != 1 {
		t.Errorf("quote endpoint called %d times, want 1 (cache hit)", got)
	}

	data, ok := second.Data.(MarketData)
	if !ok {
		t.Fatalf("payload type = %T", second.Data)
	}
	if data.Quote == nil || data.Quote.Current != 101.5 {
		t.Errorf("quote = %+v", data.Quote)
	}
	if data.Profile == nil || data.Profile.Name != "Netflix Inc" {
		t.Errorf("profile = %+v", data.Profile)
	}
	if len(data.Candles) != 1 {
		t.Errorf("candles = %d", len(data.Candles))
	}
}

func TestMarketQuoteFailureFailsResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	market := NewMarket("key", srv.URL, srv.Client(), nil, nil, log.NewNop())
	res := market.Fetch(context.Background(), QuerySpec{Symbol: "NFLX"})

	if !res.Failed() {
		t.Fatal("expected failure when quote endpoint errors")
	}
}

func TestMarketRequiresSymbol(t *testing.T) {
	market := NewMarket("key", "https://unused", nil, nil, nil, log.NewNop())
	res := market.Fetch(context.Background(), QuerySpec{Query: "netflix"})

	if !res.Failed() {
		t.Fatal("expected failure without a resolved symbol")
	}
}

func TestSearchCatalog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("q") != "netflix" {
			t.Errorf("q = %q", r.URL.Query().Get("q"))
		}
		w.Write([]byte(`{"result": [{"symbol": "NFLX", "description": "NETFLIX INC", "type": "Common Stock"}]}`))
	}))
	defer srv.Close()

	market := NewMarket("key", srv.URL, srv.Client(), nil, nil, log.NewNop())
	entries, err := market.SearchCatalog(context.Background(), "netflix")
	if err != nil {
		t.Fatalf("SearchCatalog failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Symbol != "NFLX" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestAdapterTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	exa := NewExa("key", srv.URL, srv.Client(), nil, log.NewNop())
	exa.client.timeout = 50 * time.Millisecond

	start := time.Now()
	res := exa.Fetch(context.Background(), QuerySpec{Query: "slow"})
	elapsed := time.Since(start)

	if !res.Failed() {
		t.Fatal("expected timeout failure")
	}
	if elapsed > 2*time.Second {
		t.Errorf("fetch took %v, timeout not applied", elapsed)
	}
}
