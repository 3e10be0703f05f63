package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sagehq/sage/internal/log"
)

// failingStore simulates a store outage.
type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("store unavailable")
}

func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("store unavailable")
}

func TestCacheRoundTrip(t *testing.T) {
	cache := NewCache(NewMemoryStore(), log.NewNop())
	ctx := context.Background()

	cache.Set(ctx, KindMarket, "AAPL", DataQuote, []byte(`{"c":1}`))

	got, ok := cache.Get(ctx, KindMarket, "AAPL", DataQuote)
	if !ok {
		t.Fatal("expected cache hit")
	}
	if string(got) != `{"c":1}` {
		t.Errorf("got %q", got)
	}
}

func TestCacheKeysDoNotCollide(t *testing.T) {
	cache := NewCache(NewMemoryStore(), log.NewNop())
	ctx := context.Background()

	cache.Set(ctx, KindMarket, "AAPL", DataQuote, []byte("quote"))
	cache.Set(ctx, KindMarket, "AAPL", DataProfile, []byte("profile"))
	cache.Set(ctx, KindMarket, "MSFT", DataQuote, []byte("other"))

	got, ok := cache.Get(ctx, KindMarket, "AAPL", DataQuote)
	if !ok || string(got) != "quote" {
		t.Errorf("quote entry = %q, ok=%v", got, ok)
	}
	if _, ok := cache.Get(ctx, KindExa, "AAPL", DataQuote); ok {
		t.Error("different provider must not share entries")
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore().(*memoryStore)
	now := time.Now()
	store.clock = func() time.Time { return now }
	ctx := context.Background()

	if err := store.Set(ctx, "k", []byte("v"), 30*time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}

	if _, ok, _ := store.Get(ctx, "k"); !ok {
		t.Fatal("expected hit before expiry")
	}

	now = now.Add(31 * time.Second)
	if _, ok, _ := store.Get(ctx, "k"); ok {
		t.Fatal("expected miss after TTL")
	}
}

func TestCacheUnavailableStoreIsAdvisory(t *testing.T) {
	cache := NewCache(failingStore{}, log.NewNop())
	ctx := context.Background()

	// Neither call may panic or surface the store error.
	cache.Set(ctx, KindMarket, "AAPL", DataQuote, []byte("x"))
	if _, ok := cache.Get(ctx, KindMarket, "AAPL", DataQuote); ok {
		t.Fatal("failing store must read as a miss")
	}
}

func TestDataKindTTLOrdering(t *testing.T) {
	// Live quotes must expire well before historical series.
	if DataQuote.TTL() >= DataCandles.TTL() {
		t.Errorf("quote TTL %v should be shorter than candles TTL %v",
			DataQuote.TTL(), DataCandles.TTL())
	}
	if DataCandles.TTL() >= DataProfile.TTL() {
		t.Errorf("candles TTL %v should be shorter than profile TTL %v",
			DataCandles.TTL(), DataProfile.TTL())
	}
}
