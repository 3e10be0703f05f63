package memory

import (
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
)

func entry(sim float64, age time.Duration, now time.Time) Entry {
	return Entry{ID: uuid.New(), Similarity: sim, CreatedAt: now.Add(-age)}
}

func TestRecencyScore(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		age     time.Duration
		horizon float64
		want    float64
	}{
		{"fresh", 0, 30, 1.0},
		{"half horizon", 15 * 24 * time.Hour, 30, 0.5},
		{"at horizon", 30 * 24 * time.Hour, 30, 0.0},
		{"past horizon clamps", 90 * 24 * time.Hour, 30, 0.0},
		{"future timestamp clamps", -time.Hour, 30, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := recencyScore(now.Add(-tt.age), now, tt.horizon)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("recencyScore = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRerankZeroWeightIsPureSimilarity(t *testing.T) {
	now := time.Now()
	// The most similar entry is also the oldest.
	entries := []Entry{
		entry(0.5, time.Hour, now),
		entry(0.9, 100*24*time.Hour, now),
		entry(0.7, 24*time.Hour, now),
	}

	rerank(entries, 0, DefaultHorizonDays, now)

	if entries[0].Similarity != 0.9 {
		t.Errorf("top entry similarity = %v, want 0.9 (pure similarity order)", entries[0].Similarity)
	}
	for i, e := range entries {
		if math.Abs(e.Score-e.Similarity) > 1e-9 {
			t.Errorf("entry %d: score %v != similarity %v with weight 0", i, e.Score, e.Similarity)
		}
	}
}

func TestRerankFullWeightIsPureRecency(t *testing.T) {
	now := time.Now()
	// The newest entry is the least similar.
	entries := []Entry{
		entry(0.9, 20*24*time.Hour, now),
		entry(0.1, time.Hour, now),
		entry(0.5, 10*24*time.Hour, now),
	}

	rerank(entries, 1, DefaultHorizonDays, now)

	if entries[0].Similarity != 0.1 {
		t.Errorf("top entry similarity = %v, want 0.1 (newest first)", entries[0].Similarity)
	}
	if entries[2].Similarity != 0.9 {
		t.Errorf("bottom entry similarity = %v, want 0.9 (oldest last)", entries[2].Similarity)
	}
}

func TestRerankBlendsBothSignals(t *testing.T) {
	now := time.Now()
	old := entry(1.0, 30*24*time.Hour, now)  // recency 0
	fresh := entry(0.8, 0, now)              // recency 1

	entries := []Entry{old, fresh}
	rerank(entries, DefaultRecencyWeight, DefaultHorizonDays, now)

	// old: 0.7*1.0 + 0.3*0 = 0.70; fresh: 0.7*0.8 + 0.3*1 = 0.86.
	if entries[0].Similarity != 0.8 {
		t.Errorf("blend should prefer the fresh entry, top similarity = %v", entries[0].Similarity)
	}
	if math.Abs(entries[0].Score-0.86) > 1e-9 {
		t.Errorf("fresh score = %v, want 0.86", entries[0].Score)
	}
	if math.Abs(entries[1].Score-0.70) > 1e-9 {
		t.Errorf("old score = %v, want 0.70", entries[1].Score)
	}
}

func TestRerankStableTieBreak(t *testing.T) {
	now := time.Now()
	a := entry(0.5, time.Hour, now)
	b := entry(0.5, 2*time.Hour, now)

	entries := []Entry{b, a}
	rerank(entries, 0, DefaultHorizonDays, now)

	if !entries[0].CreatedAt.After(entries[1].CreatedAt) {
		t.Error("equal scores must tie-break newest first")
	}
}
