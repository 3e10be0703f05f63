// Package memory stores one embedding per chat message and retrieves prior
// messages within a project, re-ranked by a blend of similarity and recency
// so relevant-and-recent exchanges surface first.
package memory

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultRecencyWeight is the blend weight given to recency. Modest on
	// purpose: old but highly relevant memories should not be buried.
	DefaultRecencyWeight = 0.3
	// DefaultHorizonDays is the age at which recency decays to zero.
	DefaultHorizonDays = 30
)

// Entry is one recalled message with its scores.
type Entry struct {
	ID             uuid.UUID
	MessageID      uuid.UUID
	ConversationID uuid.UUID
	ProjectID      *uuid.UUID
	Content        string
	CreatedAt      time.Time

	// Similarity is raw cosine similarity; Score is the recency-blended
	// value used for the final ranking.
	Similarity float64
	Score      float64
}

// recencyScore maps age onto [0, 1]: 1 at zero age, linearly down to 0 at
// the horizon, clamped there.
func recencyScore(createdAt, now time.Time, horizonDays float64) float64 {
	ageDays := now.Sub(createdAt).Hours() / 24
	if ageDays <= 0 {
		return 1
	}
	r := 1 - ageDays/horizonDays
	if r < 0 {
		return 0
	}
	return r
}

// rerank computes the blended score for every entry and sorts descending.
// weight 0 is pure similarity ranking; weight 1 is pure recency ranking.
func rerank(entries []Entry, weight, horizonDays float64, now time.Time) {
	for i := range entries {
		recency := recencyScore(entries[i].CreatedAt, now, horizonDays)
		entries[i].Score = (1-weight)*entries[i].Similarity + weight*recency
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
}
