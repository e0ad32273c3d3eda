package retrieval

import (
	"errors"
	"time"
)

// ErrInvalidArgument is returned for malformed queries (e.g. k <= 0).
var ErrInvalidArgument = errors.New("invalid argument")

// ErrInvalidInput is returned when text unsuitable for embedding is submitted.
var ErrInvalidInput = errors.New("invalid input")

// VectorIndex stores one embedding per media id and supports nearest-neighbor
// queries. Upsert is last-write-wins; Query orders by descending cosine
// similarity with ties broken by most recent upsert so ordering is
// deterministic.
type VectorIndex interface {
	Upsert(mediaID string, vector []float32) error
	Query(vector []float32, k int) ([]Match, error)
	Delete(mediaID string) error
}

// Match is one query result.
type Match struct {
	MediaID    string
	Score      float32
	UpsertedAt time.Time
}
