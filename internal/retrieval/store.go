package retrieval

import (
	"container/heap"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Compile-time check that SQLiteIndex implements VectorIndex.
var _ VectorIndex = (*SQLiteIndex)(nil)

// SQLiteIndex is a brute-force cosine-similarity vector index over the
// media_vectors table. One row per media id; fine for personal collections.
type SQLiteIndex struct {
	db *sql.DB
}

// NewSQLiteIndex wraps an existing *sql.DB for vector operations.
// The media_vectors table must already exist (created via migrations).
func NewSQLiteIndex(db *sql.DB) *SQLiteIndex {
	return &SQLiteIndex{db: db}
}

// Upsert stores the vector for mediaID, replacing any prior one.
func (s *SQLiteIndex) Upsert(mediaID string, vector []float32) error {
	if mediaID == "" {
		return fmt.Errorf("%w: empty media id", ErrInvalidArgument)
	}
	if len(vector) == 0 {
		return fmt.Errorf("%w: empty vector", ErrInvalidArgument)
	}
	_, err := s.db.Exec(`
		INSERT INTO media_vectors (media_id, embedding, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(media_id) DO UPDATE SET
			embedding = excluded.embedding,
			updated_at = excluded.updated_at`,
		mediaID, encodeFloat32s(vector), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upserting vector for %s: %w", mediaID, err)
	}
	return nil
}

// Query scans all vectors and returns the top-k matches by descending cosine
// similarity. Equal scores are ordered by most recent upsert.
func (s *SQLiteIndex) Query(vector []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", ErrInvalidArgument, k)
	}

	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	rows, err := s.db.Query(`SELECT media_id, embedding, updated_at FROM media_vectors`)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &matchHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id, updatedAt string
		var blob []byte
		if err := rows.Scan(&id, &blob, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}
		ts, err := time.Parse(time.RFC3339Nano, updatedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing updated_at for %s: %w", id, err)
		}

		m := Match{MediaID: id, Score: dotProduct(vector, buf, queryNorm), UpsertedAt: ts}
		if h.Len() < k {
			heap.Push(h, m)
		} else if matchLess((*h)[0], m) {
			(*h)[0] = m
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	// Pop the min-heap into a slice ordered best-first.
	results := make([]Match, h.Len())
	for i := len(results) - 1; i >= 0; i-- {
		results[i] = heap.Pop(h).(Match)
	}
	return results, nil
}

// Delete removes the vector for mediaID. Deleting a missing id is a no-op so
// delete cascades can run unconditionally.
func (s *SQLiteIndex) Delete(mediaID string) error {
	_, err := s.db.Exec(`DELETE FROM media_vectors WHERE media_id = ?`, mediaID)
	if err != nil {
		return fmt.Errorf("deleting vector for %s: %w", mediaID, err)
	}
	return nil
}

// matchLess orders matches worst-first: lower score, or on equal score the
// older upsert. The min-heap keeps the k best under this ordering.
func matchLess(a, b Match) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.UpsertedAt.Before(b.UpsertedAt)
}

type matchHeap []Match

func (h matchHeap) Len() int           { return len(h) }
func (h matchHeap) Less(i, j int) bool { return matchLess(h[i], h[j]) }
func (h matchHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *matchHeap) Push(x any)        { *h = append(*h, x.(Match)) }
func (h *matchHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during query scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// dotProduct computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func dotProduct(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}
