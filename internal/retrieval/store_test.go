package retrieval

import (
	"errors"
	"testing"
	"time"

	"medley/internal/storage"
)

func openTestIndex(t *testing.T) *SQLiteIndex {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewSQLiteIndex(s.DB())
}

func TestQuery_OrderedBySimilarity(t *testing.T) {
	idx := openTestIndex(t)

	// m-close is nearly parallel to the query, m-far nearly orthogonal.
	if err := idx.Upsert("m-close", []float32{1, 0.1, 0}); err != nil {
		t.Fatalf("Upsert m-close: %v", err)
	}
	if err := idx.Upsert("m-far", []float32{0, 1, 0.1}); err != nil {
		t.Fatalf("Upsert m-far: %v", err)
	}
	if err := idx.Upsert("m-mid", []float32{1, 1, 0}); err != nil {
		t.Fatalf("Upsert m-mid: %v", err)
	}

	matches, err := idx.Query([]float32{1, 0, 0}, 3)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("len = %d, want 3", len(matches))
	}
	want := []string{"m-close", "m-mid", "m-far"}
	for i, w := range want {
		if matches[i].MediaID != w {
			t.Errorf("matches[%d] = %q, want %q", i, matches[i].MediaID, w)
		}
	}
	if matches[0].Score < matches[1].Score || matches[1].Score < matches[2].Score {
		t.Errorf("scores not descending: %v %v %v", matches[0].Score, matches[1].Score, matches[2].Score)
	}
}

func TestQuery_TopKLimit(t *testing.T) {
	idx := openTestIndex(t)
	for _, id := range []string{"a", "b", "c", "d"} {
		if err := idx.Upsert(id, []float32{1, 0, 0}); err != nil {
			t.Fatalf("Upsert %s: %v", id, err)
		}
	}
	matches, err := idx.Query([]float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(matches) != 2 {
		t.Errorf("len = %d, want 2", len(matches))
	}
}

func TestQuery_InvalidK(t *testing.T) {
	idx := openTestIndex(t)
	if _, err := idx.Query([]float32{1}, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("k=0 error = %v, want ErrInvalidArgument", err)
	}
	if _, err := idx.Query([]float32{1}, -3); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("k=-3 error = %v, want ErrInvalidArgument", err)
	}
}

func TestQuery_TieBreakByRecency(t *testing.T) {
	idx := openTestIndex(t)

	// Identical vectors: identical scores. The later upsert must rank first.
	if err := idx.Upsert("older", []float32{1, 0}); err != nil {
		t.Fatalf("Upsert older: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := idx.Upsert("newer", []float32{1, 0}); err != nil {
		t.Fatalf("Upsert newer: %v", err)
	}

	matches, err := idx.Query([]float32{1, 0}, 2)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("len = %d, want 2", len(matches))
	}
	if matches[0].MediaID != "newer" {
		t.Errorf("tie broken toward %q, want newer", matches[0].MediaID)
	}
}

func TestUpsert_LastWriteWins(t *testing.T) {
	idx := openTestIndex(t)
	if err := idx.Upsert("m-1", []float32{1, 0}); err != nil {
		t.Fatalf("first Upsert: %v", err)
	}
	if err := idx.Upsert("m-1", []float32{0, 1}); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	matches, err := idx.Query([]float32{0, 1}, 1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(matches) != 1 || matches[0].MediaID != "m-1" {
		t.Fatalf("matches = %+v", matches)
	}
	if matches[0].Score < 0.99 {
		t.Errorf("score = %v, want ~1 (vector replaced)", matches[0].Score)
	}
}

func TestDelete_RemovesFromQueries(t *testing.T) {
	idx := openTestIndex(t)
	if err := idx.Upsert("m-1", []float32{1, 0}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := idx.Delete("m-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	matches, err := idx.Query([]float32{1, 0}, 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	for _, m := range matches {
		if m.MediaID == "m-1" {
			t.Error("deleted media id still returned by query")
		}
	}

	// Deleting a missing id is a no-op.
	if err := idx.Delete("m-1"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := []float32{0.25, -1.5, 3.14, 0}
	out, err := decodeFloat32sInto(nil, encodeFloat32s(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], in[i])
		}
	}

	if _, err := decodeFloat32sInto(nil, []byte{1, 2, 3}); err == nil {
		t.Error("decoding truncated blob succeeded, want error")
	}
}
