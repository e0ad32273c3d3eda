package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"medley/internal/extract"
	"medley/internal/retrieval"
	"medley/internal/storage"
)

type fakeBlobs map[string][]byte

func (f fakeBlobs) Get(id string) ([]byte, error) {
	data, ok := f[id]
	if !ok {
		return nil, fmt.Errorf("blob %s missing", id)
	}
	return data, nil
}

type fakeExtractor struct {
	result extract.Result
	err    error
	calls  int
}

func (f *fakeExtractor) Extract(_ context.Context, _ storage.MediaKind, _ []byte, _ string) (extract.Result, error) {
	f.calls++
	return f.result, f.err
}

type fakeEmbedder struct {
	vec   []float32
	err   error
	calls int
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	f.calls++
	return f.vec, f.err
}

type env struct {
	store     *storage.Store
	index     *retrieval.SQLiteIndex
	blobs     fakeBlobs
	extractor *fakeExtractor
	embedder  *fakeEmbedder
	pool      *Pool
}

func newEnv(t *testing.T) *env {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:): %v", err)
	}
	t.Cleanup(func() { s.Close() })

	e := &env{
		store:     s,
		index:     retrieval.NewSQLiteIndex(s.DB()),
		blobs:     fakeBlobs{},
		extractor: &fakeExtractor{result: extract.Result{Text: "extracted text", Caption: "a photo"}},
		embedder:  &fakeEmbedder{vec: []float32{0.1, 0.2, 0.3}},
	}
	e.pool = NewPool(s, e.blobs, e.extractor, e.embedder, e.index, 1, 0, 0)
	return e
}

func (e *env) enqueue(t *testing.T) (storage.MediaItem, storage.Task) {
	t.Helper()
	media := storage.MediaItem{
		ID:       uuid.New().String(),
		UserID:   "u-1",
		Kind:     storage.KindImage,
		FileName: "photo.jpg",
		Status:   storage.MediaUploaded,
	}
	media.BlobRef = media.ID
	if err := e.store.CreateMediaItem(media); err != nil {
		t.Fatalf("CreateMediaItem: %v", err)
	}
	e.blobs[media.BlobRef] = []byte{0xff, 0xd8}

	task, err := e.store.CreateTask(media.ID, 3)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return media, task
}

func TestRunOnce_Success(t *testing.T) {
	e := newEnv(t)
	media, task := e.enqueue(t)

	done, err := e.pool.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("RunOnce = false, want a claimed task")
	}

	got, err := e.store.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != storage.TaskCompleted {
		t.Errorf("task status = %q, want completed", got.Status)
	}

	m, err := e.store.GetMediaItem(media.ID)
	if err != nil {
		t.Fatalf("GetMediaItem: %v", err)
	}
	if m.Status != storage.MediaReady {
		t.Errorf("media status = %q, want ready", m.Status)
	}

	res, err := e.store.LatestExtractionResult(media.ID)
	if err != nil {
		t.Fatalf("LatestExtractionResult: %v", err)
	}
	if res.Text != "extracted text" || res.Caption != "a photo" {
		t.Errorf("extraction result = %+v", res)
	}

	rec, err := e.store.GetEmbeddingRecord(media.ID)
	if err != nil {
		t.Fatalf("GetEmbeddingRecord: %v", err)
	}
	if rec.Dimension != 3 {
		t.Errorf("dimension = %d, want 3", rec.Dimension)
	}

	matches, err := e.index.Query([]float32{0.1, 0.2, 0.3}, 1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(matches) != 1 || matches[0].MediaID != media.ID {
		t.Errorf("matches = %+v, want media %s indexed", matches, media.ID)
	}
}

func TestRunOnce_EmptyQueue(t *testing.T) {
	e := newEnv(t)
	done, err := e.pool.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if done {
		t.Error("RunOnce = true on empty queue")
	}
}

func TestRunOnce_ExtractionFailureRetries(t *testing.T) {
	e := newEnv(t)
	media, task := e.enqueue(t)
	e.extractor.err = fmt.Errorf("%w: corrupt payload", extract.ErrExtractionFailed)

	done, err := e.pool.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("RunOnce = false, want a claimed task")
	}

	got, err := e.store.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != storage.TaskPending {
		t.Errorf("task status = %q, want pending for retry", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}

	m, _ := e.store.GetMediaItem(media.ID)
	if m.Status != storage.MediaFailed {
		t.Errorf("media status = %q, want failed", m.Status)
	}

	if e.embedder.calls != 0 {
		t.Errorf("embedder called %d times after failed extraction", e.embedder.calls)
	}
}

func TestRunOnce_FailedReprocessRemovesVector(t *testing.T) {
	e := newEnv(t)
	media, _ := e.enqueue(t)

	if _, err := e.pool.RunOnce(context.Background()); err != nil {
		t.Fatalf("first RunOnce: %v", err)
	}
	matches, err := e.index.Query([]float32{0.1, 0.2, 0.3}, 1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("matches = %+v, want media indexed after success", matches)
	}

	// Re-processing the same media fails; the stale vector must go with it.
	e.extractor.err = fmt.Errorf("%w: corrupt payload", extract.ErrExtractionFailed)
	if _, err := e.store.CreateTask(media.ID, 3); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := e.pool.RunOnce(context.Background()); err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}

	m, _ := e.store.GetMediaItem(media.ID)
	if m.Status != storage.MediaFailed {
		t.Fatalf("media status = %q, want failed", m.Status)
	}
	matches, err = e.index.Query([]float32{0.1, 0.2, 0.3}, 1)
	if err != nil {
		t.Fatalf("Query after failure: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("matches = %+v, want failed media gone from index", matches)
	}
}

func TestRunOnce_UnchangedTextSkipsEmbedding(t *testing.T) {
	e := newEnv(t)
	media, _ := e.enqueue(t)

	if _, err := e.pool.RunOnce(context.Background()); err != nil {
		t.Fatalf("first RunOnce: %v", err)
	}
	if e.embedder.calls != 1 {
		t.Fatalf("embedder calls = %d, want 1", e.embedder.calls)
	}

	// Re-process the same media with identical extracted text.
	if _, err := e.store.CreateTask(media.ID, 3); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := e.pool.RunOnce(context.Background()); err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if e.embedder.calls != 1 {
		t.Errorf("embedder calls = %d, want 1 (unchanged text re-embedded)", e.embedder.calls)
	}

	// Changed text embeds again.
	e.extractor.result.Text = "different text"
	if _, err := e.store.CreateTask(media.ID, 3); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := e.pool.RunOnce(context.Background()); err != nil {
		t.Fatalf("third RunOnce: %v", err)
	}
	if e.embedder.calls != 2 {
		t.Errorf("embedder calls = %d, want 2 after text change", e.embedder.calls)
	}
}

func TestRunOnce_MissingMediaFailsTask(t *testing.T) {
	e := newEnv(t)
	media, task := e.enqueue(t)
	if err := e.store.DeleteMediaItem(media.ID); err != nil {
		t.Fatalf("DeleteMediaItem: %v", err)
	}

	// Delete tombstones the pending task; nothing left to claim.
	done, err := e.pool.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if done {
		t.Error("RunOnce claimed a tombstoned task")
	}

	got, err := e.store.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != storage.TaskFailed {
		t.Errorf("task status = %q, want failed", got.Status)
	}
}

func TestMimeTypeFor(t *testing.T) {
	cases := []struct {
		fileName string
		kind     storage.MediaKind
		want     string
	}{
		{"doc.pdf", storage.KindDocument, "application/pdf"},
		{"noext", storage.KindImage, "image/jpeg"},
		{"note.txt", storage.KindText, "text/plain; charset=utf-8"},
	}
	for _, tc := range cases {
		got := mimeTypeFor(storage.MediaItem{FileName: tc.fileName, Kind: tc.kind})
		if got != tc.want {
			t.Errorf("mimeTypeFor(%q, %s) = %q, want %q", tc.fileName, tc.kind, got, tc.want)
		}
	}
}

func TestRunOnce_EmbeddingFailure(t *testing.T) {
	e := newEnv(t)
	_, task := e.enqueue(t)
	e.embedder.err = errors.New("provider unavailable")

	if _, err := e.pool.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, err := e.store.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != storage.TaskPending {
		t.Errorf("task status = %q, want pending for retry", got.Status)
	}
}
