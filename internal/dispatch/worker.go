// Package dispatch runs the background processing pipeline: claiming queued
// media tasks, extracting content, embedding it, and updating the index.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"medley/internal/extract"
	"medley/internal/storage"
)

// TaskStore abstracts the queue and metadata operations the pipeline needs.
type TaskStore interface {
	ClaimNextTask() (*storage.Task, error)
	SetTaskStatus(id string, status storage.TaskStatus, detail string) error
	FailTask(id string, detail string) error
	RequeueStuckTasks(timeout time.Duration) (requeued, failed int, err error)

	GetMediaItem(id string) (storage.MediaItem, error)
	SetMediaStatus(id string, status storage.MediaStatus) error
	SaveExtractionResult(r storage.ExtractionResult) (storage.ExtractionResult, error)
	GetEmbeddingRecord(mediaID string) (storage.EmbeddingRecord, error)
	UpsertEmbeddingRecord(r storage.EmbeddingRecord) error
}

// BlobGetter loads the raw payload for a media id.
type BlobGetter interface {
	Get(id string) ([]byte, error)
}

// ContentExtractor turns media bytes into structured content.
type ContentExtractor interface {
	Extract(ctx context.Context, kind storage.MediaKind, data []byte, mimeType string) (extract.Result, error)
}

// ContentEmbedder generates embeddings for text.
type ContentEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex maintains the media vector index.
type VectorIndex interface {
	Upsert(mediaID string, vector []float32) error
	Delete(mediaID string) error
}

// Pool runs a fixed number of workers over the task queue plus a reaper that
// requeues tasks whose worker died mid-processing.
type Pool struct {
	store     TaskStore
	blobs     BlobGetter
	extractor ContentExtractor
	embedder  ContentEmbedder
	vectors   VectorIndex

	workers      int
	poll         time.Duration
	stuckTimeout time.Duration
	logger       *slog.Logger
}

// NewPool creates a Pool. workers <= 0 defaults to 4, poll <= 0 to 500ms,
// stuckTimeout <= 0 to 5 minutes.
func NewPool(store TaskStore, blobs BlobGetter, extractor ContentExtractor, embedder ContentEmbedder, vectors VectorIndex, workers int, poll, stuckTimeout time.Duration) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	if stuckTimeout <= 0 {
		stuckTimeout = 5 * time.Minute
	}
	return &Pool{
		store:        store,
		blobs:        blobs,
		extractor:    extractor,
		embedder:     embedder,
		vectors:      vectors,
		workers:      workers,
		poll:         poll,
		stuckTimeout: stuckTimeout,
		logger:       slog.Default(),
	}
}

// Run starts the workers and the reaper and blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	g, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			p.runWorker(gCtx)
			return nil
		})
	}
	g.Go(func() error {
		p.runReaper(gCtx)
		return nil
	})
	g.Wait()
}

func (p *Pool) runWorker(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := p.RunOnce(ctx)
		if err != nil {
			p.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.poll):
		}
	}
}

func (p *Pool) runReaper(ctx context.Context) {
	ticker := time.NewTicker(p.stuckTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requeued, failed, err := p.store.RequeueStuckTasks(p.stuckTimeout)
			if err != nil {
				p.logger.Error("requeuing stuck tasks failed", "error", err)
				continue
			}
			if requeued > 0 || failed > 0 {
				p.logger.Info("swept stuck tasks", "requeued", requeued, "failed", failed)
			}
		}
	}
}

// RunOnce claims and processes a single task. Returns true if a task was
// claimed, regardless of whether processing succeeded.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	task, err := p.store.ClaimNextTask()
	if err != nil {
		return false, fmt.Errorf("claiming task: %w", err)
	}
	if task == nil {
		return false, nil
	}

	if err := p.processTask(ctx, task); err != nil {
		p.logger.Warn("task failed", "task_id", task.ID, "media_id", task.MediaID, "error", err)
		if failErr := p.store.FailTask(task.ID, err.Error()); failErr != nil {
			p.logger.Error("failed to record task failure", "task_id", task.ID, "error", failErr)
		}
		return true, nil
	}

	if err := p.store.SetTaskStatus(task.ID, storage.TaskCompleted, ""); err != nil {
		return true, fmt.Errorf("completing task %s: %w", task.ID, err)
	}
	return true, nil
}

func (p *Pool) processTask(ctx context.Context, task *storage.Task) error {
	media, err := p.store.GetMediaItem(task.MediaID)
	if err != nil {
		return fmt.Errorf("loading media %s: %w", task.MediaID, err)
	}

	if err := p.store.SetMediaStatus(media.ID, storage.MediaProcessing); err != nil {
		return fmt.Errorf("marking media processing: %w", err)
	}

	if err := p.runPipeline(ctx, media); err != nil {
		if statusErr := p.store.SetMediaStatus(media.ID, storage.MediaFailed); statusErr != nil {
			p.logger.Error("failed to mark media failed", "media_id", media.ID, "error", statusErr)
		}
		// Failed media must not stay searchable: drop any vector left from an
		// earlier successful run.
		if delErr := p.vectors.Delete(media.ID); delErr != nil {
			p.logger.Error("failed to remove vector for failed media", "media_id", media.ID, "error", delErr)
		}
		return err
	}

	if err := p.store.SetMediaStatus(media.ID, storage.MediaReady); err != nil {
		return fmt.Errorf("marking media ready: %w", err)
	}
	return nil
}

func (p *Pool) runPipeline(ctx context.Context, media storage.MediaItem) error {
	data, err := p.blobs.Get(media.BlobRef)
	if err != nil {
		return fmt.Errorf("loading payload: %w", err)
	}

	res, err := p.extractor.Extract(ctx, media.Kind, data, mimeTypeFor(media))
	if err != nil {
		return fmt.Errorf("extracting content: %w", err)
	}

	fieldsJSON := ""
	if len(res.Fields) > 0 {
		b, err := json.Marshal(res.Fields)
		if err != nil {
			return fmt.Errorf("encoding fields: %w", err)
		}
		fieldsJSON = string(b)
	}

	if _, err := p.store.SaveExtractionResult(storage.ExtractionResult{
		MediaID: media.ID,
		Text:    res.Text,
		Caption: res.Caption,
		Fields:  fieldsJSON,
		Summary: res.Summary,
	}); err != nil {
		return fmt.Errorf("saving extraction result: %w", err)
	}

	hash := textHash(res.Text)
	prev, err := p.store.GetEmbeddingRecord(media.ID)
	if err == nil && prev.TextHash == hash {
		p.logger.Debug("text unchanged, skipping embedding", "media_id", media.ID)
		return nil
	}

	vec, err := p.embedder.Embed(ctx, res.Text)
	if err != nil {
		return fmt.Errorf("embedding content: %w", err)
	}

	if err := p.vectors.Upsert(media.ID, vec); err != nil {
		return fmt.Errorf("updating vector index: %w", err)
	}

	if err := p.store.UpsertEmbeddingRecord(storage.EmbeddingRecord{
		MediaID:   media.ID,
		TextHash:  hash,
		Dimension: len(vec),
	}); err != nil {
		return fmt.Errorf("recording embedding: %w", err)
	}
	return nil
}

func textHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

var kindMimeFallback = map[storage.MediaKind]string{
	storage.KindImage:    "image/jpeg",
	storage.KindDocument: "application/pdf",
	storage.KindAudio:    "audio/mpeg",
	storage.KindText:     "text/plain",
}

func mimeTypeFor(media storage.MediaItem) string {
	if ext := filepath.Ext(media.FileName); ext != "" {
		if mt := mime.TypeByExtension(ext); mt != "" {
			return mt
		}
	}
	return kindMimeFallback[media.Kind]
}
