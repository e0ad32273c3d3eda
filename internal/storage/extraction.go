package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveExtractionResult inserts a new immutable result row for the media item,
// one version higher than the latest. Reprocessing never edits in place.
func (s *Store) SaveExtractionResult(r ExtractionResult) (ExtractionResult, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return ExtractionResult{}, fmt.Errorf("beginning save transaction: %w", err)
	}
	defer tx.Rollback()

	var latest sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(version) FROM extraction_results WHERE media_id = ?`, r.MediaID).Scan(&latest); err != nil {
		return ExtractionResult{}, err
	}

	r.ID = uuid.New().String()
	r.Version = int(latest.Int64) + 1
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Fields == "" {
		r.Fields = "{}"
	}

	if _, err := tx.Exec(`
		INSERT INTO extraction_results (id, media_id, version, text, caption, fields_json, summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.MediaID, r.Version, r.Text, r.Caption, r.Fields, r.Summary,
		r.CreatedAt.Format(time.RFC3339),
	); err != nil {
		return ExtractionResult{}, fmt.Errorf("inserting extraction result: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ExtractionResult{}, err
	}
	return r, nil
}

// LatestExtractionResult returns the highest-version result for the media item.
func (s *Store) LatestExtractionResult(mediaID string) (ExtractionResult, error) {
	var r ExtractionResult
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, media_id, version, text, caption, fields_json, summary, created_at
		FROM extraction_results WHERE media_id = ? ORDER BY version DESC LIMIT 1`, mediaID,
	).Scan(&r.ID, &r.MediaID, &r.Version, &r.Text, &r.Caption, &r.Fields, &r.Summary, &createdAt)
	if err == sql.ErrNoRows {
		return ExtractionResult{}, ErrNotFound
	}
	if err != nil {
		return ExtractionResult{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return ExtractionResult{}, fmt.Errorf("parsing created_at: %w", err)
	}
	r.CreatedAt = t
	return r, nil
}

// GetEmbeddingRecord returns the embedding bookkeeping row for a media item.
func (s *Store) GetEmbeddingRecord(mediaID string) (EmbeddingRecord, error) {
	var r EmbeddingRecord
	var updatedAt string
	err := s.db.QueryRow(`
		SELECT media_id, text_hash, dimension, updated_at
		FROM embedding_records WHERE media_id = ?`, mediaID,
	).Scan(&r.MediaID, &r.TextHash, &r.Dimension, &updatedAt)
	if err == sql.ErrNoRows {
		return EmbeddingRecord{}, ErrNotFound
	}
	if err != nil {
		return EmbeddingRecord{}, err
	}
	t, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return EmbeddingRecord{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	r.UpdatedAt = t
	return r, nil
}

// UpsertEmbeddingRecord records which text hash the media item's vector was
// generated from. Last write wins.
func (s *Store) UpsertEmbeddingRecord(r EmbeddingRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO embedding_records (media_id, text_hash, dimension, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(media_id) DO UPDATE SET
			text_hash = excluded.text_hash,
			dimension = excluded.dimension,
			updated_at = excluded.updated_at`,
		r.MediaID, r.TextHash, r.Dimension, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}
