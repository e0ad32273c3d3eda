package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateMediaItem inserts a new media item with status uploaded.
func (s *Store) CreateMediaItem(m MediaItem) error {
	if !ValidKind(m.Kind) {
		return fmt.Errorf("%w: unsupported media kind %q", ErrInvalidStatus, m.Kind)
	}
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO media_items (id, user_id, kind, file_name, blob_ref, status, created_at)
		VALUES (?, ?, ?, ?, ?, 'uploaded', ?)`,
		m.ID, m.UserID, string(m.Kind), m.FileName, m.BlobRef, createdAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting media item: %w", err)
	}
	return nil
}

// GetMediaItem returns the media item with the given id, or ErrNotFound.
func (s *Store) GetMediaItem(id string) (MediaItem, error) {
	var m MediaItem
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, user_id, kind, file_name, blob_ref, status, created_at
		FROM media_items WHERE id = ?`, id,
	).Scan(&m.ID, &m.UserID, &m.Kind, &m.FileName, &m.BlobRef, &m.Status, &createdAt)
	if err == sql.ErrNoRows {
		return MediaItem{}, ErrNotFound
	}
	if err != nil {
		return MediaItem{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return MediaItem{}, fmt.Errorf("parsing created_at: %w", err)
	}
	m.CreatedAt = t
	return m, nil
}

// SetMediaStatus mutates the lifecycle status of a media item. Only the
// dispatcher calls this after upload.
func (s *Store) SetMediaStatus(id string, status MediaStatus) error {
	switch status {
	case MediaUploaded, MediaProcessing, MediaReady, MediaFailed:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	res, err := s.db.Exec(`UPDATE media_items SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMediaItem removes a media item and cascades: its vector, its
// extraction results, and its embedding record are deleted, and any
// non-terminal task for it is tombstoned as failed. Queries must never see
// the media id again.
func (s *Store) DeleteMediaItem(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM media_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting media item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(`DELETE FROM media_vectors WHERE media_id = ?`, id); err != nil {
		return fmt.Errorf("deleting media vector: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM extraction_results WHERE media_id = ?`, id); err != nil {
		return fmt.Errorf("deleting extraction results: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM embedding_records WHERE media_id = ?`, id); err != nil {
		return fmt.Errorf("deleting embedding record: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.Exec(`
		UPDATE tasks SET status = 'failed', detail = 'media deleted', claimed_at = NULL, updated_at = ?
		WHERE media_id = ? AND status IN ('pending', 'processing')`, now, id); err != nil {
		return fmt.Errorf("tombstoning tasks: %w", err)
	}

	return tx.Commit()
}

// ListMedia returns media items for a user, newest first.
func (s *Store) ListMedia(userID string, limit int) ([]MediaItem, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, kind, file_name, blob_ref, status, created_at
		FROM media_items WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMediaItems(rows)
}

// CountMedia returns how many media items the user has, optionally filtered
// by kind. Empty kind (or "all") counts everything.
func (s *Store) CountMedia(userID string, kind MediaKind) (int, error) {
	var count int
	var err error
	if kind == "" || kind == "all" {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM media_items WHERE user_id = ?`, userID).Scan(&count)
	} else {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM media_items WHERE user_id = ? AND kind = ?`,
			userID, string(kind)).Scan(&count)
	}
	return count, err
}

// ListMediaByDateRange returns media items created within [from, to], newest first.
func (s *Store) ListMediaByDateRange(userID string, from, to time.Time, limit int) ([]MediaItem, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, kind, file_name, blob_ref, status, created_at
		FROM media_items
		WHERE user_id = ? AND created_at >= ? AND created_at <= ?
		ORDER BY created_at DESC LIMIT ?`,
		userID, from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMediaItems(rows)
}

func scanMediaItems(rows *sql.Rows) ([]MediaItem, error) {
	var items []MediaItem
	for rows.Next() {
		var m MediaItem
		var createdAt string
		if err := rows.Scan(&m.ID, &m.UserID, &m.Kind, &m.FileName, &m.BlobRef, &m.Status, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		m.CreatedAt = t
		items = append(items, m)
	}
	return items, rows.Err()
}
