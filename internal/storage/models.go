package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidStatus is returned when a status string is not one of the known
// enum values. Unknown statuses are rejected, never coerced to a default.
var ErrInvalidStatus = errors.New("invalid status")

// ErrConflict is returned when an operation loses to a concurrent one, such
// as sending to a conversation that is already processing a message.
var ErrConflict = errors.New("conflict")

// MediaKind is the declared type of an uploaded media item.
type MediaKind string

const (
	KindImage    MediaKind = "image"
	KindDocument MediaKind = "document"
	KindAudio    MediaKind = "audio"
	KindText     MediaKind = "text"
)

// ValidKind reports whether k is a supported media kind.
func ValidKind(k MediaKind) bool {
	switch k {
	case KindImage, KindDocument, KindAudio, KindText:
		return true
	}
	return false
}

// MediaStatus is the lifecycle state of a media item.
type MediaStatus string

const (
	MediaUploaded   MediaStatus = "uploaded"
	MediaProcessing MediaStatus = "processing"
	MediaReady      MediaStatus = "ready"
	MediaFailed     MediaStatus = "failed"
)

type MediaItem struct {
	ID        string
	UserID    string
	Kind      MediaKind
	FileName  string
	BlobRef   string
	Status    MediaStatus
	CreatedAt time.Time
}

// ExtractionResult holds the structured content produced from one media item.
// Rows are immutable; re-processing inserts a new version.
type ExtractionResult struct {
	ID        string
	MediaID   string
	Version   int
	Text      string
	Caption   string
	Fields    string // JSON object stored as text (names/dates/addresses)
	Summary   string
	CreatedAt time.Time
}

// EmbeddingRecord tracks which extracted text a media item's vector was built
// from. TextHash makes re-embedding idempotent: same hash, no new provider call.
type EmbeddingRecord struct {
	MediaID   string
	TextHash  string
	Dimension int
	UpdatedAt time.Time
}

// TaskStatus is the lifecycle state of a background task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether s is a final state.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

func validTaskStatus(s TaskStatus) bool {
	switch s {
	case TaskPending, TaskProcessing, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

type Task struct {
	ID          string
	MediaID     string
	Status      TaskStatus
	Detail      string
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	ClaimedAt   time.Time // zero unless status is processing
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Conversation struct {
	ID        string
	UserID    string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Message struct {
	ConversationID string
	Seq            int
	Role           string // "user" or "assistant"
	Content        string
	ToolCalls      string // JSON array stored as text
	CreatedAt      time.Time
}
