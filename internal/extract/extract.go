// Package extract turns raw media bytes into structured text content:
// captions, OCR text, transcripts, document text, and scanned fields.
package extract

import (
	"context"
	"errors"
	"fmt"

	"medley/internal/storage"
)

// ErrExtractionFailed marks permanently unusable input: corrupt files,
// unsupported formats, undecodable text. Wrapped with a human-readable reason.
var ErrExtractionFailed = errors.New("extraction failed")

// Result is the structured content produced from one media item.
type Result struct {
	Text    string
	Caption string
	Summary string
	Fields  map[string][]string
}

// Extractor produces a Result from raw media bytes. Implementations are pure
// functions of their input apart from provider calls.
type Extractor interface {
	Extract(ctx context.Context, data []byte, mimeType string) (Result, error)
}

// Set routes media to the extractor for its kind.
type Set struct {
	extractors map[storage.MediaKind]Extractor
}

// NewSet builds the extractor set for all supported media kinds.
func NewSet(vision VisionProvider, transcriber Transcriber, summarizer Summarizer) *Set {
	return &Set{
		extractors: map[storage.MediaKind]Extractor{
			storage.KindImage:    NewImageExtractor(vision),
			storage.KindDocument: NewDocumentExtractor(summarizer),
			storage.KindAudio:    NewAudioExtractor(transcriber, summarizer),
			storage.KindText:     NewTextExtractor(summarizer),
		},
	}
}

// Extract dispatches to the extractor registered for kind.
func (s *Set) Extract(ctx context.Context, kind storage.MediaKind, data []byte, mimeType string) (Result, error) {
	ex, ok := s.extractors[kind]
	if !ok {
		return Result{}, fmt.Errorf("%w: no extractor for kind %q", ErrExtractionFailed, kind)
	}
	return ex.Extract(ctx, data, mimeType)
}
