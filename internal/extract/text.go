package extract

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// TextExtractor validates a plain-text payload and summarizes it when long.
type TextExtractor struct {
	summarizer Summarizer
}

// NewTextExtractor creates a TextExtractor.
func NewTextExtractor(summarizer Summarizer) *TextExtractor {
	return &TextExtractor{summarizer: summarizer}
}

// Extract returns the text as-is after UTF-8 validation, with a summary for
// long content and scanned fields.
func (e *TextExtractor) Extract(ctx context.Context, data []byte, mimeType string) (Result, error) {
	if len(data) == 0 {
		return Result{}, fmt.Errorf("%w: empty text payload", ErrExtractionFailed)
	}
	if !utf8.Valid(data) {
		return Result{}, fmt.Errorf("%w: text payload is not valid UTF-8", ErrExtractionFailed)
	}

	text := strings.TrimSpace(string(data))
	if text == "" {
		return Result{}, fmt.Errorf("%w: text payload is blank", ErrExtractionFailed)
	}

	return Result{
		Text:    text,
		Summary: summarizeLong(ctx, e.summarizer, text),
		Fields:  ScanFields(text),
	}, nil
}
