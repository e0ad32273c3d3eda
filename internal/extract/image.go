package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// VisionProvider generates a caption and extracts visible text from an image.
type VisionProvider interface {
	Caption(ctx context.Context, data []byte, mimeType string) (string, error)
	ExtractText(ctx context.Context, data []byte, mimeType string) (string, error)
}

// ImageExtractor captions an image and runs OCR over it. The caption is
// required; OCR is best-effort since many images carry no text at all.
type ImageExtractor struct {
	vision VisionProvider
}

// NewImageExtractor creates an ImageExtractor over the given provider.
func NewImageExtractor(vision VisionProvider) *ImageExtractor {
	return &ImageExtractor{vision: vision}
}

// Extract returns a caption, any visible text, and the fields scanned from
// that text.
func (e *ImageExtractor) Extract(ctx context.Context, data []byte, mimeType string) (Result, error) {
	if len(data) == 0 {
		return Result{}, fmt.Errorf("%w: empty image payload", ErrExtractionFailed)
	}

	caption, err := e.vision.Caption(ctx, data, mimeType)
	if err != nil {
		return Result{}, fmt.Errorf("captioning image: %w", err)
	}
	caption = strings.TrimSpace(caption)
	if caption == "" {
		return Result{}, fmt.Errorf("%w: provider returned empty caption", ErrExtractionFailed)
	}

	text, err := e.vision.ExtractText(ctx, data, mimeType)
	if err != nil {
		slog.Warn("image text extraction failed, keeping caption only", "error", err)
		text = ""
	}
	text = strings.TrimSpace(text)

	combined := caption
	if text != "" {
		combined = caption + "\n\n" + text
	}

	return Result{
		Text:    combined,
		Caption: caption,
		Fields:  ScanFields(text),
	}, nil
}
