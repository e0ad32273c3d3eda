package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Summarizer condenses a text into a few sentences.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// DocumentExtractor pulls plain text out of a PDF and summarizes it.
type DocumentExtractor struct {
	summarizer Summarizer
}

// NewDocumentExtractor creates a DocumentExtractor.
func NewDocumentExtractor(summarizer Summarizer) *DocumentExtractor {
	return &DocumentExtractor{summarizer: summarizer}
}

// Extract parses the PDF and returns its text, a best-effort summary, and
// scanned fields. Non-PDF or corrupt input fails with ErrExtractionFailed.
func (e *DocumentExtractor) Extract(ctx context.Context, data []byte, mimeType string) (Result, error) {
	if len(data) == 0 {
		return Result{}, fmt.Errorf("%w: empty document payload", ErrExtractionFailed)
	}
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		return Result{}, fmt.Errorf("%w: unsupported document format %q", ErrExtractionFailed, mimeType)
	}

	text, err := pdfText(data)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	if strings.TrimSpace(text) == "" {
		return Result{}, fmt.Errorf("%w: document contains no extractable text", ErrExtractionFailed)
	}

	return Result{
		Text:    text,
		Summary: summarizeLong(ctx, e.summarizer, text),
		Fields:  ScanFields(text),
	}, nil
}

func pdfText(data []byte) (_ string, err error) {
	// The parser panics on some malformed files instead of returning an error.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parsing pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("parsing pdf: %w", err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	raw, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return string(raw), nil
}
