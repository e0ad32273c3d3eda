package extract

import (
	"context"
	"fmt"
	"strings"
)

// Transcriber turns audio bytes into a verbatim transcript.
type Transcriber interface {
	Transcribe(ctx context.Context, data []byte, mimeType string) (string, error)
}

// AudioExtractor transcribes a recording and summarizes the transcript.
type AudioExtractor struct {
	transcriber Transcriber
	summarizer  Summarizer
}

// NewAudioExtractor creates an AudioExtractor.
func NewAudioExtractor(transcriber Transcriber, summarizer Summarizer) *AudioExtractor {
	return &AudioExtractor{transcriber: transcriber, summarizer: summarizer}
}

// Extract returns the transcript, a best-effort summary, and scanned fields.
func (e *AudioExtractor) Extract(ctx context.Context, data []byte, mimeType string) (Result, error) {
	if len(data) == 0 {
		return Result{}, fmt.Errorf("%w: empty audio payload", ErrExtractionFailed)
	}

	transcript, err := e.transcriber.Transcribe(ctx, data, mimeType)
	if err != nil {
		return Result{}, fmt.Errorf("transcribing audio: %w", err)
	}
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return Result{}, fmt.Errorf("%w: provider returned empty transcript", ErrExtractionFailed)
	}

	return Result{
		Text:    transcript,
		Summary: summarizeLong(ctx, e.summarizer, transcript),
		Fields:  ScanFields(transcript),
	}, nil
}
