package extract

import (
	"context"
	"log/slog"
	"strings"
)

const (
	// summaryThreshold is the rune count below which text is kept verbatim
	// instead of summarized.
	summaryThreshold = 600

	// chunkRunes bounds each summarization request. Chunks split on rune
	// boundaries so multi-byte characters are never cut in half.
	chunkRunes = 4000
)

// ChunkRunes splits text into pieces of at most size runes.
func ChunkRunes(text string, size int) []string {
	if size <= 0 || text == "" {
		return nil
	}
	runes := []rune(text)
	chunks := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

// summarizeLong condenses long text chunk by chunk. Failures degrade to a
// partial summary or to empty, never to an extraction error.
func summarizeLong(ctx context.Context, s Summarizer, text string) string {
	if s == nil {
		return ""
	}
	if len([]rune(text)) <= summaryThreshold {
		return text
	}

	var parts []string
	for i, chunk := range ChunkRunes(text, chunkRunes) {
		summary, err := s.Summarize(ctx, chunk)
		if err != nil {
			slog.Warn("chunk summarization failed, keeping partial summary",
				"chunk", i, "error", err)
			continue
		}
		if summary = strings.TrimSpace(summary); summary != "" {
			parts = append(parts, summary)
		}
	}
	return strings.Join(parts, "\n")
}
