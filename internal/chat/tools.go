package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"medley/internal/extract"
	"medley/internal/provider"
	"medley/internal/retrieval"
	"medley/internal/storage"
)

// ErrToolNotFound is returned when the model requests a function outside the
// allow-list.
var ErrToolNotFound = errors.New("tool not found")

const (
	searchLimit    = 10
	previewLen     = 200
	scanMediaLimit = 20
	toolTimeout    = 15 * time.Second
)

// MediaStore is the read-only view of storage the query tools need.
type MediaStore interface {
	GetMediaItem(id string) (storage.MediaItem, error)
	ListMedia(userID string, limit int) ([]storage.MediaItem, error)
	CountMedia(userID string, kind storage.MediaKind) (int, error)
	ListMediaByDateRange(userID string, from, to time.Time, limit int) ([]storage.MediaItem, error)
	LatestExtractionResult(mediaID string) (storage.ExtractionResult, error)
}

// Searcher runs similarity queries over the vector index.
type Searcher interface {
	Query(vector []float32, k int) ([]retrieval.Match, error)
}

// QueryEmbedder embeds a search query.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Toolbox executes the read-only query functions the model may call.
// Every tool is scoped to a single user and never mutates state.
type Toolbox struct {
	store    MediaStore
	index    Searcher
	embedder QueryEmbedder
	now      func() time.Time
}

// NewToolbox creates a Toolbox over the given stores.
func NewToolbox(store MediaStore, index Searcher, embedder QueryEmbedder) *Toolbox {
	return &Toolbox{store: store, index: index, embedder: embedder, now: time.Now}
}

// Specs returns the function declarations advertised to the model.
func (t *Toolbox) Specs() []provider.ToolSpec {
	return []provider.ToolSpec{
		{
			Name:        "semantic_search",
			Description: "Search media content using semantic similarity. Use for content-based searches.",
			Params: []provider.ParamSpec{
				{Name: "query", Type: "string", Description: "Search query describing what to look for", Required: true},
			},
		},
		{
			Name: "get_media_details",
			Description: "Get full details of specific media items including complete extracted text, " +
				"captions, and metadata. Use this when you need to read or analyze the full content of media files.",
			Params: []provider.ParamSpec{
				{Name: "media_ids", Type: "array", Items: "string", Description: "List of media IDs to retrieve full details for", Required: true},
			},
		},
		{
			Name: "count_media",
			Description: "Count the media items the user has uploaded, optionally filtered by type. " +
				"Use when the user asks how many files or media items they have.",
			Params: []provider.ParamSpec{
				{Name: "media_type", Type: "string", Description: "Optional: filter by media type",
					Enum: []string{"image", "document", "audio", "text", "all"}},
			},
		},
		{
			Name: "filter_media_by_date",
			Description: "Filter media by date and time. Use when the query mentions dates, times, or " +
				"relative periods like '2 hours ago', 'yesterday', or 'last week'.",
			Params: []provider.ParamSpec{
				{Name: "relative_time", Type: "string",
					Description: "Relative time expression such as '5 minutes ago', '2 hours ago', '3 days ago', 'today', 'yesterday', 'last week', 'this month'",
					Required:    true},
				{Name: "time_range", Type: "string", Description: "Optional time range within the day",
					Enum: []string{"morning", "afternoon", "evening", "night"}},
			},
		},
		{
			Name:        "analyze_text",
			Description: "Scan recently uploaded media text for specific information like names, phone numbers, or addresses.",
			Params: []provider.ParamSpec{
				{Name: "search_type", Type: "string", Description: "Type of information to find",
					Enum: []string{"names", "phone_numbers", "addresses", "dates", "general"}, Required: true},
			},
		},
	}
}

// Execute runs the named tool for userID and returns its JSON-shaped result.
// Unknown names return ErrToolNotFound.
func (t *Toolbox) Execute(ctx context.Context, userID, name string, args map[string]any) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	switch name {
	case "semantic_search":
		return t.semanticSearch(ctx, userID, stringArg(args, "query"))
	case "get_media_details":
		return t.mediaDetails(userID, stringSliceArg(args, "media_ids"))
	case "count_media":
		return t.countMedia(userID, stringArg(args, "media_type"))
	case "filter_media_by_date":
		return t.filterByDate(userID, stringArg(args, "relative_time"), stringArg(args, "time_range"))
	case "analyze_text":
		return t.analyzeText(userID, stringArg(args, "search_type"))
	default:
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
}

func (t *Toolbox) semanticSearch(ctx context.Context, userID, query string) (map[string]any, error) {
	vec, err := t.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	matches, err := t.index.Query(vec, searchLimit)
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}

	results := []map[string]any{}
	for _, m := range matches {
		media, err := t.store.GetMediaItem(m.MediaID)
		if err != nil || media.UserID != userID || media.Status != storage.MediaReady {
			continue
		}
		entry := map[string]any{
			"media_id":         media.ID,
			"file_name":        media.FileName,
			"media_type":       string(media.Kind),
			"created_at":       media.CreatedAt.Format(time.RFC3339),
			"similarity_score": m.Score,
		}
		if res, err := t.store.LatestExtractionResult(media.ID); err == nil {
			entry["caption"] = res.Caption
			entry["text_preview"] = preview(res.Text, previewLen)
		}
		results = append(results, entry)
	}
	return map[string]any{"results": results}, nil
}

func (t *Toolbox) mediaDetails(userID string, ids []string) (map[string]any, error) {
	results := []map[string]any{}
	for _, id := range ids {
		media, err := t.store.GetMediaItem(id)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && media.UserID != userID) {
			results = append(results, map[string]any{"media_id": id, "error": "not found"})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("loading media %s: %w", id, err)
		}
		entry := map[string]any{
			"media_id":   media.ID,
			"file_name":  media.FileName,
			"media_type": string(media.Kind),
			"status":     string(media.Status),
			"created_at": media.CreatedAt.Format(time.RFC3339),
		}
		if res, err := t.store.LatestExtractionResult(media.ID); err == nil {
			entry["caption"] = res.Caption
			entry["text"] = res.Text
			entry["summary"] = res.Summary
			if res.Fields != "" {
				entry["fields"] = res.Fields
			}
		}
		results = append(results, entry)
	}
	return map[string]any{"results": results}, nil
}

func (t *Toolbox) countMedia(userID, mediaType string) (map[string]any, error) {
	kind := storage.MediaKind(mediaType)
	if mediaType != "" && mediaType != "all" && !storage.ValidKind(kind) {
		return nil, fmt.Errorf("unknown media type %q", mediaType)
	}
	count, err := t.store.CountMedia(userID, kind)
	if err != nil {
		return nil, fmt.Errorf("counting media: %w", err)
	}
	out := map[string]any{"count": count}
	if mediaType != "" && mediaType != "all" {
		out["media_type"] = mediaType
	}
	return out, nil
}

func (t *Toolbox) filterByDate(userID, relativeTime, timeRange string) (map[string]any, error) {
	from, to := parseRelativeTime(relativeTime, t.now().UTC())
	if timeRange != "" {
		from, to = applyTimeRange(timeRange, from)
	}

	items, err := t.store.ListMediaByDateRange(userID, from, to, scanMediaLimit)
	if err != nil {
		return nil, fmt.Errorf("filtering media: %w", err)
	}

	results := []map[string]any{}
	for _, media := range items {
		entry := map[string]any{
			"media_id":   media.ID,
			"file_name":  media.FileName,
			"media_type": string(media.Kind),
			"created_at": media.CreatedAt.Format(time.RFC3339),
		}
		if res, err := t.store.LatestExtractionResult(media.ID); err == nil {
			entry["caption"] = res.Caption
			entry["text_preview"] = preview(res.Text, previewLen)
		}
		results = append(results, entry)
	}
	return map[string]any{
		"results": results,
		"from":    from.Format(time.RFC3339),
		"to":      to.Format(time.RFC3339),
	}, nil
}

func (t *Toolbox) analyzeText(userID, searchType string) (map[string]any, error) {
	items, err := t.store.ListMedia(userID, scanMediaLimit)
	if err != nil {
		return nil, fmt.Errorf("listing media: %w", err)
	}

	results := []map[string]any{}
	for _, media := range items {
		res, err := t.store.LatestExtractionResult(media.ID)
		if err != nil || res.Text == "" {
			continue
		}

		var found []string
		if searchType == "general" {
			found = []string{preview(res.Text, 300)}
		} else {
			found = extract.ScanFields(res.Text)[searchType]
		}
		if len(found) == 0 {
			continue
		}
		results = append(results, map[string]any{
			"media_id":    media.ID,
			"file_name":   media.FileName,
			"found_items": found,
			"search_type": searchType,
		})
		if len(results) == searchLimit {
			break
		}
	}
	return map[string]any{"results": results}, nil
}

func preview(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n]) + "..."
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func stringSliceArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
