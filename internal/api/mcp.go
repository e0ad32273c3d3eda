package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"medley/internal/storage"
)

// ToolExecutor abstracts the chat toolbox for the MCP layer.
type ToolExecutor interface {
	Execute(ctx context.Context, userID, name string, args map[string]any) (map[string]any, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store  *storage.Store
	Tools  ToolExecutor
	UserID string
}

// NewMCPServer exposes the read-only media query tools over MCP so external
// agents can search the collection without going through the chat engine.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.UserID == "" {
		deps.UserID = "local"
	}

	s := server.NewMCPServer(
		"medley",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("medley: personal media collection. Search, inspect, and count uploaded media."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("semantic_search",
			mcp.WithDescription("Semantically search uploaded media content and return matching items with previews."),
			mcp.WithString("query", mcp.Description("Search query describing what to look for"), mcp.Required()),
		),
		mcpToolCall(deps, "semantic_search", func(req mcp.CallToolRequest) (map[string]any, error) {
			query, err := req.RequireString("query")
			if err != nil {
				return nil, fmt.Errorf("query is required")
			}
			return map[string]any{"query": query}, nil
		}),
	)

	s.AddTool(
		mcp.NewTool("get_media_details",
			mcp.WithDescription("Get full details of specific media items including complete extracted text."),
			mcp.WithArray("media_ids", mcp.Description("Media IDs to retrieve"), mcp.Required()),
		),
		mcpToolCall(deps, "get_media_details", func(req mcp.CallToolRequest) (map[string]any, error) {
			ids := req.GetStringSlice("media_ids", nil)
			if len(ids) == 0 {
				return nil, fmt.Errorf("media_ids is required")
			}
			anyIDs := make([]any, len(ids))
			for i, id := range ids {
				anyIDs[i] = id
			}
			return map[string]any{"media_ids": anyIDs}, nil
		}),
	)

	s.AddTool(
		mcp.NewTool("count_media",
			mcp.WithDescription("Count uploaded media items, optionally filtered by type (image, document, audio, text)."),
			mcp.WithString("media_type", mcp.Description("Optional media type filter")),
		),
		mcpToolCall(deps, "count_media", func(req mcp.CallToolRequest) (map[string]any, error) {
			return map[string]any{"media_type": req.GetString("media_type", "")}, nil
		}),
	)

	s.AddTool(
		mcp.NewTool("filter_media_by_date",
			mcp.WithDescription("Filter media by upload date using relative expressions like 'yesterday' or '2 hours ago'."),
			mcp.WithString("relative_time", mcp.Description("Relative time expression"), mcp.Required()),
			mcp.WithString("time_range", mcp.Description("Optional range within the day: morning, afternoon, evening, night")),
		),
		mcpToolCall(deps, "filter_media_by_date", func(req mcp.CallToolRequest) (map[string]any, error) {
			rel, err := req.RequireString("relative_time")
			if err != nil {
				return nil, fmt.Errorf("relative_time is required")
			}
			return map[string]any{
				"relative_time": rel,
				"time_range":    req.GetString("time_range", ""),
			}, nil
		}),
	)

	s.AddResource(
		mcp.NewResource(
			"media://recent",
			"Recent Media",
			mcp.WithResourceDescription("Most recently uploaded media items (metadata only)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

// mcpToolCall adapts one toolbox tool into an MCP handler. parse extracts
// the toolbox arguments from the MCP request.
func mcpToolCall(deps MCPDeps, name string, parse func(mcp.CallToolRequest) (map[string]any, error)) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := parse(req)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		out, err := deps.Tools.Execute(ctx, deps.UserID, name, args)
		if err != nil {
			return mcpError(fmt.Sprintf("%s failed: %v", name, err)), nil
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		items, err := deps.Store.ListMedia(deps.UserID, 10)
		if err != nil {
			return nil, fmt.Errorf("listing recent media: %w", err)
		}

		type mediaSummary struct {
			ID        string `json:"id"`
			FileName  string `json:"file_name"`
			Kind      string `json:"kind"`
			Status    string `json:"status"`
			CreatedAt string `json:"created_at"`
		}

		summaries := make([]mediaSummary, len(items))
		for i, m := range items {
			name := m.FileName
			if utf8.RuneCountInString(name) > 200 {
				runes := []rune(name)
				name = string(runes[:200]) + "..."
			}
			summaries[i] = mediaSummary{
				ID:        m.ID,
				FileName:  name,
				Kind:      string(m.Kind),
				Status:    string(m.Status),
				CreatedAt: m.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal media list: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
