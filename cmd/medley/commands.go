package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"medley/internal/config"
)

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a media file for analysis",
	Long: `Upload a media file for analysis.

The media kind is inferred from the file extension; override it with --kind
(image, document, audio, text). Analysis runs in the background; use --wait
to block until it finishes.

Examples:
  medley upload ./receipt.jpg
  medley upload ./notes.txt --kind text
  medley upload ./contract.pdf --wait`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		kind, _ := cmd.Flags().GetString("kind")
		wait, _ := cmd.Flags().GetBool("wait")

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}
		if kind == "" {
			kind = kindFromExtension(path)
			if kind == "" {
				return fmt.Errorf("cannot infer media kind from %q; use --kind", filepath.Ext(path))
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		resp, err := client.post(ctx, "/media", map[string]string{
			"kind":      kind,
			"file_name": filepath.Base(path),
			"content":   base64.StdEncoding.EncodeToString(data),
		})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued %s as media %s (task %s)", filepath.Base(path), result["media_id"], result["task_id"])
		if !wait {
			return nil
		}
		return waitForTask(ctx, client, result["task_id"])
	},
}

func init() {
	uploadCmd.Flags().String("kind", "", "media kind: image, document, audio, or text")
	uploadCmd.Flags().Bool("wait", false, "wait for analysis to finish")
}

func kindFromExtension(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".heic":
		return "image"
	case ".pdf":
		return "document"
	case ".mp3", ".wav", ".m4a", ".ogg", ".flac":
		return "audio"
	case ".txt", ".md":
		return "text"
	}
	return ""
}

func waitForTask(ctx context.Context, client *apiClient, taskID string) error {
	deadline := time.Now().Add(5 * time.Minute)
	for time.Now().Before(deadline) {
		resp, err := client.get(ctx, "/tasks/"+taskID)
		if err != nil {
			return err
		}
		var task struct {
			Status string `json:"status"`
			Detail string `json:"detail"`
		}
		if err := decodeJSON(resp, &task); err != nil {
			return err
		}
		switch task.Status {
		case "completed":
			printSuccess("Analysis completed")
			return nil
		case "failed":
			printError("Analysis failed: %s", task.Detail)
			return fmt.Errorf("task failed: %s", task.Detail)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return fmt.Errorf("timed out waiting for task %s", taskID)
}

// --- media ---

var mediaCmd = &cobra.Command{
	Use:   "media",
	Short: "List and inspect uploaded media",
}

var mediaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List uploaded media items",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/media?limit=%d", limit))
		if err != nil {
			return err
		}

		var items []struct {
			ID        string `json:"id"`
			Kind      string `json:"kind"`
			FileName  string `json:"file_name"`
			Status    string `json:"status"`
			CreatedAt string `json:"created_at"`
		}
		if err := decodeJSON(resp, &items); err != nil {
			return err
		}

		if len(items) == 0 {
			fmt.Println("No media found.")
			return nil
		}
		for _, m := range items {
			name := m.FileName
			if name == "" {
				name = "(unnamed)"
			}
			fmt.Printf("%s  %-8s  %-10s  %s\n",
				colorize(colorCyan, m.ID[:8]),
				m.Kind,
				m.Status,
				name,
			)
		}
		return nil
	},
}

var mediaShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a media item with its extraction result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/media/"+args[0])
		if err != nil {
			return err
		}

		var out any
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

var mediaRemoveCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a media item and its stored payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/media/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted media %s", args[0])
		return nil
	},
}

func init() {
	mediaListCmd.Flags().Int("limit", 50, "maximum number of items to list")
	mediaCmd.AddCommand(mediaListCmd)
	mediaCmd.AddCommand(mediaShowCmd)
	mediaCmd.AddCommand(mediaRemoveCmd)
}

// --- task ---

var taskCmd = &cobra.Command{
	Use:   "task <id>",
	Short: "Show the status of an analysis task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/tasks/"+args[0])
		if err != nil {
			return err
		}

		var task any
		if err := decodeJSON(resp, &task); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(task)
	},
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Converse with the assistant about your media",
}

var chatNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a new conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/conversations", map[string]string{"title": title})
		if err != nil {
			return err
		}

		var conv struct {
			ID string `json:"id"`
		}
		if err := decodeJSON(resp, &conv); err != nil {
			return err
		}

		printSuccess("Created conversation %s", conv.ID)
		fmt.Println(conv.ID)
		return nil
	},
}

var chatListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/conversations")
		if err != nil {
			return err
		}

		var convs []struct {
			ID        string `json:"id"`
			Title     string `json:"title"`
			CreatedAt string `json:"created_at"`
		}
		if err := decodeJSON(resp, &convs); err != nil {
			return err
		}

		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, c := range convs {
			title := c.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Printf("%s  %s  %s\n", colorize(colorCyan, c.ID[:8]), c.CreatedAt, title)
		}
		return nil
	},
}

var chatAskCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question; creates a conversation unless --conversation is given",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		convID, _ := cmd.Flags().GetString("conversation")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if convID == "" {
			resp, err := client.post(ctx, "/conversations", map[string]string{})
			if err != nil {
				return err
			}
			var conv struct {
				ID string `json:"id"`
			}
			if err := decodeJSON(resp, &conv); err != nil {
				return err
			}
			convID = conv.ID
		}

		resp, err := client.postStream(ctx, "/conversations/"+convID+"/messages", map[string]string{"content": question})
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
		}

		if err := streamTurn(resp.Body, os.Stdout); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "\n%s %s\n", colorize(colorBold, "conversation:"), convID)
		return nil
	},
}

// streamTurn renders a server-sent event stream of chat events: text deltas
// to out, tool invocations as progress on stderr, and the final error event
// (if any) as a command failure.
func streamTurn(r io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	wroteText := false
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var ev struct {
			Type    string `json:"type"`
			Content string `json:"content"`
			Name    string `json:"name"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal([]byte(line[len("data: "):]), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "text":
			fmt.Fprint(out, ev.Content)
			wroteText = true
		case "tool_invocation":
			printStep("using %s...", ev.Name)
		case "error":
			if wroteText {
				fmt.Fprintln(out)
			}
			return fmt.Errorf("turn failed: %s", ev.Message)
		case "done":
			if wroteText {
				fmt.Fprintln(out)
			}
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	return fmt.Errorf("stream ended without a done event")
}

func init() {
	chatNewCmd.Flags().String("title", "", "conversation title")
	chatAskCmd.Flags().String("conversation", "", "existing conversation ID")
	chatCmd.AddCommand(chatNewCmd)
	chatCmd.AddCommand(chatListCmd)
	chatCmd.AddCommand(chatAskCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
