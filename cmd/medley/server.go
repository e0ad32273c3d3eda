package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"medley/internal/api"
	"medley/internal/blob"
	"medley/internal/chat"
	"medley/internal/config"
	"medley/internal/dispatch"
	"medley/internal/extract"
	"medley/internal/provider"
	"medley/internal/retrieval"
	"medley/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the medley server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running medley server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show medley system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "medley.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func logLevelFrom(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "medley version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevelFrom(cfg.Log.Level),
	})))

	apiToken := cfg.Server.APIToken
	if apiToken == "" {
		apiToken, err = config.GetAPIToken()
		if err != nil {
			return fmt.Errorf("initializing API token: %w", err)
		}
	}
	slog.Info("API bearer token available")

	// Refuse to double-start: probe the health endpoint before claiming the
	// PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("medley is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("medley is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	blobs, err := blob.NewStore(filepath.Join(cfg.Storage.DataDir, "blobs"))
	if err != nil {
		return fmt.Errorf("opening blob store: %w", err)
	}

	gem, err := provider.NewGemini(ctx, cfg.Provider.GeminiAPIKey, cfg.Provider.ChatModel, cfg.Provider.EmbedModel)
	if err != nil {
		return fmt.Errorf("initializing Gemini provider: %w", err)
	}
	defer gem.Close()
	slog.Info("Gemini provider ready", "chat_model", cfg.Provider.ChatModel, "embed_model", cfg.Provider.EmbedModel)

	// Analysis pipeline: extraction per media kind, embedding, vector index.
	embedder := retrieval.NewEmbedder(gem)
	index := retrieval.NewSQLiteIndex(store.DB())
	extractors := extract.NewSet(gem, gem, gem)

	pool := dispatch.NewPool(store, blobs, extractors, embedder, index,
		cfg.Dispatch.Workers, 500*time.Millisecond, 5*time.Minute)
	go pool.Run(ctx)
	slog.Info("dispatch pool started", "workers", cfg.Dispatch.Workers)

	// Chat: tool-calling engine over the same store and index.
	toolbox := chat.NewToolbox(store, index, embedder)
	engine := chat.NewEngine(store, gem, toolbox)

	handler := api.NewAppHandler(api.AppDeps{
		Store:       store,
		Blobs:       blobs,
		Engine:      engine,
		Token:       apiToken,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
	})

	// MCP server on stdio so external agents can query the collection.
	mcpSrv := api.NewMCPServer(api.MCPDeps{Store: store, Tools: toolbox})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "medley listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("medley is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop medley (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to medley (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	httpClient := &http.Client{Timeout: 2 * time.Second}

	resp, err := httpClient.Get(serverURL + "/health")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Chat model", "%s", cfg.Provider.ChatModel)
	printStatus("Embed model", "%s", cfg.Provider.EmbedModel)

	if running {
		if client, err := newAPIClient(); err == nil {
			ctx := context.Background()
			if mediaResp, err := client.get(ctx, "/media?limit=200"); err == nil {
				var items []map[string]any
				if decodeJSON(mediaResp, &items) == nil {
					printStatus("Media items", "%s", countLabel(len(items), 200))
				}
			}
			if convResp, err := client.get(ctx, "/conversations?limit=200"); err == nil {
				var convs []map[string]any
				if decodeJSON(convResp, &convs) == nil {
					printStatus("Conversations", "%s", countLabel(len(convs), 200))
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
