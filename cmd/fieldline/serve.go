package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/alpacapurpura/fieldline/internal/api"
	"github.com/alpacapurpura/fieldline/internal/auth"
	"github.com/alpacapurpura/fieldline/internal/checkpoint"
	"github.com/alpacapurpura/fieldline/internal/config"
	"github.com/alpacapurpura/fieldline/internal/gateway"
	"github.com/alpacapurpura/fieldline/internal/knowledge"
	"github.com/alpacapurpura/fieldline/internal/metrics"
	"github.com/alpacapurpura/fieldline/internal/pipeline"
	"github.com/alpacapurpura/fieldline/internal/records"
	"github.com/alpacapurpura/fieldline/internal/tools"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the fieldline server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcp, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcp)
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also expose tools over MCP stdio transport")
}

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
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

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "fieldline version %s\n", version)

	cfg, err := config.Load(cfgPath, version)
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open the checkpoint store.
	store, err := checkpoint.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening checkpoint store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing store: %v\n", err)
		}
	}()

	m := metrics.New()

	// Credential cache over the configured directory, or the static user
	// table when no directory is configured.
	verifier := auth.NewVerifier([]byte(cfg.Auth.SigningKey))
	var backend auth.Backend = auth.NewStaticBackend(cfg.Auth.UserRecords())
	if cfg.Auth.DirectoryURL != "" {
		backend = auth.NewHTTPBackend(cfg.Auth.DirectoryURL, cfg.Auth.DirectoryToken, 10*time.Second)
	}
	cache := auth.NewCache(verifier, backend, auth.CacheOptions{
		TTL:           cfg.Auth.CacheTTL(),
		SweepInterval: cfg.Auth.SweepInterval(),
		Grants:        cfg.Auth.Grants(),
		OnHit:         m.CacheHit,
		OnMiss:        m.CacheMiss,
	})
	defer cache.Close()

	// Tool gateway backed by the knowledge base and the records service.
	gw := gateway.New(gateway.Options{OnCall: m.ToolCall, OnError: m.ToolError})
	kb := knowledge.NewStore(store.DB())
	recordsClient := records.New(cfg.Records.BaseURL, cfg.Records.APIKey, cfg.Records.Timeout())
	if err := tools.Register(gw, tools.Deps{
		Knowledge:   kb,
		Records:     recordsClient,
		Snapshots:   store,
		DefaultTopK: cfg.Pipeline.TopK,
	}); err != nil {
		return fmt.Errorf("registering tools: %w", err)
	}

	pipe := pipeline.New(pipeline.Config{
		Store:       store,
		Gateway:     gw,
		Auth:        cache,
		MaxHistory:  cfg.Pipeline.MaxHistory,
		TopK:        cfg.Pipeline.TopK,
		OnProcessed: m.MessageProcessed,
	})

	handler := api.NewHandler(api.Deps{
		Pipeline:     pipe,
		Gateway:      gw,
		Auth:         cache,
		Store:        store,
		Metrics:      m,
		Timeout:      cfg.Pipeline.Timeout(),
		ActiveWindow: cfg.Pipeline.ActiveWindow(),
	})

	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: handler,
	}

	// Optionally expose the same tools over MCP stdio. The stdio client
	// is local and trusted, so it runs under the service identity.
	if withMCP {
		mcpSrv := api.NewMCPServer(gw, auth.ServiceIdentity("fieldline-mcp"), version)
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("fieldline listening", "addr", cfg.Addr(), "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
