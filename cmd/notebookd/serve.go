package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/notebookd/pkg/config"
	"github.com/cuemby/notebookd/pkg/kernel"
	"github.com/cuemby/notebookd/pkg/log"
	"github.com/cuemby/notebookd/pkg/rpc"
	"github.com/cuemby/notebookd/pkg/session"
	"github.com/cuemby/notebookd/pkg/store"
	"github.com/spf13/cobra"
)

// shutdownGrace bounds how long a graceful shutdown may take before
// remaining kernels are force-killed.
const shutdownGrace = 15 * time.Second

// completedTaskRetention is how long terminal task rows are kept in the
// durable store before the startup maintenance pass deletes them.
const completedTaskRetention = 7 * 24 * time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the notebookd server",
	Long: `Run the notebookd server, speaking JSON-RPC 2.0 over stdio
(newline-delimited) and over WebSocket at /ws on the HTTP listener, which
also exposes /health, /ready and /metrics.

Closing the stdio pipe triggers graceful shutdown including kernel cleanup.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Path to a YAML config file (env vars still take precedence)")
	serveCmd.Flags().String("http-addr", "127.0.0.1:2718", "HTTP listen address for WebSocket, health and metrics")
	serveCmd.Flags().String("data-dir", "", "Root directory for the durable store and session descriptors (overrides DATA_DIR)")
	serveCmd.Flags().Int("max-kernels", 0, "Maximum concurrent kernels (overrides MAX_CONCURRENT_KERNELS)")
	serveCmd.Flags().Bool("no-stdio", false, "Disable the stdio JSON-RPC surface (serve WebSocket only)")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	httpAddr, _ := cmd.Flags().GetString("http-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	maxKernels, _ := cmd.Flags().GetInt("max-kernels")
	noStdio, _ := cmd.Flags().GetBool("no-stdio")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if maxKernels > 0 {
		cfg.MaxConcurrentKernels = maxKernels
	}

	logger := log.WithComponent("main")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	st, err := store.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open durable store: %w", err)
	}

	mgr, err := session.New(cfg, st, kernel.DefaultBridgeCommand)
	if err != nil {
		st.Close()
		return err
	}

	if err := mgr.Startup(); err != nil {
		logger.Warn().Err(err).Msg("startup reconciliation reported an error")
	}
	if n, err := st.CleanupCompleted(completedTaskRetention); err != nil {
		logger.Warn().Err(err).Msg("failed to clean up old completed tasks")
	} else if n > 0 {
		logger.Info().Int("deleted", n).Msg("cleaned up old completed tasks")
	}

	dispatcher := rpc.NewDispatcher(mgr)
	ws := rpc.NewWebSocketHandler(dispatcher, cfg.SessionToken)
	hs := rpc.NewHealthServer(mgr, st, ws, nil)

	httpSrv := &http.Server{Addr: httpAddr, Handler: hs.Handler()}
	go func() {
		logger.Info().Str("addr", httpAddr).Msg("http listener started")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http listener failed")
		}
	}()

	stdioDone := make(chan error, 1)
	if !noStdio {
		go func() {
			stdioDone <- rpc.NewStdioServer(dispatcher, os.Stdin, os.Stdout).Serve()
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	idleCh := make(chan struct{})
	if cfg.IdleTimeout > 0 {
		go watchIdle(cfg.IdleTimeout, idleCh)
	}

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-stdioDone:
		if err != nil {
			logger.Warn().Err(err).Msg("stdio transport closed with error, shutting down")
		} else {
			logger.Info().Msg("stdio client disconnected, shutting down")
		}
	case <-idleCh:
		logger.Info().Dur("idle_timeout", cfg.IdleTimeout).Msg("no clients connected, shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)

	if err := mgr.Shutdown(shutdownGrace); err != nil {
		logger.Warn().Err(err).Msg("shutdown reported an error")
	}
	logger.Info().Msg("notebookd stopped")
	return nil
}

// watchIdle closes idleCh once no transport connection has been attached
// for the configured idle timeout.
func watchIdle(timeout time.Duration, idleCh chan struct{}) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	lastActive := time.Now()
	for range ticker.C {
		if rpc.ActiveConnections() > 0 {
			lastActive = time.Now()
			continue
		}
		if time.Since(lastActive) > timeout {
			close(idleCh)
			return
		}
	}
}
