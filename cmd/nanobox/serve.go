package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/michaelbrown/nanobox/internal/metrics"
	"github.com/michaelbrown/nanobox/internal/sandbox"
	"github.com/michaelbrown/nanobox/internal/server"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the nanobox HTTP server",
	Long: `Start the nanobox HTTP server with REST API, WebSocket streaming and
Prometheus metrics.

API endpoints are under /api; metrics are at /metrics.

Examples:
  nanobox serve
  nanobox serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	m := metrics.New()
	e, err := newEnv(sandbox.WithObserver(m))
	if err != nil {
		return err
	}
	defer e.Close()

	// Determine port
	port := e.cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	srv := server.New(e.sandbox, e.store, m, e.logger)

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		if err := srv.Shutdown(context.Background()); err != nil {
			e.logger.Warn("shutdown", zap.Error(err))
		}
	}()

	if err := srv.Start(port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}
