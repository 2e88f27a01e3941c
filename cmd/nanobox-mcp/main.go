package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/michaelbrown/nanobox/internal/config"
	"github.com/michaelbrown/nanobox/internal/logging"
	"github.com/michaelbrown/nanobox/internal/sandbox"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "nanobox-mcp: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// stdout carries the protocol.
	lc := cfg.Logging()
	if lc.OutputPath == "" || lc.OutputPath == "stdout" {
		lc.OutputPath = "stderr"
	}
	logger, err := logging.New(lc)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logger.Sync()

	sc, err := cfg.SandboxConfig()
	if err != nil {
		return err
	}
	sb, err := sandbox.New(sc, sandbox.WithLogger(logger))
	if err != nil {
		return err
	}

	s := server.NewMCPServer("nanobox", "0.1.0")
	h := &handlers{sandbox: sb, scratch: sc.TmpDir}
	h.register(s)

	logger.Info("mcp server ready", zap.Int("tools", 2))
	return server.ServeStdio(s)
}
