package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/michaelbrown/nanobox/internal/config"
	"github.com/michaelbrown/nanobox/internal/logging"
	"github.com/michaelbrown/nanobox/internal/sandbox"
	"github.com/michaelbrown/nanobox/internal/storage"
	"github.com/michaelbrown/nanobox/internal/storage/sqlite"
)

var (
	configFlag     string
	logLevelFlag   string
	profileFlag    string
	timeoutFlag    time.Duration
	memoryFlag     string
	netFlag        bool
	allowReadFlag  []string
	allowWriteFlag []string
	unconfinedFlag bool
	noHistoryFlag  bool
)

var rootCmd = &cobra.Command{
	Use:   "nanobox",
	Short: "nanobox - run untrusted workloads in a sandbox",
	Long: `nanobox runs JavaScript, Python, native binaries and C/C++ sources in an
isolated execution context with a capability policy, resource limits and a
wall clock deadline.

Every run reports success or a single error message: "not found",
"timeout exceeded", "cancelled" or a description of the fault.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFlag, "config", "", "Config file (default: ./nanobox.yaml or ~/.nanobox/nanobox.yaml)")
	pf.StringVar(&logLevelFlag, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&profileFlag, "profile", "", "Policy profile YAML applied on top of the config")
	pf.DurationVar(&timeoutFlag, "timeout", 0, "Wall clock timeout per run (e.g. 5s)")
	pf.StringVar(&memoryFlag, "memory", "", "Memory limit per run (e.g. 128MiB)")
	pf.BoolVar(&netFlag, "net", false, "Allow outbound network access")
	pf.StringSliceVar(&allowReadFlag, "allow-read", nil, "Grant read access to a path or glob (repeatable)")
	pf.StringSliceVar(&allowWriteFlag, "allow-write", nil, "Grant read-write access to a path or glob (repeatable)")
	pf.BoolVar(&unconfinedFlag, "allow-unconfined", false, "Run process guests even when they cannot be confined to the policy's filesystem view")
	pf.BoolVar(&noHistoryFlag, "no-history", false, "Do not record runs in the history database")
}

// exitError carries a process exit status without printing anything.
type exitError struct {
	code int
}

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configFlag != "" {
		cfg, err = config.LoadFile(configFlag)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if logLevelFlag != "" {
		cfg.Log.Level = logLevelFlag
	}
	if profileFlag != "" {
		cfg.Sandbox.Profile = profileFlag
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.Logging())
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	return logger, nil
}

// sandboxConfig resolves the file config and layers command line
// overrides on top.
func sandboxConfig(cfg *config.Config) (sandbox.Config, error) {
	sc, err := cfg.SandboxConfig()
	if err != nil {
		return sc, err
	}
	if err := applyOverrides(&sc); err != nil {
		return sc, err
	}
	return sc, sc.Validate()
}

func applyOverrides(sc *sandbox.Config) error {
	if timeoutFlag > 0 {
		sc.WallClockTimeout = timeoutFlag
	}
	if memoryFlag != "" {
		n, err := humanize.ParseBytes(memoryFlag)
		if err != nil {
			return fmt.Errorf("--memory: %w", err)
		}
		sc.MemoryLimit = int64(n)
	}
	if netFlag {
		sc.Network.Enabled = true
	}
	if unconfinedFlag {
		sc.Runtimes.AllowUnconfined = true
	}
	for _, p := range allowReadFlag {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("--allow-read %s: %w", p, err)
		}
		sc.FS = append(sc.FS, sandbox.FSRule{Path: abs, Mode: sandbox.ModeReadOnly})
	}
	for _, p := range allowWriteFlag {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("--allow-write %s: %w", p, err)
		}
		sc.FS = append(sc.FS, sandbox.FSRule{Path: abs, Mode: sandbox.ModeReadWrite})
	}
	return nil
}

func openStore(cfg *config.Config) (storage.Store, error) {
	return sqlite.Open(cfg.Storage.DBPath)
}

// env bundles what most subcommands need.
type env struct {
	cfg     *config.Config
	logger  *zap.Logger
	sandbox *sandbox.Sandbox
	store   storage.Store
}

func (e *env) Close() {
	if e.store != nil {
		e.store.Close()
	}
	e.logger.Sync()
}

// newEnv loads config, builds the logger and the sandbox, and opens the
// run history unless --no-history is set. A history database that cannot
// be opened is logged and skipped.
func newEnv(opts ...sandbox.Option) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	sc, err := sandboxConfig(cfg)
	if err != nil {
		return nil, err
	}

	e := &env{cfg: cfg, logger: logger}
	if !noHistoryFlag {
		store, err := openStore(cfg)
		if err != nil {
			logger.Warn("run history unavailable", zap.String("db", cfg.Storage.DBPath), zap.Error(err))
		} else {
			e.store = store
			opts = append(opts, sandbox.WithRecorder(storage.Recorder{Store: store}))
		}
	}

	opts = append([]sandbox.Option{sandbox.WithLogger(logger)}, opts...)
	e.sandbox, err = sandbox.New(sc, opts...)
	if err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}
