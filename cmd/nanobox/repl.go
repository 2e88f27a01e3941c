package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/nanobox/internal/sandbox"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Run workloads interactively",
	Long: `Start an interactive prompt. Each line is a workload path; it runs in a
fresh execution context and its output streams to the terminal.

Ctrl+C cancels the workload in flight. Ctrl+C or Ctrl+D at the prompt exits.

Commands:
  /help     Show this help
  /kinds    List supported workload kinds
  /policy   Show the active limits
  /quit     Exit`,
}

func init() {
	// RunE is set here rather than in the literal to avoid an
	// initialization cycle (handleCommand reads replCmd.Long).
	replCmd.RunE = runRepl
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) error {
	e, err := newEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	home, _ := os.UserHomeDir()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36mnanobox>\033[0m ",
		HistoryFile:     filepath.Join(home, ".nanobox", "repl_history"),
		AutoComplete:    readline.NewPrefixCompleter(replCommands()...),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	// Ctrl+C cancels the active run, not the whole app.
	var (
		mu        sync.Mutex
		runCancel context.CancelFunc
	)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			mu.Lock()
			if runCancel != nil {
				runCancel()
			}
			mu.Unlock()
		}
	}()

	fmt.Println("nanobox repl - enter a workload path, /help for commands")

	for {
		input, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		// Handle slash commands
		if strings.HasPrefix(input, "/") {
			if quit := handleCommand(os.Stdout, input, e.sandbox); quit {
				return nil
			}
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		mu.Lock()
		runCancel = cancel
		mu.Unlock()

		res := e.sandbox.Run(ctx, expandHome(input), sandbox.WithStream(func(c sandbox.Chunk) {
			if c.Stream == "stderr" {
				fmt.Fprintf(rl.Stderr(), "\033[90m%s\033[0m", c.Data)
			} else {
				fmt.Fprint(rl.Stdout(), c.Data)
			}
		}))

		mu.Lock()
		runCancel = nil
		mu.Unlock()
		cancel()

		fmt.Println(formatResult(res))
	}
}

func replCommands() []readline.PrefixCompleterInterface {
	var items []readline.PrefixCompleterInterface
	for _, c := range []string{"/help", "/kinds", "/policy", "/quit"} {
		items = append(items, readline.PcItem(c))
	}
	return items
}

// handleCommand runs a slash command and reports whether the repl should
// exit.
func handleCommand(w io.Writer, input string, sb *sandbox.Sandbox) bool {
	switch strings.Fields(input)[0] {
	case "/quit", "/exit":
		fmt.Fprintln(w, "Goodbye!")
		return true
	case "/help":
		fmt.Fprintln(w, replCmd.Long)
	case "/kinds":
		for _, k := range sb.Kinds() {
			fmt.Fprintf(w, "  %s\n", k)
		}
	case "/policy":
		cfg := sb.Config()
		fmt.Fprintf(w, "  memory      %d bytes\n", cfg.MemoryLimit)
		fmt.Fprintf(w, "  cpu time    %s\n", cfg.CPUTimeLimit)
		fmt.Fprintf(w, "  wall clock  %s\n", cfg.WallClockTimeout)
		fmt.Fprintf(w, "  network     %v\n", cfg.Network.Enabled)
		for _, r := range cfg.FS {
			fmt.Fprintf(w, "  fs          %s (%s)\n", r.Path, r.Mode)
		}
	default:
		fmt.Fprintf(w, "unknown command %s, try /help\n", input)
	}
	return false
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}
