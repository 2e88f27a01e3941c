package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/michaelbrown/nanobox/internal/sandbox"
)

var jsonFlag bool

var runCmd = &cobra.Command{
	Use:   "run <path>...",
	Short: "Run one or more workloads in the sandbox",
	Long: `Run each workload in its own isolated execution context. Several paths run
concurrently, bounded by sandbox.max_concurrent. The exit status is 1 if any
run fails. Ctrl+C force-terminates every run still in flight.

Examples:
  nanobox run hello.js
  nanobox run --timeout 2s --memory 64MiB script.py
  nanobox run --allow-read ./data --json a.js b.py crash.c`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print one JSON result per line")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	e, err := newEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	results := runAll(ctx, e.sandbox, args, !jsonFlag && len(args) == 1)

	failed := 0
	for _, res := range results {
		if !res.Success() {
			failed++
		}
		if jsonFlag {
			printJSON(os.Stdout, res)
			continue
		}
		if len(args) > 1 {
			printOutput(os.Stdout, os.Stderr, res)
		}
		printResult(os.Stderr, res)
	}

	if failed > 0 {
		return exitError{code: 1}
	}
	return nil
}

// runAll runs every path, at most MaxConcurrent at a time, and returns
// the results in argument order. With stream set, guest output goes to
// the terminal as it is produced.
func runAll(ctx context.Context, sb *sandbox.Sandbox, paths []string, stream bool) []sandbox.WorkloadResult {
	results := make([]sandbox.WorkloadResult, len(paths))

	var g errgroup.Group
	if n := sb.Config().MaxConcurrent; n > 0 {
		g.SetLimit(n)
	}
	for i, path := range paths {
		g.Go(func() error {
			var opts []sandbox.RunOption
			if stream {
				opts = append(opts, sandbox.WithStream(func(c sandbox.Chunk) {
					if c.Stream == "stderr" {
						io.WriteString(os.Stderr, c.Data)
					} else {
						io.WriteString(os.Stdout, c.Data)
					}
				}))
			}
			results[i] = sb.Run(ctx, path, opts...)
			return nil
		})
	}
	g.Wait()
	return results
}

type jsonResult struct {
	sandbox.Binding
	Workload string                 `json:"workload"`
	Result   sandbox.WorkloadResult `json:"result"`
}

func printJSON(w io.Writer, res sandbox.WorkloadResult) {
	data, _ := json.Marshal(jsonResult{Binding: res.Binding(), Workload: res.Workload, Result: res})
	fmt.Fprintln(w, string(data))
}

func printOutput(stdout, stderr io.Writer, res sandbox.WorkloadResult) {
	name := filepath.Base(res.Workload)
	for _, line := range splitLines(res.Output.Stdout) {
		fmt.Fprintf(stdout, "\033[90m[%s]\033[0m %s\n", name, line)
	}
	for _, line := range splitLines(res.Output.Stderr) {
		fmt.Fprintf(stderr, "\033[90m[%s]\033[0m %s\n", name, line)
	}
}

func printResult(w io.Writer, res sandbox.WorkloadResult) {
	fmt.Fprintln(w, formatResult(res))
}

func formatResult(res sandbox.WorkloadResult) string {
	name := filepath.Base(res.Workload)
	if res.Success() {
		line := fmt.Sprintf("\033[32m✓\033[0m %s (%s, %s)", name, res.Kind, res.Usage.WallTime.Round(time.Millisecond))
		if res.Unconfined {
			line += " \033[33m[unconfined]\033[0m"
		}
		return line
	}
	return fmt.Sprintf("\033[31m✗\033[0m %s: %s", name, res.ErrorMessage())
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
