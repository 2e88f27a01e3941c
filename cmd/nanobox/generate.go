package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/nanobox/internal/generate"
	"github.com/michaelbrown/nanobox/internal/llm"
)

var (
	countFlag    int
	attemptsFlag int
	promptFlag   string
	modelFlag    string
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Have an LLM write JavaScript and run it in the sandbox",
	Long: `Ask an OpenAI-compatible model for a short JavaScript program, then run it
in the sandbox. Untrusted model output never runs on the host directly.

Without --prompt, a random built-in task is used for each script.

Examples:
  nanobox generate
  nanobox generate --count 3 --attempts 2
  nanobox generate --prompt "print the first 20 triangular numbers"`,
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().IntVar(&countFlag, "count", 1, "Number of scripts to generate")
	generateCmd.Flags().IntVar(&attemptsFlag, "attempts", 1, "Attempts per script; failures are fed back to the model")
	generateCmd.Flags().StringVar(&promptFlag, "prompt", "", "Task description (default: random built-in)")
	generateCmd.Flags().StringVar(&modelFlag, "model", "", "Model to use (overrides config)")
	rootCmd.AddCommand(generateCmd)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	e, err := newEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	model := e.cfg.LLM.Model
	if modelFlag != "" {
		model = modelFlag
	}
	client := llm.NewClient(e.cfg.LLM.BaseURL, e.cfg.LLM.APIKey, model, llm.Options{
		Temperature: 0.7,
		MaxTokens:   500,
		Logger:      e.logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g := generate.New(client, e.sandbox, generate.Options{
		Dir:         filepath.Join(e.sandbox.Config().TmpDir, "generated"),
		MaxAttempts: attemptsFlag,
		OnDelta:     func(d string) { fmt.Print(d) },
		Logger:      e.logger,
	})

	fmt.Printf("Generating and executing %d AI-generated script(s) with %s...\n\n", countFlag, model)

	failed := 0
	for i := 0; i < countFlag; i++ {
		prompt := promptFlag
		if prompt == "" {
			prompt = generate.RandomPrompt()
		}
		fmt.Printf("[%d/%d] %s\n", i+1, countFlag, prompt)
		fmt.Println(strings.Repeat("─", 60))

		out, err := g.Generate(ctx, prompt)
		fmt.Println()
		fmt.Println(strings.Repeat("─", 60))
		if err != nil {
			return err
		}

		for n, a := range out.Attempts {
			if n > 0 {
				fmt.Printf("attempt %d:\n", n+1)
			}
			if a.Result.Output.Stdout != "" {
				fmt.Print(a.Result.Output.Stdout)
			}
			fmt.Println(formatResult(a.Result))
		}
		if !out.Success() {
			failed++
		}
		fmt.Println()
		if ctx.Err() != nil {
			break
		}
	}

	if failed > 0 {
		fmt.Printf("%d of %d script(s) failed\n", failed, countFlag)
		return exitError{code: 1}
	}
	fmt.Printf("All %d script(s) completed successfully!\n", countFlag)
	return nil
}
