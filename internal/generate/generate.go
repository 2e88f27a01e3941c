// Package generate asks an LLM for a JavaScript program and runs it in the
// sandbox, feeding failures back to the model for another attempt.
package generate

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/michaelbrown/nanobox/internal/llm"
	"github.com/michaelbrown/nanobox/internal/sandbox"
)

const systemPrompt = "You are a code generator. Generate only JavaScript code, no explanations or markdown. " +
	"The code runs in a minimal JavaScript engine with console.log and no Node.js or browser APIs."

const requirements = `

Requirements:
- Do not use any Node.js-specific APIs
- Print results with console.log
- Only return the code, no markdown, no explanations.`

// Prompts are the built-in tasks used when no prompt is given.
var Prompts = []string{
	"Generate a JavaScript script that calculates the first 10 Fibonacci numbers and prints them. Use console.log.",
	"Generate a JavaScript script that calculates factorial of numbers from 1 to 10 and prints each result. Use console.log.",
	"Generate a JavaScript script that finds all prime numbers up to 50 and prints them. Use console.log.",
	"Generate a JavaScript script that reverses a string \"Hello World\" and counts vowels in it. Use console.log.",
	"Generate a JavaScript script that generates the multiplication table for numbers 1-5. Use console.log.",
	"Generate a JavaScript script that calculates the sum of squares of numbers from 1 to 10. Use console.log.",
	"Generate a JavaScript script that checks if numbers from 1 to 20 are even or odd and prints the results. Use console.log.",
	"Generate a JavaScript script that finds the greatest common divisor (GCD) of 48 and 18. Use console.log.",
	"Generate a JavaScript script that generates a simple pattern of asterisks (pyramid shape). Use console.log.",
	"Generate a JavaScript script that converts temperatures from Celsius to Fahrenheit for values 0, 10, 20, 30, 40. Use console.log.",
}

// RandomPrompt picks one of Prompts.
func RandomPrompt() string {
	return Prompts[rand.IntN(len(Prompts))]
}

// Runner is the part of *sandbox.Sandbox the generator needs.
type Runner interface {
	Run(ctx context.Context, ref string, opts ...sandbox.RunOption) sandbox.WorkloadResult
}

// Attempt is one generated program and what happened when it ran.
type Attempt struct {
	Code   string                 `json:"code"`
	Result sandbox.WorkloadResult `json:"result"`
}

// Outcome collects every attempt for one prompt.
type Outcome struct {
	Prompt   string    `json:"prompt"`
	Attempts []Attempt `json:"attempts"`
}

// Success reports whether the last attempt ran cleanly.
func (o *Outcome) Success() bool {
	if len(o.Attempts) == 0 {
		return false
	}
	return o.Attempts[len(o.Attempts)-1].Result.Success()
}

// Last returns the final attempt.
func (o *Outcome) Last() Attempt {
	if len(o.Attempts) == 0 {
		return Attempt{}
	}
	return o.Attempts[len(o.Attempts)-1]
}

// Options configures a Generator.
type Options struct {
	// Dir receives the generated scripts. Defaults to os.TempDir().
	Dir string
	// MaxAttempts bounds how often a failing script is regenerated.
	MaxAttempts int
	// OnDelta, when set, streams model output as it arrives.
	OnDelta llm.StreamHandler
	Logger  *zap.Logger
}

// Generator turns prompts into sandboxed runs.
type Generator struct {
	client llm.Client
	runner Runner
	opts   Options
	logger *zap.Logger
}

// New creates a Generator.
func New(client llm.Client, runner Runner, opts Options) *Generator {
	if opts.Dir == "" {
		opts.Dir = os.TempDir()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{client: client, runner: runner, opts: opts, logger: logger}
}

// Generate asks for a script, runs it, and on failure shows the model the
// error and asks again until a run succeeds or attempts run out. The
// returned error covers LLM and filesystem failures only; a script that
// never succeeds is reported through Outcome.
func (g *Generator) Generate(ctx context.Context, prompt string) (*Outcome, error) {
	if err := os.MkdirAll(g.opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating script dir: %w", err)
	}

	messages := []llm.Message{
		llm.SystemMessage(systemPrompt),
		llm.UserMessage(prompt + requirements),
	}
	out := &Outcome{Prompt: prompt}

	for i := 0; i < g.opts.MaxAttempts; i++ {
		code, err := g.complete(ctx, messages)
		if err != nil {
			return out, err
		}
		if code == "" {
			return out, fmt.Errorf("model returned no code")
		}

		res, err := g.run(ctx, code, i)
		if err != nil {
			return out, err
		}
		out.Attempts = append(out.Attempts, Attempt{Code: code, Result: res})
		g.logger.Info("generated script ran",
			zap.Int("attempt", i+1),
			zap.String("run_id", res.RunID),
			zap.Bool("success", res.Success()),
		)
		if res.Success() || ctx.Err() != nil {
			break
		}

		messages = append(messages,
			llm.AssistantMessage(code),
			llm.UserMessage(feedback(res)),
		)
	}
	return out, nil
}

func (g *Generator) complete(ctx context.Context, messages []llm.Message) (string, error) {
	var (
		resp *llm.Response
		err  error
	)
	if g.opts.OnDelta != nil {
		resp, err = g.client.ChatCompletionStream(ctx, messages, g.opts.OnDelta)
	} else {
		resp, err = g.client.ChatCompletion(ctx, messages)
	}
	if err != nil {
		return "", fmt.Errorf("generating script: %w", err)
	}
	return ExtractCode(resp.Message.Content), nil
}

func (g *Generator) run(ctx context.Context, code string, attempt int) (sandbox.WorkloadResult, error) {
	f, err := os.CreateTemp(g.opts.Dir, fmt.Sprintf("ai-generated-%d-*.js", attempt))
	if err != nil {
		return sandbox.WorkloadResult{}, fmt.Errorf("writing script: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.WriteString(code); err != nil {
		f.Close()
		return sandbox.WorkloadResult{}, fmt.Errorf("writing script: %w", err)
	}
	if err := f.Close(); err != nil {
		return sandbox.WorkloadResult{}, fmt.Errorf("writing script: %w", err)
	}
	return g.runner.Run(ctx, filepath.Clean(path)), nil
}

func feedback(res sandbox.WorkloadResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The script failed in the sandbox: %s\n", res.ErrorMessage())
	if stderr := strings.TrimSpace(res.Output.Stderr); stderr != "" {
		fmt.Fprintf(&b, "stderr:\n%s\n", truncate(stderr, 2000))
	}
	b.WriteString("Fix the script. Only return the code, no markdown, no explanations.")
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var fence = regexp.MustCompile("(?s)```[a-zA-Z]*\\n?(.*?)```")

// ExtractCode strips markdown fences from a model reply. When the reply
// holds fenced blocks, only the first block is kept.
func ExtractCode(reply string) string {
	if m := fence.FindStringSubmatch(reply); m != nil {
		return strings.TrimSpace(m[1])
	}
	reply = strings.ReplaceAll(reply, "```", "")
	return strings.TrimSpace(reply)
}
