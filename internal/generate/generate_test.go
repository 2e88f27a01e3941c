package generate

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/nanobox/internal/llm"
	"github.com/michaelbrown/nanobox/internal/sandbox"
)

type scriptedClient struct {
	mu       sync.Mutex
	replies  []string
	err      error
	requests [][]llm.Message
}

func (c *scriptedClient) ChatCompletion(_ context.Context, messages []llm.Message) (*llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, append([]llm.Message(nil), messages...))
	if c.err != nil {
		return nil, c.err
	}
	reply := c.replies[0]
	if len(c.replies) > 1 {
		c.replies = c.replies[1:]
	}
	return &llm.Response{Message: llm.AssistantMessage(reply)}, nil
}

func (c *scriptedClient) ChatCompletionStream(ctx context.Context, messages []llm.Message, handler llm.StreamHandler) (*llm.Response, error) {
	resp, err := c.ChatCompletion(ctx, messages)
	if err == nil {
		handler(resp.Message.Content)
	}
	return resp, err
}

// fakeRunner fails any script containing "throw".
type fakeRunner struct {
	scripts []string
}

func (r *fakeRunner) Run(_ context.Context, ref string, _ ...sandbox.RunOption) sandbox.WorkloadResult {
	data, _ := os.ReadFile(ref)
	r.scripts = append(r.scripts, string(data))
	res := sandbox.WorkloadResult{RunID: "run", Workload: ref, State: sandbox.StateCompleted}
	if strings.Contains(string(data), "throw") {
		res.State = sandbox.StateFaulted
		res.Err = &sandbox.RunError{Kind: sandbox.ErrorFault, Message: "Error: bad at line 1"}
		res.Output.Stderr = "Error: bad"
	}
	return res
}

func TestExtractCode(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{"plain", "console.log(1)\n", "console.log(1)"},
		{"javascript fence", "```javascript\nconsole.log(1)\n```", "console.log(1)"},
		{"js fence with prose", "Here you go:\n```js\nlet x = 2;\nconsole.log(x)\n```\nEnjoy!", "let x = 2;\nconsole.log(x)"},
		{"bare fence", "```\nconsole.log(3)\n```", "console.log(3)"},
		{"first block wins", "```js\na()\n```\n```js\nb()\n```", "a()"},
		{"unterminated fence", "```js\nconsole.log(4)", "js\nconsole.log(4)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractCode(tt.reply))
		})
	}
}

func TestGenerateSucceedsFirstTry(t *testing.T) {
	client := &scriptedClient{replies: []string{"```js\nconsole.log('ok')\n```"}}
	runner := &fakeRunner{}
	dir := t.TempDir()
	g := New(client, runner, Options{Dir: dir, MaxAttempts: 3})

	out, err := g.Generate(context.Background(), Prompts[0])
	require.NoError(t, err)
	assert.True(t, out.Success())
	require.Len(t, out.Attempts, 1)
	assert.Equal(t, "console.log('ok')", out.Last().Code)
	assert.Equal(t, []string{"console.log('ok')"}, runner.scripts)

	require.Len(t, client.requests, 1)
	assert.Equal(t, llm.RoleSystem, client.requests[0][0].Role)
	assert.Contains(t, client.requests[0][1].Content, "Requirements:")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "generated scripts should be removed")
}

func TestGenerateFeedsErrorBack(t *testing.T) {
	client := &scriptedClient{replies: []string{"throw new Error('bad')", "console.log('fixed')"}}
	g := New(client, &fakeRunner{}, Options{Dir: t.TempDir(), MaxAttempts: 3})

	out, err := g.Generate(context.Background(), "do something")
	require.NoError(t, err)
	assert.True(t, out.Success())
	require.Len(t, out.Attempts, 2)
	assert.False(t, out.Attempts[0].Result.Success())

	require.Len(t, client.requests, 2)
	second := client.requests[1]
	require.Len(t, second, 4)
	assert.Equal(t, llm.RoleAssistant, second[2].Role)
	assert.Contains(t, second[3].Content, "Error: bad at line 1")
	assert.Contains(t, second[3].Content, "stderr:")
}

func TestGenerateGivesUp(t *testing.T) {
	client := &scriptedClient{replies: []string{"throw 1"}}
	g := New(client, &fakeRunner{}, Options{Dir: t.TempDir(), MaxAttempts: 2})

	out, err := g.Generate(context.Background(), "p")
	require.NoError(t, err)
	assert.False(t, out.Success())
	assert.Len(t, out.Attempts, 2)
}

func TestGenerateClientError(t *testing.T) {
	client := &scriptedClient{err: errors.New("connection refused")}
	g := New(client, &fakeRunner{}, Options{Dir: t.TempDir()})

	_, err := g.Generate(context.Background(), "p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestGenerateEmptyReply(t *testing.T) {
	client := &scriptedClient{replies: []string{"```\n```"}}
	g := New(client, &fakeRunner{}, Options{Dir: t.TempDir()})

	_, err := g.Generate(context.Background(), "p")
	require.Error(t, err)
}

func TestGenerateStreamsDeltas(t *testing.T) {
	client := &scriptedClient{replies: []string{"console.log(1)"}}
	var streamed strings.Builder
	g := New(client, &fakeRunner{}, Options{Dir: t.TempDir(), OnDelta: func(d string) { streamed.WriteString(d) }})

	_, err := g.Generate(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)", streamed.String())
}

func TestGenerateRunsInRealSandbox(t *testing.T) {
	cfg := sandbox.DefaultConfig()
	cfg.LogDir, cfg.TmpDir, cfg.CacheDir = t.TempDir(), t.TempDir(), t.TempDir()
	sb, err := sandbox.New(cfg)
	require.NoError(t, err)

	client := &scriptedClient{replies: []string{"```javascript\nlet s = 0; for (let i = 1; i <= 10; i++) s += i*i; console.log(s)\n```"}}
	g := New(client, sb, Options{Dir: t.TempDir()})

	out, err := g.Generate(context.Background(), Prompts[5])
	require.NoError(t, err)
	require.True(t, out.Success(), out.Last().Result.ErrorMessage())
	assert.Equal(t, "385\n", out.Last().Result.Output.Stdout)
}

func TestRandomPrompt(t *testing.T) {
	assert.Contains(t, Prompts, RandomPrompt())
}
