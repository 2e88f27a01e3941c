package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/nanobox/internal/guest"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.LogDir = t.TempDir()
	cfg.TmpDir = t.TempDir()
	cfg.CacheDir = t.TempDir()
	cfg.Runtimes.Helper = ""
	cfg.Runtimes.Namespaces = false
	cfg.Runtimes.AllowUnconfined = true
	cfg.Runtimes.Seccomp = false
	return cfg
}

func newTestSandbox(t *testing.T, cfg Config, opts ...Option) *Sandbox {
	t.Helper()
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	return s
}

type memoryRecorder struct {
	mu      sync.Mutex
	results []WorkloadResult
}

func (r *memoryRecorder) Record(_ context.Context, res WorkloadResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return nil
}

func TestRunHelloJS(t *testing.T) {
	cfg := testConfig(t)
	s := newTestSandbox(t, cfg)
	path := writeFile(t, t.TempDir(), "hello.js", `console.log("Hello from sandbox")`)

	res := s.Run(context.Background(), path)
	require.True(t, res.Success(), res.ErrorMessage())
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, guest.KindJavaScript, res.Kind)
	assert.Equal(t, "Hello from sandbox\n", res.Output.Stdout)
	assert.NotEmpty(t, res.RunID)

	b := res.Binding()
	assert.True(t, b.Success)
	assert.Nil(t, b.Error)

	console, err := os.ReadFile(filepath.Join(cfg.LogDir, res.RunID+".console.log"))
	require.NoError(t, err)
	assert.Equal(t, "Hello from sandbox\n", string(console))

	entries, err := os.ReadDir(cfg.TmpDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch dir should be reclaimed")
}

func TestRunMissingWorkload(t *testing.T) {
	obs := &countingObserver{}
	rec := &memoryRecorder{}
	s := newTestSandbox(t, testConfig(t), WithObserver(obs), WithRecorder(rec))

	res := s.Run(context.Background(), filepath.Join(t.TempDir(), "missing.js"))
	assert.False(t, res.Success())
	assert.Equal(t, ErrorLoad, res.Err.Kind)
	assert.Contains(t, res.ErrorMessage(), "not found")

	b := res.Binding()
	assert.False(t, b.Success)
	require.NotNil(t, b.Error)
	assert.Contains(t, *b.Error, "not found")

	assert.Equal(t, []LoadErrorKind{NotFound}, obs.loadFailed)
	assert.Empty(t, obs.started)
	require.Len(t, rec.results, 1)
	assert.Equal(t, res.RunID, rec.results[0].RunID)
}

func TestRunUnsupportedKind(t *testing.T) {
	s := newTestSandbox(t, testConfig(t))
	res := s.Run(context.Background(), writeFile(t, t.TempDir(), "data.bin", "xx"))
	assert.Equal(t, "unsupported workload kind", res.ErrorMessage())
}

func TestRunInfiniteLoopTimesOut(t *testing.T) {
	cfg := testConfig(t)
	cfg.WallClockTimeout = 200 * time.Millisecond
	s := newTestSandbox(t, cfg)
	path := writeFile(t, t.TempDir(), "infinite_loop.js", `while (true) {}`)

	start := time.Now()
	res := s.Run(context.Background(), path)
	assert.False(t, res.Success())
	assert.Equal(t, StateTimedOut, res.State)
	assert.Contains(t, res.ErrorMessage(), "timeout exceeded")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRunUncaughtException(t *testing.T) {
	s := newTestSandbox(t, testConfig(t))
	res := s.Run(context.Background(), writeFile(t, t.TempDir(), "throw.js", `throw new Error("kaput")`))
	assert.Equal(t, StateFaulted, res.State)
	assert.Contains(t, res.ErrorMessage(), "kaput")
	assert.Contains(t, res.Output.Stderr, "kaput")
}

func TestRunCancelled(t *testing.T) {
	s := newTestSandbox(t, testConfig(t))
	path := writeFile(t, t.TempDir(), "spin.js", `for (;;) {}`)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	res := s.Run(ctx, path)
	assert.Equal(t, ErrorCancelled, res.Err.Kind)
	assert.Equal(t, "cancelled", res.ErrorMessage())
}

func TestRunConcurrently(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConcurrent = 3
	obs := &countingObserver{}
	s := newTestSandbox(t, cfg, WithObserver(obs))
	dir := t.TempDir()

	const n = 10
	results := make([]WorkloadResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		path := writeFile(t, dir, fmt.Sprintf("job%d.js", i), fmt.Sprintf("console.log(%d * 2)", i))
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.Run(context.Background(), path)
		}(i)
	}
	wg.Wait()

	ids := make(map[string]bool)
	for i, res := range results {
		require.True(t, res.Success(), res.ErrorMessage())
		assert.Equal(t, fmt.Sprintf("%d\n", i*2), res.Output.Stdout)
		ids[res.RunID] = true
	}
	assert.Len(t, ids, n)
	assert.Len(t, obs.finished, n)
}

func TestRunDeniedFileAccess(t *testing.T) {
	secret := writeFile(t, t.TempDir(), "secret.txt", "s3cret")
	src := fmt.Sprintf(`
try {
	fs.readFile(%q)
	console.log("leaked")
} catch (e) {
	console.log(e.name)
}`, secret)

	obs := &countingObserver{}
	s := newTestSandbox(t, testConfig(t), WithObserver(obs))
	res := s.Run(context.Background(), writeFile(t, t.TempDir(), "peek.js", src))
	require.True(t, res.Success(), res.ErrorMessage())
	assert.Equal(t, "PermissionError\n", res.Output.Stdout)
	assert.Equal(t, int64(1), res.Usage.Denials)
	require.Len(t, obs.denied, 1)
	assert.Equal(t, secret, obs.denied[0].Target)

	allowAll := newTestSandbox(t, testConfig(t), WithInterceptor(func(_ string, a Action, d Decision) Decision {
		if a.Target == secret {
			return Decision{Allowed: true}
		}
		return d
	}))
	res = allowAll.Run(context.Background(), writeFile(t, t.TempDir(), "peek.js", strings.Replace(src, `console.log("leaked")`, `console.log("read")`, 1)))
	require.True(t, res.Success(), res.ErrorMessage())
	assert.Equal(t, "read\n", res.Output.Stdout)
}

func TestRunStreamsOutput(t *testing.T) {
	s := newTestSandbox(t, testConfig(t))
	var mu sync.Mutex
	var chunks []Chunk

	res := s.Run(context.Background(), writeFile(t, t.TempDir(), "out.js", `console.log("a"); console.error("b")`),
		WithRunID("fixed-id"),
		WithStream(func(c Chunk) {
			mu.Lock()
			defer mu.Unlock()
			chunks = append(chunks, c)
		}),
	)
	require.True(t, res.Success())
	assert.Equal(t, "fixed-id", res.RunID)
	assert.Equal(t, []Chunk{{Stream: "stdout", Data: "a\n"}, {Stream: "stderr", Data: "b\n"}}, chunks)
}

func TestRunCustomRuntime(t *testing.T) {
	crash := funcExecutor(func(context.Context, guest.Workload, guest.Host) (guest.Exit, error) {
		return guest.Exit{}, &guest.Fault{Description: "segmentation fault (SIGSEGV)", Signal: 11}
	})
	s := newTestSandbox(t, testConfig(t), WithRuntime(guest.KindC, crash))

	res := s.Run(context.Background(), writeFile(t, t.TempDir(), "crash.c", "int main(void){return 0;}"))
	assert.Equal(t, StateFaulted, res.State)
	assert.Equal(t, "segmentation fault (SIGSEGV)", res.ErrorMessage())
}

func TestRunCrashC(t *testing.T) {
	if _, err := exec.LookPath("cc"); err != nil {
		t.Skip("cc not installed")
	}
	s := newTestSandbox(t, testConfig(t))
	src := "#include <stdio.h>\nint main(void) {\n    int *p = NULL;\n    *(volatile int *)p = 1;\n    return 0;\n}\n"

	res := s.Run(context.Background(), writeFile(t, t.TempDir(), "crash.c", src))
	assert.False(t, res.Success())
	assert.Equal(t, StateFaulted, res.State)
	assert.Contains(t, res.ErrorMessage(), "segmentation fault")
}

func TestRunRecordsEveryResult(t *testing.T) {
	rec := &memoryRecorder{}
	s := newTestSandbox(t, testConfig(t), WithRecorder(rec))
	dir := t.TempDir()

	s.Run(context.Background(), writeFile(t, dir, "ok.js", `1 + 1`))
	s.Run(context.Background(), filepath.Join(dir, "nope.js"))

	require.Len(t, rec.results, 2)
	assert.True(t, rec.results[0].Success())
	assert.False(t, rec.results[1].Success())
}

func TestKindsAndClearCache(t *testing.T) {
	s := newTestSandbox(t, testConfig(t))
	assert.Equal(t, []Kind{guest.KindC, guest.KindCPP, guest.KindJavaScript, guest.KindNative, guest.KindPython}, s.Kinds())

	_, err := s.Cache().Store("k", strings.NewReader("bin"))
	require.NoError(t, err)
	require.NoError(t, s.ClearCache())
	assert.False(t, s.Cache().IsCached("k"))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.WallClockTimeout = 0
	_, err := New(cfg)
	assert.ErrorContains(t, err, "invalid sandbox config")
}
