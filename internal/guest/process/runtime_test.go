package process

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/nanobox/internal/cache"
	"github.com/michaelbrown/nanobox/internal/guest"
)

type fakeHost struct {
	scratch string
	limits  guest.Limits

	mu     sync.Mutex
	stdout bytes.Buffer
	stderr bytes.Buffer
}

func newFakeHost(t *testing.T) *fakeHost {
	t.Helper()
	return &fakeHost{scratch: t.TempDir()}
}

func (h *fakeHost) ID() string                                { return "test-run" }
func (h *fakeHost) Check(context.Context, guest.Action) error { return nil }
func (h *fakeHost) Limits() guest.Limits                      { return h.limits }
func (h *fakeHost) Grants() guest.Grants                      { return guest.Grants{Write: []string{h.scratch}} }
func (h *fakeHost) Env() []string                             { return []string{"NANOBOX_TEST=1"} }
func (h *fakeHost) ScratchDir() string                        { return h.scratch }
func (h *fakeHost) Stdout() io.Writer                         { return &lockedWriter{mu: &h.mu, buf: &h.stdout} }
func (h *fakeHost) Stderr() io.Writer                         { return &lockedWriter{mu: &h.mu, buf: &h.stderr} }

func (h *fakeHost) out() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stdout.String()
}

type lockedWriter struct {
	mu  *sync.Mutex
	buf *bytes.Buffer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func requireTool(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not installed", name)
	}
}

func writeWorkload(t *testing.T, name, src string, kind guest.Kind) guest.Workload {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return guest.Workload{Ref: path, Path: path, Kind: kind, Size: int64(len(src))}
}

// plainRuntime runs guests without the helper or namespaces so tests
// behave the same on hosts without unprivileged user namespaces.
func plainRuntime(t *testing.T, c *cache.Cache) *Runtime {
	t.Helper()
	return New(Config{AllowUnconfined: true}, c, nil)
}

func TestPythonHello(t *testing.T) {
	requireTool(t, "python3")
	h := newFakeHost(t)
	w := writeWorkload(t, "hello.py", "import os\nprint('hello', os.environ.get('NANOBOX_TEST'))\n", guest.KindPython)

	exit, err := plainRuntime(t, nil).Execute(context.Background(), w, h)
	require.NoError(t, err)
	assert.Equal(t, 0, exit.Code)
	assert.True(t, exit.Unconfined)
	assert.Equal(t, "hello 1\n", h.out())
}

func TestRefusesGuestWithoutConfinement(t *testing.T) {
	r := New(Config{Namespaces: true}, nil, nil)
	_, reason := r.isolation()
	require.NotEmpty(t, reason, "no helper is configured")

	h := newFakeHost(t)
	secret := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("s3cret"), 0o600))
	w := writeWorkload(t, "leak.py", "print(open('"+secret+"').read())\n", guest.KindPython)

	_, err := r.Execute(context.Background(), w, h)
	var fault *guest.Fault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, reason, fault.Description)
	assert.Empty(t, h.out())
}

func TestPythonExitStatus(t *testing.T) {
	requireTool(t, "python3")
	h := newFakeHost(t)
	w := writeWorkload(t, "exit.py", "import sys\nsys.exit(3)\n", guest.KindPython)

	exit, err := plainRuntime(t, nil).Execute(context.Background(), w, h)
	require.NoError(t, err)
	assert.Equal(t, 3, exit.Code)
}

func TestPythonRunsInScratchDir(t *testing.T) {
	requireTool(t, "python3")
	h := newFakeHost(t)
	w := writeWorkload(t, "cwd.py", "import os\nprint(os.getcwd())\n", guest.KindPython)

	_, err := plainRuntime(t, nil).Execute(context.Background(), w, h)
	require.NoError(t, err)

	want, err := filepath.EvalSymlinks(h.scratch)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(strings.TrimSpace(h.out()))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestCancelInterruptsGuest(t *testing.T) {
	requireTool(t, "python3")
	h := newFakeHost(t)
	w := writeWorkload(t, "spin.py", "while True:\n    pass\n", guest.KindPython)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := plainRuntime(t, nil).Execute(ctx, w, h)
	assert.ErrorIs(t, err, guest.ErrInterrupted)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCrashReportsSegfault(t *testing.T) {
	requireTool(t, "cc")
	h := newFakeHost(t)
	src := "int main(void) {\n    volatile int *p = 0;\n    *p = 42;\n    return 0;\n}\n"
	w := writeWorkload(t, "crash.c", src, guest.KindC)

	_, err := plainRuntime(t, nil).Execute(context.Background(), w, h)
	require.Error(t, err)

	var fault *guest.Fault
	require.True(t, errors.As(err, &fault))
	assert.Contains(t, fault.Description, "segmentation fault")
}

func TestCompileFailure(t *testing.T) {
	requireTool(t, "cc")
	h := newFakeHost(t)
	w := writeWorkload(t, "broken.c", "int main(void) { return nope; }\n", guest.KindC)

	_, err := plainRuntime(t, nil).Execute(context.Background(), w, h)

	var fault *guest.Fault
	require.True(t, errors.As(err, &fault))
	assert.True(t, strings.HasPrefix(fault.Description, "compilation failed: "), fault.Description)
}

func TestCompiledArtifactIsCached(t *testing.T) {
	requireTool(t, "cc")
	c, err := cache.New(t.TempDir())
	require.NoError(t, err)
	rt := plainRuntime(t, c)
	w := writeWorkload(t, "hi.c", "#include <stdio.h>\nint main(void) { puts(\"hi\"); return 0; }\n", guest.KindC)

	first := newFakeHost(t)
	_, err = rt.Execute(context.Background(), w, first)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", first.out())

	second := newFakeHost(t)
	_, err = rt.Execute(context.Background(), w, second)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", second.out())

	_, statErr := os.Stat(filepath.Join(second.scratch, "a.out"))
	assert.True(t, os.IsNotExist(statErr), "second run should not recompile")

	stats, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Entries)
}

func TestNativeCopiedWhenNotExecutable(t *testing.T) {
	src := filepath.Join(t.TempDir(), "tool.elf")
	require.NoError(t, os.WriteFile(src, []byte("\x7fELF"), 0o644))
	scratch := t.TempDir()

	path, err := executable(src, scratch)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(scratch, "tool.elf"), path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode().Perm()&0o100)
}

func TestUnsupportedKind(t *testing.T) {
	h := newFakeHost(t)
	_, err := plainRuntime(t, nil).Execute(context.Background(), guest.Workload{Kind: guest.KindJavaScript}, h)

	var fault *guest.Fault
	require.True(t, errors.As(err, &fault))
	assert.Contains(t, fault.Description, "no process runtime")
}

func TestDecodeRequest(t *testing.T) {
	req := InitRequest{Argv: []string{"/bin/true"}, Dir: "/tmp", Rlimits: Rlimits{CPUSeconds: 2}}
	got, err := DecodeRequest(jsonToPipe(req))
	require.NoError(t, err)
	assert.Equal(t, req.Argv, got.Argv)
	assert.Equal(t, uint64(2), got.Rlimits.CPUSeconds)

	_, err = DecodeRequest(strings.NewReader(`{"dir":"/tmp"}`))
	assert.ErrorContains(t, err, "argv is required")

	_, err = DecodeRequest(strings.NewReader(`{"argv":["x"]}`))
	assert.ErrorContains(t, err, "dir is required")
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "a.c:1: error", firstLine("\n a.c:1: error\nmore\n"))
	assert.Equal(t, "compiler reported no diagnostics", firstLine("  "))
}
