package js

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/nanobox/internal/guest"
)

// fakeHost allows everything except what deny rejects.
type fakeHost struct {
	scratch string
	limits  guest.Limits
	deny    func(guest.Action) *guest.Violation
	env     []string

	mu      sync.Mutex
	stdout  bytes.Buffer
	stderr  bytes.Buffer
	actions []guest.Action
}

func newFakeHost(t *testing.T) *fakeHost {
	t.Helper()
	return &fakeHost{scratch: t.TempDir()}
}

func (h *fakeHost) ID() string { return "test-run" }

func (h *fakeHost) Check(_ context.Context, a guest.Action) error {
	h.mu.Lock()
	h.actions = append(h.actions, a)
	h.mu.Unlock()
	if h.deny != nil {
		if v := h.deny(a); v != nil {
			return v
		}
	}
	return nil
}

func (h *fakeHost) Limits() guest.Limits { return h.limits }
func (h *fakeHost) Grants() guest.Grants { return guest.Grants{} }
func (h *fakeHost) Env() []string        { return h.env }
func (h *fakeHost) ScratchDir() string   { return h.scratch }
func (h *fakeHost) Stdout() io.Writer    { return &lockedWriter{mu: &h.mu, buf: &h.stdout} }
func (h *fakeHost) Stderr() io.Writer    { return &lockedWriter{mu: &h.mu, buf: &h.stderr} }

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

func writeScript(t *testing.T, src string) guest.Workload {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.js")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return guest.Workload{Ref: path, Path: path, Kind: guest.KindJavaScript}
}

func execute(t *testing.T, h *fakeHost, src string) (guest.Exit, error) {
	t.Helper()
	return New(Options{}).Execute(context.Background(), writeScript(t, src), h)
}

func TestExecuteHello(t *testing.T) {
	h := newFakeHost(t)
	exit, err := execute(t, h, `console.log("hello", "world")`)
	require.NoError(t, err)
	assert.Equal(t, 0, exit.Code)
	assert.Equal(t, "hello world\n", h.out())
}

func TestExecuteUncaughtException(t *testing.T) {
	h := newFakeHost(t)
	_, err := execute(t, h, `throw new Error("boom")`)

	var fault *guest.Fault
	require.ErrorAs(t, err, &fault)
	assert.Contains(t, fault.Description, "uncaught exception")
	assert.Contains(t, fault.Description, "boom")
}

func TestExecuteSyntaxError(t *testing.T) {
	h := newFakeHost(t)
	_, err := execute(t, h, `function (`)

	var fault *guest.Fault
	require.ErrorAs(t, err, &fault)
	assert.Contains(t, fault.Description, "syntax error")
}

func TestExecuteExitCode(t *testing.T) {
	h := newFakeHost(t)
	exit, err := execute(t, h, `console.log("bye"); os.exit(3); console.log("unreachable")`)
	require.NoError(t, err)
	assert.Equal(t, 3, exit.Code)
	assert.Equal(t, "bye\n", h.out())
}

func TestExecuteExitAsLastStatement(t *testing.T) {
	h := newFakeHost(t)
	exit, err := execute(t, h, `os.exit(7)`)
	require.NoError(t, err)
	assert.Equal(t, 7, exit.Code)
}

func TestExecuteInterruptedOnCancel(t *testing.T) {
	h := newFakeHost(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	_, err := New(Options{}).Execute(ctx, writeScript(t, `while (true) {}`), h)
	assert.ErrorIs(t, err, guest.ErrInterrupted)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestExecuteCPULimit(t *testing.T) {
	h := newFakeHost(t)
	h.limits.CPUTime = 100 * time.Millisecond

	exit, err := execute(t, h, `for (;;) {}`)
	require.NoError(t, err)
	assert.True(t, exit.CPUExceeded)
}

func TestExecuteMemoryCeiling(t *testing.T) {
	h := newFakeHost(t)
	h.limits.Memory = 1 << 20

	_, err := execute(t, h, `
const held = [];
for (let i = 0; i < 64; i++) {
	held.push(String.fromCharCode(65 + i).repeat(1 << 20));
}
console.log("done");
`)
	var fault *guest.Fault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "out of memory", fault.Description)
	assert.NotContains(t, h.out(), "done")
}

func TestExecuteMemoryCeilingIgnoresGarbage(t *testing.T) {
	h := newFakeHost(t)
	h.limits.Memory = 16 << 20

	_, err := execute(t, h, `
let n = 0;
for (let i = 0; i < 64; i++) {
	n += "y".repeat(1 << 20).length;
}
console.log(n);
`)
	require.NoError(t, err)
	assert.Equal(t, "67108864\n", h.out())
}

func TestHeapGuardDisabledWithoutLimit(t *testing.T) {
	g := newHeapGuard(0)
	held := make([]byte, 8<<20)
	assert.False(t, g.exceeded(true))
	runtime.KeepAlive(held)
}

func TestExecuteStackOverflow(t *testing.T) {
	h := newFakeHost(t)
	_, err := execute(t, h, `function f() { return f() + 1 } f()`)

	var fault *guest.Fault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "stack overflow", fault.Description)
}

func TestDeniedActionIsCatchable(t *testing.T) {
	h := newFakeHost(t)
	h.deny = func(a guest.Action) *guest.Violation {
		if a.Kind == guest.ActionFileRead && a.Target == "/etc/passwd" {
			return &guest.Violation{Action: a, Reason: "outside allow-list"}
		}
		return nil
	}

	exit, err := execute(t, h, `
try {
	fs.readFile("/etc/passwd")
	console.log("read")
} catch (e) {
	console.log(e.name)
}`)
	require.NoError(t, err)
	assert.Equal(t, 0, exit.Code)
	assert.Equal(t, "PermissionError\n", h.out())
}

func TestFatalViolationEndsRun(t *testing.T) {
	h := newFakeHost(t)
	require.NoError(t, os.WriteFile(filepath.Join(h.scratch, "big.txt"), bytes.Repeat([]byte("x"), 4096), 0o644))
	h.deny = func(a guest.Action) *guest.Violation {
		if a.Kind == guest.ActionMemAlloc && a.Size > 1024 {
			return &guest.Violation{Action: a, Reason: "memory ceiling exceeded", Fatal: true}
		}
		return nil
	}

	_, err := execute(t, h, `
try { fs.readFile("big.txt") } catch (e) { console.log("caught") }
`)
	var v *guest.Violation
	require.ErrorAs(t, err, &v)
	assert.True(t, v.Fatal)
}

func TestScratchFileRoundTrip(t *testing.T) {
	h := newFakeHost(t)
	_, err := execute(t, h, `
fs.writeFile("note.txt", "kept")
console.log(fs.exists("note.txt"), fs.readFile("note.txt"))
`)
	require.NoError(t, err)
	assert.Equal(t, "true kept\n", h.out())

	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.actions)
	assert.Equal(t, guest.ActionMemAlloc, h.actions[0].Kind, "script source is charged first")
}

func TestAmbientGlobalsRemoved(t *testing.T) {
	h := newFakeHost(t)
	_, err := execute(t, h, `console.log(typeof require, typeof process)`)
	require.NoError(t, err)
	assert.Equal(t, "undefined undefined\n", h.out())
}

func TestGetenvOnlySeesAllowedVars(t *testing.T) {
	h := newFakeHost(t)
	h.env = []string{"LANG=C"}
	_, err := execute(t, h, `console.log(os.getenv("LANG"), os.getenv("HOME"))`)
	require.NoError(t, err)
	assert.Equal(t, "C undefined\n", h.out())
}

func TestSetTimeoutOrdering(t *testing.T) {
	h := newFakeHost(t)
	_, err := execute(t, h, `
setTimeout(() => console.log("late"), 50)
setTimeout((x) => console.log("early", x), 0, 1)
console.log("sync")
`)
	require.NoError(t, err)
	assert.Equal(t, "sync\nearly 1\nlate\n", h.out())
}

func TestTranslateUnknownError(t *testing.T) {
	s := &session{host: newFakeHost(t)}
	_, err := s.translate(guest.Exit{}, errors.New("weird"))

	var fault *guest.Fault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "weird", fault.Description)
}
