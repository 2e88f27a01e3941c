package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/michaelbrown/nanobox/internal/guest"
)

// State is the lifecycle position of an ExecutionContext.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateCompleted
	StateFaulted
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFaulted:
		return "faulted"
	case StateTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateCreated; st <= StateTimedOut; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// Usage is a snapshot of one run's resource counters.
type Usage struct {
	Memory      int64         `json:"memory_bytes"`
	PeakMemory  int64         `json:"peak_memory_bytes"`
	OutputBytes int64         `json:"output_bytes"`
	Denials     int64         `json:"denials"`
	CPUTime     time.Duration `json:"cpu_time"`
	WallTime    time.Duration `json:"wall_time"`
}

// Chunk is a piece of guest output delivered while a run is in flight.
type Chunk struct {
	Stream string `json:"stream"`
	Data   string `json:"data"`
}

// ExecutionContext is one isolated run. It implements guest.Host for the
// runtime executing the workload; the Supervisor owns its lifecycle.
type ExecutionContext struct {
	id        string
	workload  LoadedWorkload
	policy    *Policy
	limits    guest.Limits
	env       []string
	logger    *zap.Logger
	observer  Observer
	intercept Interceptor

	state atomic.Int32

	mu        sync.Mutex
	startedAt time.Time
	endedAt   time.Time
	cause     error
	exit      guest.Exit

	memory  atomic.Int64
	peak    atomic.Int64
	denials atomic.Int64

	scratch string
	console *os.File
	stdout  *capture
	stderr  *capture

	cancel      context.CancelFunc
	reclaimOnce sync.Once
	reclaims    atomic.Int32
}

type contextParams struct {
	id        string
	workload  LoadedWorkload
	policy    *Policy
	limits    guest.Limits
	env       []string
	logDir    string
	tmpDir    string
	logger    *zap.Logger
	observer  Observer
	intercept Interceptor
	stream    func(Chunk)
}

func newExecutionContext(p contextParams) (*ExecutionContext, error) {
	scratch := filepath.Join(p.tmpDir, "run-"+p.id)
	if err := os.MkdirAll(scratch, 0o700); err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}
	if real, err := filepath.EvalSymlinks(scratch); err == nil {
		scratch = real
	}
	if err := os.MkdirAll(p.logDir, 0o755); err != nil {
		os.RemoveAll(scratch)
		return nil, fmt.Errorf("creating log dir: %w", err)
	}
	console, err := os.OpenFile(filepath.Join(p.logDir, p.id+".console.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		os.RemoveAll(scratch)
		return nil, fmt.Errorf("opening console log: %w", err)
	}

	ec := &ExecutionContext{
		id:        p.id,
		workload:  p.workload,
		policy:    p.policy,
		limits:    p.limits,
		env:       p.env,
		logger:    p.logger.With(zap.String("run_id", p.id)),
		observer:  p.observer,
		intercept: p.intercept,
		scratch:   scratch,
		console:   console,
		cancel:    func() {},
	}
	ec.stdout = newCapture("stdout", p.limits.MaxOutput, console, p.stream, ec.logger)
	ec.stderr = newCapture("stderr", p.limits.MaxOutput, console, p.stream, ec.logger)
	return ec, nil
}

// ID returns the unique run id.
func (ec *ExecutionContext) ID() string { return ec.id }

// Workload returns the workload this context executes.
func (ec *ExecutionContext) Workload() LoadedWorkload { return ec.workload }

// State returns the current lifecycle state.
func (ec *ExecutionContext) State() State { return State(ec.state.Load()) }

// Limits returns the per-run resource ceilings.
func (ec *ExecutionContext) Limits() guest.Limits { return ec.limits }

// Env returns the KEY=VALUE pairs visible to the guest.
func (ec *ExecutionContext) Env() []string { return ec.env }

// ScratchDir is a private read-write directory removed on reclaim.
func (ec *ExecutionContext) ScratchDir() string { return ec.scratch }

func (ec *ExecutionContext) Stdout() io.Writer { return ec.stdout }

func (ec *ExecutionContext) Stderr() io.Writer { return ec.stderr }

// Grants is the policy's allow-list plus the scratch directory.
func (ec *ExecutionContext) Grants() guest.Grants {
	g := ec.policy.Grants()
	g.Write = append(g.Write, ec.scratch)
	return g
}

// Check evaluates a against the policy. Allowed memory actions are
// charged to the run; denials are counted and surface to the guest as a
// *PolicyViolation, fatal for memory.
func (ec *ExecutionContext) Check(ctx context.Context, a Action) error {
	if ec.State() != StateRunning {
		return &PolicyViolation{Action: a, Reason: "context not running", Fatal: true}
	}

	d := ec.evaluate(a)
	if ec.intercept != nil {
		d = ec.intercept(ec.id, a, d)
	}
	if d.Allowed {
		if a.Kind == guest.ActionMemAlloc {
			ec.charge(a.Size)
		}
		return nil
	}

	ec.denials.Add(1)
	ec.observer.PolicyDenied(a)
	ec.logger.Warn("policy denied guest action",
		zap.String("action", string(a.Kind)),
		zap.String("target", a.Target),
		zap.String("reason", d.Reason),
	)
	return &PolicyViolation{Action: a, Reason: d.Reason, Fatal: a.Kind == guest.ActionMemAlloc}
}

func (ec *ExecutionContext) evaluate(a Action) Decision {
	switch a.Kind {
	case guest.ActionFileRead, guest.ActionFileWrite:
		if !filepath.IsAbs(a.Target) {
			return deny("path must be absolute")
		}
		real, err := guest.RealPath(a.Target)
		if err != nil {
			return deny("unresolvable path")
		}
		if withinDir(ec.scratch, real) {
			return allow()
		}
		a.Target = real
	case guest.ActionMemAlloc:
		total := ec.memory.Load() + a.Size
		return ec.policy.Evaluate(Action{Kind: guest.ActionMemAlloc, Size: total})
	}
	return ec.policy.Evaluate(a)
}

func (ec *ExecutionContext) charge(n int64) {
	total := ec.memory.Add(n)
	for {
		peak := ec.peak.Load()
		if total <= peak || ec.peak.CompareAndSwap(peak, total) {
			return
		}
	}
}

// start moves Created to Running.
func (ec *ExecutionContext) start(cancel context.CancelFunc) bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if !ec.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		return false
	}
	ec.cancel = cancel
	ec.startedAt = time.Now()
	return true
}

// finish records a natural end. It loses to a termination that already
// happened and returns false in that case.
func (ec *ExecutionContext) finish(state State, cause error, exit guest.Exit) bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if !ec.state.CompareAndSwap(int32(StateRunning), int32(state)) {
		return false
	}
	ec.endedAt = time.Now()
	ec.cause = cause
	ec.exit = exit
	return true
}

// Terminate forces a running context into TimedOut and stops its guest.
// It is a no-op on a context that is already terminal; the return value
// reports whether this call performed the transition.
func (ec *ExecutionContext) Terminate(cause error) bool {
	ec.mu.Lock()
	if !ec.state.CompareAndSwap(int32(StateRunning), int32(StateTimedOut)) {
		ec.mu.Unlock()
		return false
	}
	ec.endedAt = time.Now()
	ec.cause = cause
	cancel := ec.cancel
	ec.mu.Unlock()

	cancel()
	ec.logger.Info("run terminated", zap.Error(cause))
	return true
}

// Cause returns why the context left Running, nil for Completed.
func (ec *ExecutionContext) Cause() error {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.cause
}

// StartedAt returns when the guest began executing.
func (ec *ExecutionContext) StartedAt() time.Time {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.startedAt
}

// EndedAt returns when the context reached a terminal state.
func (ec *ExecutionContext) EndedAt() time.Time {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.endedAt
}

// Usage returns the current counters.
func (ec *ExecutionContext) Usage() Usage {
	ec.mu.Lock()
	exit := ec.exit
	start, end := ec.startedAt, ec.endedAt
	ec.mu.Unlock()

	u := Usage{
		Memory:      ec.memory.Load(),
		PeakMemory:  ec.peak.Load(),
		OutputBytes: ec.stdout.written() + ec.stderr.written(),
		Denials:     ec.denials.Load(),
		CPUTime:     exit.CPUTime,
	}
	if exit.PeakMemory > u.PeakMemory {
		u.PeakMemory = exit.PeakMemory
	}
	if !start.IsZero() {
		if end.IsZero() {
			end = time.Now()
		}
		u.WallTime = end.Sub(start)
	}
	return u
}

// reclaim releases the scratch dir and console log exactly once.
func (ec *ExecutionContext) reclaim() {
	ec.reclaimOnce.Do(func() {
		ec.reclaims.Add(1)
		// A guest killed after the grace period may still be writing.
		ec.stdout.seal()
		ec.stderr.seal()
		if err := ec.console.Close(); err != nil {
			ec.logger.Warn("closing console log", zap.Error(err))
		}
		if err := os.RemoveAll(ec.scratch); err != nil {
			ec.logger.Warn("removing scratch dir", zap.String("dir", ec.scratch), zap.Error(err))
		}
	})
}

// Reclaimed reports how many times resources were released; always 0 or 1.
func (ec *ExecutionContext) Reclaimed() int {
	return int(ec.reclaims.Load())
}

// capture keeps up to max bytes of a stream in memory, copies everything
// to the console log and forwards chunks to an optional listener. Once
// sealed, console writes are dropped and counted; the first drop and the
// first console error are logged.
type capture struct {
	name      string
	max       int64
	console   io.Writer
	stream    func(Chunk)
	logger    *zap.Logger
	mu        sync.Mutex
	buf       bytes.Buffer
	total     int64
	truncated bool
	sealed    bool
	lost      int64
	failed    bool
}

func newCapture(name string, max int64, console io.Writer, stream func(Chunk), logger *zap.Logger) *capture {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &capture{name: name, max: max, console: console, stream: stream, logger: logger}
}

// seal stops console writes. It returns after any in-flight write.
func (c *capture) seal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sealed = true
}

func (c *capture) toConsole(p []byte) {
	if c.console == nil || len(p) == 0 {
		return
	}
	if c.sealed {
		if c.lost == 0 {
			c.logger.Warn("console log closed, dropping guest output", zap.String("stream", c.name))
		}
		c.lost += int64(len(p))
		return
	}
	if _, err := c.console.Write(p); err != nil {
		c.lost += int64(len(p))
		if !c.failed {
			c.failed = true
			c.logger.Warn("writing console log", zap.String("stream", c.name), zap.Error(err))
		}
	}
}

func (c *capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.total += int64(len(p))
	keep := p
	if c.max > 0 {
		room := c.max - int64(c.buf.Len())
		if room < int64(len(p)) {
			c.truncated = true
			if room < 0 {
				room = 0
			}
			keep = p[:room]
		}
	}
	c.buf.Write(keep)
	c.toConsole(p)
	if c.stream != nil && len(p) > 0 {
		c.stream(Chunk{Stream: c.name, Data: string(p)})
	}
	return len(p), nil
}

func (c *capture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *capture) written() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// dropped is how many bytes never reached the console log.
func (c *capture) dropped() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lost
}

func (c *capture) wasTruncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}
