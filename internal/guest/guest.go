// Package guest defines the contract between the sandbox core and the
// runtimes that actually execute guest workloads.
package guest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Kind identifies which guest runtime executes a workload.
type Kind string

const (
	KindJavaScript Kind = "javascript"
	KindPython     Kind = "python"
	KindNative     Kind = "native"
	KindC          Kind = "c"
	KindCPP        Kind = "cpp"
)

// Interpreter returns the name of the program that hosts the kind,
// or "" for workloads that run directly.
func (k Kind) Interpreter() string {
	switch k {
	case KindJavaScript:
		return "qjs"
	case KindPython:
		return "python3"
	case KindC:
		return "cc"
	case KindCPP:
		return "c++"
	default:
		return ""
	}
}

// Compiled reports whether the kind must be built before it can run.
func (k Kind) Compiled() bool {
	return k == KindC || k == KindCPP
}

// Workload is a resolved, loadable guest program.
type Workload struct {
	Ref  string `json:"ref"`
	Path string `json:"path"`
	Kind Kind   `json:"kind"`
	Size int64  `json:"size"`
}

// ActionKind names a privileged operation a guest can attempt.
type ActionKind string

const (
	ActionFileRead     ActionKind = "file-read"
	ActionFileWrite    ActionKind = "file-write"
	ActionNetConnect   ActionKind = "net-connect"
	ActionMemAlloc     ActionKind = "mem-alloc"
	ActionProcessSpawn ActionKind = "process-spawn"
)

// Action is a single privileged request. Target is a path for file
// actions and a host (optionally host:port) for network actions. Size is
// a byte count for writes and allocations.
type Action struct {
	Kind   ActionKind `json:"kind"`
	Target string     `json:"target,omitempty"`
	Size   int64      `json:"size,omitempty"`
}

func (a Action) String() string {
	switch {
	case a.Target != "":
		return fmt.Sprintf("%s %s", a.Kind, a.Target)
	case a.Size > 0:
		return fmt.Sprintf("%s %d bytes", a.Kind, a.Size)
	default:
		return string(a.Kind)
	}
}

// Limits are the per-run resource ceilings. Zero means unlimited.
type Limits struct {
	Memory       int64
	CPUTime      time.Duration
	MaxOutput    int64
	MaxProcesses int
}

// Grants is the concrete, already expanded set of host resources a
// process guest may see.
type Grants struct {
	Read    []string
	Write   []string
	Network bool
	Hosts   []string
}

// Host is a guest runtime's view of the execution context it runs in.
// Every privileged action must pass Check before it is performed.
type Host interface {
	ID() string
	Check(ctx context.Context, a Action) error
	Limits() Limits
	Grants() Grants
	Env() []string
	ScratchDir() string
	Stdout() io.Writer
	Stderr() io.Writer
}

// Exit is what a runtime reports when a guest stops on its own.
// Unconfined marks a guest that ran without filesystem confinement.
type Exit struct {
	Code        int
	CPUTime     time.Duration
	PeakMemory  int64
	CPUExceeded bool
	Unconfined  bool
}

// Executor runs one workload to completion. Implementations must return
// promptly once ctx is done, reporting ErrInterrupted.
type Executor interface {
	Execute(ctx context.Context, w Workload, h Host) (Exit, error)
}

// ErrInterrupted is returned by an Executor that stopped because its
// context was cancelled.
var ErrInterrupted = errors.New("guest interrupted")

// Fault is an unrecoverable guest-side failure.
type Fault struct {
	Description string
	Signal      int
	ExitCode    int
}

func (f *Fault) Error() string {
	return f.Description
}

// Violation is a Check failure. Fatal violations end the run.
type Violation struct {
	Action Action
	Reason string
	Fatal  bool
}

func (v *Violation) Error() string {
	if v.Reason == "" {
		return fmt.Sprintf("permission denied: %s", v.Action)
	}
	return fmt.Sprintf("permission denied: %s (%s)", v.Action, v.Reason)
}
