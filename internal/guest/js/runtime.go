// Package js runs JavaScript guests in-process on a goja VM. The VM has no
// ambient authority: every host capability is a native function that asks
// the execution context for permission first.
package js

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/michaelbrown/nanobox/internal/guest"
)

const defaultMaxCallStackSize = 2048

var (
	errTerminated  = errors.New("execution terminated")
	errCPUExceeded = errors.New("cpu time limit exceeded")
	errOutOfMemory = &guest.Fault{Description: "out of memory"}
)

// exitRequest is the interrupt value os.exit uses to stop the VM.
type exitRequest int

// Options tune the runtime.
type Options struct {
	MaxCallStackSize int
	Logger           *zap.Logger
}

// Runtime is a guest.Executor for JavaScript. Each Execute gets a fresh
// VM, so one Runtime serves any number of concurrent runs.
type Runtime struct {
	opts Options
}

// New creates a JavaScript runtime.
func New(opts Options) *Runtime {
	if opts.MaxCallStackSize <= 0 {
		opts.MaxCallStackSize = defaultMaxCallStackSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Runtime{opts: opts}
}

// Execute compiles and runs the script, then any callbacks it queued with
// setTimeout. The CPU budget is enforced as VM running time.
func (r *Runtime) Execute(ctx context.Context, w guest.Workload, h guest.Host) (guest.Exit, error) {
	src, err := os.ReadFile(w.Path)
	if err != nil {
		return guest.Exit{}, &guest.Fault{Description: "reading script: " + err.Error()}
	}
	if err := h.Check(ctx, guest.Action{Kind: guest.ActionMemAlloc, Size: int64(len(src))}); err != nil {
		return guest.Exit{}, err
	}

	prog, err := goja.Compile(filepath.Base(w.Path), string(src), false)
	if err != nil {
		return guest.Exit{}, &guest.Fault{Description: "syntax error: " + err.Error()}
	}

	vm := goja.New()
	vm.SetMaxCallStackSize(r.opts.MaxCallStackSize)

	s := &session{ctx: ctx, vm: vm, host: h, script: w.Path}
	if err := s.setupGlobals(); err != nil {
		return guest.Exit{}, fmt.Errorf("setting up globals: %w", err)
	}

	heap := newHeapGuard(h.Limits().Memory)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		var cpu <-chan time.Time
		if limit := h.Limits().CPUTime; limit > 0 {
			timer := time.NewTimer(limit)
			defer timer.Stop()
			cpu = timer.C
		}
		var sample <-chan time.Time
		if heap.limit > 0 {
			ticker := time.NewTicker(heapSampleRate)
			defer ticker.Stop()
			sample = ticker.C
		}
		for {
			select {
			case <-ctx.Done():
				vm.Interrupt(errTerminated)
				return
			case <-cpu:
				vm.Interrupt(errCPUExceeded)
				return
			case <-sample:
				if heap.exceeded(false) {
					vm.Interrupt(errOutOfMemory)
					return
				}
			case <-stop:
				return
			}
		}
	}()

	start := time.Now()
	_, err = vm.RunProgram(prog)
	if err == nil && !s.exited && s.fatal == nil {
		err = s.drainTasks()
	}
	// A script that allocates and returns between two samples is still
	// held to the ceiling while the VM keeps its values alive.
	if s.fatal == nil && (err == nil || s.exited) && heap.exceeded(true) {
		s.oom = true
	}
	runtime.KeepAlive(vm)
	exit := guest.Exit{CPUTime: time.Since(start), PeakMemory: heap.Peak()}

	r.opts.Logger.Debug("script finished",
		zap.String("run_id", h.ID()),
		zap.Duration("cpu_time", exit.CPUTime),
		zap.Int("tasks", s.ran),
	)
	return s.translate(exit, err)
}

// translate maps goja's error types to the guest contract.
func (s *session) translate(exit guest.Exit, err error) (guest.Exit, error) {
	// The interrupt raised by os.exit or a fatal denial only fires on the
	// next instruction, so a script that ends right after one still needs
	// it honoured here.
	if s.fatal != nil {
		return exit, s.fatal
	}
	if s.oom {
		return exit, errOutOfMemory
	}
	if s.exited {
		exit.Code = s.exitCode
		return exit, nil
	}
	if err == nil {
		return exit, nil
	}

	var interrupted *goja.InterruptedError
	var overflow *goja.StackOverflowError
	var exc *goja.Exception

	switch {
	case errors.As(err, &interrupted):
		switch v := interrupted.Value().(type) {
		case exitRequest:
			exit.Code = int(v)
			return exit, nil
		case *guest.Violation:
			return exit, v
		case *guest.Fault:
			return exit, v
		case error:
			if errors.Is(v, errCPUExceeded) {
				exit.CPUExceeded = true
				return exit, nil
			}
		}
		return exit, guest.ErrInterrupted
	case errors.As(err, &overflow):
		return exit, &guest.Fault{Description: "stack overflow"}
	case errors.As(err, &exc):
		fmt.Fprintln(s.host.Stderr(), exc.String())
		return exit, &guest.Fault{Description: "uncaught exception: " + exc.Value().String()}
	default:
		return exit, &guest.Fault{Description: err.Error()}
	}
}

type task struct {
	fn    goja.Callable
	args  []goja.Value
	delay int64
	seq   int
}

// session is the per-run state behind the VM's host functions.
type session struct {
	ctx      context.Context
	vm       *goja.Runtime
	host     guest.Host
	script   string
	permCtor goja.Value
	tasks    []task
	seq      int
	ran      int
	exited   bool
	exitCode int
	fatal    *guest.Violation
	oom      bool
}

// drainTasks runs queued timer callbacks in delay order. Delays are not
// waited out; only their relative order matters.
func (s *session) drainTasks() error {
	for len(s.tasks) > 0 {
		sort.SliceStable(s.tasks, func(i, j int) bool {
			if s.tasks[i].delay != s.tasks[j].delay {
				return s.tasks[i].delay < s.tasks[j].delay
			}
			return s.tasks[i].seq < s.tasks[j].seq
		})
		t := s.tasks[0]
		s.tasks = s.tasks[1:]
		s.ran++
		if _, err := t.fn(goja.Undefined(), t.args...); err != nil {
			return err
		}
	}
	return nil
}
