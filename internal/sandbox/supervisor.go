package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/michaelbrown/nanobox/internal/guest"
)

// defaultKillGrace bounds how long the supervisor waits for a terminated
// guest to actually stop before reclaiming its context anyway.
const defaultKillGrace = 2 * time.Second

// Supervisor drives one ExecutionContext from Running to a terminal state
// and is the only place a terminal state becomes a WorkloadResult.
type Supervisor struct {
	executor  guest.Executor
	deadline  time.Duration
	killGrace time.Duration
	logger    *zap.Logger
}

// NewSupervisor returns a supervisor that enforces deadline on every run.
func NewSupervisor(executor guest.Executor, deadline time.Duration, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		executor:  executor,
		deadline:  deadline,
		killGrace: defaultKillGrace,
		logger:    logger,
	}
}

type execOutcome struct {
	exit guest.Exit
	err  error
}

// Supervise runs ec's workload, racing completion against the deadline
// and ctx. Timeout and cancellation share the Terminate path. ec is
// reclaimed before Supervise returns.
func (s *Supervisor) Supervise(ctx context.Context, ec *ExecutionContext) WorkloadResult {
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer ec.reclaim()

	if !ec.start(cancel) {
		return s.result(ec)
	}

	done := make(chan execOutcome, 1)
	go func() {
		exit, err := s.executor.Execute(runCtx, ec.Workload(), ec)
		done <- execOutcome{exit: exit, err: err}
	}()

	var deadline <-chan time.Time
	if s.deadline > 0 {
		timer := time.NewTimer(s.deadline)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case out := <-done:
		s.complete(ec, out)
	case <-deadline:
		ec.Terminate(ErrTimeout)
		s.drain(ec, done)
	case <-ctx.Done():
		ec.Terminate(ErrCancelled)
		s.drain(ec, done)
	}

	return s.result(ec)
}

// drain waits for a terminated guest to stop. A guest that finished on its
// own in the same instant still gets its output recorded by complete,
// which is a no-op once Terminate has won.
func (s *Supervisor) drain(ec *ExecutionContext, done <-chan execOutcome) {
	select {
	case out := <-done:
		s.complete(ec, out)
	case <-time.After(s.killGrace):
		s.logger.Warn("guest did not stop after termination", zap.String("run_id", ec.ID()))
	}
}

// complete maps what the executor reported to a terminal state.
func (s *Supervisor) complete(ec *ExecutionContext, out execOutcome) {
	exit := out.exit
	var fault *Fault
	var violation *PolicyViolation

	switch {
	case out.err == nil && exit.CPUExceeded:
		ec.finish(StateTimedOut, ErrCPULimit, exit)
	case out.err == nil && exit.Code != 0:
		ec.finish(StateFaulted, &Fault{
			Description: fmt.Sprintf("exited with status %d", exit.Code),
			ExitCode:    exit.Code,
		}, exit)
	case out.err == nil:
		ec.finish(StateCompleted, nil, exit)
	case errors.As(out.err, &fault):
		ec.finish(StateFaulted, fault, exit)
	case errors.As(out.err, &violation):
		ec.finish(StateFaulted, &Fault{Description: "policy violation: " + violation.Error()}, exit)
	case errors.Is(out.err, guest.ErrInterrupted):
		ec.finish(StateFaulted, &Fault{Description: "interrupted"}, exit)
	default:
		ec.finish(StateFaulted, &Fault{Description: out.err.Error()}, exit)
	}
}

func (s *Supervisor) result(ec *ExecutionContext) WorkloadResult {
	w := ec.Workload()
	res := WorkloadResult{
		RunID:      ec.ID(),
		Workload:   w.Ref,
		Kind:       w.Kind,
		State:      ec.State(),
		Usage:      ec.Usage(),
		Unconfined: ec.unconfined(),
		StartedAt:  ec.StartedAt(),
		EndedAt:    ec.EndedAt(),
		Output: Output{
			ExitCode:  ec.exitCode(),
			Stdout:    ec.stdout.String(),
			Stderr:    ec.stderr.String(),
			Truncated: ec.stdout.wasTruncated() || ec.stderr.wasTruncated(),
		},
	}

	cause := ec.Cause()
	switch res.State {
	case StateCompleted:
	case StateTimedOut:
		kind := ErrorTimeout
		if errors.Is(cause, ErrCancelled) {
			kind = ErrorCancelled
		}
		res.Err = &RunError{Kind: kind, Message: causeMessage(cause, ErrTimeout)}
	case StateFaulted:
		res.Err = &RunError{Kind: ErrorFault, Message: causeMessage(cause, errors.New("fault"))}
	default:
		res.Err = &RunError{Kind: ErrorFault, Message: "context never started"}
	}
	return res
}

func causeMessage(cause, fallback error) string {
	if cause == nil {
		return fallback.Error()
	}
	return cause.Error()
}

func (ec *ExecutionContext) unconfined() bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.exit.Unconfined
}

func (ec *ExecutionContext) exitCode() int {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if f, ok := ec.cause.(*Fault); ok && f.ExitCode != 0 {
		return f.ExitCode
	}
	return ec.exit.Code
}
