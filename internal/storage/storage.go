package storage

import (
	"context"
	"errors"
	"time"

	"github.com/michaelbrown/nanobox/internal/sandbox"
)

// ErrNotFound is returned when no run matches an id or prefix.
var ErrNotFound = errors.New("run not found")

// Run is the persisted record of one finished sandbox run.
type Run struct {
	ID         string        `json:"id"`
	Workload   string        `json:"workload"`
	Kind       string        `json:"kind"`
	State      string        `json:"state"`
	Success    bool          `json:"success"`
	ErrorKind  string        `json:"error_kind,omitempty"`
	Error      string        `json:"error,omitempty"`
	ExitCode   int           `json:"exit_code"`
	Stdout     string        `json:"stdout,omitempty"`
	Stderr     string        `json:"stderr,omitempty"`
	Truncated  bool          `json:"truncated,omitempty"`
	WallTime   time.Duration `json:"wall_time"`
	CPUTime    time.Duration `json:"cpu_time"`
	PeakMemory int64         `json:"peak_memory_bytes"`
	Denials    int64         `json:"denials"`
	StartedAt  time.Time     `json:"started_at"`
	EndedAt    time.Time     `json:"ended_at"`
	CreatedAt  time.Time     `json:"created_at"`
}

// RunListOptions controls filtering and pagination for ListRuns.
type RunListOptions struct {
	State  string
	Limit  int
	Offset int
}

// Store is the persistence interface for run history.
type Store interface {
	// SaveRun inserts or replaces a run. The ID field must be set.
	SaveRun(ctx context.Context, r *Run) error

	// GetRun returns a run, with its output, by ID or unique ID prefix.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns runs ordered by created_at descending, without output.
	ListRuns(ctx context.Context, opts RunListOptions) ([]Run, error)

	// DeleteRun removes a run by ID or unique ID prefix.
	DeleteRun(ctx context.Context, id string) error

	// Close releases resources.
	Close() error
}

// FromResult converts a sandbox result into a storable run.
func FromResult(res sandbox.WorkloadResult) *Run {
	r := &Run{
		ID:         res.RunID,
		Workload:   res.Workload,
		Kind:       string(res.Kind),
		State:      res.State.String(),
		Success:    res.Success(),
		Error:      res.ErrorMessage(),
		ExitCode:   res.Output.ExitCode,
		Stdout:     res.Output.Stdout,
		Stderr:     res.Output.Stderr,
		Truncated:  res.Output.Truncated,
		WallTime:   res.Usage.WallTime,
		CPUTime:    res.Usage.CPUTime,
		PeakMemory: res.Usage.PeakMemory,
		Denials:    res.Usage.Denials,
		StartedAt:  res.StartedAt,
		EndedAt:    res.EndedAt,
	}
	if res.Err != nil {
		r.ErrorKind = string(res.Err.Kind)
	}
	return r
}

// Recorder adapts a Store to sandbox.Recorder.
type Recorder struct {
	Store Store
}

// Record saves res.
func (r Recorder) Record(ctx context.Context, res sandbox.WorkloadResult) error {
	return r.Store.SaveRun(ctx, FromResult(res))
}
