package sandbox

import "time"

// ErrorKind classifies a failed run.
type ErrorKind string

const (
	ErrorLoad      ErrorKind = "load"
	ErrorFault     ErrorKind = "fault"
	ErrorTimeout   ErrorKind = "timeout"
	ErrorCancelled ErrorKind = "cancelled"
)

// Output is what a guest produced. Stdout and Stderr are capped at the
// configured MaxOutput; Truncated reports whether anything was dropped.
type Output struct {
	ExitCode  int    `json:"exit_code"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	Truncated bool   `json:"truncated,omitempty"`
}

// RunError is the failure arm of a WorkloadResult.
type RunError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// WorkloadResult is Ok(Output) when Err is nil and Err(kind, message)
// otherwise. Output is still filled in for guests that ran and failed.
// Unconfined is set when a process guest ran without filesystem
// confinement. A result is never modified after Run returns it.
type WorkloadResult struct {
	RunID      string    `json:"run_id,omitempty"`
	Workload   string    `json:"workload"`
	Kind       Kind      `json:"kind,omitempty"`
	State      State     `json:"state"`
	Output     Output    `json:"output"`
	Err        *RunError `json:"error,omitempty"`
	Usage      Usage     `json:"usage"`
	Unconfined bool      `json:"unconfined,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// Success reports whether the run completed normally.
func (r WorkloadResult) Success() bool {
	return r.Err == nil
}

// ErrorMessage returns the human-readable failure cause, or "".
func (r WorkloadResult) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Message
}

// Binding is the two-field shape exposed to language bindings.
type Binding struct {
	Success bool    `json:"success"`
	Error   *string `json:"error"`
}

// Binding converts the result to {success, error}.
func (r WorkloadResult) Binding() Binding {
	if r.Err == nil {
		return Binding{Success: true}
	}
	msg := r.Err.Message
	return Binding{Success: false, Error: &msg}
}

func failed(workload string, kind ErrorKind, msg string) WorkloadResult {
	now := time.Now()
	return WorkloadResult{
		Workload:  workload,
		State:     StateCreated,
		Err:       &RunError{Kind: kind, Message: msg},
		StartedAt: now,
		EndedAt:   now,
	}
}
