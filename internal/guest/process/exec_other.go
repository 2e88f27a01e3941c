//go:build !linux

package process

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/michaelbrown/nanobox/internal/guest"
)

const unsupportedReason = "filesystem isolation unsupported on this platform"

func (r *Runtime) isolation() (string, string) {
	return "", unsupportedReason
}

// run on non-Linux hosts has no namespaces, rlimits or cgroups; only the
// wall clock deadline and cancellation apply.
func (r *Runtime) run(ctx context.Context, argv []string, h guest.Host, _ string) (guest.Exit, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = h.ScratchDir()
	cmd.Env = append([]string{"HOME=" + h.ScratchDir(), "TMPDIR=" + h.ScratchDir()}, h.Env()...)
	cmd.Stdout = h.Stdout()
	cmd.Stderr = h.Stderr()
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	if ctx.Err() != nil {
		return guest.Exit{}, guest.ErrInterrupted
	}
	if cmd.ProcessState == nil {
		return guest.Exit{}, &guest.Fault{Description: fmt.Sprintf("starting guest: %v", err)}
	}

	exit := guest.Exit{CPUTime: cmd.ProcessState.UserTime() + cmd.ProcessState.SystemTime()}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && !exitErr.Exited() {
		return exit, &guest.Fault{Description: "terminated by signal"}
	}
	exit.Code = cmd.ProcessState.ExitCode()
	return exit, nil
}
