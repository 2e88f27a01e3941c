//go:build linux

package process

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/michaelbrown/nanobox/internal/guest"
)

const waitDelay = time.Second

var (
	systemDirs  = []string{"/usr", "/bin", "/sbin", "/lib", "/lib32", "/lib64", "/etc"}
	deviceFiles = []string{"/dev/null", "/dev/zero", "/dev/random", "/dev/urandom"}
)

var signalNames = map[syscall.Signal]string{
	syscall.SIGSEGV: "segmentation fault",
	syscall.SIGBUS:  "bus error",
	syscall.SIGILL:  "illegal instruction",
	syscall.SIGFPE:  "floating point exception",
	syscall.SIGABRT: "aborted",
	syscall.SIGKILL: "killed",
	syscall.SIGSYS:  "bad system call",
	syscall.SIGTRAP: "trace trap",
}

// launch is one prepared child process.
type launch struct {
	cmd    *exec.Cmd
	helper bool
	stdin  interface{ Close() error }
	rootfs string
}

func (l *launch) cleanup() {
	if l.stdin != nil {
		l.stdin.Close()
	}
	if l.rootfs != "" {
		os.RemoveAll(l.rootfs)
	}
}

// isolation returns the helper path, or why guests cannot be confined.
func (r *Runtime) isolation() (string, string) {
	helper, ok := r.helperPath()
	switch {
	case !ok:
		return "", "isolation helper unavailable"
	case !r.cfg.Namespaces:
		return helper, "namespaces disabled"
	}
	return helper, ""
}

func (r *Runtime) run(ctx context.Context, argv []string, h guest.Host, helper string) (guest.Exit, error) {
	limits := h.Limits()

	cgroupPath := ""
	if r.cfg.CgroupRoot != "" {
		p, cleanup, err := createRunCgroup(r.cfg.CgroupRoot, h.ID())
		if err != nil {
			r.logger.Warn("cgroup unavailable", zap.String("run_id", h.ID()), zap.Error(err))
		} else {
			defer cleanup()
			if err := applyCgroupLimits(p, limits); err != nil {
				r.logger.Warn("apply cgroup limits failed", zap.String("cgroup", p), zap.Error(err))
			} else {
				cgroupPath = p
			}
		}
	}

	l, err := r.prepare(argv, h, helper, r.cfg.Namespaces)
	if err != nil {
		return guest.Exit{}, err
	}
	unconfined := false
	err = l.cmd.Start()
	if err != nil && r.cfg.Namespaces {
		// Unprivileged user namespaces are often disabled.
		l.cleanup()
		if !r.cfg.AllowUnconfined {
			return guest.Exit{}, &guest.Fault{Description: "namespaces unavailable: " + err.Error()}
		}
		r.logger.Warn("namespaces unavailable, running without them", zap.String("run_id", h.ID()), zap.Error(err))
		if l, err = r.prepare(argv, h, helper, false); err != nil {
			return guest.Exit{}, err
		}
		unconfined = true
		err = l.cmd.Start()
	}
	defer l.cleanup()
	if err != nil {
		return guest.Exit{}, &guest.Fault{Description: "starting guest: " + err.Error()}
	}

	pid := l.cmd.Process.Pid
	if cgroupPath != "" {
		if err := addProcessToCgroup(cgroupPath, pid); err != nil {
			r.logger.Warn("add process to cgroup failed", zap.String("cgroup", cgroupPath), zap.Error(err))
		}
	}
	if !l.helper {
		if err := applyPrlimits(pid, rlimitsFor(limits)); err != nil {
			r.logger.Warn("prlimit failed", zap.Int("pid", pid), zap.Error(err))
		}
	}

	var killed atomic.Bool
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			killed.Store(true)
			killProcessGroup(pid)
			if cgroupPath != "" {
				_ = killCgroup(cgroupPath)
			}
		case <-done:
		}
	}()

	waitErr := l.cmd.Wait()
	close(done)

	if killed.Load() {
		return guest.Exit{Unconfined: unconfined}, guest.ErrInterrupted
	}
	exit, err := exitFrom(l.cmd.ProcessState, waitErr, cgroupPath, l.helper)
	exit.Unconfined = unconfined
	return exit, err
}

// prepare builds the command, routed through nanobox-init when helper is
// set.
func (r *Runtime) prepare(argv []string, h guest.Host, helper string, namespaces bool) (*launch, error) {
	grants := h.Grants()
	env := guestEnv(h)
	l := &launch{}

	if helper != "" {
		req := InitRequest{
			Argv:        argv,
			Dir:         h.ScratchDir(),
			Env:         env,
			Rlimits:     rlimitsFor(h.Limits()),
			Namespaces:  namespaces,
			Seccomp:     r.cfg.Seccomp,
			DenyNetwork: !grants.Network,
		}
		if namespaces {
			l.rootfs = filepath.Join(filepath.Dir(h.ScratchDir()), "root-"+h.ID())
			if err := os.MkdirAll(l.rootfs, 0o700); err != nil {
				return nil, fmt.Errorf("creating rootfs: %w", err)
			}
			req.RootFS = l.rootfs
			req.Mounts = mountsFor(argv, grants)
		}
		stdin := jsonToPipe(req)
		l.cmd = exec.Command(helper)
		l.cmd.Stdin = stdin
		l.stdin = stdin
		l.helper = true
	} else {
		l.cmd = exec.Command(argv[0], argv[1:]...)
	}

	l.cmd.Dir = h.ScratchDir()
	l.cmd.Env = env
	l.cmd.Stdout = h.Stdout()
	l.cmd.Stderr = h.Stderr()
	l.cmd.WaitDelay = waitDelay
	l.cmd.SysProcAttr = buildSysProcAttr(namespaces, !grants.Network)
	return l, nil
}

func guestEnv(h guest.Host) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + h.ScratchDir(),
		"TMPDIR=" + h.ScratchDir(),
	}
	return append(env, h.Env()...)
}

func buildSysProcAttr(namespaces, denyNetwork bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if !namespaces {
		return attr
	}

	cloneFlags := uintptr(syscall.CLONE_NEWUSER | syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC)
	if denyNetwork {
		cloneFlags |= syscall.CLONE_NEWNET
	}
	attr.Cloneflags = cloneFlags
	attr.GidMappingsEnableSetgroups = false
	attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getuid(), Size: 1}}
	attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getgid(), Size: 1}}
	return attr
}

// mountsFor lists what the guest can see inside its private root: system
// directories read-only, granted paths, and every absolute path in argv.
// Parents are mounted before children.
func mountsFor(argv []string, grants guest.Grants) []Mount {
	var mounts []Mount
	seen := make(map[string]bool)
	add := func(p string, readOnly bool) {
		if p == "" || seen[p] {
			return
		}
		if _, err := os.Stat(p); err != nil {
			return
		}
		seen[p] = true
		mounts = append(mounts, Mount{Source: p, ReadOnly: readOnly})
	}

	for _, d := range systemDirs {
		add(d, true)
	}
	for _, f := range deviceFiles {
		add(f, false)
	}
	for _, p := range grants.Read {
		add(p, true)
	}
	for _, p := range grants.Write {
		add(p, false)
	}
	for _, a := range argv {
		if filepath.IsAbs(a) {
			add(a, true)
		}
	}

	sort.SliceStable(mounts, func(i, j int) bool {
		return len(mounts[i].Source) < len(mounts[j].Source)
	})
	return mounts
}

func rlimitsFor(limits guest.Limits) Rlimits {
	var rl Rlimits
	if limits.CPUTime > 0 {
		rl.CPUSeconds = uint64(math.Ceil(limits.CPUTime.Seconds()))
	}
	if limits.Memory > 0 {
		rl.AddressSpace = uint64(limits.Memory)
		rl.FileSize = uint64(limits.Memory)
	}
	return rl
}

// applyPrlimits limits an already running child. The CPU hard limit sits
// one second above the soft one so the guest sees SIGXCPU, not SIGKILL.
func applyPrlimits(pid int, rl Rlimits) error {
	set := func(resource int, cur, max uint64) error {
		if cur == 0 {
			return nil
		}
		lim := unix.Rlimit{Cur: cur, Max: max}
		return unix.Prlimit(pid, resource, &lim, nil)
	}
	if err := set(unix.RLIMIT_CPU, rl.CPUSeconds, rl.CPUSeconds+1); err != nil {
		return fmt.Errorf("set rlimit cpu: %w", err)
	}
	if err := set(unix.RLIMIT_AS, rl.AddressSpace, rl.AddressSpace); err != nil {
		return fmt.Errorf("set rlimit as: %w", err)
	}
	if err := set(unix.RLIMIT_FSIZE, rl.FileSize, rl.FileSize); err != nil {
		return fmt.Errorf("set rlimit fsize: %w", err)
	}
	return nil
}

func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

func exitFrom(state *os.ProcessState, waitErr error, cgroupPath string, helper bool) (guest.Exit, error) {
	if state == nil {
		return guest.Exit{}, &guest.Fault{Description: fmt.Sprintf("waiting for guest: %v", waitErr)}
	}

	exit := guest.Exit{
		CPUTime:    state.UserTime() + state.SystemTime(),
		PeakMemory: memoryPeak(cgroupPath, state),
	}
	if wasOomKilled(cgroupPath) {
		return exit, &guest.Fault{Description: "out of memory"}
	}

	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := ws.Signal()
		if sig == syscall.SIGXCPU {
			exit.CPUExceeded = true
			return exit, nil
		}
		return exit, &guest.Fault{Description: describeSignal(sig), Signal: int(sig)}
	}

	code := state.ExitCode()
	if helper && code == HelperSetupFailed {
		return exit, &guest.Fault{Description: "isolation setup failed", ExitCode: code}
	}
	exit.Code = code
	return exit, nil
}

func describeSignal(sig syscall.Signal) string {
	name := unix.SignalName(sig)
	if name == "" {
		name = fmt.Sprintf("signal %d", int(sig))
	}
	if desc, ok := signalNames[sig]; ok {
		return fmt.Sprintf("%s (%s)", desc, name)
	}
	return "terminated by " + name
}
