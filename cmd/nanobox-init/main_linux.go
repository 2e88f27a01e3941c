//go:build linux

// Command nanobox-init prepares an isolated environment for one guest
// process and then execs it. It reads a JSON request on stdin and exits
// with status 125 if setup fails.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/michaelbrown/nanobox/internal/guest/process"
)

const oldRootDir = ".old-root"

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "nanobox-init: "+err.Error())
		os.Exit(process.HelperSetupFailed)
	}
}

func run() error {
	req, err := process.DecodeRequest(os.Stdin)
	if err != nil {
		return err
	}

	if req.Namespaces {
		if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
			return fmt.Errorf("make mount private: %w", err)
		}
		if req.RootFS != "" {
			if err := unix.Mount(req.RootFS, req.RootFS, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
				return fmt.Errorf("bind rootfs: %w", err)
			}
			if err := applyBindMounts(req.RootFS, req.Mounts); err != nil {
				return err
			}
			if err := enterRoot(req.RootFS); err != nil {
				return err
			}
		}
	} else if req.RootFS != "" || len(req.Mounts) > 0 {
		return fmt.Errorf("namespaces disabled with rootfs or bind mounts")
	}

	if err := os.Chdir(req.Dir); err != nil {
		return fmt.Errorf("chdir workdir: %w", err)
	}
	if err := applyRlimits(req.Rlimits); err != nil {
		return err
	}
	if err := redirectStdin(); err != nil {
		return err
	}

	os.Clearenv()
	for _, kv := range req.Env {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("set env: %w", err)
		}
	}

	cmdPath, err := exec.LookPath(req.Argv[0])
	if err != nil {
		return fmt.Errorf("resolve command: %w", err)
	}

	// The filter goes on last so setup itself is not subject to it.
	if req.Seccomp {
		if err := applySeccomp(req.DenyNetwork); err != nil {
			return err
		}
	}
	return unix.Exec(cmdPath, req.Argv, req.Env)
}

// enterRoot makes rootfs the root of the mount namespace and detaches the
// host root. rootfs must be a mount point.
func enterRoot(rootfs string) error {
	putOld := filepath.Join(rootfs, oldRootDir)
	if err := os.MkdirAll(putOld, 0o700); err != nil {
		return fmt.Errorf("mkdir old root: %w", err)
	}
	if err := unix.PivotRoot(rootfs, putOld); err != nil {
		return fmt.Errorf("pivot root: %w", err)
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir root: %w", err)
	}
	if err := unix.Unmount("/"+oldRootDir, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("unmount old root: %w", err)
	}
	if err := os.Remove("/" + oldRootDir); err != nil {
		return fmt.Errorf("remove old root: %w", err)
	}
	return nil
}

func applyBindMounts(rootfs string, mounts []process.Mount) error {
	for _, m := range mounts {
		if m.Source == "" {
			return fmt.Errorf("invalid mount spec")
		}
		target := filepath.Join(rootfs, m.Source)
		if err := ensureMountTarget(m.Source, target); err != nil {
			return err
		}
		if err := unix.Mount(m.Source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("bind mount %s: %w", m.Source, err)
		}
		if m.ReadOnly {
			if err := unix.Mount("", target, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
				return fmt.Errorf("remount %s readonly: %w", m.Source, err)
			}
		}
	}

	procPath := filepath.Join(rootfs, "proc")
	if err := os.MkdirAll(procPath, 0o755); err != nil {
		return fmt.Errorf("mkdir proc: %w", err)
	}
	if err := unix.Mount("proc", procPath, "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil && !errors.Is(err, unix.EBUSY) {
		return fmt.Errorf("mount proc: %w", err)
	}
	tmpPath := filepath.Join(rootfs, "tmp")
	if err := os.MkdirAll(tmpPath, 0o777); err != nil {
		return fmt.Errorf("mkdir tmp: %w", err)
	}
	return nil
}

func ensureMountTarget(source, target string) error {
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("stat mount source: %w", err)
	}
	if info.IsDir() {
		if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("mkdir mount target: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("mkdir mount target dir: %w", err)
	}
	file, err := os.OpenFile(target, os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("create mount target file: %w", err)
	}
	return file.Close()
}

func applyRlimits(rl process.Rlimits) error {
	if rl.CPUSeconds > 0 {
		// Hard limit one second later so the guest gets SIGXCPU first.
		if err := unix.Setrlimit(unix.RLIMIT_CPU, &unix.Rlimit{Cur: rl.CPUSeconds, Max: rl.CPUSeconds + 1}); err != nil {
			return fmt.Errorf("set rlimit cpu: %w", err)
		}
	}
	if rl.AddressSpace > 0 {
		if err := unix.Setrlimit(unix.RLIMIT_AS, &unix.Rlimit{Cur: rl.AddressSpace, Max: rl.AddressSpace}); err != nil {
			return fmt.Errorf("set rlimit as: %w", err)
		}
	}
	if rl.FileSize > 0 {
		if err := unix.Setrlimit(unix.RLIMIT_FSIZE, &unix.Rlimit{Cur: rl.FileSize, Max: rl.FileSize}); err != nil {
			return fmt.Errorf("set rlimit fsize: %w", err)
		}
	}
	return nil
}

// redirectStdin replaces the request pipe with /dev/null.
func redirectStdin() error {
	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return fmt.Errorf("open stdin: %w", err)
	}
	defer devNull.Close()
	if err := unix.Dup3(int(devNull.Fd()), int(os.Stdin.Fd()), 0); err != nil {
		return fmt.Errorf("dup stdin: %w", err)
	}
	return nil
}
