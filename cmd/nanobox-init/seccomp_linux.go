//go:build linux && cgo

package main

import (
	"fmt"

	seccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

// deniedSyscalls fail with EPERM for every guest.
var deniedSyscalls = []string{
	"ptrace", "mount", "umount2", "pivot_root", "chroot",
	"reboot", "kexec_load", "init_module", "finit_module", "delete_module",
	"swapon", "swapoff", "bpf", "perf_event_open",
	"keyctl", "add_key", "request_key", "unshare", "setns",
}

func applySeccomp(denyNetwork bool) error {
	filter, err := seccomp.NewFilter(seccomp.ActAllow)
	if err != nil {
		return fmt.Errorf("create seccomp filter: %w", err)
	}
	defer filter.Release()

	eperm := seccomp.ActErrno.SetReturnCode(int16(unix.EPERM))
	for _, name := range deniedSyscalls {
		call, err := seccomp.GetSyscallFromName(name)
		if err != nil {
			// Not every architecture has every syscall.
			continue
		}
		if err := filter.AddRule(call, eperm); err != nil {
			return fmt.Errorf("add seccomp rule %s: %w", name, err)
		}
	}

	if denyNetwork {
		call, err := seccomp.GetSyscallFromName("socket")
		if err != nil {
			return fmt.Errorf("resolve socket syscall: %w", err)
		}
		notUnix, err := seccomp.MakeCondition(0, seccomp.CompareNotEqual, uint64(unix.AF_UNIX))
		if err != nil {
			return fmt.Errorf("build socket condition: %w", err)
		}
		eacces := seccomp.ActErrno.SetReturnCode(int16(unix.EACCES))
		if err := filter.AddRuleConditional(call, eacces, []seccomp.ScmpCondition{notUnix}); err != nil {
			return fmt.Errorf("add socket rule: %w", err)
		}
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no new privs: %w", err)
	}
	if err := filter.Load(); err != nil {
		return fmt.Errorf("load seccomp filter: %w", err)
	}
	return nil
}
