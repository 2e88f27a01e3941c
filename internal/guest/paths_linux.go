//go:build linux

package guest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// OpenFile opens path without following symbolic links in any component.
// Callers pass a path already resolved with RealPath and checked against
// the policy; a link swapped in after the check fails with ErrSymlink.
func OpenFile(path string, flag int, perm os.FileMode) (*os.File, error) {
	how := unix.OpenHow{
		Flags:   uint64(flag | unix.O_CLOEXEC),
		Resolve: unix.RESOLVE_NO_SYMLINKS | unix.RESOLVE_NO_MAGICLINKS,
	}
	if flag&os.O_CREATE != 0 {
		how.Mode = uint64(perm.Perm())
	}
	fd, err := unix.Openat2(unix.AT_FDCWD, path, &how)
	switch {
	case err == nil:
		return os.NewFile(uintptr(fd), path), nil
	case errors.Is(err, unix.ELOOP):
		return nil, &os.PathError{Op: "open", Path: path, Err: ErrSymlink}
	case errors.Is(err, unix.ENOSYS):
		return openVerified(path, flag, perm)
	default:
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
}

// openVerified is the fallback for kernels without openat2: the last
// component is opened with O_NOFOLLOW and the directories above it are
// re-resolved once the file is open.
func openVerified(path string, flag int, perm os.FileMode) (*os.File, error) {
	f, err := os.OpenFile(path, flag|unix.O_NOFOLLOW, perm)
	if err != nil {
		if errors.Is(err, unix.ELOOP) {
			return nil, &os.PathError{Op: "open", Path: path, Err: ErrSymlink}
		}
		return nil, err
	}
	dir, err := filepath.EvalSymlinks(filepath.Dir(path))
	if err != nil || dir != filepath.Dir(path) {
		f.Close()
		return nil, &os.PathError{Op: "open", Path: path, Err: fmt.Errorf("%w: parent changed", ErrSymlink)}
	}
	return f, nil
}
