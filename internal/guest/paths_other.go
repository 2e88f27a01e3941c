//go:build !linux

package guest

import (
	"os"
	"path/filepath"
)

// OpenFile opens path and fails with ErrSymlink if any component turns
// out to be a symbolic link once the file is open.
func OpenFile(path string, flag int, perm os.FileMode) (*os.File, error) {
	if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		return nil, &os.PathError{Op: "open", Path: path, Err: ErrSymlink}
	}
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}
	if real, err := filepath.EvalSymlinks(path); err != nil || real != filepath.Clean(path) {
		f.Close()
		return nil, &os.PathError{Op: "open", Path: path, Err: ErrSymlink}
	}
	return f, nil
}
