package guest

import (
	"errors"
	"io/fs"
	"path/filepath"
)

// ErrSymlink is returned when a path handed to OpenFile crosses a
// symbolic link.
var ErrSymlink = errors.New("path traverses a symbolic link")

// RealPath resolves every symbolic link in an absolute path. The missing
// tail of a path that does not exist yet is kept as written and joined to
// its deepest existing ancestor, so a new file resolves through its parent.
func RealPath(path string) (string, error) {
	path = filepath.Clean(path)
	var rest []string
	for {
		real, err := filepath.EvalSymlinks(path)
		if err == nil {
			return filepath.Join(append([]string{real}, rest...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(path)
		if parent == path {
			return "", err
		}
		rest = append([]string{filepath.Base(path)}, rest...)
		path = parent
	}
}
