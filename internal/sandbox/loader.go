package sandbox

import (
	"bufio"
	"bytes"
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/michaelbrown/nanobox/internal/guest"
)

// Kind aliases guest.Kind for callers that only import sandbox.
type Kind = guest.Kind

// LoadedWorkload is a reference resolved to a runnable file.
type LoadedWorkload = guest.Workload

var extensionKinds = map[string]guest.Kind{
	".js":  guest.KindJavaScript,
	".mjs": guest.KindJavaScript,
	".py":  guest.KindPython,
	".elf": guest.KindNative,
	".o":   guest.KindNative,
	".c":   guest.KindC,
	".cpp": guest.KindCPP,
	".cc":  guest.KindCPP,
	".cxx": guest.KindCPP,
}

var elfTypes = []string{
	"application/x-elf",
	"application/x-executable",
	"application/x-sharedlib",
	"application/x-object",
}

// Loader maps workload references to loadable files. It holds no state.
type Loader struct {
	kinds map[guest.Kind]bool
}

// NewLoader returns a loader that accepts the given kinds, or every
// known kind when none are given.
func NewLoader(kinds ...guest.Kind) *Loader {
	l := &Loader{kinds: make(map[guest.Kind]bool)}
	for _, k := range kinds {
		l.kinds[k] = true
	}
	return l
}

// Resolve validates ref and detects its guest kind.
func (l *Loader) Resolve(ref string) (LoadedWorkload, error) {
	path, err := refPath(ref)
	if err != nil {
		return LoadedWorkload{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return LoadedWorkload{}, &LoadError{Kind: NotFound, Ref: ref}
		}
		return LoadedWorkload{}, &LoadError{Kind: Unreadable, Ref: ref, Err: err}
	}
	if info.IsDir() {
		return LoadedWorkload{}, &LoadError{Kind: UnsupportedKind, Ref: ref, Err: errors.New("is a directory")}
	}

	f, err := os.Open(path)
	if err != nil {
		return LoadedWorkload{}, &LoadError{Kind: Unreadable, Ref: ref, Err: err}
	}
	f.Close()

	kind, err := detectKind(path)
	if err != nil {
		return LoadedWorkload{}, &LoadError{Kind: UnsupportedKind, Ref: ref, Err: err}
	}
	if len(l.kinds) > 0 && !l.kinds[kind] {
		return LoadedWorkload{}, &LoadError{Kind: UnsupportedKind, Ref: ref, Err: errors.New("no runtime for " + string(kind))}
	}

	return LoadedWorkload{
		Ref:  ref,
		Path: path,
		Kind: kind,
		Size: info.Size(),
	}, nil
}

// refPath accepts plain paths and file:// URIs.
func refPath(ref string) (string, error) {
	if ref == "" {
		return "", &LoadError{Kind: NotFound, Ref: ref}
	}
	if strings.Contains(ref, "://") {
		u, err := url.Parse(ref)
		if err != nil || u.Scheme != "file" {
			return "", &LoadError{Kind: UnsupportedKind, Ref: ref, Err: errors.New("only file:// references are supported")}
		}
		ref = u.Path
	}
	abs, err := filepath.Abs(ref)
	if err != nil {
		return "", &LoadError{Kind: NotFound, Ref: ref, Err: err}
	}
	return abs, nil
}

func detectKind(path string) (guest.Kind, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if k, ok := extensionKinds[ext]; ok {
		return k, nil
	}
	if ext != "" {
		return "", errors.New("unknown extension " + ext)
	}
	return sniffKind(path)
}

// sniffKind handles extensionless files: ELF executables and scripts with
// a python or javascript shebang.
func sniffKind(path string) (guest.Kind, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", err
	}
	for m := mt; m != nil; m = m.Parent() {
		for _, t := range elfTypes {
			if m.Is(t) {
				return guest.KindNative, nil
			}
		}
		switch {
		case m.Is("text/x-python"):
			return guest.KindPython, nil
		case m.Is("text/javascript"), m.Is("application/javascript"):
			return guest.KindJavaScript, nil
		}
	}
	if k, ok := shebangKind(path); ok {
		return k, nil
	}
	return "", errors.New("unrecognized content " + mt.String())
}

func shebangKind(path string) (guest.Kind, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return "", false
	}
	if !bytes.HasPrefix(line, []byte("#!")) {
		return "", false
	}
	interp := string(line)
	switch {
	case strings.Contains(interp, "python"):
		return guest.KindPython, true
	case strings.Contains(interp, "node"), strings.Contains(interp, "qjs"):
		return guest.KindJavaScript, true
	}
	return "", false
}
