package sandbox

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/nanobox/internal/guest"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func requireLoadError(t *testing.T, err error, kind LoadErrorKind) {
	t.Helper()
	var le *LoadError
	require.True(t, errors.As(err, &le), "want *LoadError, got %v", err)
	assert.Equal(t, kind, le.Kind)
}

func TestResolveByExtension(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]guest.Kind{
		"a.js":  guest.KindJavaScript,
		"b.mjs": guest.KindJavaScript,
		"c.py":  guest.KindPython,
		"d.c":   guest.KindC,
		"e.cpp": guest.KindCPP,
		"f.cc":  guest.KindCPP,
		"g.elf": guest.KindNative,
		"H.JS":  guest.KindJavaScript,
	}
	l := NewLoader()
	for name, want := range tests {
		path := writeFile(t, dir, name, "x")
		w, err := l.Resolve(path)
		require.NoError(t, err, name)
		assert.Equal(t, want, w.Kind, name)
		assert.Equal(t, path, w.Path)
		assert.Equal(t, int64(1), w.Size)
	}
}

func TestResolveNotFound(t *testing.T) {
	_, err := NewLoader().Resolve(filepath.Join(t.TempDir(), "missing.js"))
	requireLoadError(t, err, NotFound)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "not found")

	_, err = NewLoader().Resolve("")
	requireLoadError(t, err, NotFound)
}

func TestResolveUnsupported(t *testing.T) {
	dir := t.TempDir()

	_, err := NewLoader().Resolve(writeFile(t, dir, "notes.txt", "hello"))
	requireLoadError(t, err, UnsupportedKind)
	assert.ErrorIs(t, err, ErrUnsupportedKind)

	_, err = NewLoader().Resolve(dir)
	requireLoadError(t, err, UnsupportedKind)

	_, err = NewLoader().Resolve("https://example.com/a.js")
	requireLoadError(t, err, UnsupportedKind)

	_, err = NewLoader(guest.KindJavaScript).Resolve(writeFile(t, dir, "a.py", "print(1)"))
	requireLoadError(t, err, UnsupportedKind)

	_, err = NewLoader().Resolve(writeFile(t, dir, "plain", "just some words\n"))
	requireLoadError(t, err, UnsupportedKind)
}

func TestResolveFileURI(t *testing.T) {
	path := writeFile(t, t.TempDir(), "hello.js", "console.log(1)")
	w, err := NewLoader().Resolve("file://" + path)
	require.NoError(t, err)
	assert.Equal(t, path, w.Path)
	assert.Equal(t, "file://"+path, w.Ref)
}

func TestResolveSniffsShebang(t *testing.T) {
	dir := t.TempDir()
	w, err := NewLoader().Resolve(writeFile(t, dir, "tool", "#!/usr/bin/env python3\nprint('hi')\n"))
	require.NoError(t, err)
	assert.Equal(t, guest.KindPython, w.Kind)

	w, err = NewLoader().Resolve(writeFile(t, dir, "script", "#!/usr/bin/env node\nconsole.log('hi')\n"))
	require.NoError(t, err)
	assert.Equal(t, guest.KindJavaScript, w.Kind)
}

func TestResolveSniffsELF(t *testing.T) {
	self, err := os.Executable()
	require.NoError(t, err)
	src, err := os.Open(self)
	require.NoError(t, err)
	defer src.Close()

	header := make([]byte, 4096)
	n, err := io.ReadFull(src, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		require.NoError(t, err)
	}
	if string(header[:4]) != "\x7fELF" {
		t.Skip("test binary is not ELF")
	}

	path := filepath.Join(t.TempDir(), "binary")
	require.NoError(t, os.WriteFile(path, header[:n], 0o755))
	w, err := NewLoader().Resolve(path)
	require.NoError(t, err)
	assert.Equal(t, guest.KindNative, w.Kind)
}

func TestLoadErrorMessage(t *testing.T) {
	err := &LoadError{Kind: UnsupportedKind, Ref: "x.bin", Err: errors.New("unknown extension .bin")}
	assert.Equal(t, "load x.bin: unsupported workload kind: unknown extension .bin", err.Error())
	assert.False(t, errors.Is(err, ErrNotFound))
}
