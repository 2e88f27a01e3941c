// Package cache stores compiled guest artifacts keyed by a BLAKE3 digest
// of everything that went into building them.
package cache

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// Cache is a directory of executables. Entries are written atomically so
// concurrent runs can share it.
type Cache struct {
	dir string
}

// Stats summarizes the cache contents.
type Stats struct {
	Dir     string `json:"dir"`
	Entries int    `json:"entries"`
	Bytes   int64  `json:"bytes"`
}

// New opens (creating if needed) a cache rooted at dir.
func New(dir string) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("cache dir is required")
	}
	bin := filepath.Join(dir, "bin")
	if err := os.MkdirAll(bin, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	return &Cache{dir: dir}, nil
}

// Key hashes parts into a cache key. Each part is length-prefixed so
// ("ab","c") and ("a","bc") differ.
func Key(parts ...[]byte) string {
	h := blake3.New()
	var n [8]byte
	for _, p := range parts {
		l := uint64(len(p))
		for i := range n {
			n[i] = byte(l >> (8 * i))
		}
		h.Write(n[:])
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Dir returns the cache root.
func (c *Cache) Dir() string { return c.dir }

// Path is where the entry for key lives, whether or not it exists.
func (c *Cache) Path(key string) string {
	return filepath.Join(c.dir, "bin", key)
}

// IsCached reports whether key has an entry.
func (c *Cache) IsCached(key string) bool {
	_, ok := c.Lookup(key)
	return ok
}

// Lookup returns the path of a cached entry.
func (c *Cache) Lookup(key string) (string, bool) {
	p := c.Path(key)
	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	return p, true
}

// Store copies r into the cache under key as an executable file and
// returns its path.
func (c *Cache) Store(key string, r io.Reader) (string, error) {
	dst := c.Path(key)
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-"+key+"-*")
	if err != nil {
		return "", fmt.Errorf("creating cache entry: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing cache entry: %w", err)
	}
	if err := tmp.Chmod(0o755); err != nil {
		tmp.Close()
		return "", fmt.Errorf("chmod cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing cache entry: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("committing cache entry: %w", err)
	}
	return dst, nil
}

// StoreFile is Store for a file on disk.
func (c *Cache) StoreFile(key, src string) (string, error) {
	f, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("opening artifact: %w", err)
	}
	defer f.Close()
	return c.Store(key, f)
}

// Clear removes every entry but keeps the cache directory.
func (c *Cache) Clear() error {
	bin := filepath.Join(c.dir, "bin")
	if err := os.RemoveAll(bin); err != nil {
		return fmt.Errorf("clearing cache: %w", err)
	}
	return os.MkdirAll(bin, 0o755)
}

// Stats counts entries and their total size.
func (c *Cache) Stats() (Stats, error) {
	st := Stats{Dir: c.dir}
	err := filepath.WalkDir(filepath.Join(c.dir, "bin"), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		st.Entries++
		st.Bytes += info.Size()
		return nil
	})
	if err != nil {
		return st, fmt.Errorf("scanning cache: %w", err)
	}
	return st, nil
}
