package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// FSMode is the access level an allow-list entry grants.
type FSMode string

const (
	ModeReadOnly  FSMode = "ro"
	ModeReadWrite FSMode = "rw"
)

// FSRule grants access to every path matching Path. Path is an absolute
// path or a doublestar glob; a plain directory covers everything below it.
type FSRule struct {
	Path string `mapstructure:"path" yaml:"path" json:"path"`
	Mode FSMode `mapstructure:"mode" yaml:"mode" json:"mode"`
}

// NetworkConfig controls outbound connections. An empty Hosts list with
// Enabled set allows any host.
type NetworkConfig struct {
	Enabled bool     `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Hosts   []string `mapstructure:"hosts" yaml:"hosts" json:"hosts,omitempty"`
}

// RuntimeHints select and tune the guest runtimes.
type RuntimeHints struct {
	Python     string // interpreter for .py workloads
	CC         string // C compiler
	CXX        string // C++ compiler
	Helper     string // path or name of the nanobox-init isolation helper
	Namespaces bool
	Seccomp    bool
	CgroupRoot string // cgroup v2 directory delegated to nanobox; "" disables cgroups

	// AllowUnconfined lets process guests run when the helper or
	// namespaces are unavailable. They then see the host filesystem.
	AllowUnconfined bool
}

// Config is fixed at construction time and shared read-only by every run.
type Config struct {
	MemoryLimit      int64
	CPUTimeLimit     time.Duration
	WallClockTimeout time.Duration
	FS               []FSRule
	Network          NetworkConfig
	MaxProcesses     int
	MaxOutput        int64
	MaxConcurrent    int
	Env              []string // names of host variables visible to guests

	LogDir   string
	TmpDir   string
	CacheDir string

	Runtimes RuntimeHints
}

const defaultWorkDir = "/tmp/nanobox"

// DefaultConfig returns conservative limits: 256 MiB, 10s CPU, 30s wall
// clock, no network and no host filesystem access.
func DefaultConfig() Config {
	return Config{
		MemoryLimit:      256 << 20,
		CPUTimeLimit:     10 * time.Second,
		WallClockTimeout: 30 * time.Second,
		MaxProcesses:     64,
		MaxOutput:        1 << 20,
		MaxConcurrent:    8,
		Env:              []string{"LANG", "TZ"},
		LogDir:           defaultWorkDir,
		TmpDir:           defaultWorkDir,
		CacheDir:         defaultCacheDir(),
		Runtimes: RuntimeHints{
			Python:     "python3",
			CC:         "cc",
			CXX:        "c++",
			Helper:     "nanobox-init",
			Namespaces: true,
			Seccomp:    true,
		},
	}
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "nanobox")
	}
	return filepath.Join(defaultWorkDir, "cache")
}

// Validate reports the first problem that would make the config unusable.
func (c Config) Validate() error {
	var errs []error
	if c.MemoryLimit < 0 {
		errs = append(errs, fmt.Errorf("memory limit must not be negative"))
	}
	if c.CPUTimeLimit < 0 {
		errs = append(errs, fmt.Errorf("cpu time limit must not be negative"))
	}
	if c.WallClockTimeout <= 0 {
		errs = append(errs, fmt.Errorf("wall clock timeout must be positive"))
	}
	if c.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("max concurrent must not be negative"))
	}
	if c.LogDir == "" || c.TmpDir == "" {
		errs = append(errs, fmt.Errorf("log and tmp directories are required"))
	}
	for _, r := range c.FS {
		if !filepath.IsAbs(r.Path) {
			errs = append(errs, fmt.Errorf("fs rule %q: path must be absolute", r.Path))
		}
		if !doublestar.ValidatePattern(r.Path) {
			errs = append(errs, fmt.Errorf("fs rule %q: invalid pattern", r.Path))
		}
		if r.Mode != ModeReadOnly && r.Mode != ModeReadWrite {
			errs = append(errs, fmt.Errorf("fs rule %q: mode must be ro or rw, got %q", r.Path, r.Mode))
		}
	}
	for _, h := range c.Network.Hosts {
		if h == "" {
			errs = append(errs, fmt.Errorf("network host must not be empty"))
		}
	}
	return errors.Join(errs...)
}
