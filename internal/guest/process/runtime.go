// Package process runs Python, native and C/C++ guests as child processes
// confined by rlimits and, where the host allows it, namespaces, a
// seccomp filter and a cgroup.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/michaelbrown/nanobox/internal/cache"
	"github.com/michaelbrown/nanobox/internal/guest"
)

// Config selects interpreters, compilers and isolation features.
// Guests are refused unless the helper and namespaces can confine them
// to the policy's filesystem view; AllowUnconfined runs them anyway.
type Config struct {
	Python          string
	CC              string
	CXX             string
	Helper          string
	Namespaces      bool
	Seccomp         bool
	CgroupRoot      string
	AllowUnconfined bool
}

// Runtime is a guest.Executor for everything that runs as a process.
type Runtime struct {
	cfg    Config
	cache  *cache.Cache
	logger *zap.Logger
}

// New creates a process runtime. c stores compiled C/C++ artifacts and
// may be nil, in which case every run compiles from scratch.
func New(cfg Config, c *cache.Cache, logger *zap.Logger) *Runtime {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.CC == "" {
		cfg.CC = "cc"
	}
	if cfg.CXX == "" {
		cfg.CXX = "c++"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{cfg: cfg, cache: c, logger: logger}
}

// Execute builds the command for w and runs it to completion.
func (r *Runtime) Execute(ctx context.Context, w guest.Workload, h guest.Host) (guest.Exit, error) {
	helper, reason := r.isolation()
	if reason != "" {
		if !r.cfg.AllowUnconfined {
			return guest.Exit{}, &guest.Fault{Description: reason}
		}
		r.logger.Warn("running guest without filesystem confinement",
			zap.String("run_id", h.ID()),
			zap.String("reason", reason),
		)
	}

	argv, err := r.command(ctx, w, h)
	if err != nil {
		return guest.Exit{}, err
	}
	if err := h.Check(ctx, guest.Action{Kind: guest.ActionProcessSpawn, Target: argv[0], Size: 1}); err != nil {
		return guest.Exit{}, err
	}
	exit, err := r.run(ctx, argv, h, helper)
	if reason != "" {
		exit.Unconfined = true
	}
	return exit, err
}

func (r *Runtime) command(ctx context.Context, w guest.Workload, h guest.Host) ([]string, error) {
	switch w.Kind {
	case guest.KindPython:
		py, err := exec.LookPath(r.cfg.Python)
		if err != nil {
			return nil, &guest.Fault{Description: "python runtime unavailable: " + err.Error()}
		}
		return []string{py, "-S", "-I", w.Path}, nil
	case guest.KindNative:
		bin, err := executable(w.Path, h.ScratchDir())
		if err != nil {
			return nil, &guest.Fault{Description: err.Error()}
		}
		return []string{bin}, nil
	case guest.KindC, guest.KindCPP:
		bin, err := r.compile(ctx, w, h)
		if err != nil {
			return nil, err
		}
		return []string{bin}, nil
	default:
		return nil, &guest.Fault{Description: fmt.Sprintf("no process runtime for %s", w.Kind)}
	}
}

// executable returns path if it can be executed, or a 0755 copy of it in
// the scratch dir otherwise.
func executable(path, scratch string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat workload: %w", err)
	}
	if info.Mode().Perm()&0o111 != 0 {
		return path, nil
	}

	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening workload: %w", err)
	}
	defer src.Close()

	dst := filepath.Join(scratch, filepath.Base(path))
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return "", fmt.Errorf("copying workload: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return "", fmt.Errorf("copying workload: %w", err)
	}
	return dst, out.Close()
}

// compile builds a C or C++ source file, reusing a cached artifact when
// the source, compiler and flags are unchanged.
func (r *Runtime) compile(ctx context.Context, w guest.Workload, h guest.Host) (string, error) {
	compiler, flags := r.cfg.CC, []string{"-O1", "-std=c11"}
	if w.Kind == guest.KindCPP {
		compiler, flags = r.cfg.CXX, []string{"-O1", "-std=c++17"}
	}
	compilerPath, err := exec.LookPath(compiler)
	if err != nil {
		return "", &guest.Fault{Description: fmt.Sprintf("%s compiler unavailable: %v", w.Kind, err)}
	}

	src, err := os.ReadFile(w.Path)
	if err != nil {
		return "", &guest.Fault{Description: "reading source: " + err.Error()}
	}

	var key string
	if r.cache != nil {
		key = cache.Key(src, []byte(compilerPath), []byte(strings.Join(flags, " ")))
		if bin, ok := r.cache.Lookup(key); ok {
			r.logger.Debug("using cached artifact", zap.String("run_id", h.ID()), zap.String("key", key))
			return bin, nil
		}
	}

	out := filepath.Join(h.ScratchDir(), "a.out")
	args := append(append([]string{}, flags...), "-o", out, w.Path)
	if w.Kind == guest.KindC {
		args = append(args, "-lm")
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, compilerPath, args...)
	cmd.Dir = h.ScratchDir()
	cmd.Stderr = io.MultiWriter(&stderr, h.Stderr())
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", guest.ErrInterrupted
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", &guest.Fault{Description: "compilation failed: " + firstLine(stderr.String())}
		}
		return "", &guest.Fault{Description: "running compiler: " + err.Error()}
	}

	if r.cache == nil {
		return out, nil
	}
	bin, err := r.cache.StoreFile(key, out)
	if err != nil {
		r.logger.Warn("caching artifact", zap.String("run_id", h.ID()), zap.Error(err))
		return out, nil
	}
	return bin, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return "compiler reported no diagnostics"
	}
	return s
}

// helperPath finds nanobox-init next to the running binary or on PATH.
func (r *Runtime) helperPath() (string, bool) {
	name := r.cfg.Helper
	if name == "" {
		return "", false
	}
	if filepath.IsAbs(name) {
		if _, err := os.Stat(name); err == nil {
			return name, true
		}
		return "", false
	}
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	if p, err := exec.LookPath(name); err == nil {
		return p, true
	}
	return "", false
}
