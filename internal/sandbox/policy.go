package sandbox

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/michaelbrown/nanobox/internal/guest"
)

// Action is a privileged guest request evaluated by a Policy.
type Action = guest.Action

// Decision is the outcome of evaluating one Action.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string) Decision { return Decision{Reason: reason} }

// Policy describes what a workload may touch. It is built once from a
// Config and never changes afterwards, so it is safe to share between runs.
type Policy struct {
	fs           []FSRule
	network      bool
	hosts        []string
	memoryLimit  int64
	cpuTime      time.Duration
	wallClock    time.Duration
	maxProcesses int
}

// NewPolicy builds a policy from a validated config.
func NewPolicy(cfg Config) *Policy {
	rules := make([]FSRule, len(cfg.FS))
	for i, r := range cfg.FS {
		path := filepath.Clean(r.Path)
		if !hasMeta(path) {
			if real, err := guest.RealPath(path); err == nil {
				path = real
			}
		}
		rules[i] = FSRule{Path: path, Mode: r.Mode}
	}
	return &Policy{
		fs:           rules,
		network:      cfg.Network.Enabled,
		hosts:        append([]string(nil), cfg.Network.Hosts...),
		memoryLimit:  cfg.MemoryLimit,
		cpuTime:      cfg.CPUTimeLimit,
		wallClock:    cfg.WallClockTimeout,
		maxProcesses: cfg.MaxProcesses,
	}
}

// Allows reports whether a is permitted.
func (p *Policy) Allows(a Action) bool {
	return p.Evaluate(a).Allowed
}

// Evaluate is Allows with the reason for a denial. Memory actions carry
// the total a run would hold after the allocation, not the increment.
func (p *Policy) Evaluate(a Action) Decision {
	switch a.Kind {
	case guest.ActionFileRead:
		return p.evaluatePath(a.Target, false)
	case guest.ActionFileWrite:
		return p.evaluatePath(a.Target, true)
	case guest.ActionNetConnect:
		return p.evaluateHost(a.Target)
	case guest.ActionMemAlloc:
		if p.memoryLimit > 0 && a.Size > p.memoryLimit {
			return deny("memory ceiling exceeded")
		}
		return allow()
	case guest.ActionProcessSpawn:
		if p.maxProcesses > 0 && a.Size > int64(p.maxProcesses) {
			return deny("process limit reached")
		}
		return allow()
	default:
		return deny("unknown action")
	}
}

func (p *Policy) evaluatePath(path string, write bool) Decision {
	if path == "" || !filepath.IsAbs(path) {
		return deny("path must be absolute")
	}
	// Rules apply to the file a path finally names, not to the links on
	// the way there.
	real, err := guest.RealPath(path)
	if err != nil {
		return deny("unresolvable path")
	}
	path = real
	matched := false
	for _, r := range p.fs {
		if !ruleCovers(r.Path, path) {
			continue
		}
		matched = true
		if !write || r.Mode == ModeReadWrite {
			return allow()
		}
	}
	if matched {
		return deny("read-only path")
	}
	return deny("outside allow-list")
}

// ruleCovers matches path against a glob, or treats a literal rule as a
// directory prefix.
func ruleCovers(rule, path string) bool {
	if hasMeta(rule) {
		ok, err := doublestar.Match(filepath.ToSlash(rule), filepath.ToSlash(path))
		return err == nil && ok
	}
	return withinDir(rule, path)
}

func withinDir(dir, path string) bool {
	if dir == path {
		return true
	}
	if dir == string(filepath.Separator) {
		return true
	}
	return strings.HasPrefix(path, dir+string(filepath.Separator))
}

func hasMeta(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}

func (p *Policy) evaluateHost(target string) Decision {
	if !p.network {
		return deny("network disabled")
	}
	if len(p.hosts) == 0 {
		return allow()
	}
	host := target
	if h, _, err := net.SplitHostPort(target); err == nil {
		host = h
	}
	host = strings.ToLower(host)
	for _, pattern := range p.hosts {
		if ok, err := doublestar.Match(strings.ToLower(pattern), host); err == nil && ok {
			return allow()
		}
	}
	return deny("host not allowed")
}

// MemoryLimit returns the per-run memory ceiling in bytes.
func (p *Policy) MemoryLimit() int64 { return p.memoryLimit }

// CPUTimeLimit returns the per-run CPU budget.
func (p *Policy) CPUTimeLimit() time.Duration { return p.cpuTime }

// WallClockTimeout returns the per-run deadline.
func (p *Policy) WallClockTimeout() time.Duration { return p.wallClock }

// NetworkEnabled reports whether any outbound connection can be allowed.
func (p *Policy) NetworkEnabled() bool { return p.network }

// Rules returns a copy of the filesystem allow-list.
func (p *Policy) Rules() []FSRule {
	return append([]FSRule(nil), p.fs...)
}

// Grants expands the allow-list into existing host paths, for runtimes
// that bind paths into a private mount namespace.
func (p *Policy) Grants() guest.Grants {
	g := guest.Grants{
		Network: p.network,
		Hosts:   append([]string(nil), p.hosts...),
	}
	for _, r := range p.fs {
		paths := []string{r.Path}
		if hasMeta(r.Path) {
			matches, err := doublestar.FilepathGlob(r.Path)
			if err != nil {
				continue
			}
			paths = matches
		} else if _, err := os.Stat(r.Path); err != nil {
			continue
		}
		if r.Mode == ModeReadWrite {
			g.Write = append(g.Write, paths...)
		} else {
			g.Read = append(g.Read, paths...)
		}
	}
	return g
}
