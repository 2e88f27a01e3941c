package sandbox

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Profile is a named policy overlay kept in a YAML file. Unset fields
// leave the base config alone.
type Profile struct {
	Name         string         `yaml:"name"`
	Memory       string         `yaml:"memory"`
	CPUTime      time.Duration  `yaml:"cpu_time"`
	Timeout      time.Duration  `yaml:"timeout"`
	FS           []FSRule       `yaml:"fs"`
	Network      *NetworkConfig `yaml:"network"`
	MaxProcesses int            `yaml:"max_processes"`
	Env          []string       `yaml:"env"`
}

// LoadProfile reads a policy profile from a YAML file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile %s: %w", path, err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing profile %s: %w", path, err)
	}

	return &p, nil
}

// Apply returns cfg with the profile's settings layered on top. FS rules
// and env names are appended rather than replaced.
func (p *Profile) Apply(cfg Config) (Config, error) {
	if p.Memory != "" {
		n, err := humanize.ParseBytes(p.Memory)
		if err != nil {
			return cfg, fmt.Errorf("profile %s: memory: %w", p.Name, err)
		}
		cfg.MemoryLimit = int64(n)
	}
	if p.CPUTime > 0 {
		cfg.CPUTimeLimit = p.CPUTime
	}
	if p.Timeout > 0 {
		cfg.WallClockTimeout = p.Timeout
	}
	if p.Network != nil {
		cfg.Network = *p.Network
	}
	if p.MaxProcesses > 0 {
		cfg.MaxProcesses = p.MaxProcesses
	}
	cfg.FS = append(append([]FSRule(nil), cfg.FS...), p.FS...)
	cfg.Env = append(append([]string(nil), cfg.Env...), p.Env...)
	return cfg, nil
}
