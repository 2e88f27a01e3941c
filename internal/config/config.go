package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"

	"github.com/michaelbrown/nanobox/internal/logging"
	"github.com/michaelbrown/nanobox/internal/sandbox"
)

type NetworkConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Hosts   []string `mapstructure:"hosts"`
}

type SandboxConfig struct {
	MemoryLimit      string           `mapstructure:"memory_limit"`
	CPUTimeLimit     time.Duration    `mapstructure:"cpu_time_limit"`
	WallClockTimeout time.Duration    `mapstructure:"wall_clock_timeout"`
	Network          NetworkConfig    `mapstructure:"network"`
	FS               []sandbox.FSRule `mapstructure:"fs"`
	MaxOutput        string           `mapstructure:"max_output"`
	MaxProcesses     int              `mapstructure:"max_processes"`
	MaxConcurrent    int              `mapstructure:"max_concurrent"`
	Env              []string         `mapstructure:"env"`
	LogDirectory     string           `mapstructure:"log_directory"`
	TmpDirectory     string           `mapstructure:"tmp_directory"`
	Profile          string           `mapstructure:"profile"`
}

type IsolationConfig struct {
	HelperPath      string `mapstructure:"helper_path"`
	Namespaces      bool   `mapstructure:"namespaces"`
	Seccomp         bool   `mapstructure:"seccomp"`
	CgroupRoot      string `mapstructure:"cgroup_root"`
	AllowUnconfined bool   `mapstructure:"allow_unconfined"`
}

type RuntimesConfig struct {
	Python string `mapstructure:"python"`
	CC     string `mapstructure:"cc"`
	CXX    string `mapstructure:"cxx"`
}

type CacheConfig struct {
	Dir string `mapstructure:"dir"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// LLMConfig points at any OpenAI-compatible endpoint, Ollama included.
type LLMConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

type Config struct {
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Isolation IsolationConfig `mapstructure:"isolation"`
	Runtimes  RuntimesConfig  `mapstructure:"runtimes"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	LLM       LLMConfig       `mapstructure:"llm"`
}

// Load reads nanobox.yaml from the working directory or $HOME/.nanobox.
// A missing file is fine; defaults and NANOBOX_* variables still apply.
func Load() (*Config, error) {
	return load("")
}

// LoadFile reads the config from an explicit path.
func LoadFile(path string) (*Config, error) {
	return load(path)
}

func load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("nanobox")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.nanobox")
	}

	v.SetEnvPrefix("NANOBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.LLM.APIKey = expandEnv(cfg.LLM.APIKey)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := sandbox.DefaultConfig()
	v.SetDefault("sandbox.memory_limit", humanize.IBytes(uint64(d.MemoryLimit)))
	v.SetDefault("sandbox.cpu_time_limit", d.CPUTimeLimit)
	v.SetDefault("sandbox.wall_clock_timeout", d.WallClockTimeout)
	v.SetDefault("sandbox.network.enabled", false)
	v.SetDefault("sandbox.max_output", humanize.IBytes(uint64(d.MaxOutput)))
	v.SetDefault("sandbox.max_processes", d.MaxProcesses)
	v.SetDefault("sandbox.max_concurrent", d.MaxConcurrent)
	v.SetDefault("sandbox.env", d.Env)
	v.SetDefault("sandbox.log_directory", d.LogDir)
	v.SetDefault("sandbox.tmp_directory", d.TmpDir)
	v.SetDefault("sandbox.profile", "")

	v.SetDefault("isolation.helper_path", d.Runtimes.Helper)
	v.SetDefault("isolation.namespaces", d.Runtimes.Namespaces)
	v.SetDefault("isolation.seccomp", d.Runtimes.Seccomp)
	v.SetDefault("isolation.cgroup_root", "")
	v.SetDefault("isolation.allow_unconfined", false)

	v.SetDefault("runtimes.python", d.Runtimes.Python)
	v.SetDefault("runtimes.cc", d.Runtimes.CC)
	v.SetDefault("runtimes.cxx", d.Runtimes.CXX)

	v.SetDefault("cache.dir", d.CacheDir)
	v.SetDefault("storage.db_path", filepath.Join(os.Getenv("HOME"), ".nanobox", "nanobox.db"))
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stderr")
	v.SetDefault("llm.base_url", "http://localhost:11434/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "llama3.2")
}

// expandEnv resolves a "${VAR}" value from the environment.
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	return s
}

// SandboxConfig converts the file representation into a sandbox.Config,
// layering the policy profile on top when one is configured.
func (c *Config) SandboxConfig() (sandbox.Config, error) {
	sc := c.Sandbox
	cfg := sandbox.DefaultConfig()

	if sc.MemoryLimit != "" {
		n, err := humanize.ParseBytes(sc.MemoryLimit)
		if err != nil {
			return cfg, fmt.Errorf("sandbox.memory_limit: %w", err)
		}
		cfg.MemoryLimit = int64(n)
	}
	if sc.MaxOutput != "" {
		n, err := humanize.ParseBytes(sc.MaxOutput)
		if err != nil {
			return cfg, fmt.Errorf("sandbox.max_output: %w", err)
		}
		cfg.MaxOutput = int64(n)
	}
	if sc.CPUTimeLimit > 0 {
		cfg.CPUTimeLimit = sc.CPUTimeLimit
	}
	if sc.WallClockTimeout > 0 {
		cfg.WallClockTimeout = sc.WallClockTimeout
	}
	if sc.MaxProcesses > 0 {
		cfg.MaxProcesses = sc.MaxProcesses
	}
	cfg.MaxConcurrent = sc.MaxConcurrent
	cfg.Network = sandbox.NetworkConfig{Enabled: sc.Network.Enabled, Hosts: sc.Network.Hosts}
	cfg.FS = sc.FS
	if sc.Env != nil {
		cfg.Env = sc.Env
	}
	if sc.LogDirectory != "" {
		cfg.LogDir = sc.LogDirectory
	}
	if sc.TmpDirectory != "" {
		cfg.TmpDir = sc.TmpDirectory
	}
	if c.Cache.Dir != "" {
		cfg.CacheDir = c.Cache.Dir
	}

	cfg.Runtimes = sandbox.RuntimeHints{
		Python:          c.Runtimes.Python,
		CC:              c.Runtimes.CC,
		CXX:             c.Runtimes.CXX,
		Helper:          c.Isolation.HelperPath,
		Namespaces:      c.Isolation.Namespaces,
		Seccomp:         c.Isolation.Seccomp,
		CgroupRoot:      c.Isolation.CgroupRoot,
		AllowUnconfined: c.Isolation.AllowUnconfined,
	}

	if sc.Profile != "" {
		p, err := sandbox.LoadProfile(sc.Profile)
		if err != nil {
			return cfg, err
		}
		if cfg, err = p.Apply(cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, cfg.Validate()
}

// Logging returns the logger settings.
func (c *Config) Logging() logging.Config {
	return logging.Config{Level: c.Log.Level, Format: c.Log.Format, OutputPath: c.Log.Output}
}
