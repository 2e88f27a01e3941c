package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/nanobox/internal/cache"
	"github.com/michaelbrown/nanobox/internal/sandbox"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Check which runtimes and isolation features are available",
	Long: `Report the interpreters, compilers and isolation helper nanobox would use,
and prepare the log, scratch and cache directories.`,
	RunE: runSetup,
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the compiled artifact cache",
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache location and size",
	RunE:  runCacheStatus,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached artifact",
	RunE:  runCacheClear,
}

func init() {
	rootCmd.AddCommand(setupCmd, cacheCmd)
	cacheCmd.AddCommand(cacheStatusCmd, cacheClearCmd)
}

// toolStatus is one line of the setup report.
type toolStatus struct {
	Name  string
	Want  string
	Found string
}

func checkTools(sc sandbox.Config) []toolStatus {
	rt := sc.Runtimes
	tools := []toolStatus{
		{Name: "javascript", Want: "built-in", Found: "built-in"},
		{Name: "python", Want: rt.Python},
		{Name: "c", Want: rt.CC},
		{Name: "c++", Want: rt.CXX},
	}
	if rt.Helper != "" {
		tools = append(tools, toolStatus{Name: "isolation helper", Want: rt.Helper})
	}
	for i := range tools {
		if tools[i].Found != "" {
			continue
		}
		if p, err := lookTool(tools[i].Want); err == nil {
			tools[i].Found = p
		}
	}
	return tools
}

// lookTool resolves name on PATH, as an absolute path, or next to the
// running binary.
func lookTool(name string) (string, error) {
	if filepath.IsAbs(name) {
		if _, err := os.Stat(name); err != nil {
			return "", err
		}
		return name, nil
	}
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return exec.LookPath(name)
}

func runSetup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sc, err := sandboxConfig(cfg)
	if err != nil {
		return err
	}

	fmt.Println("Runtimes:")
	for _, t := range checkTools(sc) {
		if t.Found != "" {
			fmt.Printf("  \033[32m✓\033[0m %-17s %s\n", t.Name, t.Found)
		} else {
			fmt.Printf("  \033[31m✗\033[0m %-17s %s not found\n", t.Name, t.Want)
		}
	}

	fmt.Println("\nIsolation:")
	fmt.Printf("  namespaces  %v\n", sc.Runtimes.Namespaces)
	fmt.Printf("  seccomp     %v\n", sc.Runtimes.Seccomp)
	if sc.Runtimes.AllowUnconfined {
		fmt.Printf("  unconfined  allowed (process guests may see the host filesystem)\n")
	}
	if sc.Runtimes.CgroupRoot != "" {
		fmt.Printf("  cgroup      %s\n", sc.Runtimes.CgroupRoot)
	} else {
		fmt.Printf("  cgroup      disabled\n")
	}

	fmt.Println("\nDirectories:")
	for _, d := range []struct{ name, path string }{
		{"logs", sc.LogDir},
		{"scratch", sc.TmpDir},
	} {
		if err := os.MkdirAll(d.path, 0o755); err != nil {
			return fmt.Errorf("creating %s directory: %w", d.name, err)
		}
		fmt.Printf("  %-8s %s\n", d.name, d.path)
	}
	c, err := cache.New(sc.CacheDir)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	fmt.Printf("  %-8s %s\n", "cache", c.Dir())
	return nil
}

func openCache() (*cache.Cache, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	sc, err := cfg.SandboxConfig()
	if err != nil {
		return nil, err
	}
	return cache.New(sc.CacheDir)
}

func runCacheStatus(cmd *cobra.Command, args []string) error {
	c, err := openCache()
	if err != nil {
		return err
	}
	st, err := c.Stats()
	if err != nil {
		return err
	}
	fmt.Printf("Cache:    %s\n", st.Dir)
	fmt.Printf("Entries:  %d\n", st.Entries)
	fmt.Printf("Size:     %s\n", humanize.IBytes(uint64(st.Bytes)))
	return nil
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	c, err := openCache()
	if err != nil {
		return err
	}
	st, _ := c.Stats()
	if err := c.Clear(); err != nil {
		return fmt.Errorf("clearing cache: %w", err)
	}
	fmt.Printf("Cleared %d cached artifacts (%s)\n", st.Entries, humanize.IBytes(uint64(st.Bytes)))
	return nil
}
