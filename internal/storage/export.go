package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// ExportMarkdown renders a run as a markdown document.
func ExportMarkdown(r *Run) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("# %s\n\n", r.Workload))
	b.WriteString(fmt.Sprintf("- **Run:** %s\n", r.ID))
	if r.Kind != "" {
		b.WriteString(fmt.Sprintf("- **Kind:** %s\n", r.Kind))
	}
	b.WriteString(fmt.Sprintf("- **State:** %s\n", r.State))
	if r.Success {
		b.WriteString("- **Result:** success\n")
	} else {
		b.WriteString(fmt.Sprintf("- **Result:** %s\n", r.Error))
	}
	b.WriteString(fmt.Sprintf("- **Exit code:** %d\n", r.ExitCode))
	b.WriteString(fmt.Sprintf("- **Started:** %s\n", r.StartedAt.Format("2006-01-02 15:04:05")))
	b.WriteString(fmt.Sprintf("- **Wall time:** %s\n", r.WallTime))
	b.WriteString(fmt.Sprintf("- **CPU time:** %s\n", r.CPUTime))
	if r.PeakMemory > 0 {
		b.WriteString(fmt.Sprintf("- **Peak memory:** %s\n", humanize.IBytes(uint64(r.PeakMemory))))
	}
	if r.Denials > 0 {
		b.WriteString(fmt.Sprintf("- **Policy denials:** %d\n", r.Denials))
	}
	b.WriteString("\n---\n\n")

	if r.Stdout != "" {
		b.WriteString(fmt.Sprintf("## stdout\n\n```\n%s\n```\n\n", strings.TrimRight(r.Stdout, "\n")))
	}
	if r.Stderr != "" {
		b.WriteString(fmt.Sprintf("## stderr\n\n```\n%s\n```\n\n", strings.TrimRight(r.Stderr, "\n")))
	}
	if r.Truncated {
		b.WriteString("_Output was truncated._\n")
	}

	return b.String()
}

// ExportJSON renders a run as formatted JSON.
func ExportJSON(r *Run) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
