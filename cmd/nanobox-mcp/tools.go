package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/nanobox/internal/sandbox"
)

const maxResultText = 4000

var languageExt = map[string]string{
	"javascript": ".js",
	"js":         ".js",
	"python":     ".py",
	"c":          ".c",
	"cpp":        ".cpp",
	"c++":        ".cpp",
}

type runner interface {
	Run(ctx context.Context, ref string, opts ...sandbox.RunOption) sandbox.WorkloadResult
}

type handlers struct {
	sandbox runner
	scratch string
}

func (h *handlers) register(s *server.MCPServer) {
	var langs []string
	for lang := range languageExt {
		langs = append(langs, lang)
	}
	sort.Strings(langs)

	s.AddTool(mcp.Tool{
		Name:        "run_workload",
		Description: "Run a workload file (.js, .py, .c, .cpp or a native binary) in the nanobox sandbox.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Path of the workload on the host",
				},
			},
			Required: []string{"path"},
		},
	}, h.handleRunWorkload)

	s.AddTool(mcp.Tool{
		Name:        "run_code",
		Description: fmt.Sprintf("Execute source code in the nanobox sandbox. Supported languages: %s.", strings.Join(langs, ", ")),
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"language": map[string]any{
					"type":        "string",
					"description": "Programming language (javascript, python, c, cpp)",
				},
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to execute",
				},
			},
			Required: []string{"language", "code"},
		},
	}, h.handleRunCode)
}

func (h *handlers) handleRunWorkload(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	path, _ := args["path"].(string)
	if path == "" {
		return errResult("error: 'path' is required"), nil
	}
	return toolResult(h.sandbox.Run(ctx, path)), nil
}

func (h *handlers) handleRunCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}

	language, _ := args["language"].(string)
	code, _ := args["code"].(string)
	if language == "" || code == "" {
		return errResult("error: 'language' and 'code' are required"), nil
	}

	ext, ok := languageExt[strings.ToLower(language)]
	if !ok {
		return errResult(fmt.Sprintf("error: unsupported language %q", language)), nil
	}

	if err := os.MkdirAll(h.scratch, 0o755); err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}
	f, err := os.CreateTemp(h.scratch, "mcp-*"+ext)
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}
	defer os.Remove(f.Name())
	_, err = f.WriteString(code)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}

	return toolResult(h.sandbox.Run(ctx, filepath.Clean(f.Name()))), nil
}

func toolResult(res sandbox.WorkloadResult) *mcp.CallToolResult {
	var output strings.Builder
	if res.Output.Stdout != "" {
		output.WriteString(res.Output.Stdout)
	}
	if res.Output.Stderr != "" {
		if output.Len() > 0 {
			output.WriteString("\n")
		}
		output.WriteString("STDERR:\n" + res.Output.Stderr)
	}
	if !res.Success() {
		if output.Len() > 0 {
			output.WriteString("\n")
		}
		output.WriteString("error: " + res.ErrorMessage())
	}

	text := output.String()
	if len(text) > maxResultText {
		text = text[:maxResultText] + "\n... (output truncated)"
	}
	if text == "" {
		text = "(no output)"
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: !res.Success(),
	}
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
