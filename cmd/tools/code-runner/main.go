package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/codesand/codesand/internal/client"
	"github.com/codesand/codesand/internal/languages"
)

// maxResultSize bounds the text handed back to the calling agent.
const maxResultSize = 4000

func main() {
	addr := os.Getenv("CODESAND_URL")
	if addr == "" {
		addr = "http://localhost:8080"
	}
	c := client.New(addr, os.Getenv("CODESAND_KEY"))
	c.Retries = 3

	var runners []string
	for _, l := range languages.NewRegistry().List() {
		runners = append(runners, l.ID)
	}

	s := server.NewMCPServer("codesand-code-runner", "0.1.0")

	s.AddTool(mcp.Tool{
		Name:        "code_run",
		Description: fmt.Sprintf("Execute code in a disposable codesand container. Supported runners: %s.", strings.Join(runners, ", ")),
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"runner": map[string]any{
					"type":        "string",
					"description": "Runner to use (bash, php, python3, gcc, ...)",
				},
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to execute",
				},
				"max_lines": map[string]any{
					"type":        "number",
					"description": "Maximum output lines to capture (optional)",
				},
				"flags": map[string]any{
					"type":        "string",
					"description": "Compiler flags for tcc, gcc and gpp (optional)",
				},
			},
			Required: []string{"runner", "code"},
		},
	}, codeRunHandler(c))

	if err := server.ServeStdio(s); err != nil {
		fmt.Printf("server error: %v\n", err)
	}
}

func codeRunHandler(c *client.Client) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		if args == nil {
			return errResult("error: invalid arguments"), nil
		}

		runner, _ := args["runner"].(string)
		code, _ := args["code"].(string)
		flags, _ := args["flags"].(string)
		maxLines, _ := args["max_lines"].(float64)

		if runner == "" || code == "" {
			return errResult("error: 'runner' and 'code' are required"), nil
		}

		res, err := c.Run(ctx, runner, code, client.RunOptions{MaxLines: int(maxLines), Flags: flags})
		if err != nil {
			if errors.Is(err, client.ErrBusy) {
				return errResult("error: all containers are busy, try again later"), nil
			}
			return errResult(fmt.Sprintf("error: %v", err)), nil
		}

		text := strings.Join(res.Lines, "\n")
		if text == "" {
			text = "(no output)"
		}
		if len(text) > maxResultSize {
			text = text[:maxResultSize] + "\n... (output truncated)"
		}
		if res.Outcome != "" && res.Outcome != "completed" {
			text += "\noutcome: " + res.Outcome
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
			IsError: res.Outcome == "failed",
		}, nil
	}
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
