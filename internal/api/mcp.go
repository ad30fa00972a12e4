package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/alpacapurpura/fieldline/internal/auth"
	"github.com/alpacapurpura/fieldline/internal/gateway"
)

// NewMCPServer exposes the gateway's tool registry over MCP for local
// stdio clients. Calls run under the given service identity; the per-tool
// capability checks still apply.
func NewMCPServer(g *gateway.Gateway, identity *auth.Identity, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"fieldline",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("fieldline field service conversation engine: knowledge search, work orders, equipment, service reports."),
		server.WithRecovery(),
	)

	for _, tool := range g.Tools() {
		opts := []mcp.ToolOption{mcp.WithDescription(tool.Description)}
		for _, p := range tool.Params {
			opts = append(opts, mcpParamOption(p))
		}
		s.AddTool(mcp.NewTool(tool.Name, opts...), mcpToolHandler(g, tool.Name, identity))
	}

	return s
}

func mcpParamOption(p gateway.ParamSpec) mcp.ToolOption {
	var propOpts []mcp.PropertyOption
	if p.Description != "" {
		propOpts = append(propOpts, mcp.Description(p.Description))
	}
	if p.Required {
		propOpts = append(propOpts, mcp.Required())
	}
	switch p.Type {
	case "number":
		return mcp.WithNumber(p.Name, propOpts...)
	case "boolean":
		return mcp.WithBoolean(p.Name, propOpts...)
	case "object":
		return mcp.WithObject(p.Name, propOpts...)
	case "array":
		return mcp.WithArray(p.Name, propOpts...)
	default:
		return mcp.WithString(p.Name, propOpts...)
	}
}

func mcpToolHandler(g *gateway.Gateway, method string, identity *auth.Identity) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := g.Call(ctx, method, req.GetArguments(), identity)
		if err != nil {
			return mcpError(fmt.Sprintf("%s failed: %v", method, err)), nil
		}
		b, err := json.Marshal(result)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
