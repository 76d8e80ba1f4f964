// Package mcpserver exposes the tool registry over the Model Context Protocol,
// so the same filterProperties tool the voice agent calls can be driven by any
// MCP client over streamable HTTP.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/eburon/internal/mcp/tools"
)

// Server wraps an MCP server whose tools are backed by a [tools.Registry].
type Server struct {
	srv *mcpsdk.Server
}

// New registers every tool of reg on a new MCP server.
func New(reg *tools.Registry, version string) *Server {
	srv := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "eburon", Version: version}, nil)
	for _, def := range reg.Definitions() {
		name := def.Name
		schema := def.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		srv.AddTool(&mcpsdk.Tool{
			Name:        name,
			Description: def.Description,
			InputSchema: schema,
		}, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return call(ctx, reg, name, req.Params.Arguments), nil
		})
	}
	return &Server{srv: srv}
}

// MCP returns the underlying SDK server.
func (s *Server) MCP() *mcpsdk.Server { return s.srv }

// Handler returns the streamable HTTP handler to mount on a mux.
func (s *Server) Handler() http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return s.srv }, nil)
}

// call runs one tool and renders the payload as JSON text. Failures are
// reported in-band with IsError so the client sees the message.
func call(ctx context.Context, reg *tools.Registry, name string, raw json.RawMessage) *mcpsdk.CallToolResult {
	var args map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return errorResult(fmt.Errorf("invalid arguments: %w", err))
		}
	}

	payload, err := reg.Call(ctx, name, args)
	if err != nil {
		slog.Warn("mcpserver: tool call failed", "tool", name, "err", err)
		return errorResult(err)
	}
	text, err := json.Marshal(payload)
	if err != nil {
		return errorResult(fmt.Errorf("encode result: %w", err))
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(text)}},
	}
}

func errorResult(err error) *mcpsdk.CallToolResult {
	text, _ := json.Marshal(tools.ErrorPayload(err))
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(text)}},
		IsError: true,
	}
}
