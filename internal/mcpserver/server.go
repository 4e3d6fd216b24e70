// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes read-only weave inspection tools via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/weave/internal/apperr"
	"github.com/starford/weave/internal/workspace"
)

const protocolURI = "weave://protocol"

// Server wraps the MCP server with weave tools.
type Server struct {
	mcp *server.MCPServer
	svc *workspace.Service
}

// New creates a new MCP server with all weave tools registered.
func New(svc *workspace.Service, version string) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"Weave",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_documents",
		mcp.WithDescription("List stored and resident documents with their room and connection count."),
	), s.listDocuments)

	s.mcp.AddTool(mcp.NewTool("get_tree",
		mcp.WithDescription("Return the file tree of a room as nested JSON."),
		mcp.WithString("room", mcp.Required(), mcp.Description("Room name")),
	), s.getTree)

	s.mcp.AddTool(mcp.NewTool("read_file",
		mcp.WithDescription("Read the text of a file in a room."),
		mcp.WithString("room", mcp.Required(), mcp.Description("Room name")),
		mcp.WithString("ref", mcp.Required(), mcp.Description("Node id or slash-separated path (e.g. src/main.go)")),
	), s.readFile)

	s.mcp.AddResource(
		mcp.NewResource(protocolURI, "Sync Protocol",
			mcp.WithResourceDescription("Frame format, handshake and close codes of the sync endpoint."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readProtocolResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func toolError(err error) *mcp.CallToolResult {
	if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrNodeNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %v", err))
	}
	return mcp.NewToolResultError(err.Error())
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) listDocuments(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	docs, err := s.svc.Documents(ctx)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(docs)
}

func (s *Server) getTree(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	room, err := req.RequireString("room")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	view, err := s.svc.Tree(ctx, room)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(view)
}

func (s *Server) readFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	room, err := req.RequireString("room")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ref, err := req.RequireString("ref")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	fc, err := s.svc.ReadFile(ctx, room, ref)
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(fc.Content), nil
}

func (s *Server) readProtocolResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      protocolURI,
			MIMEType: "text/markdown",
			Text:     ProtocolContract,
		},
	}, nil
}
