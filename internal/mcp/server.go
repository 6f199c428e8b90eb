package mcp

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/dshills/escarabajo/internal/kb"
)

const (
	// ServerName is the MCP server name
	ServerName = "escarabajo"
	// DefaultRecentRuns is how many runs get_status lists by default
	DefaultRecentRuns = 10
)

// Server wraps the MCP server with the knowledge base it serves
type Server struct {
	mcp    *server.MCPServer
	kb     *kb.Service
	logger *slog.Logger
}

// NewServer creates an MCP server for svc
func NewServer(svc *kb.Service, version string, logger *slog.Logger) (*Server, error) {
	if svc == nil {
		return nil, errors.New("knowledge base service is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	mcpServer := server.NewMCPServer(
		ServerName,
		version,
		server.WithToolCapabilities(false),
		server.WithPromptCapabilities(false),
		server.WithRecovery(),
	)

	s := &Server{
		mcp:    mcpServer,
		kb:     svc,
		logger: logger,
	}

	s.registerTools()
	s.registerPrompts()

	return s, nil
}

// Serve speaks MCP over in/out until ctx is canceled or in is closed
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))

	s.logger.Info("mcp server ready", "root", s.kb.Root())
	err := stdio.Listen(ctx, in, out)
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	s.mcp.AddTool(scanRepoTool(), s.handleScanRepo)
	s.mcp.AddTool(syncAllTool(), s.handleSyncAll)
	s.mcp.AddTool(syncPathsTool(), s.handleSyncPaths)
	s.mcp.AddTool(getTextPathTool(), s.handleGetTextPath)
	s.mcp.AddTool(listKBTool(), s.handleListKB)
	s.mcp.AddTool(purgeOutputsTool(), s.handlePurgeOutputs)
	s.mcp.AddTool(readTextTool(), s.handleReadText)
	s.mcp.AddTool(configGetTool(), s.handleConfigGet)
	s.mcp.AddTool(configSetTool(), s.handleConfigSet)
	s.mcp.AddTool(getStatusTool(), s.handleGetStatus)
	s.mcp.AddTool(listPromptsTool(), s.handleListPrompts)
	s.mcp.AddTool(getPromptTool(), s.handleGetPrompt)
}
