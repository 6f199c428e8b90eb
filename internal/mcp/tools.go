package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/escarabajo/internal/extract"
	"github.com/dshills/escarabajo/internal/kb"
	"github.com/dshills/escarabajo/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams      = -32602 // Invalid method parameters
	ErrorCodeInternalError      = -32603 // Internal JSON-RPC error
	ErrorCodeSourceNotFound     = -32001 // Source document does not exist
	ErrorCodePathTraversal      = -32002 // Path escapes the repository or cache root
	ErrorCodeExtractionFailed   = -32003 // Adapter failed or timed out
	ErrorCodeLockTimeout        = -32004 // Another process holds the lock
	ErrorCodeContentNotExposed  = -32005 // expose_content is disabled
	ErrorCodeArtifactNotFound   = -32006 // Cached text does not exist
	ErrorCodeUnsupportedType    = -32007 // No adapter for the file type
	ErrorCodeCorruptLedger      = -32008 // Ledger document cannot be parsed
	ErrorCodeCanceled           = -32009 // Request canceled before work started
	ErrorCodeWriteFailed        = -32010 // Artifact could not be written
	ErrorCodeOCRUnavailable     = -32011 // OCR requested without an engine
	ErrorCodeInvalidGlobPattern = -32012 // Glob does not parse
)

// handleScanRepo handles the scan_repo tool invocation
func (s *Server) handleScanRepo(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		args = map[string]interface{}{}
	}

	keys, err := s.kb.Scan(ctx, kb.ScanOptions{
		Globs:        getStringSlice(args, "globs"),
		ExcludeGlobs: getStringSlice(args, "exclude_globs"),
	})
	if err != nil {
		return nil, toMCPError("scan failed", err)
	}
	if keys == nil {
		keys = []string{}
	}

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"count":   len(keys),
		"sources": keys,
	})), nil
}

// handleSyncAll handles the sync_all tool invocation
func (s *Server) handleSyncAll(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		args = map[string]interface{}{}
	}

	rep, err := s.kb.SyncAll(ctx, kb.SyncOptions{
		ScanOptions: kb.ScanOptions{
			Globs:        getStringSlice(args, "globs"),
			ExcludeGlobs: getStringSlice(args, "exclude_globs"),
		},
		OCR: getOptionalBool(args, "ocr"),
	})
	if err != nil {
		return nil, toMCPError("sync failed", err)
	}

	return mcp.NewToolResultText(formatJSON(rep)), nil
}

// handleSyncPaths handles the sync_paths tool invocation
func (s *Server) handleSyncPaths(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	paths := getStringSlice(args, "paths")
	if len(paths) == 0 {
		return nil, newMCPError(ErrorCodeInvalidParams, "paths parameter is required", map[string]interface{}{
			"param":  "paths",
			"reason": "missing or empty",
		})
	}

	rep, err := s.kb.SyncPaths(ctx, paths, getOptionalBool(args, "ocr"))
	if err != nil {
		return nil, toMCPError("sync failed", err)
	}

	return mcp.NewToolResultText(formatJSON(rep)), nil
}

// handleGetTextPath handles the get_text_path tool invocation
func (s *Server) handleGetTextPath(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	path, ok := args["path"].(string)
	if !ok || path == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "path parameter is required", map[string]interface{}{
			"param":  "path",
			"reason": "missing or empty",
		})
	}

	out, err := s.kb.EnsureOne(ctx, path, getOptionalBool(args, "ocr"))
	if err != nil {
		return nil, toMCPError("failed to produce text", err)
	}

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"src": path,
		"out": out,
	})), nil
}

// handleListKB handles the list_kb tool invocation
func (s *Server) handleListKB(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	items, err := s.kb.ListArtifacts(ctx)
	if err != nil {
		return nil, toMCPError("failed to list artifacts", err)
	}

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"count": len(items),
		"items": items,
	})), nil
}

// handlePurgeOutputs handles the purge_outputs tool invocation
func (s *Server) handlePurgeOutputs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		args = map[string]interface{}{}
	}

	res, err := s.kb.Purge(ctx, kb.Selector{
		Globs:   getStringSlice(args, "globs"),
		Sources: getStringSlice(args, "sources"),
	})
	if err != nil {
		return nil, toMCPError("purge failed", err)
	}

	return mcp.NewToolResultText(formatJSON(res)), nil
}

// handleReadText handles the read_text tool invocation
func (s *Server) handleReadText(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	path, ok := args["path"].(string)
	if !ok || path == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "path parameter is required", map[string]interface{}{
			"param":  "path",
			"reason": "missing or empty",
		})
	}

	maxBytes := getIntDefault(args, "max_bytes", 0)
	if maxBytes < 0 {
		return nil, newMCPError(ErrorCodeInvalidParams, "max_bytes must not be negative", map[string]interface{}{
			"param": "max_bytes",
			"value": maxBytes,
		})
	}

	text, err := s.kb.ReadText(path, maxBytes)
	if err != nil {
		return nil, toMCPError("failed to read text", err)
	}

	return mcp.NewToolResultText(formatJSON(text)), nil
}

// handleConfigGet handles the config_get tool invocation
func (s *Server) handleConfigGet(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cfg := s.kb.Config()
	m, err := cfg.Map()
	if err != nil {
		return nil, toMCPError("failed to encode config", err)
	}
	return mcp.NewToolResultText(formatJSON(m)), nil
}

// handleConfigSet handles the config_set tool invocation
func (s *Server) handleConfigSet(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	updates, ok := args["updates"].(map[string]interface{})
	if !ok || len(updates) == 0 {
		return nil, newMCPError(ErrorCodeInvalidParams, "updates parameter is required", map[string]interface{}{
			"param":  "updates",
			"reason": "missing or empty object",
		})
	}

	cfg, err := s.kb.UpdateConfig(updates)
	if err != nil {
		if errors.Is(err, types.ErrPathTraversal) {
			return nil, toMCPError("invalid config", err)
		}
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid config", map[string]interface{}{
			"error": err.Error(),
		})
	}

	m, err := cfg.Map()
	if err != nil {
		return nil, toMCPError("failed to encode config", err)
	}
	return mcp.NewToolResultText(formatJSON(m)), nil
}

// handleGetStatus handles the get_status tool invocation
func (s *Server) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		args = map[string]interface{}{}
	}

	recent := getIntDefault(args, "recent", DefaultRecentRuns)
	if recent < 0 || recent > 200 {
		return nil, newMCPError(ErrorCodeInvalidParams, "recent must be between 0 and 200", map[string]interface{}{
			"param": "recent",
			"value": recent,
		})
	}

	rep, err := s.kb.Status(ctx, recent)
	if err != nil {
		return nil, toMCPError("failed to get status", err)
	}

	return mcp.NewToolResultText(formatJSON(rep)), nil
}

// Helper functions

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// errorCodes maps sync errors onto MCP error codes, most specific first
var errorCodes = []struct {
	err  error
	code int
}{
	{types.ErrPathTraversal, ErrorCodePathTraversal},
	{types.ErrEmptyPath, ErrorCodeInvalidParams},
	{types.ErrSourceNotFound, ErrorCodeSourceNotFound},
	{types.ErrUnsupportedType, ErrorCodeUnsupportedType},
	{extract.ErrOCRUnavailable, ErrorCodeOCRUnavailable},
	{types.ErrExtractionFailed, ErrorCodeExtractionFailed},
	{types.ErrWriteFailed, ErrorCodeWriteFailed},
	{types.ErrLockTimeout, ErrorCodeLockTimeout},
	{types.ErrContentNotExposed, ErrorCodeContentNotExposed},
	{types.ErrArtifactNotFound, ErrorCodeArtifactNotFound},
	{types.ErrCorruptLedger, ErrorCodeCorruptLedger},
	{types.ErrInvalidGlob, ErrorCodeInvalidGlobPattern},
	{types.ErrCanceled, ErrorCodeCanceled},
	{context.Canceled, ErrorCodeCanceled},
}

// toMCPError wraps err with the code of the sync error it carries
func toMCPError(message string, err error) error {
	code := ErrorCodeInternalError
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			code = ec.code
			break
		}
	}
	return newMCPError(code, message, map[string]interface{}{
		"error": err.Error(),
	})
}

// formatJSON formats a value as indented JSON
func formatJSON(data interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getOptionalBool extracts a boolean parameter, nil when absent
func getOptionalBool(args map[string]interface{}, key string) *bool {
	if val, ok := args[key].(bool); ok {
		return &val
	}
	return nil
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

// getStringSlice extracts a list of strings. A single string is a one-item
// list; non-string items are dropped.
func getStringSlice(args map[string]interface{}, key string) []string {
	switch val := args[key].(type) {
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case []string:
		return val
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
