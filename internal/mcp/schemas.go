package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

func stringArray(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "array",
		"description": description,
		"items": map[string]interface{}{
			"type": "string",
		},
	}
}

var ocrProperty = map[string]interface{}{
	"type":        "boolean",
	"description": "Run OCR on PDF pages without a text layer. Defaults to the configured value",
}

// scanRepoTool returns the tool definition for scan_repo
func scanRepoTool() mcp.Tool {
	return mcp.Tool{
		Name:        "scan_repo",
		Description: "List the source documents in the repository that match the configured globs",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"globs":         stringArray("Include patterns overriding the configured globs (e.g. '**/*.pdf')"),
				"exclude_globs": stringArray("Exclude patterns overriding the configured exclude_globs"),
			},
		},
	}
}

// syncAllTool returns the tool definition for sync_all
func syncAllTool() mcp.Tool {
	return mcp.Tool{
		Name:        "sync_all",
		Description: "Bring the cached text of every source document up to date",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"globs":         stringArray("Include patterns overriding the configured globs"),
				"exclude_globs": stringArray("Exclude patterns overriding the configured exclude_globs"),
				"ocr":           ocrProperty,
			},
		},
	}
}

// syncPathsTool returns the tool definition for sync_paths
func syncPathsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "sync_paths",
		Description: "Bring the cached text of specific source documents up to date",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"paths": stringArray("Source paths, repository-relative or absolute inside the repository"),
				"ocr":   ocrProperty,
			},
			Required: []string{"paths"},
		},
	}
}

// getTextPathTool returns the tool definition for get_text_path
func getTextPathTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_text_path",
		Description: "Ensure one source document is cached and return the repository-relative path of its text",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Source path, repository-relative or absolute inside the repository",
				},
				"ocr": ocrProperty,
			},
			Required: []string{"path"},
		},
	}
}

// listKBTool returns the tool definition for list_kb
func listKBTool() mcp.Tool {
	return mcp.Tool{
		Name:        "list_kb",
		Description: "List every cached text file with the source it was derived from",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}

// purgeOutputsTool returns the tool definition for purge_outputs
func purgeOutputsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "purge_outputs",
		Description: "Delete cached text files and their ledger entries. Source documents are never touched. With no selector every cached text file is purged",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"globs":   stringArray("Patterns matched against artifact paths relative to the cache root"),
				"sources": stringArray("Source paths whose cached text should be removed"),
			},
		},
	}
}

// readTextTool returns the tool definition for read_text
func readTextTool() mcp.Tool {
	return mcp.Tool{
		Name:        "read_text",
		Description: "Read a cached text file. Disabled unless expose_content is set in the configuration",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Repository-relative path of the cached text file",
				},
				"max_bytes": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of bytes to return (0 reads everything)",
					"default":     0,
					"minimum":     0,
				},
			},
			Required: []string{"path"},
		},
	}
}

// configGetTool returns the tool definition for config_get
func configGetTool() mcp.Tool {
	return mcp.Tool{
		Name:        "config_get",
		Description: "Return the effective configuration",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}

// configSetTool returns the tool definition for config_set
func configSetTool() mcp.Tool {
	return mcp.Tool{
		Name:        "config_set",
		Description: "Deep-merge a partial configuration into the persisted configuration",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"updates": map[string]interface{}{
					"type":        "object",
					"description": "Partial configuration, e.g. {\"skip_unchanged\": true, \"pdf\": {\"page_delimiter\": \"## {n}\"}}",
				},
			},
			Required: []string{"updates"},
		},
	}
}

// getStatusTool returns the tool definition for get_status
func getStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_status",
		Description: "Report ledger totals and recent sync runs",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"recent": map[string]interface{}{
					"type":        "integer",
					"description": "Number of recent runs to include (0-200)",
					"default":     DefaultRecentRuns,
					"minimum":     0,
					"maximum":     200,
				},
			},
		},
	}
}
