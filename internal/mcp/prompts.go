package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dshills/escarabajo/internal/prompts"
)

// registerPrompts offers the prompt pack as native MCP prompts
func (s *Server) registerPrompts() {
	for _, p := range prompts.List() {
		opts := []mcp.PromptOption{mcp.WithPromptDescription(p.Description)}
		for _, a := range p.Args {
			opts = append(opts, mcp.WithArgument(a.Name,
				mcp.ArgumentDescription(a.Description),
				mcp.RequiredArgument(),
			))
		}
		s.mcp.AddPrompt(mcp.NewPrompt(p.Name, opts...), promptHandler(p))
	}
}

func promptHandler(p prompts.Prompt) server.PromptHandlerFunc {
	return func(_ context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		params := make(map[string]any, len(req.Params.Arguments))
		for k, v := range req.Params.Arguments {
			params[k] = v
		}
		text, err := prompts.Render(p.Name, params)
		if err != nil {
			return nil, err
		}
		return mcp.NewGetPromptResult(p.Description, []mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(text)),
		}), nil
	}
}

func listPromptsTool() mcp.Tool {
	return mcp.NewTool("list_prompts",
		mcp.WithDescription("List the prompt templates for working with cached documents"),
	)
}

func getPromptTool() mcp.Tool {
	return mcp.NewTool("get_prompt",
		mcp.WithDescription("Render a prompt template. Without params the raw template is returned"),
		mcp.WithString("name",
			mcp.Description("Prompt name, e.g. doc.summarize"),
			mcp.Required(),
		),
		mcp.WithObject("params",
			mcp.Description("Template parameters, e.g. {\"path\": \".escarabajo/kb/docs/design.docx.md\"}"),
		),
	)
}

// handleListPrompts handles the list_prompts tool invocation
func (s *Server) handleListPrompts(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	items := make([]map[string]interface{}, 0)
	for _, p := range prompts.List() {
		args := make([]map[string]interface{}, 0, len(p.Args))
		for _, a := range p.Args {
			args = append(args, map[string]interface{}{
				"name":        a.Name,
				"description": a.Description,
				"list":        a.List,
			})
		}
		items = append(items, map[string]interface{}{
			"name":        p.Name,
			"description": p.Description,
			"args":        args,
		})
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{"prompts": items})), nil
}

// handleGetPrompt handles the get_prompt tool invocation
func (s *Server) handleGetPrompt(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	name, ok := args["name"].(string)
	if !ok || name == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "name parameter is required", map[string]interface{}{
			"param":  "name",
			"reason": "missing or empty",
		})
	}
	params, _ := args["params"].(map[string]interface{})

	text, err := prompts.Render(name, params)
	if errors.Is(err, prompts.ErrUnknownPrompt) {
		return nil, newMCPError(ErrorCodeInvalidParams, "unknown prompt", map[string]interface{}{
			"param":   "name",
			"value":   name,
			"allowed": prompts.Names(),
		})
	}
	if err != nil {
		return nil, newMCPError(ErrorCodeInvalidParams, "failed to render prompt", map[string]interface{}{
			"error": err.Error(),
		})
	}

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"name": name,
		"text": text,
	})), nil
}
