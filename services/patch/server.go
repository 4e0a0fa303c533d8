// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package patch

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// ToolName is the MCP tool exposed by the server.
const ToolName = "patch_file"

// Version is set at build time via ldflags.
var Version = "dev"

const toolDescription = `Update a text file by applying one or more SEARCH/REPLACE blocks to it.

Each block has the form:

<<<<<<< SEARCH
exact text currently in the file
=======
replacement text
>>>>>>> REPLACE

Rules:
- The SEARCH text must match the file exactly (whitespace and indentation included) and must occur exactly once.
- Blocks are applied in order; each sees the result of the previous ones.
- If any block fails, nothing is written.
- After a successful edit of a Python file, ruff, black and mypy run from the project's virtual environment and their results are appended to the response.`

const serverInstructions = `This server edits existing files inside the allowed directories with SEARCH/REPLACE blocks.
Use the patch_file tool for targeted edits; include enough surrounding lines in each SEARCH section to make it unique.
When an edit fails, read the error: it names the failing block, the number of matches, and may show a near match with line numbers.`

// NewMCPServer creates an MCP server exposing svc as the patch_file tool.
func NewMCPServer(svc *Service) *server.MCPServer {
	s := server.NewMCPServer(
		"patchmcp",
		Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions(serverInstructions),
	)
	s.AddTool(patchTool(), handlePatch(svc))
	return s
}

func patchTool() mcp.Tool {
	return mcp.NewTool(ToolName,
		mcp.WithDescription(toolDescription),
		mcp.WithTitleAnnotation("Patch file"),
		mcp.WithDestructiveHintAnnotation(true),
		mcp.WithIdempotentHintAnnotation(false),
		mcp.WithString("file_path",
			mcp.Required(),
			mcp.Description("Path of the file to patch. Absolute paths are recommended."),
		),
		mcp.WithString("patch_content",
			mcp.Required(),
			mcp.Description("One or more SEARCH/REPLACE blocks."),
		),
	)
}

// handlePatch adapts Service.PatchFile to an MCP tool handler. Failures are
// returned as tool error results so the client sees the message.
func handlePatch(svc *Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		filePath, err := req.RequireString("file_path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		patchContent, err := req.RequireString("patch_content")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		out, err := svc.PatchFile(ctx, filePath, patchContent)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(out), nil
	}
}
