package dispatch

import (
	"github.com/mark3labs/mcp-go/mcp"
)

func newRequest(args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{Params: mcp.CallToolParams{Arguments: args}}
}

// resultText extracts the first text block from a tool result, for
// assertions against JSON/Markdown bodies.
func resultText(result *mcp.CallToolResult) string {
	if len(result.Content) == 0 {
		return ""
	}
	if tc, ok := result.Content[0].(mcp.TextContent); ok {
		return tc.Text
	}
	return ""
}
