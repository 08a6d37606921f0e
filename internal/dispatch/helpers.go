package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mantis/mssqlmcp/internal/sqlerr"
)

// stringArg reads an optional string argument, defaulting to "".
func stringArg(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}

// requiredStringArg reads a required, non-blank string argument.
func requiredStringArg(args map[string]interface{}, key string) (string, error) {
	v := stringArg(args, key)
	if strings.TrimSpace(v) == "" {
		return "", sqlerr.Wrap(sqlerr.EmptyArgument, "%s is required", key)
	}
	return v, nil
}

// intArgPtr reads an optional integer argument. MCP transports JSON
// numbers as float64, so both JSON-decoded and directly-constructed
// (test) values are accepted.
func intArgPtr(args map[string]interface{}, key string) *int {
	switch v := args[key].(type) {
	case float64:
		n := int(v)
		return &n
	case int:
		return &v
	}
	return nil
}

// requiredSessionID reads the sessionId argument every session tool
// shares.
func requiredSessionID(args map[string]interface{}) (int64, error) {
	v, ok := args["sessionId"]
	if !ok {
		return 0, sqlerr.Wrap(sqlerr.EmptyArgument, "sessionId is required")
	}
	switch t := v.(type) {
	case float64:
		return int64(t), nil
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	default:
		return 0, sqlerr.Wrap(sqlerr.EmptyArgument, "sessionId must be an integer")
	}
}

// objectArg reads an optional object argument (stored-procedure
// parameter maps).
func objectArg(args map[string]interface{}, key string) map[string]interface{} {
	v, _ := args[key].(map[string]interface{})
	return v
}

// errorResult renders err as the "Error: <reason>" wire shape spec §7
// specifies. Tool handlers report failures in-band via IsError rather
// than returning a Go error, so a malformed argument or a classified
// SQL error both reach the client as ordinary tool output.
func errorResult(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("Error: %v", err))
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// formatTimestamp renders spec §6's "yyyy-MM-dd HH:mm:ss UTC" shape.
func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05") + " UTC"
}

// formatDuration renders spec §6's "S.S seconds" shape.
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1f seconds", d.Seconds())
}
