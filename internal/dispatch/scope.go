package dispatch

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mantis/mssqlmcp/internal/config"
)

// scopedTool describes one operation that spec §4.6 registers either
// scope-less (database mode: the connection's initial catalog
// applies) or as a "<name>_in_database" variant requiring an explicit
// databaseName (server mode).
type scopedTool struct {
	name        string
	description string
	properties  map[string]interface{}
	required    []string
	handler     func(ctx context.Context, databaseName string, args map[string]interface{}) (*mcp.CallToolResult, error)
}

// register installs t under the name and input schema its mode calls
// for, and strips/injects the databaseName argument so handler always
// sees a plain databaseName string ("" meaning the connection's own
// catalog).
func (s *Server) register(t scopedTool) {
	properties := make(map[string]interface{}, len(t.properties)+1)
	for k, v := range t.properties {
		properties[k] = v
	}
	required := append([]string(nil), t.required...)
	name := t.name
	serverMode := s.profile.Mode == config.ModeServer

	if serverMode {
		name = t.name + "_in_database"
		properties["databaseName"] = map[string]interface{}{
			"type":        "string",
			"description": "Target database name.",
		}
		required = append(required, "databaseName")
	}

	s.addTool(mcp.Tool{
		Name:        name,
		Description: t.description,
		InputSchema: mcp.ToolInputSchema{Type: "object", Properties: properties, Required: required},
	}, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		databaseName := ""
		if serverMode {
			var err error
			databaseName, err = requiredStringArg(args, "databaseName")
			if err != nil {
				return errorResult(err), nil
			}
		}
		return t.handler(ctx, databaseName, args)
	})
}
