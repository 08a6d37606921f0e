package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mantis/mssqlmcp/internal/exec"
	"github.com/mantis/mssqlmcp/internal/format"
	"github.com/mantis/mssqlmcp/internal/params"
	"github.com/mantis/mssqlmcp/internal/timeout"
)

// registerExecutionTools registers the synchronous execute_query and
// execute_stored_procedure tools, gated by the profile's enablement
// flags (spec §4.6 step 5): a disabled tool is simply never added to
// the registry, rather than added and rejecting calls at runtime.
func (s *Server) registerExecutionTools() {
	if s.profile.EnableExecuteQuery {
		s.register(scopedTool{
			name:        "execute_query",
			description: "Runs a SQL statement synchronously and returns its result as a Markdown table.",
			properties: map[string]interface{}{
				"query": map[string]interface{}{"type": "string", "description": "SQL text to execute."},
				"commandTimeoutSeconds": map[string]interface{}{
					"type":        "integer",
					"description": "Per-call override for the command timeout, in seconds.",
				},
				"maxRows": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum rows to render; omit for unlimited.",
				},
			},
			required: []string{"query"},
			handler:  s.handleExecuteQuery,
		})
	}

	if s.profile.EnableExecuteStoredProcedure {
		s.register(scopedTool{
			name:        "execute_stored_procedure",
			description: "Binds JSON parameters, calls a stored procedure synchronously, and returns its result as a Markdown table.",
			properties: map[string]interface{}{
				"procedureName": map[string]interface{}{"type": "string", "description": "Procedure name, optionally schema-qualified."},
				"parameters":    map[string]interface{}{"type": "object", "description": "Parameter values keyed by name."},
				"commandTimeoutSeconds": map[string]interface{}{
					"type":        "integer",
					"description": "Per-call override for the command timeout, in seconds.",
				},
				"maxRows": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum rows to render; omit for unlimited.",
				},
			},
			required: []string{"procedureName"},
			handler:  s.handleExecuteStoredProcedure,
		})
	}
}

func (s *Server) handleExecuteQuery(ctx context.Context, databaseName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	query, err := requiredStringArg(args, "query")
	if err != nil {
		return errorResult(err), nil
	}

	now := time.Now()
	budget := s.budgetFor(now)
	cmd, err := s.timeoutCtl.Start(ctx, budget, intArgPtr(args, "commandTimeoutSeconds"), now)
	if err != nil {
		return errorResult(err), nil
	}
	defer cmd.Cancel()

	stream, err := s.core.ExecuteQuery(cmd.Ctx, databaseName, query)
	if err != nil {
		return errorResult(cmd.ClassifyError(err, exec.IsDriverTimeout, totalSecondsOf(s.profile))), nil
	}
	return s.renderStream(cmd, stream, intArgPtr(args, "maxRows"))
}

func (s *Server) handleExecuteStoredProcedure(ctx context.Context, databaseName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	procedureName, err := requiredStringArg(args, "procedureName")
	if err != nil {
		return errorResult(err), nil
	}
	displayParams := objectArg(args, "parameters")

	db, err := s.core.Connect(ctx, databaseName)
	if err != nil {
		return errorResult(err), nil
	}
	descriptors, err := params.Describe(ctx, db, procedureName)
	db.Close()
	if err != nil {
		return errorResult(err), nil
	}
	bound, err := params.Bind(descriptors, displayParams)
	if err != nil {
		return errorResult(err), nil
	}

	now := time.Now()
	budget := s.budgetFor(now)
	cmd, err := s.timeoutCtl.Start(ctx, budget, intArgPtr(args, "commandTimeoutSeconds"), now)
	if err != nil {
		return errorResult(err), nil
	}
	defer cmd.Cancel()

	stream, err := s.core.ExecuteStoredProcedure(cmd.Ctx, databaseName, procedureName, bound)
	if err != nil {
		return errorResult(cmd.ClassifyError(err, exec.IsDriverTimeout, totalSecondsOf(s.profile))), nil
	}
	return s.renderStream(cmd, stream, intArgPtr(args, "maxRows"))
}

// renderStream drains stream into the Markdown table shape spec §6
// requires for synchronous results, classifying any mid-stream driver
// error the same way a failed initial call is classified.
func (s *Server) renderStream(cmd *timeout.Command, stream *exec.RowStream, maxRows *int) (*mcp.CallToolResult, error) {
	defer stream.Close()

	cols := stream.Columns()
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}

	var rows [][]string
	for stream.Next() {
		values, err := stream.Scan()
		if err != nil {
			return errorResult(cmd.ClassifyError(err, exec.IsDriverTimeout, totalSecondsOf(s.profile))), nil
		}
		row := make([]string, len(values))
		for i, v := range values {
			if v == nil {
				row[i] = ""
				continue
			}
			row[i] = fmt.Sprintf("%v", v)
		}
		rows = append(rows, row)
	}
	if err := stream.Err(); err != nil {
		return errorResult(cmd.ClassifyError(err, exec.IsDriverTimeout, totalSecondsOf(s.profile))), nil
	}

	limit := -1
	if maxRows != nil {
		limit = *maxRows
	}
	return mcp.NewToolResultText(format.Table(names, rows, limit)), nil
}
