package dispatch

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mantis/mssqlmcp/internal/params"
	"github.com/mantis/mssqlmcp/internal/session"
	"github.com/mantis/mssqlmcp/internal/sqlerr"
)

// registerSessionTools registers start_query/start_stored_procedure,
// gated individually by their enablement flags, plus the
// session-management tools (status/results/cancel/list) gated by
// either flag being enabled — spec §4.5 treats background work as one
// subsystem once any background entry point is turned on.
func (s *Server) registerSessionTools() {
	if s.profile.EnableStartQuery {
		s.register(scopedTool{
			name:        "start_query",
			description: "Starts a SQL statement running in the background and returns its session id immediately.",
			properties: map[string]interface{}{
				"query": map[string]interface{}{"type": "string", "description": "SQL text to execute."},
				"commandTimeoutSeconds": map[string]interface{}{
					"type":        "integer",
					"description": "Per-call override for the command timeout, in seconds.",
				},
			},
			required: []string{"query"},
			handler:  s.handleStartQuery,
		})
	}

	if s.profile.EnableStartStoredProcedure {
		s.register(scopedTool{
			name:        "start_stored_procedure",
			description: "Binds JSON parameters and starts a stored procedure running in the background, returning its session id immediately.",
			properties: map[string]interface{}{
				"procedureName": map[string]interface{}{"type": "string", "description": "Procedure name, optionally schema-qualified."},
				"parameters":    map[string]interface{}{"type": "object", "description": "Parameter values keyed by name."},
				"commandTimeoutSeconds": map[string]interface{}{
					"type":        "integer",
					"description": "Per-call override for the command timeout, in seconds.",
				},
			},
			required: []string{"procedureName"},
			handler:  s.handleStartStoredProcedure,
		})
	}

	if !s.profile.EnableStartQuery && !s.profile.EnableStartStoredProcedure {
		return
	}

	s.addTool(mcp.Tool{
		Name:        "get_session_status",
		Description: "Returns a background session's current state, start/end time, and row count.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{"sessionId": map[string]interface{}{"type": "integer", "description": "Session id returned by start_query/start_stored_procedure."}},
			Required:   []string{"sessionId"},
		},
	}, s.handleGetSessionStatus)

	s.addTool(mcp.Tool{
		Name:        "get_session_results",
		Description: "Returns a background session's status plus its buffered rows as a Markdown table. Safe to call while still running.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"sessionId": map[string]interface{}{"type": "integer", "description": "Session id returned by start_query/start_stored_procedure."},
				"maxRows":   map[string]interface{}{"type": "integer", "description": "Maximum rows to render; omit for unlimited."},
			},
			Required: []string{"sessionId"},
		},
	}, s.handleGetSessionResults)

	s.addTool(mcp.Tool{
		Name:        "stop_session",
		Description: "Requests cancellation of a running background session.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{"sessionId": map[string]interface{}{"type": "integer", "description": "Session id to cancel."}},
			Required:   []string{"sessionId"},
		},
	}, s.handleStopSession)

	s.addTool(mcp.Tool{
		Name:        "list_sessions",
		Description: "Lists background sessions, optionally filtered to running or completed.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"filter": map[string]interface{}{
					"type":        "string",
					"description": "\"all\" (default), \"running\", or \"completed\".",
					"enum":        []string{"all", "running", "completed"},
				},
			},
		},
	}, s.handleListSessions)
}

func (s *Server) handleStartQuery(_ context.Context, databaseName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	query, err := requiredStringArg(args, "query")
	if err != nil {
		return errorResult(err), nil
	}
	snap, err := s.sessions.StartQuery(query, databaseName, intArgPtr(args, "commandTimeoutSeconds"))
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(startResponse(snap))
}

func (s *Server) handleStartStoredProcedure(ctx context.Context, databaseName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
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

	snap, err := s.sessions.StartStoredProcedure(procedureName, databaseName, bound, displayParams, intArgPtr(args, "commandTimeoutSeconds"))
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(startResponse(snap))
}

func (s *Server) handleGetSessionStatus(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requiredSessionID(request.GetArguments())
	if err != nil {
		return errorResult(err), nil
	}
	snap, ok := s.sessions.GetSession(id)
	if !ok {
		return errorResult(sqlerr.Wrap(sqlerr.SessionNotFound, "session %d", id)), nil
	}
	return jsonResult(statusResponse(snap))
}

func (s *Server) handleGetSessionResults(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	id, err := requiredSessionID(args)
	if err != nil {
		return errorResult(err), nil
	}
	snap, table, err := s.sessions.GetSessionResults(id, intArgPtr(args, "maxRows"))
	if err != nil {
		return errorResult(err), nil
	}
	resp := statusResponse(snap)
	resp["results"] = table
	return jsonResult(resp)
}

func (s *Server) handleStopSession(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requiredSessionID(request.GetArguments())
	if err != nil {
		return errorResult(err), nil
	}
	cancelled, err := s.sessions.CancelSession(id)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]interface{}{"sessionId": id, "cancelled": cancelled})
}

func (s *Server) handleListSessions(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := session.FilterAll
	switch stringArg(request.GetArguments(), "filter") {
	case "running":
		filter = session.FilterRunning
	case "completed":
		filter = session.FilterCompleted
	}
	snaps := s.sessions.ListSessions(filter)
	out := make([]map[string]interface{}, len(snaps))
	for i, snap := range snaps {
		out[i] = statusResponse(snap)
	}
	return jsonResult(map[string]interface{}{"sessions": out})
}

// startResponse and statusResponse render a Snapshot as spec §6's
// session wire shape: `status` (not `state`) throughout, `query` or
// `procedureName` depending on Kind, and startResponse's one-line
// human-readable `message`.
func startResponse(snap session.Snapshot) map[string]interface{} {
	resp := map[string]interface{}{
		"sessionId":      snap.ID,
		"type":           string(snap.Type),
		"databaseName":   snap.DatabaseName,
		"status":         string(snap.State),
		"startTime":      formatTimestamp(snap.StartTime),
		"timeoutSeconds": snap.TimeoutSeconds,
		"message":        startMessage(snap),
	}
	if snap.Type == session.KindStoredProcedure {
		resp["procedureName"] = snap.Statement
	} else {
		resp["query"] = snap.Statement
	}
	if snap.Parameters != nil {
		resp["parameters"] = snap.Parameters
	}
	return resp
}

func startMessage(snap session.Snapshot) string {
	if snap.Type == session.KindStoredProcedure {
		return fmt.Sprintf("Stored procedure %s started as session %d", snap.Statement, snap.ID)
	}
	return fmt.Sprintf("Query started as session %d", snap.ID)
}

func statusResponse(snap session.Snapshot) map[string]interface{} {
	resp := map[string]interface{}{
		"sessionId":      snap.ID,
		"type":           string(snap.Type),
		"databaseName":   snap.DatabaseName,
		"status":         string(snap.State),
		"isRunning":      snap.State == session.StateRunning,
		"startTime":      formatTimestamp(snap.StartTime),
		"rowCount":       snap.RowCount,
		"timeoutSeconds": snap.TimeoutSeconds,
	}
	if snap.HasEndTime {
		resp["endTime"] = formatTimestamp(snap.EndTime)
		resp["duration"] = formatDuration(snap.EndTime.Sub(snap.StartTime))
	}
	if snap.HasError {
		resp["error"] = snap.Error
	}
	return resp
}
