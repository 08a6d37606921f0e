package dispatch

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mantis/mssqlmcp/internal/config"
	"github.com/mantis/mssqlmcp/internal/sqlerr"
)

// registerCapabilityTools registers server_capabilities (spec §4.1,
// §6): one-shot version/edition/feature detection, memoized by the
// Capability Detector.
func (s *Server) registerCapabilityTools() {
	s.addTool(mcp.Tool{
		Name:        "server_capabilities",
		Description: "Reports the target SQL Server's version, edition, deployment class, and feature support.",
		InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]interface{}{}},
	}, s.handleServerCapabilities)
}

// registerPoolStatsTool registers pool_stats, a capability-adjacent
// read exposing the capability probe's connection pool the way the
// teacher's internal/pool.Manager.Stats()/PoolCount() do — collapsed
// here to the one (driver, connection string) pair this server ever
// holds, instead of the teacher's multi-tenant pool map.
func (s *Server) registerPoolStatsTool() {
	s.addTool(mcp.Tool{
		Name:        "pool_stats",
		Description: "Reports connection pool statistics for the capability probe's pooled connection.",
		InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]interface{}{}},
	}, s.handlePoolStats)
}

func (s *Server) handlePoolStats(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.pool == nil {
		return jsonResult(map[string]interface{}{"poolCount": 0, "pools": map[string]interface{}{}})
	}

	pools := make(map[string]interface{}, s.pool.PoolCount())
	for key, stat := range s.pool.Stats() {
		pools[key] = map[string]interface{}{
			"driver":          stat.Driver,
			"createdAt":       stat.CreatedAt,
			"openConnections": stat.Stats.OpenConnections,
			"inUse":           stat.Stats.InUse,
			"idle":            stat.Stats.Idle,
		}
	}
	return jsonResult(map[string]interface{}{"poolCount": s.pool.PoolCount(), "pools": pools})
}

func (s *Server) handleServerCapabilities(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cap, err := s.detector.Detect(ctx, s.profile.ConnectionString)
	if err != nil {
		return errorResult(err), nil
	}

	result := map[string]interface{}{
		"version":                cap.Version,
		"majorVersion":           cap.MajorVersion,
		"minorVersion":           cap.MinorVersion,
		"buildNumber":            cap.BuildNumber,
		"edition":                cap.Edition,
		"isAzureSqlDatabase":     cap.IsAzureSQLDatabase(),
		"isAzureVmSqlServer":     cap.IsAzureVMSQLServer(),
		"isOnPremisesSqlServer":  cap.IsOnPremisesSQLServer(),
		"toolMode":               string(s.profile.Mode),
		"features": map[string]interface{}{
			"json":              cap.Features.SupportsJSON,
			"columnstoreIndex":  cap.Features.SupportsColumnstoreIndex,
			"temporalTables":    cap.Features.SupportsTemporalTables,
			"rowLevelSecurity":  cap.Features.SupportsRowLevelSecurity,
			"inMemoryOltp":      cap.Features.SupportsInMemoryOLTP,
			"graph":             cap.Features.SupportsGraph,
			"alwaysEncrypted":   cap.Features.SupportsAlwaysEncrypted,
			"queryStore":        cap.Features.SupportsQueryStore,
			"exactRowCount":     cap.Features.SupportsExactRowCount,
			"detailedIndexMeta": cap.Features.SupportsDetailedIndexMeta,
			"partitioning":      cap.Features.SupportsPartitioning,
		},
	}
	if s.profile.Mode == config.ModeDatabase {
		result["databaseName"] = cap.DatabaseName
	}
	return jsonResult(result)
}

// registerTimeoutTools registers set_command_timeout/get_command_timeout
// (spec §4.2, §9): the runtime-tunable default command timeout.
func (s *Server) registerTimeoutTools() {
	s.addTool(mcp.Tool{
		Name:        "get_command_timeout",
		Description: "Returns the current default command timeout, in seconds, applied to commands with no per-call override.",
		InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]interface{}{}},
	}, s.handleGetCommandTimeout)

	s.addTool(mcp.Tool{
		Name:        "set_command_timeout",
		Description: "Sets the default command timeout, in seconds, for commands started after this call returns. In-flight commands are unaffected.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"seconds": map[string]interface{}{
					"type":        "integer",
					"description": "New default command timeout in seconds (1-3600).",
				},
			},
			Required: []string{"seconds"},
		},
	}, s.handleSetCommandTimeout)
}

func (s *Server) handleGetCommandTimeout(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]interface{}{"commandTimeoutSeconds": s.defTimeout.Get()})
}

func (s *Server) handleSetCommandTimeout(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	seconds, ok := args["seconds"]
	if !ok {
		return errorResult(sqlerr.Wrap(sqlerr.EmptyArgument, "seconds is required")), nil
	}
	n, ok := toInt(seconds)
	if !ok {
		return errorResult(sqlerr.Wrap(sqlerr.EmptyArgument, "seconds must be an integer")), nil
	}
	if err := s.defTimeout.Set(n); err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]interface{}{"commandTimeoutSeconds": s.defTimeout.Get()})
}

func toInt(v interface{}) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	}
	return 0, false
}
