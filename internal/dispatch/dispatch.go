// Package dispatch implements the Dispatcher & Tool Registry (spec
// §4.6): at startup it registers the tool set the active Mode and
// enablement flags call for, and on every invocation it constructs a
// fresh Timeout Controller context, dispatches to the Execution Core
// or Session Manager, and serializes the result or error to the wire
// shapes of spec §6.
//
// Grounded on the teacher's internal/handler.Handler: route by
// operation name, build a scoped execution context, wrap the error
// with the current operation's label. Here "route" is AddTool's own
// name-keyed dispatch. The mark3labs/mcp-go wiring itself (mcp.Tool
// struct literals, server.MCPServer.AddTool, server.ToolHandlerFunc,
// server.ServeStdio) follows the retrieved prtg and isthmus MCP
// servers in other_examples/, since no full repo in the corpus vendors
// mcp-go directly — only the teacher's own go.mod lists it.
package dispatch

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/mantis/mssqlmcp/internal/capability"
	"github.com/mantis/mssqlmcp/internal/config"
	"github.com/mantis/mssqlmcp/internal/exec"
	"github.com/mantis/mssqlmcp/internal/pool"
	"github.com/mantis/mssqlmcp/internal/session"
	"github.com/mantis/mssqlmcp/internal/timeout"
)

// poolStats is the subset of *internal/pool.Manager the pool_stats
// tool needs; nil in tests that never construct a probe pool.
type poolStats interface {
	Stats() map[string]pool.Stat
	PoolCount() int
}

// Server wires C1-C5 into the MCP tool set spec §4.6 describes.
type Server struct {
	mcp *server.MCPServer

	profile    *config.ConnectionProfile
	core       *exec.Core
	sessions   *session.Manager
	detector   *capability.Detector
	timeoutCtl *timeout.Controller
	defTimeout *timeout.DefaultTimeout
	pool       poolStats
	logger     zerolog.Logger
}

// New constructs a Server and registers its tool set per
// profile.Mode and the enablement flags (spec §4.6 steps 4-5).
// probePool may be nil; the pool_stats tool then reports an empty
// pool rather than failing.
func New(
	profile *config.ConnectionProfile,
	core *exec.Core,
	sessions *session.Manager,
	detector *capability.Detector,
	timeoutCtl *timeout.Controller,
	defTimeout *timeout.DefaultTimeout,
	probePool poolStats,
	logger zerolog.Logger,
) *Server {
	s := &Server{
		mcp:        server.NewMCPServer("mssqlmcp", "1.0.0", server.WithToolCapabilities(true)),
		profile:    profile,
		core:       core,
		sessions:   sessions,
		detector:   detector,
		timeoutCtl: timeoutCtl,
		defTimeout: defTimeout,
		pool:       probePool,
		logger:     logger,
	}
	s.registerTools()
	return s
}

// ServeStdio blocks serving MCP requests over stdio until the
// transport ends or an unrecoverable error occurs.
func (s *Server) ServeStdio(_ context.Context) error {
	s.logger.Info().Str("mode", string(s.profile.Mode)).Msg("starting MCP server on stdio")
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerTools() {
	s.registerCapabilityTools()
	s.registerPoolStatsTool()
	s.registerTimeoutTools()
	s.registerSchemaTools()
	s.registerExecutionTools()
	s.registerSessionTools()

	s.logger.Info().Str("mode", string(s.profile.Mode)).Msg("tool registry ready")
}

// budgetFor builds the tool-call total budget for one synchronous
// invocation (spec §4.2; TotalToolCallTimeoutSeconds nil disables it).
func (s *Server) budgetFor(now time.Time) timeout.Budget {
	return timeout.NewBudget(s.profile.TotalToolCallTimeoutSeconds, now)
}

// addTool registers tool wrapped with one structured log line per
// invocation (name, elapsed time, outcome), per the ambient logging
// contract: Info on success, Warn when the handler reports IsError,
// Error (with .Err(err)) when the handler itself returns a Go error.
func (s *Server) addTool(tool mcp.Tool, handler server.ToolHandlerFunc) {
	name := tool.Name
	s.mcp.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		result, err := handler(ctx, request)
		elapsed := time.Since(start)

		switch {
		case err != nil:
			s.logger.Error().Err(err).Str("tool", name).Dur("elapsed", elapsed).Msg("tool invocation failed")
		case result != nil && result.IsError:
			s.logger.Warn().Str("tool", name).Dur("elapsed", elapsed).Msg("tool invocation returned error")
		default:
			s.logger.Info().Str("tool", name).Dur("elapsed", elapsed).Msg("tool invocation")
		}
		return result, err
	})
}

func totalSecondsOf(p *config.ConnectionProfile) int {
	if p.TotalToolCallTimeoutSeconds == nil {
		return 0
	}
	return *p.TotalToolCallTimeoutSeconds
}
