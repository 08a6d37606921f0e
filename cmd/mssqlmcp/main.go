// Package main provides the CLI entry point for the MSSQL MCP server.
//
// The server speaks the Model Context Protocol over stdio, exposing
// schema browsing, synchronous query/stored-procedure execution, and
// background session management against one Microsoft SQL Server
// connection string.
//
// Usage:
//
//	mssqlmcp [flags]
//
// Flags:
//
//	-help    Show help message
//	-version Show version information
//	-env     Path to a .env file to load before reading configuration
//	-config  Path to a DatabaseConfiguration YAML file
//
// Configuration is read from MSSQL_CONNECTIONSTRING and the
// DatabaseConfiguration__* environment variables, falling back to the
// YAML file's DatabaseConfiguration block, falling back to the
// defaults in internal/config.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/mantis/mssqlmcp/internal/capability"
	"github.com/mantis/mssqlmcp/internal/config"
	"github.com/mantis/mssqlmcp/internal/dispatch"
	"github.com/mantis/mssqlmcp/internal/exec"
	"github.com/mantis/mssqlmcp/internal/pool"
	"github.com/mantis/mssqlmcp/internal/session"
	"github.com/mantis/mssqlmcp/internal/timeout"
)

// Version is set at build time.
var Version = "dev"

func main() {
	showHelp := flag.Bool("help", false, "Show help message")
	showVersion := flag.Bool("version", false, "Show version information")
	envFile := flag.String("env", ".env", "Path to a .env file to load before reading configuration")
	configPath := flag.String("config", "", "Path to a DatabaseConfiguration YAML file")
	flag.Parse()

	if *showHelp {
		printHelp()
		os.Exit(0)
	}

	if *showVersion {
		fmt.Printf("mssqlmcp version %s\n", Version)
		os.Exit(0)
	}

	if err := run(*envFile, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(envFile, configPath string) error {
	logger := newLogger()

	profile, err := config.Load(envFile, configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("shutdown signal received")
		cancel()
	}()

	core := exec.New(profile.ConnectionString)

	defTimeout := timeout.NewDefaultTimeout(profile.DefaultCommandTimeoutSeconds)
	timeoutCtl := timeout.NewController(defTimeout)

	sessions := session.NewManager(core, timeoutCtl, profile.MaxConcurrentSessions, reapIntervalOf(profile), logger)
	sessions.Start()
	defer sessions.Stop()

	probePool := pool.NewManager(pool.DefaultConfig())
	defer probePool.Close()
	detector := capability.NewDetector(probePool, logger)
	core.SetCapabilityDetector(detector)

	srv := dispatch.New(profile, core, sessions, detector, timeoutCtl, defTimeout, probePool, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ServeStdio(ctx) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if raw := os.Getenv("MSSQLMCP_LOG_LEVEL"); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	// MCP clients own stdout for protocol traffic; every log line goes
	// to stderr instead.
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		Level(level).
		With().
		Timestamp().
		Str("component", "mssqlmcp").
		Logger()
}

func reapIntervalOf(p *config.ConnectionProfile) (interval time.Duration) {
	minutes := p.SessionCleanupIntervalMinutes
	if minutes <= 0 {
		minutes = 1
	}
	return time.Duration(minutes) * time.Minute
}

func printHelp() {
	fmt.Println(`MSSQL MCP Server

USAGE:
    mssqlmcp [FLAGS]

FLAGS:
    -help              Show this help message
    -version           Show version information
    -env PATH          Path to a .env file (default: .env, missing file is not an error)
    -config PATH        Path to a DatabaseConfiguration YAML file

DESCRIPTION:
    Exposes one Microsoft SQL Server connection as an MCP server over
    stdio: schema browsing, synchronous query/stored-procedure
    execution, and background session management.

CONFIGURATION (environment variables, DatabaseConfiguration__* wins
over the -config file, which wins over built-in defaults):
    MSSQL_CONNECTIONSTRING                              Required. ADO.NET-style connection string.
    DatabaseConfiguration__EnableExecuteQuery            Enable synchronous query execution (default: false)
    DatabaseConfiguration__EnableExecuteStoredProcedure  Enable synchronous procedure execution (default: false)
    DatabaseConfiguration__EnableStartQuery              Enable background query sessions (default: false)
    DatabaseConfiguration__EnableStartStoredProcedure    Enable background procedure sessions (default: false)
    DatabaseConfiguration__DefaultCommandTimeoutSeconds  Default per-call command timeout (default: 30)
    DatabaseConfiguration__ConnectionTimeoutSeconds      Connection dial timeout (default: 15)
    DatabaseConfiguration__MaxConcurrentSessions         Background session admission limit (default: 10)
    DatabaseConfiguration__SessionCleanupIntervalMinutes Reaper sweep interval (default: 60)
    DatabaseConfiguration__TotalToolCallTimeoutSeconds   Total tool-call budget; empty string disables it (default: 120)
    MSSQLMCP_LOG_LEVEL                                  zerolog level name (default: info)

MODE:
    The connection string's Database/Initial Catalog value selects the
    tool set: present, tools operate on that database; absent, tools
    take a required databaseName argument and register as *_in_database.`)
}
