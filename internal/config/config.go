// Package config loads the process-wide ConnectionProfile from
// environment variables and an optional YAML file, and derives the
// dispatcher's Mode from the connection string.
//
// Environment variables always win over the file, following the
// convention set out in spec §6. A ".env" file is loaded first (if
// present) via godotenv, exactly as develaparX's server does at
// startup, so that local development can populate os.Getenv without
// requiring a real shell export.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Mode selects which tool set the dispatcher registers.
type Mode string

const (
	// ModeDatabase is selected when the connection string names an
	// initial catalog; scope-less tools are registered.
	ModeDatabase Mode = "database"

	// ModeServer is selected when no initial catalog is present;
	// *_in_database tool variants are registered instead.
	ModeServer Mode = "server"
)

// Bounds on the tiered timeout controller (spec §4.2).
const (
	MinCommandTimeoutSeconds = 1
	MaxCommandTimeoutSeconds = 3600
)

// ConnectionProfile is process-wide and immutable once Load returns.
type ConnectionProfile struct {
	ConnectionString string
	Mode             Mode

	DefaultCommandTimeoutSeconds int
	ConnectionTimeoutSeconds     int

	// TotalToolCallTimeoutSeconds is nil when the total budget (T) is
	// disabled.
	TotalToolCallTimeoutSeconds *int

	MaxConcurrentSessions           int
	SessionCleanupIntervalMinutes   int

	EnableExecuteQuery           bool
	EnableExecuteStoredProcedure bool
	EnableStartQuery             bool
	EnableStartStoredProcedure   bool
}

// fileConfig mirrors the YAML file shape; every field is optional and
// only supplies a default when the matching environment variable is
// unset.
type fileConfig struct {
	DatabaseConfiguration struct {
		EnableExecuteQuery           *bool `yaml:"EnableExecuteQuery"`
		EnableExecuteStoredProcedure *bool `yaml:"EnableExecuteStoredProcedure"`
		EnableStartQuery             *bool `yaml:"EnableStartQuery"`
		EnableStartStoredProcedure   *bool `yaml:"EnableStartStoredProcedure"`
		DefaultCommandTimeoutSeconds *int  `yaml:"DefaultCommandTimeoutSeconds"`
		ConnectionTimeoutSeconds     *int  `yaml:"ConnectionTimeoutSeconds"`
		MaxConcurrentSessions        *int  `yaml:"MaxConcurrentSessions"`
		SessionCleanupIntervalMinutes *int `yaml:"SessionCleanupIntervalMinutes"`
		TotalToolCallTimeoutSeconds  *int  `yaml:"TotalToolCallTimeoutSeconds"`
	} `yaml:"DatabaseConfiguration"`
}

// Defaults per spec §6.
const (
	defaultCommandTimeout  = 30
	defaultConnTimeout     = 15
	defaultMaxSessions     = 10
	defaultCleanupInterval = 60
	defaultTotalToolBudget = 120
)

// Load reads MSSQL_CONNECTIONSTRING and the DatabaseConfiguration__*
// environment variables, falling back to values from configPath (a
// YAML file) when an environment variable is unset, then to the
// defaults above. MSSQL_CONNECTIONSTRING is required.
//
// envFile, if non-empty, is loaded into the process environment with
// godotenv before anything else is read; a missing envFile is not an
// error.
func Load(envFile, configPath string) (*ConnectionProfile, error) {
	if envFile != "" {
		_ = godotenv.Load(envFile) // local-dev convenience only
	}

	var fc fileConfig
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err == nil {
			if err := yaml.Unmarshal(data, &fc); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", configPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file %s: %w", configPath, err)
		}
	}

	connStr := os.Getenv("MSSQL_CONNECTIONSTRING")
	if strings.TrimSpace(connStr) == "" {
		return nil, fmt.Errorf("MSSQL_CONNECTIONSTRING is required")
	}

	p := &ConnectionProfile{
		ConnectionString: connStr,
		Mode:             deriveMode(connStr),
	}

	p.EnableExecuteQuery = boolVal("DatabaseConfiguration__EnableExecuteQuery", fc.DatabaseConfiguration.EnableExecuteQuery, false)
	p.EnableExecuteStoredProcedure = boolVal("DatabaseConfiguration__EnableExecuteStoredProcedure", fc.DatabaseConfiguration.EnableExecuteStoredProcedure, false)
	p.EnableStartQuery = boolVal("DatabaseConfiguration__EnableStartQuery", fc.DatabaseConfiguration.EnableStartQuery, false)
	p.EnableStartStoredProcedure = boolVal("DatabaseConfiguration__EnableStartStoredProcedure", fc.DatabaseConfiguration.EnableStartStoredProcedure, false)

	var err error
	if p.DefaultCommandTimeoutSeconds, err = intVal("DatabaseConfiguration__DefaultCommandTimeoutSeconds", fc.DatabaseConfiguration.DefaultCommandTimeoutSeconds, defaultCommandTimeout); err != nil {
		return nil, err
	}
	if p.DefaultCommandTimeoutSeconds < MinCommandTimeoutSeconds || p.DefaultCommandTimeoutSeconds > MaxCommandTimeoutSeconds {
		return nil, fmt.Errorf("DefaultCommandTimeoutSeconds must be in [%d, %d], got %d", MinCommandTimeoutSeconds, MaxCommandTimeoutSeconds, p.DefaultCommandTimeoutSeconds)
	}
	if p.ConnectionTimeoutSeconds, err = intVal("DatabaseConfiguration__ConnectionTimeoutSeconds", fc.DatabaseConfiguration.ConnectionTimeoutSeconds, defaultConnTimeout); err != nil {
		return nil, err
	}
	if p.MaxConcurrentSessions, err = intVal("DatabaseConfiguration__MaxConcurrentSessions", fc.DatabaseConfiguration.MaxConcurrentSessions, defaultMaxSessions); err != nil {
		return nil, err
	}
	if p.SessionCleanupIntervalMinutes, err = intVal("DatabaseConfiguration__SessionCleanupIntervalMinutes", fc.DatabaseConfiguration.SessionCleanupIntervalMinutes, defaultCleanupInterval); err != nil {
		return nil, err
	}

	total, hasTotal, err := optionalIntVal("DatabaseConfiguration__TotalToolCallTimeoutSeconds", fc.DatabaseConfiguration.TotalToolCallTimeoutSeconds, defaultTotalToolBudget)
	if err != nil {
		return nil, err
	}
	if hasTotal {
		p.TotalToolCallTimeoutSeconds = &total
	}

	return p, nil
}

// initialCatalogPattern matches Database= or Initial Catalog= key/value
// pairs in a semicolon-delimited ADO.NET-style connection string,
// case-insensitively.
var initialCatalogPattern = regexp.MustCompile(`(?i)(?:^|;)\s*(?:database|initial catalog)\s*=\s*([^;]*)`)

// deriveMode implements spec §3's Mode derivation: a whitespace-only
// catalog value counts as absent, so it still yields ModeServer.
func deriveMode(connStr string) Mode {
	m := initialCatalogPattern.FindStringSubmatch(connStr)
	if m == nil {
		return ModeServer
	}
	if strings.TrimSpace(m[1]) == "" {
		return ModeServer
	}
	return ModeDatabase
}

// DatabaseName extracts the initial catalog value in ModeDatabase, or
// "" in ModeServer.
func (p *ConnectionProfile) DatabaseName() string {
	m := initialCatalogPattern.FindStringSubmatch(p.ConnectionString)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

func boolVal(envKey string, fileVal *bool, def bool) bool {
	if raw, ok := os.LookupEnv(envKey); ok {
		return strings.EqualFold(raw, "true")
	}
	if fileVal != nil {
		return *fileVal
	}
	return def
}

func intVal(envKey string, fileVal *int, def int) (int, error) {
	if raw, ok := os.LookupEnv(envKey); ok {
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer: %w", envKey, err)
		}
		return v, nil
	}
	if fileVal != nil {
		return *fileVal, nil
	}
	return def, nil
}

// optionalIntVal additionally reports whether a value (env, file, or
// default) should be treated as "set" at all — callers use this for
// TotalToolCallTimeoutSeconds, which is nullable. Setting the env var
// to an empty string disables it explicitly.
func optionalIntVal(envKey string, fileVal *int, def int) (int, bool, error) {
	if raw, ok := os.LookupEnv(envKey); ok {
		if strings.TrimSpace(raw) == "" {
			return 0, false, nil
		}
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return 0, false, fmt.Errorf("%s must be an integer: %w", envKey, err)
		}
		return v, true, nil
	}
	if fileVal != nil {
		return *fileVal, true, nil
	}
	return def, true, nil
}
