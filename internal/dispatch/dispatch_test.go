package dispatch

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mantis/mssqlmcp/internal/capability"
	"github.com/mantis/mssqlmcp/internal/config"
	"github.com/mantis/mssqlmcp/internal/exec"
	"github.com/mantis/mssqlmcp/internal/session"
	"github.com/mantis/mssqlmcp/internal/timeout"
)

// fakePool satisfies capability.Pool by always handing back one
// sqlmock-backed *sql.DB, mirroring internal/exec's own test seam.
type fakePool struct {
	db *sql.DB
}

func (p fakePool) GetConnection(_ context.Context, _, _ string) (*sql.DB, error) {
	return p.db, nil
}

// testEnv bundles one scenario's sqlmock controller(s) with the Server
// under test, following exec_test.go's newTestCore helper.
//
// A handler can open more than one Core connection per call (describe
// the stored procedure's parameters on one connection, then execute it
// on another — each closed before the next opens), so the opener hands
// out a fresh sqlmock db per expectConnect call rather than one shared
// db: reusing a closed sqlmock db for a later Ping would fail.
type testEnv struct {
	mock    sqlmock.Sqlmock
	pending []*sql.DB
	idx     int
	server  *Server
}

// expectConnect queues a fresh sqlmock db (already primed for the Ping
// every Core.connect call issues) as the next connection the handler
// under test will open, and points env.mock at it — callers must call
// this once per synchronous connection the handler opens, before that
// connection's own query/exec expectations.
func (e *testEnv) expectConnect() {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		panic(err)
	}
	mock.ExpectPing()
	e.pending = append(e.pending, db)
	e.mock = mock
}

func newTestEnv(t *testing.T, profile *config.ConnectionProfile) *testEnv {
	t.Helper()
	capDB, capMock, err := sqlmock.New()
	require.NoError(t, err)

	// Capability probes never go through Core.connect, so they get their
	// own dedicated db; env.mock starts pointed at it so tests that only
	// exercise server_capabilities/get_command_timeout never need to call
	// expectConnect themselves.
	env := &testEnv{mock: capMock}
	opener := func(string) (*sql.DB, error) {
		if env.idx >= len(env.pending) {
			t.Fatalf("unexpected connection attempt: call expectConnect before exercising a handler that dials the database")
		}
		db := env.pending[env.idx]
		env.idx++
		return db, nil
	}

	core := exec.NewWithOpener(profile.ConnectionString, opener)
	timeoutCtl := timeout.NewController(timeout.NewDefaultTimeout(profile.DefaultCommandTimeoutSeconds))
	sessions := session.NewManager(core, timeoutCtl, profile.MaxConcurrentSessions, time.Minute, zerolog.Nop())
	detector := capability.NewDetector(fakePool{db: capDB}, zerolog.Nop())

	env.server = New(profile, core, sessions, detector, timeoutCtl, timeout.NewDefaultTimeout(profile.DefaultCommandTimeoutSeconds), nil, zerolog.Nop())
	return env
}

func databaseModeProfile() *config.ConnectionProfile {
	return &config.ConnectionProfile{
		ConnectionString:             "Server=test;Database=Sales;",
		Mode:                         config.ModeDatabase,
		DefaultCommandTimeoutSeconds: 30,
		ConnectionTimeoutSeconds:     15,
		MaxConcurrentSessions:        10,
		EnableExecuteQuery:           true,
		EnableExecuteStoredProcedure: true,
		EnableStartQuery:             true,
		EnableStartStoredProcedure:   true,
	}
}

func serverModeProfile() *config.ConnectionProfile {
	p := databaseModeProfile()
	p.ConnectionString = "Server=test;"
	p.Mode = config.ModeServer
	return p
}
