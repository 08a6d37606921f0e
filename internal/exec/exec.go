// Package exec implements the Execution Core (spec §4.4): connection
// acquisition, database targeting, query/stored-procedure execution,
// row enumeration, and driver-error classification.
//
// Every operation here opens exactly one connection and closes it on
// every exit path (success, error, or cancellation) via a deferred
// Close right after Connect succeeds — the same scoped-acquisition
// discipline the teacher uses throughout internal/handler/handler.go's
// connect()/defer pattern, just without the teacher's pool in the
// loop: spec §5 rules out a shared connection for synchronous and
// background work alike.
package exec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb" // registers the "sqlserver" driver

	"github.com/mantis/mssqlmcp/internal/capability"
	"github.com/mantis/mssqlmcp/internal/sqlerr"
)

// opener opens a fresh, unpinged *sql.DB for one call. The production
// opener is sql.Open against the "sqlserver" driver; tests substitute
// a sqlmock-backed one.
type opener func(connStr string) (*sql.DB, error)

// Core executes queries and stored procedures against one MSSQL
// connection string. It holds no connection between calls.
type Core struct {
	connStr  string
	open     opener
	detector *capability.Detector
}

// SetCapabilityDetector wires the Capability Detector (C1) into the
// Execution Core so capability-guided queries (spec §4.4) can consult
// it, e.g. GetTableRowCount choosing between an exact count and a size
// estimate. Nil is a valid, zero-value state: every capability-guided
// query then defaults to the exact path.
func (c *Core) SetCapabilityDetector(d *capability.Detector) {
	c.detector = d
}

// New creates a Core bound to a connection string (the server's
// ConnectionProfile.ConnectionString). databaseName overrides, when
// given to an operation, are applied per-call via USE.
func New(connStr string) *Core {
	return &Core{
		connStr: connStr,
		open:    func(connStr string) (*sql.DB, error) { return sql.Open("sqlserver", connStr) },
	}
}

// NewWithOpener creates a Core backed by a custom opener, for tests
// that must not dial a real server (mirrors pool.NewManagerWithOpener).
func NewWithOpener(connStr string, open func(connStr string) (*sql.DB, error)) *Core {
	return &Core{connStr: connStr, open: open}
}

// connect opens a fresh connection and verifies it with Ping. Callers
// must close the returned *sql.DB on every exit path.
func (c *Core) connect(ctx context.Context) (*sql.DB, error) {
	db, err := c.open(c.connStr)
	if err != nil {
		return nil, fmt.Errorf("open connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping connection: %w", err)
	}
	return db, nil
}

// useDatabase verifies databaseName exists and switches the
// connection's context to it (spec §4.4: verify existence before any
// statement runs). A nil/empty databaseName is a no-op: the
// connection's initial catalog applies.
func (c *Core) useDatabase(ctx context.Context, db *sql.DB, databaseName string) error {
	if strings.TrimSpace(databaseName) == "" {
		return nil
	}
	exists, err := c.databaseExists(ctx, db, databaseName)
	if err != nil {
		return err
	}
	if !exists {
		return sqlerr.Wrap(sqlerr.DatabaseNotFound, "%s", databaseName)
	}
	if err := validateIdentifier(databaseName); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("USE [%s]", databaseName)); err != nil {
		return fmt.Errorf("switch database: %w", err)
	}
	return nil
}

func (c *Core) databaseExists(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var found int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sys.databases WHERE name = @name`, sql.Named("name", name)).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("check database existence: %w", err)
	}
	return found > 0, nil
}

// DatabaseExists is the read-only helper tool (spec §4.4).
func (c *Core) DatabaseExists(ctx context.Context, name string) (bool, error) {
	db, err := c.connect(ctx)
	if err != nil {
		return false, err
	}
	defer db.Close()
	return c.databaseExists(ctx, db, name)
}

// Connect opens a fresh connection scoped to databaseName (a no-op
// USE when blank) for callers, such as the dispatcher's parameter
// engine wiring, that need a *sql.DB directly rather than going
// through one of Core's own operations. The caller must Close it.
func (c *Core) Connect(ctx context.Context, databaseName string) (*sql.DB, error) {
	db, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.useDatabase(ctx, db, databaseName); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// ExecuteQuery runs sql against a fresh connection, optionally scoped
// to databaseName, returning a lazy row stream the caller must Close.
func (c *Core) ExecuteQuery(ctx context.Context, databaseName, sqlText string, args ...interface{}) (*RowStream, error) {
	db, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.useDatabase(ctx, db, databaseName); err != nil {
		db.Close()
		return nil, err
	}

	rows, err := db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		db.Close()
		return nil, sqlerr.Wrap(sqlerr.SqlExecutionError, "executing query: %v", err)
	}
	stream, err := newRowStream(rows)
	if err != nil {
		db.Close()
		return nil, sqlerr.Wrap(sqlerr.SqlExecutionError, "reading query result: %v", err)
	}
	return stream.withOwner(db), nil
}

// ExecuteStoredProcedure calls a stored procedure by name with bound
// named parameters (internal/params.Bind output). go-mssqldb issues an
// RPC call, rather than a text batch, when the query text is a bare
// procedure name and every argument is a sql.NamedArg.
func (c *Core) ExecuteStoredProcedure(ctx context.Context, databaseName, procedureName string, args []sql.NamedArg) (*RowStream, error) {
	db, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.useDatabase(ctx, db, databaseName); err != nil {
		db.Close()
		return nil, err
	}

	driverArgs := make([]interface{}, len(args))
	for i, a := range args {
		driverArgs[i] = a
	}

	rows, err := db.QueryContext(ctx, procedureName, driverArgs...)
	if err != nil {
		db.Close()
		return nil, sqlerr.Wrap(sqlerr.SqlExecutionError, "executing procedure %s: %v", procedureName, err)
	}
	stream, err := newRowStream(rows)
	if err != nil {
		db.Close()
		return nil, sqlerr.Wrap(sqlerr.SqlExecutionError, "reading procedure result: %v", err)
	}
	return stream.withOwner(db), nil
}

// IsDriverTimeout reports whether err looks like a driver/context
// timeout rather than a generic execution failure, for use as the
// internal/timeout.Command.ClassifyError predicate.
func IsDriverTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "context canceled") || strings.Contains(msg, "context deadline exceeded")
}
