// Package capability implements the one-shot server capability probe
// (spec §4.1): version/edition/feature-flag detection, memoized per
// connection string with a TTL and at-most-once-per-miss deduplication
// for concurrent callers.
//
// The in-flight dedup uses golang.org/x/sync/singleflight, the
// idiomatic stdlib-adjacent answer to "many callers, one computation" —
// no repo in the retrieved pack wires this pattern directly, but
// golang.org/x/sync is the same governance family as golang.org/x/crypto,
// which apimgr-weather and develaparX depend on directly, so it is
// already native to this corpus's dependency surface (see SPEC_FULL.md).
package capability

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/mantis/mssqlmcp/internal/sqlerr"
)

// DeploymentClass identifies where the target server is deployed.
type DeploymentClass string

const (
	DeploymentAzureSQLDB DeploymentClass = "azure_sql_db"
	DeploymentAzureVM    DeploymentClass = "azure_vm"
	DeploymentOnPrem     DeploymentClass = "on_premises"
)

// Features carries the feature flags derived from version thresholds.
type Features struct {
	SupportsJSON              bool
	SupportsColumnstoreIndex  bool
	SupportsTemporalTables    bool
	SupportsRowLevelSecurity  bool
	SupportsInMemoryOLTP      bool
	SupportsGraph             bool
	SupportsAlwaysEncrypted   bool
	SupportsQueryStore        bool
	SupportsExactRowCount     bool
	SupportsDetailedIndexMeta bool
	SupportsPartitioning      bool
}

// Capability is the memoized result of one detection probe.
type Capability struct {
	Version      string
	MajorVersion int
	MinorVersion int
	BuildNumber  int
	Edition      string
	Deployment   DeploymentClass
	DatabaseName string
	Features     Features

	detectedAt time.Time
}

// IsAzureSQLDatabase, IsAzureVMSQLServer, and IsOnPremisesSQLServer
// mirror spec §6's server_capabilities response shape.
func (c Capability) IsAzureSQLDatabase() bool    { return c.Deployment == DeploymentAzureSQLDB }
func (c Capability) IsAzureVMSQLServer() bool    { return c.Deployment == DeploymentAzureVM }
func (c Capability) IsOnPremisesSQLServer() bool { return c.Deployment == DeploymentOnPrem }

// TTL is how long a cached Capability remains valid before the next
// request triggers a fresh probe.
const TTL = 60 * time.Minute

// connector opens a probe connection and returns a release func the
// caller must invoke exactly once when done with it. On success a
// release of nil is never returned; a non-pooled connector's release closes the
// connection, a pooled connector's release is a no-op (the pool owns
// the connection's lifecycle).
type connector func(ctx context.Context, connStr string) (db *sql.DB, release func(), err error)

// Pool is the subset of *internal/pool.Manager the detector needs.
// Satisfied by *pool.Manager; defined here to avoid capability
// depending on pool's full surface.
type Pool interface {
	GetConnection(ctx context.Context, driver, connStr string) (*sql.DB, error)
}

// Detector memoizes Capability per connection string. Concurrent
// callers on a cache miss share one in-flight probe.
type Detector struct {
	mu     sync.RWMutex
	cache  map[string]Capability
	group  singleflight.Group
	open   connector
	logger zerolog.Logger
}

// NewDetector creates a Detector whose probe connection is acquired
// from pool (the "sqlserver" driver, registered by internal/exec's
// import of github.com/microsoft/go-mssqldb). Reusing the pooled
// connection across probes avoids paying a fresh TCP/TLS handshake
// every TTL expiry.
func NewDetector(pool Pool, logger zerolog.Logger) *Detector {
	return &Detector{
		cache:  make(map[string]Capability),
		logger: logger,
		open: func(ctx context.Context, connStr string) (*sql.DB, func(), error) {
			db, err := pool.GetConnection(ctx, "sqlserver", connStr)
			if err != nil {
				return nil, nil, err
			}
			return db, func() {}, nil
		},
	}
}

// newDetectorWithConnector is used by tests to inject a fake connector.
func newDetectorWithConnector(open connector) *Detector {
	return &Detector{cache: make(map[string]Capability), open: open, logger: zerolog.Nop()}
}

// Detect returns the memoized Capability for connStr, probing the
// server if there is no entry or the entry has expired. Failures
// surface as CapabilityProbeError and are never cached, so the next
// call retries.
func (d *Detector) Detect(ctx context.Context, connStr string) (Capability, error) {
	d.mu.RLock()
	if entry, ok := d.cache[connStr]; ok && time.Since(entry.detectedAt) < TTL {
		d.mu.RUnlock()
		return entry, nil
	}
	d.mu.RUnlock()

	result, err, _ := d.group.Do(connStr, func() (interface{}, error) {
		// Double-check: another goroutine may have refreshed the cache
		// while we waited to enter the singleflight group.
		d.mu.RLock()
		if entry, ok := d.cache[connStr]; ok && time.Since(entry.detectedAt) < TTL {
			d.mu.RUnlock()
			return entry, nil
		}
		d.mu.RUnlock()

		entry, err := d.probe(ctx, connStr)
		if err != nil {
			d.logger.Error().Err(err).Msg("capability probe failed")
			return Capability{}, sqlerr.Wrap(sqlerr.CapabilityProbeError, "%v", err)
		}

		d.mu.Lock()
		d.cache[connStr] = entry
		d.mu.Unlock()
		d.logger.Info().
			Str("version", entry.Version).
			Str("edition", entry.Edition).
			Bool("exactRowCount", entry.Features.SupportsExactRowCount).
			Msg("capability probe refreshed")
		return entry, nil
	})
	if err != nil {
		return Capability{}, err
	}
	return result.(Capability), nil
}

func (d *Detector) probe(ctx context.Context, connStr string) (Capability, error) {
	db, release, err := d.open(ctx, connStr)
	if err != nil {
		return Capability{}, fmt.Errorf("open probe connection: %w", err)
	}
	defer release()

	var version, edition, dbName string
	var engineEdition int
	row := db.QueryRowContext(ctx, `SELECT
		CAST(SERVERPROPERTY('ProductVersion') AS NVARCHAR(128)),
		CAST(SERVERPROPERTY('Edition') AS NVARCHAR(128)),
		CAST(SERVERPROPERTY('EngineEdition') AS INT),
		DB_NAME()`)
	if err := row.Scan(&version, &edition, &engineEdition, &dbName); err != nil {
		return Capability{}, fmt.Errorf("probe query: %w", err)
	}

	major, minor, build := parseVersion(version)
	entry := Capability{
		Version:      version,
		MajorVersion: major,
		MinorVersion: minor,
		BuildNumber:  build,
		Edition:      edition,
		Deployment:   classifyDeployment(engineEdition, edition),
		DatabaseName: dbName,
		Features:     deriveFeatures(major, engineEdition),
		detectedAt:   time.Now(),
	}
	return entry, nil
}

// parseVersion splits a SQL Server ProductVersion string
// ("16.0.1000.6") into major/minor/build components, tolerating short
// or malformed strings by zero-filling missing parts.
func parseVersion(version string) (major, minor, build int) {
	parts := strings.SplitN(version, ".", 4)
	get := func(i int) int {
		if i >= len(parts) {
			return 0
		}
		v, _ := strconv.Atoi(parts[i])
		return v
	}
	return get(0), get(1), get(2)
}

// classifyDeployment derives a DeploymentClass from EngineEdition
// (5 = Azure SQL Database, 8 = Azure SQL Managed Instance/VM family)
// and falls back to on-premises.
func classifyDeployment(engineEdition int, edition string) DeploymentClass {
	switch engineEdition {
	case 5:
		return DeploymentAzureSQLDB
	case 8:
		return DeploymentAzureVM
	}
	if strings.Contains(strings.ToLower(edition), "azure") {
		return DeploymentAzureSQLDB
	}
	return DeploymentOnPrem
}

// engineEditionSQLDataWarehouse is SERVERPROPERTY('EngineEdition') = 6:
// Azure Synapse Analytics / Parallel Data Warehouse, whose distributed
// storage makes an exact COUNT(*) an expensive data-movement operation
// rather than a cheap index seek.
const engineEditionSQLDataWarehouse = 6

// deriveFeatures derives boolean feature flags from version thresholds
// and deployment shape, per spec §4.1 (e.g. JSON >= 13, graph >= 14).
// SupportsExactRowCount follows EngineEdition rather than version: a
// data-warehouse engine's COUNT(*) scans distributed storage, so
// GetTableRowCount (internal/exec) substitutes a sys.partitions
// estimate there regardless of how modern the build is.
func deriveFeatures(major, engineEdition int) Features {
	return Features{
		SupportsJSON:              major >= 13,
		SupportsColumnstoreIndex:  major >= 11,
		SupportsTemporalTables:    major >= 13,
		SupportsRowLevelSecurity:  major >= 13,
		SupportsInMemoryOLTP:      major >= 12,
		SupportsGraph:             major >= 14,
		SupportsAlwaysEncrypted:   major >= 13,
		SupportsQueryStore:        major >= 13,
		SupportsExactRowCount:     engineEdition != engineEditionSQLDataWarehouse,
		SupportsDetailedIndexMeta: major >= 11,
		SupportsPartitioning:      major >= 10,
	}
}
