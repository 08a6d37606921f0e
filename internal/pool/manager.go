// Package pool manages the single dedicated *sql.DB this server keeps
// open for the Capability Detector's probe queries (spec §4.1). The
// teacher's Manager was built for a worker juggling many (driver,
// connection string) pairs across tenants; this server only ever
// probes one connection string for its entire process lifetime, so
// the map-of-pools shape is kept (it is still the simplest way to
// get "create once, reuse, recreate on death") but is expected to
// hold exactly one entry in production.
package pool

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Config holds connection pool configuration options.
type Config struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns pool settings sized for a single long-lived
// probe connection rather than a multi-tenant worker pool: one or two
// connections is plenty, since the only caller is the capability
// detector's TTL-driven probe.
func DefaultConfig() Config {
	return Config{
		MaxIdleConns:    2,
		MaxOpenConns:    4,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

type poolEntry struct {
	db        *sql.DB
	driver    string
	createdAt time.Time
}

// Manager owns zero or more *sql.DB pools keyed by (driver, connection
// string). In this server's production wiring it holds exactly one:
// the capability detector's probe connection.
type Manager struct {
	mu     sync.RWMutex
	pools  map[string]*poolEntry
	config Config
	opener DBOpener
}

// DBOpener opens a database connection; satisfied by sql.Open and
// substitutable in tests.
type DBOpener interface {
	Open(driver, connStr string) (*sql.DB, error)
}

type defaultDBOpener struct{}

func (d *defaultDBOpener) Open(driver, connStr string) (*sql.DB, error) {
	return sql.Open(driver, connStr)
}

// NewManager creates a Manager with the given pool configuration.
func NewManager(config Config) *Manager {
	return &Manager{
		pools:  make(map[string]*poolEntry),
		config: config,
		opener: &defaultDBOpener{},
	}
}

// NewManagerWithOpener creates a Manager backed by a custom DBOpener,
// for tests that must not dial a real server.
func NewManagerWithOpener(config Config, opener DBOpener) *Manager {
	return &Manager{
		pools:  make(map[string]*poolEntry),
		config: config,
		opener: opener,
	}
}

func hashConnString(connStr string) string {
	h := sha256.Sum256([]byte(connStr))
	return hex.EncodeToString(h[:8])
}

func makeKey(driver, connStr string) string {
	return driver + ":" + hashConnString(connStr)
}

// GetConnection returns the pooled *sql.DB for (driver, connStr),
// creating it if absent or recreating it if the existing one no
// longer responds to Ping. The returned *sql.DB is owned by the pool
// and must not be closed by the caller.
func (m *Manager) GetConnection(ctx context.Context, driver, connStr string) (*sql.DB, error) {
	key := makeKey(driver, connStr)

	m.mu.RLock()
	if entry, ok := m.pools[key]; ok {
		m.mu.RUnlock()
		if err := entry.db.PingContext(ctx); err == nil {
			return entry.db, nil
		}
	} else {
		m.mu.RUnlock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.pools[key]; ok {
		if err := entry.db.PingContext(ctx); err == nil {
			return entry.db, nil
		}
		entry.db.Close()
		delete(m.pools, key)
	}

	db, err := m.opener.Open(driver, connStr)
	if err != nil {
		return nil, fmt.Errorf("open pooled connection: %w", err)
	}

	db.SetMaxIdleConns(m.config.MaxIdleConns)
	db.SetMaxOpenConns(m.config.MaxOpenConns)
	db.SetConnMaxLifetime(m.config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(m.config.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping pooled connection: %w", err)
	}

	m.pools[key] = &poolEntry{db: db, driver: driver, createdAt: time.Now()}
	return db, nil
}

// Close closes every pool this Manager owns.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lastErr error
	for key, entry := range m.pools {
		if err := entry.db.Close(); err != nil {
			lastErr = fmt.Errorf("close pool %s: %w", key, err)
		}
		delete(m.pools, key)
	}
	return lastErr
}

// CloseConnection closes the pool for one (driver, connStr) pair, if any.
func (m *Manager) CloseConnection(driver, connStr string) error {
	key := makeKey(driver, connStr)

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.pools[key]; ok {
		err := entry.db.Close()
		delete(m.pools, key)
		return err
	}
	return nil
}

// Stat is one pool's reported statistics, shaped for the pool_stats
// tool response (spec_full's supplemental feature).
type Stat struct {
	Driver    string      `json:"driver"`
	CreatedAt time.Time   `json:"createdAt"`
	Stats     sql.DBStats `json:"stats"`
}

// Stats returns statistics for every pool this Manager owns. In
// production this reports exactly one entry: the capability
// detector's probe connection.
func (m *Manager) Stats() map[string]Stat {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]Stat, len(m.pools))
	for key, entry := range m.pools {
		stats[key] = Stat{
			Driver:    entry.driver,
			CreatedAt: entry.createdAt,
			Stats:     entry.db.Stats(),
		}
	}
	return stats
}

// PoolCount returns the number of active pools.
func (m *Manager) PoolCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pools)
}

// HasPool reports whether a pool exists for (driver, connStr).
func (m *Manager) HasPool(driver, connStr string) bool {
	key := makeKey(driver, connStr)

	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.pools[key]
	return ok
}
