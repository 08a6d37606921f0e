package pool

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

// sqlmockOpener opens a fresh sqlmock-backed *sql.DB per call, so
// multiple GetConnection calls against different connection strings
// get independently pingable databases without dialing a real server.
// Pings are not monitored, so every Ping on a pooled db succeeds no
// matter how many GetConnection calls reuse it.
type sqlmockOpener struct {
	calls int32
}

func (o *sqlmockOpener) Open(driver, connStr string) (*sql.DB, error) {
	atomic.AddInt32(&o.calls, 1)
	db, _, err := sqlmock.New()
	if err != nil {
		return nil, err
	}
	return db, nil
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxIdleConns != 2 {
		t.Errorf("MaxIdleConns = %d, want 2", cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns != 4 {
		t.Errorf("MaxOpenConns = %d, want 4", cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime != 30*time.Minute {
		t.Errorf("ConnMaxLifetime = %v, want 30m", cfg.ConnMaxLifetime)
	}
}

func TestNewManager(t *testing.T) {
	m := NewManager(DefaultConfig())
	if m.PoolCount() != 0 {
		t.Errorf("PoolCount() = %d, want 0", m.PoolCount())
	}
}

func TestHashConnString(t *testing.T) {
	h1 := hashConnString("Server=host;")
	h2 := hashConnString("Server=host;")
	if h1 != h2 {
		t.Errorf("same input produced different hashes: %q vs %q", h1, h2)
	}
	if h1 == hashConnString("Server=other;") {
		t.Error("different inputs produced the same hash")
	}
	if len(h1) != 16 {
		t.Errorf("hash length = %d, want 16", len(h1))
	}
}

func TestMakeKey(t *testing.T) {
	k1 := makeKey("sqlserver", "conn1")
	k2 := makeKey("sqlserver", "conn1")
	k3 := makeKey("sqlserver", "conn2")
	if k1 != k2 {
		t.Errorf("same inputs produced different keys: %q vs %q", k1, k2)
	}
	if k1 == k3 {
		t.Error("different connection strings produced the same key")
	}
	if k1[:9] != "sqlserver" {
		t.Errorf("key should start with driver name, got %q", k1)
	}
}

func TestGetConnectionReusesPool(t *testing.T) {
	m := NewManagerWithOpener(DefaultConfig(), &sqlmockOpener{})
	defer m.Close()
	ctx := context.Background()

	db1, err := m.GetConnection(ctx, "sqlserver", "Server=host;")
	if err != nil {
		t.Fatalf("GetConnection failed: %v", err)
	}
	if m.PoolCount() != 1 {
		t.Errorf("PoolCount() = %d, want 1", m.PoolCount())
	}

	db2, err := m.GetConnection(ctx, "sqlserver", "Server=host;")
	if err != nil {
		t.Fatalf("second GetConnection failed: %v", err)
	}
	if db1 != db2 {
		t.Error("expected the same pooled *sql.DB instance")
	}
	if m.PoolCount() != 1 {
		t.Errorf("PoolCount() after reuse = %d, want 1", m.PoolCount())
	}
}

func TestGetConnectionDifferentConnStrings(t *testing.T) {
	m := NewManagerWithOpener(DefaultConfig(), &sqlmockOpener{})
	defer m.Close()
	ctx := context.Background()

	db1, err := m.GetConnection(ctx, "sqlserver", "Server=host1;")
	if err != nil {
		t.Fatalf("first GetConnection failed: %v", err)
	}
	db2, err := m.GetConnection(ctx, "sqlserver", "Server=host2;")
	if err != nil {
		t.Fatalf("second GetConnection failed: %v", err)
	}
	if db1 == db2 {
		t.Error("different connection strings should produce different pools")
	}
	if m.PoolCount() != 2 {
		t.Errorf("PoolCount() = %d, want 2", m.PoolCount())
	}
}

func TestGetConnectionConcurrentSharesOnePool(t *testing.T) {
	m := NewManagerWithOpener(DefaultConfig(), &sqlmockOpener{})
	defer m.Close()
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	dbs := make([]*sql.DB, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			dbs[idx], errs[idx] = m.GetConnection(ctx, "sqlserver", "Server=host;")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("goroutine %d failed: %v", i, err)
		}
	}
	for i, db := range dbs[1:] {
		if db != dbs[0] {
			t.Errorf("goroutine %d got a different db instance", i+1)
		}
	}
	if m.PoolCount() != 1 {
		t.Errorf("PoolCount() = %d, want 1", m.PoolCount())
	}
}

func TestClose(t *testing.T) {
	m := NewManagerWithOpener(DefaultConfig(), &sqlmockOpener{})
	ctx := context.Background()

	if _, err := m.GetConnection(ctx, "sqlserver", "Server=host1;"); err != nil {
		t.Fatalf("GetConnection 1 failed: %v", err)
	}
	if _, err := m.GetConnection(ctx, "sqlserver", "Server=host2;"); err != nil {
		t.Fatalf("GetConnection 2 failed: %v", err)
	}
	if m.PoolCount() != 2 {
		t.Errorf("PoolCount() before close = %d, want 2", m.PoolCount())
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if m.PoolCount() != 0 {
		t.Errorf("PoolCount() after close = %d, want 0", m.PoolCount())
	}
}

func TestCloseConnection(t *testing.T) {
	m := NewManagerWithOpener(DefaultConfig(), &sqlmockOpener{})
	defer m.Close()
	ctx := context.Background()

	if _, err := m.GetConnection(ctx, "sqlserver", "Server=host1;"); err != nil {
		t.Fatalf("GetConnection 1 failed: %v", err)
	}
	if _, err := m.GetConnection(ctx, "sqlserver", "Server=host2;"); err != nil {
		t.Fatalf("GetConnection 2 failed: %v", err)
	}

	if err := m.CloseConnection("sqlserver", "Server=host1;"); err != nil {
		t.Errorf("CloseConnection() error = %v", err)
	}
	if m.PoolCount() != 1 {
		t.Errorf("PoolCount() after CloseConnection = %d, want 1", m.PoolCount())
	}
	if !m.HasPool("sqlserver", "Server=host2;") {
		t.Error("expected pool for host2 to still exist")
	}
}

func TestCloseConnectionNonExistentIsNoop(t *testing.T) {
	m := NewManagerWithOpener(DefaultConfig(), &sqlmockOpener{})
	defer m.Close()
	if err := m.CloseConnection("sqlserver", "nonexistent"); err != nil {
		t.Errorf("CloseConnection for nonexistent pool should not error: %v", err)
	}
}

func TestHasPool(t *testing.T) {
	m := NewManagerWithOpener(DefaultConfig(), &sqlmockOpener{})
	defer m.Close()
	ctx := context.Background()

	if m.HasPool("sqlserver", "Server=host;") {
		t.Error("HasPool should be false before creating a pool")
	}
	if _, err := m.GetConnection(ctx, "sqlserver", "Server=host;"); err != nil {
		t.Fatalf("GetConnection failed: %v", err)
	}
	if !m.HasPool("sqlserver", "Server=host;") {
		t.Error("HasPool should be true after creating a pool")
	}
	if m.HasPool("sqlserver", "Server=different;") {
		t.Error("HasPool should be false for a different connection string")
	}
}

func TestStatsReportsOneEntryPerProfile(t *testing.T) {
	m := NewManagerWithOpener(DefaultConfig(), &sqlmockOpener{})
	defer m.Close()
	ctx := context.Background()

	if _, err := m.GetConnection(ctx, "sqlserver", "Server=host;"); err != nil {
		t.Fatalf("GetConnection failed: %v", err)
	}

	stats := m.Stats()
	if len(stats) != 1 {
		t.Fatalf("Stats() returned %d entries, want 1", len(stats))
	}
	for _, s := range stats {
		if s.Driver != "sqlserver" {
			t.Errorf("Driver = %q, want sqlserver", s.Driver)
		}
		if s.CreatedAt.IsZero() {
			t.Error("CreatedAt should not be zero")
		}
	}
}

type failingOpener struct{}

func (failingOpener) Open(driver, connStr string) (*sql.DB, error) {
	return nil, errors.New("mock open error")
}

func TestGetConnectionOpenError(t *testing.T) {
	m := NewManagerWithOpener(DefaultConfig(), failingOpener{})
	defer m.Close()

	_, err := m.GetConnection(context.Background(), "sqlserver", "Server=host;")
	if err == nil {
		t.Error("expected error from GetConnection")
	}
	if m.PoolCount() != 0 {
		t.Errorf("PoolCount() = %d, want 0 after failed open", m.PoolCount())
	}
}

func TestPoolConfigApplied(t *testing.T) {
	cfg := Config{MaxIdleConns: 3, MaxOpenConns: 7, ConnMaxLifetime: 2 * time.Minute, ConnMaxIdleTime: 30 * time.Second}
	m := NewManagerWithOpener(cfg, &sqlmockOpener{})
	defer m.Close()

	db, err := m.GetConnection(context.Background(), "sqlserver", "Server=host;")
	if err != nil {
		t.Fatalf("GetConnection failed: %v", err)
	}
	if stats := db.Stats(); stats.MaxOpenConnections != 7 {
		t.Errorf("MaxOpenConnections = %d, want 7", stats.MaxOpenConnections)
	}
}
