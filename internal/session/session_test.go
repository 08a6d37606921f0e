package session

import (
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mantis/mssqlmcp/internal/exec"
	"github.com/mantis/mssqlmcp/internal/timeout"
)

func newTestManager(t *testing.T, maxConcurrent int) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	mock.MatchExpectationsInOrder(false)

	core := exec.NewWithOpener("Server=test;", func(string) (*sql.DB, error) { return db, nil })
	ctl := timeout.NewController(timeout.NewDefaultTimeout(30))
	m := NewManager(core, ctl, maxConcurrent, time.Hour, zerolog.Nop())
	return m, mock
}

// newSequentialManager backs a Manager with a fresh sqlmock database
// per Core.connect call, for tests that run more than one session to
// completion: each completed session's RowStream closes its own
// connection (spec §4.4's one-fresh-connection-per-call discipline),
// so a later session cannot reuse an earlier one's already-closed db.
func newSequentialManager(t *testing.T, maxConcurrent int, n int) (*Manager, []sqlmock.Sqlmock) {
	t.Helper()
	mocks := make([]sqlmock.Sqlmock, n)
	dbs := make([]*sql.DB, n)
	for i := 0; i < n; i++ {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		dbs[i] = db
		mocks[i] = mock
	}

	var next int
	core := exec.NewWithOpener("Server=test;", func(string) (*sql.DB, error) {
		db := dbs[next]
		next++
		return db, nil
	})
	ctl := timeout.NewController(timeout.NewDefaultTimeout(30))
	m := NewManager(core, ctl, maxConcurrent, time.Hour, zerolog.Nop())
	return m, mocks
}

func waitForTerminal(t *testing.T, m *Manager, id int64) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, ok := m.GetSession(id)
		require.True(t, ok)
		if snap.State != StateRunning {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session did not reach a terminal state in time")
	return Snapshot{}
}

func TestStartQuerySucceeds(t *testing.T) {
	m, mock := newTestManager(t, 2)
	mock.ExpectPing()
	mock.ExpectQuery("SELECT").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(3))

	snap, err := m.StartQuery("SELECT COUNT(*) AS n FROM Customers", "", nil)
	require.NoError(t, err)
	require.Equal(t, StateRunning, snap.State)
	require.Greater(t, snap.ID, int64(0))

	final := waitForTerminal(t, m, snap.ID)
	require.Equal(t, StateCompleted, final.State)
	require.Equal(t, 1, final.RowCount)

	_, body, err := m.GetSessionResults(snap.ID, nil)
	require.NoError(t, err)
	require.Contains(t, body, "| n |")
	require.Contains(t, body, "Total rows: 1")
}

func TestStartQuerySessionIDsIncrease(t *testing.T) {
	m, mocks := newSequentialManager(t, 2, 2)
	mocks[0].ExpectPing()
	mocks[0].ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow(1))
	mocks[1].ExpectPing()
	mocks[1].ExpectQuery("SELECT 2").WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow(2))

	first, err := m.StartQuery("SELECT 1", "", nil)
	require.NoError(t, err)
	waitForTerminal(t, m, first.ID)

	second, err := m.StartQuery("SELECT 2", "", nil)
	require.NoError(t, err)
	require.Greater(t, second.ID, first.ID)
	waitForTerminal(t, m, second.ID)
}

func TestAdmissionControlRejectsOverLimit(t *testing.T) {
	m, mock := newTestManager(t, 1)
	mock.ExpectPing()
	mock.ExpectQuery("WAITFOR").WillDelayFor(200 * time.Millisecond).WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow(1))

	first, err := m.StartQuery("WAITFOR DELAY '00:00:01'; SELECT 1 AS v", "", nil)
	require.NoError(t, err)

	_, err = m.StartQuery("SELECT 2", "", nil)
	require.Error(t, err)

	waitForTerminal(t, m, first.ID)
}

func TestGetSessionNotFound(t *testing.T) {
	m, _ := newTestManager(t, 2)
	_, ok := m.GetSession(999)
	require.False(t, ok)
}

func TestCancelSessionOnTerminalReturnsFalse(t *testing.T) {
	m, mock := newTestManager(t, 2)
	mock.ExpectPing()
	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow(1))

	snap, err := m.StartQuery("SELECT 1", "", nil)
	require.NoError(t, err)
	waitForTerminal(t, m, snap.ID)

	cancelled, err := m.CancelSession(snap.ID)
	require.NoError(t, err)
	require.False(t, cancelled)
}

func TestCancelSessionUnknownID(t *testing.T) {
	m, _ := newTestManager(t, 2)
	_, err := m.CancelSession(42)
	require.Error(t, err)
}

func TestListSessionsFilters(t *testing.T) {
	m, mock := newTestManager(t, 2)
	mock.ExpectPing()
	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow(1))

	snap, err := m.StartQuery("SELECT 1", "", nil)
	require.NoError(t, err)
	waitForTerminal(t, m, snap.ID)

	all := m.ListSessions(FilterAll)
	require.Len(t, all, 1)

	running := m.ListSessions(FilterRunning)
	require.Len(t, running, 0)

	completed := m.ListSessions(FilterCompleted)
	require.Len(t, completed, 1)
}

func TestReapRemovesOldTerminalSessions(t *testing.T) {
	m, mock := newTestManager(t, 2)
	mock.ExpectPing()
	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow(1))

	snap, err := m.StartQuery("SELECT 1", "", nil)
	require.NoError(t, err)
	waitForTerminal(t, m, snap.ID)

	s := m.sessions[snap.ID]
	s.mu.Lock()
	s.endTime = time.Now().Add(-RetentionWindow - time.Minute)
	s.mu.Unlock()

	removed := m.reap()
	require.Equal(t, 1, removed)
	_, ok := m.GetSession(snap.ID)
	require.False(t, ok)
}
