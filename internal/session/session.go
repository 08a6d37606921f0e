// Package session implements the background session manager (spec
// §4.5): start_query/start_stored_procedure run on dedicated workers
// with their own connection, decoupled from the synchronous MCP
// request/reply cycle; status, results, and cancellation are served
// from an in-memory session table guarded per the locking discipline
// in spec §5.
//
// Grounded on the teacher's internal/handler package for the
// "construct context, call the execution layer, wrap the error"
// shape, adapted here into a goroutine-per-session worker rather than
// a synchronous request handler.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mantis/mssqlmcp/internal/exec"
	"github.com/mantis/mssqlmcp/internal/format"
	"github.com/mantis/mssqlmcp/internal/sqlerr"
	"github.com/mantis/mssqlmcp/internal/timeout"
)

// Kind distinguishes a background query from a stored-procedure call.
type Kind string

const (
	KindQuery           Kind = "query"
	KindStoredProcedure Kind = "stored_procedure"
)

// State is a Session's position in its terminal state machine
// (running -> {completed, failed, cancelled}, never backwards).
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// RetentionWindow is how long a terminal session's record is kept
// before the reaper removes it. The source's retention threshold was
// hard-coded separately from its cleanup-interval configuration (spec
// §9 open question); this keeps it a constant rather than exposing a
// second knob callers would need to reason about alongside
// SessionCleanupIntervalMinutes.
const RetentionWindow = 15 * time.Minute

// Session is one background execution's full record. Exported fields
// are read under the session's own mutex via Snapshot; callers must
// not read them directly.
type Session struct {
	ID           int64
	Type         Kind
	Statement    string
	Parameters   map[string]interface{}
	DatabaseName string // "" means the connection's default catalog

	mu              sync.Mutex
	startTime       time.Time
	endTime         time.Time
	hasEndTime      bool
	state           State
	rowCount        int
	columns         []string
	rows            [][]string
	errMsg          string
	hasErr          bool
	timeoutSeconds  int
	cancel          context.CancelFunc
	cancelRequested bool
}

// Snapshot is an immutable, race-free view of a Session at one instant.
type Snapshot struct {
	ID             int64
	Type           Kind
	Statement      string
	Parameters     map[string]interface{}
	DatabaseName   string
	StartTime      time.Time
	EndTime        time.Time
	HasEndTime     bool
	State          State
	RowCount       int
	Error          string
	HasError       bool
	TimeoutSeconds int
}

func (s *Session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:             s.ID,
		Type:           s.Type,
		Statement:      s.Statement,
		Parameters:     s.Parameters,
		DatabaseName:   s.DatabaseName,
		StartTime:      s.startTime,
		EndTime:        s.endTime,
		HasEndTime:     s.hasEndTime,
		State:          s.state,
		RowCount:       s.rowCount,
		Error:          s.errMsg,
		HasError:       s.hasErr,
		TimeoutSeconds: s.timeoutSeconds,
	}
}

// resultsMarkdown renders the rows currently buffered, up to maxRows
// (nil means unbounded), in the Markdown-table shape spec §6 requires.
func (s *Session) resultsMarkdown(maxRows *int) string {
	s.mu.Lock()
	columns := append([]string(nil), s.columns...)
	rows := make([][]string, len(s.rows))
	copy(rows, s.rows)
	s.mu.Unlock()

	limit := len(rows)
	if maxRows != nil {
		limit = *maxRows
	}
	return format.Table(columns, rows, limit)
}

// Manager owns the session table: allocation, admission control, the
// worker-per-session execution model, and the reaper.
type Manager struct {
	mu       sync.RWMutex
	sessions map[int64]*Session
	nextID   atomic.Int64

	admitMu       sync.Mutex
	running       int
	maxConcurrent int

	core       *exec.Core
	timeoutCtl *timeout.Controller
	logger     zerolog.Logger

	reapInterval time.Duration
	stopCh       chan struct{}
	stopped      atomic.Bool
}

// NewManager creates a Manager bound to core for execution and
// timeoutCtl for per-command deadline composition. Call Start to
// launch the reaper.
func NewManager(core *exec.Core, timeoutCtl *timeout.Controller, maxConcurrent int, reapInterval time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{
		sessions:      make(map[int64]*Session),
		maxConcurrent: maxConcurrent,
		core:          core,
		timeoutCtl:    timeoutCtl,
		logger:        logger,
		reapInterval:  reapInterval,
		stopCh:        make(chan struct{}),
	}
}

// Start launches the reaper goroutine. Safe to call once.
func (m *Manager) Start() {
	go m.reapLoop()
}

// Stop terminates the reaper goroutine. It does not cancel running
// sessions.
func (m *Manager) Stop() {
	if m.stopped.CompareAndSwap(false, true) {
		close(m.stopCh)
	}
}

func (m *Manager) reapLoop() {
	ticker := time.NewTicker(m.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reap()
		case <-m.stopCh:
			return
		}
	}
}

// reap removes terminal sessions older than RetentionWindow, releasing
// their buffers. Returns the count removed.
func (m *Manager) reap() int {
	cutoff := time.Now().Add(-RetentionWindow)

	var toRemove []int64
	m.mu.RLock()
	for id, s := range m.sessions {
		snap := s.snapshot()
		if snap.State != StateRunning && snap.HasEndTime && snap.EndTime.Before(cutoff) {
			toRemove = append(toRemove, id)
		}
	}
	m.mu.RUnlock()

	if len(toRemove) == 0 {
		return 0
	}

	m.mu.Lock()
	for _, id := range toRemove {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	m.logger.Info().Int("count", len(toRemove)).Msg("reaped terminal sessions")
	return len(toRemove)
}

// admit reserves a running slot, failing with TooManyConcurrentSessions
// if the configured ceiling is already reached.
func (m *Manager) admit() error {
	m.admitMu.Lock()
	defer m.admitMu.Unlock()
	if m.running >= m.maxConcurrent {
		return sqlerr.Wrap(sqlerr.TooManyConcurrentSessions, "%d running sessions already at the limit", m.maxConcurrent)
	}
	m.running++
	return nil
}

func (m *Manager) release() {
	m.admitMu.Lock()
	m.running--
	m.admitMu.Unlock()
}

func (m *Manager) newSession(kind Kind, statement, databaseName string, params map[string]interface{}) *Session {
	id := m.nextID.Add(1)
	s := &Session{
		ID:           id,
		Type:         kind,
		Statement:    statement,
		Parameters:   params,
		DatabaseName: databaseName,
		startTime:    time.Now(),
		state:        StateRunning,
	}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	return s
}

// StartQuery admits and launches a background query, returning its
// initial Snapshot. The tool-call total budget never applies to
// background work (spec §4.5); only the per-call override / default
// command timeout bound each round-trip.
func (m *Manager) StartQuery(sqlText, databaseName string, overrideSeconds *int) (Snapshot, error) {
	if err := m.admit(); err != nil {
		return Snapshot{}, err
	}
	s := m.newSession(KindQuery, sqlText, databaseName, nil)
	cmd, err := m.startCommand(s, overrideSeconds)
	if err != nil {
		m.release()
		return Snapshot{}, err
	}
	initial := s.snapshot()
	go m.runQuery(s, cmd, sqlText, databaseName)
	return initial, nil
}

// StartStoredProcedure admits and launches a background stored
// procedure call. args is the already-bound parameter list (produced
// by internal/params.Bind upstream in the dispatcher); displayParams
// is the original JSON-shaped map, kept only for the session's
// Parameters field.
func (m *Manager) StartStoredProcedure(procedureName, databaseName string, args []sql.NamedArg, displayParams map[string]interface{}, overrideSeconds *int) (Snapshot, error) {
	if err := m.admit(); err != nil {
		return Snapshot{}, err
	}
	s := m.newSession(KindStoredProcedure, procedureName, databaseName, displayParams)
	cmd, err := m.startCommand(s, overrideSeconds)
	if err != nil {
		m.release()
		return Snapshot{}, err
	}
	initial := s.snapshot()
	go m.runProcedure(s, cmd, procedureName, databaseName, args)
	return initial, nil
}

// startCommand computes the effective command timeout for a
// background session. Background work never carries a tool-call
// budget, so Budget.Enabled is always false here.
func (m *Manager) startCommand(s *Session, overrideSeconds *int) (*timeout.Command, error) {
	budget := timeout.NewBudget(nil, time.Now())
	cmd, err := m.timeoutCtl.Start(context.Background(), budget, overrideSeconds, time.Now())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.timeoutSeconds = cmd.EffectiveSeconds
	s.cancel = cmd.Cancel
	s.mu.Unlock()
	return cmd, nil
}

func (m *Manager) runQuery(s *Session, cmd *timeout.Command, sqlText, databaseName string) {
	stream, err := m.core.ExecuteQuery(cmd.Ctx, databaseName, sqlText)
	if err != nil {
		m.fail(s, cmd, err)
		return
	}
	m.drain(s, cmd, stream)
}

func (m *Manager) runProcedure(s *Session, cmd *timeout.Command, procedureName, databaseName string, args []sql.NamedArg) {
	stream, err := m.core.ExecuteStoredProcedure(cmd.Ctx, databaseName, procedureName, args)
	if err != nil {
		m.fail(s, cmd, err)
		return
	}
	m.drain(s, cmd, stream)
}

func (m *Manager) drain(s *Session, cmd *timeout.Command, stream *exec.RowStream) {
	defer stream.Close()

	s.mu.Lock()
	cols := stream.Columns()
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	s.columns = names
	s.mu.Unlock()

	for stream.Next() {
		values, err := stream.Scan()
		if err != nil {
			m.fail(s, cmd, err)
			return
		}
		row := make([]string, len(values))
		for i, v := range values {
			row[i] = fmt.Sprintf("%v", v)
			if v == nil {
				row[i] = ""
			}
		}
		s.mu.Lock()
		s.rows = append(s.rows, row)
		s.rowCount = len(s.rows)
		s.mu.Unlock()
	}
	if err := stream.Err(); err != nil {
		m.fail(s, cmd, err)
		return
	}
	m.complete(s, cmd)
}

func (m *Manager) complete(s *Session, cmd *timeout.Command) {
	now := time.Now()
	s.mu.Lock()
	s.state = StateCompleted
	s.endTime = now
	s.hasEndTime = true
	rowCount := s.rowCount
	s.mu.Unlock()
	cmd.Cancel()
	m.release()
	m.logger.Info().Int64("sessionId", s.ID).Int("rowCount", rowCount).Msg("session completed")
}

func (m *Manager) fail(s *Session, cmd *timeout.Command, err error) {
	classified := cmd.ClassifyError(err, exec.IsDriverTimeout, 0)

	now := time.Now()
	s.mu.Lock()
	cancelled := s.cancelRequested
	if cancelled {
		s.state = StateCancelled
		s.hasErr = false
		s.errMsg = ""
	} else {
		s.state = StateFailed
		s.hasErr = true
		s.errMsg = classified.Error()
	}
	s.endTime = now
	s.hasEndTime = true
	s.mu.Unlock()
	cmd.Cancel()
	m.release()

	if cancelled {
		m.logger.Info().Int64("sessionId", s.ID).Msg("session cancelled")
		return
	}
	m.logger.Error().Err(classified).Int64("sessionId", s.ID).Msg("session failed")
}

// GetSession returns a Snapshot of one session, or ok=false if no
// session with that id exists.
func (m *Manager) GetSession(id int64) (Snapshot, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// Filter selects which sessions ListSessions returns.
type Filter string

const (
	FilterAll       Filter = "all"
	FilterRunning   Filter = "running"
	FilterCompleted Filter = "completed"
)

// ListSessions returns snapshots of every session matching filter,
// newest first.
func (m *Manager) ListSessions(filter Filter) []Snapshot {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	var out []Snapshot
	for _, s := range all {
		snap := s.snapshot()
		switch filter {
		case FilterRunning:
			if snap.State != StateRunning {
				continue
			}
		case FilterCompleted:
			if snap.State == StateRunning {
				continue
			}
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// CancelSession signals the session's cancel handle. Calling it on an
// already-terminal session returns false without error (spec §4.5).
func (m *Manager) CancelSession(id int64) (bool, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return false, sqlerr.Wrap(sqlerr.SessionNotFound, "session %d", id)
	}

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return false, nil
	}
	s.cancelRequested = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return true, nil
}

// GetSessionResults returns the session's current Snapshot plus its
// buffered rows rendered as a Markdown table, truncated to maxRows
// when non-nil. Partial results are readable while still running.
func (m *Manager) GetSessionResults(id int64, maxRows *int) (Snapshot, string, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, "", sqlerr.Wrap(sqlerr.SessionNotFound, "session %d", id)
	}
	return s.snapshot(), s.resultsMarkdown(maxRows), nil
}
