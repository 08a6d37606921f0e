// Package timeout implements the tiered timeout controller (spec §4.2):
// it reconciles a default command timeout, an optional per-call
// override, and an optional process-wide total tool-call budget into
// a single effective command timeout and a cancellation handle.
//
// The default command timeout is a runtime-tunable atomic scalar
// (set_command_timeout / get_command_timeout), mirroring spec §9's
// requirement that changes apply only to commands that start after
// the change — in-flight commands keep the value they were handed at
// Start.
package timeout

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/mantis/mssqlmcp/internal/sqlerr"
)

// Bounds on the effective command timeout E (spec §4.2).
const (
	MinEffectiveSeconds = 1
	MaxEffectiveSeconds = 3600
)

// DefaultTimeout is the process-wide, runtime-tunable default command
// timeout in seconds. It is read atomically by every Controller.Start
// call and written only by Set.
type DefaultTimeout struct {
	seconds atomic.Int64
}

// NewDefaultTimeout creates a DefaultTimeout seeded with the given
// number of seconds.
func NewDefaultTimeout(seconds int) *DefaultTimeout {
	d := &DefaultTimeout{}
	d.seconds.Store(int64(seconds))
	return d
}

// Get returns the current default command timeout in seconds.
func (d *DefaultTimeout) Get() int {
	return int(d.seconds.Load())
}

// Set updates the default command timeout. It affects only commands
// that call Start after this returns; in-flight commands are
// unaffected. Returns an error if seconds is outside [1, 3600].
func (d *DefaultTimeout) Set(seconds int) error {
	if seconds < MinEffectiveSeconds || seconds > MaxEffectiveSeconds {
		return sqlerr.Wrap(sqlerr.EmptyArgument, "command timeout must be in [%d, %d], got %d", MinEffectiveSeconds, MaxEffectiveSeconds, seconds)
	}
	d.seconds.Store(int64(seconds))
	return nil
}

// Budget represents one synchronous MCP tool invocation's total
// wall-clock ceiling (T). It carries the call's start instant so that
// each command in the call can compute its remaining share. A Budget
// with Enabled=false means T is unset — every command gets the full
// default/override timeout with no total-budget ceiling.
type Budget struct {
	Enabled bool
	Total   time.Duration
	start   time.Time
}

// NewBudget creates a Budget for a tool call starting now. totalSeconds
// is nil when the total tool-call timeout is disabled.
func NewBudget(totalSeconds *int, now time.Time) Budget {
	if totalSeconds == nil {
		return Budget{Enabled: false, start: now}
	}
	return Budget{Enabled: true, Total: time.Duration(*totalSeconds) * time.Second, start: now}
}

// remaining returns R = T - elapsed, as of the given instant.
func (b Budget) remaining(now time.Time) time.Duration {
	return b.Total - now.Sub(b.start)
}

// Controller composes a Budget with the process-wide default and an
// optional per-call override to produce the effective command timeout
// E and a context carrying a cancellation handle, per spec §4.2.
type Controller struct {
	def *DefaultTimeout
}

// NewController creates a Controller backed by the given default
// timeout scalar.
func NewController(def *DefaultTimeout) *Controller {
	return &Controller{def: def}
}

// Command is the per-command timeout context produced by Start. Cancel
// must be called on every exit path (the caller owns a scoped
// acquisition of the cancellation handle, mirroring the teacher's
// "close on exit via defer" discipline throughout internal/handler).
type Command struct {
	Ctx               context.Context
	Cancel            context.CancelFunc
	EffectiveSeconds  int
	budgetExceededAt  func() bool
}

// Start computes E at command-start time and returns a context that
// will be cancelled when either the driver-facing deadline (E) or the
// tool-call budget (T, if enabled) elapses, whichever comes first.
//
// now is passed in (rather than read from time.Now inside Start) so
// callers can use a single wall-clock read per tool invocation; in
// production this is always time.Now().
func (c *Controller) Start(parent context.Context, budget Budget, overrideSeconds *int, now time.Time) (*Command, error) {
	def := c.def.Get()
	wanted := def
	if overrideSeconds != nil {
		wanted = *overrideSeconds
	}

	effective := wanted
	if budget.Enabled {
		remaining := budget.remaining(now)
		if remaining <= 0 {
			return nil, sqlerr.Wrap(sqlerr.ToolCallTimeoutExceeded, "%s", sqlerr.ToolCallTimeoutMessage(int(budget.Total.Seconds())))
		}
		remainingSeconds := int(remaining.Seconds())
		if remainingSeconds < wanted {
			effective = remainingSeconds
		}
	}

	if effective < MinEffectiveSeconds {
		effective = MinEffectiveSeconds
	}
	if effective > MaxEffectiveSeconds {
		effective = MaxEffectiveSeconds
	}

	ctx, cancel := context.WithTimeout(parent, time.Duration(effective)*time.Second)

	cmd := &Command{
		Ctx:              ctx,
		Cancel:           cancel,
		EffectiveSeconds: effective,
	}
	if budget.Enabled {
		cmd.budgetExceededAt = func() bool {
			return budget.remaining(time.Now()) <= 0
		}
	} else {
		cmd.budgetExceededAt = func() bool { return false }
	}
	return cmd, nil
}

// ClassifyError maps a driver-reported cancellation/timeout error to
// the correct domain error kind. When the tool-call budget fired
// before or during the driver failure, ToolCallTimeoutExceeded is
// reported regardless of whether the driver raised a generic
// cancellation or its own timeout error (spec §4.2).
func (cmd *Command) ClassifyError(err error, driverIsTimeout func(error) bool, totalSeconds int) error {
	if err == nil {
		return nil
	}
	if cmd.budgetExceededAt() {
		return sqlerr.Wrap(sqlerr.ToolCallTimeoutExceeded, "%s", sqlerr.ToolCallTimeoutMessage(totalSeconds))
	}
	if driverIsTimeout(err) {
		return sqlerr.Wrap(sqlerr.CommandTimeout, "command exceeded %ds", cmd.EffectiveSeconds)
	}
	return sqlerr.Wrap(sqlerr.SqlExecutionError, "%v", err)
}
