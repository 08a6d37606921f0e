// Package sqlerr defines the domain error kinds shared across the
// execution and session subsystem. Callers compare with errors.Is
// rather than type-asserting a concrete exception type, following the
// sentinel-error style the teacher module uses for errDriverNotFound
// and errConnectionFailed.
package sqlerr

import (
	"errors"
	"fmt"
)

// Kind identifies the class of failure without carrying a message.
// Wrapping (fmt.Errorf("...: %w", KindX)) attaches the message.
type Kind error

var (
	// EmptyArgument indicates a required argument was missing or blank.
	EmptyArgument Kind = errors.New("empty argument")

	// DatabaseNotFound indicates the referenced database does not exist
	// or is not accessible.
	DatabaseNotFound Kind = errors.New("database not found")

	// ProcedureNotFound indicates a stored-procedure catalog lookup
	// returned no rows.
	ProcedureNotFound Kind = errors.New("procedure not found")

	// ParameterMissing indicates a required stored-procedure parameter
	// had no matching JSON key and no default.
	ParameterMissing Kind = errors.New("parameter missing")

	// ParameterTypeError indicates a JSON value could not be converted
	// to the parameter's SQL type.
	ParameterTypeError Kind = errors.New("parameter type error")

	// NullNotAllowed indicates a JSON null was supplied for a
	// non-nullable parameter.
	NullNotAllowed Kind = errors.New("null not allowed")

	// TooManyConcurrentSessions indicates the session manager refused
	// admission because MaxConcurrentSessions running sessions already
	// exist.
	TooManyConcurrentSessions Kind = errors.New("too many concurrent sessions")

	// SessionNotFound indicates a session lookup by id found nothing.
	SessionNotFound Kind = errors.New("session not found")

	// ToolCallTimeoutExceeded indicates the total tool-call budget (T)
	// elapsed before or during command execution.
	ToolCallTimeoutExceeded Kind = errors.New("tool call timeout exceeded")

	// CommandTimeout indicates the driver reported a timeout at or
	// below the effective command timeout (E).
	CommandTimeout Kind = errors.New("command timeout")

	// SqlExecutionError wraps any other driver error.
	SqlExecutionError Kind = errors.New("sql execution error")

	// CapabilityProbeError indicates the capability detector's probe
	// queries failed; the result is not cached.
	CapabilityProbeError Kind = errors.New("capability probe error")

	// OutputBindingUnsupported indicates a caller asked to bind an
	// OUTPUT parameter, which v1 does not support (metadata visibility
	// only, per spec).
	OutputBindingUnsupported Kind = errors.New("output parameter binding not supported")
)

// Wrap attaches a formatted message to a sentinel kind while preserving
// errors.Is(err, kind) semantics.
func Wrap(kind Kind, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}

// ToolCallTimeoutMessage renders the fixed wording required by spec §7.
func ToolCallTimeoutMessage(totalSeconds int) string {
	return fmt.Sprintf("Total tool timeout of %ds exceeded", totalSeconds)
}
