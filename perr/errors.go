// Package perr defines the typed error kinds from the core's error
// handling design: each is a distinct Go type so callers can
// discriminate with errors.As, and fatal kinds carry enough context
// to produce the single structured event the design calls for.
package perr

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the non-fatal, frequently-compared kinds.
// Session-scoped fatal kinds are concrete types below since they
// carry session identity and a cause.
var (
	// ErrInvalidMove is returned by Toolhead when a move request is
	// infeasible (negative distance, zero speed with nonzero distance,
	// NaN/Inf coordinates). The look-ahead queue is left unmodified.
	ErrInvalidMove = errors.New("invalid move")

	// ErrBackpressure is soft: a session's dispatch channel is full.
	// The control loop skips that session until its next tick, when the
	// stashed triples are retried; the planner keeps flushing meanwhile,
	// and the error is never surfaced above the control loop.
	ErrBackpressure = errors.New("backpressure: mcu queue capacity exceeded")
)

// Kind identifies a fatal error category for the structured event log.
type Kind string

const (
	KindOutOfBounds         Kind = "out_of_bounds"
	KindStepOrderViolation  Kind = "step_order_violation"
	KindProtocolError       Kind = "protocol_error"
	KindMCUShutdown         Kind = "mcu_shutdown"
	KindClockDrift          Kind = "clock_drift"
)

// FatalEvent is the single structured event every fatal error
// produces: kind, timestamp, affected session, and a human-readable
// cause.
type FatalEvent struct {
	Kind    Kind
	Time    time.Time
	Session string
	Cause   error
}

func (e *FatalEvent) Error() string {
	return fmt.Sprintf("%s on session %q at %s: %v", e.Kind, e.Session, e.Time.Format(time.RFC3339), e.Cause)
}

func (e *FatalEvent) Unwrap() error { return e.Cause }

// NewFatal builds a FatalEvent for kind, stamping the current time.
func NewFatal(kind Kind, session string, cause error) *FatalEvent {
	return &FatalEvent{Kind: kind, Time: time.Now(), Session: session, Cause: cause}
}

// OutOfBounds reports a kinematics plug-in rejecting a planned
// position as outside its declared limits. Raised during planning;
// aborts the current print and drains the queue.
func OutOfBounds(session string, cause error) *FatalEvent {
	return NewFatal(KindOutOfBounds, session, cause)
}

// StepOrderViolation reports a non-monotonic ideal step sequence —
// should never occur from valid kinematics. Fatal: it ends the
// control loop, which shuts down every session of the printer
// instance; no emergency_stop command is sent to the MCUs.
func StepOrderViolation(session string, cause error) *FatalEvent {
	return NewFatal(KindStepOrderViolation, session, cause)
}

// ProtocolError reports a bad CRC, bad sequence, or unknown command
// id. Retried up to R=5 times by the session's reliability layer,
// then promoted to fatal.
func ProtocolError(session string, cause error) *FatalEvent {
	return NewFatal(KindProtocolError, session, cause)
}

// MCUShutdown mirrors an MCU-reported shutdown reason into a fatal
// host-side state.
func MCUShutdown(session string, reason string) *FatalEvent {
	return NewFatal(KindMCUShutdown, session, errors.New(reason))
}

// ClockDrift reports estimator residuals exceeding tolerance for the
// sustained period required to declare the session's clock mapping
// unusable.
func ClockDrift(session string, cause error) *FatalEvent {
	return NewFatal(KindClockDrift, session, cause)
}
