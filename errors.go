package xnotify

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Failure taxonomy shared by the bus, the dispatcher and the forwarder.
var (
	// ErrUnauthorized means a permission grant is missing. Never retryable.
	ErrUnauthorized = errors.New("xnotify: unauthorized")
	// ErrUnavailable is a transient fault of the bus or of a remote target.
	ErrUnavailable = errors.New("xnotify: unavailable")
	// ErrMalformed means an event or envelope failed structural checks.
	ErrMalformed = errors.New("xnotify: malformed input")
)

var (
	ErrBusClosed                   = errors.New("xnotify: bus closed")
	ErrNoTransportConfigured       = errors.New("xnotify: no transport configured")
	ErrInvalidTopic                = fmt.Errorf("%w: topic must not be empty", ErrMalformed)
	ErrInvalidEventName            = fmt.Errorf("%w: event name must not be empty", ErrMalformed)
	ErrInvalidPayload              = fmt.Errorf("%w: payload must not be nil", ErrMalformed)
	ErrInvalidSubscription         = errors.New("xnotify: topic, group and handler are required")
	ErrSubscribeUnsupported        = errors.New("xnotify: transport does not support subscribe")
	ErrHandlerPanic                = errors.New("xnotify: handler panic")
	ErrObserverPoolShutdownTimeout = errors.New("xnotify: observer pool shutdown timeout")
	ErrDefaultBusNotInitialized    = errors.New("xnotify: default bus not initialized")
)

// ErrUnknownTransport names a transport no adapter registered.
type ErrUnknownTransport struct {
	name  string
	known []string
}

func (e ErrUnknownTransport) Error() string {
	if len(e.known) == 0 {
		return fmt.Sprintf("xnotify: unknown transport %q (none registered)", e.name)
	}
	return fmt.Sprintf("xnotify: unknown transport %q (registered: %s)", e.name, strings.Join(e.known, ", "))
}

// PublishFailure is surfaced to callers of Submit when the bus rejected or
// could not be reached. Unwrap exposes the classified cause.
type PublishFailure struct {
	Topic string
	Err   error
}

func (e *PublishFailure) Error() string {
	return fmt.Sprintf("publish to %q failed: %v", e.Topic, e.Err)
}

func (e *PublishFailure) Unwrap() error { return e.Err }

// EscalationFailure is returned by the forwarder. It is terminal for the
// log line that triggered it.
type EscalationFailure struct {
	Target string
	Err    error
}

func (e *EscalationFailure) Error() string {
	return fmt.Sprintf("escalation to %q failed: %v", e.Target, e.Err)
}

func (e *EscalationFailure) Unwrap() error { return e.Err }

// Classify maps a transport error onto the taxonomy. Errors that already
// carry a taxonomy sentinel or a context error are returned unchanged;
// anything else is treated as a transient bus fault.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrMalformed),
		errors.Is(err, ErrUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
}

// Retryable reports whether a caller may reasonably retry after err.
// Missing grants and malformed input never heal on their own, and a
// cancelled call must not be replayed automatically.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrMalformed),
		errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}
