package xnotify

import (
	"errors"
	"strconv"

	"github.com/trickstertwo/xlog"
)

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver writes bus and matcher events to xlog. Internal errors and
// anything denied by the guard log at error; other failures log at warn
// with a retryable field. Matches and escalations log at info, the rest at
// debug.
type LoggingObserver struct {
	Logger *xlog.Logger
}

type severity int

const (
	sevDebug severity = iota
	sevInfo
	sevWarn
	sevError
)

func classify(e Event) severity {
	switch {
	case e.Type == Error, errors.Is(e.Err, ErrUnauthorized):
		return sevError
	case e.Type == Nack, e.Err != nil:
		return sevWarn
	case e.Type == MatchFound, e.Type == EscalationDone:
		return sevInfo
	default:
		return sevDebug
	}
}

func eventMessage(e Event) string {
	switch e.Type {
	case MatchFound:
		return "log line matched"
	case EscalationDone:
		if e.Err != nil {
			return "escalation failed"
		}
		return "escalated"
	}
	return "xnotify event"
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	l := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("topic", e.Topic),
	)
	if e.Group != "" {
		l = l.With(xlog.Str("group", e.Group))
	}
	if e.MessageID != "" {
		l = l.With(xlog.Str("message_id", e.MessageID))
	}
	if e.EventName != "" {
		l = l.With(xlog.Str("event_name", e.EventName))
	}
	if e.Duration > 0 {
		l = l.With(xlog.Dur("duration", e.Duration))
	}
	msg := eventMessage(e)

	switch classify(e) {
	case sevError:
		l.Error().Err(e.Err).Msg(msg)
	case sevWarn:
		l.Warn().Err(e.Err).Str("retryable", strconv.FormatBool(Retryable(e.Err))).Msg(msg)
	case sevInfo:
		l.Info().Msg(msg)
	default:
		l.Debug().Msg(msg)
	}
}
