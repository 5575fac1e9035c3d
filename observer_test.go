package xnotify

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggingObserver_Classify(t *testing.T) {
	cases := []struct {
		name string
		e    Event
		sev  severity
		msg  string
	}{
		{"match", Event{Type: MatchFound, Topic: "xnotify/dispatcher"}, sevInfo, "log line matched"},
		{"escalated", Event{Type: EscalationDone}, sevInfo, "escalated"},
		{"escalation failed", Event{Type: EscalationDone, Err: fmt.Errorf("%w: lambda throttled", ErrUnavailable)}, sevWarn, "escalation failed"},
		{"escalation denied", Event{Type: EscalationDone, Err: fmt.Errorf("invoke: %w", ErrUnauthorized)}, sevError, "escalation failed"},
		{"internal error", Event{Type: Error, Err: errors.New("ack timeout")}, sevError, "xnotify event"},
		{"nack", Event{Type: Nack, Err: errors.New("smtp down")}, sevWarn, "xnotify event"},
		{"publish failed", Event{Type: PublishDone, Err: ErrUnavailable}, sevWarn, "xnotify event"},
		{"publish ok", Event{Type: PublishDone}, sevDebug, "xnotify event"},
		{"ack", Event{Type: Ack}, sevDebug, "xnotify event"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.sev, classify(tc.e))
			assert.Equal(t, tc.msg, eventMessage(tc.e))
		})
	}
}

func TestLoggingObserver_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() { LoggingObserver{}.OnEvent(Event{Type: Error}) })
}
