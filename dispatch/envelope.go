// Package dispatch turns inbound events into notification envelopes and
// publishes them on the bus.
package dispatch

import (
	"context"
	"time"

	"github.com/trickstertwo/xnotify"
)

const (
	DefaultSubject = "Notification"
	DefaultBody    = "Default notification message"

	// EventName labels notification messages on the bus.
	EventName = "notification"
	// MetaSubject carries the subject in message metadata so transports
	// with a native subject field can use it.
	MetaSubject = "subject"
)

// Event is a caller-supplied payload. The keys "subject" and "message" are
// recognized; everything else is carried through untouched.
type Event map[string]any

// Subject returns the "subject" value, or DefaultSubject when it is absent
// or not a string.
func (e Event) Subject() string { return e.str("subject", DefaultSubject) }

// Body returns the "message" value, or DefaultBody when it is absent or not
// a string.
func (e Event) Body() string { return e.str("message", DefaultBody) }

func (e Event) str(key, def string) string {
	if s, ok := e[key].(string); ok {
		return s
	}
	return def
}

// Envelope is the canonical notification record. ID and Timestamp come from
// the bus message that carried it.
type Envelope struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	SourceEvent Event     `json:"sourceEvent"`
}

// wireEnvelope is the encoded bus payload.
type wireEnvelope struct {
	Subject     string `json:"subject"`
	Body        string `json:"body"`
	SourceEvent Event  `json:"sourceEvent"`
}

func newWire(e Event) wireEnvelope {
	return wireEnvelope{Subject: e.Subject(), Body: e.Body(), SourceEvent: e}
}

// DecodeEnvelope rebuilds the envelope from a delivered message using the
// codec of the subscription in ctx, or JSON outside a handler.
func DecodeEnvelope(ctx context.Context, msg *xnotify.Message) (Envelope, error) {
	if msg == nil {
		return Envelope{}, xnotify.ErrInvalidPayload
	}
	w, err := xnotify.Decode[wireEnvelope](ctx, msg)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:          msg.ID,
		Timestamp:   msg.ProducedAt,
		Subject:     w.Subject,
		Body:        w.Body,
		SourceEvent: w.SourceEvent,
	}, nil
}

// Receipt identifies a published envelope.
type Receipt struct {
	EnvelopeID string `json:"envelopeId"`
	TopicID    string `json:"topicId"`
}

// Result is the publish result payload returned to API callers.
type Result struct {
	StatusCode int        `json:"statusCode"`
	Body       ResultBody `json:"body"`
}

type ResultBody struct {
	Status    string `json:"status"`
	MessageID string `json:"messageId"`
}

func (r Receipt) Result() Result {
	return Result{
		StatusCode: 200,
		Body:       ResultBody{Status: "success", MessageID: r.EnvelopeID},
	}
}
