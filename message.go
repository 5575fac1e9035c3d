package xnotify

import (
	"time"
)

// Message is the envelope traveling the bus. The Payload is encoded via Codec.
type Message struct {
	// ID is the unique message identifier. The bus assigns it before the
	// transport sees the message; a transport with a broker-native id may
	// replace it during Publish.
	ID string
	// Name is the logical event name, useful for routing/metrics.
	Name string
	// Payload is the encoded bytes of the event.
	Payload []byte
	// Metadata is a bag for headers/tracing/tenancy/etc.
	Metadata map[string]string
	// ProducedAt is the production timestamp (from injected clock).
	ProducedAt time.Time
}

// PublishAck is returned once the transport has accepted a message.
type PublishAck struct {
	Topic     string
	MessageID string
}

// PublishEvent describes a single event in a batch publish call.
type PublishEvent struct {
	Name    string
	Payload any
	Meta    map[string]string
}
