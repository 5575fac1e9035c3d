package redisstream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xnotify"
)

// delivery implements xnotify.Delivery for one stream entry.
type delivery struct {
	t     *transport
	topic string
	group string
	id    string
	msg   *xnotify.Message

	once sync.Once
}

func (d *delivery) Message() *xnotify.Message { return d.msg }

// Ack acknowledges the entry for this group.
func (d *delivery) Ack(ctx context.Context) error {
	var err error
	d.once.Do(func() { err = d.ack(ctx) })
	return err
}

func (d *delivery) ack(ctx context.Context) error {
	if err := d.t.client.XAck(ctx, d.topic, d.group, d.id).Err(); err != nil {
		return classify(err)
	}
	d.t.metrics.acked.Add(1)
	if d.t.cfg.AutoDeleteOnAck {
		_ = d.t.client.XDel(ctx, d.topic, d.id).Err()
	}
	return nil
}

// Nack moves the entry to the dead letter stream when one is configured.
// Otherwise the entry stays pending and the claim loop delivers it again.
func (d *delivery) Nack(ctx context.Context, reason error) error {
	var err error
	d.once.Do(func() {
		d.t.metrics.nacked.Add(1)
		dl := d.t.cfg.DeadLetter
		if dl == "" {
			return
		}
		values := make(map[string]any, 6+len(d.msg.Metadata))
		values["orig_topic"] = d.topic
		values["orig_id"] = d.id
		values["error"] = fmt.Sprintf("%v", reason)
		values[fieldID] = d.msg.ID
		values[fieldName] = d.msg.Name
		values[fieldPayload] = d.msg.Payload
		for k, v := range d.msg.Metadata {
			if k != MetaStreamID {
				values[fieldMetaPrefix+k] = v
			}
		}
		if err = d.t.client.XAdd(ctx, &redis.XAddArgs{Stream: dl, ID: "*", Values: values}).Err(); err != nil {
			err = classify(err)
			return
		}
		// Acked only once the dead letter copy exists.
		err = d.ack(ctx)
	})
	return err
}

// decodeMessage rebuilds a message from entry values. The bus-assigned id
// wins over the Redis entry id.
func decodeMessage(streamID string, vals map[string]any) *xnotify.Message {
	msg := &xnotify.Message{
		ID:       asString(vals[fieldID]),
		Name:     asString(vals[fieldName]),
		Metadata: map[string]string{MetaStreamID: streamID},
	}
	if msg.ID == "" {
		msg.ID = streamID
	}
	switch p := vals[fieldPayload].(type) {
	case []byte:
		msg.Payload = p
	case string:
		msg.Payload = []byte(p)
	}
	if ns, ok := toInt64(vals[fieldProducedAt]); ok && ns > 0 {
		msg.ProducedAt = time.Unix(0, ns)
	}
	for k, v := range vals {
		if key, ok := strings.CutPrefix(k, fieldMetaPrefix); ok {
			msg.Metadata[key] = asString(v)
		}
	}
	return msg
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}
