package redisstream

import (
	"fmt"
	"os"
	"time"
)

// Config for the Redis Streams transport.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Consumer group
	Group       string
	Consumer    string
	Concurrency int
	BatchSize   int
	Block       time.Duration
	AutoCreate  bool

	// Stream management
	AutoDeleteOnAck bool
	DeadLetter      string
	MaxLenApprox    int64

	// Pending entry recovery: entries idle longer than ClaimMinIdle are
	// claimed by this consumer and delivered again.
	ClaimMinIdle  time.Duration
	ClaimBatch    int
	ClaimInterval time.Duration
}

// Defaults returns a Config suitable for a single local Redis.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "xnotify"
	}
	return Config{
		Addr:          "127.0.0.1:6379",
		Group:         "xnotify",
		Consumer:      fmt.Sprintf("xnotify-%s-%d", hostname, os.Getpid()),
		Concurrency:   8,
		BatchSize:     128,
		Block:         5 * time.Second,
		AutoCreate:    true,
		ClaimBatch:    128,
		ClaimInterval: 15 * time.Second,
	}
}

func (c Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("redisstream: addr required")
	case c.Group == "":
		return fmt.Errorf("redisstream: group required")
	case c.Consumer == "":
		return fmt.Errorf("redisstream: consumer required")
	case c.Concurrency < 1:
		return fmt.Errorf("redisstream: concurrency must be >= 1, got %d", c.Concurrency)
	case c.BatchSize < 1:
		return fmt.Errorf("redisstream: batch_size must be >= 1, got %d", c.BatchSize)
	case c.Block <= 0:
		return fmt.Errorf("redisstream: block must be > 0, got %v", c.Block)
	case c.ClaimMinIdle > 0 && c.ClaimInterval <= 0:
		return fmt.Errorf("redisstream: claim_interval must be > 0 when claim_min_idle is set")
	}
	return nil
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":               c.Addr,
		"username":           c.Username,
		"password":           c.Password,
		"db":                 c.DB,
		"tls":                c.TLS,
		"tls_server_name":    c.TLSServerName,
		"group":              c.Group,
		"consumer":           c.Consumer,
		"concurrency":        c.Concurrency,
		"batch_size":         c.BatchSize,
		"block":              c.Block,
		"auto_create":        c.AutoCreate,
		"auto_delete_on_ack": c.AutoDeleteOnAck,
		"dead_letter":        c.DeadLetter,
		"max_len_approx":     c.MaxLenApprox,
		"claim_min_idle":     c.ClaimMinIdle,
		"claim_batch":        c.ClaimBatch,
		"claim_interval":     c.ClaimInterval,
	}
}

// ConfigFromMap overlays m onto Defaults. Durations may be given as
// time.Duration or as strings accepted by time.ParseDuration.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	str := func(k string, dst *string, allowEmpty bool) {
		if v, ok := m[k].(string); ok && (allowEmpty || v != "") {
			*dst = v
		}
	}
	num := func(k string) (int64, bool) {
		switch v := m[k].(type) {
		case int:
			return int64(v), true
		case int64:
			return v, true
		case float64:
			return int64(v), true
		}
		return 0, false
	}
	dur := func(k string) (time.Duration, bool) {
		switch v := m[k].(type) {
		case time.Duration:
			return v, true
		case string:
			d, err := time.ParseDuration(v)
			return d, err == nil
		}
		return 0, false
	}
	flag := func(k string, dst *bool) {
		if v, ok := m[k].(bool); ok {
			*dst = v
		}
	}

	str("addr", &c.Addr, false)
	str("username", &c.Username, true)
	str("password", &c.Password, true)
	str("tls_server_name", &c.TLSServerName, true)
	str("group", &c.Group, false)
	str("consumer", &c.Consumer, false)
	str("dead_letter", &c.DeadLetter, true)
	flag("tls", &c.TLS)
	flag("auto_create", &c.AutoCreate)
	flag("auto_delete_on_ack", &c.AutoDeleteOnAck)

	if v, ok := num("db"); ok {
		c.DB = int(v)
	}
	if v, ok := num("concurrency"); ok && v > 0 {
		c.Concurrency = int(v)
	}
	if v, ok := num("batch_size"); ok && v > 0 {
		c.BatchSize = int(v)
	}
	if v, ok := num("max_len_approx"); ok && v > 0 {
		c.MaxLenApprox = v
	}
	if v, ok := num("claim_batch"); ok && v > 0 {
		c.ClaimBatch = int(v)
	}
	if v, ok := dur("block"); ok && v > 0 {
		c.Block = v
	}
	if v, ok := dur("claim_min_idle"); ok {
		c.ClaimMinIdle = v
	}
	if v, ok := dur("claim_interval"); ok && v > 0 {
		c.ClaimInterval = v
	}
	return c
}
