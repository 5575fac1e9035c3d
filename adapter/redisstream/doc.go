// Package redisstream provides a Redis Streams transport for xnotify.
//
// Transport name: "redis-streams". Each topic is a stream key and each
// subscriber group is a Redis consumer group, so every group sees every
// message at least once. The message id assigned by the bus is stored in the
// entry and survives the round trip; the Redis entry id is exposed in
// Metadata under MetaStreamID.
//
// Config keys accepted by the registry factory:
//   - addr: "host:port" (default "127.0.0.1:6379")
//   - username, password, db, tls, tls_server_name
//   - group: default consumer group name (default "xnotify")
//   - consumer: consumer name (default "xnotify-<host>-<pid>")
//   - concurrency: workers per subscription (default 8)
//   - batch_size: XREADGROUP COUNT (default 128)
//   - block: XREADGROUP BLOCK duration (default 5s)
//   - auto_create: create group/stream if missing (default true)
//   - auto_delete_on_ack: XDEL after XACK (default false)
//   - dead_letter: stream receiving nacked messages (optional)
//   - max_len_approx: approximate MAXLEN per stream (0 = unbounded)
//   - claim_min_idle, claim_interval, claim_batch: pending entry recovery
//
//	bus, _ := xnotify.NewBusBuilder().
//	    WithTransport(redisstream.TransportName, map[string]any{
//	        "addr":        os.Getenv("REDIS_ADDR"),
//	        "consumer":    "email-sender-1",
//	        "dead_letter": "notifications-dlq",
//	    }).
//	    Build()
package redisstream
