// Package metrics exports bus, matcher and HTTP telemetry to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trickstertwo/xnotify"
)

const Namespace = "xnotify"

// Observer implements xnotify.Observer. Attach it to a bus and to a
// matcher; each event type lands in its own series.
type Observer struct {
	events      *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	reqTotal    *prometheus.CounterVec
	reqDuration *prometheus.HistogramVec
}

var _ xnotify.Observer = (*Observer)(nil)

// New registers the collectors on reg. Passing prometheus.DefaultRegisterer
// exposes them on promhttp.Handler().
func New(reg prometheus.Registerer) (*Observer, error) {
	o := &Observer{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: Namespace, Name: "events_total", Help: "Bus and matcher lifecycle events by type and outcome"},
			[]string{"type", "topic", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of publishes, handler runs and escalations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type", "outcome"},
		),
		reqTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: Namespace, Name: "http_requests_total", Help: "Total HTTP requests"},
			[]string{"method", "path", "status"},
		),
		reqDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
	}
	for _, c := range []prometheus.Collector{o.events, o.duration, o.reqTotal, o.reqDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *Observer) OnEvent(e xnotify.Event) {
	out := Outcome(e.Err)
	o.events.WithLabelValues(string(e.Type), e.Topic, out).Inc()
	switch e.Type {
	case xnotify.PublishDone, xnotify.ConsumeDone, xnotify.EscalationDone:
		o.duration.WithLabelValues(string(e.Type), out).Observe(e.Duration.Seconds())
	}
}

// Outcome labels an error by its place in the failure taxonomy.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, xnotify.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, xnotify.ErrMalformed):
		return "malformed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "unavailable"
	}
}

// Middleware records request counts and latency per route.
func (o *Observer) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		o.reqDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
		o.reqTotal.WithLabelValues(c.Request.Method, path, status).Inc()
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
