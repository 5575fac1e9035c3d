// Package httpapi exposes the dispatcher over HTTP.
//
//	POST /v1/notifications  submit an event (JSON object)
//	GET  /healthz           bus health
//	GET  /metrics           Prometheus metrics, when configured
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xnotify"
	"github.com/trickstertwo/xnotify/dispatch"
	"github.com/trickstertwo/xnotify/metrics"
)

// Submitter is the dispatcher surface the API needs.
type Submitter interface {
	Submit(ctx context.Context, ev dispatch.Event) (dispatch.Receipt, error)
}

type options struct {
	logger   *xlog.Logger
	observer *metrics.Observer
	gatherer prometheus.Gatherer
}

type Option func(*options)

func WithLogger(l *xlog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics records request metrics on obs and serves g on /metrics.
func WithMetrics(obs *metrics.Observer, g prometheus.Gatherer) Option {
	return func(o *options) {
		o.observer = obs
		o.gatherer = g
	}
}

// NewRouter builds the gin engine. health may be nil, in which case
// /healthz always reports ok.
func NewRouter(sub Submitter, health xnotify.HealthChecker, opts ...Option) *gin.Engine {
	o := options{logger: xlog.Default()}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	lg := o.logger.With(xlog.Str("component", "httpapi"))

	r := gin.New()
	r.Use(gin.Recovery(), requestLog(lg))
	if o.observer != nil {
		r.Use(o.observer.Middleware())
	}

	h := &handlers{sub: sub, health: health, logger: lg}
	r.POST("/v1/notifications", h.submit)
	r.GET("/healthz", h.healthz)
	if o.gatherer != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler(o.gatherer)))
	}
	return r
}

type handlers struct {
	sub    Submitter
	health xnotify.HealthChecker
	logger *xlog.Logger
}

func (h *handlers) submit(c *gin.Context) {
	var ev dispatch.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		writeError(c, http.StatusBadRequest, errors.Join(xnotify.ErrMalformed, err))
		return
	}
	receipt, err := h.sub.Submit(c.Request.Context(), ev)
	if err != nil {
		writeError(c, StatusFor(err), err)
		return
	}
	res := receipt.Result()
	c.JSON(res.StatusCode, res)
}

func (h *handlers) healthz(c *gin.Context) {
	if h.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
		return
	}
	hs := h.health.Health(c.Request.Context())
	code := http.StatusOK
	if hs.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    hs.Status,
		"message":   hs.Message,
		"timestamp": hs.Timestamp,
		"metrics":   hs.Metrics,
	})
}

// StatusFor maps the failure taxonomy onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, xnotify.ErrMalformed):
		return http.StatusBadRequest
	case errors.Is(err, xnotify.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		// nginx convention for a client that went away.
		return 499
	default:
		return http.StatusServiceUnavailable
	}
}

func writeError(c *gin.Context, code int, err error) {
	c.AbortWithStatusJSON(code, gin.H{
		"statusCode": code,
		"body": gin.H{
			"status":    "error",
			"error":     err.Error(),
			"retryable": xnotify.Retryable(err),
		},
	})
}

func requestLog(lg *xlog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		ev := lg.Debug()
		if status >= http.StatusInternalServerError {
			ev = lg.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("status", strconv.Itoa(status)).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}
