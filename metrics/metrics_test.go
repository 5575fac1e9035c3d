package metrics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xnotify"
)

func TestObserver_CountsByTypeAndOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	o, err := New(reg)
	require.NoError(t, err)

	o.OnEvent(xnotify.Event{Type: xnotify.PublishDone, Topic: "alerts", Duration: time.Millisecond})
	o.OnEvent(xnotify.Event{Type: xnotify.PublishDone, Topic: "alerts", Err: xnotify.ErrUnauthorized})
	o.OnEvent(xnotify.Event{Type: xnotify.MatchFound, Topic: "dispatcher"})
	o.OnEvent(xnotify.Event{Type: xnotify.EscalationDone, Topic: "dispatcher", Err: fmt.Errorf("%w: 503", xnotify.ErrUnavailable)})

	assert.Equal(t, 1.0, testutil.ToFloat64(o.events.WithLabelValues("publish_done", "alerts", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.events.WithLabelValues("publish_done", "alerts", "unauthorized")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.events.WithLabelValues("match_found", "dispatcher", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.events.WithLabelValues("escalation_done", "dispatcher", "unavailable")))
	assert.Equal(t, 3, testutil.CollectAndCount(o.duration))

	_, err = New(reg)
	assert.Error(t, err, "second registration on the same registry")
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", Outcome(nil))
	assert.Equal(t, "malformed", Outcome(xnotify.ErrInvalidPayload))
	assert.Equal(t, "timeout", Outcome(&xnotify.PublishFailure{Err: context.DeadlineExceeded}))
	assert.Equal(t, "canceled", Outcome(context.Canceled))
	assert.Equal(t, "unavailable", Outcome(io.EOF))
}

func TestMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	o, err := New(reg)
	require.NoError(t, err)

	r := gin.New()
	r.Use(o.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(Handler(reg)))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(o.reqTotal.WithLabelValues("GET", "/ping", "204")))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `xnotify_http_requests_total{method="GET",path="/ping",status="204"} 1`)
}
