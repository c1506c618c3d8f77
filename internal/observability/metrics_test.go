package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/danmuck/resonant/internal/protocol"
	"github.com/danmuck/resonant/internal/testutil/testlog"
)

func TestMetricsRecordPerReason(t *testing.T) {
	testlog.Start(t)
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "peer-a")

	m.FrameReceived(protocol.MsgThink)
	m.FrameReceived(protocol.MsgThink)
	m.FrameSent(protocol.MsgSync)
	m.FrameDropped(protocol.Reason(protocol.ErrChecksumMismatch))
	m.FrameDropped("space_mismatch")
	m.FrameDropped("space_mismatch")
	m.StreamCompleted(protocol.MsgCritique, 100, 20*time.Millisecond)
	m.StreamFailed("idle_timeout")
	m.SetActiveStreams(3)

	if got := testutil.ToFloat64(m.framesReceived.WithLabelValues("think")); got != 2 {
		t.Fatalf("frames received got=%v", got)
	}
	if got := testutil.ToFloat64(m.framesDropped.WithLabelValues("checksum_mismatch")); got != 1 {
		t.Fatalf("checksum drops got=%v", got)
	}
	if got := testutil.ToFloat64(m.framesDropped.WithLabelValues("space_mismatch")); got != 2 {
		t.Fatalf("space drops got=%v", got)
	}
	if got := testutil.ToFloat64(m.streamsCompleted.WithLabelValues("critique")); got != 1 {
		t.Fatalf("completed got=%v", got)
	}
	if got := testutil.ToFloat64(m.streamsActive); got != 3 {
		t.Fatalf("active got=%v", got)
	}
	if n, err := testutil.GatherAndCount(reg, "resonant_frames_dropped_total"); err != nil || n != 2 {
		t.Fatalf("dropped series got=%d err=%v", n, err)
	}
}

func TestMetricsRegisterTwicePanics(t *testing.T) {
	testlog.Start(t)
	reg := prometheus.NewRegistry()
	NewMetrics(reg, "peer-a")
	NewMetrics(reg, "peer-b")

	defer func() {
		if recover() == nil {
			t.Fatalf("duplicate node registration should panic")
		}
	}()
	NewMetrics(reg, "peer-a")
}

func TestDefaultIsSingleton(t *testing.T) {
	testlog.Start(t)
	if Default("peer-a") != Default("peer-b") {
		t.Fatalf("Default should return one instance")
	}
}

func TestRequestMiddleware(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	m := NewMetrics(nil, "peer-a")
	r := gin.New()
	r.Use(RequestLogger(zerolog.Nop()), RequestMetricsMiddleware(m))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))

	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/health", "200")); got != 2 {
		t.Fatalf("health requests got=%v", got)
	}
	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/nope", "404")); got != 1 {
		t.Fatalf("404 requests got=%v", got)
	}
}
