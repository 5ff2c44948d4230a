package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"frameworks/pkg/logging"
	"frameworks/pkg/monitoring"
)

func TestSetupServiceRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	hc := monitoring.NewHealthChecker("svc", "v1")
	mc := monitoring.NewMetricsCollectorWithRegistry("svc", "v1", "abc", reg, reg)
	r := SetupServiceRouter(logging.NewDiscardLogger(), "svc", hc, mc)
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for _, path := range []string{"/ping", "/health", "/metrics", "/version"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, w.Body.String(), "svc_http_requests_total")
}

func TestSetupServiceRouter_DefaultHealth(t *testing.T) {
	r := SetupServiceRouter(logging.NewDiscardLogger(), "svc", nil, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestStart_StopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{Port: "0", ServiceName: "svc", ShutdownTimeout: time.Second}

	done := make(chan error, 1)
	go func() { done <- Start(ctx, cfg, http.NotFoundHandler(), logging.NewDiscardLogger()) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
