package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/channel"
	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/events"
	"github.com/parley-ai/parley/pkg/locks"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/observability"
	"github.com/parley-ai/parley/pkg/pipeline"
	"github.com/parley-ai/parley/pkg/repo/memrepo"
	"github.com/parley-ai/parley/pkg/runtime"
)

type replyPhase struct{}

func (replyPhase) Name() string                      { return "reply" }
func (replyPhase) FailureMode() pipeline.FailureMode { return pipeline.Fatal }

func (replyPhase) Run(_ context.Context, ws *pipeline.WorkingSet) error {
	ws.Response = "echo: " + ws.Message.Content
	ws.Enforcement = models.EnforcementSummary{Passed: true}
	return nil
}

func newTestEngine(t *testing.T, health HealthChecker) *gin.Engine {
	t.Helper()
	cfg := config.DefaultConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	publisher := &events.CapturePublisher{}
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	gateway := channel.NewGateway(cfg.Channels, memrepo.NewSessionRepo(memrepo.NewStore()), logger)
	runner := pipeline.NewRunner([]pipeline.Phase{replyPhase{}}, cfg, publisher, metrics, logger)
	rt := runtime.NewRuntime(cfg, gateway, runner, memrepo.NewIdemCache(), locks.NewLocal(), publisher, metrics, logger)
	return NewServer(rt, nil, registry, health, logger).Engine()
}

// closeNotifyRecorder adds the http.CloseNotifier implementation that
// gin's Context.Stream requires but httptest.ResponseRecorder lacks.
type closeNotifyRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func (c *closeNotifyRecorder) CloseNotify() <-chan bool { return c.closed }

func doRequest(engine *gin.Engine, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(&closeNotifyRecorder{w, make(chan bool, 1)}, req)
	return w
}

const turnBody = `{"tenant_id":"t1","agent_id":"a1","channel":"webchat","channel_user_id":"u1","content":"hello"}`

func TestServer_Healthz(t *testing.T) {
	w := doRequest(newTestEngine(t, nil), http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

type failingHealth struct{}

func (failingHealth) Ping(context.Context) error { return errors.New("connection refused") }

func TestServer_HealthzBackendDown(t *testing.T) {
	w := doRequest(newTestEngine(t, failingHealth{}), http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "unhealthy")
}

func TestServer_ProcessTurn(t *testing.T) {
	engine := newTestEngine(t, nil)

	w := doRequest(engine, http.MethodPost, "/api/v1/turns", turnBody, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"response":"echo: hello"`)
}

func TestServer_ProcessTurnBadRequest(t *testing.T) {
	engine := newTestEngine(t, nil)

	// Binding rejects the missing field before the runtime sees it.
	w := doRequest(engine, http.MethodPost, "/api/v1/turns",
		`{"tenant_id":"t1","agent_id":"a1","channel":"webchat","content":"hello"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Whitespace content passes binding and fails normalization.
	w = doRequest(engine, http.MethodPost, "/api/v1/turns",
		`{"tenant_id":"t1","agent_id":"a1","channel":"webchat","channel_user_id":"u1","content":"   "}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "content")
}

func TestServer_ProcessTurnIdempotencyKey(t *testing.T) {
	engine := newTestEngine(t, nil)
	headers := map[string]string{"Idempotency-Key": "req-1"}

	first := doRequest(engine, http.MethodPost, "/api/v1/turns", turnBody, headers)
	require.Equal(t, http.StatusOK, first.Code)
	second := doRequest(engine, http.MethodPost, "/api/v1/turns", turnBody, headers)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
}

func TestServer_ProcessTurnStream(t *testing.T) {
	engine := newTestEngine(t, nil)

	w := doRequest(engine, http.MethodPost, "/api/v1/turns/stream", turnBody, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, "echo: hello")
	assert.Contains(t, body, "event:done")
}

func TestServer_Metrics(t *testing.T) {
	engine := newTestEngine(t, nil)

	// Process one turn so the counters have samples.
	doRequest(engine, http.MethodPost, "/api/v1/turns", turnBody, nil)
	w := doRequest(engine, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "parley_turns_total")
}
