package tools

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/events"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/observability"
	"github.com/parley-ai/parley/pkg/repo"
	"github.com/parley-ai/parley/pkg/repo/memrepo"
	"github.com/parley-ai/parley/pkg/serviceerr"
)

var testTenant = repo.Tenant{TenantID: "t1", AgentID: "a1"}

func newTestExecutor(t *testing.T, gateway Gateway) (*Executor, *events.CapturePublisher) {
	t.Helper()
	publisher := &events.CapturePublisher{}
	e := NewExecutor(gateway, memrepo.NewIdemCache(), publisher, observability.NewTestMetrics(),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.RetryBackoff = time.Millisecond
	return e, publisher
}

func TestExecutor_MergesOutputIntoSession(t *testing.T) {
	gw := NewLocalGateway()
	gw.Register(Spec{ID: "crm.lookup"}, func(_ context.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{"customer_tier": "gold"}, nil
	})
	e, publisher := newTestExecutor(t, gw)
	session := &models.Session{ID: "s1"}

	records := e.Run(context.Background(), testTenant, session,
		[]models.ToolBinding{{ToolID: "crm.lookup", When: models.BeforeStep}}, models.BeforeStep)

	require.Len(t, records, 1)
	assert.True(t, records[0].Succeeded)
	assert.Equal(t, 1, records[0].Attempts)
	assert.Equal(t, "gold", session.Variables["customer_tier"])
	require.Len(t, publisher.ByKind(events.KindToolExecuted), 1)
}

func TestExecutor_FiltersByPosition(t *testing.T) {
	gw := NewLocalGateway()
	var called []string
	record := func(id string) Func {
		return func(context.Context, map[string]any) (map[string]any, error) {
			called = append(called, id)
			return nil, nil
		}
	}
	gw.Register(Spec{ID: "before"}, record("before"))
	gw.Register(Spec{ID: "after"}, record("after"))
	e, _ := newTestExecutor(t, gw)

	records := e.Run(context.Background(), testTenant, &models.Session{ID: "s1"}, []models.ToolBinding{
		{ToolID: "before", When: models.BeforeStep},
		{ToolID: "after", When: models.AfterStep},
	}, models.BeforeStep)

	require.Len(t, records, 1)
	assert.Equal(t, []string{"before"}, called)
}

func TestExecutor_DependencyOrder(t *testing.T) {
	gw := NewLocalGateway()
	var mu sync.Mutex
	var called []string
	record := func(id string) Func {
		return func(context.Context, map[string]any) (map[string]any, error) {
			mu.Lock()
			defer mu.Unlock()
			called = append(called, id)
			return nil, nil
		}
	}
	gw.Register(Spec{ID: "ship"}, record("ship"))
	gw.Register(Spec{ID: "charge"}, record("charge"))
	gw.Register(Spec{ID: "reserve"}, record("reserve"))
	e, _ := newTestExecutor(t, gw)

	e.Run(context.Background(), testTenant, &models.Session{ID: "s1"}, []models.ToolBinding{
		{ToolID: "ship", When: models.AfterStep, DependsOn: []string{"charge"}},
		{ToolID: "charge", When: models.AfterStep, DependsOn: []string{"reserve"}},
		{ToolID: "reserve", When: models.AfterStep},
	}, models.AfterStep)

	assert.Equal(t, []string{"reserve", "charge", "ship"}, called)
}

func TestExecutor_MissingRequiredVariableSkips(t *testing.T) {
	gw := NewLocalGateway()
	gw.Register(Spec{ID: "refund"}, func(context.Context, map[string]any) (map[string]any, error) {
		t.Fatal("tool must not run without its required variables")
		return nil, nil
	})
	e, _ := newTestExecutor(t, gw)

	records := e.Run(context.Background(), testTenant, &models.Session{ID: "s1"},
		[]models.ToolBinding{{ToolID: "refund", When: models.AfterStep, RequiredVariables: []string{"order_id"}}},
		models.AfterStep)

	require.Len(t, records, 1)
	assert.False(t, records[0].Succeeded)
	assert.Contains(t, records[0].Error, "order_id")
}

func TestExecutor_RetriesThenFails(t *testing.T) {
	gw := NewLocalGateway()
	attempts := 0
	gw.Register(Spec{ID: "flaky"}, func(context.Context, map[string]any) (map[string]any, error) {
		attempts++
		return nil, errors.New("upstream unavailable")
	})
	e, publisher := newTestExecutor(t, gw)
	e.RetryCount = 2

	records := e.Run(context.Background(), testTenant, &models.Session{ID: "s1"},
		[]models.ToolBinding{{ToolID: "flaky", When: models.DuringStep}}, models.DuringStep)

	require.Len(t, records, 1)
	assert.False(t, records[0].Succeeded)
	assert.Equal(t, 3, records[0].Attempts)
	assert.Equal(t, 3, attempts)
	require.Len(t, publisher.ByKind(events.KindToolFailed), 1)
}

func TestExecutor_RetryRecovers(t *testing.T) {
	gw := NewLocalGateway()
	attempts := 0
	gw.Register(Spec{ID: "flaky"}, func(context.Context, map[string]any) (map[string]any, error) {
		attempts++
		if attempts < 2 {
			return nil, errors.New("timeout")
		}
		return map[string]any{"ok": true}, nil
	})
	e, _ := newTestExecutor(t, gw)

	records := e.Run(context.Background(), testTenant, &models.Session{ID: "s1"},
		[]models.ToolBinding{{ToolID: "flaky", When: models.DuringStep}}, models.DuringStep)

	require.Len(t, records, 1)
	assert.True(t, records[0].Succeeded)
	assert.Equal(t, 2, records[0].Attempts)
}

func TestExecutor_IdempotentReplay(t *testing.T) {
	gw := NewLocalGateway()
	executions := 0
	gw.Register(Spec{ID: "charge"}, func(context.Context, map[string]any) (map[string]any, error) {
		executions++
		return map[string]any{"charge_id": "ch_1"}, nil
	})
	e, _ := newTestExecutor(t, gw)
	binding := []models.ToolBinding{{ToolID: "charge", When: models.AfterStep, RequiredVariables: []string{"amount"}}}

	session := &models.Session{ID: "s1"}
	session.SetVariable("amount", "25")
	e.Run(context.Background(), testTenant, session, binding, models.AfterStep)

	// Same tool, args, and session replays the cached result.
	replay := &models.Session{ID: "s1"}
	replay.SetVariable("amount", "25")
	records := e.Run(context.Background(), testTenant, replay, binding, models.AfterStep)

	require.Len(t, records, 1)
	assert.True(t, records[0].Succeeded)
	assert.Equal(t, 1, executions)
	assert.Equal(t, "ch_1", replay.Variables["charge_id"])

	// Different arguments execute again.
	other := &models.Session{ID: "s1"}
	other.SetVariable("amount", "90")
	e.Run(context.Background(), testTenant, other, binding, models.AfterStep)
	assert.Equal(t, 2, executions)
}

func TestLocalGateway_UnknownTool(t *testing.T) {
	gw := NewLocalGateway()
	_, err := gw.Execute(context.Background(), testTenant, "ghost", nil, "")
	assert.ErrorIs(t, err, serviceerr.ErrNotFound)
}

func TestLocalGateway_HTTPTool(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"shipped"}`))
	}))
	defer srv.Close()

	gw := NewLocalGateway()
	gw.RegisterHTTP(Spec{ID: "shipping.status"}, srv.URL)

	res, err := gw.Execute(context.Background(), testTenant, "shipping.status", map[string]any{"order_id": "o1"}, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "shipped", res.Output["status"])
	assert.Equal(t, "key-1", gotKey)
}

func TestLocalGateway_HTTPErrors(t *testing.T) {
	status := http.StatusInternalServerError
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	gw := NewLocalGateway()
	gw.RegisterHTTP(Spec{ID: "upstream"}, srv.URL)

	_, err := gw.Execute(context.Background(), testTenant, "upstream", nil, "")
	assert.ErrorIs(t, err, serviceerr.ErrConnection)

	status = http.StatusBadRequest
	_, err = gw.Execute(context.Background(), testTenant, "upstream", nil, "")
	assert.ErrorIs(t, err, serviceerr.ErrInvalidInput)
}
