package engine_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nstojkov/flowline/pkg/breaker"
	"github.com/nstojkov/flowline/pkg/engine"
	"github.com/nstojkov/flowline/pkg/models"
	"github.com/nstojkov/flowline/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterBuiltins(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	require.NoError(t, engine.RegisterBuiltins(eng, store))

	wf, err := eng.CreateWorkflow([]models.WorkflowStep{
		{ID: "announce", Type: "log", Config: map[string]any{"message": "starting"}},
		{ID: "copy", Type: "transform", Config: map[string]any{"source": "announce"}},
	}, nil, "")
	require.NoError(t, err)

	wf = runToCompletion(t, eng, wf.ID)
	assert.Equal(t, models.CompletedWorkflowStatus, wf.Status)
	assert.Equal(t, "starting", wf.Context["copy"])
}

func TestDelayHandler(t *testing.T) {
	t.Run("missing duration", func(t *testing.T) {
		_, err := engine.DelayHandler(context.Background(), map[string]any{}, nil)
		assert.Error(t, err)
	})

	t.Run("bad duration", func(t *testing.T) {
		_, err := engine.DelayHandler(context.Background(), map[string]any{"duration": "yesterday"}, nil)
		assert.Error(t, err)
	})

	t.Run("sleeps and returns the duration", func(t *testing.T) {
		start := time.Now()
		result, err := engine.DelayHandler(context.Background(), map[string]any{"duration": "20ms"}, nil)
		require.NoError(t, err)
		assert.Equal(t, "20ms", result)
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("honors cancellation", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := engine.DelayHandler(ctx, map[string]any{"duration": "10s"}, nil)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestLogHandler(t *testing.T) {
	handler := engine.LogHandler(nopLogger{})

	result, err := handler(context.Background(), map[string]any{"message": "hello"}, models.WorkflowContext{})
	require.NoError(t, err)
	assert.Equal(t, "hello", result)

	_, err = handler(context.Background(), map[string]any{}, models.WorkflowContext{})
	assert.Error(t, err)
}

func TestTransformHandler(t *testing.T) {
	wfCtx := models.WorkflowContext{"earlier": map[string]any{"value": 42}}

	result, err := engine.TransformHandler(context.Background(), map[string]any{"source": "earlier"}, wfCtx)
	require.NoError(t, err)
	assert.Equal(t, wfCtx["earlier"], result)

	_, err = engine.TransformHandler(context.Background(), map[string]any{"source": "missing"}, wfCtx)
	assert.Error(t, err)

	_, err = engine.TransformHandler(context.Background(), map[string]any{}, wfCtx)
	assert.Error(t, err)
}

func TestHTTPCallHandler(t *testing.T) {
	store := storage.NewMemoryStore()

	t.Run("successful call returns status and body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			w.Write([]byte("pong"))
		}))
		defer srv.Close()

		handler := engine.NewHTTPCallHandler(srv.Client(), store, nopLogger{}, breaker.DefaultConfig())
		result, err := handler(context.Background(), map[string]any{"url": srv.URL}, nil)
		require.NoError(t, err)

		out, ok := result.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, http.StatusOK, out["status"])
		assert.Equal(t, "pong", out["body"])
	})

	t.Run("missing url", func(t *testing.T) {
		handler := engine.NewHTTPCallHandler(http.DefaultClient, store, nopLogger{}, breaker.DefaultConfig())
		_, err := handler(context.Background(), map[string]any{}, nil)
		assert.Error(t, err)
	})

	t.Run("server errors trip the breaker", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		cfg := breaker.DefaultConfig()
		cfg.FailureThreshold = 2
		handler := engine.NewHTTPCallHandler(srv.Client(), store, nopLogger{}, cfg)

		config := map[string]any{"url": srv.URL, "breaker": "flaky-upstream"}
		for i := 0; i < 2; i++ {
			_, err := handler(context.Background(), config, nil)
			assert.Error(t, err)
		}
		assert.Equal(t, int32(2), hits.Load())

		// The open circuit rejects without touching the server.
		_, err := handler(context.Background(), config, nil)
		assert.ErrorIs(t, err, breaker.ErrCircuitOpen)
		assert.Equal(t, int32(2), hits.Load())
	})

	t.Run("4xx responses pass through without error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		handler := engine.NewHTTPCallHandler(srv.Client(), store, nopLogger{}, breaker.DefaultConfig())
		result, err := handler(context.Background(), map[string]any{"url": srv.URL}, nil)
		require.NoError(t, err)

		out := result.(map[string]any)
		assert.Equal(t, http.StatusNotFound, out["status"])
	})
}
