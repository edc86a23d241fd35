package engine

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/nstojkov/flowline/pkg/breaker"
	"github.com/nstojkov/flowline/pkg/models"
	"github.com/pkg/errors"
)

// RegisterBuiltins wires the stock step handlers: delay, log, transform, and
// http_call (guarded by a per-target circuit breaker).
func RegisterBuiltins(e *Engine, breakerStore breaker.StateStore) error {
	if err := e.RegisterHandler("delay", DelayHandler); err != nil {
		return err
	}
	if err := e.RegisterHandler("log", LogHandler(e.logger)); err != nil {
		return err
	}
	if err := e.RegisterHandler("transform", TransformHandler); err != nil {
		return err
	}
	return e.RegisterHandler("http_call", NewHTTPCallHandler(http.DefaultClient, breakerStore, e.logger, breaker.DefaultConfig()))
}

// DelayHandler sleeps for config "duration" (Go duration string), honoring
// cancellation.
func DelayHandler(ctx context.Context, config map[string]any, _ models.WorkflowContext) (any, error) {
	raw, _ := config["duration"].(string)
	if raw == "" {
		return nil, errors.New("delay step requires a 'duration' config value")
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "delay step: bad duration %q", raw)
	}
	select {
	case <-time.After(d):
		return raw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LogHandler emits config "message" on the engine logger and passes it on as
// the step result.
func LogHandler(logger Logger) HandlerFunc {
	return func(_ context.Context, config map[string]any, wfCtx models.WorkflowContext) (any, error) {
		msg, _ := config["message"].(string)
		if msg == "" {
			return nil, errors.New("log step requires a 'message' config value")
		}
		logger.Infof("Workflow step log: %s (context keys: %d)", msg, len(wfCtx))
		return msg, nil
	}
}

// TransformHandler copies the value under config "source" out of the workflow
// context, so later steps can depend on earlier results by key.
func TransformHandler(_ context.Context, config map[string]any, wfCtx models.WorkflowContext) (any, error) {
	source, _ := config["source"].(string)
	if source == "" {
		return nil, errors.New("transform step requires a 'source' config value")
	}
	val, ok := wfCtx[source]
	if !ok {
		return nil, errors.Errorf("transform step: context has no key %q", source)
	}
	return val, nil
}

// NewHTTPCallHandler returns a handler that performs an HTTP request from
// config ("url", optional "method", optional "breaker" name) with each target
// guarded by its own named circuit breaker. Breakers sharing a name share
// state through the given store.
func NewHTTPCallHandler(client *http.Client, store breaker.StateStore, logger Logger, cfg breaker.Config) HandlerFunc {
	var mu sync.Mutex
	breakers := make(map[string]*breaker.Breaker)

	get := func(name string) (*breaker.Breaker, error) {
		mu.Lock()
		defer mu.Unlock()
		if b, ok := breakers[name]; ok {
			return b, nil
		}
		b, err := breaker.New(name, store, logger, cfg)
		if err != nil {
			return nil, err
		}
		breakers[name] = b
		return b, nil
	}

	return func(ctx context.Context, config map[string]any, _ models.WorkflowContext) (any, error) {
		url, _ := config["url"].(string)
		if url == "" {
			return nil, errors.New("http_call step requires a 'url' config value")
		}
		method, _ := config["method"].(string)
		if method == "" {
			method = http.MethodGet
		}
		name, _ := config["breaker"].(string)
		if name == "" {
			name = "http:" + url
		}

		b, err := get(name)
		if err != nil {
			return nil, err
		}
		return b.Execute(ctx, func(cctx context.Context) (any, error) {
			req, err := http.NewRequestWithContext(cctx, method, url, nil)
			if err != nil {
				return nil, err
			}
			resp, err := client.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return nil, err
			}
			if resp.StatusCode >= 500 {
				return nil, errors.Errorf("http_call: %s %s returned %d", method, url, resp.StatusCode)
			}
			return map[string]any{
				"status": resp.StatusCode,
				"body":   string(body),
			}, nil
		})
	}
}
