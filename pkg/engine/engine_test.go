package engine_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nstojkov/flowline/pkg/engine"
	"github.com/nstojkov/flowline/pkg/models"
	"github.com/nstojkov/flowline/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Infof(format string, args ...interface{})  {}
func (nopLogger) Errorf(format string, args ...interface{}) {}

type recordingNotifier struct {
	workflowIDs []string
	recipients  [][]string
}

func (n *recordingNotifier) NotifyCompletion(ctx context.Context, workflowID string, recipients []string) error {
	n.workflowIDs = append(n.workflowIDs, workflowID)
	n.recipients = append(n.recipients, recipients)
	return nil
}

func newTestEngine(t *testing.T) (*engine.Engine, storage.Store, *recordingNotifier) {
	t.Helper()
	store := storage.NewMemoryStore()
	notifier := &recordingNotifier{}
	eng := engine.New(store, nopLogger{}, notifier, engine.DefaultConfig())
	return eng, store, notifier
}

// runToCompletion drives a workflow until it reaches a terminal status,
// waiting out any re-run-not-before marker left by a retrying step.
func runToCompletion(t *testing.T, eng *engine.Engine, id string) models.Workflow {
	t.Helper()
	for i := 0; i < 50; i++ {
		wf, err := eng.GetWorkflow(id)
		require.NoError(t, err)
		if wf.Terminal() {
			return wf
		}
		if wf.LockedAt != nil && !wf.Locked {
			if wait := time.Until(*wf.LockedAt); wait > 0 {
				time.Sleep(wait)
			}
		}
		wf, err = eng.Run(context.Background(), id)
		require.NoError(t, err)
		if wf.Terminal() {
			return wf
		}
	}
	t.Fatalf("workflow %s did not reach a terminal status", id)
	return models.Workflow{}
}

func TestCreateWorkflow(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	t.Run("rejects empty step list", func(t *testing.T) {
		_, err := eng.CreateWorkflow(nil, nil, "")
		assert.Error(t, err)
	})

	t.Run("rejects step without type", func(t *testing.T) {
		_, err := eng.CreateWorkflow([]models.WorkflowStep{{ID: "a"}}, nil, "")
		assert.Error(t, err)
	})

	t.Run("assigns ids and persists pending", func(t *testing.T) {
		wf, err := eng.CreateWorkflow([]models.WorkflowStep{
			{Type: "noop"},
			{ID: "second", Type: "noop"},
		}, models.WorkflowContext{"seed": "value"}, "alice")
		require.NoError(t, err)

		assert.NotEmpty(t, wf.ID)
		assert.NotEmpty(t, wf.Steps[0].ID)
		assert.Equal(t, "second", wf.Steps[1].ID)
		assert.Equal(t, models.PendingWorkflowStatus, wf.Status)
		assert.Equal(t, 0, wf.CurrentStep)
		assert.Equal(t, "alice", wf.UserID)
		assert.Equal(t, "value", wf.Context["seed"])

		stored, err := eng.GetWorkflow(wf.ID)
		require.NoError(t, err)
		assert.Equal(t, wf.ID, stored.ID)
	})
}

func TestRunExecutesOneStepPerCall(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	var order []string
	handler := func(name string) engine.HandlerFunc {
		return func(ctx context.Context, config map[string]any, wfCtx models.WorkflowContext) (any, error) {
			order = append(order, name)
			return name + "-result", nil
		}
	}
	require.NoError(t, eng.RegisterHandler("first", handler("first")))
	require.NoError(t, eng.RegisterHandler("second", handler("second")))

	wf, err := eng.CreateWorkflow([]models.WorkflowStep{
		{ID: "s1", Type: "first"},
		{ID: "s2", Type: "second"},
	}, nil, "")
	require.NoError(t, err)

	wf, err = eng.Run(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PausedWorkflowStatus, wf.Status)
	assert.Equal(t, 1, wf.CurrentStep)
	assert.False(t, wf.Locked)
	assert.Equal(t, []string{"first"}, order)

	wf, err = eng.Run(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CompletedWorkflowStatus, wf.Status)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestRunAccumulatesContext(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	require.NoError(t, eng.RegisterHandler("emit", func(ctx context.Context, config map[string]any, wfCtx models.WorkflowContext) (any, error) {
		return config["value"], nil
	}))

	wf, err := eng.CreateWorkflow([]models.WorkflowStep{
		{ID: "a", Type: "emit", Config: map[string]any{"value": "one"}},
		{ID: "b", Type: "emit", Config: map[string]any{"value": "two"}},
	}, nil, "")
	require.NoError(t, err)

	wf = runToCompletion(t, eng, wf.ID)
	assert.Equal(t, models.CompletedWorkflowStatus, wf.Status)
	assert.Equal(t, "one", wf.Context["a"])
	assert.Equal(t, "two", wf.Context["b"])
	assert.Equal(t, "two", wf.Context[models.ContextKeyLastResult])
}

func TestRunTerminalWorkflowIsNoOp(t *testing.T) {
	eng, store, _ := newTestEngine(t)

	require.NoError(t, eng.RegisterHandler("noop", func(ctx context.Context, config map[string]any, wfCtx models.WorkflowContext) (any, error) {
		t.Fatal("handler must not run for a terminal workflow")
		return nil, nil
	}))

	wf, err := eng.CreateWorkflow([]models.WorkflowStep{{ID: "a", Type: "noop"}}, nil, "")
	require.NoError(t, err)

	wf.Status = models.FailedWorkflowStatus
	require.NoError(t, store.UpdateWorkflow(wf))

	got, err := eng.Run(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FailedWorkflowStatus, got.Status)
}

func TestRunUnknownStepType(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	wf, err := eng.CreateWorkflow([]models.WorkflowStep{{ID: "a", Type: "nobody-registered-this"}}, nil, "")
	require.NoError(t, err)

	_, err = eng.Run(context.Background(), wf.ID)
	require.Error(t, err)
	var unknownErr *engine.UnknownStepTypeError
	assert.ErrorAs(t, err, &unknownErr)

	stored, err := eng.GetWorkflow(wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FailedWorkflowStatus, stored.Status)
	assert.False(t, stored.Locked)
	assert.NotEmpty(t, stored.LastError)
}

func TestRunRetryThenFail(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	attempts := 0
	require.NoError(t, eng.RegisterHandler("flaky", func(ctx context.Context, config map[string]any, wfCtx models.WorkflowContext) (any, error) {
		attempts++
		return nil, errors.New("downstream unavailable")
	}))

	// BackoffFactor 0 keeps the re-run-not-before marker in the past so the
	// test never sleeps.
	wf, err := eng.CreateWorkflow([]models.WorkflowStep{
		{ID: "a", Type: "flaky", MaxRetries: 2, BackoffFactor: 0},
	}, nil, "")
	require.NoError(t, err)

	wf, err = eng.Run(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PausedWorkflowStatus, wf.Status)
	assert.Equal(t, 1, wf.Steps[0].Retries)
	assert.NotEmpty(t, wf.LastError)

	wf, err = eng.Run(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PausedWorkflowStatus, wf.Status)
	assert.Equal(t, 2, wf.Steps[0].Retries)

	wf, err = eng.Run(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FailedWorkflowStatus, wf.Status)
	assert.Equal(t, 3, attempts)
}

func TestRunRetrySucceedsAfterFailure(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	attempts := 0
	require.NoError(t, eng.RegisterHandler("flaky", func(ctx context.Context, config map[string]any, wfCtx models.WorkflowContext) (any, error) {
		attempts++
		if attempts < 2 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	}))

	wf, err := eng.CreateWorkflow([]models.WorkflowStep{
		{ID: "a", Type: "flaky", MaxRetries: 3, BackoffFactor: 0},
	}, nil, "")
	require.NoError(t, err)

	wf = runToCompletion(t, eng, wf.ID)
	assert.Equal(t, models.CompletedWorkflowStatus, wf.Status)
	assert.Equal(t, "ok", wf.Context["a"])
	assert.Empty(t, wf.LastError)
	assert.Equal(t, 2, attempts)
}

func TestRunLockedWorkflowRejected(t *testing.T) {
	eng, store, _ := newTestEngine(t)

	require.NoError(t, eng.RegisterHandler("noop", func(ctx context.Context, config map[string]any, wfCtx models.WorkflowContext) (any, error) {
		return nil, nil
	}))

	wf, err := eng.CreateWorkflow([]models.WorkflowStep{{ID: "a", Type: "noop"}}, nil, "")
	require.NoError(t, err)

	// Simulate another executor holding a fresh lock.
	now := time.Now()
	affected, err := store.UpdateWorkflowIf(wf.ID,
		storage.Fields{"locked": false},
		storage.Fields{"locked": true, "locked_at": &now},
	)
	require.NoError(t, err)
	require.Equal(t, int64(1), affected)

	_, err = eng.Run(context.Background(), wf.ID)
	assert.ErrorIs(t, err, engine.ErrWorkflowLocked)
}

func TestRunConcurrentExecutorsOneWinsLock(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	var invocations atomic.Int32
	release := make(chan struct{})
	require.NoError(t, eng.RegisterHandler("slow", func(ctx context.Context, config map[string]any, wfCtx models.WorkflowContext) (any, error) {
		invocations.Add(1)
		<-release
		return "done", nil
	}))

	wf, err := eng.CreateWorkflow([]models.WorkflowStep{{ID: "a", Type: "slow"}}, nil, "")
	require.NoError(t, err)

	// Two executors race for the same workflow. The handler blocks, so the
	// loser's Run overlaps the winner's and must fail the lock CAS.
	start := make(chan struct{})
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			<-start
			_, err := eng.Run(context.Background(), wf.ID)
			errs <- err
		}()
	}
	close(start)

	lockedErr := <-errs
	assert.ErrorIs(t, lockedErr, engine.ErrWorkflowLocked)

	close(release)
	assert.NoError(t, <-errs)
	assert.Equal(t, int32(1), invocations.Load())

	final, err := eng.GetWorkflow(wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CompletedWorkflowStatus, final.Status)
}

func TestRunRecoversStaleLock(t *testing.T) {
	eng, store, _ := newTestEngine(t)

	require.NoError(t, eng.RegisterHandler("noop", func(ctx context.Context, config map[string]any, wfCtx models.WorkflowContext) (any, error) {
		return "done", nil
	}))

	wf, err := eng.CreateWorkflow([]models.WorkflowStep{{ID: "a", Type: "noop"}}, nil, "")
	require.NoError(t, err)

	// Lock held since ten minutes ago, well past the five minute threshold.
	stale := time.Now().Add(-10 * time.Minute)
	affected, err := store.UpdateWorkflowIf(wf.ID,
		storage.Fields{"locked": false},
		storage.Fields{"locked": true, "locked_at": &stale},
	)
	require.NoError(t, err)
	require.Equal(t, int64(1), affected)

	wf, err = eng.Run(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CompletedWorkflowStatus, wf.Status)
	assert.False(t, wf.Locked)
}

func TestNotifierCalledOnCompletion(t *testing.T) {
	eng, _, notifier := newTestEngine(t)

	require.NoError(t, eng.RegisterHandler("noop", func(ctx context.Context, config map[string]any, wfCtx models.WorkflowContext) (any, error) {
		return nil, nil
	}))

	wf, err := eng.CreateWorkflow([]models.WorkflowStep{{ID: "a", Type: "noop"}}, nil, "bob")
	require.NoError(t, err)

	wf = runToCompletion(t, eng, wf.ID)
	assert.Equal(t, models.CompletedWorkflowStatus, wf.Status)
	require.Len(t, notifier.workflowIDs, 1)
	assert.Equal(t, wf.ID, notifier.workflowIDs[0])
	assert.Equal(t, []string{"bob"}, notifier.recipients[0])
}

func TestDeleteWorkflow(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	wf, err := eng.CreateWorkflow([]models.WorkflowStep{{ID: "a", Type: "noop"}}, nil, "")
	require.NoError(t, err)

	require.NoError(t, eng.DeleteWorkflow(wf.ID))
	_, err = eng.GetWorkflow(wf.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
