package storage_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nstojkov/flowline/pkg/models"
	"github.com/nstojkov/flowline/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWorkflow() models.Workflow {
	now := time.Now()
	return models.Workflow{
		ID:        uuid.NewString(),
		Steps:     models.StepList{{ID: "a", Type: "noop"}},
		Context:   models.WorkflowContext{},
		Status:    models.PendingWorkflowStatus,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMemoryWorkflowCRUD(t *testing.T) {
	store := storage.NewMemoryStore()
	wf := newWorkflow()

	require.NoError(t, store.SaveWorkflow(wf))
	assert.Error(t, store.SaveWorkflow(wf), "duplicate id must be rejected")

	got, err := store.GetWorkflow(wf.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.ID, got.ID)

	got.Status = models.RunningWorkflowStatus
	require.NoError(t, store.UpdateWorkflow(got))
	got, err = store.GetWorkflow(wf.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunningWorkflowStatus, got.Status)

	list, err := store.ListWorkflows()
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.DeleteWorkflow(wf.ID))
	_, err = store.GetWorkflow(wf.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, store.DeleteWorkflow(wf.ID), storage.ErrNotFound)
}

func TestMemoryGetWorkflowReturnsCopy(t *testing.T) {
	store := storage.NewMemoryStore()
	wf := newWorkflow()
	require.NoError(t, store.SaveWorkflow(wf))

	got, err := store.GetWorkflow(wf.ID)
	require.NoError(t, err)
	got.Context["mutated"] = true
	got.Steps[0].Retries = 99

	fresh, err := store.GetWorkflow(wf.ID)
	require.NoError(t, err)
	assert.NotContains(t, fresh.Context, "mutated")
	assert.Equal(t, 0, fresh.Steps[0].Retries)
}

func TestMemoryUpdateWorkflowIf(t *testing.T) {
	store := storage.NewMemoryStore()
	wf := newWorkflow()
	require.NoError(t, store.SaveWorkflow(wf))

	t.Run("matching expectation applies updates", func(t *testing.T) {
		now := time.Now()
		affected, err := store.UpdateWorkflowIf(wf.ID,
			storage.Fields{"locked": false},
			storage.Fields{"locked": true, "locked_at": &now, "status": models.RunningWorkflowStatus},
		)
		require.NoError(t, err)
		assert.Equal(t, int64(1), affected)

		got, err := store.GetWorkflow(wf.ID)
		require.NoError(t, err)
		assert.True(t, got.Locked)
		require.NotNil(t, got.LockedAt)
		assert.Equal(t, models.RunningWorkflowStatus, got.Status)
	})

	t.Run("mismatched expectation changes nothing", func(t *testing.T) {
		affected, err := store.UpdateWorkflowIf(wf.ID,
			storage.Fields{"locked": false},
			storage.Fields{"locked": true},
		)
		require.NoError(t, err)
		assert.Equal(t, int64(0), affected)

		got, err := store.GetWorkflow(wf.ID)
		require.NoError(t, err)
		assert.True(t, got.Locked)
	})

	t.Run("time expectation compares by instant", func(t *testing.T) {
		got, err := store.GetWorkflow(wf.ID)
		require.NoError(t, err)
		require.NotNil(t, got.LockedAt)

		affected, err := store.UpdateWorkflowIf(wf.ID,
			storage.Fields{"locked": true, "locked_at": got.LockedAt},
			storage.Fields{"locked": false, "locked_at": nil},
		)
		require.NoError(t, err)
		assert.Equal(t, int64(1), affected)

		got, err = store.GetWorkflow(wf.ID)
		require.NoError(t, err)
		assert.False(t, got.Locked)
		assert.Nil(t, got.LockedAt)
	})

	t.Run("untyped nil expectation matches a cleared column", func(t *testing.T) {
		affected, err := store.UpdateWorkflowIf(wf.ID,
			storage.Fields{"locked": false, "locked_at": nil},
			storage.Fields{"status": models.PendingWorkflowStatus},
		)
		require.NoError(t, err)
		assert.Equal(t, int64(1), affected)
	})

	t.Run("typed nil expectation matches a cleared column", func(t *testing.T) {
		affected, err := store.UpdateWorkflowIf(wf.ID,
			storage.Fields{"locked": false, "locked_at": (*time.Time)(nil)},
			storage.Fields{"status": models.PendingWorkflowStatus},
		)
		require.NoError(t, err)
		assert.Equal(t, int64(1), affected)
	})

	t.Run("stale time expectation loses", func(t *testing.T) {
		old := time.Now().Add(-time.Hour)
		affected, err := store.UpdateWorkflowIf(wf.ID,
			storage.Fields{"locked": false, "locked_at": &old},
			storage.Fields{"locked": true},
		)
		require.NoError(t, err)
		assert.Equal(t, int64(0), affected)
	})

	t.Run("unknown expected field errors", func(t *testing.T) {
		_, err := store.UpdateWorkflowIf(wf.ID,
			storage.Fields{"no_such_column": 1},
			storage.Fields{"locked": true},
		)
		assert.Error(t, err)
	})

	t.Run("unknown update field errors", func(t *testing.T) {
		_, err := store.UpdateWorkflowIf(wf.ID,
			storage.Fields{"locked": false},
			storage.Fields{"no_such_column": 1},
		)
		assert.Error(t, err)
	})

	t.Run("missing workflow affects zero rows", func(t *testing.T) {
		affected, err := store.UpdateWorkflowIf("no-such-id",
			storage.Fields{"locked": false},
			storage.Fields{"locked": true},
		)
		require.NoError(t, err)
		assert.Equal(t, int64(0), affected)
	})
}

func TestMemoryJobs(t *testing.T) {
	store := storage.NewMemoryStore()
	now := time.Now()

	due := models.Job{
		ID: uuid.NewString(), WorkflowID: "wf-1",
		Status: models.PendingJobStatus, MaxAttempts: 3,
		NextRunAt: now.Add(-time.Minute), CreatedAt: now, UpdatedAt: now,
	}
	future := models.Job{
		ID: uuid.NewString(), WorkflowID: "wf-2",
		Status: models.PendingJobStatus, MaxAttempts: 3,
		NextRunAt: now.Add(time.Hour), CreatedAt: now, UpdatedAt: now,
	}
	done := models.Job{
		ID: uuid.NewString(), WorkflowID: "wf-3",
		Status: models.CompletedJobStatus, MaxAttempts: 3,
		NextRunAt: now.Add(-time.Minute), CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.SaveJob(due))
	require.NoError(t, store.SaveJob(future))
	require.NoError(t, store.SaveJob(done))

	dueJobs, err := store.ListDueJobs(now)
	require.NoError(t, err)
	require.Len(t, dueJobs, 1)
	assert.Equal(t, due.ID, dueJobs[0].ID)

	all, err := store.ListJobs()
	require.NoError(t, err)
	assert.Len(t, all, 3)

	due.Status = models.ProcessingJobStatus
	require.NoError(t, store.UpdateJob(due))
	dueJobs, err = store.ListDueJobs(now)
	require.NoError(t, err)
	assert.Empty(t, dueJobs)
}

func TestMemorySchedules(t *testing.T) {
	store := storage.NewMemoryStore()
	now := time.Now()

	enabled := models.Schedule{
		ID: uuid.NewString(), WorkflowID: "wf-1", Cron: "*/5 * * * *",
		Enabled: true, Status: models.ActiveScheduleStatus,
		CreatedAt: now, UpdatedAt: now,
	}
	disabled := models.Schedule{
		ID: uuid.NewString(), WorkflowID: "wf-2", Cron: "@hourly",
		Enabled: false, Status: models.DisabledScheduleStatus,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.SaveSchedule(enabled))
	require.NoError(t, store.SaveSchedule(disabled))

	onlyEnabled, err := store.ListSchedules(true)
	require.NoError(t, err)
	require.Len(t, onlyEnabled, 1)
	assert.Equal(t, enabled.ID, onlyEnabled[0].ID)

	all, err := store.ListSchedules(false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, store.DeleteSchedule(disabled.ID))
	_, err = store.GetSchedule(disabled.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMemoryUpdateCircuitIf(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.SaveCircuit(models.CircuitRecord{
		Name:      "api",
		State:     models.ClosedCircuitState,
		UpdatedAt: time.Now(),
	}))

	t.Run("counter CAS", func(t *testing.T) {
		affected, err := store.UpdateCircuitIf("api",
			storage.Fields{"state": models.ClosedCircuitState, "failures": 0},
			storage.Fields{"failures": 1},
		)
		require.NoError(t, err)
		assert.Equal(t, int64(1), affected)

		// The stale expectation must now lose.
		affected, err = store.UpdateCircuitIf("api",
			storage.Fields{"state": models.ClosedCircuitState, "failures": 0},
			storage.Fields{"failures": 1},
		)
		require.NoError(t, err)
		assert.Equal(t, int64(0), affected)
	})

	t.Run("state transition", func(t *testing.T) {
		now := time.Now()
		affected, err := store.UpdateCircuitIf("api",
			storage.Fields{"state": models.ClosedCircuitState},
			storage.Fields{"state": models.OpenCircuitState, "last_failure_at": &now},
		)
		require.NoError(t, err)
		assert.Equal(t, int64(1), affected)

		rec, err := store.GetCircuit("api")
		require.NoError(t, err)
		assert.Equal(t, models.OpenCircuitState, rec.State)
		require.NotNil(t, rec.LastFailureAt)
	})

	t.Run("missing circuit affects zero rows", func(t *testing.T) {
		affected, err := store.UpdateCircuitIf("no-such-circuit",
			storage.Fields{"state": models.ClosedCircuitState},
			storage.Fields{"failures": 1},
		)
		require.NoError(t, err)
		assert.Equal(t, int64(0), affected)
	})
}
