package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nstojkov/flowline/pkg/backoff"
	"github.com/nstojkov/flowline/pkg/models"
	"github.com/nstojkov/flowline/pkg/storage"
	"github.com/pkg/errors"
)

// Logger defines the logging interface for the Engine
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// HandlerFunc executes one step: it receives the step's config and the
// workflow context accumulated so far, and returns the step's result.
// Handlers must tolerate re-invocation on retry; the engine does not
// deduplicate side effects.
type HandlerFunc func(ctx context.Context, config map[string]any, wfCtx models.WorkflowContext) (any, error)

// Config carries the engine tunables.
type Config struct {
	StaleLockThreshold time.Duration // lock older than this is presumed crashed
	BackoffBase        time.Duration
	BackoffCap         time.Duration
}

// DefaultConfig returns the observed production defaults.
func DefaultConfig() Config {
	return Config{
		StaleLockThreshold: 5 * time.Minute,
		BackoffBase:        backoff.DefaultBase,
		BackoffCap:         backoff.DefaultCap,
	}
}

// Engine owns workflow records: step dispatch, context merging, optimistic
// locking, retry policy, and the completion/failure transitions. Two
// workflows may run concurrently; the same workflow may not, which is
// enforced by the store's conditional update, never by an in-process mutex,
// since executors may live in different processes.
type Engine struct {
	store    storage.Store
	logger   Logger
	notifier CompletionNotifier
	cfg      Config
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func New(store storage.Store, logger Logger, notifier CompletionNotifier, cfg Config) *Engine {
	if cfg.StaleLockThreshold <= 0 {
		cfg.StaleLockThreshold = 5 * time.Minute
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = backoff.DefaultBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = backoff.DefaultCap
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Engine{
		store:    store,
		logger:   logger,
		notifier: notifier,
		cfg:      cfg,
		handlers: make(map[string]HandlerFunc),
	}
}

// RegisterHandler binds a step type to its handler.
func (e *Engine) RegisterHandler(stepType string, fn HandlerFunc) error {
	if stepType == "" {
		return errors.New("empty step type")
	}
	if fn == nil {
		return errors.Errorf("nil handler for step type %q", stepType)
	}
	e.mu.Lock()
	e.handlers[stepType] = fn
	e.mu.Unlock()
	e.logger.Infof("Registered handler for step type '%s'", stepType)
	return nil
}

func (e *Engine) handler(stepType string) (HandlerFunc, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.handlers[stepType]
	return fn, ok
}

// CreateWorkflow persists a new pending workflow. Steps without an id get one
// assigned; the step list is immutable afterwards.
func (e *Engine) CreateWorkflow(steps []models.WorkflowStep, initial models.WorkflowContext, ownerID string) (models.Workflow, error) {
	if len(steps) == 0 {
		return models.Workflow{}, errors.New("workflow must have at least one step")
	}
	now := time.Now()
	list := make(models.StepList, len(steps))
	for i, st := range steps {
		if st.ID == "" {
			st.ID = uuid.NewString()
		}
		if st.Type == "" {
			return models.Workflow{}, errors.Errorf("step %d has no type", i)
		}
		list[i] = st
	}
	ctx := models.WorkflowContext{}
	for k, v := range initial {
		ctx[k] = v
	}
	wf := models.Workflow{
		ID:          uuid.NewString(),
		Steps:       list,
		CurrentStep: 0,
		Context:     ctx,
		Status:      models.PendingWorkflowStatus,
		UserID:      ownerID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.SaveWorkflow(wf); err != nil {
		return models.Workflow{}, errors.Wrap(err, "create workflow")
	}
	e.logger.Infof("Created workflow %s with %d steps", wf.ID, len(list))
	return wf, nil
}

// Run executes exactly one step of the workflow, then returns it to the
// caller. Resumption is always a fresh Run call. Handler failures never
// surface as errors here; they are recorded on the workflow so schedulers
// and queues can treat every outcome uniformly.
func (e *Engine) Run(ctx context.Context, id string) (models.Workflow, error) {
	wf, err := e.store.GetWorkflow(id)
	if err != nil {
		return models.Workflow{}, err
	}
	if wf.Terminal() {
		return wf, nil
	}

	wf, err = e.acquire(wf)
	if err != nil {
		return models.Workflow{}, err
	}

	wf, err = e.step(ctx, wf)
	if err != nil {
		// Best-effort unlock so a persistence failure cannot leave the
		// workflow stuck locked forever.
		if _, unlockErr := e.store.UpdateWorkflowIf(id,
			storage.Fields{"locked": true},
			storage.Fields{"locked": false, "locked_at": nil},
		); unlockErr != nil {
			e.logger.Errorf("Failed to unlock workflow %s after error: %v (original error: %v)", id, unlockErr, err)
		}
		return models.Workflow{}, err
	}
	return wf, nil
}

// acquire takes the workflow lock through the store's conditional update.
// A fresh lock loses to its holder; a stale one (holder presumed crashed) is
// claimed by compare-and-swapping against the old locked_at so exactly one
// recoverer wins.
func (e *Engine) acquire(wf models.Workflow) (models.Workflow, error) {
	expected := storage.Fields{"locked": false}
	if wf.Locked {
		if wf.LockedAt != nil && time.Since(*wf.LockedAt) < e.cfg.StaleLockThreshold {
			return models.Workflow{}, errors.Wrapf(ErrWorkflowLocked, "workflow %s", wf.ID)
		}
		e.logger.Infof("Workflow %s has a stale lock, recovering", wf.ID)
		expected = storage.Fields{"locked": true, "locked_at": wf.LockedAt}
	}

	now := time.Now()
	affected, err := e.store.UpdateWorkflowIf(wf.ID, expected, storage.Fields{
		"locked":    true,
		"locked_at": &now,
		"status":    models.RunningWorkflowStatus,
	})
	if err != nil {
		return models.Workflow{}, errors.Wrapf(err, "lock workflow %s", wf.ID)
	}
	if affected == 0 {
		return models.Workflow{}, errors.Wrapf(ErrWorkflowLocked, "workflow %s", wf.ID)
	}
	wf.Locked = true
	wf.LockedAt = &now
	wf.Status = models.RunningWorkflowStatus
	return wf, nil
}

// step dispatches steps[currentStep] and persists the outcome.
func (e *Engine) step(ctx context.Context, wf models.Workflow) (models.Workflow, error) {
	if wf.CurrentStep >= len(wf.Steps) {
		wf.Status = models.CompletedWorkflowStatus
		wf.Locked = false
		wf.LockedAt = nil
		if err := e.store.UpdateWorkflow(wf); err != nil {
			return models.Workflow{}, errors.Wrapf(err, "complete workflow %s", wf.ID)
		}
		e.notify(ctx, wf)
		return wf, nil
	}

	step := wf.Steps[wf.CurrentStep]
	fn, ok := e.handler(step.Type)
	if !ok {
		stepErr := &UnknownStepTypeError{Type: step.Type}
		wf.Status = models.FailedWorkflowStatus
		wf.LastError = stepErr.Error()
		wf.Locked = false
		wf.LockedAt = nil
		if err := e.store.UpdateWorkflow(wf); err != nil {
			return models.Workflow{}, errors.Wrapf(err, "fail workflow %s", wf.ID)
		}
		return wf, stepErr
	}

	e.logger.Infof("Workflow %s running step %d (%s, type %s)", wf.ID, wf.CurrentStep, step.ID, step.Type)
	result, handlerErr := fn(ctx, step.Config, wf.Context)
	if handlerErr != nil {
		return e.recordFailure(wf, step, handlerErr)
	}

	wf.Context[step.ID] = result
	wf.Context[models.ContextKeyLastResult] = result
	wf.CurrentStep++
	wf.LastError = ""
	wf.Locked = false
	wf.LockedAt = nil
	if wf.CurrentStep == len(wf.Steps) {
		wf.Status = models.CompletedWorkflowStatus
	} else {
		wf.Status = models.PausedWorkflowStatus
	}
	if err := e.store.UpdateWorkflow(wf); err != nil {
		return models.Workflow{}, errors.Wrapf(err, "persist workflow %s after step %s", wf.ID, step.ID)
	}
	if wf.Status == models.CompletedWorkflowStatus {
		e.notify(ctx, wf)
	}
	return wf, nil
}

// recordFailure applies the retry policy for a failed step. While retries
// remain, the workflow pauses and locked_at becomes a re-run-not-before
// marker; once exhausted it fails terminally.
func (e *Engine) recordFailure(wf models.Workflow, step models.WorkflowStep, handlerErr error) (models.Workflow, error) {
	stepErr := &StepExecutionError{StepID: step.ID, Err: handlerErr}
	wf.LastError = stepErr.Error()
	wf.Locked = false

	if step.Retries < step.MaxRetries {
		step.Retries++
		wf.Steps[wf.CurrentStep] = step
		delay := backoff.Delay(step.Retries, step.BackoffFactor, e.cfg.BackoffBase, e.cfg.BackoffCap)
		notBefore := time.Now().Add(delay)
		wf.LockedAt = &notBefore
		wf.Status = models.PausedWorkflowStatus
		e.logger.Infof("Workflow %s step %s failed (retry %d/%d, next attempt after %s): %v",
			wf.ID, step.ID, step.Retries, step.MaxRetries, delay, handlerErr)
	} else {
		wf.LockedAt = nil
		wf.Status = models.FailedWorkflowStatus
		e.logger.Errorf("Workflow %s step %s failed terminally after %d retries: %v",
			wf.ID, step.ID, step.Retries, handlerErr)
	}

	if err := e.store.UpdateWorkflow(wf); err != nil {
		return models.Workflow{}, errors.Wrapf(err, "persist workflow %s after failed step %s", wf.ID, step.ID)
	}
	return wf, nil
}

func (e *Engine) notify(ctx context.Context, wf models.Workflow) {
	var recipients []string
	if wf.UserID != "" {
		recipients = []string{wf.UserID}
	}
	if err := e.notifier.NotifyCompletion(ctx, wf.ID, recipients); err != nil {
		// Notification is best-effort and must never fail the workflow.
		e.logger.Errorf("Completion notification for workflow %s failed: %v", wf.ID, err)
	}
}

// GetWorkflow fetches a workflow by id.
func (e *Engine) GetWorkflow(id string) (models.Workflow, error) {
	return e.store.GetWorkflow(id)
}

func (e *Engine) ListWorkflows() ([]models.Workflow, error) {
	return e.store.ListWorkflows()
}

// DeleteWorkflow removes a workflow. Deletion is the only way a workflow
// record leaves the store.
func (e *Engine) DeleteWorkflow(id string) error {
	if err := e.store.DeleteWorkflow(id); err != nil {
		return err
	}
	e.logger.Infof("Deleted workflow %s", id)
	return nil
}
