package queue

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

// Logger defines the logging interface for the JobQueue
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Mode names the backend selected at startup. Selection is sticky for the
// process lifetime to avoid split-brain between two job ledgers.
type Mode string

const (
	BrokerMode Mode = "broker"
	MemoryMode Mode = "memory"
)

// WorkerFunc processes one dequeued job.
type WorkerFunc func(ctx context.Context, job models.Job) error

// Config carries the queue tunables.
type Config struct {
	QueueName          string        // broker list name
	PollInterval       time.Duration // memory-mode scan interval
	PingTimeout        time.Duration // broker reachability probe at startup
	DefaultMaxAttempts int
	BackoffFactor      float64
	BackoffBase        time.Duration
	BackoffCap         time.Duration
}

// DefaultConfig returns the observed production defaults.
func DefaultConfig() Config {
	return Config{
		QueueName:          "flowline:jobs",
		PollInterval:       5 * time.Second,
		PingTimeout:        2 * time.Second,
		DefaultMaxAttempts: 3,
		BackoffFactor:      2,
		BackoffBase:        backoff.DefaultBase,
		BackoffCap:         backoff.DefaultCap,
	}
}

// JobQueue hands jobs to a registered worker through one of two backends:
// the broker when it is reachable at startup, otherwise an in-process poll
// loop over the durable job records. Every job is written to the store
// regardless of backend, so status stays inspectable either way.
type JobQueue struct {
	store  storage.Store
	broker Broker
	logger Logger
	cfg    Config
	mode   Mode

	mu     sync.RWMutex
	worker WorkerFunc

	pollMu sync.Mutex // single-flight guard for the memory poll tick
}

// New selects the backend once: broker mode if the broker answers a ping
// within the configured timeout, else memory mode. The choice is logged once
// and never revisited.
func New(ctx context.Context, store storage.Store, broker Broker, logger Logger, cfg Config) *JobQueue {
	if cfg.QueueName == "" {
		cfg.QueueName = "flowline:jobs"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 2 * time.Second
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 3
	}
	if cfg.BackoffFactor == 0 {
		cfg.BackoffFactor = 2
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = backoff.DefaultBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = backoff.DefaultCap
	}

	q := &JobQueue{store: store, broker: broker, logger: logger, cfg: cfg, mode: MemoryMode}
	if broker != nil {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
		defer cancel()
		if err := broker.Ping(pingCtx); err != nil {
			logger.Errorf("Broker unreachable, falling back to memory mode: %v", err)
		} else {
			q.mode = BrokerMode
		}
	}
	logger.Infof("Job queue running in %s mode", q.mode)
	return q
}

// Mode reports the backend selected at startup.
func (q *JobQueue) Mode() Mode {
	return q.mode
}

// RegisterWorker sets the callback invoked per dequeued job.
func (q *JobQueue) RegisterWorker(fn WorkerFunc) {
	q.mu.Lock()
	q.worker = fn
	q.mu.Unlock()
}

// Start begins processing: a broker subscription in broker mode, the poll
// loop in memory mode. It returns immediately; processing stops when ctx is
// cancelled.
func (q *JobQueue) Start(ctx context.Context) error {
	q.mu.RLock()
	registered := q.worker != nil
	q.mu.RUnlock()
	if !registered {
		return errors.New("no worker registered")
	}

	if q.mode == BrokerMode {
		return q.broker.Subscribe(ctx, q.cfg.QueueName, func(payload []byte) {
			q.process(ctx, string(payload))
		})
	}
	go q.pollLoop(ctx)
	return nil
}

// Enqueue writes the durable job record, then hands the id to the active
// backend. A broker push failure is not surfaced: the record is already
// durable and the enqueue is reported as accepted.
func (q *JobQueue) Enqueue(ctx context.Context, workflowID string, priority int) (string, error) {
	return q.EnqueueAt(ctx, workflowID, priority, time.Now())
}

// EnqueueAt writes a durable job record due at runAt. The memory poller skips
// it until then; in broker mode the push itself is deferred, since an early
// delivery would be dropped by the due-time check.
func (q *JobQueue) EnqueueAt(ctx context.Context, workflowID string, priority int, runAt time.Time) (string, error) {
	now := time.Now()
	if runAt.Before(now) {
		runAt = now
	}
	job := models.Job{
		ID:          uuid.NewString(),
		WorkflowID:  workflowID,
		Status:      models.PendingJobStatus,
		Priority:    priority,
		MaxAttempts: q.cfg.DefaultMaxAttempts,
		NextRunAt:   runAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.store.SaveJob(job); err != nil {
		return "", errors.Wrap(err, "enqueue job")
	}
	if delay := time.Until(runAt); delay > 0 {
		if q.mode == BrokerMode {
			q.requeueAfter(ctx, job, delay)
		}
	} else {
		q.push(ctx, job)
	}
	q.logger.Infof("Enqueued job %s for workflow %s (priority %d, due %s)", job.ID, workflowID, priority, runAt.Format(time.RFC3339))
	return job.ID, nil
}

func (q *JobQueue) push(ctx context.Context, job models.Job) {
	if q.mode != BrokerMode {
		return // the poll loop picks the record up
	}
	err := q.broker.Push(ctx, q.cfg.QueueName, []byte(job.ID), PushOptions{Priority: job.Priority})
	if err != nil {
		// The durable record still exists; a later retry sweep or manual
		// retry can resubmit it.
		q.logger.Errorf("Broker push for job %s failed: %v", job.ID, err)
	}
}

// GetJob fetches a job by id.
func (q *JobQueue) GetJob(id string) (models.Job, error) {
	job, err := q.store.GetJob(id)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Job{}, errors.Wrapf(ErrJobNotFound, "job %s", id)
	}
	return job, err
}

func (q *JobQueue) ListJobs() ([]models.Job, error) {
	return q.store.ListJobs()
}

// RetryJob resubmits a terminally failed job: attempts reset to zero, status
// back to pending, due immediately. Only valid from failed.
func (q *JobQueue) RetryJob(ctx context.Context, id string) error {
	job, err := q.GetJob(id)
	if err != nil {
		return err
	}
	if job.Status != models.FailedJobStatus {
		return errors.Wrapf(ErrInvalidJobState, "job %s is %s, only failed jobs can be retried", id, job.Status)
	}
	job.Status = models.PendingJobStatus
	job.Attempts = 0
	job.NextRunAt = time.Now()
	job.LastError = ""
	job.FinishedAt = nil
	if err := q.store.UpdateJob(job); err != nil {
		return errors.Wrapf(err, "retry job %s", id)
	}
	q.push(ctx, job)
	q.logger.Infof("Job %s resubmitted for retry", id)
	return nil
}

// CancelJob removes a job from the pending set. Once a worker has claimed it
// the job runs to completion or failure and cannot be cancelled.
func (q *JobQueue) CancelJob(id string) error {
	job, err := q.GetJob(id)
	if err != nil {
		return err
	}
	if job.Status != models.PendingJobStatus {
		return errors.Wrapf(ErrInvalidJobState, "job %s is %s, only pending jobs can be cancelled", id, job.Status)
	}
	now := time.Now()
	job.Status = models.FailedJobStatus
	job.LastError = "cancelled before execution"
	job.FinishedAt = &now
	return q.store.UpdateJob(job)
}

// pollLoop is the memory-mode processing loop: a fixed-interval scan for due
// pending jobs, processed synchronously one at a time in due order. Ticks
// never overlap; a tick that finds the previous one still running is skipped.
func (q *JobQueue) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !q.pollMu.TryLock() {
				continue
			}
			q.pollOnce(ctx)
			q.pollMu.Unlock()
		}
	}
}

// PollOnce runs a single memory-mode scan. Exposed for deterministic tests;
// the ticker calls it through pollLoop in production.
func (q *JobQueue) PollOnce(ctx context.Context) {
	q.pollMu.Lock()
	defer q.pollMu.Unlock()
	q.pollOnce(ctx)
}

func (q *JobQueue) pollOnce(ctx context.Context) {
	due, err := q.store.ListDueJobs(time.Now())
	if err != nil {
		q.logger.Errorf("Job poll failed: %v", err)
		return
	}
	for _, job := range due {
		if ctx.Err() != nil {
			return
		}
		q.process(ctx, job.ID)
	}
}

// process runs one attempt of a job and applies the shared retry rule. Both
// backends funnel through here so broker and memory mode fail identically.
func (q *JobQueue) process(ctx context.Context, jobID string) {
	job, err := q.store.GetJob(jobID)
	if errors.Is(err, storage.ErrNotFound) {
		q.logger.Errorf("Dequeued unknown job %s", jobID)
		return
	}
	if err != nil {
		q.logger.Errorf("Failed to load job %s: %v", jobID, err)
		return
	}
	if job.Status != models.PendingJobStatus {
		// Completed, cancelled, or claimed elsewhere before we got here.
		return
	}
	if job.NextRunAt.After(time.Now()) {
		// Delivered early (broker retry push); leave it for its due time.
		return
	}

	job.Status = models.ProcessingJobStatus
	job.Attempts++
	if err := q.store.UpdateJob(job); err != nil {
		q.logger.Errorf("Failed to claim job %s: %v", jobID, err)
		return
	}

	q.mu.RLock()
	worker := q.worker
	q.mu.RUnlock()

	workErr := worker(ctx, job)
	now := time.Now()
	if workErr == nil {
		job.Status = models.CompletedJobStatus
		job.LastError = ""
		job.FinishedAt = &now
		if err := q.store.UpdateJob(job); err != nil {
			q.logger.Errorf("Failed to complete job %s: %v", jobID, err)
		}
		return
	}

	job.LastError = workErr.Error()
	if job.Attempts < job.MaxAttempts {
		delay := backoff.Delay(job.Attempts, q.cfg.BackoffFactor, q.cfg.BackoffBase, q.cfg.BackoffCap)
		job.Status = models.PendingJobStatus
		job.NextRunAt = now.Add(delay)
		if err := q.store.UpdateJob(job); err != nil {
			q.logger.Errorf("Failed to reschedule job %s: %v", jobID, err)
			return
		}
		q.logger.Infof("Job %s failed (attempt %d/%d), retrying after %s: %v",
			jobID, job.Attempts, job.MaxAttempts, delay, workErr)
		if q.mode == BrokerMode {
			q.requeueAfter(ctx, job, delay)
		}
		return
	}

	job.Status = models.FailedJobStatus
	job.FinishedAt = &now
	if err := q.store.UpdateJob(job); err != nil {
		q.logger.Errorf("Failed to mark job %s failed: %v", jobID, err)
		return
	}
	q.logger.Errorf("Job %s failed terminally after %d attempts: %v", jobID, job.Attempts, workErr)
}

func (q *JobQueue) requeueAfter(ctx context.Context, job models.Job, delay time.Duration) {
	timer := time.NewTimer(delay)
	go func() {
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			q.push(ctx, job)
		}
	}()
}
