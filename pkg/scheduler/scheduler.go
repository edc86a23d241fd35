// Package scheduler turns cron-triggered Schedule records into queued jobs.
// Timers never invoke the workflow engine directly: every firing goes through
// the job queue so scheduled work shares the same retry and crash-recovery
// guarantees as any other job.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nstojkov/flowline/pkg/models"
	"github.com/nstojkov/flowline/pkg/storage"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

// ScheduledJobPriority elevates cron-triggered jobs over ad-hoc ones.
const ScheduledJobPriority = 10

// Logger defines the logging interface for the Scheduler
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Enqueuer is the slice of the JobQueue the scheduler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, workflowID string, priority int) (string, error)
}

// Scheduler holds the in-memory timer table for enabled schedules. Timer
// presence always matches the persisted enabled flag after any mutating call
// returns.
type Scheduler struct {
	store  storage.Store
	queue  Enqueuer
	logger Logger
	cron   *cron.Cron
	parser cron.Parser

	mu      sync.Mutex
	entries map[string]cron.EntryID // schedule id -> registered timer
}

func New(store storage.Store, queue Enqueuer, logger Logger) *Scheduler {
	// Five-field expressions with an optional leading seconds field.
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		store:   store,
		queue:   queue,
		logger:  logger,
		cron:    cron.New(cron.WithParser(parser)),
		parser:  parser,
		entries: make(map[string]cron.EntryID),
	}
}

// Start begins firing timers. StartAll registers them first.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the timer loop and waits for in-flight callbacks.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// ValidateCron reports whether expr parses. An invalid expression must never
// reach the active timer set.
func (s *Scheduler) ValidateCron(expr string) error {
	if _, err := s.parser.Parse(expr); err != nil {
		return errors.Wrapf(err, "invalid cron expression %q", expr)
	}
	return nil
}

// StartAll loads every enabled schedule and registers its timer. A schedule
// whose expression no longer parses is persisted disabled and skipped;
// partial failure never aborts startup.
func (s *Scheduler) StartAll(ctx context.Context) error {
	schedules, err := s.store.ListSchedules(true)
	if err != nil {
		return errors.Wrap(err, "load schedules")
	}
	for _, sched := range schedules {
		if err := s.ValidateCron(sched.Cron); err != nil {
			s.logger.Errorf("Schedule %s has invalid cron %q, disabling: %v", sched.ID, sched.Cron, err)
			sched.Enabled = false
			sched.Status = models.ErrorScheduleStatus
			if updErr := s.store.UpdateSchedule(sched); updErr != nil {
				s.logger.Errorf("Failed to disable schedule %s: %v", sched.ID, updErr)
			}
			continue
		}
		if err := s.register(sched); err != nil {
			s.logger.Errorf("Failed to activate schedule %s: %v", sched.ID, err)
			continue
		}
	}
	s.logger.Infof("Activated %d schedules", len(s.entries))
	return nil
}

// CreateSchedule validates the expression and the target workflow before
// insertion, and activates the timer immediately when enabled.
func (s *Scheduler) CreateSchedule(ctx context.Context, workflowID, cronExpr string, enabled bool) (models.Schedule, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return models.Schedule{}, errors.Wrapf(err, "invalid cron expression %q", cronExpr)
	}
	if _, err := s.store.GetWorkflow(workflowID); err != nil {
		return models.Schedule{}, errors.Wrapf(err, "schedule target workflow %s", workflowID)
	}

	now := time.Now()
	sched := models.Schedule{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Cron:       cronExpr,
		Enabled:    enabled,
		Status:     models.DisabledScheduleStatus,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if enabled {
		next := schedule.Next(now)
		sched.NextRunAt = &next
		sched.Status = models.ActiveScheduleStatus
	}
	if err := s.store.SaveSchedule(sched); err != nil {
		return models.Schedule{}, errors.Wrap(err, "save schedule")
	}
	if enabled {
		if err := s.register(sched); err != nil {
			// Activation failed: never leave a bad schedule enabled.
			sched.Enabled = false
			sched.Status = models.ErrorScheduleStatus
			if updErr := s.store.UpdateSchedule(sched); updErr != nil {
				s.logger.Errorf("Failed to auto-disable schedule %s: %v", sched.ID, updErr)
			}
			return models.Schedule{}, err
		}
	}
	s.logger.Infof("Created schedule %s (%s) for workflow %s, enabled=%t", sched.ID, cronExpr, workflowID, enabled)
	return sched, nil
}

// UpdateSchedule stops the existing timer, applies the change, and restarts
// the timer only if the schedule is still enabled.
func (s *Scheduler) UpdateSchedule(ctx context.Context, id, cronExpr string, enabled bool) (models.Schedule, error) {
	sched, err := s.store.GetSchedule(id)
	if err != nil {
		return models.Schedule{}, err
	}
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return models.Schedule{}, errors.Wrapf(err, "invalid cron expression %q", cronExpr)
	}

	s.unregister(id)

	sched.Cron = cronExpr
	sched.Enabled = enabled
	sched.Status = models.DisabledScheduleStatus
	sched.NextRunAt = nil
	if enabled {
		next := schedule.Next(time.Now())
		sched.NextRunAt = &next
		sched.Status = models.ActiveScheduleStatus
	}
	if err := s.store.UpdateSchedule(sched); err != nil {
		return models.Schedule{}, errors.Wrapf(err, "update schedule %s", id)
	}
	if enabled {
		if err := s.register(sched); err != nil {
			sched.Enabled = false
			sched.Status = models.ErrorScheduleStatus
			if updErr := s.store.UpdateSchedule(sched); updErr != nil {
				s.logger.Errorf("Failed to auto-disable schedule %s: %v", sched.ID, updErr)
			}
			return models.Schedule{}, err
		}
	}
	return sched, nil
}

// DeleteSchedule stops the timer and removes the record.
func (s *Scheduler) DeleteSchedule(id string) error {
	s.unregister(id)
	if err := s.store.DeleteSchedule(id); err != nil {
		return err
	}
	s.logger.Infof("Deleted schedule %s", id)
	return nil
}

func (s *Scheduler) GetSchedule(id string) (models.Schedule, error) {
	return s.store.GetSchedule(id)
}

func (s *Scheduler) ListSchedules() ([]models.Schedule, error) {
	return s.store.ListSchedules(false)
}

// Trigger fires a schedule immediately, outside its cron cadence. It runs the
// same path as a timer callback.
func (s *Scheduler) Trigger(ctx context.Context, id string) error {
	sched, err := s.store.GetSchedule(id)
	if err != nil {
		return err
	}
	s.fire(ctx, sched.ID)
	return nil
}

func (s *Scheduler) register(sched models.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[sched.ID]; ok {
		return nil
	}
	id := sched.ID
	entryID, err := s.cron.AddFunc(sched.Cron, func() {
		s.fire(context.Background(), id)
	})
	if err != nil {
		return errors.Wrapf(err, "register schedule %s", sched.ID)
	}
	s.entries[sched.ID] = entryID
	return nil
}

func (s *Scheduler) unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
}

// fire is the timer callback: stamp the run times on the schedule, then
// enqueue a job for the target workflow at elevated priority.
func (s *Scheduler) fire(ctx context.Context, scheduleID string) {
	sched, err := s.store.GetSchedule(scheduleID)
	if err != nil {
		s.logger.Errorf("Timer fired for unknown schedule %s: %v", scheduleID, err)
		return
	}
	if !sched.Enabled {
		return
	}

	now := time.Now()
	sched.LastRunAt = &now
	if schedule, err := s.parser.Parse(sched.Cron); err == nil {
		next := schedule.Next(now)
		sched.NextRunAt = &next
	}
	if err := s.store.UpdateSchedule(sched); err != nil {
		s.logger.Errorf("Failed to stamp schedule %s run times: %v", scheduleID, err)
	}

	jobID, err := s.queue.Enqueue(ctx, sched.WorkflowID, ScheduledJobPriority)
	if err != nil {
		s.logger.Errorf("Schedule %s failed to enqueue job: %v", scheduleID, err)
		return
	}
	s.logger.Infof("Schedule %s enqueued job %s for workflow %s", scheduleID, jobID, sched.WorkflowID)
}

// Registered reports whether a timer is currently active for the schedule.
func (s *Scheduler) Registered(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}
