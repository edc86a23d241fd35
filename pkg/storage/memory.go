package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/nstojkov/flowline/pkg/models"
	"github.com/pkg/errors"
)

// memoryStore implements Store with in-process maps. It backs the
// single-process fallback mode and the unit tests. A single mutex guards
// every operation, which makes UpdateWorkflowIf/UpdateCircuitIf genuinely
// atomic within the process.
type memoryStore struct {
	mu        sync.Mutex
	workflows map[string]models.Workflow
	jobs      map[string]models.Job
	schedules map[string]models.Schedule
	circuits  map[string]models.CircuitRecord
}

// NewMemoryStore returns an empty in-process Store.
func NewMemoryStore() Store {
	return &memoryStore{
		workflows: make(map[string]models.Workflow),
		jobs:      make(map[string]models.Job),
		schedules: make(map[string]models.Schedule),
		circuits:  make(map[string]models.CircuitRecord),
	}
}

func (m *memoryStore) Close() error {
	return nil
}

func (m *memoryStore) SaveWorkflow(w models.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[w.ID]; ok {
		return errors.Errorf("workflow %s already exists", w.ID)
	}
	m.workflows[w.ID] = cloneWorkflow(w)
	return nil
}

func (m *memoryStore) GetWorkflow(id string) (models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workflows[id]
	if !ok {
		return models.Workflow{}, ErrNotFound
	}
	return cloneWorkflow(w), nil
}

func (m *memoryStore) ListWorkflows() ([]models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Workflow, 0, len(m.workflows))
	for _, w := range m.workflows {
		out = append(out, cloneWorkflow(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryStore) UpdateWorkflow(w models.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[w.ID]; !ok {
		return ErrNotFound
	}
	w.UpdatedAt = time.Now()
	m.workflows[w.ID] = cloneWorkflow(w)
	return nil
}

func (m *memoryStore) UpdateWorkflowIf(id string, expected, updates Fields) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workflows[id]
	if !ok {
		return 0, nil
	}
	for key, want := range expected {
		got, err := workflowField(w, key)
		if err != nil {
			return 0, err
		}
		if !fieldEqual(got, want) {
			return 0, nil
		}
	}
	for key, val := range updates {
		if err := setWorkflowField(&w, key, val); err != nil {
			return 0, err
		}
	}
	w.UpdatedAt = time.Now()
	m.workflows[id] = w
	return 1, nil
}

func (m *memoryStore) DeleteWorkflow(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[id]; !ok {
		return ErrNotFound
	}
	delete(m.workflows, id)
	return nil
}

func (m *memoryStore) SaveJob(j models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return errors.Errorf("job %s already exists", j.ID)
	}
	m.jobs[j.ID] = j
	return nil
}

func (m *memoryStore) GetJob(id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return j, nil
}

func (m *memoryStore) ListJobs() ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryStore) ListDueJobs(now time.Time) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, j := range m.jobs {
		if j.Status == models.PendingJobStatus && !j.NextRunAt.After(now) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(out[j].NextRunAt) })
	return out, nil
}

func (m *memoryStore) UpdateJob(j models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; !ok {
		return ErrNotFound
	}
	j.UpdatedAt = time.Now()
	m.jobs[j.ID] = j
	return nil
}

func (m *memoryStore) SaveSchedule(s models.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; ok {
		return errors.Errorf("schedule %s already exists", s.ID)
	}
	m.schedules[s.ID] = s
	return nil
}

func (m *memoryStore) GetSchedule(id string) (models.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return models.Schedule{}, ErrNotFound
	}
	return s, nil
}

func (m *memoryStore) ListSchedules(enabledOnly bool) ([]models.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Schedule
	for _, s := range m.schedules {
		if enabledOnly && !s.Enabled {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryStore) UpdateSchedule(s models.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; !ok {
		return ErrNotFound
	}
	s.UpdatedAt = time.Now()
	m.schedules[s.ID] = s
	return nil
}

func (m *memoryStore) DeleteSchedule(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return ErrNotFound
	}
	delete(m.schedules, id)
	return nil
}

func (m *memoryStore) GetCircuit(name string) (models.CircuitRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.circuits[name]
	if !ok {
		return models.CircuitRecord{}, ErrNotFound
	}
	return c, nil
}

func (m *memoryStore) SaveCircuit(c models.CircuitRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.circuits[c.Name] = c
	return nil
}

func (m *memoryStore) UpdateCircuitIf(name string, expected, updates Fields) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.circuits[name]
	if !ok {
		return 0, nil
	}
	for key, want := range expected {
		got, err := circuitField(c, key)
		if err != nil {
			return 0, err
		}
		if !fieldEqual(got, want) {
			return 0, nil
		}
	}
	for key, val := range updates {
		if err := setCircuitField(&c, key, val); err != nil {
			return 0, err
		}
	}
	c.UpdatedAt = time.Now()
	m.circuits[name] = c
	return 1, nil
}

func cloneWorkflow(w models.Workflow) models.Workflow {
	steps := make(models.StepList, len(w.Steps))
	copy(steps, w.Steps)
	w.Steps = steps
	ctx := make(models.WorkflowContext, len(w.Context))
	for k, v := range w.Context {
		ctx[k] = v
	}
	w.Context = ctx
	return w
}

func workflowField(w models.Workflow, key string) (interface{}, error) {
	switch key {
	case "status":
		return w.Status, nil
	case "locked":
		return w.Locked, nil
	case "locked_at":
		return w.LockedAt, nil
	case "current_step":
		return w.CurrentStep, nil
	case "last_error":
		return w.LastError, nil
	default:
		return nil, errors.Errorf("unknown workflow field %q", key)
	}
}

func setWorkflowField(w *models.Workflow, key string, val interface{}) error {
	switch key {
	case "status":
		w.Status = toWorkflowStatus(val)
	case "locked":
		w.Locked = val.(bool)
	case "locked_at":
		w.LockedAt = toTimePtr(val)
	case "current_step":
		w.CurrentStep = val.(int)
	case "context":
		w.Context = val.(models.WorkflowContext)
	case "steps":
		w.Steps = val.(models.StepList)
	case "last_error":
		w.LastError = val.(string)
	default:
		return errors.Errorf("unknown workflow field %q", key)
	}
	return nil
}

func circuitField(c models.CircuitRecord, key string) (interface{}, error) {
	switch key {
	case "state":
		return c.State, nil
	case "failures":
		return c.Failures, nil
	case "successes":
		return c.Successes, nil
	case "last_failure_at":
		return c.LastFailureAt, nil
	default:
		return nil, errors.Errorf("unknown circuit field %q", key)
	}
}

func setCircuitField(c *models.CircuitRecord, key string, val interface{}) error {
	switch key {
	case "state":
		c.State = toCircuitState(val)
	case "failures":
		c.Failures = val.(int)
	case "successes":
		c.Successes = val.(int)
	case "last_failure_at":
		c.LastFailureAt = toTimePtr(val)
	default:
		return errors.Errorf("unknown circuit field %q", key)
	}
	return nil
}

func toWorkflowStatus(val interface{}) models.WorkflowStatus {
	switch v := val.(type) {
	case models.WorkflowStatus:
		return v
	case string:
		return models.WorkflowStatus(v)
	}
	return ""
}

func toCircuitState(val interface{}) models.CircuitState {
	switch v := val.(type) {
	case models.CircuitState:
		return v
	case string:
		return models.CircuitState(v)
	}
	return ""
}

func toTimePtr(val interface{}) *time.Time {
	switch v := val.(type) {
	case nil:
		return nil
	case *time.Time:
		return v
	case time.Time:
		return &v
	}
	return nil
}

func fieldEqual(got, want interface{}) bool {
	gp, gIsTime := asTimePtr(got)
	wp, wIsTime := asTimePtr(want)
	if gIsTime && wIsTime {
		if gp == nil || wp == nil {
			return gp == wp
		}
		return gp.Equal(*wp)
	}
	// Statuses and states compare as their string form.
	if gs, ok := asString(got); ok {
		if ws, ok := asString(want); ok {
			return gs == ws
		}
	}
	return got == want
}

func asTimePtr(val interface{}) (*time.Time, bool) {
	switch v := val.(type) {
	case nil:
		// Untyped nil expectations mean "column is NULL", same as a nil
		// *time.Time, matching the SQL implementation's IS NULL.
		return nil, true
	case *time.Time:
		return v, true
	case time.Time:
		return &v, true
	}
	return nil, false
}

func asString(val interface{}) (string, bool) {
	switch v := val.(type) {
	case string:
		return v, true
	case models.WorkflowStatus:
		return string(v), true
	case models.CircuitState:
		return string(v), true
	case models.JobStatus:
		return string(v), true
	}
	return "", false
}
