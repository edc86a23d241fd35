package storage

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/nstojkov/flowline/pkg/models"
	"github.com/nstojkov/flowline/pkg/storage"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil
}

// Columns allowed in UpdateIf conditions and update sets. Anything else is a
// programming error, rejected before it reaches the database.
var workflowColumns = map[string]bool{
	"status": true, "locked": true, "locked_at": true,
	"current_step": true, "context": true, "steps": true, "last_error": true,
}

var circuitColumns = map[string]bool{
	"state": true, "failures": true, "successes": true, "last_failure_at": true,
}

// SaveWorkflow inserts a new workflow record.
func (s *PostgresStore) SaveWorkflow(w models.Workflow) error {
	_, err := s.db.Exec(`
		INSERT INTO workflows (id, steps, current_step, context, status, locked, locked_at, last_error, user_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		w.ID, w.Steps, w.CurrentStep, w.Context, w.Status, w.Locked, w.LockedAt, w.LastError, w.UserID, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWorkflow(id string) (models.Workflow, error) {
	var wf models.Workflow
	err := s.db.Get(&wf, "SELECT * FROM workflows WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Workflow{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Workflow{}, fmt.Errorf("get workflow %s: %w", id, err)
	}
	return wf, nil
}

func (s *PostgresStore) ListWorkflows() ([]models.Workflow, error) {
	workflows := []models.Workflow{}
	err := s.db.Select(&workflows, "SELECT * FROM workflows ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	return workflows, nil
}

func (s *PostgresStore) UpdateWorkflow(w models.Workflow) error {
	res, err := s.db.Exec(`
		UPDATE workflows
		SET steps = $1, current_step = $2, context = $3, status = $4, locked = $5, locked_at = $6, last_error = $7, updated_at = CURRENT_TIMESTAMP
		WHERE id = $8`,
		w.Steps, w.CurrentStep, w.Context, w.Status, w.Locked, w.LockedAt, w.LastError, w.ID)
	if err != nil {
		return fmt.Errorf("update workflow %s: %w", w.ID, err)
	}
	return checkAffected(res)
}

// UpdateWorkflowIf applies updates only where every expected column still has
// its given value. The whole comparison and write happen in one UPDATE, so
// concurrent executors cannot both see the precondition hold.
func (s *PostgresStore) UpdateWorkflowIf(id string, expected, updates storage.Fields) (int64, error) {
	return s.updateIf("workflows", "id", id, workflowColumns, expected, updates)
}

func (s *PostgresStore) DeleteWorkflow(id string) error {
	res, err := s.db.Exec("DELETE FROM workflows WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete workflow %s: %w", id, err)
	}
	return checkAffected(res)
}

func (s *PostgresStore) SaveJob(j models.Job) error {
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, workflow_id, status, priority, attempts, max_attempts, next_run_at, last_error, created_at, updated_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		j.ID, j.WorkflowID, j.Status, j.Priority, j.Attempts, j.MaxAttempts, j.NextRunAt, j.LastError, j.CreatedAt, j.UpdatedAt, j.FinishedAt)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(id string) (models.Job, error) {
	var j models.Job
	err := s.db.Get(&j, "SELECT * FROM jobs WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Job{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs() ([]models.Job, error) {
	jobs := []models.Job{}
	err := s.db.Select(&jobs, "SELECT * FROM jobs ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *PostgresStore) ListDueJobs(now time.Time) ([]models.Job, error) {
	jobs := []models.Job{}
	err := s.db.Select(&jobs,
		"SELECT * FROM jobs WHERE status = $1 AND next_run_at <= $2 ORDER BY next_run_at",
		models.PendingJobStatus, now)
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *PostgresStore) UpdateJob(j models.Job) error {
	res, err := s.db.Exec(`
		UPDATE jobs
		SET status = $1, attempts = $2, next_run_at = $3, last_error = $4, finished_at = $5, updated_at = CURRENT_TIMESTAMP
		WHERE id = $6`,
		j.Status, j.Attempts, j.NextRunAt, j.LastError, j.FinishedAt, j.ID)
	if err != nil {
		return fmt.Errorf("update job %s: %w", j.ID, err)
	}
	return checkAffected(res)
}

func (s *PostgresStore) SaveSchedule(sc models.Schedule) error {
	_, err := s.db.Exec(`
		INSERT INTO schedules (id, workflow_id, cron, enabled, status, next_run_at, last_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sc.ID, sc.WorkflowID, sc.Cron, sc.Enabled, sc.Status, sc.NextRunAt, sc.LastRunAt, sc.CreatedAt, sc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSchedule(id string) (models.Schedule, error) {
	var sc models.Schedule
	err := s.db.Get(&sc, "SELECT * FROM schedules WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Schedule{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Schedule{}, fmt.Errorf("get schedule %s: %w", id, err)
	}
	return sc, nil
}

func (s *PostgresStore) ListSchedules(enabledOnly bool) ([]models.Schedule, error) {
	schedules := []models.Schedule{}
	query := "SELECT * FROM schedules ORDER BY created_at"
	if enabledOnly {
		query = "SELECT * FROM schedules WHERE enabled = true ORDER BY created_at"
	}
	err := s.db.Select(&schedules, query)
	if err != nil {
		return nil, err
	}
	return schedules, nil
}

func (s *PostgresStore) UpdateSchedule(sc models.Schedule) error {
	res, err := s.db.Exec(`
		UPDATE schedules
		SET cron = $1, enabled = $2, status = $3, next_run_at = $4, last_run_at = $5, updated_at = CURRENT_TIMESTAMP
		WHERE id = $6`,
		sc.Cron, sc.Enabled, sc.Status, sc.NextRunAt, sc.LastRunAt, sc.ID)
	if err != nil {
		return fmt.Errorf("update schedule %s: %w", sc.ID, err)
	}
	return checkAffected(res)
}

func (s *PostgresStore) DeleteSchedule(id string) error {
	res, err := s.db.Exec("DELETE FROM schedules WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete schedule %s: %w", id, err)
	}
	return checkAffected(res)
}

func (s *PostgresStore) GetCircuit(name string) (models.CircuitRecord, error) {
	var c models.CircuitRecord
	err := s.db.Get(&c, "SELECT * FROM circuits WHERE name = $1", name)
	if err == sql.ErrNoRows {
		return models.CircuitRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return models.CircuitRecord{}, fmt.Errorf("get circuit %s: %w", name, err)
	}
	return c, nil
}

// SaveCircuit upserts: breakers register their record lazily on first use.
func (s *PostgresStore) SaveCircuit(c models.CircuitRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO circuits (name, state, failures, successes, last_failure_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE
		SET state = EXCLUDED.state, failures = EXCLUDED.failures, successes = EXCLUDED.successes,
		    last_failure_at = EXCLUDED.last_failure_at, updated_at = EXCLUDED.updated_at`,
		c.Name, c.State, c.Failures, c.Successes, c.LastFailureAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save circuit: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateCircuitIf(name string, expected, updates storage.Fields) (int64, error) {
	return s.updateIf("circuits", "name", name, circuitColumns, expected, updates)
}

// updateIf builds a single conditional UPDATE:
//
//	UPDATE <table> SET <updates>, updated_at = CURRENT_TIMESTAMP
//	WHERE <key> = <id> AND <expected...>
//
// NULL expectations become IS NULL. Column names pass through a whitelist so
// callers cannot inject arbitrary SQL through field keys.
func (s *PostgresStore) updateIf(table, keyCol string, key interface{}, allowed map[string]bool, expected, updates storage.Fields) (int64, error) {
	if len(updates) == 0 {
		return 0, fmt.Errorf("updateIf on %s: empty update set", table)
	}

	var sets, conds []string
	var args []interface{}
	n := 0
	next := func(v interface{}) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}

	for _, col := range sortedKeys(updates) {
		if !allowed[col] {
			return 0, fmt.Errorf("updateIf on %s: column %q not allowed", table, col)
		}
		sets = append(sets, fmt.Sprintf("%s = %s", col, next(updates[col])))
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")

	conds = append(conds, fmt.Sprintf("%s = %s", keyCol, next(key)))
	for _, col := range sortedKeys(expected) {
		if !allowed[col] {
			return 0, fmt.Errorf("updateIf on %s: column %q not allowed", table, col)
		}
		if isNilField(expected[col]) {
			conds = append(conds, fmt.Sprintf("%s IS NULL", col))
			continue
		}
		conds = append(conds, fmt.Sprintf("%s = %s", col, next(expected[col])))
	}

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, strings.Join(sets, ", "), strings.Join(conds, " AND "))
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("updateIf on %s: %w", table, err)
	}
	return res.RowsAffected()
}

func sortedKeys(f storage.Fields) []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isNilField(v interface{}) bool {
	if v == nil {
		return true
	}
	if t, ok := v.(*time.Time); ok {
		return t == nil
	}
	return false
}

func checkAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}
