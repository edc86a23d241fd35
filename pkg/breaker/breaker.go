// Package breaker implements a named three-state circuit breaker. State is
// shared across all callers of the same breaker name through a storage port,
// so the same discipline works for a shared table (multi-process) and an
// in-process map (single-process fallback).
package breaker

import (
	"context"
	"time"

	"github.com/nstojkov/flowline/pkg/models"
	"github.com/nstojkov/flowline/pkg/storage"
	"github.com/pkg/errors"
)

// ErrCircuitOpen signals a fail-fast rejection: the wrapped function was not
// invoked. Callers need their own fallback or must surface it upward.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Logger defines the logging interface for breakers
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Classifier decides which errors count as failures. Timeouts usually do;
// a caller's validation errors might not.
type Classifier func(error) bool

// DefaultClassifier counts every non-nil error as a failure.
func DefaultClassifier(err error) bool {
	return err != nil
}

// Config carries per-breaker tunables.
type Config struct {
	FailureThreshold int           // consecutive failures that open the circuit
	SuccessThreshold int           // consecutive half-open successes that close it
	ResetTimeout     time.Duration // open duration before a probe is allowed
	CallTimeout      time.Duration // per-call timeout
	Classifier       Classifier
}

// DefaultConfig mirrors the observed production settings: five failures open
// the circuit for five minutes.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		ResetTimeout:     5 * time.Minute,
		CallTimeout:      30 * time.Second,
		Classifier:       DefaultClassifier,
	}
}

// StateStore is the storage port for shared breaker state. Both the Postgres
// store and the in-memory store satisfy it; UpdateCircuitIf must be atomic at
// the storage layer.
type StateStore interface {
	GetCircuit(name string) (models.CircuitRecord, error)
	SaveCircuit(c models.CircuitRecord) error
	UpdateCircuitIf(name string, expected, updates storage.Fields) (int64, error)
}

// Breaker guards calls to one named unreliable dependency.
type Breaker struct {
	name   string
	store  StateStore
	logger Logger
	cfg    Config
}

func New(name string, store StateStore, logger Logger, cfg Config) (*Breaker, error) {
	if name == "" {
		return nil, errors.New("empty breaker name")
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 5 * time.Minute
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.Classifier == nil {
		cfg.Classifier = DefaultClassifier
	}
	b := &Breaker{name: name, store: store, logger: logger, cfg: cfg}
	if _, err := store.GetCircuit(name); errors.Is(err, storage.ErrNotFound) {
		rec := models.CircuitRecord{
			Name:      name,
			State:     models.ClosedCircuitState,
			UpdatedAt: time.Now(),
		}
		if err := store.SaveCircuit(rec); err != nil {
			return nil, errors.Wrapf(err, "register circuit %q", name)
		}
	} else if err != nil {
		return nil, errors.Wrapf(err, "load circuit %q", name)
	}
	return b, nil
}

// State returns the current shared record for this breaker.
func (b *Breaker) State() (models.CircuitRecord, error) {
	return b.store.GetCircuit(b.name)
}

// Execute runs fn under the breaker's policy. While open it fails fast with
// ErrCircuitOpen and never invokes fn; after ResetTimeout exactly one caller
// wins the compare-and-swap into half_open and probes recovery.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	rec, err := b.store.GetCircuit(b.name)
	if err != nil {
		return nil, errors.Wrapf(err, "load circuit %q", b.name)
	}

	state := rec.State
	if state == models.OpenCircuitState {
		if rec.LastFailureAt != nil && time.Since(*rec.LastFailureAt) < b.cfg.ResetTimeout {
			return nil, errors.Wrapf(ErrCircuitOpen, "circuit %q", b.name)
		}
		affected, err := b.store.UpdateCircuitIf(b.name,
			storage.Fields{"state": models.OpenCircuitState},
			storage.Fields{"state": models.HalfOpenCircuitState, "successes": 0},
		)
		if err != nil {
			return nil, errors.Wrapf(err, "probe circuit %q", b.name)
		}
		if affected == 0 {
			// Another caller won the probe slot.
			return nil, errors.Wrapf(ErrCircuitOpen, "circuit %q", b.name)
		}
		b.logger.Infof("Circuit %q half-open, probing recovery", b.name)
		state = models.HalfOpenCircuitState
	}

	result, callErr := b.call(ctx, fn)
	if b.cfg.Classifier(callErr) {
		if err := b.recordFailure(state); err != nil {
			b.logger.Errorf("Failed to record failure on circuit %q: %v", b.name, err)
		}
		return result, callErr
	}
	if err := b.recordSuccess(state); err != nil {
		b.logger.Errorf("Failed to record success on circuit %q: %v", b.name, err)
	}
	return result, callErr
}

// call runs fn under the configured timeout.
func (b *Breaker) call(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	cctx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := fn(cctx)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-cctx.Done():
		return nil, errors.Wrapf(cctx.Err(), "circuit %q call", b.name)
	}
}

// recordFailure advances the failure counters under the same conditional
// update discipline as the workflow lock, retrying briefly when a concurrent
// caller moved the record first.
func (b *Breaker) recordFailure(observed models.CircuitState) error {
	now := time.Now()
	if observed == models.HalfOpenCircuitState {
		// Any failure while half-open reopens immediately.
		_, err := b.store.UpdateCircuitIf(b.name,
			storage.Fields{"state": models.HalfOpenCircuitState},
			storage.Fields{"state": models.OpenCircuitState, "successes": 0, "last_failure_at": &now},
		)
		if err == nil {
			b.logger.Infof("Circuit %q reopened after half-open failure", b.name)
		}
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		rec, err := b.store.GetCircuit(b.name)
		if err != nil {
			return err
		}
		if rec.State != models.ClosedCircuitState {
			return nil
		}
		failures := rec.Failures + 1
		updates := storage.Fields{"failures": failures, "last_failure_at": &now}
		if failures >= b.cfg.FailureThreshold {
			updates["state"] = models.OpenCircuitState
		}
		affected, err := b.store.UpdateCircuitIf(b.name,
			storage.Fields{"state": models.ClosedCircuitState, "failures": rec.Failures},
			updates,
		)
		if err != nil {
			return err
		}
		if affected > 0 {
			if failures >= b.cfg.FailureThreshold {
				b.logger.Errorf("Circuit %q opened after %d failures", b.name, failures)
			}
			return nil
		}
		// Lost the race against another caller's update; re-read and retry.
	}
	return errors.Errorf("circuit %q: contended failure update", b.name)
}

func (b *Breaker) recordSuccess(observed models.CircuitState) error {
	if observed == models.ClosedCircuitState {
		_, err := b.store.UpdateCircuitIf(b.name,
			storage.Fields{"state": models.ClosedCircuitState},
			storage.Fields{"failures": 0},
		)
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		rec, err := b.store.GetCircuit(b.name)
		if err != nil {
			return err
		}
		if rec.State != models.HalfOpenCircuitState {
			return nil
		}
		successes := rec.Successes + 1
		updates := storage.Fields{"successes": successes}
		if successes >= b.cfg.SuccessThreshold {
			updates["state"] = models.ClosedCircuitState
			updates["failures"] = 0
			updates["successes"] = 0
		}
		affected, err := b.store.UpdateCircuitIf(b.name,
			storage.Fields{"state": models.HalfOpenCircuitState, "successes": rec.Successes},
			updates,
		)
		if err != nil {
			return err
		}
		if affected > 0 {
			if successes >= b.cfg.SuccessThreshold {
				b.logger.Infof("Circuit %q closed after recovery", b.name)
			}
			return nil
		}
	}
	return errors.Errorf("circuit %q: contended success update", b.name)
}
