package queue

import "github.com/pkg/errors"

// ErrJobNotFound is returned when a job id does not exist.
var ErrJobNotFound = errors.New("job not found")

// ErrInvalidJobState is returned on caller misuse, e.g. retrying a job that
// is not failed.
var ErrInvalidJobState = errors.New("job is not in a valid state for this operation")

// ErrQueueUnavailable marks broker connectivity problems. It is recovered
// locally (mode fallback at startup, durable record at enqueue) and never
// surfaced per-call.
var ErrQueueUnavailable = errors.New("job queue broker unavailable")
