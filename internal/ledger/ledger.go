// Package ledger records the lifecycle state and attempt count of every
// task by its dedupe key. Workers consult it before executing so that a
// redelivered task whose record is terminal has no further effect.
package ledger

import (
	"context"
	"time"

	"github.com/storeroute/storeroute/internal/task"
	"github.com/storeroute/storeroute/pkg/errors"
)

// Record is the ledger entry for one task key.
type Record struct {
	Key       string
	Type      string
	State     task.State
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Ledger stores task records. Every state change goes through
// task.Transition; records in a terminal state never change again.
type Ledger interface {
	// Record creates the entry for key in state, or moves an existing
	// entry to state.
	Record(ctx context.Context, key, taskType string, state task.State) error

	// Begin moves key to IN_PROGRESS and counts an attempt. A terminal
	// record is returned unchanged. A missing record is created, since
	// producers without ledger access may enqueue tasks.
	Begin(ctx context.Context, key, taskType string) (*Record, error)

	// Complete moves key to COMPLETE.
	Complete(ctx context.Context, key string) error

	// Fail moves key to FAILED with reason.
	Fail(ctx context.Context, key, reason string) error

	// Get returns the record for key, or TASK_NOT_FOUND.
	Get(ctx context.Context, key string) (*Record, error)
}

// mutation computes the next version of a record. found reports whether
// rec came from storage; changed reports whether next must be written.
type mutation func(rec Record, found bool, now time.Time) (next Record, changed bool, err error)

func recordState(key, taskType string, state task.State) mutation {
	return func(rec Record, found bool, now time.Time) (Record, bool, error) {
		if !found {
			if state != task.StateRequested && state != task.StateQueued {
				return rec, false, transitionError(key, "", state)
			}
			return Record{Key: key, Type: taskType, State: state, CreatedAt: now, UpdatedAt: now}, true, nil
		}
		if err := task.Transition(rec.State, state); err != nil {
			return rec, false, withKey(err, key)
		}
		rec.State = state
		rec.UpdatedAt = now
		return rec, true, nil
	}
}

func begin(key, taskType string) mutation {
	return func(rec Record, found bool, now time.Time) (Record, bool, error) {
		if !found {
			return Record{
				Key:       key,
				Type:      taskType,
				State:     task.StateInProgress,
				Attempts:  1,
				CreatedAt: now,
				UpdatedAt: now,
			}, true, nil
		}
		if rec.State.Terminal() {
			return rec, false, nil
		}
		if err := task.Transition(rec.State, task.StateInProgress); err != nil {
			return rec, false, withKey(err, key)
		}
		rec.State = task.StateInProgress
		rec.Attempts++
		rec.UpdatedAt = now
		return rec, true, nil
	}
}

func finish(key string, state task.State, reason string) mutation {
	return func(rec Record, found bool, now time.Time) (Record, bool, error) {
		if !found {
			return rec, false, notFound(key)
		}
		if err := task.Transition(rec.State, state); err != nil {
			return rec, false, withKey(err, key)
		}
		rec.State = state
		rec.LastError = reason
		rec.UpdatedAt = now
		return rec, true, nil
	}
}

func notFound(key string) error {
	return errors.Newf(errors.ErrCodeTaskNotFound, "no ledger record for %q", key).
		WithComponent("ledger").
		WithContext("task_key", key)
}

func transitionError(key string, from, to task.State) error {
	return errors.Newf(errors.ErrCodeInvalidStateTransition, "cannot create record for %q in state %s", key, to).
		WithComponent("ledger").
		WithContext("task_key", key).
		WithContext("from", string(from)).
		WithContext("to", string(to))
}

func withKey(err error, key string) error {
	if e, ok := errors.As(err); ok {
		return e.WithComponent("ledger").WithContext("task_key", key)
	}
	return err
}
