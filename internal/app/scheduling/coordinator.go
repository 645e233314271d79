// Package scheduling runs the external solver over a user's tasks and
// replaces that user's slot set with the result.
//
// Synchronous requests return the outcome to the caller. Asynchronous
// requests are handed to a Dispatcher and their failures are only logged;
// the caller is never notified.
package scheduling

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/schedge/backend/internal/app/store"
	"github.com/schedge/backend/internal/platform/metrics"
)

const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

// Emitter broadcasts the current snapshot of a user.
type Emitter interface {
	Emit(ctx context.Context, userID int64)
}

// Dispatcher hands an asynchronous scheduling request to a background
// worker. It returns once the request is queued, not when it completes.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID int64, reason string) error
}

type Coordinator struct {
	Store      store.Store
	Solver     Solver
	Emitter    Emitter
	Dispatcher Dispatcher
	Log        zerolog.Logger
}

func NewCoordinator(st store.Store, solver Solver, emitter Emitter, log zerolog.Logger) *Coordinator {
	c := &Coordinator{
		Store:   st,
		Solver:  solver,
		Emitter: emitter,
		Log:     log,
	}
	c.Dispatcher = NewGoroutineDispatcher(c, log)
	return c
}

// RequestSchedule runs the solver for userID. With synchronous false it
// only queues the work and returns nil even if the run later fails.
func (c *Coordinator) RequestSchedule(ctx context.Context, userID int64, synchronous bool) error {
	if synchronous {
		return c.Run(ctx, userID, ModeSync)
	}
	if err := c.Dispatcher.Dispatch(ctx, userID, "request"); err != nil {
		c.Log.Error().Err(err).Int64("user_id", userID).Msg("dispatch scheduling job failed")
		metrics.SchedulingRuns.WithLabelValues(ModeAsync, "dispatch_error").Inc()
	}
	return nil
}

// Run fetches the tasks of userID, solves them, replaces the slot set and
// broadcasts. On any failure the previous slots are left untouched.
func (c *Coordinator) Run(ctx context.Context, userID int64, mode string) (err error) {
	defer func() {
		metrics.SchedulingRuns.WithLabelValues(mode, metrics.Outcome(err)).Inc()
		if err != nil {
			c.Log.Error().Err(err).Int64("user_id", userID).Str("mode", mode).Msg("scheduling run failed")
		}
	}()

	tasks, err := c.Store.ListTasks(ctx, userID)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	slots, err := c.Solver.Solve(ctx, tasks)
	if err != nil {
		if !errors.Is(err, ErrSchedulingFailed) {
			err = fmt.Errorf("%w: %v", ErrSchedulingFailed, err)
		}
		return err
	}
	for i := range slots {
		slots[i].UserID = userID
	}

	// Once solved, the replacement must finish even if the caller goes away:
	// a store without transactions would otherwise keep an empty slot set.
	persistCtx := context.WithoutCancel(ctx)
	if err := c.Store.ReplaceAllSlots(persistCtx, userID, slots); err != nil {
		return fmt.Errorf("replace slots: %w", err)
	}

	c.Log.Debug().Int64("user_id", userID).Int("slots", len(slots)).Str("mode", mode).Msg("slots replaced")
	c.Emitter.Emit(persistCtx, userID)
	return nil
}
