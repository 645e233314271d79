package scheduling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nuid"
	"github.com/rs/zerolog"
	"github.com/schedge/backend/internal/contracts"
	"github.com/schedge/backend/internal/platform/natsutil"
	"github.com/schedge/backend/internal/sharding"
)

// Runner executes one scheduling run.
type Runner interface {
	Run(ctx context.Context, userID int64, mode string) error
}

// GoroutineDispatcher runs each request in a detached goroutine. The
// request context is not propagated: a disconnecting client does not cancel
// the run.
type GoroutineDispatcher struct {
	Runner  Runner
	Log     zerolog.Logger
	Timeout time.Duration

	wg sync.WaitGroup
}

func NewGoroutineDispatcher(r Runner, log zerolog.Logger) *GoroutineDispatcher {
	return &GoroutineDispatcher{Runner: r, Log: log}
}

func (d *GoroutineDispatcher) Dispatch(_ context.Context, userID int64, _ string) error {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx := context.Background()
		if d.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.Timeout)
			defer cancel()
		}
		// Run logs its own failure.
		_ = d.Runner.Run(ctx, userID, ModeAsync)
	}()
	return nil
}

// Wait blocks until every dispatched run has finished.
func (d *GoroutineDispatcher) Wait() {
	d.wg.Wait()
}

// JetStreamDispatcher publishes a ScheduleJob on the user's shard subject.
type JetStreamDispatcher struct {
	Publisher natsutil.Publisher
	Now       func() time.Time
	NewID     func() string
}

func NewJetStreamDispatcher(p natsutil.Publisher) *JetStreamDispatcher {
	return &JetStreamDispatcher{
		Publisher: p,
		Now:       func() time.Time { return time.Now().UTC() },
		NewID:     nuid.Next,
	}
}

func (d *JetStreamDispatcher) Dispatch(_ context.Context, userID int64, reason string) error {
	job := contracts.ScheduleJob{
		JobID:       d.NewID(),
		UserID:      userID,
		Reason:      reason,
		RequestedAt: d.Now(),
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := d.Publisher.Publish(sharding.ScheduleSubject(userID), payload); err != nil {
		return fmt.Errorf("publish schedule job: %w", err)
	}
	return nil
}

// FallbackDispatcher tries Primary and runs Fallback when it fails.
type FallbackDispatcher struct {
	Primary  Dispatcher
	Fallback Dispatcher
	Log      zerolog.Logger
}

func (d FallbackDispatcher) Dispatch(ctx context.Context, userID int64, reason string) error {
	err := d.Primary.Dispatch(ctx, userID, reason)
	if err == nil {
		return nil
	}
	d.Log.Warn().Err(err).Int64("user_id", userID).Msg("primary dispatch failed, running in process")
	return d.Fallback.Dispatch(ctx, userID, reason)
}
