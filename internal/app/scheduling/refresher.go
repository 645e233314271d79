package scheduling

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Refresher periodically queues an asynchronous run for every user that
// currently holds a live push channel.
type Refresher struct {
	Users      func() []int64
	Dispatcher Dispatcher
	Log        zerolog.Logger

	c *cron.Cron
}

func NewRefresher(users func() []int64, d Dispatcher, log zerolog.Logger) *Refresher {
	return &Refresher{Users: users, Dispatcher: d, Log: log}
}

// Start schedules the refresh with a standard five-field cron spec or a
// descriptor such as "@every 15m".
func (r *Refresher) Start(spec string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser))
	if _, err := c.AddFunc(spec, func() { r.Tick(context.Background()) }); err != nil {
		return fmt.Errorf("parse reschedule spec %q: %w", spec, err)
	}
	r.c = c
	c.Start()
	r.Log.Info().Str("spec", spec).Msg("periodic rescheduling enabled")
	return nil
}

// Tick dispatches one run per connected user and returns how many were
// queued.
func (r *Refresher) Tick(ctx context.Context) int {
	queued := 0
	for _, userID := range r.Users() {
		if err := r.Dispatcher.Dispatch(ctx, userID, "refresh"); err != nil {
			r.Log.Error().Err(err).Int64("user_id", userID).Msg("periodic dispatch failed")
			continue
		}
		queued++
	}
	return queued
}

// Stop halts the schedule and waits for a running tick to return.
func (r *Refresher) Stop() {
	if r.c == nil {
		return
	}
	<-r.c.Stop().Done()
}
