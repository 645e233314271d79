package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/schedge/backend/internal/app/scheduling"
	"github.com/schedge/backend/internal/app/store"
	"github.com/schedge/backend/internal/app/validate"
	"github.com/schedge/backend/internal/messaging"
	"github.com/schedge/backend/internal/platform/env"
	"github.com/schedge/backend/internal/platform/logx"
	"github.com/schedge/backend/internal/platform/natsutil"
)

func main() {
	_ = godotenv.Load()

	log := logx.New(logx.Config{
		Service: "schedule-worker",
		Level:   env.String("LOG_LEVEL", "info"),
		Format:  env.String("LOG_FORMAT", "console"),
	})
	if err := run(log); err != nil {
		log.Fatal().Err(err).Msg("schedule-worker stopped")
	}
}

func run(log zerolog.Logger) error {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := store.Open(runCtx, store.OpenConfigFromEnv(false), log)
	if err != nil {
		return err
	}
	defer closeStore()

	natsURL := env.String("NATS_URL", env.DefaultNATSURL)
	client, err := natsutil.ConnectJetStreamWithRetry(runCtx, natsURL, env.Duration("NATS_CONNECT_TIMEOUT", 20*time.Second), log)
	if err != nil {
		return err
	}
	defer client.Close()

	solver := scheduling.NewHTTPSolver(
		env.String("SOLVER_SERVER_URL", env.DefaultSolverURL),
		env.Duration("SOLVER_TIMEOUT", 0),
		validate.New(),
	)
	coordinator := scheduling.NewCoordinator(st, solver, scheduling.NoticeEmitter{Conn: client.Conn, Log: log}, log)

	worker := scheduling.NewWorker(coordinator, log)
	worker.Timeout = env.Duration("SCHEDULE_JOB_TIMEOUT", worker.Timeout)
	sub, err := worker.Subscribe(runCtx, client.JS, messaging.ScheduleQueue)
	if err != nil {
		return fmt.Errorf("subscribe schedule jobs: %w", err)
	}
	log.Info().Str("subject", sub.Subject).Str("queue", messaging.ScheduleQueue).Msg("schedule-worker listening")

	<-runCtx.Done()
	if err := sub.Drain(); err != nil {
		log.Error().Err(err).Msg("drain subscription")
	}
	log.Info().Msg("schedule-worker stopped")
	return nil
}
