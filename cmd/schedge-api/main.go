package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/schedge/backend/internal/app/api"
	"github.com/schedge/backend/internal/app/lifecycle"
	"github.com/schedge/backend/internal/app/registry"
	"github.com/schedge/backend/internal/app/scheduling"
	"github.com/schedge/backend/internal/app/store"
	"github.com/schedge/backend/internal/app/temporal"
	"github.com/schedge/backend/internal/app/validate"
	"github.com/schedge/backend/internal/messaging"
	"github.com/schedge/backend/internal/platform/env"
	"github.com/schedge/backend/internal/platform/logx"
	"github.com/schedge/backend/internal/platform/natsutil"
	"golang.org/x/time/rate"
)

func main() {
	_ = godotenv.Load()

	log := logx.New(logx.Config{
		Service: "schedge-api",
		Level:   env.String("LOG_LEVEL", "info"),
		Format:  env.String("LOG_FORMAT", "console"),
	})
	if err := run(log); err != nil {
		log.Fatal().Err(err).Msg("schedge-api stopped")
	}
}

func run(log zerolog.Logger) error {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := env.String("BACKEND_ADDR", env.DefaultBackendAddr)
	uiOrigin := env.String("UI_ORIGIN", "*")
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second)

	st, closeStore, err := store.Open(runCtx, store.OpenConfigFromEnv(true), log)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := registry.New(log.With().Str("component", "registry").Logger())
	tasks := lifecycle.NewService(
		st,
		temporal.NewNormalizer(log.With().Str("component", "normalizer").Logger()),
		validate.New(),
		reg,
		log.With().Str("component", "lifecycle").Logger(),
	)

	solverURL := env.String("SOLVER_SERVER_URL", env.DefaultSolverURL)
	solver := scheduling.NewHTTPSolver(solverURL, env.Duration("SOLVER_TIMEOUT", 0), validate.New())
	schedLog := log.With().Str("component", "scheduling").Logger()
	coordinator := scheduling.NewCoordinator(st, solver, tasks, schedLog)
	inProcess := scheduling.NewGoroutineDispatcher(coordinator, schedLog)
	coordinator.Dispatcher = inProcess

	var nc *natsutil.Client
	if natsURL := env.String("NATS_URL", ""); natsURL != "" {
		nc, err = natsutil.ConnectJetStreamWithRetry(runCtx, natsURL, env.Duration("NATS_CONNECT_TIMEOUT", 20*time.Second), log)
		if err != nil {
			return err
		}
		defer nc.Close()

		coordinator.Dispatcher = scheduling.FallbackDispatcher{
			Primary:  scheduling.NewJetStreamDispatcher(natsutil.JetStreamPublisher{JS: nc.JS}),
			Fallback: inProcess,
			Log:      schedLog,
		}
		notices, err := scheduling.SubscribeNotices(runCtx, nc.Conn, tasks, schedLog)
		if err != nil {
			return fmt.Errorf("subscribe state notices: %w", err)
		}
		defer func() { _ = notices.Unsubscribe() }()

		if env.Bool("SCHEDULE_WORKER_INPROCESS", true) {
			sub, err := scheduling.NewWorker(coordinator, schedLog).Subscribe(runCtx, nc.JS, messaging.ScheduleQueue)
			if err != nil {
				return fmt.Errorf("subscribe schedule jobs: %w", err)
			}
			defer func() { _ = sub.Drain() }()
			log.Info().Str("subject", sub.Subject).Msg("consuming schedule jobs in process")
		}
	}

	if spec := strings.TrimSpace(env.String("RESCHEDULE_CRON", "")); spec != "" {
		refresher := scheduling.NewRefresher(reg.Users, coordinator.Dispatcher, schedLog)
		if err := refresher.Start(spec); err != nil {
			return err
		}
		defer refresher.Stop()
	}

	handler := api.NewHandler(tasks, coordinator, reg, uiOrigin, log.With().Str("component", "api").Logger())
	handler.PingRate = rate.Limit(env.Float("PING_RATE", 2))
	handler.PingBurst = env.Int("PING_BURST", 5)
	handler.Ready = func(ctx context.Context) error {
		if err := st.Ping(ctx); err != nil {
			return fmt.Errorf("store: %w", err)
		}
		if nc != nil {
			if err := nc.Ping(); err != nil {
				return err
			}
		}
		return nil
	}

	// No read/write timeouts: push channels are long-lived and synchronous
	// scheduling waits on the solver.
	server := &http.Server{
		Addr:              addr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("solver", solverURL).Msg("schedge-api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	inProcess.Wait()
	log.Info().Msg("schedge-api stopped")
	return nil
}
