package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/schedge/backend/internal/platform/env"
	"github.com/schedge/backend/internal/platform/logx"
	"github.com/schedge/backend/internal/platform/metrics"
	"golang.org/x/time/rate"
)

type config struct {
	BaseURL             string
	FirstUserID         int64
	Users               int
	Duration            time.Duration
	RampUp              time.Duration
	StartupWait         time.Duration
	ActionsPerSecond    float64
	ScheduleShare       float64
	PingInterval        time.Duration
	RequestTimeout      time.Duration
	MetricsAddr         string
	EnableWebSocket     bool
	SynchronousSchedule bool
}

type simulatedUser struct {
	ID int64

	mu    sync.Mutex
	tasks []string
}

type runner struct {
	cfg    config
	log    zerolog.Logger
	client *http.Client

	requestsOK    atomic.Int64
	requestsError atomic.Int64
	pushes        atomic.Int64
}

var (
	requestsTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "schedge_loadgen_requests_total",
		Help: "HTTP requests sent by the load generator.",
	}, []string{"endpoint", "method", "status", "outcome"})

	actionsTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "schedge_loadgen_actions_total",
		Help: "Simulated user actions.",
	}, []string{"action", "outcome"})

	pushesTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "schedge_loadgen_pushes_total",
		Help: "State snapshots received over WebSocket.",
	}, []string{"outcome"})

	openChannels = metrics.NewGauge(metrics.Opts{
		Name: "schedge_loadgen_open_channels",
		Help: "WebSocket channels currently held open by simulated users.",
	})
)

func init() {
	metrics.Default.MustRegister(requestsTotal, actionsTotal, pushesTotal, openChannels)
}

func main() {
	_ = godotenv.Load()

	log := logx.New(logx.Config{
		Service: "schedge-load",
		Level:   env.String("LOG_LEVEL", "info"),
		Format:  env.String("LOG_FORMAT", "console"),
	})
	cfg := loadConfig()
	if cfg.Users <= 0 {
		log.Fatal().Msg("LOADGEN_USERS must be > 0")
	}

	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx := baseCtx
	if cfg.Duration > 0 {
		timeoutCtx, cancel := context.WithTimeout(baseCtx, cfg.Duration)
		defer cancel()
		ctx = timeoutCtx
	}

	go runMetricsServer(cfg.MetricsAddr, log)

	r := &runner{
		cfg: cfg,
		log: log,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        cfg.Users * 2,
				MaxIdleConnsPerHost: cfg.Users * 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}

	if err := r.waitReady(ctx); err != nil {
		log.Fatal().Err(err).Msg("backend not ready")
	}
	log.Info().
		Int("users", cfg.Users).
		Dur("duration", cfg.Duration).
		Bool("websocket", cfg.EnableWebSocket).
		Float64("actions_per_second", cfg.ActionsPerSecond).
		Msg("load generator started")

	go r.logProgress(ctx)

	var wg sync.WaitGroup
	for i := 0; i < cfg.Users; i++ {
		user := &simulatedUser{ID: cfg.FirstUserID + int64(i)}
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			r.runUser(ctx, idx, user)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	log.Info().
		Int64("requests_ok", r.requestsOK.Load()).
		Int64("requests_error", r.requestsError.Load()).
		Int64("pushes", r.pushes.Load()).
		Msg("load test complete")
}

func loadConfig() config {
	return config{
		BaseURL:             strings.TrimRight(env.String("LOADGEN_BASE_URL", "http://localhost:5000"), "/"),
		FirstUserID:         int64(env.Int("LOADGEN_FIRST_USER_ID", 100000)),
		Users:               env.Int("LOADGEN_USERS", 100),
		Duration:            env.Duration("LOADGEN_DURATION", 5*time.Minute),
		RampUp:              env.Duration("LOADGEN_RAMP_UP", 20*time.Second),
		StartupWait:         env.Duration("LOADGEN_STARTUP_WAIT", time.Minute),
		ActionsPerSecond:    env.Float("LOADGEN_ACTIONS_PER_USER_PER_SECOND", 0.2),
		ScheduleShare:       env.Float("LOADGEN_SCHEDULE_SHARE", 0.1),
		PingInterval:        env.Duration("LOADGEN_PING_INTERVAL", 5*time.Second),
		RequestTimeout:      env.Duration("LOADGEN_REQUEST_TIMEOUT", 10*time.Second),
		MetricsAddr:         env.String("LOADGEN_METRICS_ADDR", ":9099"),
		EnableWebSocket:     env.Bool("LOADGEN_ENABLE_WEBSOCKET", true),
		SynchronousSchedule: env.Bool("LOADGEN_SYNC_SCHEDULE", false),
	}
}

func (r *runner) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(r.cfg.StartupWait)
	var lastErr error
	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.BaseURL+"/readyz", nil)
		if err != nil {
			return err
		}
		resp, err := r.client.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			err = fmt.Errorf("status=%d", resp.StatusCode)
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	if lastErr == nil {
		lastErr = errors.New("timeout")
	}
	return lastErr
}

func (r *runner) runUser(ctx context.Context, idx int, user *simulatedUser) {
	if r.cfg.RampUp > 0 {
		delay := time.Duration(float64(r.cfg.RampUp) / float64(r.cfg.Users) * float64(idx))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	if r.cfg.EnableWebSocket {
		go r.runChannel(ctx, user)
	}

	limit := rate.Limit(r.cfg.ActionsPerSecond)
	if limit <= 0 {
		limit = 1
	}
	limiter := rate.NewLimiter(limit, 1)
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + user.ID))
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		r.runAction(ctx, user, rng)
	}
}

func (r *runner) runAction(ctx context.Context, user *simulatedUser, rng *rand.Rand) {
	taskID, hasTask := user.randomTask(rng)
	choice := rng.Float64()
	switch {
	case choice < r.cfg.ScheduleShare:
		r.requestSchedule(ctx, user)
	case !hasTask || choice < 0.65:
		r.createTask(ctx, user, rng)
	case choice < 0.9:
		r.updateTask(ctx, user, rng, taskID)
	default:
		r.deleteTask(ctx, user, taskID)
	}
}

func fixedTask(rng *rand.Rand, name string) map[string]any {
	start := time.Now().UTC().Truncate(time.Hour).Add(time.Duration(rng.Intn(14*24)) * time.Hour)
	return map[string]any{
		"type":  "fixed",
		"name":  name,
		"color": "#3498DB",
		"start": start.Format(time.RFC3339),
		"end":   start.Add(time.Duration(30+rng.Intn(90)) * time.Minute).Format(time.RFC3339),
	}
}

func (r *runner) userURL(user *simulatedUser) string {
	return r.cfg.BaseURL + "/api/v0/user/" + strconv.FormatInt(user.ID, 10)
}

func (r *runner) createTask(ctx context.Context, user *simulatedUser, rng *rand.Rand) {
	var resp struct {
		Result struct {
			ID string `json:"id"`
		} `json:"result"`
	}
	body := fixedTask(rng, fmt.Sprintf("Load Task %d", rng.Intn(1_000_000)))
	if err := r.requestJSON(ctx, "task_create", http.MethodPost, r.userURL(user)+"/task", body, &resp, http.StatusCreated); err != nil {
		actionsTotal.WithLabelValues("create", metrics.OutcomeError).Inc()
		return
	}
	user.addTask(resp.Result.ID)
	actionsTotal.WithLabelValues("create", metrics.OutcomeOK).Inc()
}

func (r *runner) updateTask(ctx context.Context, user *simulatedUser, rng *rand.Rand, taskID string) {
	body := fixedTask(rng, fmt.Sprintf("Updated Load Task %d", rng.Intn(1_000_000)))
	if err := r.requestJSON(ctx, "task_update", http.MethodPut, r.userURL(user)+"/task/"+taskID, body, nil, http.StatusOK); err != nil {
		actionsTotal.WithLabelValues("update", metrics.OutcomeError).Inc()
		return
	}
	actionsTotal.WithLabelValues("update", metrics.OutcomeOK).Inc()
}

func (r *runner) deleteTask(ctx context.Context, user *simulatedUser, taskID string) {
	if err := r.requestJSON(ctx, "task_delete", http.MethodDelete, r.userURL(user)+"/task/"+taskID, nil, nil, http.StatusOK); err != nil {
		actionsTotal.WithLabelValues("delete", metrics.OutcomeError).Inc()
		return
	}
	user.removeTask(taskID)
	actionsTotal.WithLabelValues("delete", metrics.OutcomeOK).Inc()
}

func (r *runner) requestSchedule(ctx context.Context, user *simulatedUser) {
	body := map[string]any{"sync": r.cfg.SynchronousSchedule}
	if err := r.requestJSON(ctx, "compute_slot_request", http.MethodPost, r.userURL(user)+"/compute_slot_request", body, nil, http.StatusCreated); err != nil {
		actionsTotal.WithLabelValues("schedule", metrics.OutcomeError).Inc()
		return
	}
	actionsTotal.WithLabelValues("schedule", metrics.OutcomeOK).Inc()
}

// runChannel keeps one push channel open for user, reconnecting on failure.
func (r *runner) runChannel(ctx context.Context, user *simulatedUser) {
	wsURL := "ws" + strings.TrimPrefix(r.userURL(user), "http") + "/ws"
	for ctx.Err() == nil {
		if err := r.readChannel(ctx, wsURL); err != nil && ctx.Err() == nil {
			r.log.Warn().Err(err).Int64("user_id", user.ID).Msg("websocket reconnect")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (r *runner) readChannel(ctx context.Context, wsURL string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		requestsTotal.WithLabelValues("ws_open", http.MethodGet, "0", metrics.OutcomeError).Inc()
		return err
	}
	defer conn.Close()
	requestsTotal.WithLabelValues("ws_open", http.MethodGet, "101", metrics.OutcomeOK).Inc()

	openChannels.Inc()
	defer openChannels.Dec()

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(r.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				_ = conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var snapshot struct {
			UserID int64 `json:"userId"`
		}
		if err := json.Unmarshal(payload, &snapshot); err != nil {
			pushesTotal.WithLabelValues(metrics.OutcomeError).Inc()
			continue
		}
		pushesTotal.WithLabelValues(metrics.OutcomeOK).Inc()
		r.pushes.Add(1)
	}
}

func (r *runner) requestJSON(ctx context.Context, endpoint, method, requestURL string, payload, out any, expected int) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(endpoint, method, "0", metrics.OutcomeError).Inc()
		r.requestsError.Add(1)
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	status := strconv.Itoa(resp.StatusCode)
	if err != nil || resp.StatusCode != expected {
		requestsTotal.WithLabelValues(endpoint, method, status, metrics.OutcomeError).Inc()
		r.requestsError.Add(1)
		if err != nil {
			return err
		}
		return fmt.Errorf("unexpected status=%d body=%s", resp.StatusCode, truncate(string(raw), 240))
	}

	requestsTotal.WithLabelValues(endpoint, method, status, metrics.OutcomeOK).Inc()
	r.requestsOK.Add(1)
	if out != nil && len(raw) > 0 {
		return json.Unmarshal(raw, out)
	}
	return nil
}

func (r *runner) logProgress(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.log.Info().
				Int64("requests_ok", r.requestsOK.Load()).
				Int64("requests_error", r.requestsError.Load()).
				Int64("pushes", r.pushes.Load()).
				Float64("open_channels", openChannels.Value()).
				Msg("progress")
		}
	}
}

func runMetricsServer(addr string, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.DefaultHandler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info().Str("addr", addr).Msg("metrics endpoint listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("metrics server failed")
	}
}

func (u *simulatedUser) addTask(id string) {
	if id == "" {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.tasks = append(u.tasks, id)
}

func (u *simulatedUser) randomTask(rng *rand.Rand) (string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.tasks) == 0 {
		return "", false
	}
	return u.tasks[rng.Intn(len(u.tasks))], true
}

func (u *simulatedUser) removeTask(id string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i, existing := range u.tasks {
		if existing == id {
			u.tasks[i] = u.tasks[len(u.tasks)-1]
			u.tasks = u.tasks[:len(u.tasks)-1]
			return
		}
	}
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max] + "..."
}
