// Package api exposes the per-user HTTP routes and the push channel.
//
// Every JSON response uses the envelope {"status":"ok","result":...} or
// {"status":"error","message":...}.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nuid"
	"github.com/rs/zerolog"
	"github.com/schedge/backend/internal/app/lifecycle"
	"github.com/schedge/backend/internal/app/model"
	"github.com/schedge/backend/internal/app/registry"
	"github.com/schedge/backend/internal/app/scheduling"
	"github.com/schedge/backend/internal/app/store"
	"github.com/schedge/backend/internal/app/validate"
	"github.com/schedge/backend/internal/platform/metrics"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 1 << 20

type TaskService interface {
	List(ctx context.Context, userID int64) ([]model.Task, error)
	ListSlots(ctx context.Context, userID int64) ([]model.Slot, error)
	State(ctx context.Context, userID int64) (model.Snapshot, error)
	Get(ctx context.Context, userID int64, taskID string) (model.Task, error)
	Create(ctx context.Context, userID int64, task model.Task) (model.Task, error)
	Update(ctx context.Context, userID int64, taskID string, task model.Task) (model.Task, error)
	Delete(ctx context.Context, userID int64, taskID string) error
	Emit(ctx context.Context, userID int64)
}

type Scheduler interface {
	RequestSchedule(ctx context.Context, userID int64, synchronous bool) error
}

type ChannelRegistry interface {
	Register(userID int64, connID string, ch registry.Channel)
	Unregister(userID int64, connID string)
}

type Handler struct {
	Tasks         TaskService
	Scheduler     Scheduler
	Registry      ChannelRegistry
	Ready         func(ctx context.Context) error
	AllowedOrigin string
	Log           zerolog.Logger

	PingRate     rate.Limit
	PingBurst    int
	WriteTimeout time.Duration
	Upgrader     websocket.Upgrader
	NewConnID    func() string
}

func NewHandler(tasks TaskService, scheduler Scheduler, reg ChannelRegistry, allowedOrigin string, log zerolog.Logger) *Handler {
	return &Handler{
		Tasks:         tasks,
		Scheduler:     scheduler,
		Registry:      reg,
		AllowedOrigin: allowedOrigin,
		Log:           log,
		PingRate:      2,
		PingBurst:     5,
		WriteTimeout:  10 * time.Second,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		NewConnID: nuid.Next,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.corsMiddleware)
	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/healthz", h.handleHealth)
	r.Get("/readyz", h.handleReady)
	r.Handle("/metrics", metrics.DefaultHandler())

	r.Route("/api/v0/user/{userID}", func(ur chi.Router) {
		ur.Use(h.userMiddleware)
		ur.Get("/state", h.handleState)
		ur.Get("/ws", h.handleWebSocket)
		ur.Get("/task", h.handleListTasks)
		ur.Post("/task", h.handleCreateTask)
		ur.Get("/task/{taskID}", h.handleGetTask)
		ur.Put("/task/{taskID}", h.handleUpdateTask)
		ur.Delete("/task/{taskID}", h.handleDeleteTask)
		ur.Get("/slot", h.handleListSlots)
		ur.Post("/compute_slot_request", h.handleComputeSlots)
	})

	return r
}

type userIDKey struct{}

// userMiddleware parses the URL-scoped user. A push channel request with a
// bad user id is upgraded and closed with 1007; other requests get a 400.
func (h *Handler) userMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
		if err != nil {
			const msg = "User ID must be an integer"
			if websocket.IsWebSocketUpgrade(r) {
				h.rejectWebSocket(w, r, websocket.CloseInvalidFramePayloadData, msg)
				return
			}
			h.writeError(w, http.StatusBadRequest, msg)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey{}, userID)))
	})
}

func userFromContext(ctx context.Context) int64 {
	userID, _ := ctx.Value(userIDKey{}).(int64)
	return userID
}

// handleState serves the snapshot as JSON, or opens a push channel when the
// request is a WebSocket upgrade.
func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		h.handleWebSocket(w, r)
		return
	}
	snapshot, err := h.Tasks.State(r.Context(), userFromContext(r.Context()))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.writeResult(w, http.StatusOK, snapshot)
}

func (h *Handler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Tasks.List(r.Context(), userFromContext(r.Context()))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.writeResult(w, http.StatusOK, tasks)
}

func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.Tasks.Get(r.Context(), userFromContext(r.Context()), chi.URLParam(r, "taskID"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.writeResult(w, http.StatusOK, task)
}

func (h *Handler) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	task, err := decodeTask(w, r)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	created, err := h.Tasks.Create(r.Context(), userFromContext(r.Context()), task)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.writeResult(w, http.StatusCreated, created)
}

func (h *Handler) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if _, err := store.ParseID(taskID); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	task, err := decodeTask(w, r)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	updated, err := h.Tasks.Update(r.Context(), userFromContext(r.Context()), taskID, task)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.writeResult(w, http.StatusOK, updated)
}

func (h *Handler) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := h.Tasks.Delete(r.Context(), userFromContext(r.Context()), chi.URLParam(r, "taskID")); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.writeResult(w, http.StatusOK, nil)
}

func (h *Handler) handleListSlots(w http.ResponseWriter, r *http.Request) {
	slots, err := h.Tasks.ListSlots(r.Context(), userFromContext(r.Context()))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.writeResult(w, http.StatusOK, slots)
}

type computeOptions struct {
	Sync *bool `json:"sync"`
}

var errInvalidOptions = errors.New("invalid options format, expected JSON object")

func (h *Handler) handleComputeSlots(w http.ResponseWriter, r *http.Request) {
	var opts computeOptions
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeFailure(w, r, errInvalidOptions)
		return
	}
	if len(raw) > 0 {
		var object map[string]json.RawMessage
		if err := json.Unmarshal(raw, &object); err != nil || object == nil {
			h.writeFailure(w, r, errInvalidOptions)
			return
		}
		if err := json.Unmarshal(raw, &opts); err != nil {
			h.writeFailure(w, r, errInvalidOptions)
			return
		}
	}

	synchronous := opts.Sync != nil && *opts.Sync
	if err := h.Scheduler.RequestSchedule(r.Context(), userFromContext(r.Context()), synchronous); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.writeResult(w, http.StatusCreated, nil)
}

func decodeTask(w http.ResponseWriter, r *http.Request) (model.Task, error) {
	var task model.Task
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&task); err != nil {
		return model.Task{}, lifecycle.ErrInvalidBody
	}
	return task, nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Ready(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	h.handleHealth(w, r)
}

type envelope struct {
	Status string `json:"status"`
	Result any    `json:"result"`
}

type errorEnvelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var verr *validate.ValidationError
	switch {
	case errors.Is(err, store.ErrInvalidID):
		h.writeError(w, http.StatusBadRequest, "Task ID is not a valid identifier")
	case errors.Is(err, lifecycle.ErrInvalidBody):
		h.writeError(w, http.StatusBadRequest, "Invalid JSON in request body")
	case errors.Is(err, errInvalidOptions),
		errors.Is(err, lifecycle.ErrTaskLimit),
		errors.Is(err, lifecycle.ErrUserMismatch):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &verr):
		h.writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, store.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "Task not found")
	case errors.Is(err, scheduling.ErrSchedulingFailed):
		h.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		h.Log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (h *Handler) writeResult(w http.ResponseWriter, status int, result any) {
	h.writeJSON(w, status, envelope{Status: "ok", Result: result})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorEnvelope{Status: "error", Message: msg})
}
