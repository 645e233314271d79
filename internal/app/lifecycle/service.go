// Package lifecycle runs task create, read, update and delete requests
// through normalization, validation, ownership checks, persistence and the
// post-mutation snapshot broadcast.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/schedge/backend/internal/app/model"
	"github.com/schedge/backend/internal/app/store"
	"github.com/schedge/backend/internal/app/validate"
	"github.com/schedge/backend/internal/platform/metrics"
)

// MaxTasksPerUser caps the number of tasks a single user may own.
const MaxTasksPerUser = 500

var (
	ErrInvalidBody  = errors.New("invalid request body")
	ErrTaskLimit    = errors.New("task limit reached")
	ErrUserMismatch = errors.New("userId in body does not match the requested user")
)

type Normalizer interface {
	Task(model.Task) model.Task
}

type Validator interface {
	Validate(obj any, schema string) error
}

type Broadcaster interface {
	Broadcast(ctx context.Context, userID int64, snapshot model.Snapshot) (int, error)
}

type Service struct {
	Store      store.Store
	Normalizer Normalizer
	Validator  Validator
	Registry   Broadcaster
	Log        zerolog.Logger
	MaxTasks   int64
}

func NewService(st store.Store, n Normalizer, v Validator, r Broadcaster, log zerolog.Logger) *Service {
	return &Service{
		Store:      st,
		Normalizer: n,
		Validator:  v,
		Registry:   r,
		Log:        log,
		MaxTasks:   MaxTasksPerUser,
	}
}

func (s *Service) List(ctx context.Context, userID int64) ([]model.Task, error) {
	return s.Store.ListTasks(ctx, userID)
}

func (s *Service) ListSlots(ctx context.Context, userID int64) ([]model.Slot, error) {
	return s.Store.ListSlots(ctx, userID)
}

func (s *Service) State(ctx context.Context, userID int64) (model.Snapshot, error) {
	return store.Snapshot(ctx, s.Store, userID)
}

// Get returns the task only when it belongs to userID; a task of another
// user is reported as store.ErrNotFound.
func (s *Service) Get(ctx context.Context, userID int64, taskID string) (model.Task, error) {
	task, err := s.Store.GetTask(ctx, taskID)
	if err != nil {
		return model.Task{}, err
	}
	if owner, ok := task.Owner(); !ok || owner != userID {
		return model.Task{}, store.ErrNotFound
	}
	return task, nil
}

func (s *Service) Create(ctx context.Context, userID int64, task model.Task) (created model.Task, err error) {
	defer func() { s.observe("create", err) }()

	prepared, err := s.prepare(userID, task)
	if err != nil {
		return model.Task{}, err
	}

	count, err := s.Store.CountTasks(ctx, userID)
	if err != nil {
		return model.Task{}, fmt.Errorf("count tasks: %w", err)
	}
	if count >= s.maxTasks() {
		return model.Task{}, fmt.Errorf("%w: %d", ErrTaskLimit, s.maxTasks())
	}

	prepared.ID = ""
	created, err = s.Store.InsertTask(ctx, prepared)
	if err != nil {
		s.Log.Error().Err(err).Int64("user_id", userID).Msg("insert task failed")
		return model.Task{}, fmt.Errorf("insert task: %w", err)
	}

	s.Emit(ctx, userID)
	return created, nil
}

func (s *Service) Update(ctx context.Context, userID int64, taskID string, task model.Task) (updated model.Task, err error) {
	defer func() { s.observe("update", err) }()

	if _, err := store.ParseID(taskID); err != nil {
		return model.Task{}, err
	}
	prepared, err := s.prepare(userID, task)
	if err != nil {
		return model.Task{}, err
	}
	if _, err := s.Get(ctx, userID, taskID); err != nil {
		return model.Task{}, err
	}

	prepared.ID = taskID
	updated, err = s.Store.ReplaceTask(ctx, taskID, prepared)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.Log.Error().Err(err).Int64("user_id", userID).Str("task_id", taskID).Msg("replace task failed")
		}
		return model.Task{}, err
	}

	s.Emit(ctx, userID)
	return updated, nil
}

func (s *Service) Delete(ctx context.Context, userID int64, taskID string) (err error) {
	defer func() { s.observe("delete", err) }()

	if _, err := s.Get(ctx, userID, taskID); err != nil {
		return err
	}
	if err := s.Store.DeleteTask(ctx, taskID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.Log.Error().Err(err).Int64("user_id", userID).Str("task_id", taskID).Msg("delete task failed")
		}
		return err
	}

	s.Emit(ctx, userID)
	return nil
}

// Emit broadcasts the current snapshot of userID to its channels. Failures
// are logged and never reach the caller.
func (s *Service) Emit(ctx context.Context, userID int64) {
	snapshot, err := store.Snapshot(ctx, s.Store, userID)
	if err != nil {
		s.Log.Error().Err(err).Int64("user_id", userID).Msg("read snapshot for broadcast failed")
		return
	}
	if _, err := s.Registry.Broadcast(ctx, userID, snapshot); err != nil {
		s.Log.Error().Err(err).Int64("user_id", userID).Msg("broadcast failed")
	}
}

// prepare stamps the owner, normalizes and validates a client task.
func (s *Service) prepare(userID int64, task model.Task) (model.Task, error) {
	if owner, ok := task.Owner(); ok && owner != userID {
		return model.Task{}, ErrUserMismatch
	}
	task = task.WithOwner(userID)

	normalized := s.Normalizer.Task(task)
	if err := s.Validator.Validate(normalized, validate.SchemaRawTask); err != nil {
		return model.Task{}, err
	}
	return normalized, nil
}

func (s *Service) maxTasks() int64 {
	if s.MaxTasks <= 0 {
		return MaxTasksPerUser
	}
	return s.MaxTasks
}

func (s *Service) observe(operation string, err error) {
	metrics.Mutations.WithLabelValues(operation, metrics.Outcome(err)).Inc()
}
