package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/schedge/backend/internal/app/model"
	"github.com/schedge/backend/internal/app/store"
	"github.com/schedge/backend/internal/app/validate"
	"github.com/schedge/backend/internal/contracts"
	"github.com/schedge/backend/internal/sharding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingEmitter struct {
	mu    sync.Mutex
	users []int64
}

func (e *countingEmitter) Emit(_ context.Context, userID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.users = append(e.users, userID)
}

func (e *countingEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.users)
}

func seedTask(t *testing.T, st *store.MemoryStore, userID int64) model.Task {
	t.Helper()
	task, err := st.InsertTask(context.Background(), model.Task{
		Type:  model.TypeFixed,
		Name:  "Walk",
		Color: "#3498DB",
		Fixed: &model.FixedSpec{Start: "2025-04-28T10:00:00+00:00", End: "2025-04-28T11:00:00+00:00"},
	}.WithOwner(userID))
	require.NoError(t, err)
	return task
}

// echoSolver places every task at its own fixed interval.
func echoSolver(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var tasks []model.Task
		if err := json.NewDecoder(r.Body).Decode(&tasks); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		slots := make([]model.Slot, 0, len(tasks))
		for _, task := range tasks {
			slots = append(slots, model.Slot{Start: task.Fixed.Start, End: task.Fixed.End, Task: task})
		}
		_ = json.NewEncoder(w).Encode(slots)
	}))
}

func TestHTTPSolverSolves(t *testing.T) {
	srv := echoSolver(t)
	defer srv.Close()

	solver := NewHTTPSolver(srv.URL, 0, validate.New())
	slots, err := solver.Solve(context.Background(), []model.Task{{
		ID: "t1", Type: model.TypeFixed, Name: "Walk", Color: "#FFFFFF",
		Fixed: &model.FixedSpec{Start: "2025-04-28T10:00:00+00:00", End: "2025-04-28T11:00:00+00:00"},
	}})
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, "t1", slots[0].Task.ID)
}

func TestHTTPSolverFailuresCollapseToSchedulingFailed(t *testing.T) {
	tests := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "infeasible", http.StatusUnprocessableEntity)
		},
		"not json": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "<html>")
		},
		"not an array": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, `{"slots":[]}`)
		},
		"null": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, `null`)
		},
		"invalid slot": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, `[{"start":"yesterday","end":"2025-04-28T11:00:00+00:00","task":{}}]`)
		},
	}
	for name, handler := range tests {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()
			_, err := NewHTTPSolver(srv.URL, 0, validate.New()).Solve(context.Background(), nil)
			assert.ErrorIs(t, err, ErrSchedulingFailed)
		})
	}

	t.Run("transport", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()
		_, err := NewHTTPSolver(url, time.Second, nil).Solve(context.Background(), nil)
		assert.ErrorIs(t, err, ErrSchedulingFailed)
	})
}

func TestHTTPSolverAcceptsEmptyArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `[]`)
	}))
	defer srv.Close()

	slots, err := NewHTTPSolver(srv.URL, 0, validate.New()).Solve(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func TestSynchronousRunReplacesSlotsAndBroadcasts(t *testing.T) {
	srv := echoSolver(t)
	defer srv.Close()

	st := store.NewMemoryStore()
	task := seedTask(t, st, 4)
	emitter := &countingEmitter{}
	c := NewCoordinator(st, NewHTTPSolver(srv.URL, 0, validate.New()), emitter, zerolog.Nop())

	require.NoError(t, c.RequestSchedule(context.Background(), 4, true))

	slots, err := st.ListSlots(context.Background(), 4)
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, int64(4), slots[0].UserID)
	assert.Equal(t, task.ID, slots[0].Task.ID)
	assert.Equal(t, 1, emitter.count())
}

func TestSynchronousFailureLeavesSlotsUntouched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	task := seedTask(t, st, 4)
	prior := []model.Slot{{Start: "2025-04-28T10:00:00+00:00", End: "2025-04-28T11:00:00+00:00", Task: task}}
	require.NoError(t, st.ReplaceAllSlots(context.Background(), 4, prior))
	emitter := &countingEmitter{}
	c := NewCoordinator(st, NewHTTPSolver(srv.URL, 0, nil), emitter, zerolog.Nop())

	err := c.RequestSchedule(context.Background(), 4, true)
	assert.ErrorIs(t, err, ErrSchedulingFailed)

	slots, err := st.ListSlots(context.Background(), 4)
	require.NoError(t, err)
	assert.Len(t, slots, 1)
	assert.Zero(t, emitter.count())
}

// cancelAwareStore refuses writes on a cancelled context, as a network-backed
// store would.
type cancelAwareStore struct {
	*store.MemoryStore
}

func (s cancelAwareStore) ReplaceAllSlots(ctx context.Context, userID int64, slots []model.Slot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.ReplaceAllSlots(ctx, userID, slots)
}

func TestSynchronousRunPersistsAfterCallerDisconnects(t *testing.T) {
	mem := store.NewMemoryStore()
	task := seedTask(t, mem, 6)
	prior := []model.Slot{{Start: "2025-04-27T10:00:00+00:00", End: "2025-04-27T11:00:00+00:00", Task: task}}
	require.NoError(t, mem.ReplaceAllSlots(context.Background(), 6, prior))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	emitter := &countingEmitter{}
	c := NewCoordinator(cancelAwareStore{mem}, solverFunc(func(_ context.Context, tasks []model.Task) ([]model.Slot, error) {
		cancel()
		return []model.Slot{{Start: "2025-04-28T10:00:00+00:00", End: "2025-04-28T11:00:00+00:00", Task: tasks[0]}}, nil
	}), emitter, zerolog.Nop())

	require.NoError(t, c.RequestSchedule(ctx, 6, true))

	slots, err := mem.ListSlots(context.Background(), 6)
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, "2025-04-28T10:00:00+00:00", slots[0].Start)
	assert.Equal(t, 1, emitter.count())
}

type solverFunc func(ctx context.Context, tasks []model.Task) ([]model.Slot, error)

func (f solverFunc) Solve(ctx context.Context, tasks []model.Task) ([]model.Slot, error) {
	return f(ctx, tasks)
}

func TestAsynchronousRequestReturnsBeforeFailure(t *testing.T) {
	st := store.NewMemoryStore()
	seedTask(t, st, 8)
	release := make(chan struct{})
	emitter := &countingEmitter{}
	c := NewCoordinator(st, solverFunc(func(context.Context, []model.Task) ([]model.Slot, error) {
		<-release
		return nil, errors.New("solver crashed")
	}), emitter, zerolog.Nop())

	require.NoError(t, c.RequestSchedule(context.Background(), 8, false))
	close(release)
	c.Dispatcher.(*GoroutineDispatcher).Wait()

	assert.Zero(t, emitter.count())
}

func TestAsynchronousRunIsNotCancelledByCaller(t *testing.T) {
	st := store.NewMemoryStore()
	seedTask(t, st, 8)
	emitter := &countingEmitter{}
	c := NewCoordinator(st, solverFunc(func(ctx context.Context, _ []model.Task) ([]model.Slot, error) {
		return []model.Slot{}, ctx.Err()
	}), emitter, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, c.RequestSchedule(ctx, 8, false))
	c.Dispatcher.(*GoroutineDispatcher).Wait()
	assert.Equal(t, 1, emitter.count())
}

type recordingPublisher struct {
	subject string
	payload []byte
	err     error
}

func (p *recordingPublisher) Publish(subject string, payload []byte) error {
	p.subject, p.payload = subject, payload
	return p.err
}

func TestJetStreamDispatcherPublishesJob(t *testing.T) {
	pub := &recordingPublisher{}
	d := NewJetStreamDispatcher(pub)
	d.NewID = func() string { return "job-1" }
	d.Now = func() time.Time { return time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC) }

	require.NoError(t, d.Dispatch(context.Background(), 42, "request"))
	assert.Equal(t, sharding.ScheduleSubject(42), pub.subject)

	var job contracts.ScheduleJob
	require.NoError(t, json.Unmarshal(pub.payload, &job))
	assert.Equal(t, contracts.ScheduleJob{JobID: "job-1", UserID: 42, Reason: "request", RequestedAt: d.Now()}, job)
}

type recordingDispatcher struct {
	mu    sync.Mutex
	users []int64
	err   error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, userID int64, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users = append(d.users, userID)
	return d.err
}

func TestFallbackDispatcher(t *testing.T) {
	primary := &recordingDispatcher{err: errors.New("nats down")}
	fallback := &recordingDispatcher{}
	d := FallbackDispatcher{Primary: primary, Fallback: fallback, Log: zerolog.Nop()}

	require.NoError(t, d.Dispatch(context.Background(), 3, "request"))
	assert.Equal(t, []int64{3}, primary.users)
	assert.Equal(t, []int64{3}, fallback.users)
}

type runnerFunc func(ctx context.Context, userID int64, mode string) error

func (f runnerFunc) Run(ctx context.Context, userID int64, mode string) error {
	return f(ctx, userID, mode)
}

func TestWorkerDispositions(t *testing.T) {
	job, err := json.Marshal(contracts.ScheduleJob{JobID: "j", UserID: 5})
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload []byte
		runErr  error
		want    Disposition
	}{
		{"ok", job, nil, Ack},
		{"garbage", []byte("{"), nil, Term},
		{"missing id", []byte(`{"user_id":5}`), nil, Term},
		{"solver", job, ErrSchedulingFailed, Term},
		{"storage", job, errors.New("replace slots: timeout"), Nak},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotUser int64
			w := NewWorker(runnerFunc(func(_ context.Context, userID int64, mode string) error {
				gotUser = userID
				assert.Equal(t, ModeAsync, mode)
				return tt.runErr
			}), zerolog.Nop())
			got, _ := w.Handle(context.Background(), tt.payload)
			assert.Equal(t, tt.want, got)
			if tt.want == Ack {
				assert.Equal(t, int64(5), gotUser)
			}
		})
	}
}

func TestRefresherTickDispatchesConnectedUsers(t *testing.T) {
	d := &recordingDispatcher{}
	r := NewRefresher(func() []int64 { return []int64{1, 2, 3} }, d, zerolog.Nop())
	assert.Equal(t, 3, r.Tick(context.Background()))
	assert.Equal(t, []int64{1, 2, 3}, d.users)

	d.err = errors.New("full")
	assert.Zero(t, r.Tick(context.Background()))
}

func TestRefresherRejectsBadSpec(t *testing.T) {
	r := NewRefresher(func() []int64 { return nil }, &recordingDispatcher{}, zerolog.Nop())
	assert.Error(t, r.Start("every now and then"))
	r.Stop()

	require.NoError(t, r.Start("@every 1h"))
	r.Stop()
}

func TestNoticeEmitterAndHandler(t *testing.T) {
	pub := &recordingPublisher{}
	NoticeEmitter{Conn: pub, Log: zerolog.Nop()}.Emit(context.Background(), 42)
	assert.Equal(t, sharding.StateSubject(42), pub.subject)

	emitter := &countingEmitter{}
	assert.True(t, HandleNotice(context.Background(), emitter, pub.subject))
	assert.False(t, HandleNotice(context.Background(), emitter, "app.state.nope"))
	assert.Equal(t, []int64{42}, emitter.users)
}
