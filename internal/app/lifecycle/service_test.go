package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/schedge/backend/internal/app/model"
	"github.com/schedge/backend/internal/app/store"
	"github.com/schedge/backend/internal/app/temporal"
	"github.com/schedge/backend/internal/app/validate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBroadcaster struct {
	mu        sync.Mutex
	snapshots []model.Snapshot
}

func (b *recordingBroadcaster) Broadcast(_ context.Context, _ int64, snapshot model.Snapshot) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots = append(b.snapshots, snapshot)
	return 1, nil
}

func (b *recordingBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.snapshots)
}

func (b *recordingBroadcaster) last() model.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshots[len(b.snapshots)-1]
}

type failingStore struct {
	*store.MemoryStore
	err error
}

func (s failingStore) InsertTask(context.Context, model.Task) (model.Task, error) {
	return model.Task{}, s.err
}

func (s failingStore) ReplaceTask(context.Context, string, model.Task) (model.Task, error) {
	return model.Task{}, s.err
}

func newService(t *testing.T) (*Service, *store.MemoryStore, *recordingBroadcaster) {
	t.Helper()
	st := store.NewMemoryStore()
	b := &recordingBroadcaster{}
	return NewService(st, temporal.NewNormalizer(zerolog.Nop()), validate.New(), b, zerolog.Nop()), st, b
}

func fixedTask(start, end string) model.Task {
	return model.Task{
		Type:  model.TypeFixed,
		Name:  "Walk",
		Color: "#3498DB",
		Fixed: &model.FixedSpec{Start: start, End: end},
	}
}

func TestCreateNormalizesStampsOwnerAndBroadcasts(t *testing.T) {
	svc, _, b := newService(t)
	task := fixedTask("2025-04-28T10:00:00Z", "2025-04-28T10:02:00Z")
	task.ID = "client-chosen"

	created, err := svc.Create(context.Background(), 42, task)
	require.NoError(t, err)

	assert.NotEqual(t, "client-chosen", created.ID)
	_, err = store.ParseID(created.ID)
	assert.NoError(t, err)
	owner, ok := created.Owner()
	require.True(t, ok)
	assert.Equal(t, int64(42), owner)
	assert.Equal(t, "2025-04-28T10:00:00+00:00", created.Fixed.Start)
	assert.Equal(t, "2025-04-28T10:05:00+00:00", created.Fixed.End)

	require.Equal(t, 1, b.count())
	snap := b.last()
	assert.Equal(t, int64(42), snap.UserID)
	require.Len(t, snap.Tasks, 1)
	assert.Equal(t, created.ID, snap.Tasks[0].ID)
	assert.Empty(t, snap.Slots)
}

func TestCreateRejectsUserMismatchButFillsAbsentOwner(t *testing.T) {
	svc, _, b := newService(t)
	task := fixedTask("2025-04-28T10:00:00Z", "2025-04-28T11:00:00Z").WithOwner(7)

	_, err := svc.Create(context.Background(), 42, task)
	assert.ErrorIs(t, err, ErrUserMismatch)
	assert.Zero(t, b.count())

	created, err := svc.Create(context.Background(), 7, task)
	require.NoError(t, err)
	owner, _ := created.Owner()
	assert.Equal(t, int64(7), owner)
}

func TestCreateRejectsInvalidTaskWithoutMutation(t *testing.T) {
	svc, st, b := newService(t)
	task := fixedTask("2025-04-28T10:00:00Z", "2025-04-28T11:00:00Z")
	task.Color = "blue"

	_, err := svc.Create(context.Background(), 1, task)
	var verr *validate.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "color", verr.Field)

	n, err := st.CountTasks(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, b.count())
}

func TestCreateEnforcesPerUserCap(t *testing.T) {
	svc, _, b := newService(t)
	svc.MaxTasks = 3
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := svc.Create(ctx, 1, fixedTask("2025-04-28T10:00:00Z", "2025-04-28T11:00:00Z"))
		require.NoError(t, err)
	}

	_, err := svc.Create(ctx, 1, fixedTask("2025-04-28T10:00:00Z", "2025-04-28T11:00:00Z"))
	assert.ErrorIs(t, err, ErrTaskLimit)
	assert.Equal(t, 3, b.count())

	_, err = svc.Create(ctx, 2, fixedTask("2025-04-28T10:00:00Z", "2025-04-28T11:00:00Z"))
	assert.NoError(t, err)
}

func TestDefaultCapIsFiveHundred(t *testing.T) {
	svc, _, _ := newService(t)
	assert.Equal(t, int64(500), svc.maxTasks())
}

func TestUpdateReplacesOwnTask(t *testing.T) {
	svc, _, b := newService(t)
	ctx := context.Background()
	created, err := svc.Create(ctx, 1, fixedTask("2025-04-28T10:00:00Z", "2025-04-28T11:00:00Z"))
	require.NoError(t, err)

	change := created
	change.Name = "Run"
	change.UserID = nil
	updated, err := svc.Update(ctx, 1, created.ID, change)
	require.NoError(t, err)
	assert.Equal(t, "Run", updated.Name)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, 2, b.count())

	got, err := svc.Get(ctx, 1, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Run", got.Name)
}

func TestOwnershipMismatchIsReportedAsNotFound(t *testing.T) {
	svc, _, b := newService(t)
	ctx := context.Background()
	created, err := svc.Create(ctx, 1, fixedTask("2025-04-28T10:00:00Z", "2025-04-28T11:00:00Z"))
	require.NoError(t, err)

	_, err = svc.Get(ctx, 2, created.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = svc.Update(ctx, 2, created.ID, fixedTask("2025-04-28T10:00:00Z", "2025-04-28T11:00:00Z"))
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, svc.Delete(ctx, 2, created.ID), store.ErrNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, 1, store.NewID()), store.ErrNotFound)
	assert.Equal(t, 1, b.count())

	_, err = svc.Get(ctx, 1, created.ID)
	assert.NoError(t, err)
}

func TestMalformedIdentifiersAreClientErrors(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Get(ctx, 1, "nope")
	assert.ErrorIs(t, err, store.ErrInvalidID)
	_, err = svc.Update(ctx, 1, "nope", fixedTask("2025-04-28T10:00:00Z", "2025-04-28T11:00:00Z"))
	assert.ErrorIs(t, err, store.ErrInvalidID)
	assert.ErrorIs(t, svc.Delete(ctx, 1, "nope"), store.ErrInvalidID)
}

func TestDeleteBroadcastsPostDeleteSnapshot(t *testing.T) {
	svc, _, b := newService(t)
	ctx := context.Background()
	a, err := svc.Create(ctx, 1, fixedTask("2025-04-28T10:00:00Z", "2025-04-28T11:00:00Z"))
	require.NoError(t, err)
	_, err = svc.Create(ctx, 1, fixedTask("2025-04-28T12:00:00Z", "2025-04-28T13:00:00Z"))
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, 1, a.ID))
	require.Equal(t, 3, b.count())
	snap := b.last()
	require.Len(t, snap.Tasks, 1)
	assert.NotEqual(t, a.ID, snap.Tasks[0].ID)
}

func TestStorageFailureNeverBroadcasts(t *testing.T) {
	mem := store.NewMemoryStore()
	b := &recordingBroadcaster{}
	boom := errors.New("connection reset")
	svc := NewService(failingStore{MemoryStore: mem, err: boom}, temporal.NewNormalizer(zerolog.Nop()), validate.New(), b, zerolog.Nop())

	_, err := svc.Create(context.Background(), 1, fixedTask("2025-04-28T10:00:00Z", "2025-04-28T11:00:00Z"))
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, b.count())

	existing, err := mem.InsertTask(context.Background(), fixedTask("2025-04-28T10:00:00Z", "2025-04-28T11:00:00Z").WithOwner(1))
	require.NoError(t, err)
	_, err = svc.Update(context.Background(), 1, existing.ID, fixedTask("2025-04-28T10:00:00Z", "2025-04-28T11:00:00Z"))
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, b.count())
}

func TestStateReturnsTasksAndSlots(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()
	created, err := svc.Create(ctx, 3, fixedTask("2025-04-28T10:00:00Z", "2025-04-28T11:00:00Z"))
	require.NoError(t, err)
	require.NoError(t, st.ReplaceAllSlots(ctx, 3, []model.Slot{{Start: created.Fixed.Start, End: created.Fixed.End, Task: created}}))

	snap, err := svc.State(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, snap.Tasks, 1)
	assert.Len(t, snap.Slots, 1)

	slots, err := svc.ListSlots(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, slots, 1)
}
