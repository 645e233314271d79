package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/schedge/backend/internal/app/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	mu   sync.Mutex
	sent [][]byte
	err  error
}

func (c *fakeChannel) Send(_ context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, payload)
	return nil
}

func (c *fakeChannel) messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func snapshot(userID int64) model.Snapshot {
	return model.NewSnapshot(userID, nil, nil)
}

func TestRegisterIsIdempotentPerConnection(t *testing.T) {
	r := New(zerolog.Nop())
	ch := &fakeChannel{}
	r.Register(1, "c1", ch)
	r.Register(1, "c1", ch)

	assert.Equal(t, 1, r.Connections(1))
	assert.Equal(t, 1, r.Total())

	n, err := r.Broadcast(context.Background(), 1, snapshot(1))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, ch.messages(), 1)
}

func TestUnregisterDropsEmptyUsers(t *testing.T) {
	r := New(zerolog.Nop())
	r.Register(1, "c1", &fakeChannel{})
	r.Register(1, "c2", &fakeChannel{})
	r.Register(2, "c3", &fakeChannel{})

	r.Unregister(1, "c1")
	assert.Equal(t, []int64{1, 2}, r.Users())
	r.Unregister(1, "c2")
	assert.Equal(t, []int64{2}, r.Users())
	r.Unregister(1, "missing")
	r.Unregister(9, "missing")
	assert.Equal(t, 1, r.Total())
}

func TestBroadcastSendsSnapshotOnlyToThatUser(t *testing.T) {
	r := New(zerolog.Nop())
	mine, other := &fakeChannel{}, &fakeChannel{}
	r.Register(1, "a", mine)
	r.Register(2, "b", other)

	snap := model.NewSnapshot(1, []model.Task{{ID: "t1", Type: model.TypeFixed, Name: "Walk", Color: "#FFFFFF",
		Fixed: &model.FixedSpec{Start: "2025-04-28T10:00:00+00:00", End: "2025-04-28T10:05:00+00:00"}}}, nil)
	_, err := r.Broadcast(context.Background(), 1, snap)
	require.NoError(t, err)

	require.Len(t, mine.messages(), 1)
	assert.Empty(t, other.messages())

	var got map[string]any
	require.NoError(t, json.Unmarshal(mine.messages()[0], &got))
	assert.EqualValues(t, 1, got["userId"])
	assert.Len(t, got["tasks"], 1)
	assert.Equal(t, []any{}, got["slots"])
}

func TestBroadcastIsolatesFailedChannels(t *testing.T) {
	r := New(zerolog.Nop())
	good1, bad, good2 := &fakeChannel{}, &fakeChannel{err: errors.New("broken pipe")}, &fakeChannel{}
	r.Register(1, "good1", good1)
	r.Register(1, "bad", bad)
	r.Register(1, "good2", good2)

	n, err := r.Broadcast(context.Background(), 1, snapshot(1))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, good1.messages(), 1)
	assert.Len(t, good2.messages(), 1)
	assert.Equal(t, 2, r.Connections(1))

	n, err = r.Broadcast(context.Background(), 1, snapshot(1))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestFailedSendDoesNotDropReplacementChannel(t *testing.T) {
	r := New(zerolog.Nop())
	bad := &fakeChannel{err: errors.New("closed")}
	r.Register(1, "c", bad)

	replacement := &fakeChannel{}
	r.mu.Lock()
	removed := r.removeLocked(1, "c", replacement)
	r.mu.Unlock()
	assert.False(t, removed)

	r.Register(1, "c", replacement)
	_, err := r.Broadcast(context.Background(), 1, snapshot(1))
	require.NoError(t, err)
	assert.Equal(t, 1, r.Connections(1))
}

func TestBroadcastWithoutChannels(t *testing.T) {
	r := New(zerolog.Nop())
	n, err := r.Broadcast(context.Background(), 5, snapshot(5))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, r.Users())
}

func TestConcurrentRegisterUnregisterBroadcast(t *testing.T) {
	r := New(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := fmt.Sprintf("w%d-%d", worker, j)
				r.Register(1, id, &fakeChannel{})
				_, _ = r.Broadcast(context.Background(), 1, snapshot(1))
				r.Unregister(1, id)
			}
		}(i)
	}
	wg.Wait()
	assert.Zero(t, r.Total())
	assert.Empty(t, r.Users())
}
