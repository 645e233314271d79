// Package registry tracks the live push channels of each user and fans
// snapshots out to them.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/schedge/backend/internal/app/model"
	"github.com/schedge/backend/internal/platform/metrics"
)

// Channel is one live push connection. Send must return once the message is
// written or the channel has failed; the registry drops a channel after its
// first failed send.
type Channel interface {
	Send(ctx context.Context, payload []byte) error
}

type Registry struct {
	Log zerolog.Logger

	mu     sync.Mutex
	byUser map[int64]map[string]Channel
	total  int
}

func New(log zerolog.Logger) *Registry {
	return &Registry{
		Log:    log,
		byUser: map[int64]map[string]Channel{},
	}
}

// Register adds ch under connID. Registering the same connID again replaces
// the channel without changing the connection count.
func (r *Registry) Register(userID int64, connID string, ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.byUser[userID]
	if !ok {
		conns = map[string]Channel{}
		r.byUser[userID] = conns
	}
	if _, exists := conns[connID]; !exists {
		r.total++
		metrics.LiveConnections.Inc()
	}
	conns[connID] = ch
}

// Unregister removes connID and drops the user entry once it is empty.
func (r *Registry) Unregister(userID int64, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(userID, connID, nil)
}

// removeLocked deletes connID; when only is non-nil the entry is removed
// only if it still holds that channel.
func (r *Registry) removeLocked(userID int64, connID string, only Channel) bool {
	conns, ok := r.byUser[userID]
	if !ok {
		return false
	}
	current, ok := conns[connID]
	if !ok || (only != nil && current != only) {
		return false
	}
	delete(conns, connID)
	r.total--
	metrics.LiveConnections.Dec()
	if len(conns) == 0 {
		delete(r.byUser, userID)
	}
	return true
}

// Broadcast serializes snapshot once and sends it to every channel of the
// user. Sends happen outside the lock; a failing channel is unregistered and
// the remaining channels still receive the message. It returns the number of
// successful deliveries.
func (r *Registry) Broadcast(ctx context.Context, userID int64, snapshot model.Snapshot) (int, error) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return 0, fmt.Errorf("encode snapshot: %w", err)
	}

	type target struct {
		id string
		ch Channel
	}
	r.mu.Lock()
	targets := make([]target, 0, len(r.byUser[userID]))
	for id, ch := range r.byUser[userID] {
		targets = append(targets, target{id: id, ch: ch})
	}
	r.mu.Unlock()

	delivered := 0
	for _, t := range targets {
		if err := t.ch.Send(ctx, payload); err != nil {
			metrics.Broadcasts.WithLabelValues(metrics.OutcomeError).Inc()
			r.Log.Error().Err(err).Int64("user_id", userID).Str("conn_id", t.id).Msg("broadcast send failed, dropping channel")
			r.mu.Lock()
			r.removeLocked(userID, t.id, t.ch)
			r.mu.Unlock()
			continue
		}
		metrics.Broadcasts.WithLabelValues(metrics.OutcomeOK).Inc()
		delivered++
	}
	return delivered, nil
}

// Users returns the users holding at least one channel, in ascending order.
func (r *Registry) Users() []int64 {
	r.mu.Lock()
	users := make([]int64, 0, len(r.byUser))
	for userID := range r.byUser {
		users = append(users, userID)
	}
	r.mu.Unlock()
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

// Connections returns the number of channels registered for userID.
func (r *Registry) Connections(userID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser[userID])
}

// Total returns the number of registered channels across all users.
func (r *Registry) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}
