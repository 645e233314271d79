// Package store translates between the wire form of tasks and slots (string
// "id") and their persisted documents (store-generated "_id"), and exposes
// the user-scoped queries the coordinators need.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/schedge/backend/internal/app/model"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrInvalidID = errors.New("invalid identifier")
)

// Store is the document-store collaborator. Implementations must be safe for
// concurrent use; each single-document operation is atomic on its own.
type Store interface {
	ListTasks(ctx context.Context, userID int64) ([]model.Task, error)
	CountTasks(ctx context.Context, userID int64) (int64, error)
	GetTask(ctx context.Context, id string) (model.Task, error)
	// InsertTask assigns a new identifier, ignoring task.ID.
	InsertTask(ctx context.Context, task model.Task) (model.Task, error)
	ReplaceTask(ctx context.Context, id string, task model.Task) (model.Task, error)
	DeleteTask(ctx context.Context, id string) error
	ListSlots(ctx context.Context, userID int64) ([]model.Slot, error)
	// ReplaceAllSlots drops every slot of userID and inserts slots in order.
	// Whether readers can observe the intermediate empty set depends on the
	// implementation; see each one.
	ReplaceAllSlots(ctx context.Context, userID int64, slots []model.Slot) error
	Ping(ctx context.Context) error
}

// ParseID validates the shape of a client-supplied identifier.
func ParseID(id string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return oid, nil
}

// NewID returns a fresh store identifier in wire form.
func NewID() string {
	return primitive.NewObjectID().Hex()
}

// Snapshot reads the full current state of one user.
func Snapshot(ctx context.Context, s Store, userID int64) (model.Snapshot, error) {
	tasks, err := s.ListTasks(ctx, userID)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("list tasks: %w", err)
	}
	slots, err := s.ListSlots(ctx, userID)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("list slots: %w", err)
	}
	return model.NewSnapshot(userID, tasks, slots), nil
}
