package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/schedge/backend/internal/app/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	tasksCollection = "tasks"
	slotsCollection = "slots"
)

// MongoStore persists tasks and slots in two collections of one database.
//
// ReplaceAllSlots is a delete-many followed by an insert-many without a
// transaction: a concurrent reader may briefly observe an empty slot set.
type MongoStore struct {
	tasks *mongo.Collection
	slots *mongo.Collection
	db    *mongo.Database
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		tasks: db.Collection(tasksCollection),
		slots: db.Collection(slotsCollection),
		db:    db,
	}
}

func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	if _, err := s.tasks.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "userId", Value: 1}},
	}); err != nil {
		return fmt.Errorf("tasks index: %w", err)
	}
	if _, err := s.slots.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "userId", Value: 1}, {Key: "position", Value: 1}},
	}); err != nil {
		return fmt.Errorf("slots index: %w", err)
	}
	return nil
}

func (s *MongoStore) ListTasks(ctx context.Context, userID int64) ([]model.Task, error) {
	cur, err := s.tasks.Find(ctx, bson.M{"userId": userID}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []taskDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]model.Task, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.task())
	}
	return out, nil
}

func (s *MongoStore) CountTasks(ctx context.Context, userID int64) (int64, error) {
	return s.tasks.CountDocuments(ctx, bson.M{"userId": userID})
}

func (s *MongoStore) GetTask(ctx context.Context, id string) (model.Task, error) {
	oid, err := ParseID(id)
	if err != nil {
		return model.Task{}, err
	}
	var doc taskDocument
	if err := s.tasks.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.Task{}, ErrNotFound
		}
		return model.Task{}, err
	}
	return doc.task(), nil
}

func (s *MongoStore) InsertTask(ctx context.Context, task model.Task) (model.Task, error) {
	owner, _ := task.Owner()
	doc := taskDocument{ID: primitive.NewObjectID(), UserID: owner, TaskBody: bodyFromTask(task)}
	if _, err := s.tasks.InsertOne(ctx, doc); err != nil {
		return model.Task{}, err
	}
	return doc.task(), nil
}

func (s *MongoStore) ReplaceTask(ctx context.Context, id string, task model.Task) (model.Task, error) {
	oid, err := ParseID(id)
	if err != nil {
		return model.Task{}, err
	}
	owner, _ := task.Owner()
	doc := taskDocument{ID: oid, UserID: owner, TaskBody: bodyFromTask(task)}
	res, err := s.tasks.ReplaceOne(ctx, bson.M{"_id": oid}, doc)
	if err != nil {
		return model.Task{}, err
	}
	if res.MatchedCount == 0 {
		return model.Task{}, ErrNotFound
	}
	return doc.task(), nil
}

func (s *MongoStore) DeleteTask(ctx context.Context, id string) error {
	oid, err := ParseID(id)
	if err != nil {
		return err
	}
	res, err := s.tasks.DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) ListSlots(ctx context.Context, userID int64) ([]model.Slot, error) {
	cur, err := s.slots.Find(ctx, bson.M{"userId": userID}, options.Find().SetSort(bson.D{{Key: "position", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []slotDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]model.Slot, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.SlotBody.slot(doc.ID.Hex()))
	}
	return out, nil
}

func (s *MongoStore) ReplaceAllSlots(ctx context.Context, userID int64, slots []model.Slot) error {
	if _, err := s.slots.DeleteMany(ctx, bson.M{"userId": userID}); err != nil {
		return fmt.Errorf("delete slots: %w", err)
	}
	if len(slots) == 0 {
		return nil
	}
	docs := make([]any, 0, len(slots))
	for i, slot := range slots {
		docs = append(docs, bodyFromSlot(userID, i, slot))
	}
	if _, err := s.slots.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("insert slots: %w", err)
	}
	return nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

func (d taskDocument) task() model.Task {
	return d.TaskBody.task(d.ID.Hex(), int64Ptr(d.UserID))
}
