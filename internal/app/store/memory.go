package store

import (
	"context"
	"sync"

	"github.com/schedge/backend/internal/app/model"
)

// MemoryStore keeps documents in process memory. Slot replacement happens
// under the store lock, so readers never see a partial slot set.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]memoryTask
	order []string
	slots map[int64][]model.Slot
}

type memoryTask struct {
	userID int64
	body   TaskBody
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: map[string]memoryTask{},
		slots: map[int64][]model.Slot{},
	}
}

func (s *MemoryStore) ListTasks(_ context.Context, userID int64) ([]model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Task, 0)
	for _, id := range s.order {
		doc := s.tasks[id]
		if doc.userID == userID {
			out = append(out, doc.body.task(id, int64Ptr(doc.userID)))
		}
	}
	return out, nil
}

func (s *MemoryStore) CountTasks(_ context.Context, userID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, doc := range s.tasks {
		if doc.userID == userID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) GetTask(_ context.Context, id string) (model.Task, error) {
	if _, err := ParseID(id); err != nil {
		return model.Task{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.tasks[id]
	if !ok {
		return model.Task{}, ErrNotFound
	}
	return doc.body.task(id, int64Ptr(doc.userID)), nil
}

func (s *MemoryStore) InsertTask(_ context.Context, task model.Task) (model.Task, error) {
	owner, _ := task.Owner()
	id := NewID()
	doc := memoryTask{userID: owner, body: bodyFromTask(task)}

	s.mu.Lock()
	s.tasks[id] = doc
	s.order = append(s.order, id)
	s.mu.Unlock()

	return doc.body.task(id, int64Ptr(owner)), nil
}

func (s *MemoryStore) ReplaceTask(_ context.Context, id string, task model.Task) (model.Task, error) {
	if _, err := ParseID(id); err != nil {
		return model.Task{}, err
	}
	owner, _ := task.Owner()
	doc := memoryTask{userID: owner, body: bodyFromTask(task)}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return model.Task{}, ErrNotFound
	}
	s.tasks[id] = doc
	return doc.body.task(id, int64Ptr(owner)), nil
}

func (s *MemoryStore) DeleteTask(_ context.Context, id string) error {
	if _, err := ParseID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(s.tasks, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) ListSlots(_ context.Context, userID int64) ([]model.Slot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Slot, len(s.slots[userID]))
	copy(out, s.slots[userID])
	return out, nil
}

func (s *MemoryStore) ReplaceAllSlots(_ context.Context, userID int64, slots []model.Slot) error {
	stored := make([]model.Slot, 0, len(slots))
	for i, slot := range slots {
		stored = append(stored, bodyFromSlot(userID, i, slot).slot(NewID()))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(stored) == 0 {
		delete(s.slots, userID)
		return nil
	}
	s.slots[userID] = stored
	return nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
