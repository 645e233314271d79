package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/schedge/backend/internal/app/model"
)

const createTasksTableSQL = `
CREATE TABLE IF NOT EXISTS tasks (
  id text PRIMARY KEY,
  user_id bigint NOT NULL,
  doc jsonb NOT NULL,
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now()
)`

const createTasksUserIndexSQL = `
CREATE INDEX IF NOT EXISTS tasks_user_id_idx ON tasks (user_id, created_at)`

const createSlotsTableSQL = `
CREATE TABLE IF NOT EXISTS slots (
  id text PRIMARY KEY,
  user_id bigint NOT NULL,
  position integer NOT NULL,
  doc jsonb NOT NULL
)`

const createSlotsUserIndexSQL = `
CREATE INDEX IF NOT EXISTS slots_user_id_idx ON slots (user_id, position)`

const insertTaskSQL = `
INSERT INTO tasks (id, user_id, doc)
VALUES ($1, $2, $3)
`

const replaceTaskSQL = `
UPDATE tasks
SET user_id = $2,
    doc = $3,
    updated_at = now()
WHERE id = $1
`

const insertSlotSQL = `
INSERT INTO slots (id, user_id, position, doc)
VALUES ($1, $2, $3, $4)
`

// PostgresStore keeps each task and slot as a JSONB document keyed by a
// store-generated identifier. Slot replacement runs in one transaction, so
// concurrent readers see either the old or the new slot set.
type PostgresStore struct {
	Pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{
		createTasksTableSQL,
		createTasksUserIndexSQL,
		createSlotsTableSQL,
		createSlotsUserIndexSQL,
	} {
		if _, err := s.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, userID int64) ([]model.Task, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT id, user_id, doc
		 FROM tasks
		 WHERE user_id = $1
		 ORDER BY created_at, id`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]model.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PostgresStore) CountTasks(ctx context.Context, userID int64) (int64, error) {
	var n int64
	err := s.Pool.QueryRow(ctx, `SELECT count(*) FROM tasks WHERE user_id = $1`, userID).Scan(&n)
	return n, err
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (model.Task, error) {
	if _, err := ParseID(id); err != nil {
		return model.Task{}, err
	}
	task, err := scanTask(s.Pool.QueryRow(ctx,
		`SELECT id, user_id, doc
		 FROM tasks
		 WHERE id = $1`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Task{}, ErrNotFound
		}
		return model.Task{}, err
	}
	return task, nil
}

func (s *PostgresStore) InsertTask(ctx context.Context, task model.Task) (model.Task, error) {
	owner, _ := task.Owner()
	body := bodyFromTask(task)
	doc, err := json.Marshal(body)
	if err != nil {
		return model.Task{}, fmt.Errorf("encode task: %w", err)
	}
	id := NewID()
	if _, err := s.Pool.Exec(ctx, insertTaskSQL, id, owner, string(doc)); err != nil {
		return model.Task{}, err
	}
	return body.task(id, int64Ptr(owner)), nil
}

func (s *PostgresStore) ReplaceTask(ctx context.Context, id string, task model.Task) (model.Task, error) {
	if _, err := ParseID(id); err != nil {
		return model.Task{}, err
	}
	owner, _ := task.Owner()
	body := bodyFromTask(task)
	doc, err := json.Marshal(body)
	if err != nil {
		return model.Task{}, fmt.Errorf("encode task: %w", err)
	}
	tag, err := s.Pool.Exec(ctx, replaceTaskSQL, id, owner, string(doc))
	if err != nil {
		return model.Task{}, err
	}
	if tag.RowsAffected() == 0 {
		return model.Task{}, ErrNotFound
	}
	return body.task(id, int64Ptr(owner)), nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, id string) error {
	if _, err := ParseID(id); err != nil {
		return err
	}
	tag, err := s.Pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListSlots(ctx context.Context, userID int64) ([]model.Slot, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT id, doc
		 FROM slots
		 WHERE user_id = $1
		 ORDER BY position`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]model.Slot, 0)
	for rows.Next() {
		var (
			id  string
			doc []byte
		)
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, err
		}
		var body SlotBody
		if err := json.Unmarshal(doc, &body); err != nil {
			return nil, fmt.Errorf("decode slot %s: %w", id, err)
		}
		result = append(result, body.slot(id))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PostgresStore) ReplaceAllSlots(ctx context.Context, userID int64, slots []model.Slot) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM slots WHERE user_id = $1`, userID); err != nil {
		return err
	}

	if len(slots) > 0 {
		batch := &pgx.Batch{}
		for i, slot := range slots {
			doc, err := json.Marshal(bodyFromSlot(userID, i, slot))
			if err != nil {
				return fmt.Errorf("encode slot %d: %w", i, err)
			}
			batch.Queue(insertSlotSQL, NewID(), userID, i, string(doc))
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

func scanTask(row pgx.Row) (model.Task, error) {
	var (
		id     string
		userID int64
		doc    []byte
	)
	if err := row.Scan(&id, &userID, &doc); err != nil {
		return model.Task{}, err
	}
	var body TaskBody
	if err := json.Unmarshal(doc, &body); err != nil {
		return model.Task{}, fmt.Errorf("decode task %s: %w", id, err)
	}
	return body.task(id, int64Ptr(userID)), nil
}
