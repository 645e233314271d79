package store

import (
	"github.com/schedge/backend/internal/app/model"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// TaskBody is the persisted task without its identifier and owner. It is
// exported so the bson codec can inline it into the Mongo documents.
type TaskBody struct {
	Type         string      `bson:"type" json:"type"`
	Name         string      `bson:"name" json:"name"`
	Description  *string     `bson:"description" json:"description"`
	Color        string      `bson:"color" json:"color"`
	Leisure      bool        `bson:"leisure" json:"leisure"`
	Dependencies []string    `bson:"dependencies" json:"dependencies"`
	Nonce        int64       `bson:"nonce" json:"nonce"`
	Start        string      `bson:"start,omitempty" json:"start,omitempty"`
	End          string      `bson:"end,omitempty" json:"end,omitempty"`
	Kickoff      string      `bson:"kickoff,omitempty" json:"kickoff,omitempty"`
	Deadline     string      `bson:"deadline,omitempty" json:"deadline,omitempty"`
	Duration     string      `bson:"duration,omitempty" json:"duration,omitempty"`
	Timings      *timingsDoc `bson:"timings,omitempty" json:"timings,omitempty"`
}

type timingsDoc struct {
	Work                string `bson:"work" json:"work"`
	SmallBreak          string `bson:"smallBreak" json:"smallBreak"`
	BigBreak            string `bson:"bigBreak" json:"bigBreak"`
	NumberOfSmallBreaks int    `bson:"numberOfSmallBreaks" json:"numberOfSmallBreaks"`
}

// taskDocument is the Mongo form of a task.
type taskDocument struct {
	ID       primitive.ObjectID `bson:"_id,omitempty"`
	UserID   int64              `bson:"userId"`
	TaskBody `bson:",inline"`
}

// slotTask keeps the referenced task in wire form inside a slot document.
type slotTask struct {
	ID       string `bson:"id" json:"id"`
	UserID   *int64 `bson:"userId,omitempty" json:"userId,omitempty"`
	TaskBody `bson:",inline"`
}

// SlotBody is the persisted slot without its identifier.
type SlotBody struct {
	UserID   int64    `bson:"userId" json:"userId"`
	Position int      `bson:"position" json:"position"`
	Start    string   `bson:"start" json:"start"`
	End      string   `bson:"end" json:"end"`
	Task     slotTask `bson:"task" json:"task"`
}

type slotDocument struct {
	ID       primitive.ObjectID `bson:"_id,omitempty"`
	SlotBody `bson:",inline"`
}

func bodyFromTask(t model.Task) TaskBody {
	b := TaskBody{
		Type:         string(t.Type),
		Name:         t.Name,
		Description:  t.Description,
		Color:        t.Color,
		Leisure:      t.Leisure,
		Dependencies: t.Dependencies,
		Nonce:        t.Nonce,
	}
	if b.Dependencies == nil {
		b.Dependencies = []string{}
	}
	switch t.Type {
	case model.TypeFixed:
		if f := t.Fixed; f != nil {
			b.Start, b.End = f.Start, f.End
		}
	case model.TypeContinuous:
		if c := t.Continuous; c != nil {
			b.Kickoff, b.Deadline, b.Duration = c.Kickoff, c.Deadline, c.Duration
		}
	case model.TypeProject:
		if p := t.Project; p != nil {
			b.Kickoff, b.Deadline, b.Duration = p.Kickoff, p.Deadline, p.Duration
			if tm := p.Timings; tm != nil {
				b.Timings = &timingsDoc{
					Work:                tm.Work,
					SmallBreak:          tm.SmallBreak,
					BigBreak:            tm.BigBreak,
					NumberOfSmallBreaks: tm.NumberOfSmallBreaks,
				}
			}
		}
	}
	return b
}

func (b TaskBody) task(id string, userID *int64) model.Task {
	t := model.Task{
		ID:           id,
		UserID:       userID,
		Type:         model.Type(b.Type),
		Name:         b.Name,
		Description:  b.Description,
		Color:        b.Color,
		Leisure:      b.Leisure,
		Dependencies: b.Dependencies,
		Nonce:        b.Nonce,
	}
	if t.Dependencies == nil {
		t.Dependencies = []string{}
	}
	switch t.Type {
	case model.TypeFixed:
		t.Fixed = &model.FixedSpec{Start: b.Start, End: b.End}
	case model.TypeContinuous:
		t.Continuous = &model.ContinuousSpec{Kickoff: b.Kickoff, Deadline: b.Deadline, Duration: b.Duration}
	case model.TypeProject:
		t.Project = &model.ProjectSpec{Kickoff: b.Kickoff, Deadline: b.Deadline, Duration: b.Duration}
		if b.Timings != nil {
			t.Project.Timings = &model.Timings{
				Work:                b.Timings.Work,
				SmallBreak:          b.Timings.SmallBreak,
				BigBreak:            b.Timings.BigBreak,
				NumberOfSmallBreaks: b.Timings.NumberOfSmallBreaks,
			}
		}
	}
	return t
}

func bodyFromSlot(userID int64, position int, s model.Slot) SlotBody {
	return SlotBody{
		UserID:   userID,
		Position: position,
		Start:    s.Start,
		End:      s.End,
		Task: slotTask{
			ID:       s.Task.ID,
			UserID:   s.Task.UserID,
			TaskBody: bodyFromTask(s.Task),
		},
	}
}

func (b SlotBody) slot(id string) model.Slot {
	return model.Slot{
		ID:     id,
		UserID: b.UserID,
		Start:  b.Start,
		End:    b.End,
		Task:   b.Task.task(b.Task.ID, b.Task.UserID),
	}
}

func int64Ptr(v int64) *int64 {
	return &v
}
