package model

import (
	"encoding/json"
	"fmt"
)

type Type string

const (
	TypeFixed      Type = "fixed"
	TypeContinuous Type = "continuous"
	TypeProject    Type = "project"
)

// Known reports whether t is one of the closed set of task variants.
func (t Type) Known() bool {
	switch t {
	case TypeFixed, TypeContinuous, TypeProject:
		return true
	default:
		return false
	}
}

// Field names one temporal wire field of a task.
type Field uint16

const (
	FieldStart Field = 1 << iota
	FieldEnd
	FieldKickoff
	FieldDeadline
	FieldDuration
	FieldWork
	FieldSmallBreak
	FieldBigBreak
)

// Task is a user-owned schedulable unit. Exactly one of Fixed, Continuous or
// Project is set when Type is known; for an unknown Type none of them is.
//
// Variant fields are plain strings. Present records which temporal keys were
// sent on the wire, so a present empty value can be told apart from an
// absent one; tasks built in code leave it zero and treat "" as absent.
type Task struct {
	ID           string   `validate:"-"`
	UserID       *int64   `validate:"-"`
	Type         Type     `validate:"required"`
	Name         string   `validate:"required"`
	Description  *string  `validate:"-"`
	Color        string   `validate:"required,hexcolor"`
	Leisure      bool     `validate:"-"`
	Dependencies []string `validate:"dive,required"`
	Nonce        int64    `validate:"-"`
	Present      Field    `validate:"-"`

	Fixed      *FixedSpec      `validate:"-"`
	Continuous *ContinuousSpec `validate:"-"`
	Project    *ProjectSpec    `validate:"-"`
}

type FixedSpec struct {
	Start string `validate:"required,isodatetime"`
	End   string `validate:"required,isodatetime"`
}

type ContinuousSpec struct {
	Kickoff  string `validate:"required,isodatetime"`
	Deadline string `validate:"required,isodatetime"`
	Duration string `validate:"required,isoduration"`
}

type ProjectSpec struct {
	Kickoff  string   `validate:"required,isodatetime"`
	Deadline string   `validate:"required,isodatetime"`
	Duration string   `validate:"required,isoduration"`
	Timings  *Timings `validate:"required"`
}

// Timings is the Pomodoro-style work/break decomposition of a project.
type Timings struct {
	Work                string `json:"work" validate:"required,isoduration"`
	SmallBreak          string `json:"smallBreak" validate:"required,isoduration"`
	BigBreak            string `json:"bigBreak" validate:"required,isoduration"`
	NumberOfSmallBreaks int    `json:"numberOfSmallBreaks" validate:"gte=0"`
}

// Has reports whether f was present on the wire.
func (t Task) Has(f Field) bool {
	return t.Present&f != 0
}

// Owner returns the owning user and whether one is set.
func (t Task) Owner() (int64, bool) {
	if t.UserID == nil {
		return 0, false
	}
	return *t.UserID, true
}

// WithOwner returns a copy of t owned by userID.
func (t Task) WithOwner(userID int64) Task {
	id := userID
	t.UserID = &id
	return t
}

// Clone returns a deep copy so normalization never aliases caller state.
func (t Task) Clone() Task {
	out := t
	if t.UserID != nil {
		id := *t.UserID
		out.UserID = &id
	}
	if t.Description != nil {
		d := *t.Description
		out.Description = &d
	}
	if t.Dependencies != nil {
		out.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.Fixed != nil {
		f := *t.Fixed
		out.Fixed = &f
	}
	if t.Continuous != nil {
		c := *t.Continuous
		out.Continuous = &c
	}
	if t.Project != nil {
		p := *t.Project
		if t.Project.Timings != nil {
			tm := *t.Project.Timings
			p.Timings = &tm
		}
		out.Project = &p
	}
	return out
}

// wireTask is the flat JSON shape shared by clients, the store and the solver.
type wireTask struct {
	ID           string   `json:"id"`
	UserID       *int64   `json:"userId,omitempty"`
	Type         Type     `json:"type"`
	Name         string   `json:"name"`
	Description  *string  `json:"description"`
	Color        string   `json:"color"`
	Leisure      bool     `json:"leisure"`
	Dependencies []string `json:"dependencies"`
	Nonce        int64    `json:"nonce"`
	Start        string   `json:"start,omitempty"`
	End          string   `json:"end,omitempty"`
	Kickoff      string   `json:"kickoff,omitempty"`
	Deadline     string   `json:"deadline,omitempty"`
	Duration     string   `json:"duration,omitempty"`
	Timings      *Timings `json:"timings,omitempty"`
}

func (t Task) MarshalJSON() ([]byte, error) {
	w := wireTask{
		ID:           t.ID,
		UserID:       t.UserID,
		Type:         t.Type,
		Name:         t.Name,
		Description:  t.Description,
		Color:        t.Color,
		Leisure:      t.Leisure,
		Dependencies: t.Dependencies,
		Nonce:        t.Nonce,
	}
	if w.Dependencies == nil {
		w.Dependencies = []string{}
	}
	switch t.Type {
	case TypeFixed:
		if t.Fixed != nil {
			w.Start, w.End = t.Fixed.Start, t.Fixed.End
		}
	case TypeContinuous:
		if t.Continuous != nil {
			w.Kickoff, w.Deadline, w.Duration = t.Continuous.Kickoff, t.Continuous.Deadline, t.Continuous.Duration
		}
	case TypeProject:
		if t.Project != nil {
			w.Kickoff, w.Deadline, w.Duration = t.Project.Kickoff, t.Project.Deadline, t.Project.Duration
			w.Timings = t.Project.Timings
		}
	}
	return json.Marshal(w)
}

// wirePresence mirrors the temporal keys of wireTask; a nil pointer means
// the key was missing or null.
type wirePresence struct {
	Start    *string `json:"start"`
	End      *string `json:"end"`
	Kickoff  *string `json:"kickoff"`
	Deadline *string `json:"deadline"`
	Duration *string `json:"duration"`
	Timings  *struct {
		Work       *string `json:"work"`
		SmallBreak *string `json:"smallBreak"`
		BigBreak   *string `json:"bigBreak"`
	} `json:"timings"`
}

func (p wirePresence) fields() Field {
	var f Field
	mark := func(v *string, field Field) {
		if v != nil {
			f |= field
		}
	}
	mark(p.Start, FieldStart)
	mark(p.End, FieldEnd)
	mark(p.Kickoff, FieldKickoff)
	mark(p.Deadline, FieldDeadline)
	mark(p.Duration, FieldDuration)
	if tm := p.Timings; tm != nil {
		mark(tm.Work, FieldWork)
		mark(tm.SmallBreak, FieldSmallBreak)
		mark(tm.BigBreak, FieldBigBreak)
	}
	return f
}

func (t *Task) UnmarshalJSON(data []byte) error {
	var w wireTask
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode task: %w", err)
	}
	var p wirePresence
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode task: %w", err)
	}
	*t = Task{
		ID:           w.ID,
		UserID:       w.UserID,
		Type:         w.Type,
		Name:         w.Name,
		Description:  w.Description,
		Color:        w.Color,
		Leisure:      w.Leisure,
		Dependencies: w.Dependencies,
		Nonce:        w.Nonce,
		Present:      p.fields(),
	}
	switch w.Type {
	case TypeFixed:
		t.Fixed = &FixedSpec{Start: w.Start, End: w.End}
	case TypeContinuous:
		t.Continuous = &ContinuousSpec{Kickoff: w.Kickoff, Deadline: w.Deadline, Duration: w.Duration}
	case TypeProject:
		t.Project = &ProjectSpec{Kickoff: w.Kickoff, Deadline: w.Deadline, Duration: w.Duration, Timings: w.Timings}
	}
	return nil
}
