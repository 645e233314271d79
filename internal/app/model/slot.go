package model

// Slot is a solver-computed placement of a task onto a concrete interval.
// The full slot set of a user is replaced as a unit and never patched.
type Slot struct {
	ID     string `json:"id"`
	UserID int64  `json:"userId"`
	Start  string `json:"start" validate:"required,isodatetime"`
	End    string `json:"end" validate:"required,isodatetime"`
	Task   Task   `json:"task" validate:"-"`
}

// Snapshot is the full task and slot state of one user, the unit of every
// broadcast and of GET state.
type Snapshot struct {
	UserID int64  `json:"userId"`
	Tasks  []Task `json:"tasks"`
	Slots  []Slot `json:"slots"`
}

// NewSnapshot never yields null lists on the wire.
func NewSnapshot(userID int64, tasks []Task, slots []Slot) Snapshot {
	if tasks == nil {
		tasks = []Task{}
	}
	if slots == nil {
		slots = []Slot{}
	}
	return Snapshot{UserID: userID, Tasks: tasks, Slots: slots}
}
