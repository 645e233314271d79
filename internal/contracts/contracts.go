package contracts

import "time"

// ScheduleJob asks a scheduling worker to re-solve one user's slots.
// Published by the API on async requests and by the periodic refresher.
type ScheduleJob struct {
	JobID       string    `json:"job_id"`
	UserID      int64     `json:"user_id"`
	Reason      string    `json:"reason,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}
