package messaging

import (
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/schedge/backend/internal/sharding"
)

const (
	ScheduleStream = "SCHEDULE"
	ScheduleQueue  = "schedule-workers"

	scheduleMaxAge = time.Hour
)

// EnsureStreams creates (or validates) the stream holding scheduling jobs
// (app.schedule.>). Jobs are removed once acknowledged.
func EnsureStreams(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(ScheduleStream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return err
		}
		if _, addErr := js.AddStream(&nats.StreamConfig{
			Name:      ScheduleStream,
			Subjects:  []string{sharding.ScheduleSubjects},
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
			MaxAge:    scheduleMaxAge,
			Replicas:  1,
		}); addErr != nil {
			return addErr
		}
	}
	return nil
}
