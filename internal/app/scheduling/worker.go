package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/schedge/backend/internal/contracts"
	"github.com/schedge/backend/internal/sharding"
)

var ErrInvalidJob = errors.New("invalid schedule job payload")

// Disposition is what a consumer does with a job message after handling it.
type Disposition int

const (
	Ack Disposition = iota
	// Term drops the message: retrying cannot help.
	Term
	// Nak asks for redelivery.
	Nak
)

const defaultJobTimeout = 2 * time.Minute

// Worker consumes ScheduleJob messages and runs them like synchronous
// requests. Invalid payloads and solver failures are terminated; storage
// failures are redelivered.
type Worker struct {
	Runner  Runner
	Log     zerolog.Logger
	Timeout time.Duration
}

func NewWorker(r Runner, log zerolog.Logger) *Worker {
	return &Worker{Runner: r, Log: log, Timeout: defaultJobTimeout}
}

func (w *Worker) Handle(ctx context.Context, payload []byte) (Disposition, error) {
	var job contracts.ScheduleJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return Term, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if job.JobID == "" {
		return Term, fmt.Errorf("%w: missing job_id", ErrInvalidJob)
	}

	if err := w.Runner.Run(ctx, job.UserID, ModeAsync); err != nil {
		if errors.Is(err, ErrSchedulingFailed) {
			return Term, err
		}
		return Nak, err
	}
	return Ack, nil
}

// Subscribe attaches the worker to every schedule subject as a member of
// the durable queue group.
func (w *Worker) Subscribe(ctx context.Context, js nats.JetStreamContext, queue string) (*nats.Subscription, error) {
	return js.QueueSubscribe(sharding.ScheduleSubjects, queue, func(msg *nats.Msg) {
		jobCtx, cancel := context.WithTimeout(ctx, w.timeout())
		defer cancel()

		disposition, err := w.Handle(jobCtx, msg.Data)
		switch disposition {
		case Term:
			w.Log.Warn().Err(err).Str("subject", msg.Subject).Msg("discarding schedule job")
			_ = msg.Term()
		case Nak:
			w.Log.Error().Err(err).Str("subject", msg.Subject).Msg("schedule job failed, requesting redelivery")
			_ = msg.Nak()
		default:
			_ = msg.Ack()
		}
	}, nats.ManualAck(), nats.Durable(queue), nats.AckWait(w.timeout()+30*time.Second))
}

func (w *Worker) timeout() time.Duration {
	if w.Timeout <= 0 {
		return defaultJobTimeout
	}
	return w.Timeout
}
