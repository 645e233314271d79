package scheduling

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/schedge/backend/internal/sharding"
)

// NoticePublisher is the core NATS publish call.
type NoticePublisher interface {
	Publish(subject string, data []byte) error
}

// NoticeEmitter is the Emitter of a worker process without push channels:
// it announces the change on StateSubject so API processes can re-emit.
type NoticeEmitter struct {
	Conn NoticePublisher
	Log  zerolog.Logger
}

func (e NoticeEmitter) Emit(_ context.Context, userID int64) {
	if err := e.Conn.Publish(sharding.StateSubject(userID), nil); err != nil {
		e.Log.Error().Err(err).Int64("user_id", userID).Msg("state notice publish failed")
	}
}

// HandleNotice forwards a state notice to emitter. Subjects that do not
// name a user are ignored.
func HandleNotice(ctx context.Context, emitter Emitter, subject string) bool {
	userID, ok := sharding.UserFromStateSubject(subject)
	if !ok {
		return false
	}
	emitter.Emit(ctx, userID)
	return true
}

// SubscribeNotices re-emits the snapshot of every user named on
// StateSubjects. Every API process receives every notice.
func SubscribeNotices(ctx context.Context, conn *nats.Conn, emitter Emitter, log zerolog.Logger) (*nats.Subscription, error) {
	return conn.Subscribe(sharding.StateSubjects, func(msg *nats.Msg) {
		if !HandleNotice(ctx, emitter, msg.Subject) {
			log.Warn().Str("subject", msg.Subject).Msg("ignoring malformed state notice")
		}
	})
}
