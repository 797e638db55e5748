package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"go.uber.org/zap"
)

// Publisher delivers a notification beyond this process, for example to a
// websocket gateway.
type Publisher interface {
	PublishNotification(ctx context.Context, n Notification) error
}

// deliver is the message handled by the notification actor.
type deliver struct {
	Notification Notification
}

// notificationActor publishes notifications one at a time in arrival order.
type notificationActor struct {
	publisher Publisher
	logger    *zap.Logger
	timeout   time.Duration
}

func (a *notificationActor) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *deliver:
		pctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := a.publisher.PublishNotification(pctx, msg.Notification)
		cancel()
		if err != nil {
			a.logger.Warn("Failed to publish notification",
				zap.String("notification_id", msg.Notification.ID),
				zap.String("user_id", msg.Notification.UserID),
				zap.Error(err))
			return
		}
		a.logger.Debug("Notification published",
			zap.String("notification_id", msg.Notification.ID),
			zap.String("user_id", msg.Notification.UserID),
			zap.String("severity", string(msg.Notification.Severity)))

	case *actor.Started:
		a.logger.Info("Notification actor started")

	case *actor.Stopped:
		a.logger.Info("Notification actor stopped")
	}
}

// ActorForwarder hands notifications to a protoactor actor so the
// dispatcher never waits on the publisher.
type ActorForwarder struct {
	system *actor.ActorSystem
	pid    *actor.PID
}

func NewActorForwarder(system *actor.ActorSystem, publisher Publisher, logger *zap.Logger) (*ActorForwarder, error) {
	props := actor.PropsFromProducer(func() actor.Actor {
		return &notificationActor{
			publisher: publisher,
			logger:    logger.Named("notification-actor"),
			timeout:   5 * time.Second,
		}
	})
	pid, err := system.Root.SpawnNamed(props, "notification-actor")
	if err != nil {
		return nil, fmt.Errorf("failed to spawn notification actor: %w", err)
	}
	return &ActorForwarder{system: system, pid: pid}, nil
}

func (f *ActorForwarder) Forward(n Notification) {
	f.system.Root.Send(f.pid, &deliver{Notification: n})
}

// Stop drains pending deliveries and stops the actor.
func (f *ActorForwarder) Stop() error {
	return f.system.Root.PoisonFuture(f.pid).Wait()
}
