package events

import (
	"context"
	"time"

	"github.com/smallbiznis/railgate/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("events",
	fx.Provide(NewPublisher),
)

func NewPublisher(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) Publisher {
	if !cfg.Kafka.Enabled() {
		log.Info("kafka brokers not configured, events disabled")
		return NoopPublisher{}
	}

	pub := NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return pub.Close()
		},
	})
	log.Info("kafka publisher ready",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("topic", cfg.Kafka.Topic),
	)
	return pub
}

// PublishAsync sends the event without blocking the caller. Failures are
// logged only; the originating operation has already committed.
func PublishAsync(pub Publisher, log *zap.Logger, event Event) {
	if pub == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := pub.Publish(ctx, event); err != nil && log != nil {
			log.Warn("publish event failed",
				zap.String("event_type", event.Type),
				zap.String("key", event.Key),
				zap.Error(err),
			)
		}
	}()
}
