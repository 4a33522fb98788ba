package events

import (
	"context"

	"github.com/smallbiznis/subreconcile/pkg/log/ctxlogger"
	"go.uber.org/zap"
)

type logPublisher struct {
	log *zap.Logger
}

// NewLogPublisher writes events to the log only. Used when no broker is configured.
func NewLogPublisher(log *zap.Logger) Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &logPublisher{log: log.Named("events.log")}
}

func (p *logPublisher) Publish(ctx context.Context, topic, key string, payload []byte) error {
	ctxlogger.WithContext(ctx, p.log).Info("domain event",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.ByteString("payload", payload),
	)
	return nil
}
