package bus

import (
	"context"

	"roadwatch/core/utils"
)

// NoopPublisher accepts every publish and drops it. It is the fallback for
// environments without a broker: lifecycle writes keep committing, and the
// acknowledged-but-dropped events keep the replay sweep from spinning on
// rows nothing will ever consume.
type NoopPublisher struct {
	logger *utils.Logger
}

func NewNoopPublisher(logger *utils.Logger) *NoopPublisher {
	return &NoopPublisher{logger: logger}
}

func (p *NoopPublisher) Publish(ctx context.Context, topic, key string, payload []byte) error {
	p.logger.Debugf("noop publish topic=%s key=%s bytes=%d", topic, key, len(payload))
	return nil
}

func (p *NoopPublisher) Close() error { return nil }
