// Package bus abstracts the lifecycle event transport. The service depends
// only on Publisher; the verifier consumes through MessageSource. Concrete
// implementations are a Kafka client, an in-process bus for tests and
// single-binary deployments, and a no-op fallback.
package bus

import (
	"context"
	"errors"
	"time"
)

// Message is one event on a topic. Key selects the partition, so all events
// for one incident share a partition and arrive in commit order.
type Message struct {
	Topic string
	Key   string
	Value []byte
	Time  time.Time
}

type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
	Close() error
}

// MessageSource is the consumer side. Fetch blocks until a message is
// available or ctx is done.
type MessageSource interface {
	Fetch(ctx context.Context) (Message, error)
	Close() error
}

// ErrClosed is returned by Fetch after the source has been closed.
var ErrClosed = errors.New("bus: closed")
