package bus

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes lifecycle events through a single shared writer.
// The hash balancer keys partitions by incident id.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, writeTimeout time.Duration) *KafkaPublisher {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			WriteTimeout: writeTimeout,
			RequiredAcks: kafka.RequireAll,
			// Topics are created by deployment tooling; auto-creation here
			// would hide misconfigured environments.
			AllowAutoTopicCreation: false,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic, key string, payload []byte) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// KafkaSource consumes one or more topics within a consumer group for the
// audit verifier.
type KafkaSource struct {
	reader *kafka.Reader
}

func NewKafkaSource(brokers []string, groupID string, topics []string) *KafkaSource {
	return &KafkaSource{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			GroupID:     groupID,
			GroupTopics: topics,
			MinBytes:    1,
			MaxBytes:    1 << 20,
		}),
	}
}

func (s *KafkaSource) Fetch(ctx context.Context) (Message, error) {
	m, err := s.reader.ReadMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{Topic: m.Topic, Key: string(m.Key), Value: m.Value, Time: m.Time}, nil
}

func (s *KafkaSource) Close() error {
	return s.reader.Close()
}
