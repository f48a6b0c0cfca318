package events

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"github.com/cockroachdb/errors"
	"github.com/segmentio/kafka-go"
)

// Publisher delivers one outbox payload to an external sink. A nil error
// means the sink acknowledged it.
type Publisher interface {
	Publish(ctx context.Context, key, value []byte) error
	Close() error
}

// SaramaPublisher writes through a sarama sync producer with all-replica acks.
type SaramaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

func NewSaramaPublisher(brokers []string, topic string) (*SaramaPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create sarama producer")
	}
	return NewSaramaPublisherWithProducer(producer, topic), nil
}

// NewSaramaPublisherWithProducer wraps an existing producer (tests use
// sarama/mocks).
func NewSaramaPublisherWithProducer(p sarama.SyncProducer, topic string) *SaramaPublisher {
	return &SaramaPublisher{producer: p, topic: topic}
}

func (p *SaramaPublisher) Publish(_ context.Context, key, value []byte) error {
	_, _, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.ByteEncoder(key),
		Value: sarama.ByteEncoder(value),
	})
	return err
}

func (p *SaramaPublisher) Close() error { return p.producer.Close() }

// KafkaGoPublisher writes with segmentio/kafka-go.
type KafkaGoPublisher struct {
	writer *kafka.Writer
}

func NewKafkaGoPublisher(brokers []string, topic string) *KafkaGoPublisher {
	return &KafkaGoPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (p *KafkaGoPublisher) Publish(ctx context.Context, key, value []byte) error {
	return p.writer.WriteMessages(ctx, kafka.Message{Key: key, Value: value})
}

func (p *KafkaGoPublisher) Close() error { return p.writer.Close() }

// NewPublisher builds the publisher for driver. "none" returns nil.
func NewPublisher(driver string, brokers []string, topic string) (Publisher, error) {
	switch driver {
	case "sarama":
		return NewSaramaPublisher(brokers, topic)
	case "kafka-go":
		return NewKafkaGoPublisher(brokers, topic), nil
	case "none", "":
		return nil, nil
	default:
		return nil, errors.Newf("unknown event driver %q", driver)
	}
}
