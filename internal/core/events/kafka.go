package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
)

// KafkaForwarder ships bus events to a Kafka topic, keyed by event id so
// downstream consumers can de-duplicate redeliveries.
type KafkaForwarder struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

func NewKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.Retry.Max = 3
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return producer, nil
}

func NewKafkaForwarder(producer sarama.SyncProducer, topic string, logger *slog.Logger) *KafkaForwarder {
	return &KafkaForwarder{
		producer: producer,
		topic:    topic,
		logger:   logger,
	}
}

func (f *KafkaForwarder) Handle(ctx context.Context, event Event) error {
	body, err := json.Marshal(envelope{
		ID:         event.EventID(),
		Type:       event.EventType(),
		OccurredAt: event.OccurredAt().UTC(),
		Payload:    event.Payload(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: f.topic,
		Key:   sarama.StringEncoder(event.EventID()),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.EventType())},
		},
	}

	partition, offset, err := f.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to publish %s to kafka: %w", event.EventType(), err)
	}

	f.logger.Debug("event forwarded to kafka",
		"event_id", event.EventID(),
		"event_type", event.EventType(),
		"topic", f.topic,
		"partition", partition,
		"offset", offset)
	return nil
}

// Register subscribes the forwarder to every lifecycle event on the bus.
func (f *KafkaForwarder) Register(bus *EventBus) {
	bus.SubscribeAll(f.Handle, AllEventTypes...)
}

func (f *KafkaForwarder) Close() error {
	return f.producer.Close()
}
