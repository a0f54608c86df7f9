package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

// envelope is the wire form of an event on the Kafka topic.
type envelope struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	OccurredAt time.Time   `json:"occurred_at"`
	Payload    interface{} `json:"payload"`
}

type inboundEnvelope struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	OccurredAt time.Time              `json:"occurred_at"`
	Payload    map[string]interface{} `json:"payload"`
}

// DecodeEvent rebuilds a typed event from a forwarded message body. Unknown
// event types come back as a BaseEvent.
func DecodeEvent(body []byte) (Event, error) {
	var in inboundEnvelope
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	if in.ID == "" || in.Type == "" {
		return nil, errors.New("event is missing id or type")
	}

	base := BaseEvent{ID: in.ID, Type: in.Type, Timestamp: in.OccurredAt, Data: in.Payload}
	field := func(key string) string {
		value, _ := in.Payload[key].(string)
		return value
	}

	switch in.Type {
	case EventTypePaymentStatusChanged:
		return &PaymentStatusChangedEvent{
			BaseEvent:      base,
			PaymentID:      field("payment_id"),
			OrderID:        field("order_id"),
			TransactionID:  field("transaction_id"),
			EnrollmentID:   field("enrollment_id"),
			PreviousStatus: field("previous_status"),
			Status:         field("status"),
			Source:         field("source"),
		}, nil
	case EventTypeEnrollmentActivated, EventTypeEnrollmentCancelled:
		return &EnrollmentChangedEvent{
			BaseEvent:    base,
			EnrollmentID: field("enrollment_id"),
			StudentID:    field("student_id"),
			CourseID:     field("course_id"),
			PaymentID:    field("payment_id"),
		}, nil
	default:
		return base, nil
	}
}

// KafkaConsumer replays forwarded events onto a local bus, so lifecycle
// handlers can run outside the API process.
type KafkaConsumer struct {
	group  sarama.ConsumerGroup
	topics []string
	bus    *EventBus
	logger *slog.Logger
}

func NewKafkaConsumerGroup(brokers []string, groupID string) (sarama.ConsumerGroup, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer group: %w", err)
	}
	return group, nil
}

func NewKafkaConsumer(group sarama.ConsumerGroup, topic string, bus *EventBus, logger *slog.Logger) *KafkaConsumer {
	return &KafkaConsumer{
		group:  group,
		topics: []string{topic},
		bus:    bus,
		logger: logger,
	}
}

// Run consumes until ctx is cancelled.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	go func() {
		for err := range c.group.Errors() {
			c.logger.Error("kafka consumer error", "error", err)
		}
	}()

	c.logger.Info("kafka consumer started", "topics", c.topics)
	for {
		if err := c.group.Consume(ctx, c.topics, c); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.Error("kafka consume session failed", "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *KafkaConsumer) Close() error {
	return c.group.Close()
}

func (c *KafkaConsumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *KafkaConsumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (c *KafkaConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			c.dispatch(session.Context(), msg)
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

// dispatch never fails the session; a poison message is logged and skipped.
func (c *KafkaConsumer) dispatch(ctx context.Context, msg *sarama.ConsumerMessage) {
	event, err := DecodeEvent(msg.Value)
	if err != nil {
		c.logger.Error("dropping undecodable event",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err)
		return
	}

	if err := c.bus.PublishSync(ctx, event); err != nil {
		c.logger.Error("event handler failed",
			"event_type", event.EventType(),
			"event_id", event.EventID(),
			"error", err)
	}
}
