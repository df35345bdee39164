package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// ExpiryWarningEvent is the message published for each warned instance
type ExpiryWarningEvent struct {
	ID         string    `json:"id"`
	EventType  string    `json:"event_type"`
	InstanceID string    `json:"instance_uuid"`
	TenantID   string    `json:"tenant_uuid"`
	Expiry     time.Time `json:"expiry"`
	Timestamp  time.Time `json:"timestamp"`
}

// KafkaNotifier publishes expiry warnings to a Kafka topic instead of
// posting webhooks. Downstream consumers own the actual delivery channel.
type KafkaNotifier struct {
	writer *kafka.Writer
	topic  string
	log    *logrus.Entry
}

// NewKafkaNotifier creates a notifier writing to the given broker and topic
func NewKafkaNotifier(broker, topic string) *KafkaNotifier {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(broker),
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    100,
	}
	return &KafkaNotifier{
		writer: writer,
		topic:  topic,
		log:    logrus.WithField("component", "kafka-notifier"),
	}
}

// Post publishes one event per notification. A write failure is a
// whole-adapter failure: the batch is retried next sweep.
func (n *KafkaNotifier) Post(ctx context.Context, notifications []Notification) ([]Result, error) {
	if len(notifications) == 0 {
		return nil, nil
	}

	messages := make([]kafka.Message, 0, len(notifications))
	for _, notification := range notifications {
		event := ExpiryWarningEvent{
			ID:         uuid.New().String(),
			EventType:  "lease_expiry_warning",
			InstanceID: notification.InstanceID,
			TenantID:   notification.TenantID,
			Expiry:     notification.Expiry.UTC(),
			Timestamp:  time.Now().UTC(),
		}
		value, err := json.Marshal(event)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal expiry warning event: %w", err)
		}
		messages = append(messages, kafka.Message{
			Topic: n.topic,
			Key:   []byte(notification.TenantID),
			Value: value,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte("lease_expiry_warning")},
				{Key: "tenant_id", Value: []byte(notification.TenantID)},
			},
		})
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := n.writer.WriteMessages(writeCtx, messages...); err != nil {
		return nil, fmt.Errorf("failed to write expiry warnings to Kafka: %w", err)
	}

	results := make([]Result, 0, len(notifications))
	for _, notification := range notifications {
		results = append(results, Result{
			InstanceID: notification.InstanceID,
			OK:         true,
			Message:    fmt.Sprintf("published warning for %s", notification.InstanceID),
		})
	}
	return results, nil
}

// Close flushes and closes the underlying writer
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
