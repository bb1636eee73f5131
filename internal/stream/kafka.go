package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/soullink-io/soullink-tracker/internal/events"
)

// DefaultTopic is the per-deployment topic committed envelopes are relayed
// through so every service replica can deliver them to its own WebSocket
// subscribers, not only the replica that handled the write.
const DefaultTopic = "soullink.events.v1"

const relayWriteTimeout = 5 * time.Second

// relayMessage wraps an envelope with the id of the replica that produced
// it, so a consumer can skip envelopes its own hub already delivered.
type relayMessage struct {
	Origin   uuid.UUID       `json:"origin"`
	Envelope events.Envelope `json:"envelope"`
}

// KafkaRelay fans committed envelopes out across service replicas. Publish
// is called by the ingestion HTTP handler after a successful commit; Consume
// runs as a long-lived goroutine feeding the local Hub with envelopes other
// replicas committed. Messages are keyed by run id so per-run ordering
// survives partitioning.
type KafkaRelay struct {
	instanceID uuid.UUID
	writer     *kafka.Writer
	brokers    []string
	topic      string
	groupID    string
	logger     *slog.Logger
}

// NewKafkaRelay constructs a relay producing to and consuming from topic on
// brokers. Each replica gets its own consumer group (derived from a fresh
// instance id) so every replica observes every relayed envelope.
func NewKafkaRelay(brokers []string, topic string) *KafkaRelay {
	if topic == "" {
		topic = DefaultTopic
	}

	instanceID := uuid.New()

	return &KafkaRelay{
		instanceID: instanceID,
		brokers:    brokers,
		topic:      topic,
		groupID:    "soullink-relay-" + instanceID.String(),
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			WriteTimeout: relayWriteTimeout,
			// First publish on a fresh deployment creates the topic.
			AllowAutoTopicCreation: true,
		},
		logger: newLogger(),
	}
}

// Publish relays envelope to the deployment topic. Failures are returned for
// logging only — the event is already durably committed, and local
// subscribers were already served by the Hub, so a relay failure must never
// fail the ingestion response.
func (r *KafkaRelay) Publish(ctx context.Context, envelope events.Envelope) error {
	value, err := json.Marshal(relayMessage{Origin: r.instanceID, Envelope: envelope})
	if err != nil {
		return fmt.Errorf("stream: marshal relay message: %w", err)
	}

	err = r.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(envelope.RunID.String()),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("stream: relay envelope seq %d for run %s: %w", envelope.Seq, envelope.RunID, err)
	}

	return nil
}

// Consume reads relayed envelopes until ctx is cancelled, republishing each
// one that originated on another replica to hub. Decode failures are logged
// and skipped — a malformed relay message must not wedge the consumer.
func (r *KafkaRelay) Consume(ctx context.Context, hub *Hub) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: r.brokers,
		Topic:   r.topic,
		GroupID: r.groupID,
	})
	defer reader.Close() //nolint:errcheck

	for {
		msg, err := reader.ReadMessage(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("stream: read relay message: %w", err)
		}

		var relayed relayMessage
		if err := json.Unmarshal(msg.Value, &relayed); err != nil {
			r.logger.Error("stream: skipping malformed relay message",
				slog.Any("error", err),
				slog.Int64("offset", msg.Offset),
			)

			continue
		}

		if relayed.Origin == r.instanceID {
			continue
		}

		hub.Publish(relayed.Envelope)
	}
}

// Close flushes and closes the producer side of the relay.
func (r *KafkaRelay) Close() error {
	return r.writer.Close()
}
