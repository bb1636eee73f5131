package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/soullink-io/soullink-tracker/internal/events"
)

// Two relays against one broker model two service replicas: an envelope
// published by replica A must reach a WebSocket subscriber registered on
// replica B's hub, and must not echo back into replica A's own hub.
func TestKafkaRelayFansOutAcrossReplicas(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0",
		tckafka.WithClusterID("soullink-test"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(container)
	})

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)

	writerRelay := NewKafkaRelay(brokers, "soullink.events.test")
	t.Cleanup(func() { _ = writerRelay.Close() })

	readerRelay := NewKafkaRelay(brokers, "soullink.events.test")
	t.Cleanup(func() { _ = readerRelay.Close() })

	runID := uuid.New()

	localHub := NewHub()
	localClient := NewClient(runID, uuid.New())
	localHub.Subscribe(localClient)

	remoteHub := NewHub()
	remoteClient := NewClient(runID, uuid.New())
	remoteHub.Subscribe(remoteClient)

	consumeCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)

	go func() { _ = readerRelay.Consume(consumeCtx, remoteHub) }()
	go func() { _ = writerRelay.Consume(consumeCtx, localHub) }()

	envelope, err := events.NewEnvelope(runID, uuid.New(), events.TypeFaint,
		time.Now().UTC(), events.Faint{PokemonKey: "pv-relay"})
	require.NoError(t, err)

	envelope.Seq = 1

	// Group coordination on a fresh cluster can take a while; retry the
	// publish-then-wait loop until the remote hub observes the envelope.
	deadline := time.After(2 * time.Minute)

	for {
		require.NoError(t, writerRelay.Publish(ctx, envelope))

		select {
		case msg := <-remoteClient.send:
			var received events.Envelope
			require.NoError(t, json.Unmarshal(msg, &received))
			assert.Equal(t, envelope.EventID, received.EventID)
			assert.Equal(t, int64(1), received.Seq)

			// The producing replica must not re-deliver its own envelope.
			select {
			case <-localClient.send:
				t.Fatal("relay echoed an envelope back to its own replica")
			case <-time.After(2 * time.Second):
			}

			return
		case <-time.After(5 * time.Second):
		case <-deadline:
			t.Fatal("relayed envelope never reached the remote hub")
		}
	}
}
