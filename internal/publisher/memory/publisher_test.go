package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherRecordsMessagesInOrder(t *testing.T) {
	t.Parallel()

	pub := New()

	id1, err := pub.Publish(context.Background(), "docsift.ingest", map[string]string{"url": "https://docs.example.com/a"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)

	id2, err := pub.Publish(context.Background(), "docsift.deadletter", "boom")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "docsift.ingest", msgs[0].Topic)
	require.Equal(t, "docsift.deadletter", msgs[1].Topic)
	require.Equal(t, 2, pub.Len())

	// Mutating the returned slice must not leak back into the publisher.
	msgs[0].Topic = "modified"
	require.Equal(t, "docsift.ingest", pub.Messages()[0].Topic)
}

func TestPublisherFiltersByTopic(t *testing.T) {
	t.Parallel()

	pub := New()
	_, err := pub.Publish(context.Background(), "docsift.ingest", 1)
	require.NoError(t, err)
	_, err = pub.Publish(context.Background(), "docsift.other", 2)
	require.NoError(t, err)
	_, err = pub.Publish(context.Background(), "docsift.ingest", 3)
	require.NoError(t, err)

	ingest := pub.TopicMessages("docsift.ingest")
	require.Len(t, ingest, 2)
	require.Equal(t, 1, ingest[0].Payload)
	require.Equal(t, 3, ingest[1].Payload)
	require.Empty(t, pub.TopicMessages("missing"))
}

func TestPublisherRequiresTopic(t *testing.T) {
	t.Parallel()

	pub := New()
	_, err := pub.Publish(context.Background(), "", "payload")
	require.Error(t, err)
	require.Equal(t, 0, pub.Len())
}

func TestPublisherFailWith(t *testing.T) {
	t.Parallel()

	pub := New()
	injected := errors.New("broker down")
	pub.FailWith(injected)

	_, err := pub.Publish(context.Background(), "docsift.ingest", "payload")
	require.ErrorIs(t, err, injected)
	require.Equal(t, 0, pub.Len())

	pub.FailWith(nil)
	_, err = pub.Publish(context.Background(), "docsift.ingest", "payload")
	require.NoError(t, err)
	require.Equal(t, 1, pub.Len())
}
