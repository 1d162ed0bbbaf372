package broadcast

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/gridsync/internal/ot"
)

func message(doc string, revision int) Message {
	return Message{
		DocID:     doc,
		Revision:  revision,
		Origin:    "client-a",
		Operation: ot.Operation{DeleteRows: []ot.Identity{ot.Confirmed("r")}},
	}
}

func receive(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case msg, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestLocal_DeliversToDocumentSubscribersOnly(t *testing.T) {
	l := NewLocal(4)
	ctx := context.Background()

	a := l.Subscribe("doc-1")
	b := l.Subscribe("doc-1")
	other := l.Subscribe("doc-2")
	defer other.Close()

	require.NoError(t, l.Publish(ctx, message("doc-1", 3)))

	assert.Equal(t, 3, receive(t, a).Revision)
	assert.Equal(t, 3, receive(t, b).Revision)
	assert.Empty(t, other.C())
	assert.Equal(t, 2, l.Subscribers("doc-1"))

	a.Close()
	a.Close()
	assert.Equal(t, 1, l.Subscribers("doc-1"))
	b.Close()
	assert.Equal(t, 0, l.Subscribers("doc-1"))
}

func TestLocal_SlowSubscriberIsDropped(t *testing.T) {
	l := NewLocal(2)
	ctx := context.Background()
	sub := l.Subscribe("doc")

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Publish(ctx, message("doc", i)))
	}

	assert.True(t, sub.Lagged())
	assert.Equal(t, 0, l.Subscribers("doc"))

	// Queued messages are still readable before the close.
	assert.Equal(t, 0, receive(t, sub).Revision)
	assert.Equal(t, 1, receive(t, sub).Revision)
	_, ok := <-sub.C()
	assert.False(t, ok)
}

func TestLocal_CloseClosesSubscriptions(t *testing.T) {
	l := NewLocal(1)
	sub := l.Subscribe("doc")
	require.NoError(t, l.Close())

	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.False(t, sub.Lagged())

	late := l.Subscribe("doc")
	_, ok = <-late.C()
	assert.False(t, ok)
}

func TestChannel(t *testing.T) {
	assert.Equal(t, "gridsync:doc:abc", Channel("abc"))
}

func TestRedis_RoundTrip(t *testing.T) {
	url := os.Getenv("GRIDSYNC_TEST_REDIS_URL")
	if url == "" {
		t.Skip("GRIDSYNC_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	defer client.Close()

	ctx := context.Background()
	publisher, err := NewRedis(ctx, client, 8)
	require.NoError(t, err)
	defer publisher.Close()
	subscriber, err := NewRedis(ctx, client, 8)
	require.NoError(t, err)
	defer subscriber.Close()

	doc := uuid.NewString()
	sub := subscriber.Subscribe(doc)
	defer sub.Close()

	sent := message(doc, 9)
	require.NoError(t, publisher.Publish(ctx, sent))

	got := receive(t, sub)
	assert.Equal(t, sent.Revision, got.Revision)
	assert.Equal(t, sent.Origin, got.Origin)
	require.Len(t, got.Operation.DeleteRows, 1)
	assert.True(t, got.Operation.DeleteRows[0].Equal(ot.Confirmed("r")))
}
