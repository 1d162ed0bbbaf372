package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "gridsync:doc:"

// Channel returns the Redis channel carrying docID's messages.
func Channel(docID string) string {
	return channelPrefix + docID
}

// Redis fans messages out through Redis pub/sub so that sessions held by
// other processes receive them. Messages from Redis, including this
// process's own, are delivered to local subscribers.
type Redis struct {
	client *redis.Client
	pubsub *redis.PubSub
	local  *Local
	done   chan struct{}
}

// NewRedis subscribes to every document channel and starts forwarding.
func NewRedis(ctx context.Context, client *redis.Client, buffer int) (*Redis, error) {
	pubsub := client.PSubscribe(ctx, channelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s*: %w", channelPrefix, err)
	}

	r := &Redis{
		client: client,
		pubsub: pubsub,
		local:  NewLocal(buffer),
		done:   make(chan struct{}),
	}
	go r.forward()
	return r, nil
}

func (r *Redis) forward() {
	defer close(r.done)

	for m := range r.pubsub.Channel() {
		var msg Message
		if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
			slog.Warn("dropping malformed broadcast", "channel", m.Channel, "error", err)
			continue
		}
		if want := strings.TrimPrefix(m.Channel, channelPrefix); msg.DocID != want {
			slog.Warn("dropping misrouted broadcast", "channel", m.Channel, "doc_id", msg.DocID)
			continue
		}
		r.local.deliver(msg)
	}
}

// Publish sends msg to Redis.
func (r *Redis) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode broadcast: %w", err)
	}
	if err := r.client.Publish(ctx, Channel(msg.DocID), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", Channel(msg.DocID), err)
	}
	return nil
}

// Subscribe registers a local subscriber for docID.
func (r *Redis) Subscribe(docID string) *Subscription {
	return r.local.Subscribe(docID)
}

// Subscribers returns the number of local subscribers of docID.
func (r *Redis) Subscribers(docID string) int {
	return r.local.Subscribers(docID)
}

// Close stops forwarding and closes every local subscription.
func (r *Redis) Close() error {
	err := r.pubsub.Close()
	<-r.done
	r.local.Close()
	return err
}
