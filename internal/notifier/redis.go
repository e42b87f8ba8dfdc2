package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	redis "github.com/redis/go-redis/v9"
)

// RedisPublisher publishes events on a Redis channel so that workers running
// in another process reach the clients connected to the web process.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Notify(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis PUBLISH %s: %w", p.channel, err)
	}
	return nil
}

// Relay forwards events from a Redis channel to a local notifier, usually a Hub.
type Relay struct {
	client  *redis.Client
	channel string
	target  Notifier
}

func NewRelay(client *redis.Client, channel string, target Notifier) *Relay {
	return &Relay{client: client, channel: channel, target: target}
}

// Run subscribes and forwards until ctx is cancelled. ready, if non-nil, is
// closed once the subscription is confirmed.
func (r *Relay) Run(ctx context.Context, ready chan<- struct{}) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	if ready != nil {
		close(ready)
	}
	log.Printf("Relay: subscribed to %s", r.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Printf("Relay: dropping malformed event: %v", err)
				continue
			}
			if err := r.target.Notify(ctx, event); err != nil {
				log.Printf("Relay: failed to deliver %s for segment %d: %v", event.Type, event.SegmentID, err)
			}
		}
	}
}
