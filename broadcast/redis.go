package broadcast

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Redis adapts the broadcast Port to a Redis Pub/Sub channel namespace,
// standing in for the browser BroadcastChannel when a synckitd fleet is
// scaled across multiple processes: same semantics apply (best-effort,
// same-"origin" meaning same key prefix, lossy — consumers recover state
// from storage, never solely from the stream).
type Redis struct {
	client *redis.Client
	ctx    context.Context
	prefix string
}

// NewRedis creates a Redis-backed Port. prefix namespaces channels (the
// "origin"); an empty prefix is valid for a single-tenant deployment.
func NewRedis(ctx context.Context, client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, ctx: ctx, prefix: prefix}
}

func (r *Redis) topic(channel string) string {
	return r.prefix + channel
}

// Publish encodes notice as JSON and publishes it on the Redis channel.
// Redis Pub/Sub delivery to a down/disconnected subscriber is itself
// lossy (no persistence), which matches this port's contract exactly.
func (r *Redis) Publish(channel string, notice Notice) error {
	raw, err := json.Marshal(notice)
	if err != nil {
		return errors.Wrap(err, "broadcast: marshal notice")
	}
	return r.client.Publish(r.ctx, r.topic(channel), raw).Err()
}

// Subscribe starts a goroutine draining the Redis subscription and
// invoking handler per message, until the returned unsubscribe func is
// called.
func (r *Redis) Subscribe(channel string, handler func(Notice)) (func(), error) {
	sub := r.client.Subscribe(r.ctx, r.topic(channel))
	if _, err := sub.Receive(r.ctx); err != nil {
		_ = sub.Close()
		return nil, errors.Wrap(err, "broadcast: subscribe to redis channel")
	}

	ch := sub.Channel()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var notice Notice
				if err := json.Unmarshal([]byte(msg.Payload), &notice); err != nil {
					continue // malformed message: drop, per the port's best-effort contract
				}
				handler(notice)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		_ = sub.Close()
	}, nil
}
