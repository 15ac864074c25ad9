// Package bus fans room traffic out to other sync server instances over
// Redis pub/sub.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const DefaultPrefix = "collabtext:"

// Handler receives frames published by other instances.
type Handler func(topic, from string, frame []byte)

type envelope struct {
	Origin string `json:"origin"`
	From   string `json:"from,omitempty"`
	Frame  []byte `json:"frame"`
}

// Redis publishes to channel {prefix}{topic} and drops its own echoes.
type Redis struct {
	rdb        *redis.Client
	prefix     string
	instanceID string
}

func NewRedis(rdb *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Redis{rdb: rdb, prefix: prefix, instanceID: uuid.NewString()}
}

func (b *Redis) InstanceID() string { return b.instanceID }

func (b *Redis) Publish(ctx context.Context, topic, from string, frame []byte) error {
	payload, err := json.Marshal(envelope{Origin: b.instanceID, From: from, Frame: frame})
	if err != nil {
		return fmt.Errorf("marshal bus envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.prefix+topic, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Run subscribes to every topic under the prefix and dispatches until ctx
// is cancelled. The subscription is confirmed before ready is called.
func (b *Redis) Run(ctx context.Context, handle Handler, ready func()) error {
	ps := b.rdb.PSubscribe(ctx, b.prefix+"*")
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s*: %w", b.prefix, err)
	}
	if ready != nil {
		ready()
	}
	glog.Infof("[bus] instance %s subscribed to %s*", b.instanceID, b.prefix)

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				glog.V(1).Infof("[bus] dropping undecodable message on %s: %v", msg.Channel, err)
				continue
			}
			if env.Origin == b.instanceID {
				continue
			}
			handle(strings.TrimPrefix(msg.Channel, b.prefix), env.From, env.Frame)
		}
	}
}

func (b *Redis) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func (b *Redis) Close() error {
	return b.rdb.Close()
}
