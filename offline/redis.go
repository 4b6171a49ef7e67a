// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package offline

import (
	"context"
	"encoding/xml"
	"fmt"

	"github.com/redis/go-redis/v9"

	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/stanza"
)

const defaultKeyPrefix = "xmppd:offline:"

// Redis is a Queue backed by Redis lists, one list per recipient, so that
// queued messages survive restarts and are shared between server instances.
type Redis struct {
	client    *redis.Client
	keyPrefix string
	limit     int64
}

// RedisOption configures a Redis queue.
type RedisOption func(*Redis)

// WithKeyPrefix overrides the default key prefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		if prefix != "" {
			r.keyPrefix = prefix
		}
	}
}

// WithLimit caps each recipient's queue at n messages; older messages are
// dropped first.
func WithLimit(n int64) RedisOption {
	return func(r *Redis) {
		r.limit = n
	}
}

// NewRedis constructs a Redis-backed queue and verifies the connection.
func NewRedis(ctx context.Context, client *redis.Client, opts ...RedisOption) (*Redis, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	r := &Redis{
		client:    client,
		keyPrefix: defaultKeyPrefix,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

func (r *Redis) key(to jid.JID) string {
	return r.keyPrefix + to.Bare().String()
}

// Enqueue implements Queue.
func (r *Redis) Enqueue(ctx context.Context, to jid.JID, msg stanza.Message) error {
	raw, err := xml.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode offline message: %w", err)
	}
	key := r.key(to)
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, raw)
	if r.limit > 0 {
		pipe.LTrim(ctx, key, -r.limit, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue offline message for %s: %w", to.Bare(), err)
	}
	return nil
}

// Drain implements Queue.
func (r *Redis) Drain(ctx context.Context, to jid.JID) ([]stanza.Message, error) {
	key := r.key(to)
	pipe := r.client.TxPipeline()
	items := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("drain offline messages for %s: %w", to.Bare(), err)
	}

	raws, err := items.Result()
	if err != nil {
		return nil, fmt.Errorf("drain offline messages for %s: %w", to.Bare(), err)
	}
	msgs := make([]stanza.Message, 0, len(raws))
	for _, raw := range raws {
		var msg stanza.Message
		if err := xml.Unmarshal([]byte(raw), &msg); err != nil {
			// A corrupt entry should not wedge the rest of the queue.
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

var _ Queue = (*Redis)(nil)
