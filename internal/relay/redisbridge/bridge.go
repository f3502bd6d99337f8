// Package redisbridge fans relayed envelopes out between relay instances
// over Redis pub/sub. Envelopes are forwarded verbatim; the bridge, like
// the relay itself, holds no playback state.
package redisbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/couchsync/server/internal/domain"
)

const channel = "couchsync:relay"

type frame struct {
	Instance string          `json:"instance"`
	Room     string          `json:"room"`
	Envelope domain.Envelope `json:"envelope"`
}

type Bridge struct {
	rdb      *redis.Client
	instance string
	logger   *slog.Logger
}

func New(rdb *redis.Client, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}

	return &Bridge{
		rdb:      rdb,
		instance: uuid.NewString(),
		logger:   logger,
	}
}

// Publish sends a room-scoped envelope to every other relay instance.
// Failures are logged and dropped: the heartbeat protocol self-heals
// lost messages.
func (b *Bridge) Publish(room string, env domain.Envelope) {
	data, err := json.Marshal(frame{Instance: b.instance, Room: room, Envelope: env})
	if err != nil {
		b.logger.Debug("redisbridge.Publish: marshal failed", "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := b.rdb.Publish(ctx, channel, data).Err(); err != nil {
		b.logger.Info("redisbridge.Publish: publish failed", "err", err)
	}
}

// Run subscribes to the relay channel and hands every envelope published
// by other instances to deliver. Blocks until ctx is done.
func (b *Bridge) Run(ctx context.Context, deliver func(room string, env domain.Envelope)) error {
	sub := b.rdb.Subscribe(ctx, channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var f frame
			if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
				b.logger.Debug("redisbridge.Run: dropped malformed frame", "err", err)
				continue
			}
			if f.Instance == b.instance {
				continue
			}

			deliver(f.Room, f.Envelope)
		}
	}
}
