package service

import (
	"context"
	"strings"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/allocledger/internal/flags/domain"
	"go.uber.org/zap"
)

// ChannelFlags carries "<instance>|<flag>" messages after a committed change.
const ChannelFlags = "allocation:flags"

// Broadcaster fans flag changes out to other instances over Redis pub/sub.
// A nil Broadcaster is valid and does nothing.
type Broadcaster struct {
	client     *redis.Client
	instanceID string
	log        *zap.Logger
}

func NewBroadcaster(client *redis.Client, log *zap.Logger) *Broadcaster {
	if client == nil {
		return nil
	}
	return &Broadcaster{
		client:     client,
		instanceID: uuid.NewString(),
		log:        log.Named("flags.broadcast"),
	}
}

func (b *Broadcaster) Publish(ctx context.Context, name domain.Name) error {
	if b == nil {
		return nil
	}
	return b.client.Publish(ctx, ChannelFlags, encodeMessage(b.instanceID, name)).Err()
}

// Listen blocks until ctx is done, calling refresh for every change made by
// another instance.
func (b *Broadcaster) Listen(ctx context.Context, refresh func(context.Context) error) {
	if b == nil {
		return
	}
	sub := b.client.Subscribe(ctx, ChannelFlags)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			origin, name, valid := decodeMessage(msg.Payload)
			if !valid || origin == b.instanceID {
				continue
			}
			if err := refresh(ctx); err != nil {
				b.log.Warn("flag refresh after broadcast failed", zap.String("flag", string(name)), zap.Error(err))
				continue
			}
			b.log.Info("flags refreshed from broadcast", zap.String("flag", string(name)), zap.String("origin", origin))
		}
	}
}

func encodeMessage(instanceID string, name domain.Name) string {
	return instanceID + "|" + string(name)
}

func decodeMessage(payload string) (string, domain.Name, bool) {
	origin, name, ok := strings.Cut(payload, "|")
	if !ok || origin == "" || name == "" {
		return "", "", false
	}
	return origin, domain.Name(name), true
}
