package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/musicr/musicr/internal/domain"
	"github.com/musicr/musicr/internal/metrics"
	"github.com/musicr/musicr/pkg/protocol"
)

// Redis is the pub/sub backend. One client serves both publishing and the
// subscription; go-redis reconnects the subscription internally, so a broker
// blip costs dropped events, not a dead loop.
type Redis struct {
	client     *redis.Client
	instanceID string
}

func NewRedis(ctx context.Context, url, instanceID string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse bus URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping bus: %w", err)
	}

	return &Redis{client: client, instanceID: instanceID}, nil
}

func (b *Redis) Mode() string { return "redis" }

func (b *Redis) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return b.client.Ping(ctx).Err() == nil
}

func (b *Redis) Close() error { return b.client.Close() }

func (b *Redis) PublishPresence(ctx context.Context, ev protocol.PresenceEvent) {
	b.publish(ctx, PresenceChannel, ev)
}

func (b *Redis) PublishChat(ctx context.Context, ev protocol.ChatEvent) {
	b.publish(ctx, ChatChannel, ev)
}

func (b *Redis) publish(ctx context.Context, channel string, ev any) {
	data, err := json.Marshal(ev)
	if err != nil {
		metrics.BusPublishErrorsTotal.Inc()
		slog.Error("bus: encode event", "channel", channel, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		metrics.BusPublishErrorsTotal.Inc()
		slog.Warn("bus: publish failed", "channel", channel, "error", err)
	}
}

func (b *Redis) Subscribe(ctx context.Context, h Handler) error {
	sub := b.client.Subscribe(ctx, PresenceChannel, ChatChannel)
	defer sub.Close()

	slog.Info("bus: subscribed", "channels", []string{PresenceChannel, ChatChannel})
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription channel closed: %w", domain.ErrBusUnavailable)
			}
			b.dispatch(msg.Channel, []byte(msg.Payload), h)
		}
	}
}

// dispatch decodes one wire message and hands it to the matching callback,
// dropping own-origin echoes and anything that does not parse.
func (b *Redis) dispatch(channel string, payload []byte, h Handler) {
	switch channel {
	case PresenceChannel:
		var ev protocol.PresenceEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			slog.Warn("bus: bad presence event", "error", err)
			return
		}
		if ev.InstanceID == b.instanceID {
			return
		}
		metrics.BusEventsReceivedTotal.WithLabelValues(channel).Inc()
		if h.OnPresence != nil {
			h.OnPresence(ev)
		}
	case ChatChannel:
		var ev protocol.ChatEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			slog.Warn("bus: bad chat event", "error", err)
			return
		}
		if ev.OriginInstanceID == b.instanceID {
			return
		}
		metrics.BusEventsReceivedTotal.WithLabelValues(channel).Inc()
		if h.OnChat != nil {
			h.OnChat(ev)
		}
	}
}
