// Package redis fans claim events out over Redis pub/sub.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"poe/internal/claims/events"
	"poe/internal/claims/models"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "poe:claim-events"

// Publisher sends each event as a JSON envelope on one channel. Pub/sub is
// fire and forget: subscribers that are offline miss the event.
type Publisher struct {
	client  redis.UniversalClient
	channel string
}

func NewPublisher(client redis.UniversalClient, channel string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{client: client, channel: channel}
}

func (p *Publisher) Publish(ctx context.Context, event models.Event) error {
	env, payload, err := events.Encode(event)
	if err != nil {
		return err
	}
	return p.PublishEnvelope(ctx, env, payload)
}

// PublishEnvelope sends an already encoded envelope.
func (p *Publisher) PublishEnvelope(ctx context.Context, _ events.Envelope, payload []byte) error {
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish claim event to %s: %w", p.channel, err)
	}
	return nil
}

// Subscribe decodes envelopes from the channel until ctx is done. Messages
// that fail to decode are passed to onError and skipped.
func (p *Publisher) Subscribe(ctx context.Context, handle func(events.Envelope), onError func(error)) error {
	sub := p.client.Subscribe(ctx, p.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", p.channel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			env, err := events.Decode([]byte(msg.Payload))
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			handle(env)
		}
	}
}
