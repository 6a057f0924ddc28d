// Package kafka publishes claim events to a Kafka topic.
package kafka

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"poe/internal/claims/events"
	"poe/internal/claims/models"
)

// Producer is the subset of *kgo.Client the publisher uses.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Publisher writes one record per event, keyed by claim so events for the
// same claim keep their order within a partition.
type Publisher struct {
	producer Producer
	topic    string
}

func NewPublisher(producer Producer, topic string) *Publisher {
	return &Publisher{producer: producer, topic: topic}
}

func (p *Publisher) Publish(ctx context.Context, event models.Event) error {
	env, payload, err := events.Encode(event)
	if err != nil {
		return err
	}
	return p.PublishEnvelope(ctx, env, payload)
}

// PublishEnvelope produces an already encoded envelope. The outbox relay uses
// it to republish rows without re-encoding.
func (p *Publisher) PublishEnvelope(ctx context.Context, env events.Envelope, payload []byte) error {
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(env.Claim),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "event_id", Value: []byte(env.ID)},
			{Key: "event_type", Value: []byte(env.Type)},
		},
	}
	if err := p.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce claim event to %s: %w", p.topic, err)
	}
	return nil
}
