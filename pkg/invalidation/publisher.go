package invalidation

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-querycache/pkg/querycache"
	"github.com/rs/zerolog"
)

// Publisher announces invalidated prefixes to other instances.
type Publisher interface {
	Publish(ctx context.Context, reason string, prefixes ...querycache.Key) error
	// Stop flushes any pending messages and accepts a context for timeout control.
	Stop(ctx context.Context) error
}

// GooglePublisher publishes invalidation messages to a Pub/Sub topic.
type GooglePublisher struct {
	topic  *pubsub.Topic
	origin string
	now    func() time.Time
	logger zerolog.Logger
}

// NewGooglePublisher creates a publisher tagged with origin, the ID of this
// instance. It verifies that the target topic exists before returning.
func NewGooglePublisher(ctx context.Context, client *pubsub.Client, topicID, origin string, logger zerolog.Logger) (*GooglePublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	topic := client.Topic(topicID)

	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", topicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", topicID)
	}

	return &GooglePublisher{
		topic:  topic,
		origin: origin,
		now:    time.Now,
		logger: logger.With().Str("component", "InvalidationPublisher").Str("topic_id", topicID).Logger(),
	}, nil
}

// Publish queues one message carrying prefixes. It returns once the message
// is queued and logs the final publish result asynchronously.
func (p *GooglePublisher) Publish(ctx context.Context, reason string, prefixes ...querycache.Key) error {
	payload, err := Message{Prefixes: prefixes, Reason: reason, IssuedAt: p.now().UTC()}.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode invalidation: %w", err)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: map[string]string{OriginAttribute: p.origin},
	})

	go func() {
		// Use a new context for Get to avoid being cancelled by a short-lived publish context.
		getCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		msgID, err := result.Get(getCtx)
		if err != nil {
			p.logger.Error().Err(err).Str("reason", reason).Msg("Failed to publish invalidation.")
			return
		}
		p.logger.Debug().Str("published_msg_id", msgID).Str("reason", reason).Msg("Invalidation published.")
	}()
	return nil
}

// Stop flushes any pending messages for the topic, respecting the context's timeout.
func (p *GooglePublisher) Stop(ctx context.Context) error {
	if p.topic == nil {
		return nil
	}

	// topic.Stop() is blocking, so we wrap it to respect the context timeout.
	stopDone := make(chan struct{})
	go func() {
		p.topic.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NopPublisher drops every message. It is used when the service runs as a
// single instance.
type NopPublisher struct{}

// Publish validates the prefixes and discards them.
func (NopPublisher) Publish(_ context.Context, _ string, prefixes ...querycache.Key) error {
	for _, p := range prefixes {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Stop is a no-op.
func (NopPublisher) Stop(context.Context) error { return nil }
