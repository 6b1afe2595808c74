package invalidation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// ListenerConfig holds configuration for the invalidation listener.
type ListenerConfig struct {
	SubscriptionID         string `yaml:"subscription_id"`
	MaxOutstandingMessages int    `yaml:"max_outstanding_messages"`
	NumGoroutines          int    `yaml:"num_goroutines"`
	// Origin is this instance's ID; messages it published itself are skipped.
	Origin string `yaml:"-"`
}

// LoadDefaultListenerConfig returns a config for subID with sensible defaults.
func LoadDefaultListenerConfig(subID, origin string) *ListenerConfig {
	return &ListenerConfig{
		SubscriptionID:         subID,
		MaxOutstandingMessages: 100,
		NumGoroutines:          2,
		Origin:                 origin,
	}
}

// Listener receives invalidation messages and applies them to an Invalidator.
type Listener struct {
	subscription       *pubsub.Subscription
	target             Invalidator
	origin             string
	logger             zerolog.Logger
	stopOnce           sync.Once
	cancelSubscription context.CancelFunc
	doneChan           chan struct{}
}

// NewListener creates a Listener on an existing subscription.
func NewListener(cfg *ListenerConfig, client *pubsub.Client, target Invalidator, logger zerolog.Logger) (*Listener, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	if target == nil {
		return nil, fmt.Errorf("invalidation target cannot be nil")
	}
	sub := client.Subscription(cfg.SubscriptionID)

	subContext, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	e, err := sub.Exists(subContext)
	if err != nil {
		return nil, fmt.Errorf("failed to check for subscription %s: %w", cfg.SubscriptionID, err)
	}
	if !e {
		return nil, fmt.Errorf("subscription %s does not exist", cfg.SubscriptionID)
	}

	sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstandingMessages
	sub.ReceiveSettings.NumGoroutines = cfg.NumGoroutines

	return &Listener{
		subscription: sub,
		target:       target,
		origin:       cfg.Origin,
		logger:       logger.With().Str("component", "InvalidationListener").Str("subscription_id", cfg.SubscriptionID).Logger(),
		doneChan:     make(chan struct{}),
	}, nil
}

// Start begins receiving in a background goroutine.
func (l *Listener) Start(ctx context.Context) error {
	l.logger.Info().Msg("Starting invalidation listener...")
	receiveCtx, cancel := context.WithCancel(ctx)
	l.cancelSubscription = cancel

	go func() {
		defer close(l.doneChan)
		defer l.logger.Info().Msg("Invalidation listener stopped.")

		err := l.subscription.Receive(receiveCtx, func(_ context.Context, msg *pubsub.Message) {
			l.handle(msg)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Error().Err(err).Msg("Pub/Sub Receive call exited with error")
		}
	}()
	return nil
}

// handle acks every message, including malformed ones, so a bad payload
// cannot cause a redelivery loop.
func (l *Listener) handle(msg *pubsub.Message) {
	defer msg.Ack()

	if l.origin != "" && msg.Attributes[OriginAttribute] == l.origin {
		l.logger.Debug().Str("msg_id", msg.ID).Msg("Skipping invalidation published by this instance.")
		return
	}

	inv, err := DecodeMessage(msg.Data)
	if err != nil {
		l.logger.Error().Err(err).Str("msg_id", msg.ID).Msg("Dropping malformed invalidation message.")
		return
	}

	for _, prefix := range inv.Prefixes {
		marked, err := l.target.Invalidate(prefix)
		if err != nil {
			l.logger.Error().Err(err).Stringer("prefix", prefix).Msg("Failed to apply invalidation.")
			continue
		}
		l.logger.Debug().Stringer("prefix", prefix).Int("marked", marked).Str("reason", inv.Reason).Msg("Applied remote invalidation.")
	}
}

// Stop cancels the receive loop and waits for it to exit.
func (l *Listener) Stop(ctx context.Context) error {
	var err error
	l.stopOnce.Do(func() {
		l.logger.Info().Msg("Stopping invalidation listener...")
		if l.cancelSubscription == nil {
			close(l.doneChan)
			return
		}
		l.cancelSubscription()
		select {
		case <-l.doneChan:
		case <-ctx.Done():
			err = ctx.Err()
			l.logger.Error().Err(err).Msg("Timeout waiting for invalidation listener to stop.")
		}
	})
	return err
}

// Done returns a channel that is closed once the listener has stopped.
func (l *Listener) Done() <-chan struct{} { return l.doneChan }
