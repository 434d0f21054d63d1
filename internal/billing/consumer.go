package billing

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/bloggies/internal/users"
	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/zap"
)

var (
	errMissingSubscriber = errors.New("billing: message subscriber required")
	errMissingApplier    = errors.New("billing: membership applier required")
)

// MembershipApplier is the membership store capability the consumer drives.
type MembershipApplier interface {
	ApplySubscriptionEvent(ctx context.Context, event users.SubscriptionEvent) (users.Membership, bool, error)
}

// ConsumerConfig describes the dependencies of a Consumer.
type ConsumerConfig struct {
	Subscriber message.Subscriber
	Applier    MembershipApplier
	Logger     *zap.Logger
}

// Consumer applies subscription status changes to the membership store.
type Consumer struct {
	subscriber message.Subscriber
	applier    MembershipApplier
	logger     *zap.Logger
}

// NewConsumer constructs a Consumer.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Subscriber == nil {
		return nil, errMissingSubscriber
	}
	if cfg.Applier == nil {
		return nil, errMissingApplier
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		subscriber: cfg.Subscriber,
		applier:    cfg.Applier,
		logger:     logger,
	}, nil
}

// Start subscribes to the billing topic and processes messages until ctx is done.
// The returned channel is closed once the processing loop exits.
func (c *Consumer) Start(ctx context.Context) (<-chan struct{}, error) {
	messages, err := c.subscriber.Subscribe(ctx, TopicSubscriptionStatusChanged)
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range messages {
			c.handle(ctx, msg)
		}
	}()
	return done, nil
}

// handle acks every message, including ones that fail to apply.
func (c *Consumer) handle(ctx context.Context, msg *message.Message) {
	defer msg.Ack()

	event, err := decodeEvent(msg.Payload)
	if err != nil {
		c.logger.Warn("billing event rejected", zap.String("message_uuid", msg.UUID), zap.Error(err))
		return
	}

	membership, applied, err := c.applier.ApplySubscriptionEvent(ctx, event)
	if err != nil {
		c.logger.Error("billing event failed",
			zap.String("event_id", event.EventID),
			zap.String("user_id", event.UserID),
			zap.Error(err))
		return
	}
	if !applied {
		c.logger.Info("billing event skipped", zap.String("event_id", event.EventID))
		return
	}
	c.logger.Info("billing event applied",
		zap.String("event_id", event.EventID),
		zap.String("user_id", membership.UserID),
		zap.String("status", membership.Status.String()))
}
