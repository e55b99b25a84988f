package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/fathima-sithara/messaging-core/internal/apperr"
	"github.com/fathima-sithara/messaging-core/internal/domain"
)

// ConversationRequest asks for a conversation between two users, usually
// sent by the listing service when a buyer contacts a seller.
type ConversationRequest struct {
	RequesterID   string `json:"requester_id"`
	ParticipantID string `json:"participant_id"`
	ListingID     string `json:"listing_id,omitempty"`
}

// Opener creates or finds a conversation.
type Opener interface {
	Open(ctx context.Context, a, b, listingID string) (*domain.Conversation, bool, error)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type Consumer struct {
	reader messageReader
	opener Opener
	log    *zap.Logger
	retry  func() backoff.BackOff
}

func NewConsumer(brokers []string, topic, groupID string, opener Opener, logger *zap.Logger) *Consumer {
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &Consumer{reader: r, opener: opener, log: logger, retry: defaultRetry}
}

func defaultRetry() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Run reads until ctx is cancelled. A request is committed once it is
// handled or can never succeed (malformed, invalid participants).
// Persistence failures are retried in place; if ctx ends first the offset
// stays uncommitted and the request is redelivered.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error("kafka fetch", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		if err := c.process(ctx, m.Value); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("conversation request dropped",
				zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset), zap.Error(err))
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error("kafka commit", zap.Int64("offset", m.Offset), zap.Error(err))
		}
	}
}

// process handles value, retrying while the store is unavailable. The
// returned error is permanent.
func (c *Consumer) process(ctx context.Context, value []byte) error {
	op := func() error {
		err := c.handle(ctx, value)
		if err != nil && !errors.Is(err, apperr.ErrPersistence) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn("conversation request retry", zap.Duration("in", wait), zap.Error(err))
	}
	return backoff.RetryNotify(op, backoff.WithContext(c.retry(), ctx), notify)
}

func (c *Consumer) handle(ctx context.Context, value []byte) error {
	var req ConversationRequest
	if err := json.Unmarshal(value, &req); err != nil {
		return apperr.Validation("malformed conversation request")
	}
	conv, created, err := c.opener.Open(ctx, req.RequesterID, req.ParticipantID, req.ListingID)
	if err != nil {
		return err
	}
	if created {
		c.log.Info("conversation created from request",
			zap.String("conversation_id", conv.ID), zap.String("listing_id", req.ListingID))
	}
	return nil
}

func (c *Consumer) Close() error {
	if c.reader == nil {
		return nil
	}
	err := c.reader.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
