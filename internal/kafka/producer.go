package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/fathima-sithara/messaging-core/internal/events"
	"github.com/fathima-sithara/messaging-core/internal/metrics"
)

// Producer publishes chat events. Messages are keyed by conversation id so
// one conversation's events stay ordered within a partition.
//
// Writes are async: Publish is called on the delivery path and must not
// wait on the brokers. Failed batches are logged and counted.
type Producer struct {
	writer *kafkago.Writer
	topic  string
}

var _ events.Publisher = (*Producer)(nil)

func NewProducer(brokers []string, topic string, logger *zap.Logger) *Producer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		Async:        true,
		Completion: func(msgs []kafkago.Message, err error) {
			if err != nil {
				metrics.EventsPublishFailed.Add(float64(len(msgs)))
				logger.Warn("kafka publish failed", zap.String("topic", topic), zap.Int("messages", len(msgs)), zap.Error(err))
			}
		},
	}
	return &Producer{writer: w, topic: topic}
}

func (p *Producer) Publish(ctx context.Context, ev events.ChatEvent) error {
	msg, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s to %s: %w", ev.Type, p.topic, err)
	}
	return nil
}

func encodeEvent(ev events.ChatEvent) (kafkago.Message, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("marshal %s: %w", ev.Type, err)
	}
	return kafkago.Message{
		Key:     []byte(ev.ConversationID),
		Value:   b,
		Time:    ev.At,
		Headers: []kafkago.Header{{Key: "event", Value: []byte(ev.Type)}},
	}, nil
}

func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
