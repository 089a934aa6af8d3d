package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/berserk3142-max/fraud-risk-engine/metrics"
	"github.com/berserk3142-max/fraud-risk-engine/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes security events to the alert topic. Messages are keyed
// by identifier so one subject's alerts stay ordered within a partition.
type Producer struct {
	writer messageWriter
}

func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}

	return &Producer{writer: writer}
}

func encode(ev models.SecurityEvent) (kafka.Message, error) {
	ev = NewSecurityEvent(ev)
	data, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode security event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(ev.Identifier),
		Value: data,
		Time:  ev.CreatedAt,
	}, nil
}

func (p *Producer) PublishSecurityEvent(ctx context.Context, ev models.SecurityEvent) error {
	msg, err := encode(ev)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(string(ev.Type), "error").Inc()
		return fmt.Errorf("publish security event: %w", err)
	}
	metrics.EventsPublishedTotal.WithLabelValues(string(ev.Type), "ok").Inc()
	return nil
}

func (p *Producer) PublishBatch(ctx context.Context, events []models.SecurityEvent) error {
	messages := make([]kafka.Message, len(events))
	for i, ev := range events {
		msg, err := encode(ev)
		if err != nil {
			return err
		}
		messages[i] = msg
	}
	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		return fmt.Errorf("publish security events: %w", err)
	}
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
