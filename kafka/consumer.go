package kafka

import (
	"context"
	"errors"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/berserk3142-max/fraud-risk-engine/engine"
	"github.com/berserk3142-max/fraud-risk-engine/metrics"
	"github.com/berserk3142-max/fraud-risk-engine/models"
)

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// ReportHandler accepts suspicious activity reports. *engine.Engine
// implements it.
type ReportHandler interface {
	ReportSuspiciousActivity(ctx context.Context, r models.SuspiciousActivityReport) (*engine.ReportReceipt, error)
}

// Consumer feeds reports from the report topic into the engine. Malformed
// or rejected messages are logged and skipped.
type Consumer struct {
	reader  messageReader
	handler ReportHandler
	logger  *slog.Logger
}

func NewConsumer(brokers []string, topic string, groupID string, handler ReportHandler, logger *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})

	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		reader:  reader,
		handler: handler,
		logger:  logger,
	}
}

func (c *Consumer) Start(ctx context.Context) {
	go c.Run(ctx)
}

// Run reads until ctx is done.
func (c *Consumer) Run(ctx context.Context) {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("read report message failed", "error", err)
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	report, err := DecodeReport(msg.Value)
	if err != nil {
		metrics.ReportsConsumedTotal.WithLabelValues("malformed").Inc()
		c.logger.Warn("skipping malformed report", "offset", msg.Offset, "error", err)
		return
	}

	receipt, err := c.handler.ReportSuspiciousActivity(ctx, report)
	switch {
	case errors.Is(err, engine.ErrValidation):
		metrics.ReportsConsumedTotal.WithLabelValues("rejected").Inc()
		c.logger.Warn("report rejected", "offset", msg.Offset, "error", err)
	case err != nil:
		metrics.ReportsConsumedTotal.WithLabelValues("error").Inc()
		c.logger.Error("report handling failed", "offset", msg.Offset, "error", err)
	default:
		metrics.ReportsConsumedTotal.WithLabelValues("accepted").Inc()
		c.logger.Debug("report accepted", "report_id", receipt.ReportID, "block_queued", receipt.BlockQueued)
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
