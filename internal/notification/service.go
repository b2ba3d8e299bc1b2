// Package notification publishes settlement events to Kafka. Publishing is
// best effort: a broker outage is logged and never fails a trade.
package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/meridianex/meridian/pkg/models"
)

// Notifier publishes trade events
type Notifier interface {
	TradeExecuted(ctx context.Context, trade *models.Trade)
	Close() error
}

// Service implements Notifier on a Kafka topic
type Service struct {
	logger *zap.Logger
	writer *kafka.Writer
}

// NewService creates a Kafka-backed notifier
func NewService(logger *zap.Logger, brokers []string, topic string) *Service {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &Service{logger: logger, writer: writer}
}

// TradeExecuted publishes a trade event keyed by symbol
func (s *Service) TradeExecuted(ctx context.Context, trade *models.Trade) {
	payload, err := json.Marshal(trade)
	if err != nil {
		s.logger.Error("Failed to marshal trade event", zap.Error(err))
		return
	}
	msg := kafka.Message{
		Key:   []byte(trade.Symbol),
		Value: payload,
		Time:  trade.CreatedAt,
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.logger.Warn("Failed to publish trade event",
			zap.String("trade_id", trade.ID.String()), zap.Error(err))
	}
}

// Close flushes and closes the underlying writer
func (s *Service) Close() error {
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	return nil
}

// NopNotifier discards all events; used when the message queue is disabled
type NopNotifier struct{}

func (NopNotifier) TradeExecuted(ctx context.Context, trade *models.Trade) {}
func (NopNotifier) Close() error                                           { return nil }
