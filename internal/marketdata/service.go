// Package marketdata tracks the last traded price per symbol in Redis so
// risk checks and market endpoints can read it without touching the ledger.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const priceKeyPrefix = "meridian:price:"

// MarketDataService records and serves last trade prices
type MarketDataService interface {
	RecordTrade(ctx context.Context, symbol string, price, quantity decimal.Decimal) error
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, bool, error)
}

// Service implements MarketDataService on Redis
type Service struct {
	logger *zap.Logger
	redis  *redis.Client
	ttl    time.Duration
}

// NewService creates a new MarketDataService
func NewService(logger *zap.Logger, client *redis.Client) *Service {
	return &Service{logger: logger, redis: client, ttl: 24 * time.Hour}
}

// RecordTrade stores the trade price as the symbol's last price
func (s *Service) RecordTrade(ctx context.Context, symbol string, price, quantity decimal.Decimal) error {
	if err := s.redis.Set(ctx, priceKeyPrefix+symbol, price.String(), s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to record price: %w", err)
	}
	return nil
}

// LastPrice returns the most recent trade price for a symbol. The second
// return value is false when no trade has been recorded.
func (s *Service) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, bool, error) {
	val, err := s.redis.Get(ctx, priceKeyPrefix+symbol).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return decimal.Zero, false, nil
		}
		return decimal.Zero, false, fmt.Errorf("failed to read price: %w", err)
	}
	price, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to parse stored price %q: %w", val, err)
	}
	return price, true, nil
}
