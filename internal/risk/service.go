// Package risk implements pre-trade checks: order size bounds from the
// trading pair and a price band around the last traded price.
package risk

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianex/meridian/internal/trading"
	"github.com/meridianex/meridian/pkg/models"
)

var ErrRiskRejected = errors.New("order rejected by risk checks")

// PriceSource supplies the last traded price for a symbol. A missing price
// disables the band check for that order.
type PriceSource interface {
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, bool, error)
}

// Limits bounds order size and deviation from the market price
type Limits struct {
	MaxNotional       decimal.Decimal // 0 disables
	PriceBandFraction decimal.Decimal // e.g. 0.2 = ±20% around last price; 0 disables
}

// DefaultLimits returns the limits applied when none are configured
func DefaultLimits() Limits {
	return Limits{
		MaxNotional:       decimal.NewFromInt(10_000_000),
		PriceBandFraction: decimal.NewFromFloat(0.5),
	}
}

// Service implements trading.RiskChecker
type Service struct {
	logger *zap.Logger
	prices PriceSource
	limits Limits
}

// NewService creates a new risk service. prices may be nil.
func NewService(logger *zap.Logger, prices PriceSource, limits Limits) *Service {
	return &Service{logger: logger, prices: prices, limits: limits}
}

// CheckOrder validates an order against pair bounds and price limits
func (s *Service) CheckOrder(ctx context.Context, req *trading.CreateOrderRequest, pair *models.TradingPair) error {
	if pair.MinQuantity.GreaterThan(decimal.Zero) && req.Quantity.LessThan(pair.MinQuantity) {
		return fmt.Errorf("%w: quantity %s below minimum %s", ErrRiskRejected, req.Quantity, pair.MinQuantity)
	}
	if pair.MaxQuantity.GreaterThan(decimal.Zero) && req.Quantity.GreaterThan(pair.MaxQuantity) {
		return fmt.Errorf("%w: quantity %s above maximum %s", ErrRiskRejected, req.Quantity, pair.MaxQuantity)
	}

	if req.Price.GreaterThan(decimal.Zero) {
		if s.limits.MaxNotional.GreaterThan(decimal.Zero) {
			notional := req.Price.Mul(req.Quantity)
			if notional.GreaterThan(s.limits.MaxNotional) {
				return fmt.Errorf("%w: notional %s above maximum %s", ErrRiskRejected, notional, s.limits.MaxNotional)
			}
		}
		if err := s.checkPriceBand(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) checkPriceBand(ctx context.Context, req *trading.CreateOrderRequest) error {
	if s.prices == nil || s.limits.PriceBandFraction.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	last, ok, err := s.prices.LastPrice(ctx, req.Symbol)
	if err != nil {
		// A price source outage must not block order entry.
		s.logger.Warn("Price source unavailable, skipping band check",
			zap.String("symbol", req.Symbol), zap.Error(err))
		return nil
	}
	if !ok || last.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	band := last.Mul(s.limits.PriceBandFraction)
	lower := last.Sub(band)
	upper := last.Add(band)
	if req.Price.LessThan(lower) || req.Price.GreaterThan(upper) {
		return fmt.Errorf("%w: price %s outside band [%s, %s]", ErrRiskRejected, req.Price, lower, upper)
	}
	return nil
}
