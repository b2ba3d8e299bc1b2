package risk

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meridianex/meridian/internal/trading"
	"github.com/meridianex/meridian/pkg/models"
)

type stubPrices struct {
	price decimal.Decimal
	found bool
}

func (s stubPrices) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, bool, error) {
	return s.price, s.found, nil
}

func testPair() *models.TradingPair {
	return &models.TradingPair{
		Symbol:        "BTC-USDT",
		BaseCurrency:  "BTC",
		QuoteCurrency: "USDT",
		MinQuantity:   decimal.RequireFromString("0.001"),
		MaxQuantity:   decimal.RequireFromString("100"),
		Enabled:       true,
	}
}

func limitReq(price, quantity string) *trading.CreateOrderRequest {
	return &trading.CreateOrderRequest{
		UserID:   uuid.New(),
		Symbol:   "BTC-USDT",
		Side:     models.OrderSideBuy,
		Type:     models.OrderTypeLimit,
		Price:    decimal.RequireFromString(price),
		Quantity: decimal.RequireFromString(quantity),
	}
}

func TestCheckOrderQuantityBounds(t *testing.T) {
	svc := NewService(zaptest.NewLogger(t), nil, DefaultLimits())

	require.NoError(t, svc.CheckOrder(context.Background(), limitReq("100", "1"), testPair()))

	err := svc.CheckOrder(context.Background(), limitReq("100", "0.0001"), testPair())
	assert.ErrorIs(t, err, ErrRiskRejected)

	err = svc.CheckOrder(context.Background(), limitReq("100", "500"), testPair())
	assert.ErrorIs(t, err, ErrRiskRejected)
}

func TestCheckOrderNotionalCap(t *testing.T) {
	svc := NewService(zaptest.NewLogger(t), nil, Limits{
		MaxNotional: decimal.RequireFromString("1000"),
	})

	require.NoError(t, svc.CheckOrder(context.Background(), limitReq("100", "10"), testPair()))
	err := svc.CheckOrder(context.Background(), limitReq("100", "11"), testPair())
	assert.ErrorIs(t, err, ErrRiskRejected)
}

func TestCheckOrderPriceBand(t *testing.T) {
	limits := Limits{PriceBandFraction: decimal.RequireFromString("0.2")}

	// Last price 100, band ±20%.
	svc := NewService(zaptest.NewLogger(t), stubPrices{price: decimal.NewFromInt(100), found: true}, limits)
	require.NoError(t, svc.CheckOrder(context.Background(), limitReq("115", "1"), testPair()))
	assert.ErrorIs(t, svc.CheckOrder(context.Background(), limitReq("121", "1"), testPair()), ErrRiskRejected)
	assert.ErrorIs(t, svc.CheckOrder(context.Background(), limitReq("79", "1"), testPair()), ErrRiskRejected)

	// No reference price: the band check is skipped rather than blocking.
	svcNoPrice := NewService(zaptest.NewLogger(t), stubPrices{found: false}, limits)
	require.NoError(t, svcNoPrice.CheckOrder(context.Background(), limitReq("121", "1"), testPair()))

	// Market orders have no price to band-check.
	svcMarket := NewService(zaptest.NewLogger(t), stubPrices{price: decimal.NewFromInt(100), found: true}, limits)
	marketReq := &trading.CreateOrderRequest{
		UserID:      uuid.New(),
		Symbol:      "BTC-USDT",
		Side:        models.OrderSideBuy,
		Type:        models.OrderTypeMarket,
		TimeInForce: models.TimeInForceIOC,
		Quantity:    decimal.NewFromInt(1),
	}
	require.NoError(t, svcMarket.CheckOrder(context.Background(), marketReq, testPair()))
}
