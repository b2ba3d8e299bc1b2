package trading

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/meridianex/meridian/pkg/models"
)

var validate = validator.New()

// validateOrderRequest rejects structurally invalid side/type/time-in-force/
// price/stop-price combinations before anything is persisted.
func validateOrderRequest(req *CreateOrderRequest) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOrder, err)
	}
	if req.Side != models.OrderSideBuy && req.Side != models.OrderSideSell {
		return fmt.Errorf("%w: side must be BUY or SELL", ErrInvalidOrder)
	}
	switch req.TimeInForce {
	case models.TimeInForceGTC, models.TimeInForceIOC, models.TimeInForceFOK:
	default:
		return fmt.Errorf("%w: time in force must be GTC, IOC or FOK", ErrInvalidOrder)
	}
	if req.Quantity.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	}

	hasPrice := req.Price.GreaterThan(decimal.Zero)
	hasStop := req.StopPrice.GreaterThan(decimal.Zero)

	switch req.Type {
	case models.OrderTypeLimit:
		if !hasPrice {
			return fmt.Errorf("%w: limit order requires a price", ErrInvalidOrder)
		}
		if hasStop {
			return fmt.Errorf("%w: limit order cannot carry a stop price", ErrInvalidOrder)
		}
	case models.OrderTypeMarket:
		if hasPrice || hasStop {
			return fmt.Errorf("%w: market order cannot carry a price or stop price", ErrInvalidOrder)
		}
		if req.TimeInForce == models.TimeInForceGTC {
			return fmt.Errorf("%w: market order cannot rest, use IOC or FOK", ErrInvalidOrder)
		}
	case models.OrderTypeStopLoss, models.OrderTypeTakeProfit:
		if !hasStop {
			return fmt.Errorf("%w: %s order requires a stop price", ErrInvalidOrder, req.Type)
		}
		if hasPrice {
			return fmt.Errorf("%w: %s order cannot carry a limit price", ErrInvalidOrder, req.Type)
		}
	case models.OrderTypeStopLossLimit, models.OrderTypeTakeProfitLimit:
		if !hasStop || !hasPrice {
			return fmt.Errorf("%w: %s order requires both price and stop price", ErrInvalidOrder, req.Type)
		}
	default:
		return fmt.Errorf("%w: unknown order type %q", ErrInvalidOrder, req.Type)
	}

	if req.Price.IsNegative() || req.StopPrice.IsNegative() {
		return fmt.Errorf("%w: negative price", ErrInvalidOrder)
	}
	return nil
}
