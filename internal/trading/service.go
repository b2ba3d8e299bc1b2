// Package trading implements the order side of the settlement protocol: order
// placement and validation, the order lock primitive with its expiry sweep,
// and the status update path used after a match settles.
package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/meridianex/meridian/pkg/metrics"
	"github.com/meridianex/meridian/pkg/models"
)

var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrOrderLocked     = errors.New("order is locked, try again later")
	ErrOrderTerminal   = errors.New("order is in a terminal state")
	ErrInvalidOrder    = errors.New("invalid order")
	ErrSymbolNotFound  = errors.New("symbol not found")
	ErrSymbolDisabled  = errors.New("symbol is disabled")
)

// RiskChecker is the pre-trade check consulted before an order is persisted
type RiskChecker interface {
	CheckOrder(ctx context.Context, req *CreateOrderRequest, pair *models.TradingPair) error
}

// CreateOrderRequest is the order placement payload
type CreateOrderRequest struct {
	UserID      uuid.UUID       `json:"user_id"`
	Symbol      string          `json:"symbol" validate:"required"`
	Side        string          `json:"side" validate:"required,oneof=BUY SELL"`
	Type        string          `json:"type" validate:"required"`
	TimeInForce string          `json:"time_in_force" validate:"omitempty,oneof=GTC IOC FOK"`
	Price       decimal.Decimal `json:"price"`
	StopPrice   decimal.Decimal `json:"stop_price"`
	Quantity    decimal.Decimal `json:"quantity" validate:"required"`
}

// OrderHistoryFilter narrows order/trade history queries
type OrderHistoryFilter struct {
	Symbol string
	Status string
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

// LockResult reports the outcome of a lock protocol operation. A refused
// lock is Success=false with a reason, never an error.
type LockResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// StatusUpdate carries the post-match mutation of an order. ExecutedDelta is
// added to the order's executed quantity; the status is derived from the
// resulting fill level.
type StatusUpdate struct {
	OrderID       uuid.UUID       `json:"order_id"`
	LockID        uuid.UUID       `json:"lock_id"`
	ExecutedDelta decimal.Decimal `json:"executed_delta"`
}

// OrderService defines order operations, including the service-to-service
// lock protocol surface consumed by the matching engine.
type OrderService interface {
	CreateOrder(ctx context.Context, req *CreateOrderRequest) (*models.Order, error)
	CancelOrder(ctx context.Context, userID, orderID uuid.UUID) (*models.Order, error)
	GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	GetOpenOrders(ctx context.Context, symbol string, limit int) ([]*models.Order, error)
	GetOrderHistory(ctx context.Context, userID uuid.UUID, filter *OrderHistoryFilter) ([]*models.Order, int64, error)
	GetTradeHistory(ctx context.Context, userID uuid.UUID, filter *OrderHistoryFilter) ([]*models.Trade, int64, error)

	LockOrder(ctx context.Context, orderID, lockID, jobID uuid.UUID, timeout time.Duration) (*LockResult, error)
	UnlockOrder(ctx context.Context, orderID, lockID uuid.UUID) (*LockResult, error)
	UpdateOrderStatus(ctx context.Context, update *StatusUpdate) (*models.Order, error)
	ReleaseExpiredLocks(ctx context.Context) (int, error)
	CancelUnfilledMarketOrders(ctx context.Context, symbol string) (int, error)

	GetTradingPair(ctx context.Context, symbol string) (*models.TradingPair, error)
	CreateTradingPair(ctx context.Context, pair *models.TradingPair) error
	ListTradingPairs(ctx context.Context) ([]*models.TradingPair, error)
}

// Service implements OrderService
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
	risk   RiskChecker
}

// NewService creates a new OrderService. The risk checker may be nil, in
// which case only structural validation applies.
func NewService(logger *zap.Logger, db *gorm.DB, risk RiskChecker) (OrderService, error) {
	return &Service{logger: logger, db: db, risk: risk}, nil
}

// CreateOrder validates and persists a new order. Invalid side/type/price
// combinations are rejected before anything is written.
func (s *Service) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*models.Order, error) {
	if req.TimeInForce == "" {
		req.TimeInForce = models.TimeInForceGTC
	}
	if err := validateOrderRequest(req); err != nil {
		return nil, err
	}

	pair, err := s.GetTradingPair(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	if !pair.Enabled {
		return nil, ErrSymbolDisabled
	}
	if s.risk != nil {
		if err := s.risk.CheckOrder(ctx, req, pair); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	order := &models.Order{
		ID:               uuid.New(),
		UserID:           req.UserID,
		Symbol:           req.Symbol,
		Side:             req.Side,
		Type:             req.Type,
		TimeInForce:      req.TimeInForce,
		Price:            req.Price,
		StopPrice:        req.StopPrice,
		OriginalQuantity: req.Quantity,
		ExecutedQuantity: decimal.Zero,
		Status:           models.OrderStatusNew,
		IsWorking:        true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	s.logger.Info("Order created",
		zap.String("order_id", order.ID.String()),
		zap.String("symbol", order.Symbol),
		zap.String("side", order.Side),
		zap.String("price", order.Price.String()),
		zap.String("quantity", order.OriginalQuantity.String()))
	return order, nil
}

// CancelOrder cancels an order owned by the user. A locked order cannot be
// canceled while settlement may be touching it.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", orderID, userID).First(&order).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to find order: %w", err)
	}
	if order.IsTerminal() {
		return nil, ErrOrderTerminal
	}
	if order.IsLocked {
		return nil, ErrOrderLocked
	}

	// Conditional update so a lock acquired between the read and this write
	// still blocks the cancel.
	result := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND is_locked = ? AND status IN ?", orderID, false,
			[]string{models.OrderStatusNew, models.OrderStatusPartiallyFilled}).
		Updates(map[string]interface{}{
			"status":     models.OrderStatusCanceled,
			"is_working": false,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return nil, fmt.Errorf("failed to cancel order: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrOrderLocked
	}

	order.Status = models.OrderStatusCanceled
	order.IsWorking = false
	return &order, nil
}

// GetOrder loads an order with its trades
func (s *Service) GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := s.db.WithContext(ctx).Where("id = ?", orderID).First(&order).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to find order: %w", err)
	}

	var trades []models.Trade
	if err := s.db.WithContext(ctx).Where("buy_order_id = ? OR sell_order_id = ?", orderID, orderID).Order("created_at").Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to find trades: %w", err)
	}
	order.Trades = trades
	return &order, nil
}

// GetOpenOrders lists matchable orders for a symbol, oldest first, bounded
// by limit. This is the matching engine's input feed.
func (s *Service) GetOpenOrders(ctx context.Context, symbol string, limit int) ([]*models.Order, error) {
	var orders []*models.Order
	q := s.db.WithContext(ctx).
		Where("symbol = ? AND status IN ?", symbol,
			[]string{models.OrderStatusNew, models.OrderStatusPartiallyFilled}).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("failed to find open orders: %w", err)
	}
	return orders, nil
}

// GetOrderHistory lists a user's orders with optional symbol/status/time filters
func (s *Service) GetOrderHistory(ctx context.Context, userID uuid.UUID, filter *OrderHistoryFilter) ([]*models.Order, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Order{}).Where("user_id = ?", userID)
	q = applyHistoryFilter(q, filter, "status")

	var count int64
	if err := q.Count(&count).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count orders: %w", err)
	}

	var orders []*models.Order
	if err := paginate(q.Order("created_at DESC"), filter).Find(&orders).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to find orders: %w", err)
	}
	return orders, count, nil
}

// GetTradeHistory lists trades where the user was buyer or seller
func (s *Service) GetTradeHistory(ctx context.Context, userID uuid.UUID, filter *OrderHistoryFilter) ([]*models.Trade, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Trade{}).Where("buyer_id = ? OR seller_id = ?", userID, userID)
	q = applyHistoryFilter(q, filter, "")

	var count int64
	if err := q.Count(&count).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count trades: %w", err)
	}

	var trades []*models.Trade
	if err := paginate(q.Order("created_at DESC"), filter).Find(&trades).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to find trades: %w", err)
	}
	return trades, count, nil
}

// LockOrder acquires the order lock with a single conditional update. Two
// concurrent attempts on the same order cannot both succeed: whichever
// update runs second matches zero rows.
func (s *Service) LockOrder(ctx context.Context, orderID, lockID, jobID uuid.UUID, timeout time.Duration) (*LockResult, error) {
	expiration := time.Now().Add(timeout)
	result := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND is_locked = ? AND status IN ?", orderID, false,
			[]string{models.OrderStatusNew, models.OrderStatusPartiallyFilled}).
		Updates(map[string]interface{}{
			"is_locked":        true,
			"lock_id":          lockID,
			"lock_expiration":  expiration,
			"locked_by_job_id": jobID,
			"updated_at":       time.Now(),
		})
	if result.Error != nil {
		return nil, fmt.Errorf("failed to lock order: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		metrics.OrderLockContention.Inc()
		return &LockResult{Success: false, Message: "order not lockable: missing, terminal, or already locked"}, nil
	}
	return &LockResult{Success: true}, nil
}

// UnlockOrder releases the lock if the caller still owns it. A mismatched
// token means the lock was already released or reclaimed; that is a refusal,
// not an error.
func (s *Service) UnlockOrder(ctx context.Context, orderID, lockID uuid.UUID) (*LockResult, error) {
	result := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND is_locked = ? AND lock_id = ?", orderID, true, lockID).
		Updates(map[string]interface{}{
			"is_locked":        false,
			"lock_id":          nil,
			"lock_expiration":  nil,
			"locked_by_job_id": nil,
			"updated_at":       time.Now(),
		})
	if result.Error != nil {
		return nil, fmt.Errorf("failed to unlock order: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return &LockResult{Success: false, Message: "order not found or lock token mismatch"}, nil
	}
	return &LockResult{Success: true}, nil
}

// UpdateOrderStatus applies a fill to a locked order. Ownership of the lock
// is part of the update condition, so a reclaimed lock cannot mutate the
// order. The status is derived from the new executed quantity.
func (s *Service) UpdateOrderStatus(ctx context.Context, update *StatusUpdate) (*models.Order, error) {
	if update.ExecutedDelta.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: executed delta must be positive", ErrInvalidOrder)
	}

	var order models.Order
	if err := s.db.WithContext(ctx).Where("id = ?", update.OrderID).First(&order).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to find order: %w", err)
	}
	if !order.IsLocked || order.LockID == nil || *order.LockID != update.LockID {
		return nil, fmt.Errorf("%w: lock token mismatch", ErrOrderLocked)
	}

	newExecuted := order.ExecutedQuantity.Add(update.ExecutedDelta)
	if newExecuted.GreaterThan(order.OriginalQuantity) {
		return nil, fmt.Errorf("%w: executed quantity %s exceeds original %s",
			ErrInvalidOrder, newExecuted, order.OriginalQuantity)
	}

	status := models.OrderStatusPartiallyFilled
	working := true
	if newExecuted.GreaterThanOrEqual(order.OriginalQuantity) {
		status = models.OrderStatusFilled
		working = false
	}

	result := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND is_locked = ? AND lock_id = ?", update.OrderID, true, update.LockID).
		Updates(map[string]interface{}{
			"executed_quantity": newExecuted,
			"status":            status,
			"is_working":        working,
			"updated_at":        time.Now(),
		})
	if result.Error != nil {
		return nil, fmt.Errorf("failed to update order status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: lock lost during status update", ErrOrderLocked)
	}

	order.ExecutedQuantity = newExecuted
	order.Status = status
	order.IsWorking = working
	return &order, nil
}

// ReleaseExpiredLocks force-clears locks whose expiration has passed. Runs
// before each matching cycle; it is the only recovery path for a matcher
// that crashed mid-settlement.
func (s *Service) ReleaseExpiredLocks(ctx context.Context) (int, error) {
	result := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("is_locked = ? AND lock_expiration < ?", true, time.Now()).
		Updates(map[string]interface{}{
			"is_locked":        false,
			"lock_id":          nil,
			"lock_expiration":  nil,
			"locked_by_job_id": nil,
			"updated_at":       time.Now(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to release expired order locks: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		metrics.ExpiredLocksReclaimed.WithLabelValues("order").Add(float64(result.RowsAffected))
		s.logger.Warn("Released expired order locks", zap.Int64("count", result.RowsAffected))
	}
	return int(result.RowsAffected), nil
}

// CancelUnfilledMarketOrders cancels open market orders at the end of a
// matching cycle. Market orders are immediate-or-cancel: whatever quantity
// the sweep could not match does not rest on the book. Locked orders are
// left alone; a stale lock is cleared by the expiry sweep first.
func (s *Service) CancelUnfilledMarketOrders(ctx context.Context, symbol string) (int, error) {
	result := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("symbol = ? AND type = ? AND is_locked = ? AND status IN ?",
			symbol, models.OrderTypeMarket, false,
			[]string{models.OrderStatusNew, models.OrderStatusPartiallyFilled}).
		Updates(map[string]interface{}{
			"status":     models.OrderStatusCanceled,
			"is_working": false,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to cancel market orders: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		s.logger.Info("Canceled unfilled market orders",
			zap.String("symbol", symbol), zap.Int64("count", result.RowsAffected))
	}
	return int(result.RowsAffected), nil
}

// GetTradingPair loads a trading pair by symbol
func (s *Service) GetTradingPair(ctx context.Context, symbol string) (*models.TradingPair, error) {
	var pair models.TradingPair
	if err := s.db.WithContext(ctx).Where("symbol = ?", symbol).First(&pair).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrSymbolNotFound
		}
		return nil, fmt.Errorf("failed to find trading pair: %w", err)
	}
	return &pair, nil
}

// CreateTradingPair persists a new trading pair
func (s *Service) CreateTradingPair(ctx context.Context, pair *models.TradingPair) error {
	if pair.ID == uuid.Nil {
		pair.ID = uuid.New()
	}
	now := time.Now()
	pair.CreatedAt = now
	pair.UpdatedAt = now
	if err := s.db.WithContext(ctx).Create(pair).Error; err != nil {
		return fmt.Errorf("failed to create trading pair: %w", err)
	}
	return nil
}

// ListTradingPairs lists all trading pairs
func (s *Service) ListTradingPairs(ctx context.Context) ([]*models.TradingPair, error) {
	var pairs []*models.TradingPair
	if err := s.db.WithContext(ctx).Order("symbol").Find(&pairs).Error; err != nil {
		return nil, fmt.Errorf("failed to list trading pairs: %w", err)
	}
	return pairs, nil
}

func applyHistoryFilter(q *gorm.DB, filter *OrderHistoryFilter, statusColumn string) *gorm.DB {
	if filter == nil {
		return q
	}
	if filter.Symbol != "" {
		q = q.Where("symbol = ?", filter.Symbol)
	}
	if filter.Status != "" && statusColumn != "" {
		q = q.Where(statusColumn+" = ?", filter.Status)
	}
	if filter.From != nil {
		q = q.Where("created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		q = q.Where("created_at <= ?", *filter.To)
	}
	return q
}

func paginate(q *gorm.DB, filter *OrderHistoryFilter) *gorm.DB {
	limit := 50
	offset := 0
	if filter != nil {
		if filter.Limit > 0 {
			limit = filter.Limit
		}
		if filter.Offset > 0 {
			offset = filter.Offset
		}
	}
	return q.Limit(limit).Offset(offset)
}
