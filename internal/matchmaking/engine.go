// Package matchmaking implements the order matching engine: per-symbol
// price-time-priority sweeps over open orders, and the cross-service
// settlement protocol that turns a crossed pair into an executed trade.
//
// Settlement for one pair is a saga: lock both orders, lock both balances,
// execute the trade, update order statuses, release the order locks. Any
// failure unwinds exactly the completed prefix; whatever cannot be unwound
// is reclaimed by the lock expiry sweep on a later cycle.
package matchmaking

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/meridianex/meridian/internal/bookkeeper"
	"github.com/meridianex/meridian/internal/config"
	"github.com/meridianex/meridian/internal/notification"
	"github.com/meridianex/meridian/internal/trading"
	"github.com/meridianex/meridian/pkg/metrics"
	"github.com/meridianex/meridian/pkg/models"
)

// MarketRecorder receives executed trade prices. Optional.
type MarketRecorder interface {
	RecordTrade(ctx context.Context, symbol string, price, quantity decimal.Decimal) error
}

// Engine drives matching cycles. It owns no mutable matching state between
// cycles; everything it needs is reloaded from the stores each run.
type Engine struct {
	logger     *zap.Logger
	db         *gorm.DB
	orders     OrderClient
	balances   BalanceClient
	marketData MarketRecorder
	notifier   notification.Notifier
	cfg        config.MatchingConfig
}

// NewEngine creates a matching engine. marketData and notifier may be nil.
func NewEngine(logger *zap.Logger, db *gorm.DB, orders OrderClient, balances BalanceClient, marketData MarketRecorder, notifier notification.Notifier, cfg config.MatchingConfig) *Engine {
	if notifier == nil {
		notifier = notification.NopNotifier{}
	}
	return &Engine{
		logger:     logger,
		db:         db,
		orders:     orders,
		balances:   balances,
		marketData: marketData,
		notifier:   notifier,
		cfg:        cfg,
	}
}

// symbolResult aggregates one symbol's share of a cycle
type symbolResult struct {
	ordersProcessed int
	ordersMatched   int
	tradesGenerated int
	volume          decimal.Decimal
	errors          []string
}

// RunCycle executes one matching cycle over the given symbols (all enabled
// symbols when empty) and persists the batch record. The batch record is
// written even when the cycle fails; the returned error reflects whether
// any symbol aborted.
func (e *Engine) RunCycle(ctx context.Context, symbols []string) (*models.MatchingJob, error) {
	if len(symbols) == 0 {
		symbols = e.cfg.Symbols
	}

	started := time.Now()
	job := &models.MatchingJob{
		ID:        uuid.New(),
		Symbols:   strings.Join(symbols, ","),
		Status:    models.MatchingJobStatusRunning,
		Volume:    decimal.Zero,
		StartedAt: started,
	}
	if err := e.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("failed to create matching job: %w", err)
	}

	// Reclaim stale locks before matching so orders stuck by a crashed
	// settlement re-enter the pool this cycle.
	if _, err := e.orders.ReleaseExpiredLocks(ctx); err != nil {
		e.logger.Error("Order lock sweep failed", zap.Error(err))
	}
	if _, err := e.balances.ReleaseExpiredLocks(ctx); err != nil {
		e.logger.Error("Balance lock sweep failed", zap.Error(err))
	}

	var allErrors []string
	for _, symbol := range symbols {
		matcher, err := e.ensureMatcher(ctx, symbol)
		if err != nil {
			allErrors = append(allErrors, fmt.Sprintf("%s: %v", symbol, err))
			continue
		}
		if !matcher.Enabled {
			continue
		}

		symbolStart := time.Now()
		result := e.matchSymbol(ctx, job.ID, symbol, matcher.BatchSize)
		elapsed := time.Since(symbolStart)

		job.OrdersProcessed += result.ordersProcessed
		job.OrdersMatched += result.ordersMatched
		job.TradesGenerated += result.tradesGenerated
		job.Volume = job.Volume.Add(result.volume)
		for _, msg := range result.errors {
			allErrors = append(allErrors, fmt.Sprintf("%s: %s", symbol, msg))
		}

		metrics.MatchCycleDuration.WithLabelValues(symbol).Observe(elapsed.Seconds())
		if err := e.updateMatcherStats(ctx, matcher, result, elapsed); err != nil {
			e.logger.Error("Failed to update matcher stats",
				zap.String("symbol", symbol), zap.Error(err))
		}
	}

	// Finalize the batch record no matter how the symbols fared.
	now := time.Now()
	job.ProcessingTimeMs = now.Sub(started).Milliseconds()
	job.FinishedAt = &now
	job.Status = models.MatchingJobStatusCompleted
	if len(allErrors) > 0 {
		job.Status = models.MatchingJobStatusFailed
		if encoded, err := json.Marshal(allErrors); err == nil {
			job.Errors = string(encoded)
		}
	}
	if err := e.db.WithContext(ctx).Save(job).Error; err != nil {
		e.logger.Error("Failed to finalize matching job",
			zap.String("job_id", job.ID.String()), zap.Error(err))
	}

	e.logger.Info("Matching cycle finished",
		zap.String("job_id", job.ID.String()),
		zap.String("status", job.Status),
		zap.Int("orders_processed", job.OrdersProcessed),
		zap.Int("trades_generated", job.TradesGenerated),
		zap.Int64("duration_ms", job.ProcessingTimeMs))

	if len(allErrors) > 0 {
		return job, fmt.Errorf("matching cycle completed with %d errors", len(allErrors))
	}
	return job, nil
}

// pairOutcome tells the sweep which cursor(s) to advance after a pair attempt
type pairOutcome int

const (
	outcomeBuyBlocked pairOutcome = iota
	outcomeSellBlocked
	outcomeBothBlocked
	outcomeSettled
)

// matchSymbol runs the two-cursor price-time sweep for one symbol. A panic
// anywhere in the sweep aborts this symbol only; the cycle carries on.
func (e *Engine) matchSymbol(ctx context.Context, jobID uuid.UUID, symbol string, batchSize int) (result symbolResult) {
	result.volume = decimal.Zero
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Matching sweep panicked", zap.String("symbol", symbol), zap.Any("panic", r))
			result.errors = append(result.errors, fmt.Sprintf("sweep aborted: %v", r))
		}
	}()

	pair, err := e.orders.GetTradingPair(ctx, symbol)
	if err != nil {
		result.errors = append(result.errors, fmt.Sprintf("load trading pair: %v", err))
		return result
	}

	if batchSize <= 0 {
		batchSize = e.cfg.MaxOrdersPerBatch
	}
	open, err := e.orders.GetOpenOrders(ctx, symbol, batchSize)
	if err != nil {
		result.errors = append(result.errors, fmt.Sprintf("load open orders: %v", err))
		return result
	}

	buys, sells := splitAndSort(open)
	result.ordersProcessed = len(buys) + len(sells)
	metrics.OrdersProcessed.WithLabelValues(models.OrderSideBuy).Add(float64(len(buys)))
	metrics.OrdersProcessed.WithLabelValues(models.OrderSideSell).Add(float64(len(sells)))

	buyIdx, sellIdx := 0, 0
	for buyIdx < len(buys) && sellIdx < len(sells) {
		if result.tradesGenerated >= e.cfg.MaxTradesPerBatch {
			break
		}
		buy, sell := buys[buyIdx], sells[sellIdx]

		if !crossable(buy, sell) {
			if buy.Type == models.OrderTypeMarket && sell.Type == models.OrderTypeMarket {
				// Two market orders cannot price each other; pass over
				// the later one so priced orders behind it are still
				// reachable this cycle.
				if buy.CreatedAt.After(sell.CreatedAt) {
					buyIdx++
				} else {
					sellIdx++
				}
				continue
			}
			// Both cursor orders are priced and the books are sorted:
			// nothing further down can cross either.
			break
		}

		outcome, settled, errMsg := e.matchPair(ctx, jobID, pair, buy, sell)
		if errMsg != "" {
			result.errors = append(result.errors, errMsg)
		}

		switch outcome {
		case outcomeBuyBlocked:
			buyIdx++
		case outcomeSellBlocked:
			sellIdx++
		case outcomeBothBlocked:
			buyIdx++
			sellIdx++
		case outcomeSettled:
			result.ordersMatched += 2
			result.tradesGenerated++
			result.volume = result.volume.Add(settled.trade.Quantity.Mul(settled.trade.Price))
			metrics.TradesSettled.WithLabelValues(symbol).Inc()

			if settled.buyDone {
				buyIdx++
			}
			if settled.sellDone {
				sellIdx++
			}
		}
	}

	canceled, err := e.orders.CancelUnfilledMarketOrders(ctx, symbol)
	if err != nil {
		result.errors = append(result.errors, fmt.Sprintf("cancel unfilled market orders: %v", err))
	} else if canceled > 0 {
		e.logger.Info("Canceled unfilled market orders",
			zap.String("symbol", symbol), zap.Int("count", canceled))
	}
	return result
}

// settledMatch reports a committed trade and which sides are finished for
// the rest of the cycle. A side whose status update failed is finished even
// with quantity remaining: its recorded fill state is stale, so it takes no
// further matches until the next cycle reloads it.
type settledMatch struct {
	trade    *models.Trade
	buyDone  bool
	sellDone bool
}

// matchPair runs the settlement saga for one crossed pair. The returned
// outcome tells the sweep which cursor to advance; the error message, when
// non-empty, goes to the batch record.
func (e *Engine) matchPair(ctx context.Context, jobID uuid.UUID, pair *models.TradingPair, buy, sell *models.Order) (pairOutcome, *settledMatch, string) {
	saga := newSettlementSaga(e.logger)

	// Step 1: lock both orders. A refused lock just skips that side this
	// cycle; the order re-enters the pool next cycle.
	buyLockID := uuid.New()
	res, err := e.orders.LockOrder(ctx, buy.ID, buyLockID, jobID, e.cfg.OrderLockTimeout)
	if err != nil {
		return outcomeBuyBlocked, nil, fmt.Sprintf("lock buy order %s: %v", buy.ID, err)
	}
	if !res.Success {
		return outcomeBuyBlocked, nil, ""
	}
	saga.record("lock buy order", func(ctx context.Context) error {
		_, err := e.orders.UnlockOrder(ctx, buy.ID, buyLockID)
		return err
	})

	sellLockID := uuid.New()
	res, err = e.orders.LockOrder(ctx, sell.ID, sellLockID, jobID, e.cfg.OrderLockTimeout)
	if err != nil {
		saga.unwind(ctx)
		return outcomeSellBlocked, nil, fmt.Sprintf("lock sell order %s: %v", sell.ID, err)
	}
	if !res.Success {
		saga.unwind(ctx)
		return outcomeSellBlocked, nil, ""
	}
	saga.record("lock sell order", func(ctx context.Context) error {
		_, err := e.orders.UnlockOrder(ctx, sell.ID, sellLockID)
		return err
	})

	// Step 2: size the match. The maker is the earlier order and its price
	// settles the trade; balance locks are sized from that same price.
	quantity := decimal.Min(buy.RemainingQuantity(), sell.RemainingQuantity())
	price, makerSide, ok := matchPrice(buy, sell)
	if !ok {
		saga.unwind(ctx)
		return outcomeBothBlocked, nil, fmt.Sprintf("no price for pair %s/%s", buy.ID, sell.ID)
	}
	cost := quantity.Mul(price)

	// Step 3: lock both balances. Insufficient funds on one side releases
	// everything taken so far and skips that side's order.
	buyerLock, err := e.balances.LockBalance(ctx, buy.UserID, pair.QuoteCurrency, cost, buy.ID, e.cfg.BalanceLockTimeout)
	if err != nil {
		saga.unwind(ctx)
		return outcomeBuyBlocked, nil, fmt.Sprintf("lock buyer balance: %v", err)
	}
	if !buyerLock.Success {
		metrics.BalanceLockFailures.Inc()
		saga.unwind(ctx)
		return outcomeBuyBlocked, nil, ""
	}
	saga.record("lock buyer balance", func(ctx context.Context) error {
		_, err := e.balances.UnlockBalance(ctx, buyerLock.LockID)
		return err
	})

	sellerLock, err := e.balances.LockBalance(ctx, sell.UserID, pair.BaseCurrency, quantity, sell.ID, e.cfg.BalanceLockTimeout)
	if err != nil {
		saga.unwind(ctx)
		return outcomeSellBlocked, nil, fmt.Sprintf("lock seller balance: %v", err)
	}
	if !sellerLock.Success {
		metrics.BalanceLockFailures.Inc()
		saga.unwind(ctx)
		return outcomeSellBlocked, nil, ""
	}
	saga.record("lock seller balance", func(ctx context.Context) error {
		_, err := e.balances.UnlockBalance(ctx, sellerLock.LockID)
		return err
	})

	// Step 4: execute. All-or-nothing on the account side; a failure leaves
	// both balance locks active, so the unwind releases them.
	matchID := uuid.New()
	trade, err := e.balances.ExecuteTrade(ctx, &bookkeeper.TradeExecution{
		MatchID:       matchID,
		Symbol:        pair.Symbol,
		BaseCurrency:  pair.BaseCurrency,
		QuoteCurrency: pair.QuoteCurrency,
		BuyOrderID:    buy.ID,
		SellOrderID:   sell.ID,
		BuyerID:       buy.UserID,
		SellerID:      sell.UserID,
		BuyerLockID:   buyerLock.LockID,
		SellerLockID:  sellerLock.LockID,
		Price:         price,
		Quantity:      quantity,
		MakerSide:     makerSide,
	})
	if err != nil {
		saga.unwind(ctx)
		return outcomeBothBlocked, nil, fmt.Sprintf("execute trade: %v", err)
	}
	saga.commit()

	// Step 5: apply fills while the order locks are still held. The trade
	// is already settled, so a status failure is recorded but not unwound;
	// the mismatch surfaces in the batch record for reconciliation. The
	// failed side is done for this cycle: its in-memory quantity no longer
	// reflects the store, and matching it again would overfill the order.
	settled := &settledMatch{}
	var statusErr string
	if _, err := e.orders.UpdateOrderStatus(ctx, &trading.StatusUpdate{
		OrderID: buy.ID, LockID: buyLockID, ExecutedDelta: quantity,
	}); err != nil {
		statusErr = fmt.Sprintf("update buy order status: %v", err)
		settled.buyDone = true
	} else {
		buy.ExecutedQuantity = buy.ExecutedQuantity.Add(quantity)
		settled.buyDone = buy.RemainingQuantity().LessThanOrEqual(decimal.Zero)
	}
	if _, err := e.orders.UpdateOrderStatus(ctx, &trading.StatusUpdate{
		OrderID: sell.ID, LockID: sellLockID, ExecutedDelta: quantity,
	}); err != nil {
		if statusErr != "" {
			statusErr += "; "
		}
		statusErr += fmt.Sprintf("update sell order status: %v", err)
		settled.sellDone = true
	} else {
		sell.ExecutedQuantity = sell.ExecutedQuantity.Add(quantity)
		settled.sellDone = sell.RemainingQuantity().LessThanOrEqual(decimal.Zero)
	}

	// Step 6: release the order locks.
	if _, err := e.orders.UnlockOrder(ctx, buy.ID, buyLockID); err != nil {
		e.logger.Error("Failed to unlock buy order after settlement",
			zap.String("order_id", buy.ID.String()), zap.Error(err))
	}
	if _, err := e.orders.UnlockOrder(ctx, sell.ID, sellLockID); err != nil {
		e.logger.Error("Failed to unlock sell order after settlement",
			zap.String("order_id", sell.ID.String()), zap.Error(err))
	}

	if e.marketData != nil {
		if err := e.marketData.RecordTrade(ctx, pair.Symbol, trade.Price, trade.Quantity); err != nil {
			e.logger.Warn("Failed to record trade price", zap.Error(err))
		}
	}
	e.notifier.TradeExecuted(ctx, trade)

	settled.trade = trade
	return outcomeSettled, settled, statusErr
}

// ensureMatcher loads or creates the per-symbol matcher row
func (e *Engine) ensureMatcher(ctx context.Context, symbol string) (*models.OrderMatcher, error) {
	var matcher models.OrderMatcher
	err := e.db.WithContext(ctx).Where("symbol = ?", symbol).First(&matcher).Error
	if err == nil {
		return &matcher, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("failed to load matcher: %w", err)
	}

	now := time.Now()
	matcher = models.OrderMatcher{
		ID:              uuid.New(),
		Symbol:          symbol,
		Enabled:         true,
		BatchSize:       e.cfg.MaxOrdersPerBatch,
		IntervalSeconds: int(e.cfg.Interval.Seconds()),
		TotalVolume:     decimal.Zero,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.db.WithContext(ctx).Create(&matcher).Error; err != nil {
		return nil, fmt.Errorf("failed to create matcher: %w", err)
	}
	return &matcher, nil
}

// updateMatcherStats folds one cycle into the matcher's cumulative stats.
// The average match time is exponentially smoothed.
func (e *Engine) updateMatcherStats(ctx context.Context, matcher *models.OrderMatcher, result symbolResult, elapsed time.Duration) error {
	now := time.Now()
	latest := float64(elapsed.Milliseconds())
	if matcher.AvgMatchTimeMs == 0 {
		matcher.AvgMatchTimeMs = latest
	} else {
		matcher.AvgMatchTimeMs = matcher.AvgMatchTimeMs*0.9 + latest*0.1
	}
	matcher.OrdersProcessed += int64(result.ordersProcessed)
	matcher.TradesGenerated += int64(result.tradesGenerated)
	matcher.TotalVolume = matcher.TotalVolume.Add(result.volume)
	matcher.LastRunAt = &now
	matcher.UpdatedAt = now
	return e.db.WithContext(ctx).Save(matcher).Error
}

// splitAndSort divides matchable orders by side and orders each book by
// price-time priority: buys best (highest) price first, sells best (lowest)
// price first, earliest arrival breaking price ties. Market orders outrank
// every limit price on their side.
func splitAndSort(orders []*models.Order) (buys, sells []*models.Order) {
	for _, o := range orders {
		if o.Type != models.OrderTypeLimit && o.Type != models.OrderTypeMarket {
			continue
		}
		if o.Side == models.OrderSideBuy {
			buys = append(buys, o)
		} else {
			sells = append(sells, o)
		}
	}

	sort.SliceStable(buys, func(i, j int) bool {
		bi, bj := buys[i], buys[j]
		if (bi.Type == models.OrderTypeMarket) != (bj.Type == models.OrderTypeMarket) {
			return bi.Type == models.OrderTypeMarket
		}
		if !bi.Price.Equal(bj.Price) {
			return bi.Price.GreaterThan(bj.Price)
		}
		return bi.CreatedAt.Before(bj.CreatedAt)
	})
	sort.SliceStable(sells, func(i, j int) bool {
		si, sj := sells[i], sells[j]
		if (si.Type == models.OrderTypeMarket) != (sj.Type == models.OrderTypeMarket) {
			return si.Type == models.OrderTypeMarket
		}
		if !si.Price.Equal(sj.Price) {
			return si.Price.LessThan(sj.Price)
		}
		return si.CreatedAt.Before(sj.CreatedAt)
	})
	return buys, sells
}

// crossable reports whether the pair can trade. A market order crosses any
// priced counterparty; two market orders cannot price a trade.
func crossable(buy, sell *models.Order) bool {
	buyMarket := buy.Type == models.OrderTypeMarket
	sellMarket := sell.Type == models.OrderTypeMarket
	if buyMarket && sellMarket {
		return false
	}
	if buyMarket || sellMarket {
		return true
	}
	return buy.Price.GreaterThanOrEqual(sell.Price)
}

// matchPrice applies the maker price rule: the earlier order is the maker
// and its price settles the trade. A market maker has no price, so the
// counterparty's limit price is used instead.
func matchPrice(buy, sell *models.Order) (decimal.Decimal, string, bool) {
	maker, taker := buy, sell
	makerSide := models.OrderSideBuy
	if sell.CreatedAt.Before(buy.CreatedAt) {
		maker, taker = sell, buy
		makerSide = models.OrderSideSell
	}
	if maker.Type != models.OrderTypeMarket {
		return maker.Price, makerSide, true
	}
	if taker.Type != models.OrderTypeMarket {
		return taker.Price, makerSide, true
	}
	return decimal.Zero, "", false
}
