package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order sides. Sides form a closed set; anything else is rejected at the API
// boundary before persistence.
const (
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"
)

// Order types
const (
	OrderTypeLimit           = "LIMIT"
	OrderTypeMarket          = "MARKET"
	OrderTypeStopLoss        = "STOP_LOSS"
	OrderTypeStopLossLimit   = "STOP_LOSS_LIMIT"
	OrderTypeTakeProfit      = "TAKE_PROFIT"
	OrderTypeTakeProfitLimit = "TAKE_PROFIT_LIMIT"
)

// Time in force
const (
	TimeInForceGTC = "GTC" // Good Till Cancelled
	TimeInForceIOC = "IOC" // Immediate Or Cancel
	TimeInForceFOK = "FOK" // Fill Or Kill
)

// Order statuses
const (
	OrderStatusNew             = "NEW"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCanceled        = "CANCELED"
	OrderStatusRejected        = "REJECTED"
)

// Balance lock statuses
const (
	BalanceLockStatusActive   = "ACTIVE"
	BalanceLockStatusReleased = "RELEASED"
	BalanceLockStatusConsumed = "CONSUMED"
)

// Matching job statuses
const (
	MatchingJobStatusRunning   = "RUNNING"
	MatchingJobStatusCompleted = "COMPLETED"
	MatchingJobStatusFailed    = "FAILED"
)

// Transaction types and statuses
const (
	TransactionTypeDeposit    = "deposit"
	TransactionTypeWithdrawal = "withdrawal"

	TransactionStatusPending   = "pending"
	TransactionStatusCompleted = "completed"
	TransactionStatusFailed    = "failed"
)

// User represents a user in the system
type User struct {
	ID           uuid.UUID `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	Email        string    `json:"email" gorm:"uniqueIndex" validate:"required,email,max=254"`
	Username     string    `json:"username" gorm:"uniqueIndex" validate:"required,min=3,max=30,alphanum"`
	PasswordHash string    `json:"-" gorm:"column:password_hash"`
	Role         string    `json:"role" gorm:"default:user" validate:"required,oneof=user admin service"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Account represents a user's balance for a single asset. Available is the
// free amount, Locked the amount claimed by active balance locks. Locking
// moves value between the two columns and never changes their sum.
type Account struct {
	ID        uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	UserID    uuid.UUID       `json:"user_id" gorm:"type:uuid;index:idx_account_user_currency,unique"`
	Currency  string          `json:"currency" gorm:"index:idx_account_user_currency,unique"`
	Available decimal.Decimal `json:"available" gorm:"type:decimal(32,16)"`
	Locked    decimal.Decimal `json:"locked" gorm:"type:decimal(32,16)"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// BalanceLock is the persisted record of a time-bounded claim on part of an
// account's available balance. The row id doubles as the lock token handed
// back to the caller.
type BalanceLock struct {
	ID        uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	UserID    uuid.UUID       `json:"user_id" gorm:"type:uuid;index"`
	Currency  string          `json:"currency"`
	Amount    decimal.Decimal `json:"amount" gorm:"type:decimal(32,16)"`
	OrderID   uuid.UUID       `json:"order_id" gorm:"type:uuid;index"`
	Status    string          `json:"status" gorm:"index"`
	ExpiresAt time.Time       `json:"expires_at" gorm:"index"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Order represents a resting instruction to trade
type Order struct {
	ID               uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	UserID           uuid.UUID       `json:"user_id" gorm:"type:uuid;index"`
	Symbol           string          `json:"symbol" gorm:"index:idx_order_symbol_status"`
	Side             string          `json:"side" validate:"required,oneof=BUY SELL"`
	Type             string          `json:"type" validate:"required"`
	TimeInForce      string          `json:"time_in_force" validate:"required,oneof=GTC IOC FOK"`
	Price            decimal.Decimal `json:"price" gorm:"type:decimal(32,16)"`
	StopPrice        decimal.Decimal `json:"stop_price" gorm:"type:decimal(32,16)"`
	OriginalQuantity decimal.Decimal `json:"original_quantity" gorm:"type:decimal(32,16)"`
	ExecutedQuantity decimal.Decimal `json:"executed_quantity" gorm:"type:decimal(32,16)"`
	Status           string          `json:"status" gorm:"index:idx_order_symbol_status"`
	IsWorking        bool            `json:"is_working"`

	// Lock overlay. IsLocked is orthogonal to Status and is always cleared
	// by a successful match, an explicit release, or the expiry sweep.
	IsLocked       bool       `json:"is_locked" gorm:"index"`
	LockID         *uuid.UUID `json:"lock_id,omitempty" gorm:"type:uuid"`
	LockExpiration *time.Time `json:"lock_expiration,omitempty"`
	LockedByJobID  *uuid.UUID `json:"locked_by_job_id,omitempty" gorm:"type:uuid"`

	CreatedAt time.Time `json:"created_at" gorm:"index"`
	UpdatedAt time.Time `json:"updated_at"`

	Trades []Trade `json:"trades,omitempty" gorm:"-"`
}

// RemainingQuantity returns the unfilled portion of the order
func (o *Order) RemainingQuantity() decimal.Decimal {
	return o.OriginalQuantity.Sub(o.ExecutedQuantity)
}

// IsTerminal reports whether the order can never trade again
func (o *Order) IsTerminal() bool {
	return o.Status == OrderStatusFilled || o.Status == OrderStatusCanceled || o.Status == OrderStatusRejected
}

// Trade is an immutable execution record. Rows are written exactly once by
// trade settlement and never updated.
type Trade struct {
	ID          uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	MatchID     uuid.UUID       `json:"match_id" gorm:"type:uuid;index"`
	Symbol      string          `json:"symbol" gorm:"index"`
	BuyOrderID  uuid.UUID       `json:"buy_order_id" gorm:"type:uuid;index"`
	SellOrderID uuid.UUID       `json:"sell_order_id" gorm:"type:uuid;index"`
	BuyerID     uuid.UUID       `json:"buyer_id" gorm:"type:uuid;index"`
	SellerID    uuid.UUID       `json:"seller_id" gorm:"type:uuid;index"`
	Price       decimal.Decimal `json:"price" gorm:"type:decimal(32,16)"`
	Quantity    decimal.Decimal `json:"quantity" gorm:"type:decimal(32,16)"`
	BuyerFee    decimal.Decimal `json:"buyer_fee" gorm:"type:decimal(32,16)"`
	SellerFee   decimal.Decimal `json:"seller_fee" gorm:"type:decimal(32,16)"`
	MakerSide   string          `json:"maker_side"`
	CreatedAt   time.Time       `json:"created_at" gorm:"index"`
}

// Transaction represents a deposit or withdrawal with tracked status
type Transaction struct {
	ID          uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	UserID      uuid.UUID       `json:"user_id" gorm:"type:uuid;index"`
	Type        string          `json:"type" validate:"required,oneof=deposit withdrawal"`
	Amount      decimal.Decimal `json:"amount" gorm:"type:decimal(32,16)" validate:"required"`
	Currency    string          `json:"currency" validate:"required"`
	Status      string          `json:"status" validate:"required,oneof=pending completed failed"`
	Reference   string          `json:"reference"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at"`
}

// TradingPair represents a tradable symbol split into base and quote assets.
// The matching engine uses the split to decide which asset each side locks.
type TradingPair struct {
	ID            uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	Symbol        string          `json:"symbol" gorm:"uniqueIndex" validate:"required"`
	BaseCurrency  string          `json:"base_currency" validate:"required"`
	QuoteCurrency string          `json:"quote_currency" validate:"required"`
	MinQuantity   decimal.Decimal `json:"min_quantity" gorm:"type:decimal(32,16)"`
	MaxQuantity   decimal.Decimal `json:"max_quantity" gorm:"type:decimal(32,16)"`
	Enabled       bool            `json:"enabled" gorm:"default:true"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// MatchingJob records one execution of the matching cycle for audit and
// metrics. It is written at cycle start, finalized at cycle end, and never
// read back by the matching logic itself.
type MatchingJob struct {
	ID               uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	Symbols          string          `json:"symbols"`
	Status           string          `json:"status" gorm:"index"`
	OrdersProcessed  int             `json:"orders_processed"`
	OrdersMatched    int             `json:"orders_matched"`
	TradesGenerated  int             `json:"trades_generated"`
	Volume           decimal.Decimal `json:"volume" gorm:"type:decimal(32,16)"`
	ProcessingTimeMs int64           `json:"processing_time_ms"`
	Errors           string          `json:"errors" gorm:"type:text"`
	StartedAt        time.Time       `json:"started_at" gorm:"index"`
	FinishedAt       *time.Time      `json:"finished_at"`
}

// OrderMatcher holds per-symbol matching configuration and cumulative stats
type OrderMatcher struct {
	ID               uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	Symbol           string          `json:"symbol" gorm:"uniqueIndex"`
	Enabled          bool            `json:"enabled" gorm:"default:true"`
	BatchSize        int             `json:"batch_size"`
	IntervalSeconds  int             `json:"interval_seconds"`
	LastRunAt        *time.Time      `json:"last_run_at"`
	OrdersProcessed  int64           `json:"orders_processed"`
	TradesGenerated  int64           `json:"trades_generated"`
	TotalVolume      decimal.Decimal `json:"total_volume" gorm:"type:decimal(32,16)"`
	AvgMatchTimeMs   float64         `json:"avg_match_time_ms"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}
