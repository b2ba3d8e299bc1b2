package database

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/meridianex/meridian/pkg/models"
)

// entityRegistration names one persisted entity and the raw indexes it needs
// beyond what its struct tags declare.
type entityRegistration struct {
	name    string
	model   interface{}
	indexes []string
}

// registry is the static list of every persisted entity. Migration walks
// this table; nothing is discovered at runtime.
var registry = []entityRegistration{
	{name: "users", model: &models.User{}},
	{name: "accounts", model: &models.Account{}},
	{name: "balance_locks", model: &models.BalanceLock{}, indexes: []string{
		"CREATE INDEX IF NOT EXISTS idx_balance_locks_active_expiry ON balance_locks (status, expires_at)",
	}},
	{name: "orders", model: &models.Order{}, indexes: []string{
		"CREATE INDEX IF NOT EXISTS idx_orders_locked_expiry ON orders (is_locked, lock_expiration)",
		"CREATE INDEX IF NOT EXISTS idx_orders_user_created ON orders (user_id, created_at)",
	}},
	{name: "trades", model: &models.Trade{}},
	{name: "transactions", model: &models.Transaction{}},
	{name: "trading_pairs", model: &models.TradingPair{}},
	{name: "matching_jobs", model: &models.MatchingJob{}},
	{name: "order_matchers", model: &models.OrderMatcher{}},
}

// Migrate creates or updates the schema for every registered entity
func Migrate(db *gorm.DB) error {
	for _, reg := range registry {
		if err := db.AutoMigrate(reg.model); err != nil {
			return fmt.Errorf("failed to migrate %s: %w", reg.name, err)
		}
		for _, idx := range reg.indexes {
			if err := db.Exec(idx).Error; err != nil {
				return fmt.Errorf("failed to create index for %s: %w", reg.name, err)
			}
		}
	}
	return nil
}
