package marketdata

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// Needs a live Redis: go test -run TestRecordAndReadLastPrice with
// REDIS_TEST_ADDR=localhost:6379.
func TestRecordAndReadLastPrice(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	svc := NewService(zaptest.NewLogger(t), client)
	ctx := context.Background()

	_, found, err := svc.LastPrice(ctx, "TEST-PAIR-NONE")
	require.NoError(t, err)
	require.False(t, found)

	price := decimal.RequireFromString("123.45")
	require.NoError(t, svc.RecordTrade(ctx, "TEST-PAIR", price, decimal.NewFromInt(1)))

	got, found, err := svc.LastPrice(ctx, "TEST-PAIR")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, got.Equal(price))
}
