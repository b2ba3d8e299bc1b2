package matchmaking

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/meridianex/meridian/internal/bookkeeper"
	"github.com/meridianex/meridian/internal/trading"
	"github.com/meridianex/meridian/pkg/models"
)

type SchedulerSuite struct {
	suite.Suite
	db  *gorm.DB
	svc *Service
	ctx context.Context
}

func TestSchedulerSuite(t *testing.T) {
	suite.Run(t, new(SchedulerSuite))
}

func (s *SchedulerSuite) SetupTest() {
	dsn := fmt.Sprintf("file:scheduler_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	s.Require().NoError(err)
	sqlDB, err := db.DB()
	s.Require().NoError(err)
	sqlDB.SetMaxOpenConns(1)
	s.Require().NoError(db.AutoMigrate(
		&models.Order{}, &models.Trade{}, &models.TradingPair{},
		&models.Account{}, &models.BalanceLock{}, &models.Transaction{},
		&models.MatchingJob{}, &models.OrderMatcher{},
	))
	s.db = db
	s.ctx = context.Background()

	logger := zaptest.NewLogger(s.T())
	orders, err := trading.NewService(logger, db, nil)
	s.Require().NoError(err)
	books, err := bookkeeper.NewService(logger, db)
	s.Require().NoError(err)
	s.Require().NoError(orders.CreateTradingPair(s.ctx, &models.TradingPair{
		Symbol: "BTC-USDT", BaseCurrency: "BTC", QuoteCurrency: "USDT", Enabled: true,
	}))

	cfg := testMatchingConfig()
	engine := NewEngine(logger, db,
		NewLocalOrderClient(orders), NewLocalBalanceClient(books), nil, nil, cfg)
	s.svc = NewService(logger, db, engine, cfg)
}

func (s *SchedulerSuite) TestTriggerRunsACycle() {
	job, err := s.svc.Trigger(s.ctx, false, nil)
	s.Require().NoError(err)
	s.Equal(models.MatchingJobStatusCompleted, job.Status)

	status := s.svc.Status()
	s.Equal("idle", status.State)
	s.Equal(job.ID.String(), status.LastJobID)
	s.NotNil(status.LastRunAt)
}

func (s *SchedulerSuite) TestTriggerRefusedWhileRunningUnlessForced() {
	s.svc.mu.Lock()
	s.svc.activeRuns = 1
	s.svc.mu.Unlock()

	_, err := s.svc.Trigger(s.ctx, false, nil)
	s.ErrorIs(err, ErrCycleInProgress)
	s.Equal("running", s.svc.Status().State)

	// Force bypasses the guard.
	job, err := s.svc.Trigger(s.ctx, true, nil)
	s.Require().NoError(err)
	s.Equal(models.MatchingJobStatusCompleted, job.Status)

	s.svc.mu.Lock()
	s.svc.activeRuns = 0
	s.svc.mu.Unlock()
}

func (s *SchedulerSuite) TestHistoryNewestFirst() {
	first, err := s.svc.Trigger(s.ctx, false, nil)
	s.Require().NoError(err)
	time.Sleep(2 * time.Millisecond)
	second, err := s.svc.Trigger(s.ctx, false, nil)
	s.Require().NoError(err)

	jobs, err := s.svc.History(s.ctx, 10, 0)
	s.Require().NoError(err)
	s.Require().Len(jobs, 2)
	s.Equal(second.ID, jobs[0].ID)
	s.Equal(first.ID, jobs[1].ID)
}

func (s *SchedulerSuite) TestUpdateSettings() {
	// A cycle creates the matcher row.
	_, err := s.svc.Trigger(s.ctx, false, nil)
	s.Require().NoError(err)

	disabled := false
	batch := 25
	s.Require().NoError(s.svc.UpdateSettings(s.ctx, &SettingsUpdate{
		Symbol:    "BTC-USDT",
		Enabled:   &disabled,
		BatchSize: &batch,
	}))

	stats, err := s.svc.Stats(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(stats, 1)
	s.False(stats[0].Enabled)
	s.Equal(25, stats[0].BatchSize)

	bad := -1
	s.Error(s.svc.UpdateSettings(s.ctx, &SettingsUpdate{Symbol: "BTC-USDT", BatchSize: &bad}))
	s.Error(s.svc.UpdateSettings(s.ctx, &SettingsUpdate{Symbol: "NOPE-USDT"}))
}

func TestSettlementSagaUnwindsInReverse(t *testing.T) {
	logger := zaptest.NewLogger(t)
	saga := newSettlementSaga(logger)

	var undone []string
	saga.record("first", func(ctx context.Context) error {
		undone = append(undone, "first")
		return nil
	})
	saga.record("second", func(ctx context.Context) error {
		undone = append(undone, "second")
		return nil
	})
	saga.record("third", func(ctx context.Context) error {
		undone = append(undone, "third")
		return fmt.Errorf("compensation lost")
	})

	saga.unwind(context.Background())
	if len(undone) != 3 || undone[0] != "third" || undone[1] != "second" || undone[2] != "first" {
		t.Fatalf("expected reverse-order unwind, got %v", undone)
	}

	// A second unwind is a no-op.
	undone = nil
	saga.unwind(context.Background())
	if len(undone) != 0 {
		t.Fatalf("expected empty unwind, got %v", undone)
	}
}

func TestSettlementSagaCommitDropsCompensations(t *testing.T) {
	saga := newSettlementSaga(zaptest.NewLogger(t))

	called := false
	saga.record("step", func(ctx context.Context) error {
		called = true
		return nil
	})
	saga.commit()
	saga.unwind(context.Background())
	if called {
		t.Fatal("compensation ran after commit")
	}
}
