package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/meridianex/meridian/internal/config"
	"github.com/meridianex/meridian/pkg/models"
)

// ErrCycleInProgress is returned when a trigger arrives while a cycle is
// already running and the caller did not force the run.
var ErrCycleInProgress = errors.New("matching cycle already in progress")

// MatchMakingService exposes matching engine control and observability
type MatchMakingService interface {
	Start()
	Stop()
	Trigger(ctx context.Context, force bool, symbols []string) (*models.MatchingJob, error)
	Status() *EngineStatus
	History(ctx context.Context, limit, offset int) ([]models.MatchingJob, error)
	Stats(ctx context.Context) ([]models.OrderMatcher, error)
	UpdateSettings(ctx context.Context, update *SettingsUpdate) error
}

// EngineStatus is a point-in-time snapshot of the scheduler
type EngineStatus struct {
	State       string     `json:"state"`
	Enabled     bool       `json:"enabled"`
	IntervalSec int        `json:"interval_seconds"`
	Symbols     []string   `json:"symbols"`
	LastJobID   string     `json:"last_job_id,omitempty"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	ActiveRuns  int        `json:"active_runs"`
}

// SettingsUpdate adjusts a symbol's matcher row at runtime
type SettingsUpdate struct {
	Symbol          string `json:"symbol" binding:"required"`
	Enabled         *bool  `json:"enabled"`
	BatchSize       *int   `json:"batch_size"`
	IntervalSeconds *int   `json:"interval_seconds"`
}

// Service schedules matching cycles. Ticks never queue: a tick that lands
// while a cycle is running is dropped, since the next tick will see whatever
// work the skipped one would have.
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
	engine *Engine
	cfg    config.MatchingConfig

	mu         sync.Mutex
	activeRuns int
	lastJobID  string
	lastRunAt  *time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewService creates the matchmaking scheduler around an engine
func NewService(logger *zap.Logger, db *gorm.DB, engine *Engine, cfg config.MatchingConfig) *Service {
	return &Service{
		logger: logger,
		db:     db,
		engine: engine,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// Start launches the periodic scheduler. No-op when matching is disabled.
func (s *Service) Start() {
	if !s.cfg.Enabled {
		s.logger.Info("Matching scheduler disabled")
		return
	}
	s.wg.Add(1)
	go s.runLoop()
	s.logger.Info("Matching scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Strings("symbols", s.cfg.Symbols))
}

// Stop halts the scheduler and waits for an in-flight cycle to finish
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Service) runLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Interval*3)
			if _, err := s.Trigger(ctx, false, nil); err != nil && !errors.Is(err, ErrCycleInProgress) {
				s.logger.Error("Scheduled matching cycle failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Trigger runs one matching cycle synchronously. Without force it refuses
// while another cycle is running; force bypasses the guard for operator use.
func (s *Service) Trigger(ctx context.Context, force bool, symbols []string) (*models.MatchingJob, error) {
	s.mu.Lock()
	if s.activeRuns > 0 && !force {
		s.mu.Unlock()
		return nil, ErrCycleInProgress
	}
	s.activeRuns++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.activeRuns--
		s.mu.Unlock()
	}()

	job, err := s.engine.RunCycle(ctx, symbols)
	if job != nil {
		now := time.Now()
		s.mu.Lock()
		s.lastJobID = job.ID.String()
		s.lastRunAt = &now
		s.mu.Unlock()
	}
	return job, err
}

// Status reports the scheduler snapshot
func (s *Service) Status() *EngineStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := "idle"
	if s.activeRuns > 0 {
		state = "running"
	}
	return &EngineStatus{
		State:       state,
		Enabled:     s.cfg.Enabled,
		IntervalSec: int(s.cfg.Interval.Seconds()),
		Symbols:     s.cfg.Symbols,
		LastJobID:   s.lastJobID,
		LastRunAt:   s.lastRunAt,
		ActiveRuns:  s.activeRuns,
	}
}

// History returns past matching batches, newest first
func (s *Service) History(ctx context.Context, limit, offset int) ([]models.MatchingJob, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var jobs []models.MatchingJob
	err := s.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load matching history: %w", err)
	}
	return jobs, nil
}

// Stats returns the per-symbol matcher rows with cumulative counters
func (s *Service) Stats(ctx context.Context) ([]models.OrderMatcher, error) {
	var matchers []models.OrderMatcher
	if err := s.db.WithContext(ctx).Order("symbol ASC").Find(&matchers).Error; err != nil {
		return nil, fmt.Errorf("failed to load matcher stats: %w", err)
	}
	return matchers, nil
}

// UpdateSettings changes a symbol's matcher configuration. Only the fields
// present in the update are touched.
func (s *Service) UpdateSettings(ctx context.Context, update *SettingsUpdate) error {
	var matcher models.OrderMatcher
	err := s.db.WithContext(ctx).Where("symbol = ?", update.Symbol).First(&matcher).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return fmt.Errorf("no matcher for symbol %s", update.Symbol)
		}
		return fmt.Errorf("failed to load matcher: %w", err)
	}

	changes := map[string]interface{}{"updated_at": time.Now()}
	if update.Enabled != nil {
		changes["enabled"] = *update.Enabled
	}
	if update.BatchSize != nil {
		if *update.BatchSize <= 0 {
			return errors.New("batch size must be positive")
		}
		changes["batch_size"] = *update.BatchSize
	}
	if update.IntervalSeconds != nil {
		if *update.IntervalSeconds <= 0 {
			return errors.New("interval must be positive")
		}
		changes["interval_seconds"] = *update.IntervalSeconds
	}

	if err := s.db.WithContext(ctx).Model(&matcher).Updates(changes).Error; err != nil {
		return fmt.Errorf("failed to update matcher settings: %w", err)
	}

	s.logger.Info("Matcher settings updated", zap.String("symbol", update.Symbol))
	return nil
}
