package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/meridianex/meridian/internal/bookkeeper"
	"github.com/meridianex/meridian/internal/config"
	"github.com/meridianex/meridian/internal/database"
	"github.com/meridianex/meridian/internal/identities"
	"github.com/meridianex/meridian/internal/marketdata"
	"github.com/meridianex/meridian/internal/matchmaking"
	"github.com/meridianex/meridian/internal/notification"
	"github.com/meridianex/meridian/internal/risk"
	"github.com/meridianex/meridian/internal/server"
	"github.com/meridianex/meridian/internal/trading"
	"github.com/meridianex/meridian/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	log, err := logger.NewLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer log.Sync()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}

	db, err := database.NewPostgresDB(
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
		cfg.Database.ConnMaxLifetime,
	)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}

	var redisClient *redis.Client
	var market marketdata.MarketDataService
	if cfg.Redis.Address != "" {
		redisClient, err = database.NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Warn("Redis unavailable, market data disabled", zap.Error(err))
		} else {
			market = marketdata.NewService(log, redisClient)
		}
	}

	identity, err := identities.NewService(log, db, cfg.JWT.Secret, cfg.JWT.ExpirationHours)
	if err != nil {
		log.Fatal("Failed to create identity service", zap.Error(err))
	}

	bk, err := bookkeeper.NewService(log, db)
	if err != nil {
		log.Fatal("Failed to create bookkeeper service", zap.Error(err))
	}

	var priceSource risk.PriceSource
	if market != nil {
		priceSource = market
	}
	riskSvc := risk.NewService(log, priceSource, risk.DefaultLimits())

	orders, err := trading.NewService(log, db, riskSvc)
	if err != nil {
		log.Fatal("Failed to create order service", zap.Error(err))
	}

	var notifier notification.Notifier = notification.NopNotifier{}
	if cfg.Kafka.EnableMessageQueue && len(cfg.Kafka.Brokers) > 0 {
		kafkaSvc := notification.NewService(log, cfg.Kafka.Brokers, cfg.Kafka.TradeTopic)
		defer kafkaSvc.Close()
		notifier = kafkaSvc
	}

	engine := matchmaking.NewEngine(
		log, db,
		matchmaking.NewLocalOrderClient(orders),
		matchmaking.NewLocalBalanceClient(bk),
		market, notifier,
		cfg.Matching,
	)
	matching := matchmaking.NewService(log, db, engine, cfg.Matching)
	matching.Start()

	srv := server.New(log, cfg, identity, bk, orders, matching, market)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			log.Error("HTTP server stopped", zap.Error(err))
		}
	}

	matching.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Graceful shutdown failed", zap.Error(err))
	}
	if redisClient != nil {
		redisClient.Close()
	}
	log.Info("Server stopped")
}
