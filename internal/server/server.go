// Package server wires the HTTP API: public trading and account endpoints,
// the authenticated settlement surface used by the matching engine, and the
// matchmaking control endpoints.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/meridianex/meridian/common/apiutil"
	"github.com/meridianex/meridian/internal/bookkeeper"
	"github.com/meridianex/meridian/internal/config"
	"github.com/meridianex/meridian/internal/identities"
	"github.com/meridianex/meridian/internal/marketdata"
	"github.com/meridianex/meridian/internal/matchmaking"
	"github.com/meridianex/meridian/internal/trading"
)

// Server hosts the REST API over the domain services
type Server struct {
	logger     *zap.Logger
	cfg        *config.Config
	identity   identities.IdentityService
	bookkeeper bookkeeper.BookkeeperService
	orders     trading.OrderService
	matching   matchmaking.MatchMakingService
	market     marketdata.MarketDataService

	router *gin.Engine
	http   *http.Server
}

// New creates the server and registers all routes. market may be nil when
// Redis is not configured.
func New(
	logger *zap.Logger,
	cfg *config.Config,
	identity identities.IdentityService,
	bk bookkeeper.BookkeeperService,
	orders trading.OrderService,
	matching matchmaking.MatchMakingService,
	market marketdata.MarketDataService,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(cors.Default())

	s := &Server{
		logger:     logger,
		cfg:        cfg,
		identity:   identity,
		bookkeeper: bk,
		orders:     orders,
		matching:   matching,
		market:     market,
		router:     router,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api/v1")

	auth := api.Group("/auth")
	{
		auth.POST("/register", s.handleRegister)
		auth.POST("/login", s.handleLogin)
		auth.GET("/me", s.authMiddleware(), s.handleMe)
	}

	accounts := api.Group("/accounts", s.authMiddleware())
	{
		accounts.GET("", s.handleGetAccounts)
		accounts.GET("/transactions", s.handleGetTransactions)
		accounts.GET("/:currency", s.handleGetAccount)
		accounts.POST("/deposit", s.handleDeposit)
		accounts.POST("/withdraw", s.handleWithdraw)
	}

	orders := api.Group("/orders", s.authMiddleware())
	{
		orders.POST("", s.handleCreateOrder)
		orders.GET("", s.handleOrderHistory)
		orders.GET("/open", s.handleOpenOrders)
		orders.GET("/:id", s.handleGetOrder)
		orders.DELETE("/:id", s.handleCancelOrder)
	}
	api.GET("/trades", s.authMiddleware(), s.handleTradeHistory)

	pairs := api.Group("/pairs")
	{
		pairs.GET("", s.handleListPairs)
		pairs.POST("", s.authMiddleware(), s.requireRole("admin"), s.handleCreatePair)
	}

	api.GET("/market/price/:symbol", s.handleLastPrice)

	matching := api.Group("/matchmaking", s.authMiddleware(), s.requireRole("admin"))
	{
		matching.POST("/trigger", s.handleMatchingTrigger)
		matching.GET("/status", s.handleMatchingStatus)
		matching.GET("/history", s.handleMatchingHistory)
		matching.GET("/stats", s.handleMatchingStats)
		matching.PUT("/settings", s.handleMatchingSettings)
	}

	// Settlement surface: only service tokens issued to the matching engine
	// may call these.
	internal := api.Group("/internal", s.serviceAuthMiddleware())
	{
		internal.GET("/order/open", s.handleInternalOpenOrders)
		internal.GET("/order/pair", s.handleInternalGetPair)
		internal.POST("/order/lock", s.handleInternalLockOrder)
		internal.POST("/order/unlock", s.handleInternalUnlockOrder)
		internal.PUT("/order/status", s.handleInternalOrderStatus)
		internal.POST("/order/release-expired", s.handleInternalReleaseOrderLocks)
		internal.POST("/order/cancel-market", s.handleInternalCancelMarketOrders)

		internal.POST("/account/lock-balance", s.handleInternalLockBalance)
		internal.POST("/account/unlock-balance", s.handleInternalUnlockBalance)
		internal.POST("/account/execute-trade", s.handleInternalExecuteTrade)
		internal.POST("/account/release-expired", s.handleInternalReleaseBalanceLocks)
	}
}

// authMiddleware validates the Bearer token and stores the caller identity
// on the request context
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			apiutil.Fail(c, http.StatusUnauthorized, "missing authorization token")
			c.Abort()
			return
		}
		claims, err := s.identity.ValidateToken(token)
		if err != nil {
			apiutil.Fail(c, http.StatusUnauthorized, "invalid token")
			c.Abort()
			return
		}
		c.Set("userID", claims.UserID)
		c.Set("role", claims.Role)
		c.Next()
	}
}

// serviceAuthMiddleware admits only tokens carrying a service claim
func (s *Server) serviceAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			apiutil.Fail(c, http.StatusUnauthorized, "missing authorization token")
			c.Abort()
			return
		}
		claims, err := s.identity.ValidateToken(token)
		if err != nil || claims.Service == "" {
			apiutil.Fail(c, http.StatusForbidden, "service token required")
			c.Abort()
			return
		}
		c.Set("service", claims.Service)
		c.Next()
	}
}

func (s *Server) requireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString("role") != role {
			apiutil.Fail(c, http.StatusForbidden, "insufficient permissions")
			c.Abort()
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(header, "Bearer ")
}

// Run starts the HTTP server and blocks until it exits
func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}
	s.logger.Info("HTTP server listening", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Router exposes the gin engine for tests
func (s *Server) Router() *gin.Engine {
	return s.router
}
