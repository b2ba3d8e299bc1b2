package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridianex/meridian/common/apiutil"
	"github.com/meridianex/meridian/internal/bookkeeper"
	"github.com/meridianex/meridian/internal/trading"
)

// The settlement surface speaks the lock protocol: a refused lock is not an
// HTTP 5xx but an unsuccessful envelope, so a remote matching engine can tell
// contention apart from transport failure.

func (s *Server) handleInternalOpenOrders(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		apiutil.Fail(c, http.StatusBadRequest, "symbol is required")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "500"))
	orders, err := s.orders.GetOpenOrders(c.Request.Context(), symbol, limit)
	if err != nil {
		s.failFromError(c, err)
		return
	}
	apiutil.OK(c, orders)
}

func (s *Server) handleInternalGetPair(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		apiutil.Fail(c, http.StatusBadRequest, "symbol is required")
		return
	}
	pair, err := s.orders.GetTradingPair(c.Request.Context(), symbol)
	if err != nil {
		s.failFromError(c, err)
		return
	}
	apiutil.OK(c, pair)
}

type orderLockRequest struct {
	OrderID        uuid.UUID `json:"orderId" binding:"required"`
	LockID         uuid.UUID `json:"lockId" binding:"required"`
	JobID          uuid.UUID `json:"jobId"`
	TimeoutSeconds int       `json:"timeoutSeconds"`
}

func (s *Server) handleInternalLockOrder(c *gin.Context) {
	var req orderLockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiutil.Fail(c, http.StatusBadRequest, err.Error())
		return
	}
	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	result, err := s.orders.LockOrder(c.Request.Context(), req.OrderID, req.LockID, req.JobID, timeout)
	if err != nil {
		s.failFromError(c, err)
		return
	}
	if !result.Success {
		apiutil.Fail(c, http.StatusConflict, result.Message)
		return
	}
	apiutil.OK(c, result)
}

func (s *Server) handleInternalUnlockOrder(c *gin.Context) {
	var req struct {
		OrderID uuid.UUID `json:"orderId" binding:"required"`
		LockID  uuid.UUID `json:"lockId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apiutil.Fail(c, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.orders.UnlockOrder(c.Request.Context(), req.OrderID, req.LockID)
	if err != nil {
		s.failFromError(c, err)
		return
	}
	if !result.Success {
		apiutil.Fail(c, http.StatusConflict, result.Message)
		return
	}
	apiutil.OK(c, result)
}

func (s *Server) handleInternalOrderStatus(c *gin.Context) {
	var update trading.StatusUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		apiutil.Fail(c, http.StatusBadRequest, err.Error())
		return
	}
	order, err := s.orders.UpdateOrderStatus(c.Request.Context(), &update)
	if err != nil {
		s.failFromError(c, err)
		return
	}
	apiutil.OK(c, order)
}

func (s *Server) handleInternalReleaseOrderLocks(c *gin.Context) {
	released, err := s.orders.ReleaseExpiredLocks(c.Request.Context())
	if err != nil {
		s.failFromError(c, err)
		return
	}
	apiutil.OK(c, gin.H{"released": released})
}

func (s *Server) handleInternalCancelMarketOrders(c *gin.Context) {
	var req struct {
		Symbol string `json:"symbol" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apiutil.Fail(c, http.StatusBadRequest, err.Error())
		return
	}
	canceled, err := s.orders.CancelUnfilledMarketOrders(c.Request.Context(), req.Symbol)
	if err != nil {
		s.failFromError(c, err)
		return
	}
	apiutil.OK(c, gin.H{"canceled": canceled})
}

type balanceLockRequest struct {
	UserID         uuid.UUID       `json:"userId" binding:"required"`
	Asset          string          `json:"asset" binding:"required"`
	Amount         decimal.Decimal `json:"amount" binding:"required"`
	OrderID        uuid.UUID       `json:"orderId" binding:"required"`
	TimeoutSeconds int             `json:"timeoutSeconds"`
}

func (s *Server) handleInternalLockBalance(c *gin.Context) {
	var req balanceLockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiutil.Fail(c, http.StatusBadRequest, err.Error())
		return
	}
	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	result, err := s.bookkeeper.LockFunds(c.Request.Context(), req.UserID, req.Asset, req.Amount, req.OrderID, timeout)
	if err != nil {
		s.failFromError(c, err)
		return
	}
	if !result.Success {
		apiutil.Fail(c, http.StatusUnprocessableEntity, result.Message)
		return
	}
	apiutil.OK(c, result)
}

func (s *Server) handleInternalUnlockBalance(c *gin.Context) {
	var req struct {
		LockID uuid.UUID `json:"lockId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apiutil.Fail(c, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.bookkeeper.UnlockFunds(c.Request.Context(), req.LockID)
	if err != nil {
		s.failFromError(c, err)
		return
	}
	if !result.Success {
		apiutil.Fail(c, http.StatusConflict, result.Message)
		return
	}
	apiutil.OK(c, result)
}

func (s *Server) handleInternalExecuteTrade(c *gin.Context) {
	var exec bookkeeper.TradeExecution
	if err := c.ShouldBindJSON(&exec); err != nil {
		apiutil.Fail(c, http.StatusBadRequest, err.Error())
		return
	}
	trade, err := s.bookkeeper.ExecuteTrade(c.Request.Context(), &exec)
	if err != nil {
		s.failFromError(c, err)
		return
	}
	apiutil.Created(c, trade)
}

func (s *Server) handleInternalReleaseBalanceLocks(c *gin.Context) {
	released, err := s.bookkeeper.ReleaseExpiredLocks(c.Request.Context())
	if err != nil {
		s.failFromError(c, err)
		return
	}
	apiutil.OK(c, gin.H{"released": released})
}
