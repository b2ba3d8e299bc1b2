package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianex/meridian/common/apiutil"
	"github.com/meridianex/meridian/internal/bookkeeper"
	"github.com/meridianex/meridian/internal/identities"
	"github.com/meridianex/meridian/internal/matchmaking"
	"github.com/meridianex/meridian/internal/risk"
	"github.com/meridianex/meridian/internal/trading"
	"github.com/meridianex/meridian/pkg/models"
)

func callerID(c *gin.Context) uuid.UUID {
	if v, ok := c.Get("userID"); ok {
		if id, ok := v.(uuid.UUID); ok {
			return id
		}
	}
	return uuid.Nil
}

// failFromError maps domain errors onto HTTP statuses. Unknown errors are
// reported as 500 without leaking internals.
func (s *Server) failFromError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, identities.ErrUserExists):
		apiutil.Fail(c, http.StatusConflict, err.Error())
	case errors.Is(err, identities.ErrInvalidCredentials), errors.Is(err, identities.ErrInvalidToken):
		apiutil.Fail(c, http.StatusUnauthorized, err.Error())
	case errors.Is(err, trading.ErrOrderNotFound),
		errors.Is(err, trading.ErrSymbolNotFound),
		errors.Is(err, identities.ErrUserNotFound),
		errors.Is(err, bookkeeper.ErrAccountNotFound),
		errors.Is(err, bookkeeper.ErrLockNotFound),
		errors.Is(err, bookkeeper.ErrTransactionNotFound):
		apiutil.Fail(c, http.StatusNotFound, err.Error())
	case errors.Is(err, trading.ErrOrderLocked):
		apiutil.Fail(c, http.StatusConflict, err.Error())
	case errors.Is(err, trading.ErrOrderTerminal),
		errors.Is(err, trading.ErrSymbolDisabled),
		errors.Is(err, bookkeeper.ErrInsufficientFunds),
		errors.Is(err, bookkeeper.ErrInvalidAmount),
		errors.Is(err, bookkeeper.ErrLockNotActive),
		errors.Is(err, risk.ErrRiskRejected):
		apiutil.Fail(c, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, trading.ErrInvalidOrder):
		apiutil.Fail(c, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("Request failed", zap.Error(err))
		apiutil.Fail(c, http.StatusInternalServerError, "internal error")
	}
}

// --- auth ---

func (s *Server) handleRegister(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required,email"`
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required,min=8"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apiutil.Fail(c, http.StatusBadRequest, err.Error())
		return
	}
	user, err := s.identity.Register(c.Request.Context(), req.Email, req.Username, req.Password)
	if err != nil {
		s.failFromError(c, err)
		return
	}
	apiutil.Created(c, user)
}

func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required,email"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		apiutil.Fail(c, http.StatusBadRequest, err.Error())
		return
	}
	token, user, err := s.identity.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		s.failFromError(c, err)
		return
	}
	apiutil.OK(c, gin.H{"token": token, "user": user})
}

func (s *Server) handleMe(c *gin.Context) {
	user, err := s.identity.GetUser(c.Request.Context(), callerID(c).String())
	if err != nil {
		s.failFromError(c, err)
		return
	}
	apiutil.OK(c, user)
}

// --- accounts ---

func (s *Server) handleGetAccounts(c *gin.Context) {
	accounts, err := s.bookkeeper.GetAccounts(c.Request.Context(), callerID(c).String())
	if err != nil {
		s.failFromError(c, err)
		return
	}
	apiutil.OK(c, accounts)
}

func (s *Server) handleGetAccount(c *gin.Context) {
	account, err := s.bookkeeper.GetAccount(c.Request.Context(), callerID(c).String(), c.Param("currency"))
	if err != nil {
		s.failFromError(c, err)
		return
	}
	apiutil.OK(c, account)
}

type fundsRequest struct {
	Currency  string          `json:"currency" binding:"required"`
	Amount    decimal.Decimal `json:"amount" binding:"required"`
	Reference string          `json:"reference"`
}

func (s *Server) handleDeposit(c *gin.Context) {
	var req fundsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiutil.Fail(c, http.StatusBadRequest, err.Error())
		return
	}
	tx, err := s.bookkeeper.Deposit(c.Request.Context(), callerID(c).String(), req.Currency, req.Amount, req.Reference)
	if err != nil {
		s.failFromError(c, err)
		return
	}
	apiutil.Created(c, tx)
}

func (s *Server) handleWithdraw(c *gin.Context) {
	var req fundsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiutil.Fail(c, http.StatusBadRequest, err.Error())
		return
	}
	tx, err := s.bookkeeper.Withdraw(c.Request.Context(), callerID(c).String(), req.Currency, req.Amount, req.Reference)
	if err != nil {
		s.failFromError(c, err)
		return
	}
	apiutil.Created(c, tx)
}

func (s *Server) handleGetTransactions(c *gin.Context) {
	limit, offset := pagination(c)
	txs, total, err := s.bookkeeper.GetTransactions(c.Request.Context(), callerID(c).String(), limit, offset)
	if err != nil {
		s.failFromError(c, err)
		return
	}
	apiutil.OK(c, gin.H{"transactions": txs, "total": total})
}

// --- orders ---

func (s *Server) handleCreateOrder(c *gin.Context) {
	var req trading.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiutil.Fail(c, http.StatusBadRequest, err.Error())
		return
	}
	req.UserID = callerID(c)
	order, err := s.orders.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		s.failFromError(c, err)
		return
	}
	apiutil.Created(c, order)
}

func (s *Server) handleGetOrder(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		apiutil.Fail(c, http.StatusBadRequest, "invalid order id")
		return
	}
	order, err := s.orders.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		s.failFromError(c, err)
		return
	}
	if order.UserID != callerID(c) && c.GetString("role") != "admin" {
		apiutil.Fail(c, http.StatusNotFound, trading.ErrOrderNotFound.Error())
		return
	}
	apiutil.OK(c, order)
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		apiutil.Fail(c, http.StatusBadRequest, "invalid order id")
		return
	}
	order, err := s.orders.CancelOrder(c.Request.Context(), callerID(c), orderID)
	if err != nil {
		s.failFromError(c, err)
		return
	}
	apiutil.OK(c, order)
}

func (s *Server) handleOpenOrders(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		apiutil.Fail(c, http.StatusBadRequest, "symbol is required")
		return
	}
	limit, _ := pagination(c)
	orders, err := s.orders.GetOpenOrders(c.Request.Context(), symbol, limit)
	if err != nil {
		s.failFromError(c, err)
		return
	}
	apiutil.OK(c, orders)
}

func (s *Server) handleOrderHistory(c *gin.Context) {
	filter := historyFilter(c)
	orders, total, err := s.orders.GetOrderHistory(c.Request.Context(), callerID(c), filter)
	if err != nil {
		s.failFromError(c, err)
		return
	}
	apiutil.OK(c, gin.H{"orders": orders, "total": total})
}

func (s *Server) handleTradeHistory(c *gin.Context) {
	filter := historyFilter(c)
	trades, total, err := s.orders.GetTradeHistory(c.Request.Context(), callerID(c), filter)
	if err != nil {
		s.failFromError(c, err)
		return
	}
	apiutil.OK(c, gin.H{"trades": trades, "total": total})
}

// --- trading pairs ---

func (s *Server) handleListPairs(c *gin.Context) {
	pairs, err := s.orders.ListTradingPairs(c.Request.Context())
	if err != nil {
		s.failFromError(c, err)
		return
	}
	apiutil.OK(c, pairs)
}

func (s *Server) handleCreatePair(c *gin.Context) {
	var pair models.TradingPair
	if err := c.ShouldBindJSON(&pair); err != nil {
		apiutil.Fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.orders.CreateTradingPair(c.Request.Context(), &pair); err != nil {
		s.failFromError(c, err)
		return
	}
	apiutil.Created(c, pair)
}

// --- market data ---

func (s *Server) handleLastPrice(c *gin.Context) {
	if s.market == nil {
		apiutil.Fail(c, http.StatusServiceUnavailable, "market data unavailable")
		return
	}
	symbol := c.Param("symbol")
	price, found, err := s.market.LastPrice(c.Request.Context(), symbol)
	if err != nil {
		s.failFromError(c, err)
		return
	}
	if !found {
		apiutil.Fail(c, http.StatusNotFound, "no trades recorded for symbol")
		return
	}
	apiutil.OK(c, gin.H{"symbol": symbol, "price": price})
}

// --- matchmaking ---

func (s *Server) handleMatchingTrigger(c *gin.Context) {
	var req struct {
		Force   bool     `json:"forceRun"`
		Symbols []string `json:"symbols"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apiutil.Fail(c, http.StatusBadRequest, err.Error())
			return
		}
	}
	job, err := s.matching.Trigger(c.Request.Context(), req.Force, req.Symbols)
	if err != nil {
		if errors.Is(err, matchmaking.ErrCycleInProgress) {
			apiutil.Fail(c, http.StatusConflict, err.Error())
			return
		}
		// The batch record carries the per-symbol failures.
		if job != nil {
			apiutil.FailWithData(c, http.StatusUnprocessableEntity, err.Error(), job)
			return
		}
		s.failFromError(c, err)
		return
	}
	apiutil.OK(c, job)
}

func (s *Server) handleMatchingStatus(c *gin.Context) {
	apiutil.OK(c, s.matching.Status())
}

func (s *Server) handleMatchingHistory(c *gin.Context) {
	limit, offset := pagination(c)
	jobs, err := s.matching.History(c.Request.Context(), limit, offset)
	if err != nil {
		s.failFromError(c, err)
		return
	}
	apiutil.OK(c, jobs)
}

func (s *Server) handleMatchingStats(c *gin.Context) {
	stats, err := s.matching.Stats(c.Request.Context())
	if err != nil {
		s.failFromError(c, err)
		return
	}
	apiutil.OK(c, stats)
}

func (s *Server) handleMatchingSettings(c *gin.Context) {
	var req matchmaking.SettingsUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		apiutil.Fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.matching.UpdateSettings(c.Request.Context(), &req); err != nil {
		s.failFromError(c, err)
		return
	}
	apiutil.OK(c, gin.H{"symbol": req.Symbol})
}

// --- helpers ---

func pagination(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func historyFilter(c *gin.Context) *trading.OrderHistoryFilter {
	limit, offset := pagination(c)
	filter := &trading.OrderHistoryFilter{
		Symbol: c.Query("symbol"),
		Status: c.Query("status"),
		Limit:  limit,
		Offset: offset,
	}
	if v := c.Query("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.From = &t
		}
	}
	if v := c.Query("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.To = &t
		}
	}
	return filter
}
