package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/meridianex/meridian/common/apiutil"
	"github.com/meridianex/meridian/internal/bookkeeper"
	"github.com/meridianex/meridian/internal/config"
	"github.com/meridianex/meridian/internal/identities"
	"github.com/meridianex/meridian/internal/matchmaking"
	"github.com/meridianex/meridian/internal/trading"
	"github.com/meridianex/meridian/pkg/models"
)

type ServerSuite struct {
	suite.Suite
	db       *gorm.DB
	identity identities.IdentityService
	books    bookkeeper.BookkeeperService
	orders   trading.OrderService
	matching *matchmaking.Service
	ts       *httptest.Server
	ctx      context.Context
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerSuite))
}

func (s *ServerSuite) SetupTest() {
	dsn := fmt.Sprintf("file:server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	s.Require().NoError(err)
	sqlDB, err := db.DB()
	s.Require().NoError(err)
	sqlDB.SetMaxOpenConns(1)
	s.Require().NoError(db.AutoMigrate(
		&models.User{}, &models.Order{}, &models.Trade{}, &models.TradingPair{},
		&models.Account{}, &models.BalanceLock{}, &models.Transaction{},
		&models.MatchingJob{}, &models.OrderMatcher{},
	))
	s.db = db
	s.ctx = context.Background()

	logger := zaptest.NewLogger(s.T())
	s.identity, err = identities.NewService(logger, db, "test-secret", 1)
	s.Require().NoError(err)
	s.books, err = bookkeeper.NewService(logger, db)
	s.Require().NoError(err)
	s.orders, err = trading.NewService(logger, db, nil)
	s.Require().NoError(err)

	matchCfg := config.MatchingConfig{
		Enabled:            true,
		Interval:           time.Second,
		OrderLockTimeout:   time.Minute,
		BalanceLockTimeout: time.Minute,
		Symbols:            []string{"BTC-USDT"},
		MaxOrdersPerBatch:  100,
		MaxTradesPerBatch:  100,
	}
	engine := matchmaking.NewEngine(logger, db,
		matchmaking.NewLocalOrderClient(s.orders),
		matchmaking.NewLocalBalanceClient(s.books),
		nil, nil, matchCfg)
	s.matching = matchmaking.NewService(logger, db, engine, matchCfg)

	cfg := &config.Config{}
	cfg.JWT.Secret = "test-secret"
	srv := New(logger, cfg, s.identity, s.books, s.orders, s.matching, nil)
	s.ts = httptest.NewServer(srv.Router())
	s.T().Cleanup(s.ts.Close)

	s.Require().NoError(s.orders.CreateTradingPair(s.ctx, &models.TradingPair{
		Symbol: "BTC-USDT", BaseCurrency: "BTC", QuoteCurrency: "USDT", Enabled: true,
	}))
}

func (s *ServerSuite) request(method, path, token string, body interface{}) (*http.Response, *apiutil.Response) {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.ts.URL+path, reader)
	s.Require().NoError(err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()

	var envelope apiutil.Response
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&envelope))
	return resp, &envelope
}

// registerAndLogin creates a user over the API and returns its token
func (s *ServerSuite) registerAndLogin(email, username string) string {
	resp, envelope := s.request(http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"email": email, "username": username, "password": "longenoughpass",
	})
	s.Require().Equal(http.StatusCreated, resp.StatusCode)
	s.Require().True(envelope.Success)

	resp, envelope = s.request(http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email": email, "password": "longenoughpass",
	})
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	data := envelope.Data.(map[string]interface{})
	return data["token"].(string)
}

func (s *ServerSuite) fund(userID uuid.UUID, currency, available string) {
	now := time.Now()
	s.Require().NoError(s.db.Create(&models.Account{
		ID:        uuid.New(),
		UserID:    userID,
		Currency:  currency,
		Available: decimal.RequireFromString(available),
		Locked:    decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}).Error)
}

func (s *ServerSuite) TestHealth() {
	resp, err := http.Get(s.ts.URL + "/health")
	s.Require().NoError(err)
	resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)
}

func (s *ServerSuite) TestAuthRequired() {
	resp, envelope := s.request(http.MethodGet, "/api/v1/accounts", "", nil)
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
	s.False(envelope.Success)
	s.NotEmpty(envelope.Message)
}

func (s *ServerSuite) TestRegisterLoginAndCreateOrder() {
	token := s.registerAndLogin("carol@example.com", "carol")

	resp, envelope := s.request(http.MethodPost, "/api/v1/orders", token, map[string]interface{}{
		"symbol":   "BTC-USDT",
		"side":     "BUY",
		"type":     "LIMIT",
		"price":    "50000",
		"quantity": "0.5",
	})
	s.Require().Equal(http.StatusCreated, resp.StatusCode)
	s.Require().True(envelope.Success)

	order := envelope.Data.(map[string]interface{})
	s.Equal("NEW", order["status"])

	// Invalid order comes back as a 400 envelope, not a 500.
	resp, envelope = s.request(http.MethodPost, "/api/v1/orders", token, map[string]interface{}{
		"symbol": "BTC-USDT", "side": "BUY", "type": "LIMIT", "quantity": "1",
	})
	s.Equal(http.StatusBadRequest, resp.StatusCode)
	s.False(envelope.Success)
}

func (s *ServerSuite) TestSettlementSurfaceRejectsUserTokens() {
	token := s.registerAndLogin("dave@example.com", "dave")

	resp, envelope := s.request(http.MethodPost, "/api/v1/internal/order/release-expired", token, nil)
	s.Equal(http.StatusForbidden, resp.StatusCode)
	s.False(envelope.Success)

	resp, _ = s.request(http.MethodPost, "/api/v1/internal/order/release-expired", "", nil)
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func (s *ServerSuite) TestMatchmakingEndpointsRequireAdmin() {
	token := s.registerAndLogin("erin@example.com", "erin")

	resp, _ := s.request(http.MethodGet, "/api/v1/matchmaking/status", token, nil)
	s.Equal(http.StatusForbidden, resp.StatusCode)

	// Promote and re-login.
	s.Require().NoError(s.db.Model(&models.User{}).
		Where("email = ?", "erin@example.com").Update("role", "admin").Error)
	resp, envelope := s.request(http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email": "erin@example.com", "password": "longenoughpass",
	})
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	adminToken := envelope.Data.(map[string]interface{})["token"].(string)

	resp, envelope = s.request(http.MethodGet, "/api/v1/matchmaking/status", adminToken, nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.True(envelope.Success)
}

// TestRemoteSettlementRoundTrip drives the matching engine through the HTTP
// settlement clients against this server, the split-deployment path.
func (s *ServerSuite) TestRemoteSettlementRoundTrip() {
	buyer, seller := uuid.New(), uuid.New()
	s.fund(buyer, "USDT", "200")
	s.fund(seller, "BTC", "1")

	_, err := s.orders.CreateOrder(s.ctx, &trading.CreateOrderRequest{
		UserID: seller, Symbol: "BTC-USDT", Side: models.OrderSideSell,
		Type: models.OrderTypeLimit, Price: decimal.RequireFromString("99"),
		Quantity: decimal.RequireFromString("1"),
	})
	s.Require().NoError(err)
	time.Sleep(2 * time.Millisecond)
	_, err = s.orders.CreateOrder(s.ctx, &trading.CreateOrderRequest{
		UserID: buyer, Symbol: "BTC-USDT", Side: models.OrderSideBuy,
		Type: models.OrderTypeLimit, Price: decimal.RequireFromString("101"),
		Quantity: decimal.RequireFromString("1"),
	})
	s.Require().NoError(err)

	tokens := matchmaking.TokenSource(func() (string, error) {
		return s.identity.ServiceToken("matcher")
	})
	baseURL := s.ts.URL + "/api/v1/internal"
	engine := matchmaking.NewEngine(zaptest.NewLogger(s.T()), s.db,
		matchmaking.NewHTTPOrderClient(baseURL, tokens),
		matchmaking.NewHTTPBalanceClient(baseURL, tokens),
		nil, nil, config.MatchingConfig{
			OrderLockTimeout:   time.Minute,
			BalanceLockTimeout: time.Minute,
			Symbols:            []string{"BTC-USDT"},
			MaxOrdersPerBatch:  100,
			MaxTradesPerBatch:  100,
		})

	job, err := engine.RunCycle(s.ctx, nil)
	s.Require().NoError(err)
	s.Equal(models.MatchingJobStatusCompleted, job.Status)
	s.Equal(1, job.TradesGenerated)

	var trade models.Trade
	s.Require().NoError(s.db.First(&trade).Error)
	s.True(trade.Price.Equal(decimal.RequireFromString("99")))

	// Settlement went through the account service: balances moved.
	account, err := s.books.GetAccount(s.ctx, seller.String(), "USDT")
	s.Require().NoError(err)
	s.True(account.Available.Equal(decimal.RequireFromString("99")))
}
