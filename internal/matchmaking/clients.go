package matchmaking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridianex/meridian/common/apiutil"
	"github.com/meridianex/meridian/internal/bookkeeper"
	"github.com/meridianex/meridian/internal/trading"
	"github.com/meridianex/meridian/pkg/models"
)

// OrderClient is the engine's view of the Order service settlement surface
type OrderClient interface {
	GetOpenOrders(ctx context.Context, symbol string, limit int) ([]*models.Order, error)
	GetTradingPair(ctx context.Context, symbol string) (*models.TradingPair, error)
	LockOrder(ctx context.Context, orderID, lockID, jobID uuid.UUID, timeout time.Duration) (*trading.LockResult, error)
	UnlockOrder(ctx context.Context, orderID, lockID uuid.UUID) (*trading.LockResult, error)
	UpdateOrderStatus(ctx context.Context, update *trading.StatusUpdate) (*models.Order, error)
	ReleaseExpiredLocks(ctx context.Context) (int, error)
	CancelUnfilledMarketOrders(ctx context.Context, symbol string) (int, error)
}

// BalanceClient is the engine's view of the Account service settlement surface
type BalanceClient interface {
	LockBalance(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, orderID uuid.UUID, timeout time.Duration) (*bookkeeper.LockResult, error)
	UnlockBalance(ctx context.Context, lockID uuid.UUID) (*bookkeeper.LockResult, error)
	ExecuteTrade(ctx context.Context, exec *bookkeeper.TradeExecution) (*models.Trade, error)
	ReleaseExpiredLocks(ctx context.Context) (int, error)
}

// localOrderClient binds the engine directly to an in-process order service.
// Used in the unified single-binary deployment and in tests.
type localOrderClient struct {
	svc trading.OrderService
}

// NewLocalOrderClient wraps an in-process OrderService as an OrderClient
func NewLocalOrderClient(svc trading.OrderService) OrderClient {
	return &localOrderClient{svc: svc}
}

func (c *localOrderClient) GetOpenOrders(ctx context.Context, symbol string, limit int) ([]*models.Order, error) {
	return c.svc.GetOpenOrders(ctx, symbol, limit)
}

func (c *localOrderClient) GetTradingPair(ctx context.Context, symbol string) (*models.TradingPair, error) {
	return c.svc.GetTradingPair(ctx, symbol)
}

func (c *localOrderClient) LockOrder(ctx context.Context, orderID, lockID, jobID uuid.UUID, timeout time.Duration) (*trading.LockResult, error) {
	return c.svc.LockOrder(ctx, orderID, lockID, jobID, timeout)
}

func (c *localOrderClient) UnlockOrder(ctx context.Context, orderID, lockID uuid.UUID) (*trading.LockResult, error) {
	return c.svc.UnlockOrder(ctx, orderID, lockID)
}

func (c *localOrderClient) UpdateOrderStatus(ctx context.Context, update *trading.StatusUpdate) (*models.Order, error) {
	return c.svc.UpdateOrderStatus(ctx, update)
}

func (c *localOrderClient) ReleaseExpiredLocks(ctx context.Context) (int, error) {
	return c.svc.ReleaseExpiredLocks(ctx)
}

func (c *localOrderClient) CancelUnfilledMarketOrders(ctx context.Context, symbol string) (int, error) {
	return c.svc.CancelUnfilledMarketOrders(ctx, symbol)
}

// localBalanceClient binds the engine directly to an in-process bookkeeper
type localBalanceClient struct {
	svc bookkeeper.BookkeeperService
}

// NewLocalBalanceClient wraps an in-process BookkeeperService as a BalanceClient
func NewLocalBalanceClient(svc bookkeeper.BookkeeperService) BalanceClient {
	return &localBalanceClient{svc: svc}
}

func (c *localBalanceClient) LockBalance(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, orderID uuid.UUID, timeout time.Duration) (*bookkeeper.LockResult, error) {
	return c.svc.LockFunds(ctx, userID, currency, amount, orderID, timeout)
}

func (c *localBalanceClient) UnlockBalance(ctx context.Context, lockID uuid.UUID) (*bookkeeper.LockResult, error) {
	return c.svc.UnlockFunds(ctx, lockID)
}

func (c *localBalanceClient) ExecuteTrade(ctx context.Context, exec *bookkeeper.TradeExecution) (*models.Trade, error) {
	return c.svc.ExecuteTrade(ctx, exec)
}

func (c *localBalanceClient) ReleaseExpiredLocks(ctx context.Context) (int, error) {
	return c.svc.ReleaseExpiredLocks(ctx)
}

// TokenSource supplies the Bearer token for service-to-service calls
type TokenSource func() (string, error)

// httpClient is the shared plumbing for the HTTP client implementations:
// JSON bodies, Bearer service JWT, {success, data, message, code} envelope.
type httpClient struct {
	baseURL string
	client  *http.Client
	token   TokenSource
}

func newHTTPClient(baseURL string, token TokenSource) *httpClient {
	return &httpClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		token:   token,
	}
}

// do sends a request and decodes the envelope's data field into out. An
// unsuccessful envelope with 2xx/4xx status comes back as *RefusedError so
// callers can tell protocol refusals from transport failures.
func (h *httpClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != nil {
		token, err := h.token()
		if err != nil {
			return fmt.Errorf("failed to get service token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var envelope apiutil.Response
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("failed to decode response (status %d): %w", resp.StatusCode, err)
	}

	if !envelope.Success {
		return &RefusedError{Code: envelope.Code, Message: envelope.Message}
	}
	if out != nil && envelope.Data != nil {
		data, err := json.Marshal(envelope.Data)
		if err != nil {
			return fmt.Errorf("failed to re-marshal data: %w", err)
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode data: %w", err)
		}
	}
	return nil
}

// RefusedError is a protocol-level refusal carried in the response envelope
type RefusedError struct {
	Code    int
	Message string
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("refused (%d): %s", e.Code, e.Message)
}

// HTTPOrderClient talks to a remote Order service over its settlement API
type HTTPOrderClient struct {
	http *httpClient
}

// NewHTTPOrderClient creates an OrderClient for a remote Trading service
func NewHTTPOrderClient(baseURL string, token TokenSource) *HTTPOrderClient {
	return &HTTPOrderClient{http: newHTTPClient(baseURL, token)}
}

func (c *HTTPOrderClient) GetOpenOrders(ctx context.Context, symbol string, limit int) ([]*models.Order, error) {
	var orders []*models.Order
	path := "/order/open?symbol=" + url.QueryEscape(symbol) + "&limit=" + strconv.Itoa(limit)
	if err := c.http.do(ctx, http.MethodGet, path, nil, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (c *HTTPOrderClient) GetTradingPair(ctx context.Context, symbol string) (*models.TradingPair, error) {
	var pair models.TradingPair
	if err := c.http.do(ctx, http.MethodGet, "/order/pair?symbol="+url.QueryEscape(symbol), nil, &pair); err != nil {
		return nil, err
	}
	return &pair, nil
}

func (c *HTTPOrderClient) LockOrder(ctx context.Context, orderID, lockID, jobID uuid.UUID, timeout time.Duration) (*trading.LockResult, error) {
	body := map[string]interface{}{
		"orderId":        orderID,
		"lockId":         lockID,
		"jobId":          jobID,
		"timeoutSeconds": int(timeout.Seconds()),
	}
	var result trading.LockResult
	err := c.http.do(ctx, http.MethodPost, "/order/lock", body, &result)
	if err != nil {
		var refused *RefusedError
		if errors.As(err, &refused) {
			return &trading.LockResult{Success: false, Message: refused.Message}, nil
		}
		return nil, err
	}
	result.Success = true
	return &result, nil
}

func (c *HTTPOrderClient) UnlockOrder(ctx context.Context, orderID, lockID uuid.UUID) (*trading.LockResult, error) {
	body := map[string]interface{}{"orderId": orderID, "lockId": lockID}
	var result trading.LockResult
	err := c.http.do(ctx, http.MethodPost, "/order/unlock", body, &result)
	if err != nil {
		var refused *RefusedError
		if errors.As(err, &refused) {
			return &trading.LockResult{Success: false, Message: refused.Message}, nil
		}
		return nil, err
	}
	result.Success = true
	return &result, nil
}

func (c *HTTPOrderClient) UpdateOrderStatus(ctx context.Context, update *trading.StatusUpdate) (*models.Order, error) {
	var order models.Order
	if err := c.http.do(ctx, http.MethodPut, "/order/status", update, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (c *HTTPOrderClient) ReleaseExpiredLocks(ctx context.Context) (int, error) {
	var released struct {
		Released int `json:"released"`
	}
	if err := c.http.do(ctx, http.MethodPost, "/order/release-expired", nil, &released); err != nil {
		return 0, err
	}
	return released.Released, nil
}

func (c *HTTPOrderClient) CancelUnfilledMarketOrders(ctx context.Context, symbol string) (int, error) {
	body := map[string]interface{}{"symbol": symbol}
	var canceled struct {
		Canceled int `json:"canceled"`
	}
	if err := c.http.do(ctx, http.MethodPost, "/order/cancel-market", body, &canceled); err != nil {
		return 0, err
	}
	return canceled.Canceled, nil
}

// HTTPBalanceClient talks to a remote Account service over its settlement API
type HTTPBalanceClient struct {
	http *httpClient
}

// NewHTTPBalanceClient creates a BalanceClient for a remote Account service
func NewHTTPBalanceClient(baseURL string, token TokenSource) *HTTPBalanceClient {
	return &HTTPBalanceClient{http: newHTTPClient(baseURL, token)}
}

func (c *HTTPBalanceClient) LockBalance(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, orderID uuid.UUID, timeout time.Duration) (*bookkeeper.LockResult, error) {
	body := map[string]interface{}{
		"userId":         userID,
		"asset":          currency,
		"amount":         amount,
		"orderId":        orderID,
		"timeoutSeconds": int(timeout.Seconds()),
	}
	var result bookkeeper.LockResult
	err := c.http.do(ctx, http.MethodPost, "/account/lock-balance", body, &result)
	if err != nil {
		var refused *RefusedError
		if errors.As(err, &refused) {
			return &bookkeeper.LockResult{Success: false, Message: refused.Message}, nil
		}
		return nil, err
	}
	result.Success = true
	return &result, nil
}

func (c *HTTPBalanceClient) UnlockBalance(ctx context.Context, lockID uuid.UUID) (*bookkeeper.LockResult, error) {
	body := map[string]interface{}{"lockId": lockID}
	var result bookkeeper.LockResult
	err := c.http.do(ctx, http.MethodPost, "/account/unlock-balance", body, &result)
	if err != nil {
		var refused *RefusedError
		if errors.As(err, &refused) {
			return &bookkeeper.LockResult{Success: false, Message: refused.Message}, nil
		}
		return nil, err
	}
	result.Success = true
	return &result, nil
}

func (c *HTTPBalanceClient) ExecuteTrade(ctx context.Context, exec *bookkeeper.TradeExecution) (*models.Trade, error) {
	var trade models.Trade
	if err := c.http.do(ctx, http.MethodPost, "/account/execute-trade", exec, &trade); err != nil {
		return nil, err
	}
	return &trade, nil
}

func (c *HTTPBalanceClient) ReleaseExpiredLocks(ctx context.Context) (int, error) {
	var released struct {
		Released int `json:"released"`
	}
	if err := c.http.do(ctx, http.MethodPost, "/account/release-expired", nil, &released); err != nil {
		return 0, err
	}
	return released.Released, nil
}
