// Package invest is a thin REST client for the Tinkoff Invest API. Every
// call goes through the rate-limited request gateway; the client only
// handles encoding, authentication and error surfacing.
package invest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"rebound-trader/internal/gateway"
)

const servicePrefix = "tinkoff.public.invest.api.contract.v1."

// Doer issues a categorized HTTP request. Satisfied by *gateway.Gateway.
type Doer interface {
	Do(ctx context.Context, category gateway.Category, req *http.Request) (*http.Response, error)
}

// APIError is a non-2xx broker response.
type APIError struct {
	HTTPStatus  int
	Code        int    `json:"code"`
	Message     string `json:"message"`
	Description string `json:"description"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("invest api: http %d code %d: %s", e.HTTPStatus, e.Code, e.Message)
}

// Client calls the broker's REST endpoints.
type Client struct {
	baseURL string
	token   string
	sandbox bool
	doer    Doer
}

// New builds a client. When sandbox is true, order and account endpoints are
// routed to their sandbox counterparts.
func New(baseURL, token string, sandbox bool, doer Doer) *Client {
	return &Client{baseURL: baseURL, token: token, sandbox: sandbox, doer: doer}
}

func (c *Client) post(ctx context.Context, category gateway.Category, method string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+servicePrefix+method, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.doer.Do(ctx, category, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{HTTPStatus: resp.StatusCode}
		_ = json.Unmarshal(raw, apiErr)
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

// svc picks the production or sandbox method name.
func (c *Client) svc(prod, sandbox string) string {
	if c.sandbox {
		return sandbox
	}
	return prod
}

// FindInstrument searches instruments by free-text query.
func (c *Client) FindInstrument(ctx context.Context, query string) ([]InstrumentShort, error) {
	var resp struct {
		Instruments []InstrumentShort `json:"instruments"`
	}
	err := c.post(ctx, gateway.CategoryInstrument, "InstrumentsService/FindInstrument",
		map[string]string{"query": query}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Instruments, nil
}

// ShareByFIGI fetches the full instrument card for a figi.
func (c *Client) ShareByFIGI(ctx context.Context, figi string) (*Share, error) {
	var resp struct {
		Instrument Share `json:"instrument"`
	}
	err := c.post(ctx, gateway.CategoryInstrument, "InstrumentsService/ShareBy",
		map[string]string{"idType": "INSTRUMENT_ID_TYPE_FIGI", "id": figi}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp.Instrument, nil
}

// GetCandles loads historical bars for a figi over [from, to].
func (c *Client) GetCandles(ctx context.Context, figi string, from, to time.Time, interval string) ([]HistoricCandle, error) {
	var resp struct {
		Candles []HistoricCandle `json:"candles"`
	}
	err := c.post(ctx, gateway.CategoryMarket, "MarketDataService/GetCandles", map[string]string{
		"figi":     figi,
		"from":     FormatTime(from),
		"to":       FormatTime(to),
		"interval": interval,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Candles, nil
}

// GetLastPrices returns the latest trade price per figi.
func (c *Client) GetLastPrices(ctx context.Context, figis []string) ([]LastPrice, error) {
	var resp struct {
		LastPrices []LastPrice `json:"lastPrices"`
	}
	err := c.post(ctx, gateway.CategoryMarket, "MarketDataService/GetLastPrices",
		map[string][]string{"figi": figis}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.LastPrices, nil
}

// GetPortfolio returns account valuation and holdings.
func (c *Client) GetPortfolio(ctx context.Context, accountID string) (*Portfolio, error) {
	var resp Portfolio
	method := c.svc("OperationsService/GetPortfolio", "SandboxService/GetSandboxPortfolio")
	err := c.post(ctx, gateway.CategoryOperations, method,
		map[string]string{"accountId": accountID}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetPositions returns cash and security balances.
func (c *Client) GetPositions(ctx context.Context, accountID string) (*Positions, error) {
	var resp Positions
	method := c.svc("OperationsService/GetPositions", "SandboxService/GetSandboxPositions")
	err := c.post(ctx, gateway.CategoryOperations, method,
		map[string]string{"accountId": accountID}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// PostOrder submits a new order.
func (c *Client) PostOrder(ctx context.Context, req PostOrderRequest) (*OrderState, error) {
	var resp OrderState
	method := c.svc("OrdersService/PostOrder", "SandboxService/PostSandboxOrder")
	if err := c.post(ctx, gateway.CategoryPostOrder, method, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReplaceOrder atomically swaps a resting order for a repriced one.
func (c *Client) ReplaceOrder(ctx context.Context, req ReplaceOrderRequest) (*OrderState, error) {
	var resp OrderState
	method := c.svc("OrdersService/ReplaceOrder", "SandboxService/ReplaceSandboxOrder")
	if err := c.post(ctx, gateway.CategoryPostOrder, method, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetOrderState fetches the broker's current view of one order.
func (c *Client) GetOrderState(ctx context.Context, accountID, orderID string) (*OrderState, error) {
	var resp OrderState
	method := c.svc("OrdersService/GetOrderState", "SandboxService/GetSandboxOrderState")
	err := c.post(ctx, gateway.CategoryGetOrder, method,
		map[string]string{"accountId": accountID, "orderId": orderID}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetOrders lists the account's resting orders.
func (c *Client) GetOrders(ctx context.Context, accountID string) ([]OrderState, error) {
	var resp struct {
		Orders []OrderState `json:"orders"`
	}
	method := c.svc("OrdersService/GetOrders", "SandboxService/GetSandboxOrders")
	err := c.post(ctx, gateway.CategoryGetOrder, method,
		map[string]string{"accountId": accountID}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Orders, nil
}

// CancelOrder withdraws a resting order.
func (c *Client) CancelOrder(ctx context.Context, accountID, orderID string) error {
	method := c.svc("OrdersService/CancelOrder", "SandboxService/CancelSandboxOrder")
	return c.post(ctx, gateway.CategoryCancelOrder, method,
		map[string]string{"accountId": accountID, "orderId": orderID}, nil)
}
