package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"agentarena/market"
)

const (
	pathOrder        = "/fapi/v3/order"
	pathBalance      = "/fapi/v3/balance"
	pathPositionRisk = "/fapi/v3/positionRisk"
	pathTickerPrice  = "/fapi/v1/ticker/price"
)

// ClientConfig configures the REST client.
type ClientConfig struct {
	BaseURL           string
	Timeout           time.Duration
	QuoteAsset        string
	QuantityPrecision map[string]int32
	DefaultPrecision  int32
}

// Client talks to the exchange REST API. Signed calls require a Signer;
// public calls such as Tickers work without one.
type Client struct {
	baseURL    string
	signer     *Signer
	httpClient *http.Client
	quote      string
	precision  map[string]int32
	defaultPr  int32
	nonces     nonceSource
	now        func() time.Time
}

// NewClient creates a client. signer may be nil for market data only.
func NewClient(cfg ClientConfig, signer *Signer) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		signer:     signer,
		httpClient: &http.Client{Timeout: cfg.Timeout, Transport: transport},
		quote:      strings.ToUpper(cfg.QuoteAsset),
		precision:  cfg.QuantityPrecision,
		defaultPr:  cfg.DefaultPrecision,
		now:        time.Now,
	}
}

// Precision returns the quantity precision for symbol.
func (c *Client) Precision(symbol string) int32 {
	if p, ok := c.precision[symbol]; ok {
		return p
	}
	return c.defaultPr
}

type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	UpdateTime    int64  `json:"updateTime"`
}

func (r orderResponse) toResult() (*OrderResult, error) {
	status, err := ParseOrderStatus(r.Status)
	if err != nil {
		return nil, err
	}
	return &OrderResult{
		OrderID:       strconv.FormatInt(r.OrderID, 10),
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Side:          Side(r.Side),
		Type:          OrderType(r.Type),
		Status:        status,
		OrigQty:       parseFloat(r.OrigQty),
		ExecutedQty:   parseFloat(r.ExecutedQty),
		AvgPrice:      parseFloat(r.AvgPrice),
		UpdatedAt:     time.UnixMilli(r.UpdateTime),
	}, nil
}

// PlaceOrder submits one order. It is never retried here.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	body, err := c.signed(ctx, http.MethodPost, pathOrder, req.params(c.Precision(req.Symbol)))
	if err != nil {
		return nil, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}
	res, err := resp.toResult()
	if err != nil {
		return nil, err
	}
	log.Info().Str("symbol", res.Symbol).Str("side", string(res.Side)).Str("type", string(res.Type)).
		Str("order_id", res.OrderID).Str("status", string(res.Status)).Msg("✓ Order submitted")
	return res, nil
}

// CancelOrder cancels by order id.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) (*OrderResult, error) {
	return c.orderByID(ctx, http.MethodDelete, symbol, orderID)
}

// QueryOrder returns the latest state of an order.
func (c *Client) QueryOrder(ctx context.Context, symbol, orderID string) (*OrderResult, error) {
	return c.orderByID(ctx, http.MethodGet, symbol, orderID)
}

func (c *Client) orderByID(ctx context.Context, method, symbol, orderID string) (*OrderResult, error) {
	if symbol == "" || orderID == "" {
		return nil, fmt.Errorf("%w: symbol and order id are required", ErrInvalidOrder)
	}
	body, err := c.signed(ctx, method, pathOrder, map[string]any{
		"symbol":  symbol,
		"orderId": orderID,
	})
	if err != nil {
		return nil, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}
	return resp.toResult()
}

// GetBalance returns wallet balance plus unrealized PnL of the quote asset.
// A missing quote entry is an error, never zero.
func (c *Client) GetBalance(ctx context.Context) (float64, error) {
	body, err := c.signed(ctx, http.MethodGet, pathBalance, nil)
	if err != nil {
		return 0, err
	}

	var balances []struct {
		Asset            string `json:"asset"`
		Balance          string `json:"balance"`
		CrossUnPnl       string `json:"crossUnPnl"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &balances); err != nil {
		return 0, fmt.Errorf("decode balance response: %w", err)
	}
	for _, b := range balances {
		if strings.EqualFold(b.Asset, c.quote) {
			wallet, err := strconv.ParseFloat(b.Balance, 64)
			if err != nil {
				return 0, fmt.Errorf("parse %s balance %q: %w", b.Asset, b.Balance, err)
			}
			return wallet + parseFloat(b.CrossUnPnl), nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrQuoteAssetMissing, c.quote)
}

// GetOpenPositions lists positions with a non-zero amount.
func (c *Client) GetOpenPositions(ctx context.Context) ([]ExchangePosition, error) {
	body, err := c.signed(ctx, http.MethodGet, pathPositionRisk, nil)
	if err != nil {
		return nil, err
	}

	var risks []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
		Leverage         string `json:"leverage"`
	}
	if err := json.Unmarshal(body, &risks); err != nil {
		return nil, fmt.Errorf("decode positionRisk response: %w", err)
	}

	out := make([]ExchangePosition, 0, len(risks))
	for _, r := range risks {
		amt := parseFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}
		lev, _ := strconv.Atoi(r.Leverage)
		out = append(out, ExchangePosition{
			Symbol:           r.Symbol,
			PositionAmt:      amt,
			EntryPrice:       parseFloat(r.EntryPrice),
			MarkPrice:        parseFloat(r.MarkPrice),
			UnrealizedProfit: parseFloat(r.UnRealizedProfit),
			Leverage:         lev,
		})
	}
	return out, nil
}

// Tickers implements market.Source using the public price endpoint.
func (c *Client) Tickers(ctx context.Context) ([]market.Ticker, error) {
	body, err := c.do(ctx, http.MethodGet, pathTickerPrice, nil)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode ticker response: %w", err)
	}
	out := make([]market.Ticker, 0, len(raw))
	for _, t := range raw {
		out = append(out, market.Ticker{Symbol: t.Symbol, Price: t.Price})
	}
	return out, nil
}

func (c *Client) signed(ctx context.Context, method, path string, params map[string]any) ([]byte, error) {
	if c.signer == nil {
		return nil, fmt.Errorf("%w: no signer configured", ErrAuthenticationFailed)
	}
	now := c.now()
	req, err := c.signer.Sign(params, c.nonces.next(now), now)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, method, path, req)
}

func (c *Client) do(ctx context.Context, method, path string, signed *SignedRequest) ([]byte, error) {
	endpoint := c.baseURL + path
	var body io.Reader
	if signed != nil {
		encoded := signed.Values().Encode()
		if method == http.MethodPost {
			body = strings.NewReader(encoded)
		} else {
			endpoint += "?" + encoded
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Accept", "application/json")

	op := method + " " + path
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rejected := &RejectedError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var apiErr struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Msg != "" {
			rejected.Code = apiErr.Code
			rejected.Message = apiErr.Msg
		}
		return nil, rejected
	}
	return data, nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}
