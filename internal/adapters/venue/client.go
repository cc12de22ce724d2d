package venue

// client.go: REST venue client with rate limiting and bounded retries.
//
// Error classification drives the engine's failure semantics: network
// errors, 429 and 5xx become VenueTransient (retried here with backoff,
// then surfaced for the engine's own retry budget); any other 4xx becomes
// VenuePermanent and is never retried.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"predbot/internal/domain"
)

const (
	// Conservative defaults, well under typical exchange limits.
	ordersRatePerSec = 5
	dataRatePerSec   = 20

	maxRetries    = 3
	baseRetryWait = 500 * time.Millisecond
)

// Client talks to the venue's REST API. It implements ports.Venue and
// ports.MarketData.
type Client struct {
	http          *http.Client
	base          string
	ordersLimiter *rate.Limiter
	dataLimiter   *rate.Limiter
}

// NewClient creates a Client for the given base URL.
func NewClient(base string) *Client {
	return &Client{
		http:          &http.Client{Timeout: 10 * time.Second},
		base:          base,
		ordersLimiter: rate.NewLimiter(ordersRatePerSec, 5),
		dataLimiter:   rate.NewLimiter(dataRatePerSec, 10),
	}
}

type submitOrderRequest struct {
	MarketID   string  `json:"market_id"`
	Outcome    string  `json:"outcome"`
	Side       string  `json:"side"`
	Price      float64 `json:"price"`
	Size       float64 `json:"size"`
	Aggressive bool    `json:"aggressive"`
}

type submitOrderResponse struct {
	OrderID string `json:"order_id"`
	Error   string `json:"error"`
}

type orderStatusResponse struct {
	OrderID    string  `json:"order_id"`
	Status     string  `json:"status"`
	FilledSize float64 `json:"filled_size"`
	AvgPrice   float64 `json:"avg_price"`
}

type resolutionResponse struct {
	Resolved       bool   `json:"resolved"`
	WinningOutcome string `json:"winning_outcome"`
	ResolvedAt     int64  `json:"resolved_at"`
}

type redeemResponse struct {
	Amount          float64 `json:"amount"`
	AlreadyRedeemed bool    `json:"already_redeemed"`
}

type priceResponse struct {
	Price float64 `json:"price"`
}

type quotesResponse struct {
	Quotes []struct {
		MarketID string  `json:"market_id"`
		Outcome  string  `json:"outcome"`
		Price    float64 `json:"price"`
	} `json:"quotes"`
}

type depthResponse struct {
	Size float64 `json:"size"`
}

// SubmitOrder submits an order and returns the venue order id.
func (c *Client) SubmitOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	body := submitOrderRequest{
		MarketID:   req.MarketID,
		Outcome:    req.Outcome,
		Side:       string(req.Side),
		Price:      req.Price,
		Size:       req.Size,
		Aggressive: req.Aggressive,
	}
	var resp submitOrderResponse
	if err := c.post(ctx, c.ordersLimiter, "submit order", "/orders", body, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", &domain.VenueError{Kind: domain.VenuePermanent, Op: "submit order",
			Err: fmt.Errorf("venue rejected: %s", resp.Error)}
	}
	return resp.OrderID, nil
}

// CancelOrder cancels an outstanding order. Cancelling an already filled or
// unknown order surfaces as VenuePermanent; callers re-poll status instead.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	return c.do(ctx, c.ordersLimiter, "cancel order", http.MethodDelete,
		"/orders/"+url.PathEscape(orderID), nil, nil)
}

// OrderStatus returns the venue's view of an order.
func (c *Client) OrderStatus(ctx context.Context, orderID string) (domain.OrderState, error) {
	var resp orderStatusResponse
	err := c.get(ctx, c.dataLimiter, "order status", "/orders/"+url.PathEscape(orderID), &resp)
	if err != nil {
		return domain.OrderState{}, err
	}
	return domain.OrderState{
		OrderID:    resp.OrderID,
		Status:     domain.OrderStatus(resp.Status),
		FilledSize: resp.FilledSize,
		AvgPrice:   resp.AvgPrice,
	}, nil
}

// MarketResolution reports whether the market has resolved.
func (c *Client) MarketResolution(ctx context.Context, marketID string) (domain.Resolution, error) {
	var resp resolutionResponse
	err := c.get(ctx, c.dataLimiter, "resolution",
		"/markets/"+url.PathEscape(marketID)+"/resolution", &resp)
	if err != nil {
		return domain.Resolution{}, err
	}
	res := domain.Resolution{Resolved: resp.Resolved, WinningOutcome: resp.WinningOutcome}
	if resp.ResolvedAt > 0 {
		res.ResolvedAt = time.Unix(resp.ResolvedAt, 0).UTC()
	}
	return res, nil
}

// Redeem claims the payout of a resolved market.
func (c *Client) Redeem(ctx context.Context, marketID string) (domain.Redemption, error) {
	var resp redeemResponse
	err := c.post(ctx, c.ordersLimiter, "redeem",
		"/markets/"+url.PathEscape(marketID)+"/redeem", struct{}{}, &resp)
	if err != nil {
		return domain.Redemption{}, err
	}
	return domain.Redemption{
		MarketID:        marketID,
		Amount:          resp.Amount,
		AlreadyRedeemed: resp.AlreadyRedeemed,
	}, nil
}

// Price returns the current mid price of an outcome.
func (c *Client) Price(ctx context.Context, marketID, outcome string) (float64, error) {
	var resp priceResponse
	err := c.get(ctx, c.dataLimiter, "price",
		"/markets/"+url.PathEscape(marketID)+"/price?outcome="+url.QueryEscape(outcome), &resp)
	if err != nil {
		return 0, err
	}
	return resp.Price, nil
}

// Depth returns visible size at or better than price on one side of the book.
func (c *Client) Depth(ctx context.Context, marketID, outcome string, side domain.OrderSide, price float64) (float64, error) {
	var resp depthResponse
	path := fmt.Sprintf("/markets/%s/depth?outcome=%s&side=%s&price=%.4f",
		url.PathEscape(marketID), url.QueryEscape(outcome), side, price)
	if err := c.get(ctx, c.dataLimiter, "depth", path, &resp); err != nil {
		return 0, err
	}
	return resp.Size, nil
}

// Quotes lists current prices across active markets; it backs strategy
// discovery.
func (c *Client) Quotes(ctx context.Context) ([]domain.MarketQuote, error) {
	var resp quotesResponse
	if err := c.get(ctx, c.dataLimiter, "quotes", "/markets/quotes", &resp); err != nil {
		return nil, err
	}
	out := make([]domain.MarketQuote, 0, len(resp.Quotes))
	for _, q := range resp.Quotes {
		out = append(out, domain.MarketQuote{MarketID: q.MarketID, Outcome: q.Outcome, Price: q.Price})
	}
	return out, nil
}

// --- transport ---

func (c *Client) get(ctx context.Context, limiter *rate.Limiter, op, path string, out any) error {
	return c.do(ctx, limiter, op, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, limiter *rate.Limiter, op, path string, body, out any) error {
	return c.do(ctx, limiter, op, http.MethodPost, path, body, out)
}

// do runs one request with rate limiting, bounded retries on transient
// failures, and venue error classification.
func (c *Client) do(ctx context.Context, limiter *rate.Limiter, op, method, path string, body, out any) error {
	var reqBody []byte
	if body != nil {
		var err error
		reqBody, err = json.Marshal(body)
		if err != nil {
			return &domain.VenueError{Kind: domain.VenuePermanent, Op: op,
				Err: fmt.Errorf("marshal body: %w", err)}
		}
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return &domain.VenueError{Kind: domain.VenueTransient, Op: op,
				Err: fmt.Errorf("rate limiter: %w", err)}
		}

		var reader io.Reader
		if reqBody != nil {
			reader = bytes.NewReader(reqBody)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
		if err != nil {
			return &domain.VenueError{Kind: domain.VenuePermanent, Op: op, Err: err}
		}
		req.Header.Set("Accept", "application/json")
		if reqBody != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			c.sleep(ctx, attempt)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			resp.Body.Close()
			lastErr = fmt.Errorf("venue returned %d", resp.StatusCode)
			slog.Warn("venue: retryable response", "op", op, "status", resp.StatusCode, "attempt", attempt+1)
			c.sleep(ctx, attempt)
			continue

		case resp.StatusCode >= 400:
			msg, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return &domain.VenueError{Kind: domain.VenuePermanent, Op: op,
				Err: fmt.Errorf("venue returned %d: %s", resp.StatusCode, string(msg))}
		}

		if out != nil {
			err = json.NewDecoder(resp.Body).Decode(out)
		}
		resp.Body.Close()
		if err != nil {
			return &domain.VenueError{Kind: domain.VenueTransient, Op: op,
				Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	}

	return &domain.VenueError{Kind: domain.VenueTransient, Op: op,
		Err: fmt.Errorf("after %d retries: %w", maxRetries, lastErr)}
}

// sleep waits with exponential backoff, respecting the context.
func (c *Client) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * baseRetryWait
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}
