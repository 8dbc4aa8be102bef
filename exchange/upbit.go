package exchange

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/evdnx/upbot/metrics"
	"github.com/evdnx/upbot/types"
)

const (
	requestTimeout = 10 * time.Second
	maxAttempts    = 5
	retryDelay     = 700 * time.Millisecond
	candlePageSize = 200
)

// UpbitClient is the REST gateway to Upbit. It signs private calls with a
// per-request JWT, rate-limits all traffic and wraps calls in a circuit
// breaker so a flapping exchange cannot stall the trading loop.
type UpbitClient struct {
	baseURL   string
	accessKey string
	secretKey string

	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewUpbitClient builds a gateway against baseURL (the production API when
// empty). Credentials may be empty for public-only use.
func NewUpbitClient(baseURL, accessKey, secretKey string) *UpbitClient {
	if baseURL == "" {
		baseURL = "https://api.upbit.com"
	}
	st := gobreaker.Settings{Name: "upbit"}
	st.Interval = 60 * time.Second
	st.Timeout = 30 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 8
	}
	return &UpbitClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		accessKey: accessKey,
		secretKey: secretKey,
		http:      &http.Client{Timeout: requestTimeout},
		limiter:   rate.NewLimiter(rate.Limit(8), 8),
		breaker:   gobreaker.NewCircuitBreaker(st),
	}
}

type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("upbit: status %d: %s", e.Status, e.Body)
}

// retryable reports whether a failed call may be retried. 4xx responses
// other than 429 are permanent.
func retryable(err error) bool {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.Status == http.StatusTooManyRequests || ae.Status >= 500
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	return true
}

// authToken builds the JWT for a private call. query is the canonical query
// string (or form body) being signed; empty for parameterless calls.
func (c *UpbitClient) authToken(query string) (string, error) {
	claims := jwt.MapClaims{
		"access_key": c.accessKey,
		"nonce":      uuid.NewString(),
	}
	if query != "" {
		sum := sha512.Sum512([]byte(query))
		claims["query_hash"] = hex.EncodeToString(sum[:])
		claims["query_hash_alg"] = "SHA512"
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString([]byte(c.secretKey))
}

// call performs one HTTP round trip through the limiter and breaker,
// retrying transient failures, and decodes the JSON response into out.
func (c *UpbitClient) call(ctx context.Context, method, path, query string, private bool, out any) error {
	endpoint := method + " " + path
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		_, err := c.breaker.Execute(func() (any, error) {
			return nil, c.once(ctx, method, path, query, private, out)
		})
		if err == nil {
			metrics.ExchangeCalls.WithLabelValues(endpoint, "ok").Inc()
			return nil
		}
		metrics.ExchangeCalls.WithLabelValues(endpoint, "error").Inc()
		lastErr = err
		if !retryable(err) {
			return err
		}
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", endpoint, maxAttempts, lastErr)
}

func (c *UpbitClient) once(ctx context.Context, method, path, query string, private bool, out any) error {
	u := c.baseURL + path
	var body io.Reader
	if method == http.MethodGet || method == http.MethodDelete {
		if query != "" {
			u += "?" + query
		}
	} else {
		body = strings.NewReader(query)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if private {
		tok, err := c.authToken(query)
		if err != nil {
			return fmt.Errorf("sign request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *UpbitClient) GetQuote(ctx context.Context, symbol string) (float64, error) {
	var out []struct {
		TradePrice float64 `json:"trade_price"`
	}
	q := url.Values{"markets": {symbol}}.Encode()
	if err := c.call(ctx, http.MethodGet, "/v1/ticker", q, false, &out); err != nil {
		return 0, err
	}
	if len(out) == 0 {
		return 0, fmt.Errorf("no ticker for %s", symbol)
	}
	return out[0].TradePrice, nil
}

func (c *UpbitClient) GetOrderBook(ctx context.Context, symbol string) (*OrderBook, error) {
	var out []OrderBook
	q := url.Values{"markets": {symbol}}.Encode()
	if err := c.call(ctx, http.MethodGet, "/v1/orderbook", q, false, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no orderbook for %s", symbol)
	}
	return &out[0], nil
}

type upbitCandle struct {
	DateTimeUTC string  `json:"candle_date_time_utc"`
	Open        float64 `json:"opening_price"`
	High        float64 `json:"high_price"`
	Low         float64 `json:"low_price"`
	Close       float64 `json:"trade_price"`
	Volume      float64 `json:"candle_acc_trade_volume"`
	QuoteVolume float64 `json:"candle_acc_trade_price"`
}

func (c *UpbitClient) GetMinuteCandles(ctx context.Context, symbol string, unit, count int, to time.Time) ([]types.Candle, error) {
	if count > candlePageSize {
		count = candlePageSize
	}
	v := url.Values{
		"market": {symbol},
		"count":  {strconv.Itoa(count)},
	}
	if !to.IsZero() {
		v.Set("to", to.UTC().Format("2006-01-02T15:04:05Z"))
	}
	var out []upbitCandle
	path := fmt.Sprintf("/v1/candles/minutes/%d", unit)
	if err := c.call(ctx, http.MethodGet, path, v.Encode(), false, &out); err != nil {
		return nil, err
	}
	// Upbit returns newest first; callers want chronological order.
	candles := make([]types.Candle, 0, len(out))
	for i := len(out) - 1; i >= 0; i-- {
		ts, err := time.Parse("2006-01-02T15:04:05", out[i].DateTimeUTC)
		if err != nil {
			return nil, fmt.Errorf("parse candle time %q: %w", out[i].DateTimeUTC, err)
		}
		candles = append(candles, types.Candle{
			Timestamp:   ts.UTC(),
			Open:        out[i].Open,
			High:        out[i].High,
			Low:         out[i].Low,
			Close:       out[i].Close,
			Volume:      out[i].Volume,
			QuoteVolume: out[i].QuoteVolume,
		})
	}
	return candles, nil
}

type orderResp struct {
	UUID string `json:"uuid"`
}

func (c *UpbitClient) placeOrder(ctx context.Context, v url.Values) (string, error) {
	var out orderResp
	if err := c.call(ctx, http.MethodPost, "/v1/orders", v.Encode(), true, &out); err != nil {
		return "", err
	}
	if out.UUID == "" {
		return "", errors.New("order accepted without uuid")
	}
	return out.UUID, nil
}

func (c *UpbitClient) PlaceLimitBuy(ctx context.Context, symbol string, price, qty float64) (string, error) {
	return c.placeOrder(ctx, url.Values{
		"market":   {symbol},
		"side":     {"bid"},
		"ord_type": {"limit"},
		"price":    {formatFloat(price)},
		"volume":   {formatFloat(qty)},
	})
}

func (c *UpbitClient) PlaceLimitSell(ctx context.Context, symbol string, price, qty float64) (string, error) {
	return c.placeOrder(ctx, url.Values{
		"market":   {symbol},
		"side":     {"ask"},
		"ord_type": {"limit"},
		"price":    {formatFloat(price)},
		"volume":   {formatFloat(qty)},
	})
}

func (c *UpbitClient) PlaceMarketBuy(ctx context.Context, symbol string, notionalKRW float64) (string, error) {
	return c.placeOrder(ctx, url.Values{
		"market":   {symbol},
		"side":     {"bid"},
		"ord_type": {"price"},
		"price":    {formatFloat(notionalKRW)},
	})
}

func (c *UpbitClient) PlaceMarketSell(ctx context.Context, symbol string, qty float64) (string, error) {
	return c.placeOrder(ctx, url.Values{
		"market":   {symbol},
		"side":     {"ask"},
		"ord_type": {"market"},
		"volume":   {formatFloat(qty)},
	})
}

func (c *UpbitClient) GetOrder(ctx context.Context, id string) (*Order, error) {
	var out Order
	q := url.Values{"uuid": {id}}.Encode()
	if err := c.call(ctx, http.MethodGet, "/v1/order", q, true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelOrder requests cancellation. It returns true only when the exchange
// acknowledged the cancel; callers must not assume anything on false.
func (c *UpbitClient) CancelOrder(ctx context.Context, id string) (bool, error) {
	var out orderResp
	q := url.Values{"uuid": {id}}.Encode()
	if err := c.call(ctx, http.MethodDelete, "/v1/order", q, true, &out); err != nil {
		return false, err
	}
	return out.UUID != "", nil
}

func (c *UpbitClient) GetBalances(ctx context.Context) ([]Balance, error) {
	var out []Balance
	if err := c.call(ctx, http.MethodGet, "/v1/accounts", "", true, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *UpbitClient) GetBalance(ctx context.Context, asset string) (float64, error) {
	bals, err := c.GetBalances(ctx)
	if err != nil {
		return 0, err
	}
	for _, b := range bals {
		if b.Currency == asset {
			return b.Balance, nil
		}
	}
	return 0, nil
}

func (c *UpbitClient) GetAvgBuyPrice(ctx context.Context, asset string) (float64, error) {
	bals, err := c.GetBalances(ctx)
	if err != nil {
		return 0, err
	}
	for _, b := range bals {
		if b.Currency == asset {
			return b.AvgBuyPrice, nil
		}
	}
	return 0, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
