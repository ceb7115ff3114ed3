package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpdesk/assignment_janitor/internal/models"
)

const (
	defaultKrakenBaseURL = "https://futures.kraken.com"
	apiPrefix            = "/derivatives/api/v3"
	defaultHTTPTimeout   = 10 * time.Second

	// Kraken reports assignment fills with this fill type.
	assignmentFillType = "assignee"
)

// Venue error codes that mean the position is already closed. These come
// back with HTTP 200 and a result:"error" body, so they are classified by
// code rather than status.
var positionClosedCodes = map[string]bool{
	"wouldNotReducePosition": true,
	"positionNotOpen":        true,
	"positionAlreadyClosed":  true,
}

// APIError represents a venue API error with status code and error payload.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("venue API error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("venue API error %d: %s", e.Status, e.Message)
}

// IsRetryable reports whether the error is worth retrying: server errors and
// rate limiting, but not 4xx rejections.
func (e *APIError) IsRetryable() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// IsOrderNotFound reports whether the error means the venue no longer
// tracks the order, as opposed to a failure to ask about it.
func IsOrderNotFound(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == http.StatusNotFound || apiErr.Code == "orderNotFound"
}

// KrakenFuturesClient talks to the Kraken Futures derivatives API.
type KrakenFuturesClient struct {
	client    *http.Client
	baseURL   string
	apiKey    string
	apiSecret string

	mu          sync.RWMutex
	instruments map[string]instrumentInfo
}

type instrumentInfo struct {
	tradingPair  string
	minOrderSize decimal.Decimal
	sizeStep     decimal.Decimal
}

// NewKrakenFuturesClient creates a Kraken Futures client. An empty baseURL
// selects production.
func NewKrakenFuturesClient(apiKey, apiSecret, baseURL string) *KrakenFuturesClient {
	if baseURL == "" {
		baseURL = defaultKrakenBaseURL
	}
	return &KrakenFuturesClient{
		client:      &http.Client{Timeout: defaultHTTPTimeout},
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		apiSecret:   apiSecret,
		instruments: make(map[string]instrumentInfo),
	}
}

// WithHTTPClient replaces the HTTP client, mainly for tests.
func (k *KrakenFuturesClient) WithHTTPClient(c *http.Client) *KrakenFuturesClient {
	k.client = c
	return k
}

// authent computes the Kraken Futures request signature:
// base64(HMAC-SHA512(base64decode(secret), SHA256(postData + nonce + endpointPath))).
func (k *KrakenFuturesClient) authent(endpointPath, nonce, postData string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(k.apiSecret)
	if err != nil {
		return "", fmt.Errorf("decoding api secret: %w", err)
	}
	sum := sha256.Sum256([]byte(postData + nonce + endpointPath))
	mac := hmac.New(sha512.New, secret)
	mac.Write(sum[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

func (k *KrakenFuturesClient) doRequest(ctx context.Context, method, endpoint string, params url.Values, out interface{}) error {
	endpointPath := apiPrefix + endpoint
	postData := ""
	reqURL := k.baseURL + endpointPath
	if params != nil {
		postData = params.Encode()
		if method == http.MethodGet {
			reqURL += "?" + postData
		}
	}

	var body io.Reader
	if method != http.MethodGet && postData != "" {
		body = strings.NewReader(postData)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	if k.apiKey != "" {
		nonce := strconv.FormatInt(time.Now().UnixNano()/int64(time.Millisecond), 10)
		sig, err := k.authent(endpointPath, nonce, postData)
		if err != nil {
			return err
		}
		req.Header.Set("APIKey", k.apiKey)
		req.Header.Set("Nonce", nonce)
		req.Header.Set("Authent", sig)
	}

	resp, err := k.client.Do(req)
	if err != nil {
		return fmt.Errorf("venue request %s %s: %w", method, endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading venue response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}

	// Kraken returns result:"error" with HTTP 200 for business rejections.
	var envelope struct {
		Result string `json:"result"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Result == "error" {
		return &APIError{Status: resp.StatusCode, Code: envelope.Error, Message: envelope.Error}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding venue response: %w", err)
		}
	}
	return nil
}

// GetPositions fetches the account's open positions.
func (k *KrakenFuturesClient) GetPositions(ctx context.Context) ([]Position, error) {
	var resp struct {
		OpenPositions []struct {
			Symbol string  `json:"symbol"`
			Side   string  `json:"side"`
			Size   float64 `json:"size"`
			Price  float64 `json:"price"`
		} `json:"openPositions"`
	}
	if err := k.doRequest(ctx, http.MethodGet, "/openpositions", nil, &resp); err != nil {
		return nil, err
	}

	positions := make([]Position, 0, len(resp.OpenPositions))
	for _, p := range resp.OpenPositions {
		side := models.SideLong
		if strings.EqualFold(p.Side, "short") {
			side = models.SideShort
		}
		positions = append(positions, Position{
			TradingPair: p.Symbol,
			Side:        side,
			Amount:      decimal.NewFromFloat(p.Size).Abs(),
			EntryPrice:  decimal.NewFromFloat(p.Price),
		})
	}
	return positions, nil
}

// GetMarkPrice fetches the current mark price for a trading pair.
func (k *KrakenFuturesClient) GetMarkPrice(ctx context.Context, tradingPair string) (decimal.Decimal, error) {
	var resp struct {
		Ticker struct {
			MarkPrice float64 `json:"markPrice"`
		} `json:"ticker"`
	}
	params := url.Values{"symbol": {tradingPair}}
	if err := k.doRequest(ctx, http.MethodGet, "/tickers/"+url.PathEscape(tradingPair), params, &resp); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromFloat(resp.Ticker.MarkPrice), nil
}

// GetAvailableBalance fetches the free margin for an asset.
func (k *KrakenFuturesClient) GetAvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	var resp struct {
		Accounts map[string]struct {
			Auxiliary struct {
				AvailableFunds float64 `json:"af"`
			} `json:"auxiliary"`
		} `json:"accounts"`
	}
	if err := k.doRequest(ctx, http.MethodGet, "/accounts", nil, &resp); err != nil {
		return decimal.Zero, err
	}
	for name, acct := range resp.Accounts {
		if strings.EqualFold(name, asset) || asset == "" {
			return decimal.NewFromFloat(acct.Auxiliary.AvailableFunds), nil
		}
	}
	return decimal.Zero, nil
}

// PlaceReducingOrder sends a reduce-only order and returns the venue order id.
func (k *KrakenFuturesClient) PlaceReducingOrder(ctx context.Context, req ReducingOrderRequest) (string, error) {
	params := url.Values{
		"symbol":     {req.TradingPair},
		"side":       {strings.ToLower(string(req.Side))},
		"size":       {req.Amount.String()},
		"reduceOnly": {"true"},
	}
	switch req.OrderType {
	case models.OrderTypeLimit:
		params.Set("orderType", "lmt")
		params.Set("limitPrice", req.LimitPrice.String())
	default:
		params.Set("orderType", "mkt")
	}

	var resp struct {
		SendStatus struct {
			OrderID string `json:"order_id"`
			Status  string `json:"status"`
		} `json:"sendStatus"`
	}
	if err := k.doRequest(ctx, http.MethodPost, "/sendorder", params, &resp); err != nil {
		return "", err
	}
	if resp.SendStatus.OrderID == "" {
		return "", &APIError{Status: http.StatusOK, Code: resp.SendStatus.Status,
			Message: fmt.Sprintf("order rejected: %s", resp.SendStatus.Status)}
	}
	return resp.SendStatus.OrderID, nil
}

// GetOrderStatus fetches the status of one order.
func (k *KrakenFuturesClient) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	params := url.Values{"orderIds": {orderID}}
	var resp struct {
		Orders []struct {
			Order struct {
				OrderID string  `json:"orderId"`
				Filled  float64 `json:"filledSize"`
				Size    float64 `json:"unfilledSize"`
			} `json:"order"`
			Status string `json:"status"`
			Error  string `json:"error"`
		} `json:"orders"`
	}
	if err := k.doRequest(ctx, http.MethodPost, "/orders/status", params, &resp); err != nil {
		return nil, err
	}
	if len(resp.Orders) == 0 {
		return nil, &APIError{Status: http.StatusNotFound, Code: "orderNotFound",
			Message: fmt.Sprintf("order %s not found", orderID)}
	}

	o := resp.Orders[0]
	status := strings.ToUpper(o.Status)
	executed := decimal.NewFromFloat(o.Order.Filled)
	isDone := status == "FULLY_EXECUTED" || status == "CANCELLED" || status == "REJECTED" || status == "EXPIRED"
	return &OrderStatus{
		OrderID:        orderID,
		Status:         status,
		IsDone:         isDone,
		IsFilled:       status == "FULLY_EXECUTED",
		ExecutedAmount: executed,
		Reason:         o.Error,
	}, nil
}

// CancelOrder cancels one order. A not-found response is treated as success:
// the order is gone either way.
func (k *KrakenFuturesClient) CancelOrder(ctx context.Context, orderID string) error {
	params := url.Values{"order_id": {orderID}}
	err := k.doRequest(ctx, http.MethodPost, "/cancelorder", params, nil)
	var apiErr *APIError
	if err != nil && errors.As(err, &apiErr) && apiErr.Code == "notFound" {
		return nil
	}
	return err
}

// RefreshInstruments loads instrument metadata into the local cache. Callers
// should invoke it once at startup and periodically afterward.
func (k *KrakenFuturesClient) RefreshInstruments(ctx context.Context) error {
	var resp struct {
		Instruments []struct {
			Symbol          string  `json:"symbol"`
			Tradeable       bool    `json:"tradeable"`
			ContractSize    float64 `json:"contractSize"`
			MinimumTradable float64 `json:"minimumTradeSize"`
		} `json:"instruments"`
	}
	if err := k.doRequest(ctx, http.MethodGet, "/instruments", nil, &resp); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	for _, inst := range resp.Instruments {
		if !inst.Tradeable {
			continue
		}
		k.instruments[inst.Symbol] = instrumentInfo{
			tradingPair:  inst.Symbol,
			minOrderSize: decimal.NewFromFloat(inst.MinimumTradable),
			sizeStep:     decimal.NewFromFloat(inst.ContractSize),
		}
	}
	return nil
}

// MinOrderSize returns the minimum tradable size for a pair, zero if unknown.
func (k *KrakenFuturesClient) MinOrderSize(tradingPair string) decimal.Decimal {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if info, ok := k.instruments[tradingPair]; ok {
		return info.minOrderSize
	}
	return decimal.Zero
}

// KnownPair reports whether the venue lists the trading pair.
func (k *KrakenFuturesClient) KnownPair(tradingPair string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.instruments[tradingPair]
	return ok
}

// IsPositionClosedError classifies venue errors that mean the position is
// already closed. Structured error codes are checked first; the message
// string list is the fallback for connectors that only surface free text.
func (k *KrakenFuturesClient) IsPositionClosedError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) && positionClosedCodes[apiErr.Code] {
		return true
	}
	return MessageIndicatesPositionClosed(err)
}

// GetAssignmentFills fetches fills with the assignment fill type newer than
// since. Used by the polling feed; duplicates are possible and expected.
func (k *KrakenFuturesClient) GetAssignmentFills(ctx context.Context, since time.Time) ([]models.AssignmentFillEvent, error) {
	params := url.Values{}
	if !since.IsZero() {
		params.Set("lastFillTime", since.UTC().Format(time.RFC3339))
	}
	var resp struct {
		Fills []struct {
			FillID   string  `json:"fill_id"`
			Symbol   string  `json:"symbol"`
			Side     string  `json:"side"`
			Size     float64 `json:"size"`
			Price    float64 `json:"price"`
			OrderID  string  `json:"order_id"`
			FillTime string  `json:"fillTime"`
			FillType string  `json:"fillType"`
		} `json:"fills"`
	}
	if err := k.doRequest(ctx, http.MethodGet, "/fills", params, &resp); err != nil {
		return nil, err
	}

	var events []models.AssignmentFillEvent
	for _, f := range resp.Fills {
		if !strings.EqualFold(f.FillType, assignmentFillType) {
			continue
		}
		ts, err := time.Parse(time.RFC3339, f.FillTime)
		if err != nil {
			// Some venue builds report numeric epochs, seconds or
			// milliseconds; unparseable values fall back to now.
			epoch, _ := strconv.ParseInt(f.FillTime, 10, 64)
			ts = models.NormalizeTimestamp(epoch)
		}
		// The fill side is the trade the venue assigned to us; the resulting
		// position side matches it (a buy assignment leaves us long).
		side := models.SideLong
		if strings.EqualFold(f.Side, "sell") {
			side = models.SideShort
		}
		events = append(events, models.AssignmentFillEvent{
			FillID:      f.FillID,
			TradingPair: f.Symbol,
			Side:        side,
			Amount:      decimal.NewFromFloat(f.Size).Abs(),
			Price:       decimal.NewFromFloat(f.Price),
			OrderID:     f.OrderID,
			Timestamp:   ts.UTC(),
		})
	}
	return events, nil
}

// Ensure KrakenFuturesClient implements Interface at compile time.
var _ Interface = (*KrakenFuturesClient)(nil)
