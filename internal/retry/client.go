// Package retry wraps read-only venue queries with bounded retries and
// jittered backoff. Order placement is never retried here: the closing
// process owns its own retry accounting.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpdesk/assignment_janitor/internal/venue"
)

type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     10 * time.Second,
	Timeout:        30 * time.Second,
}

type Client struct {
	venue  venue.Interface
	logger *log.Logger
	config Config
}

func NewClient(v venue.Interface, logger *log.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}

	return &Client{
		venue:  v,
		logger: logger,
		config: cfg,
	}
}

// GetPositionsWithRetry fetches open positions, retrying transient failures.
func (c *Client) GetPositionsWithRetry(ctx context.Context) ([]venue.Position, error) {
	var positions []venue.Position
	err := c.withRetry(ctx, "get positions", func(ctx context.Context) error {
		var err error
		positions, err = c.venue.GetPositions(ctx)
		return err
	})
	return positions, err
}

// GetMarkPriceWithRetry fetches the mark price, retrying transient failures.
func (c *Client) GetMarkPriceWithRetry(ctx context.Context, tradingPair string) (decimal.Decimal, error) {
	var price decimal.Decimal
	err := c.withRetry(ctx, fmt.Sprintf("get mark price %s", tradingPair), func(ctx context.Context) error {
		var err error
		price, err = c.venue.GetMarkPrice(ctx, tradingPair)
		return err
	})
	return price, err
}

// GetOrderStatusWithRetry fetches an order status, retrying transient failures.
func (c *Client) GetOrderStatusWithRetry(ctx context.Context, orderID string) (*venue.OrderStatus, error) {
	var status *venue.OrderStatus
	err := c.withRetry(ctx, fmt.Sprintf("get order status %s", orderID), func(ctx context.Context) error {
		var err error
		status, err = c.venue.GetOrderStatus(ctx, orderID)
		return err
	})
	return status, err
}

func (c *Client) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if opCtx.Err() != nil {
			return fmt.Errorf("%s timed out after %v: %w", op, c.config.Timeout, opCtx.Err())
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s canceled: %w", op, ctx.Err())
		}

		err := fn(opCtx)
		if err == nil {
			return nil
		}

		lastErr = err
		if !c.isTransientError(err) || attempt == c.config.MaxRetries {
			break
		}

		c.logger.Printf("%s attempt %d/%d failed (%v), retrying in %v",
			op, attempt+1, c.config.MaxRetries+1, err, backoff)
		select {
		case <-time.After(backoff):
			backoff = c.calculateNextBackoff(backoff)
		case <-opCtx.Done():
			return fmt.Errorf("%s timed out during backoff: %w", op, opCtx.Err())
		case <-ctx.Done():
			return fmt.Errorf("%s canceled during backoff: %w", op, ctx.Err())
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, c.config.MaxRetries+1, lastErr)
}

func (c *Client) calculateNextBackoff(currentBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(currentBackoff) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			log.Printf("Failed to generate jitter: %v", err)
		} else {
			jitter := time.Duration(jitterVal.Int64())
			backoff += jitter
		}
	}

	return backoff
}

func (c *Client) isTransientError(err error) bool {
	if err == nil {
		return false
	}

	// Structured venue errors carry their own classification.
	var apiErr *venue.APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRetryable()
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"429", // HTTP 429 Too Many Requests
		"502", // HTTP 502 Bad Gateway
		"503", // HTTP 503 Service Unavailable
		"504", // HTTP 504 Gateway Timeout
		"network",
		"dns",
		"tcp",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
