// Package venue defines the interface for interacting with a derivatives
// trading venue and provides the Kraken Futures implementation.
package venue

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/perpdesk/assignment_janitor/internal/models"
)

// Position is one open position as reported by the venue.
type Position struct {
	TradingPair string
	Side        models.PositionSide
	Amount      decimal.Decimal
	EntryPrice  decimal.Decimal
}

// OrderStatus is the venue's view of one order.
type OrderStatus struct {
	OrderID        string
	Status         string
	IsDone         bool
	IsFilled       bool
	ExecutedAmount decimal.Decimal
	Reason         string
}

// ReducingOrderRequest describes a position-reducing order. LimitPrice is
// only consulted for limit orders.
type ReducingOrderRequest struct {
	TradingPair string
	Side        models.OrderSide
	Amount      decimal.Decimal
	OrderType   models.OrderType
	LimitPrice  decimal.Decimal
}

// Interface is the venue query contract the core consumes.
type Interface interface {
	// Position and account queries
	GetPositions(ctx context.Context) ([]Position, error)
	GetMarkPrice(ctx context.Context, tradingPair string) (decimal.Decimal, error)
	GetAvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error)

	// Order lifecycle
	PlaceReducingOrder(ctx context.Context, req ReducingOrderRequest) (string, error)
	GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error)
	CancelOrder(ctx context.Context, orderID string) error

	// Instrument metadata (served from a local cache, no network)
	MinOrderSize(tradingPair string) decimal.Decimal
	KnownPair(tradingPair string) bool

	// IsPositionClosedError classifies a venue error as "the position is
	// already closed", which callers treat as success rather than failure.
	IsPositionClosedError(err error) bool
}

// positionClosedMessages is the string-matching fallback used when no
// structured classification is available. Connector-specific and fragile;
// kept as a last resort behind the structured APIError codes.
var positionClosedMessages = []string{
	"would not reduce position",
	"wouldnotreduceposition",
	"position not open",
	"position already closed",
}

// MessageIndicatesPositionClosed reports whether an error message matches
// the known "position already closed" venue phrasings.
func MessageIndicatesPositionClosed(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range positionClosedMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// FindPosition returns the position for a trading pair, or nil. Venues key
// positions differently in one-way vs hedge mode, so both the bare pair and
// pair+side forms are accepted.
func FindPosition(positions []Position, tradingPair string) *Position {
	for i := range positions {
		p := &positions[i]
		if p.TradingPair == tradingPair {
			return p
		}
		if p.TradingPair == tradingPair+string(models.SideLong) ||
			p.TradingPair == tradingPair+string(models.SideShort) {
			return p
		}
	}
	return nil
}

// CircuitBreakerVenue wraps a venue with circuit breaker functionality so a
// flapping venue API cannot drag every closing process into its retry ceiling.
type CircuitBreakerVenue struct {
	venue   Interface
	breaker *gobreaker.CircuitBreaker
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerVenue creates a CircuitBreakerVenue with sensible defaults.
func NewCircuitBreakerVenue(v Interface) *CircuitBreakerVenue {
	return NewCircuitBreakerVenueWithSettings(v, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerVenueWithSettings creates a CircuitBreakerVenue with custom settings.
func NewCircuitBreakerVenueWithSettings(v Interface, settings CircuitBreakerSettings) *CircuitBreakerVenue {
	gbSettings := gobreaker.Settings{
		Name:        "VenueCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerVenue{
		venue:   v,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execBreaker is a generic helper for circuit breaker wrapper methods.
func execBreaker[T any](breaker *gobreaker.CircuitBreaker, venue Interface, fn func(Interface) (T, error)) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(venue) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// GetPositions wraps the underlying venue call with circuit breaker.
func (c *CircuitBreakerVenue) GetPositions(ctx context.Context) ([]Position, error) {
	return execBreaker(c.breaker, c.venue, func(v Interface) ([]Position, error) {
		return v.GetPositions(ctx)
	})
}

// GetMarkPrice wraps the underlying venue call with circuit breaker.
func (c *CircuitBreakerVenue) GetMarkPrice(ctx context.Context, tradingPair string) (decimal.Decimal, error) {
	return execBreaker(c.breaker, c.venue, func(v Interface) (decimal.Decimal, error) {
		return v.GetMarkPrice(ctx, tradingPair)
	})
}

// GetAvailableBalance wraps the underlying venue call with circuit breaker.
func (c *CircuitBreakerVenue) GetAvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	return execBreaker(c.breaker, c.venue, func(v Interface) (decimal.Decimal, error) {
		return v.GetAvailableBalance(ctx, asset)
	})
}

// PlaceReducingOrder wraps the underlying venue call with circuit breaker.
func (c *CircuitBreakerVenue) PlaceReducingOrder(ctx context.Context, req ReducingOrderRequest) (string, error) {
	return execBreaker(c.breaker, c.venue, func(v Interface) (string, error) {
		return v.PlaceReducingOrder(ctx, req)
	})
}

// GetOrderStatus wraps the underlying venue call with circuit breaker.
func (c *CircuitBreakerVenue) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	return execBreaker(c.breaker, c.venue, func(v Interface) (*OrderStatus, error) {
		return v.GetOrderStatus(ctx, orderID)
	})
}

// CancelOrder wraps the underlying venue call with circuit breaker.
func (c *CircuitBreakerVenue) CancelOrder(ctx context.Context, orderID string) error {
	_, err := execBreaker(c.breaker, c.venue, func(v Interface) (struct{}, error) {
		return struct{}{}, v.CancelOrder(ctx, orderID)
	})
	return err
}

// MinOrderSize passes through without the breaker: it is a local cache lookup.
func (c *CircuitBreakerVenue) MinOrderSize(tradingPair string) decimal.Decimal {
	return c.venue.MinOrderSize(tradingPair)
}

// KnownPair passes through without the breaker.
func (c *CircuitBreakerVenue) KnownPair(tradingPair string) bool {
	return c.venue.KnownPair(tradingPair)
}

// IsPositionClosedError passes through to the wrapped venue's classifier.
func (c *CircuitBreakerVenue) IsPositionClosedError(err error) bool {
	return c.venue.IsPositionClosedError(err)
}

// Ensure CircuitBreakerVenue implements Interface at compile time.
var _ Interface = (*CircuitBreakerVenue)(nil)
