// Package models provides data structures and state management for exchange
// position assignments and the processes that close them.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PositionSide is the direction of an assigned position as reported by the venue.
type PositionSide string

const (
	SideLong  PositionSide = "LONG"
	SideShort PositionSide = "SHORT"
)

// OrderSide is the direction of an order sent to the venue.
type OrderSide string

const (
	OrderBuy  OrderSide = "BUY"
	OrderSell OrderSide = "SELL"
)

// CloseSide returns the order side that reduces a position on this side.
func (s PositionSide) CloseSide() OrderSide {
	if s == SideShort {
		return OrderBuy
	}
	return OrderSell
}

// OrderType selects how closing orders are placed.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// PositionSource tags how a position came to be managed. Assignments are
// treated as already-open positions; no opening order is ever placed for them.
type PositionSource string

const (
	SourceOpenedByStrategy     PositionSource = "opened_by_strategy"
	SourceReceivedAsAssignment PositionSource = "received_as_assignment"
)

// AssignmentStatus is the lifecycle status of an assignment record. There is
// no pending state: a record is only created once the system commits to
// acting on it.
type AssignmentStatus string

const (
	AssignmentExecuting AssignmentStatus = "EXECUTING"
	AssignmentClosed    AssignmentStatus = "CLOSED"
	AssignmentFailed    AssignmentStatus = "FAILED"
)

// IsTerminal reports whether no further status transition is allowed.
func (s AssignmentStatus) IsTerminal() bool {
	return s == AssignmentClosed || s == AssignmentFailed
}

// ProcessStatus is the registry-side bookkeeping status of a closing process.
type ProcessStatus string

const (
	ProcessActive    ProcessStatus = "ACTIVE"
	ProcessCompleted ProcessStatus = "COMPLETED"
	ProcessFailed    ProcessStatus = "FAILED"
)

// IsTerminal reports whether the process record is done.
func (s ProcessStatus) IsTerminal() bool {
	return s == ProcessCompleted || s == ProcessFailed
}

// ProcessOutcome is the business outcome a closing process reports upward.
// OutcomeUnknown means the process terminated without asserting whether the
// position was actually closed (e.g. cancelled mid-flight).
type ProcessOutcome string

const (
	OutcomeSuccess ProcessOutcome = "SUCCESS"
	OutcomeFailure ProcessOutcome = "FAILURE"
	OutcomeUnknown ProcessOutcome = "UNKNOWN"
)

// CloseType tags why a closing process terminated. It is set exactly once,
// before the final terminated transition, and read-only afterward.
type CloseType string

const (
	CloseCompleted           CloseType = "completed"
	CloseFailed              CloseType = "failed"
	CloseTimeLimit           CloseType = "time_limit"
	CloseTrailingStop        CloseType = "trailing_stop"
	CloseStopLoss            CloseType = "stop_loss"
	CloseTakeProfit          CloseType = "take_profit"
	CloseEarlyStop           CloseType = "early_stop"
	CloseInsufficientBalance CloseType = "insufficient_balance"
)

// AssignmentFillEvent is a single exchange-initiated assignment notification.
// Delivery is at-least-once and may be duplicated or out of order.
type AssignmentFillEvent struct {
	FillID      string
	TradingPair string
	Side        PositionSide
	Amount      decimal.Decimal
	Price       decimal.Decimal
	OrderID     string
	Timestamp   time.Time
}

// NormalizeTimestamp converts a venue-reported epoch value to a time.Time,
// accepting seconds or milliseconds (some venues report either).
func NormalizeTimestamp(epoch int64) time.Time {
	if epoch > 1_000_000_000_000 {
		epoch /= 1000
	}
	if epoch <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(epoch, 0).UTC()
}

// AssignmentRecord is the registry's record of one exchange-reported fill.
type AssignmentRecord struct {
	FillID         string           `json:"fill_id"`
	TradingPair    string           `json:"trading_pair"`
	Side           PositionSide     `json:"side"`
	Amount         decimal.Decimal  `json:"amount"`
	ReferencePrice decimal.Decimal  `json:"reference_price"`
	OrderID        string           `json:"order_id,omitempty"`
	ReceivedAt     time.Time        `json:"received_at"`
	Status         AssignmentStatus `json:"status"`

	// ProcessID is a weak reference to the closing process handling this
	// assignment. Until ProcessConfirmed is set it is a placeholder assigned
	// at admission, before the orchestrator has actually started the process.
	ProcessID        string    `json:"process_id,omitempty"`
	ProcessConfirmed bool      `json:"process_confirmed"`
	ProcessLinkedAt  time.Time `json:"process_linked_at,omitempty"`

	// Error is a diagnostic string, set only when Status is FAILED.
	Error string `json:"error,omitempty"`
}

// LinkProcess records a process reference on the assignment.
func (r *AssignmentRecord) LinkProcess(processID string, confirmed bool, now time.Time) {
	r.ProcessID = processID
	r.ProcessConfirmed = confirmed
	r.ProcessLinkedAt = now
}

// ClearProcess drops the process reference so a fresh process can be created.
func (r *AssignmentRecord) ClearProcess() {
	r.ProcessID = ""
	r.ProcessConfirmed = false
	r.ProcessLinkedAt = time.Time{}
}

// SetStatus enforces monotone status transitions: once terminal, the status
// never changes again (records leave a terminal state only by deletion).
func (r *AssignmentRecord) SetStatus(status AssignmentStatus) error {
	if r.Status.IsTerminal() && status != r.Status {
		return fmt.Errorf("assignment %s: invalid status transition %s -> %s", r.FillID, r.Status, status)
	}
	r.Status = status
	return nil
}

// Clone returns a copy safe to hand outside the registry lock.
func (r *AssignmentRecord) Clone() AssignmentRecord {
	return *r
}

// ProcessConfig captures closing parameters at process creation time.
// FillID is the single, required assignment identifier: it is set once at
// construction and is the only way a process is matched back to its
// assignment.
type ProcessConfig struct {
	ProcessID     string          `json:"process_id"`
	FillID        string          `json:"fill_id"`
	ConnectorName string          `json:"connector_name"`
	TradingPair   string          `json:"trading_pair"`
	Side          PositionSide    `json:"side"`
	Amount        decimal.Decimal `json:"amount"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	Source        PositionSource  `json:"source"`

	OrderType      OrderType       `json:"order_type"`
	ClosePercent   decimal.Decimal `json:"close_percent"`
	SlippageBuffer decimal.Decimal `json:"slippage_buffer"`

	// Barriers. A zero TimeLimit means close immediately; for assignments
	// that is the common configuration. Stop loss, take profit and trailing
	// stop are fractions of entry price and disabled when zero.
	TimeLimit    time.Duration   `json:"time_limit"`
	StopLoss     decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit   decimal.Decimal `json:"take_profit,omitempty"`
	TrailingStop decimal.Decimal `json:"trailing_stop,omitempty"`

	MaxOrderAge time.Duration `json:"max_order_age"`
	CreatedAt   time.Time     `json:"created_at"`
}

// CloseAmount is the quantity this process is responsible for closing: the
// assigned amount scaled by the configured close percentage. The assigned
// amount is the reference quantity; the live venue position only ever caps
// the actually-placed amount downward.
func (c ProcessConfig) CloseAmount() decimal.Decimal {
	if c.ClosePercent.IsZero() {
		return c.Amount
	}
	return c.Amount.Mul(c.ClosePercent).Div(decimal.NewFromInt(100))
}

// CloseSide is the order side that reduces the assigned position.
func (c ProcessConfig) CloseSide() OrderSide {
	return c.Side.CloseSide()
}

// Validate checks the fields a process cannot run without.
func (c ProcessConfig) Validate() error {
	if c.ProcessID == "" {
		return fmt.Errorf("process config: process_id is required")
	}
	if c.FillID == "" {
		return fmt.Errorf("process config: fill_id is required")
	}
	if c.TradingPair == "" {
		return fmt.Errorf("process config: trading_pair is required")
	}
	if !c.Amount.IsPositive() {
		return fmt.Errorf("process config: amount must be positive, got %s", c.Amount)
	}
	if c.Side != SideLong && c.Side != SideShort {
		return fmt.Errorf("process config: invalid side %q", c.Side)
	}
	return nil
}

// ProcessRecord is the registry's bookkeeping for one created process. The
// actual process state lives in the closer; this record only tracks identity
// and terminal outcome for garbage collection and drift repair.
type ProcessRecord struct {
	ProcessID string        `json:"process_id"`
	FillID    string        `json:"fill_id"`
	CreatedAt time.Time     `json:"created_at"`
	Status    ProcessStatus `json:"status"`
	Config    ProcessConfig `json:"config"`
}

// CreateProcessAction asks the orchestrator to instantiate a closing process.
type CreateProcessAction struct {
	ControllerID string
	Config       ProcessConfig
}

// ProcessView is the orchestrator's self-reported view of one live process,
// consumed by the registry and the reconciliation loop.
type ProcessView struct {
	ProcessID string
	FillID    string
	Active    bool
	Config    ProcessConfig
}
