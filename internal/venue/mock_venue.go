package venue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpdesk/assignment_janitor/internal/models"
)

// MockVenue is an in-memory venue for tests and the integration harness.
// Error fields inject failures; when nil, calls operate on the in-memory
// position and order books.
type MockVenue struct {
	mu sync.Mutex

	positions map[string]Position // keyed by trading pair
	orders    map[string]*mockOrder
	balances  map[string]decimal.Decimal
	marks     map[string]decimal.Decimal
	minSizes  map[string]decimal.Decimal
	pairs     map[string]bool
	fills     []models.AssignmentFillEvent

	orderSeq int

	// FillOrdersImmediately makes PlaceReducingOrder fill (and reduce the
	// position) synchronously. When false, orders stay open until
	// FillOrder is called.
	FillOrdersImmediately bool

	GetPositionsError  error
	GetMarkPriceError  error
	GetBalanceError    error
	PlaceOrderError    error
	GetOrderError      error
	CancelOrderError   error
	GetFillsError      error
	PositionClosedFunc func(error) bool

	PlaceOrderCalls  int
	CancelOrderCalls int
}

type mockOrder struct {
	status OrderStatus
	req    ReducingOrderRequest
}

// NewMockVenue creates an empty mock venue.
func NewMockVenue() *MockVenue {
	return &MockVenue{
		positions:             make(map[string]Position),
		orders:                make(map[string]*mockOrder),
		balances:              make(map[string]decimal.Decimal),
		marks:                 make(map[string]decimal.Decimal),
		minSizes:              make(map[string]decimal.Decimal),
		pairs:                 make(map[string]bool),
		FillOrdersImmediately: true,
	}
}

// SetPosition installs or replaces a position and registers its pair.
func (m *MockVenue) SetPosition(p Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[p.TradingPair] = p
	m.pairs[p.TradingPair] = true
}

// RemovePosition deletes a position, simulating an external close.
func (m *MockVenue) RemovePosition(tradingPair string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, tradingPair)
}

// SetMarkPrice sets the mark price for a pair.
func (m *MockVenue) SetMarkPrice(tradingPair string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks[tradingPair] = price
	m.pairs[tradingPair] = true
}

// SetBalance sets the available balance for an asset.
func (m *MockVenue) SetBalance(asset string, balance decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[asset] = balance
}

// SetMinOrderSize sets the minimum order size for a pair.
func (m *MockVenue) SetMinOrderSize(tradingPair string, size decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.minSizes[tradingPair] = size
	m.pairs[tradingPair] = true
}

// AddPair registers a pair without any position.
func (m *MockVenue) AddPair(tradingPair string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairs[tradingPair] = true
}

// AddAssignmentFill queues a fill for the next GetAssignmentFills call and
// installs the corresponding position.
func (m *MockVenue) AddAssignmentFill(ev models.AssignmentFillEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fills = append(m.fills, ev)
	m.pairs[ev.TradingPair] = true
	pos := m.positions[ev.TradingPair]
	pos.TradingPair = ev.TradingPair
	pos.Side = ev.Side
	pos.Amount = pos.Amount.Add(ev.Amount)
	pos.EntryPrice = ev.Price
	m.positions[ev.TradingPair] = pos
}

func (m *MockVenue) GetPositions(_ context.Context) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetPositionsError != nil {
		return nil, m.GetPositionsError
	}
	out := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	return out, nil
}

func (m *MockVenue) GetMarkPrice(_ context.Context, tradingPair string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetMarkPriceError != nil {
		return decimal.Zero, m.GetMarkPriceError
	}
	if price, ok := m.marks[tradingPair]; ok {
		return price, nil
	}
	if p, ok := m.positions[tradingPair]; ok {
		return p.EntryPrice, nil
	}
	return decimal.Zero, fmt.Errorf("no mark price for %s", tradingPair)
}

func (m *MockVenue) GetAvailableBalance(_ context.Context, asset string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetBalanceError != nil {
		return decimal.Zero, m.GetBalanceError
	}
	return m.balances[asset], nil
}

func (m *MockVenue) PlaceReducingOrder(_ context.Context, req ReducingOrderRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PlaceOrderCalls++
	if m.PlaceOrderError != nil {
		return "", m.PlaceOrderError
	}

	m.orderSeq++
	orderID := fmt.Sprintf("mock-order-%d", m.orderSeq)
	order := &mockOrder{
		req: req,
		status: OrderStatus{
			OrderID: orderID,
			Status:  "OPEN",
		},
	}
	m.orders[orderID] = order
	if m.FillOrdersImmediately {
		m.fillOrderLocked(order)
	}
	return orderID, nil
}

// FillOrder marks an open order as fully executed and reduces the position.
func (m *MockVenue) FillOrder(orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("no such order %s", orderID)
	}
	m.fillOrderLocked(order)
	return nil
}

func (m *MockVenue) fillOrderLocked(order *mockOrder) {
	order.status.Status = "FULLY_EXECUTED"
	order.status.IsDone = true
	order.status.IsFilled = true
	order.status.ExecutedAmount = order.req.Amount

	pair := order.req.TradingPair
	if pos, ok := m.positions[pair]; ok {
		pos.Amount = pos.Amount.Sub(order.req.Amount)
		if pos.Amount.IsPositive() {
			m.positions[pair] = pos
		} else {
			delete(m.positions, pair)
		}
	}
}

// PartialFillOrder adds a partial execution to an open order and reduces
// the position accordingly, leaving the order open.
func (m *MockVenue) PartialFillOrder(orderID string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("no such order %s", orderID)
	}
	order.status.Status = "PARTIALLY_FILLED"
	order.status.ExecutedAmount = order.status.ExecutedAmount.Add(amount)

	pair := order.req.TradingPair
	if pos, ok := m.positions[pair]; ok {
		pos.Amount = pos.Amount.Sub(amount)
		if pos.Amount.IsPositive() {
			m.positions[pair] = pos
		} else {
			delete(m.positions, pair)
		}
	}
	return nil
}

// DropOrder forgets an order entirely, simulating a lost order id.
func (m *MockVenue) DropOrder(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.orders, orderID)
}

func (m *MockVenue) GetOrderStatus(_ context.Context, orderID string) (*OrderStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetOrderError != nil {
		return nil, m.GetOrderError
	}
	order, ok := m.orders[orderID]
	if !ok {
		return nil, &APIError{Status: 404, Code: "orderNotFound",
			Message: fmt.Sprintf("order %s not found", orderID)}
	}
	status := order.status
	return &status, nil
}

func (m *MockVenue) CancelOrder(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CancelOrderCalls++
	if m.CancelOrderError != nil {
		return m.CancelOrderError
	}
	if order, ok := m.orders[orderID]; ok && !order.status.IsDone {
		order.status.Status = "CANCELLED"
		order.status.IsDone = true
	}
	return nil
}

func (m *MockVenue) MinOrderSize(tradingPair string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.minSizes[tradingPair]
}

func (m *MockVenue) KnownPair(tradingPair string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pairs[tradingPair]
}

func (m *MockVenue) IsPositionClosedError(err error) bool {
	if m.PositionClosedFunc != nil {
		return m.PositionClosedFunc(err)
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && positionClosedCodes[apiErr.Code] {
		return true
	}
	return MessageIndicatesPositionClosed(err)
}

func (m *MockVenue) GetAssignmentFills(_ context.Context, since time.Time) ([]models.AssignmentFillEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetFillsError != nil {
		return nil, m.GetFillsError
	}
	var out []models.AssignmentFillEvent
	for _, f := range m.fills {
		if f.Timestamp.After(since) {
			out = append(out, f)
		}
	}
	return out, nil
}

// Ensure MockVenue implements the venue and feed contracts.
var (
	_ Interface   = (*MockVenue)(nil)
	_ FillFetcher = (*MockVenue)(nil)
)
