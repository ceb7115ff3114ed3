package closer

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpdesk/assignment_janitor/internal/models"
	"github.com/perpdesk/assignment_janitor/internal/retry"
	"github.com/perpdesk/assignment_janitor/internal/venue"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type stubOwner struct {
	mu             sync.Mutex
	registered     []string
	registerErr    error
	completedWith  models.ProcessOutcome
	closeType      models.CloseType
	failedReason   string
	completedCalls int
	failedCalls    int
}

func (o *stubOwner) RegisterProcess(fillID, processID string, cfg models.ProcessConfig) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.registerErr != nil {
		return o.registerErr
	}
	o.registered = append(o.registered, processID)
	return nil
}

func (o *stubOwner) OnProcessCompleted(processID string, outcome models.ProcessOutcome, closeType models.CloseType, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completedCalls++
	o.completedWith = outcome
	o.closeType = closeType
}

func (o *stubOwner) OnProcessFailed(processID string, errMsg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failedCalls++
	o.failedReason = errMsg
}

func (o *stubOwner) snapshot() stubOwner {
	o.mu.Lock()
	defer o.mu.Unlock()
	return stubOwner{
		completedWith:  o.completedWith,
		closeType:      o.closeType,
		failedReason:   o.failedReason,
		completedCalls: o.completedCalls,
		failedCalls:    o.failedCalls,
	}
}

func testCfg(fillID string, amount float64, timeLimit time.Duration) models.ProcessConfig {
	return models.ProcessConfig{
		ProcessID:     "proc-" + fillID,
		FillID:        fillID,
		ConnectorName: "kraken_perpetual",
		TradingPair:   "BTC-USD",
		Side:          models.SideLong,
		Amount:        decimal.NewFromFloat(amount),
		EntryPrice:    decimal.NewFromFloat(50000),
		Source:        models.SourceReceivedAsAssignment,
		OrderType:     models.OrderTypeMarket,
		TimeLimit:     timeLimit,
		MaxOrderAge:   time.Minute,
		CreatedAt:     time.Now().UTC(),
	}
}

func fastSettings() Settings {
	return Settings{
		UpdateInterval: 5 * time.Millisecond,
		MaxRetries:     10,
		ShutdownDelay:  time.Nanosecond,
		ShutdownStall:  time.Hour,
		RunningStall:   time.Hour,
		StartupGrace:   time.Nanosecond,
		ExistenceEvery: 5,
	}
}

func newTestCloser(cfg models.ProcessConfig, mock *venue.MockVenue, owner *stubOwner, settings Settings) *Closer {
	c := New(cfg, mock, NewPendingCloses(), owner, testLogger(), settings)
	c.startedAt = time.Now().UTC().Add(-time.Second)
	c.lastProgress = time.Now().UTC()
	return c
}

// Immediate-close configuration places one reducing order and finalizes on
// its fill.
func TestImmediateCloseHappyPath(t *testing.T) {
	mock := venue.NewMockVenue()
	mock.SetPosition(venue.Position{
		TradingPair: "BTC-USD", Side: models.SideLong,
		Amount: decimal.NewFromFloat(0.1), EntryPrice: decimal.NewFromFloat(50000),
	})

	owner := &stubOwner{}
	c := newTestCloser(testCfg("F1", 0.1, 0), mock, owner, fastSettings())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.Run(ctx)

	if c.IsActive() {
		t.Fatal("process still active")
	}
	got := owner.snapshot()
	if got.completedWith != models.OutcomeSuccess {
		t.Errorf("outcome = %s, want SUCCESS", got.completedWith)
	}
	if got.closeType != models.CloseCompleted {
		t.Errorf("close type = %s, want completed", got.closeType)
	}
	if mock.PlaceOrderCalls != 1 {
		t.Errorf("placed %d orders, want 1", mock.PlaceOrderCalls)
	}
}

// Scenario: position fully closed externally before any local order -
// RUNNING terminates COMPLETED with zero orders placed.
func TestExternallyClosedPositionTerminatesWithoutOrders(t *testing.T) {
	mock := venue.NewMockVenue()
	mock.AddPair("BTC-USD")
	// No position on the venue.

	owner := &stubOwner{}
	c := newTestCloser(testCfg("F1", 0.1, time.Hour), mock, owner, fastSettings())

	c.controlRunning(context.Background())

	if c.IsActive() {
		t.Fatal("process should have terminated")
	}
	got := owner.snapshot()
	if got.completedWith != models.OutcomeSuccess || got.closeType != models.CloseCompleted {
		t.Errorf("outcome=%s close_type=%s, want SUCCESS/completed", got.completedWith, got.closeType)
	}
	if mock.PlaceOrderCalls != 0 {
		t.Errorf("placed %d orders, want 0", mock.PlaceOrderCalls)
	}
}

// Scenario: close order partially fills then disappears - the lost order is
// discarded and a fresh order covers the remainder.
func TestLostOrderAfterPartialFillIsReplaced(t *testing.T) {
	mock := venue.NewMockVenue()
	mock.FillOrdersImmediately = false
	mock.SetPosition(venue.Position{
		TradingPair: "BTC-USD", Side: models.SideLong,
		Amount: decimal.NewFromFloat(0.1), EntryPrice: decimal.NewFromFloat(50000),
	})

	owner := &stubOwner{}
	c := newTestCloser(testCfg("F1", 0.1, 0), mock, owner, fastSettings())
	if err := c.owner.RegisterProcess(c.cfg.FillID, c.cfg.ProcessID, c.cfg); err != nil {
		t.Fatal(err)
	}
	c.onStart(context.Background())

	if c.orderID == "" {
		t.Fatal("no close order placed on start")
	}
	firstOrder := c.orderID

	// Partial fill of 0.05, then the venue loses the order.
	if err := mock.PartialFillOrder(firstOrder, decimal.NewFromFloat(0.05)); err != nil {
		t.Fatal(err)
	}
	c.nextShutdownAt = time.Time{}
	c.trackCloseOrder(context.Background())
	if !c.closedVolume.Equal(decimal.NewFromFloat(0.05)) {
		t.Fatalf("closedVolume = %s, want 0.05", c.closedVolume)
	}

	mock.DropOrder(firstOrder)
	c.trackCloseOrder(context.Background())
	if c.orderID != "" {
		t.Fatal("lost order reference not discarded")
	}

	// Next pass places a fresh order for the remaining 0.05.
	c.nextShutdownAt = time.Time{}
	c.controlShutdown(context.Background())
	if c.orderID == "" || c.orderID == firstOrder {
		t.Fatalf("expected a fresh order, got %q", c.orderID)
	}

	// Filling it completes the process at exactly the assigned volume.
	if err := mock.FillOrder(c.orderID); err != nil {
		t.Fatal(err)
	}
	c.nextShutdownAt = time.Time{}
	c.controlShutdown(context.Background())

	if c.IsActive() {
		t.Fatal("process should have terminated after the replacement fill")
	}
	if !c.closedVolume.Equal(decimal.NewFromFloat(0.1)) {
		t.Errorf("closedVolume = %s, want 0.1", c.closedVolume)
	}
}

// A transient status outage must not be mistaken for a lost order: the
// reference is kept and the original order can still complete the process.
func TestTransientStatusOutageKeepsOrderReference(t *testing.T) {
	mock := venue.NewMockVenue()
	mock.FillOrdersImmediately = false
	mock.SetPosition(venue.Position{
		TradingPair: "BTC-USD", Side: models.SideLong,
		Amount: decimal.NewFromFloat(0.1), EntryPrice: decimal.NewFromFloat(50000),
	})

	owner := &stubOwner{}
	c := newTestCloser(testCfg("F1", 0.1, 0), mock, owner, fastSettings())
	c.reads = retry.NewClient(mock, testLogger(), retry.Config{
		MaxRetries:     1,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Timeout:        time.Second,
	})
	c.onStart(context.Background())
	if c.orderID == "" {
		t.Fatal("no close order placed on start")
	}
	firstOrder := c.orderID

	// The venue's order-status endpoint goes down; the order itself is
	// still live on the book.
	mock.GetOrderError = &venue.APIError{Status: 503, Message: "service unavailable"}
	c.trackCloseOrder(context.Background())

	if c.orderID != firstOrder {
		t.Fatalf("order reference = %q after outage, want %q kept", c.orderID, firstOrder)
	}
	if !c.IsActive() {
		t.Fatal("process should stay in shutdown during the outage")
	}

	// Outage over, the original order fills; no replacement is ever placed.
	mock.GetOrderError = nil
	if err := mock.FillOrder(firstOrder); err != nil {
		t.Fatal(err)
	}
	c.nextShutdownAt = time.Time{}
	c.controlShutdown(context.Background())

	if c.IsActive() {
		t.Fatal("process should terminate once the original order fills")
	}
	if mock.PlaceOrderCalls != 1 {
		t.Errorf("placed %d orders, want 1", mock.PlaceOrderCalls)
	}
}

// A refused registration means another process owns the assignment: the
// redundant one terminates without venue calls or owner callbacks, and its
// view no longer reports it live.
func TestRefusedRegistrationTerminatesProcess(t *testing.T) {
	mock := venue.NewMockVenue()
	mock.SetPosition(venue.Position{
		TradingPair: "BTC-USD", Side: models.SideLong,
		Amount: decimal.NewFromFloat(0.1), EntryPrice: decimal.NewFromFloat(50000),
	})

	owner := &stubOwner{registerErr: errors.New("fill F1 already linked to active process")}
	c := newTestCloser(testCfg("F1", 0.1, 0), mock, owner, fastSettings())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.Run(ctx)

	if c.IsActive() {
		t.Fatal("redundant process still reports active")
	}
	if c.View().Active {
		t.Error("view reports the refused process as live")
	}
	got := owner.snapshot()
	if got.completedCalls != 0 || got.failedCalls != 0 {
		t.Errorf("owner callbacks fired (%d completed, %d failed), want none",
			got.completedCalls, got.failedCalls)
	}
	if mock.PlaceOrderCalls != 0 {
		t.Errorf("placed %d orders, want 0", mock.PlaceOrderCalls)
	}
}

// No duplicate closing orders: once cumulative fills cover the assignment,
// no further order is placed on any tick.
func TestVolumeMatchBlocksFurtherOrders(t *testing.T) {
	mock := venue.NewMockVenue()
	mock.SetPosition(venue.Position{
		TradingPair: "BTC-USD", Side: models.SideLong,
		Amount: decimal.NewFromFloat(0.1), EntryPrice: decimal.NewFromFloat(50000),
	})

	owner := &stubOwner{}
	c := newTestCloser(testCfg("F1", 0.1, time.Hour), mock, owner, fastSettings())
	c.triggerBarrier = models.CloseTimeLimit
	if err := c.sm.Transition(models.StateShuttingDown, models.ConditionImmediateClose); err != nil {
		t.Fatal(err)
	}
	c.closedVolume = decimal.NewFromFloat(0.1)

	c.controlShutdown(context.Background())

	if mock.PlaceOrderCalls != 0 {
		t.Errorf("placed %d orders with volume already matched, want 0", mock.PlaceOrderCalls)
	}
	if c.IsActive() {
		t.Error("process should finalize on volume match")
	}
}

// Scenario: two assignments on the same pair - the second process's order
// is capped by the first one's pending reservation.
func TestConcurrentProcessesShareThePendingLedger(t *testing.T) {
	mock := venue.NewMockVenue()
	mock.FillOrdersImmediately = false
	mock.SetPosition(venue.Position{
		TradingPair: "BTC-USD", Side: models.SideLong,
		Amount: decimal.NewFromFloat(0.25), EntryPrice: decimal.NewFromFloat(50000),
	})

	pending := NewPendingCloses()
	owner := &stubOwner{}
	settings := fastSettings()

	c1 := New(testCfg("F1", 0.1, 0), mock, pending, owner, testLogger(), settings)
	c2 := New(testCfg("F2", 0.2, 0), mock, pending, owner, testLogger(), settings)
	for _, c := range []*Closer{c1, c2} {
		c.startedAt = time.Now().UTC()
		c.lastProgress = time.Now().UTC()
		c.triggerBarrier = models.CloseTimeLimit
		if err := c.sm.Transition(models.StateShuttingDown, models.ConditionImmediateClose); err != nil {
			t.Fatal(err)
		}
	}

	c1.placeCloseOrder(context.Background())
	if c1.orderID == "" {
		t.Fatal("first process placed no order")
	}

	c2.placeCloseOrder(context.Background())
	if c2.orderID == "" {
		t.Fatal("second process placed no order")
	}

	// F1 reserved 0.1 against the 0.25 position, leaving at most 0.15 for
	// F2 despite its 0.2 assignment.
	total := pending.Pending("kraken_perpetual_BTC-USD")
	if total.GreaterThan(decimal.NewFromFloat(0.25)) {
		t.Errorf("combined reservations %s exceed the live position", total)
	}
	if !total.Equal(decimal.NewFromFloat(0.25)) {
		t.Errorf("combined reservations = %s, want 0.25 (0.1 + capped 0.15)", total)
	}
}

// Scenario: retry ceiling exceeded while the position still exists - the
// process finalizes FAILED, not COMPLETED.
func TestRetryCeilingWithOpenPositionFails(t *testing.T) {
	mock := venue.NewMockVenue()
	mock.SetPosition(venue.Position{
		TradingPair: "BTC-USD", Side: models.SideLong,
		Amount: decimal.NewFromFloat(0.1), EntryPrice: decimal.NewFromFloat(50000),
	})
	mock.PlaceOrderError = errors.New("order rejected")

	settings := fastSettings()
	settings.MaxRetries = 3

	owner := &stubOwner{}
	c := newTestCloser(testCfg("F1", 0.1, time.Hour), mock, owner, settings)
	c.triggerBarrier = models.CloseTimeLimit
	if err := c.sm.Transition(models.StateShuttingDown, models.ConditionImmediateClose); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10 && c.IsActive(); i++ {
		c.nextShutdownAt = time.Time{}
		c.controlShutdown(context.Background())
	}

	if c.IsActive() {
		t.Fatal("process never hit the retry ceiling")
	}
	got := owner.snapshot()
	if got.failedCalls != 1 {
		t.Fatalf("OnProcessFailed called %d times, want 1", got.failedCalls)
	}
	if got.completedCalls != 0 {
		t.Errorf("OnProcessCompleted called %d times, want 0", got.completedCalls)
	}
	if c.CloseType() != models.CloseFailed {
		t.Errorf("close type = %s, want failed", c.CloseType())
	}
}

// Retry ceiling with the position gone finalizes COMPLETED: the final
// exchange check decides the outcome.
func TestRetryCeilingWithPositionGoneCompletes(t *testing.T) {
	mock := venue.NewMockVenue()
	mock.AddPair("BTC-USD")
	mock.PlaceOrderError = errors.New("order rejected")

	settings := fastSettings()
	settings.MaxRetries = 1

	owner := &stubOwner{}
	c := newTestCloser(testCfg("F1", 0.1, time.Hour), mock, owner, settings)
	c.triggerBarrier = models.CloseTimeLimit
	if err := c.sm.Transition(models.StateShuttingDown, models.ConditionImmediateClose); err != nil {
		t.Fatal(err)
	}
	c.retryCount = 5

	c.nextShutdownAt = time.Time{}
	c.controlShutdown(context.Background())

	got := owner.snapshot()
	if got.completedWith != models.OutcomeSuccess {
		t.Errorf("outcome = %s, want SUCCESS when the position is gone", got.completedWith)
	}
	if got.failedCalls != 0 {
		t.Errorf("OnProcessFailed called %d times, want 0", got.failedCalls)
	}
}

// A venue rejection meaning "position already closed" is success, not
// failure.
func TestAlreadyClosedRejectionIsSuccess(t *testing.T) {
	mock := venue.NewMockVenue()
	mock.SetPosition(venue.Position{
		TradingPair: "BTC-USD", Side: models.SideLong,
		Amount: decimal.NewFromFloat(0.1), EntryPrice: decimal.NewFromFloat(50000),
	})
	mock.PlaceOrderError = errors.New("Order would not reduce position")

	owner := &stubOwner{}
	c := newTestCloser(testCfg("F1", 0.1, time.Hour), mock, owner, fastSettings())
	c.triggerBarrier = models.CloseTimeLimit
	if err := c.sm.Transition(models.StateShuttingDown, models.ConditionImmediateClose); err != nil {
		t.Fatal(err)
	}

	c.placeCloseOrder(context.Background())

	if c.IsActive() {
		t.Fatal("process should finalize on already-closed rejection")
	}
	got := owner.snapshot()
	if got.completedWith != models.OutcomeSuccess {
		t.Errorf("outcome = %s, want SUCCESS", got.completedWith)
	}
}

// Cancellation mid-flight reports UNKNOWN and releases the reservation.
func TestCancellationReportsUnknownAndReleasesReservation(t *testing.T) {
	mock := venue.NewMockVenue()
	mock.FillOrdersImmediately = false
	mock.SetPosition(venue.Position{
		TradingPair: "BTC-USD", Side: models.SideLong,
		Amount: decimal.NewFromFloat(0.1), EntryPrice: decimal.NewFromFloat(50000),
	})

	pending := NewPendingCloses()
	owner := &stubOwner{}
	c := New(testCfg("F1", 0.1, 0), mock, pending, owner, testLogger(), fastSettings())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	// Wait for the close order (which reserves on the ledger).
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && pending.Pending("kraken_perpetual_BTC-USD").IsZero() {
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	<-done

	got := owner.snapshot()
	if got.completedWith != models.OutcomeUnknown {
		t.Errorf("outcome = %s, want UNKNOWN", got.completedWith)
	}
	if !pending.Pending("kraken_perpetual_BTC-USD").IsZero() {
		t.Error("reservation leaked after cancellation")
	}
}

// Stop-loss barrier fires when the mark price moves against the position.
func TestStopLossBarrier(t *testing.T) {
	mock := venue.NewMockVenue()
	mock.SetPosition(venue.Position{
		TradingPair: "BTC-USD", Side: models.SideLong,
		Amount: decimal.NewFromFloat(0.1), EntryPrice: decimal.NewFromFloat(50000),
	})
	mock.SetMarkPrice("BTC-USD", decimal.NewFromFloat(48000)) // -4%

	cfg := testCfg("F1", 0.1, time.Hour)
	cfg.StopLoss = decimal.NewFromFloat(0.03)

	owner := &stubOwner{}
	c := newTestCloser(cfg, mock, owner, fastSettings())

	barrier, fired := c.evaluateBarriers(context.Background())
	if !fired || barrier != models.CloseStopLoss {
		t.Errorf("barrier = %s fired=%v, want stop_loss", barrier, fired)
	}
}
