// Package closer implements the per-assignment closing process: a state
// machine that drives one assigned position to zero exposure, handling
// partial fills, lost orders, retries, and races with external closures.
package closer

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpdesk/assignment_janitor/internal/models"
	"github.com/perpdesk/assignment_janitor/internal/retry"
	"github.com/perpdesk/assignment_janitor/internal/util"
	"github.com/perpdesk/assignment_janitor/internal/venue"
)

// Owner receives the closing process's terminal callbacks. The registry
// implements this contract.
type Owner interface {
	RegisterProcess(fillID, processID string, cfg models.ProcessConfig) error
	OnProcessCompleted(processID string, outcome models.ProcessOutcome, closeType models.CloseType, reason string)
	OnProcessFailed(processID string, errMsg string)
}

// Settings tunes the closing process control loop. Zero values select
// defaults.
type Settings struct {
	UpdateInterval time.Duration // control tick cadence
	MaxRetries     int           // retry ceiling before forced exit
	ShutdownDelay  time.Duration // pacing between shutdown attempts
	ShutdownStall  time.Duration // no-progress bound while shutting down
	RunningStall   time.Duration // barrier-evaluation failsafe while running
	StartupGrace   time.Duration // tolerance for a not-yet-visible position
	ExistenceEvery int           // re-verify position every Nth running tick
	MarginAsset    string        // asset checked for free balance
}

func (s *Settings) applyDefaults() {
	if s.UpdateInterval <= 0 {
		s.UpdateInterval = time.Second
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = 10
	}
	if s.ShutdownDelay <= 0 {
		s.ShutdownDelay = 5 * time.Second
	}
	if s.ShutdownStall <= 0 {
		s.ShutdownStall = 60 * time.Second
	}
	if s.RunningStall <= 0 {
		s.RunningStall = 30 * time.Second
	}
	if s.StartupGrace <= 0 {
		s.StartupGrace = 5 * time.Second
	}
	if s.ExistenceEvery <= 0 {
		s.ExistenceEvery = 5
	}
	if s.MarginAsset == "" {
		s.MarginAsset = "USD"
	}
}

// Closer owns the closure of a single assigned position. The position is
// treated as already open: no opening order is ever placed.
type Closer struct {
	cfg      models.ProcessConfig
	venue    venue.Interface
	reads    *retry.Client
	pending  *PendingCloses
	owner    Owner
	logger   *log.Logger
	settings Settings

	sm *models.ProcessStateMachine

	// Mutable control-loop state. Ticks of one process are strictly
	// sequential, so no lock is needed; readers outside the loop go
	// through the state machine or View.
	closedVolume   decimal.Decimal
	orderID        string
	orderFilled    decimal.Decimal // current order's fills already in closedVolume
	orderPlacedAt  time.Time
	retryCount     int
	tick           int
	triggerBarrier models.CloseType
	bestPnL        decimal.Decimal
	lastProgress   time.Time
	nextShutdownAt time.Time
	release        func()
	startedAt      time.Time
	finalized      bool
}

// New creates a closing process for one assignment.
func New(cfg models.ProcessConfig, v venue.Interface, pending *PendingCloses, owner Owner, logger *log.Logger, settings Settings) *Closer {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	settings.applyDefaults()
	return &Closer{
		cfg:          cfg,
		venue:        v,
		reads:        retry.NewClient(v, logger),
		pending:      pending,
		owner:        owner,
		logger:       logger,
		settings:     settings,
		sm:           models.NewProcessStateMachine(),
		closedVolume: decimal.Zero,
		bestPnL:      decimal.Zero,
		release:      func() {},
	}
}

// ProcessID returns the process identifier.
func (c *Closer) ProcessID() string { return c.cfg.ProcessID }

// FillID returns the assignment fill id this process is closing.
func (c *Closer) FillID() string { return c.cfg.FillID }

// IsActive reports whether the process has not yet terminated.
func (c *Closer) IsActive() bool { return !c.sm.IsTerminated() }

// CloseType returns the terminal tag, empty until finalized.
func (c *Closer) CloseType() models.CloseType { return c.sm.CloseType() }

// View returns the orchestrator-facing snapshot of this process.
func (c *Closer) View() models.ProcessView {
	return models.ProcessView{
		ProcessID: c.cfg.ProcessID,
		FillID:    c.cfg.FillID,
		Active:    c.IsActive(),
		Config:    c.cfg,
	}
}

// Run drives the process to termination or context cancellation. Exactly
// one Run per Closer; it reports the terminal outcome to the owner before
// returning.
func (c *Closer) Run(ctx context.Context) {
	defer func() { c.release() }()

	if err := c.owner.RegisterProcess(c.cfg.FillID, c.cfg.ProcessID, c.cfg); err != nil {
		// Another active process already owns this assignment; this one
		// is redundant and exits without touching the venue or notifying
		// the owner, but still terminates so views never report it live.
		c.logger.Printf("closer %s: registration refused: %v", util.ShortID(c.cfg.ProcessID), err)
		c.finalized = true
		if terr := c.sm.SetCloseType(models.CloseEarlyStop); terr != nil {
			c.logger.Printf("closer %s: %v", util.ShortID(c.cfg.ProcessID), terr)
		}
		if terr := c.sm.Transition(models.StateTerminated, models.ConditionCancelled); terr != nil {
			c.logger.Printf("closer %s: %v", util.ShortID(c.cfg.ProcessID), terr)
		}
		return
	}

	c.startedAt = time.Now().UTC()
	c.lastProgress = c.startedAt
	c.onStart(ctx)

	ticker := time.NewTicker(c.settings.UpdateInterval)
	defer ticker.Stop()

	for !c.sm.IsTerminated() {
		select {
		case <-ctx.Done():
			// Cancelled mid-flight: the position's true state is unknown.
			c.finalize(models.CloseEarlyStop, models.ConditionCancelled, models.OutcomeUnknown, "process cancelled")
			return
		case <-ticker.C:
			switch c.sm.State() {
			case models.StateRunning:
				c.controlRunning(ctx)
			case models.StateShuttingDown:
				c.controlShutdown(ctx)
			}
		}
	}
}

// onStart validates the assignment and, for zero time limits, attempts
// closure immediately.
func (c *Closer) onStart(ctx context.Context) {
	if c.cfg.TimeLimit <= 0 {
		// Close-immediately configuration: skip validation entirely.
		c.triggerBarrier = models.CloseTimeLimit
		if err := c.sm.Transition(models.StateShuttingDown, models.ConditionImmediateClose); err != nil {
			c.logger.Printf("closer %s: %v", util.ShortID(c.cfg.ProcessID), err)
			return
		}
		c.controlShutdown(ctx)
		return
	}

	// Confirm the position is visible; a just-assigned position may not be
	// yet, which is fine within the startup grace.
	positions, err := c.reads.GetPositionsWithRetry(ctx)
	if err != nil {
		c.logger.Printf("closer %s: startup position check failed: %v", util.ShortID(c.cfg.ProcessID), err)
	} else if venue.FindPosition(positions, c.cfg.TradingPair) == nil {
		c.logger.Printf("closer %s: position %s not visible yet, tolerating within grace",
			util.ShortID(c.cfg.ProcessID), c.cfg.TradingPair)
	}

	// Balance check is best-effort: insufficient balance is logged but
	// never blocks the attempt, since an unmanaged open position is worse
	// than a possibly-rejected order.
	balance, err := c.venue.GetAvailableBalance(ctx, c.settings.MarginAsset)
	if err != nil {
		c.logger.Printf("closer %s: balance check failed: %v", util.ShortID(c.cfg.ProcessID), err)
	} else if !balance.IsPositive() {
		c.logger.Printf("closer %s: no free %s balance, attempting closure anyway",
			util.ShortID(c.cfg.ProcessID), c.settings.MarginAsset)
	}
}

// controlRunning executes one RUNNING tick: verify the position, check
// volume, evaluate barriers.
func (c *Closer) controlRunning(ctx context.Context) {
	c.tick++
	if c.tick > 1 {
		// Periodic-work counter, not a failure counter: it gates the
		// lower-frequency existence check below.
		c.retryCount++
	}

	if c.volumeMatched() {
		c.finalize(c.successCloseType(), models.ConditionVolumeMatched, models.OutcomeSuccess,
			"assigned volume already fully closed")
		return
	}

	// Re-verify the position only every Nth tick to spare the venue API.
	if c.tick == 1 || c.retryCount%c.settings.ExistenceEvery == 0 {
		positions, err := c.reads.GetPositionsWithRetry(ctx)
		if err != nil {
			c.logger.Printf("closer %s: position check failed: %v", util.ShortID(c.cfg.ProcessID), err)
		} else if venue.FindPosition(positions, c.cfg.TradingPair) == nil {
			if time.Since(c.startedAt) > c.settings.StartupGrace {
				c.finalize(models.CloseCompleted, models.ConditionPositionGone, models.OutcomeSuccess,
					"position closed externally")
				return
			}
		}
	}

	if barrier, ok := c.evaluateBarriers(ctx); ok {
		c.beginShutdown(ctx, barrier, models.ConditionBarrierTriggered)
		return
	}

	// Failsafe: if barrier evaluation is stuck (e.g. mark price feed down)
	// well past the time limit, force the time-limit barrier.
	if time.Since(c.startedAt) > c.cfg.TimeLimit+c.settings.RunningStall {
		c.logger.Printf("closer %s: barrier evaluation stalled, forcing closure", util.ShortID(c.cfg.ProcessID))
		c.beginShutdown(ctx, models.CloseTimeLimit, models.ConditionBarrierTriggered)
	}
}

// evaluateBarriers checks time limit, stop loss, take profit, and trailing
// stop. For assignments the time limit is normally the only active barrier.
func (c *Closer) evaluateBarriers(ctx context.Context) (models.CloseType, bool) {
	if time.Since(c.startedAt) >= c.cfg.TimeLimit {
		return models.CloseTimeLimit, true
	}

	if c.cfg.StopLoss.IsZero() && c.cfg.TakeProfit.IsZero() && c.cfg.TrailingStop.IsZero() {
		return "", false
	}

	mark, err := c.reads.GetMarkPriceWithRetry(ctx, c.cfg.TradingPair)
	if err != nil || c.cfg.EntryPrice.IsZero() {
		return "", false
	}

	// Signed PnL fraction of entry price, positive when the position gains.
	pnl := mark.Sub(c.cfg.EntryPrice).Div(c.cfg.EntryPrice)
	if c.cfg.Side == models.SideShort {
		pnl = pnl.Neg()
	}

	if !c.cfg.StopLoss.IsZero() && pnl.LessThanOrEqual(c.cfg.StopLoss.Neg()) {
		return models.CloseStopLoss, true
	}
	if !c.cfg.TakeProfit.IsZero() && pnl.GreaterThanOrEqual(c.cfg.TakeProfit) {
		return models.CloseTakeProfit, true
	}
	if !c.cfg.TrailingStop.IsZero() {
		if pnl.GreaterThan(c.bestPnL) {
			c.bestPnL = pnl
		}
		if c.bestPnL.IsPositive() && c.bestPnL.Sub(pnl).GreaterThanOrEqual(c.cfg.TrailingStop) {
			return models.CloseTrailingStop, true
		}
	}
	return "", false
}

// beginShutdown records the triggering barrier, cancels any stray order,
// places the close order, and transitions to SHUTTING_DOWN.
func (c *Closer) beginShutdown(ctx context.Context, barrier models.CloseType, condition string) {
	c.triggerBarrier = barrier
	if c.orderID != "" {
		if err := c.venue.CancelOrder(ctx, c.orderID); err != nil {
			c.logger.Printf("closer %s: cancelling stray order %s: %v",
				util.ShortID(c.cfg.ProcessID), c.orderID, err)
		}
		c.clearOrder()
	}
	if err := c.sm.Transition(models.StateShuttingDown, condition); err != nil {
		c.logger.Printf("closer %s: %v", util.ShortID(c.cfg.ProcessID), err)
		return
	}
	c.placeCloseOrder(ctx)
}

// controlShutdown executes one SHUTTING_DOWN pass, paced by ShutdownDelay
// to avoid hammering the venue.
func (c *Closer) controlShutdown(ctx context.Context) {
	if c.sm.IsTerminated() {
		return
	}
	now := time.Now().UTC()
	if now.Before(c.nextShutdownAt) {
		return
	}
	c.nextShutdownAt = now.Add(c.settings.ShutdownDelay)

	// Volume match is the primary duplicate-order guard: never place
	// another order once cumulative fills cover the assignment.
	if c.volumeMatched() {
		c.finalize(c.successCloseType(), models.ConditionVolumeMatched, models.OutcomeSuccess,
			"cumulative close fills cover assignment")
		return
	}

	// Fold in the outstanding order's fills before anything else, so an
	// order that just closed the position counts as a fill rather than an
	// external closure.
	if c.orderID != "" {
		c.trackCloseOrder(ctx)
	}
	if c.sm.IsTerminated() {
		return
	}

	// Guard the race where the position vanished between order placement
	// and now.
	positions, err := c.reads.GetPositionsWithRetry(ctx)
	if err == nil && venue.FindPosition(positions, c.cfg.TradingPair) == nil {
		c.finalize(c.successCloseType(), models.ConditionPositionGone, models.OutcomeSuccess,
			"position gone during shutdown")
		return
	}

	if c.orderID == "" {
		c.placeCloseOrder(ctx)
	}
	if c.sm.IsTerminated() {
		return
	}

	c.retryCount++
	c.evaluateRetryCeiling(ctx)
}

// trackCloseOrder refreshes the outstanding close order and folds its fills
// into the closed volume.
func (c *Closer) trackCloseOrder(ctx context.Context) {
	status, err := c.reads.GetOrderStatusWithRetry(ctx, c.orderID)
	if err != nil {
		if venue.IsOrderNotFound(err) {
			// Lost order: the venue no longer tracks it. Record it failed
			// locally and let the next pass place a fresh order.
			c.logger.Printf("closer %s: close order %s lost (%v), will replace",
				util.ShortID(c.cfg.ProcessID), c.orderID, err)
			c.clearOrder()
			c.retryCount++
			return
		}
		// Transient status failure: the order may still be live and could
		// fill. Keep the reference and ask again next pass.
		c.logger.Printf("closer %s: close order %s status check failed (%v), keeping reference",
			util.ShortID(c.cfg.ProcessID), c.orderID, err)
		c.retryCount++
		return
	}

	// Executed amounts are cumulative per order; only fold in the delta
	// since the last status refresh.
	if delta := status.ExecutedAmount.Sub(c.orderFilled); delta.IsPositive() {
		c.closedVolume = c.closedVolume.Add(delta)
		c.orderFilled = status.ExecutedAmount
	}

	switch {
	case status.IsFilled || c.volumeMatched():
		c.markProgress()
		c.clearOrder()
		c.finalize(c.successCloseType(), models.ConditionCloseFilled, models.OutcomeSuccess, "close order filled")
	case status.IsDone:
		// Terminal without a full fill (cancelled/expired): keep any
		// partial volume and replace the order next pass.
		if status.ExecutedAmount.IsPositive() {
			c.markProgress()
		}
		c.clearOrder()
	default:
		if time.Since(c.orderPlacedAt) > c.cfg.MaxOrderAge && c.cfg.MaxOrderAge > 0 {
			c.logger.Printf("closer %s: close order %s exceeded max age, resubmitting",
				util.ShortID(c.cfg.ProcessID), c.orderID)
			if err := c.venue.CancelOrder(ctx, c.orderID); err != nil {
				c.logger.Printf("closer %s: cancel for resubmit failed: %v", util.ShortID(c.cfg.ProcessID), err)
				return
			}
			c.clearOrder()
		}
	}
}

// placeCloseOrder reserves capacity on the pending-close ledger and places
// one reducing order for the outstanding amount.
func (c *Closer) placeCloseOrder(ctx context.Context) {
	remaining := c.cfg.CloseAmount().Sub(c.closedVolume)
	if !remaining.IsPositive() {
		c.finalize(c.successCloseType(), models.ConditionVolumeMatched, models.OutcomeSuccess,
			"nothing left to close")
		return
	}

	positions, err := c.reads.GetPositionsWithRetry(ctx)
	if err != nil {
		c.logger.Printf("closer %s: cannot size close order: %v", util.ShortID(c.cfg.ProcessID), err)
		c.retryCount++
		return
	}
	pos := venue.FindPosition(positions, c.cfg.TradingPair)
	if pos == nil {
		c.finalize(c.successCloseType(), models.ConditionPositionGone, models.OutcomeSuccess,
			"position gone before order placement")
		return
	}

	// Cap to what the live position still has after other processes'
	// reservations; the reservation itself is scoped to this order.
	key := util.PositionKey(c.cfg.ConnectorName, c.cfg.TradingPair)
	granted, release := c.pending.Reserve(key, remaining, pos.Amount)
	amount := util.RoundDownToStep(granted, c.venue.MinOrderSize(c.cfg.TradingPair))
	if minSize := c.venue.MinOrderSize(c.cfg.TradingPair); amount.LessThan(minSize) || !amount.IsPositive() {
		release()
		c.logger.Printf("closer %s: grantable amount %s below minimum order size, waiting",
			util.ShortID(c.cfg.ProcessID), granted)
		c.retryCount++
		return
	}

	req := venue.ReducingOrderRequest{
		TradingPair: c.cfg.TradingPair,
		Side:        c.cfg.CloseSide(),
		Amount:      amount,
		OrderType:   c.cfg.OrderType,
	}
	if c.cfg.OrderType == models.OrderTypeLimit {
		req.LimitPrice = c.limitPrice(ctx)
	}

	orderID, err := c.venue.PlaceReducingOrder(ctx, req)
	if err != nil {
		release()
		if c.venue.IsPositionClosedError(err) {
			// The venue says there is nothing to reduce: success, not failure.
			c.finalize(c.successCloseType(), models.ConditionAlreadyClosed, models.OutcomeSuccess,
				"venue reports position already closed")
			return
		}
		c.logger.Printf("closer %s: placing close order: %v", util.ShortID(c.cfg.ProcessID), err)
		c.retryCount++
		return
	}

	c.release = release
	c.orderID = orderID
	c.orderPlacedAt = time.Now().UTC()
	c.markProgress()
	c.logger.Printf("closer %s: placed %s close order %s for %s %s",
		util.ShortID(c.cfg.ProcessID), req.Side, orderID, amount, c.cfg.TradingPair)
}

// limitPrice derives a limit price from the mark, padded by the slippage
// buffer in the fill-favoring direction.
func (c *Closer) limitPrice(ctx context.Context) decimal.Decimal {
	mark, err := c.reads.GetMarkPriceWithRetry(ctx, c.cfg.TradingPair)
	if err != nil {
		return c.cfg.EntryPrice
	}
	buffer := mark.Mul(c.cfg.SlippageBuffer)
	if c.cfg.CloseSide() == models.OrderBuy {
		return mark.Add(buffer)
	}
	return mark.Sub(buffer)
}

// evaluateRetryCeiling is the process's only unconditional exit valve: past
// the retry ceiling or the stall window, one final exchange check decides
// COMPLETED (position gone) vs FAILED (position still open).
func (c *Closer) evaluateRetryCeiling(ctx context.Context) {
	stalled := time.Since(c.lastProgress) > c.settings.ShutdownStall
	if c.retryCount <= c.settings.MaxRetries && !stalled {
		return
	}

	positions, err := c.reads.GetPositionsWithRetry(ctx)
	if err == nil && venue.FindPosition(positions, c.cfg.TradingPair) == nil {
		c.finalize(c.successCloseType(), models.ConditionPositionGone, models.OutcomeSuccess,
			"position gone at retry ceiling")
		return
	}
	if c.volumeMatched() {
		c.finalize(c.successCloseType(), models.ConditionVolumeMatched, models.OutcomeSuccess,
			"volume matched at retry ceiling")
		return
	}

	condition := models.ConditionRetriesExceeded
	reason := "retry ceiling exceeded with position still open"
	if stalled && c.retryCount <= c.settings.MaxRetries {
		condition = models.ConditionShutdownStalled
		reason = "shutdown made no progress within the stall window"
	}
	c.finalize(models.CloseFailed, condition, models.OutcomeFailure, reason)
}

// finalize sets the terminal close type once, transitions to TERMINATED,
// releases the pending reservation, and notifies the owner.
func (c *Closer) finalize(closeType models.CloseType, condition string, outcome models.ProcessOutcome, reason string) {
	if c.finalized {
		return
	}
	c.finalized = true

	if err := c.sm.SetCloseType(closeType); err != nil {
		c.logger.Printf("closer %s: %v", util.ShortID(c.cfg.ProcessID), err)
	}
	if err := c.sm.Transition(models.StateTerminated, condition); err != nil {
		c.logger.Printf("closer %s: %v", util.ShortID(c.cfg.ProcessID), err)
	}
	c.release()
	c.logger.Printf("closer %s: terminated close_type=%s outcome=%s (%s)",
		util.ShortID(c.cfg.ProcessID), closeType, outcome, reason)

	switch outcome {
	case models.OutcomeFailure:
		c.owner.OnProcessFailed(c.cfg.ProcessID, reason)
	default:
		c.owner.OnProcessCompleted(c.cfg.ProcessID, outcome, closeType, reason)
	}
}

// successCloseType is the terminal tag for successful closure. Risk
// barriers keep their tag; time-limit and external closures report
// completed, since hitting the time limit is the expected assignment path
// rather than a distinct outcome.
func (c *Closer) successCloseType() models.CloseType {
	switch c.triggerBarrier {
	case models.CloseStopLoss, models.CloseTakeProfit, models.CloseTrailingStop:
		return c.triggerBarrier
	}
	return models.CloseCompleted
}

func (c *Closer) volumeMatched() bool {
	return c.closedVolume.GreaterThanOrEqual(c.cfg.CloseAmount())
}

func (c *Closer) markProgress() {
	c.lastProgress = time.Now().UTC()
}

func (c *Closer) clearOrder() {
	c.orderID = ""
	c.orderFilled = decimal.Zero
	c.orderPlacedAt = time.Time{}
	c.release()
	c.release = func() {}
}
