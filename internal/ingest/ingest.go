// Package ingest converts raw exchange assignment-fill notifications into
// registry entries exactly once per unique fill id.
package ingest

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpdesk/assignment_janitor/internal/models"
	"github.com/perpdesk/assignment_janitor/internal/registry"
)

// PairChecker reports whether the venue recognizes a trading pair. Served
// from the venue's local instrument cache.
type PairChecker interface {
	KnownPair(tradingPair string) bool
}

// ProcessDefaults carries the closing parameters applied to every new
// process, captured from configuration at startup.
type ProcessDefaults struct {
	ConnectorName  string
	OrderType      models.OrderType
	ClosePercent   decimal.Decimal
	SlippageBuffer decimal.Decimal
	TimeLimit      time.Duration
	StopLoss       decimal.Decimal
	TakeProfit     decimal.Decimal
	TrailingStop   decimal.Decimal
	MaxOrderAge    time.Duration
}

// BuildFromEvent materializes a process config for a fresh assignment event.
func (d ProcessDefaults) BuildFromEvent(ev models.AssignmentFillEvent, processID string) models.ProcessConfig {
	return d.build(ev.FillID, ev.TradingPair, ev.Side, ev.Amount, ev.Price, processID)
}

// BuildFromRecord materializes a process config for an existing record,
// used by the reconciler when re-creating a missing process.
func (d ProcessDefaults) BuildFromRecord(rec models.AssignmentRecord, processID string) models.ProcessConfig {
	return d.build(rec.FillID, rec.TradingPair, rec.Side, rec.Amount, rec.ReferencePrice, processID)
}

func (d ProcessDefaults) build(fillID, pair string, side models.PositionSide, amount, price decimal.Decimal, processID string) models.ProcessConfig {
	return models.ProcessConfig{
		ProcessID:      processID,
		FillID:         fillID,
		ConnectorName:  d.ConnectorName,
		TradingPair:    pair,
		Side:           side,
		Amount:         amount,
		EntryPrice:     price,
		Source:         models.SourceReceivedAsAssignment,
		OrderType:      d.OrderType,
		ClosePercent:   d.ClosePercent,
		SlippageBuffer: d.SlippageBuffer,
		TimeLimit:      d.TimeLimit,
		StopLoss:       d.StopLoss,
		TakeProfit:     d.TakeProfit,
		TrailingStop:   d.TrailingStop,
		MaxOrderAge:    d.MaxOrderAge,
		CreatedAt:      time.Now().UTC(),
	}
}

// Ingestor is the synchronous entry point for assignment notifications. It
// validates, deduplicates, and admits events into the registry, then pushes
// creation actions onto the orchestrator queue.
type Ingestor struct {
	registry *registry.Registry
	pairs    PairChecker
	defaults ProcessDefaults
	actions  chan<- []models.CreateProcessAction
	logger   *log.Logger

	// watchList restricts admission to specific pairs; empty means watch
	// all pairs the venue recognizes.
	watchList map[string]bool

	mu       sync.Mutex
	inflight map[string]bool
}

// New creates an ingestor. The actions channel is the single-consumer
// creation queue drained by the orchestrator.
func New(reg *registry.Registry, pairs PairChecker, defaults ProcessDefaults, watchList []string, actions chan<- []models.CreateProcessAction, logger *log.Logger) *Ingestor {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	wl := make(map[string]bool, len(watchList))
	for _, p := range watchList {
		wl[p] = true
	}
	return &Ingestor{
		registry:  reg,
		pairs:     pairs,
		defaults:  defaults,
		actions:   actions,
		logger:    logger,
		watchList: wl,
		inflight:  make(map[string]bool),
	}
}

// OnAssignmentNotification accepts one raw notification. It returns
// immediately and never panics; all processing happens asynchronously.
func (in *Ingestor) OnAssignmentNotification(ev models.AssignmentFillEvent) {
	defer func() {
		if r := recover(); r != nil {
			in.logger.Printf("assignment notification handler panicked: %v", r)
		}
	}()

	if ev.FillID == "" {
		in.logger.Printf("discarding malformed assignment event (no fill id): pair=%s", ev.TradingPair)
		return
	}

	in.mu.Lock()
	if in.inflight[ev.FillID] {
		// Duplicate delivered before the registry commit; drop silently.
		in.mu.Unlock()
		return
	}
	in.inflight[ev.FillID] = true
	in.mu.Unlock()

	go in.process(ev)
}

func (in *Ingestor) process(ev models.AssignmentFillEvent) {
	// The fill id must leave the in-flight set on every exit path, or
	// future redeliveries of a dropped event would be blocked forever.
	defer func() {
		if r := recover(); r != nil {
			in.logger.Printf("processing assignment %s panicked: %v", ev.FillID, r)
		}
		in.mu.Lock()
		delete(in.inflight, ev.FillID)
		in.mu.Unlock()
	}()

	if !in.pairWatched(ev.TradingPair) {
		in.logger.Printf("discarding assignment %s: pair %s not watched", ev.FillID, ev.TradingPair)
		return
	}

	cfg := in.defaults.BuildFromEvent(ev, registry.NewProcessID())
	if err := cfg.Validate(); err != nil {
		in.logger.Printf("discarding assignment %s: %v", ev.FillID, err)
		return
	}

	created, err := in.registry.AdmitAssignment(ev, cfg, func() error {
		return in.enqueue([]models.CreateProcessAction{{Config: cfg}})
	})
	if err != nil {
		// The record stays EXECUTING without a process reference; the
		// reconciliation loop retries creation.
		in.logger.Printf("admitting assignment %s: %v", ev.FillID, err)
		return
	}
	if created {
		in.logger.Printf("admitted assignment %s: %s %s %s @ %s",
			ev.FillID, ev.TradingPair, ev.Side, ev.Amount, ev.Price)
	}
}

func (in *Ingestor) pairWatched(tradingPair string) bool {
	if tradingPair == "" {
		return false
	}
	if len(in.watchList) > 0 {
		return in.watchList[tradingPair]
	}
	// Watch-all mode still requires the venue to recognize the pair.
	return in.pairs == nil || in.pairs.KnownPair(tradingPair)
}

func (in *Ingestor) enqueue(actions []models.CreateProcessAction) error {
	select {
	case in.actions <- actions:
		return nil
	default:
		return fmt.Errorf("creation queue full, dropping %d action(s)", len(actions))
	}
}

// Enqueue pushes externally built actions (reconciler re-creations) onto
// the same queue.
func (in *Ingestor) Enqueue(actions []models.CreateProcessAction) error {
	if len(actions) == 0 {
		return nil
	}
	return in.enqueue(actions)
}

// Defaults exposes the configured process defaults, for the reconciler's
// config rebuilds.
func (in *Ingestor) Defaults() ProcessDefaults {
	return in.defaults
}
