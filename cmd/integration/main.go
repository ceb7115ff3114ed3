package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpdesk/assignment_janitor/internal/closer"
	"github.com/perpdesk/assignment_janitor/internal/ingest"
	"github.com/perpdesk/assignment_janitor/internal/models"
	"github.com/perpdesk/assignment_janitor/internal/orchestrator"
	"github.com/perpdesk/assignment_janitor/internal/registry"
	"github.com/perpdesk/assignment_janitor/internal/storage"
	"github.com/perpdesk/assignment_janitor/internal/venue"
)

const integrationPair = "PF_XBTUSD"

type harness struct {
	mock     *venue.MockVenue
	store    storage.Interface
	registry *registry.Registry
	ingestor *ingest.Ingestor
	orch     *orchestrator.Orchestrator
	logger   *log.Logger
}

func main() {
	fmt.Println("=== Assignment Janitor - End-to-End Integration Test ===")
	fmt.Println()

	logger := log.New(os.Stdout, "[E2E] ", log.LstdFlags)

	mock := venue.NewMockVenue()
	mock.SetMinOrderSize(integrationPair, decimal.NewFromFloat(0.001))
	mock.SetMarkPrice(integrationPair, decimal.NewFromInt(50000))
	mock.SetBalance("USD", decimal.NewFromInt(100000))

	testStoragePath := "data/assignments_integration_test.json"
	store, err := storage.NewStorage(testStoragePath)
	if err != nil {
		log.Fatalf("Failed to create storage: %v", err)
	}
	defer func() {
		if err := os.Remove(testStoragePath); err != nil && !os.IsNotExist(err) {
			logger.Printf("Warning: Failed to cleanup test storage file: %v", err)
		}
	}()

	reg := registry.New(store, logger)
	actions := make(chan []models.CreateProcessAction, 16)
	defaults := ingest.ProcessDefaults{
		ConnectorName: "kraken_perpetual",
		OrderType:     models.OrderTypeMarket,
		ClosePercent:  decimal.NewFromInt(100),
		MaxOrderAge:   time.Minute,
	}
	ingestor := ingest.New(reg, mock, defaults, []string{integrationPair}, actions, logger)

	settings := closer.Settings{
		UpdateInterval: 10 * time.Millisecond,
		ShutdownDelay:  5 * time.Millisecond,
		StartupGrace:   10 * time.Millisecond,
	}
	orch := orchestrator.New(mock, closer.NewPendingCloses(), reg, settings, actions, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = orch.Run(ctx) }()

	reconciler := orchestrator.NewReconciler(reg, orch, ingestor, 20*time.Millisecond, 50*time.Millisecond, logger)
	go func() { _ = reconciler.Run(ctx) }()

	feed := venue.NewAssignmentFeed(mock, ingestor.OnAssignmentNotification, 10*time.Millisecond, logger)
	go func() { _ = feed.Run(ctx) }()

	fmt.Println("All components initialized successfully")
	fmt.Println()

	h := &harness{mock: mock, store: store, registry: reg, ingestor: ingestor, orch: orch, logger: logger}
	runIntegrationTests(h)
}

func runIntegrationTests(h *harness) {
	tests := []struct {
		name string
		fn   func(*harness) bool
	}{
		{"Venue Connectivity", testVenueConnectivity},
		{"Assignment Ingestion and Deduplication", testIngestion},
		{"Full Closure Lifecycle", testFullClosure},
		{"External Closure Detection", testExternalClosure},
		{"Reconciler Process Recovery", testReconcilerRecovery},
		{"Archive Statistics", testStatistics},
	}

	testsPassed := 0
	for i, tc := range tests {
		fmt.Printf("Test %d: %s\n", i+1, tc.name)
		fmt.Println("============================")
		if tc.fn(h) {
			testsPassed++
			fmt.Println("PASSED")
		} else {
			fmt.Println("FAILED")
		}
		fmt.Println()
	}

	fmt.Printf("=== Results: %d/%d tests passed ===\n", testsPassed, len(tests))
	if testsPassed != len(tests) {
		os.Exit(1)
	}
}

func fill(fillID string, amount float64) models.AssignmentFillEvent {
	return models.AssignmentFillEvent{
		FillID:      fillID,
		TradingPair: integrationPair,
		Side:        models.SideLong,
		Amount:      decimal.NewFromFloat(amount),
		Price:       decimal.NewFromInt(50000),
		Timestamp:   time.Now().UTC(),
	}
}

func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func testVenueConnectivity(h *harness) bool {
	ctx := context.Background()

	price, err := h.mock.GetMarkPrice(ctx, integrationPair)
	if err != nil || !price.IsPositive() {
		h.logger.Printf("mark price: %v (err=%v)", price, err)
		return false
	}
	balance, err := h.mock.GetAvailableBalance(ctx, "USD")
	if err != nil || !balance.IsPositive() {
		h.logger.Printf("balance: %v (err=%v)", balance, err)
		return false
	}
	if !h.mock.KnownPair(integrationPair) {
		h.logger.Printf("pair %s not recognized", integrationPair)
		return false
	}
	h.logger.Printf("mark=%s balance=%s", price, balance)
	return true
}

func testIngestion(h *harness) bool {
	ev := fill("INT-ingest", 0.1)
	h.ingestor.OnAssignmentNotification(ev)
	h.ingestor.OnAssignmentNotification(ev) // duplicate delivery

	if !waitFor(3*time.Second, func() bool {
		return h.store.HasArchived(ev.FillID)
	}) {
		h.logger.Printf("assignment %s never archived", ev.FillID)
		return false
	}

	// Exactly one archive entry for the fill id regardless of duplicates.
	count := 0
	for _, a := range h.store.GetArchive() {
		if a.Record.FillID == ev.FillID {
			count++
		}
	}
	if count != 1 {
		h.logger.Printf("archive count = %d, want 1", count)
		return false
	}
	return true
}

func testFullClosure(h *harness) bool {
	ev := fill("INT-close", 0.2)
	h.mock.AddAssignmentFill(ev)

	if !waitFor(3*time.Second, func() bool {
		return h.store.HasArchived(ev.FillID)
	}) {
		h.logger.Printf("assignment %s never archived", ev.FillID)
		return false
	}

	positions, err := h.mock.GetPositions(context.Background())
	if err != nil {
		h.logger.Printf("positions: %v", err)
		return false
	}
	if p := venue.FindPosition(positions, integrationPair); p != nil {
		h.logger.Printf("position still open: %v", p)
		return false
	}
	return true
}

func testExternalClosure(h *harness) bool {
	h.mock.FillOrdersImmediately = false
	defer func() { h.mock.FillOrdersImmediately = true }()

	ev := fill("INT-external", 0.1)
	h.mock.SetPosition(venue.Position{
		TradingPair: ev.TradingPair,
		Side:        ev.Side,
		Amount:      ev.Amount,
		EntryPrice:  ev.Price,
	})
	h.ingestor.OnAssignmentNotification(ev)

	if !waitFor(3*time.Second, func() bool {
		rec, ok := h.registry.GetAssignment(ev.FillID)
		return ok && rec.ProcessID != ""
	}) {
		h.logger.Printf("process never created for %s", ev.FillID)
		return false
	}

	// Someone else flattens the position while the close order is open.
	h.mock.RemovePosition(integrationPair)

	if !waitFor(3*time.Second, func() bool {
		return h.store.HasArchived(ev.FillID)
	}) {
		h.logger.Printf("external closure never detected for %s", ev.FillID)
		return false
	}
	return true
}

func testReconcilerRecovery(h *harness) bool {
	ev := fill("INT-recover", 0.1)
	h.mock.SetPosition(venue.Position{
		TradingPair: ev.TradingPair,
		Side:        ev.Side,
		Amount:      ev.Amount,
		EntryPrice:  ev.Price,
	})

	// Simulate a dropped creation request: record exists, process does not.
	cfg := h.ingestor.Defaults().BuildFromEvent(ev, registry.NewProcessID())
	created, err := h.registry.AdmitAssignment(ev, cfg, func() error {
		return fmt.Errorf("simulated creation drop")
	})
	if !created || err == nil {
		h.logger.Printf("unexpected admission result: created=%v err=%v", created, err)
		return false
	}

	if !waitFor(5*time.Second, func() bool {
		return h.store.HasArchived(ev.FillID)
	}) {
		h.logger.Printf("reconciler never recovered %s", ev.FillID)
		return false
	}
	return true
}

func testStatistics(h *harness) bool {
	stats := h.store.GetStatistics()
	if stats.TotalAssignments < 4 {
		h.logger.Printf("total assignments = %d, want >= 4", stats.TotalAssignments)
		return false
	}
	if stats.ClosedAssignments < 4 {
		h.logger.Printf("closed assignments = %d, want >= 4", stats.ClosedAssignments)
		return false
	}
	h.logger.Printf("stats: total=%d closed=%d failed=%d",
		stats.TotalAssignments, stats.ClosedAssignments, stats.FailedAssignments)
	return true
}
