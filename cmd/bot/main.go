package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/perpdesk/assignment_janitor/internal/closer"
	"github.com/perpdesk/assignment_janitor/internal/config"
	"github.com/perpdesk/assignment_janitor/internal/dashboard"
	"github.com/perpdesk/assignment_janitor/internal/ingest"
	"github.com/perpdesk/assignment_janitor/internal/models"
	"github.com/perpdesk/assignment_janitor/internal/orchestrator"
	"github.com/perpdesk/assignment_janitor/internal/registry"
	"github.com/perpdesk/assignment_janitor/internal/storage"
	"github.com/perpdesk/assignment_janitor/internal/venue"
)

// creationQueueSize bounds the orchestrator's creation queue; assignments
// are rare, so a full queue means something is badly wrong and the
// reconciler will re-request.
const creationQueueSize = 64

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Optional .env for local development; a missing file is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.New(os.Stdout, "[JANITOR] ", log.LstdFlags|log.Lshortfile)
	logger.Printf("Starting assignment janitor in %s mode", cfg.Environment.Mode)

	// Venue client. Paper mode without credentials runs against the
	// in-memory mock so the full pipeline can be exercised locally.
	var (
		v       venue.Interface
		fetcher venue.FillFetcher
	)
	if cfg.IsPaperTrading() && cfg.Venue.APIKey == "" {
		logger.Println("No venue credentials in paper mode, using in-memory venue")
		mock := venue.NewMockVenue()
		v, fetcher = mock, mock
	} else {
		kraken := venue.NewKrakenFuturesClient(cfg.Venue.APIKey, cfg.Venue.APISecret, cfg.Venue.APIEndpoint)
		if err := kraken.RefreshInstruments(context.Background()); err != nil {
			logger.Fatalf("Failed to load venue instruments: %v", err)
		}
		v, fetcher = kraken, kraken
	}
	cbVenue := venue.NewCircuitBreakerVenue(v)

	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		logger.Fatalf("Failed to initialize storage: %v", err)
	}

	reg := registry.New(store, logger, registry.Options{
		TerminalRetention: cfg.GetRetention(),
	})

	actions := make(chan []models.CreateProcessAction, creationQueueSize)

	defaults := ingest.ProcessDefaults{
		ConnectorName:  cfg.Closer.ConnectorName,
		OrderType:      orderType(cfg.Closer.OrderType),
		ClosePercent:   decimal.NewFromFloat(cfg.Closer.ClosePercent),
		SlippageBuffer: decimal.NewFromFloat(cfg.Closer.SlippageBuffer),
		TimeLimit:      cfg.GetTimeLimit(),
		StopLoss:       decimal.NewFromFloat(cfg.Closer.StopLoss),
		TakeProfit:     decimal.NewFromFloat(cfg.Closer.TakeProfit),
		TrailingStop:   decimal.NewFromFloat(cfg.Closer.TrailingStop),
		MaxOrderAge:    cfg.GetMaxOrderAge(),
	}
	ingestor := ingest.New(reg, cbVenue, defaults, cfg.Closer.TradingPairs, actions, logger)

	settings := closer.Settings{
		UpdateInterval: cfg.GetUpdateInterval(),
		MaxRetries:     cfg.Closer.MaxRetries,
		ShutdownStall:  cfg.GetShutdownStall(),
		RunningStall:   cfg.GetRunningStall(),
		MarginAsset:    cfg.Venue.MarginAsset,
	}
	orch := orchestrator.New(cbVenue, closer.NewPendingCloses(), reg, settings, actions, logger)

	feed := venue.NewAssignmentFeed(fetcher, ingestor.OnAssignmentNotification, cfg.GetPollInterval(), logger)

	reconciler := orchestrator.NewReconciler(reg, orch, ingestor, cfg.GetReconcileInterval(), cfg.GetReferenceGrace(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return feed.Run(ctx) })
	g.Go(func() error { return orch.Run(ctx) })
	g.Go(func() error { return reconciler.Run(ctx) })

	if cfg.Dashboard.Enabled {
		logrusLogger := logrus.New()
		if lvl, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
			logrusLogger.SetLevel(lvl)
		}
		dash := dashboard.NewServer(dashboard.Config{Listen: cfg.Dashboard.Listen}, reg, store, logrusLogger)
		g.Go(func() error {
			if err := dash.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return dash.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("Service error: %v", err)
	}

	if err := store.Save(); err != nil {
		logger.Printf("Final save failed: %v", err)
	}
	logger.Println("Assignment janitor stopped")
}

func orderType(s string) models.OrderType {
	if s == "limit" {
		return models.OrderTypeLimit
	}
	return models.OrderTypeMarket
}
