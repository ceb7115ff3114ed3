package orchestrator

import (
	"context"
	"log"
	"time"

	"github.com/perpdesk/assignment_janitor/internal/ingest"
	"github.com/perpdesk/assignment_janitor/internal/models"
	"github.com/perpdesk/assignment_janitor/internal/registry"
)

// Reconciler periodically cross-checks the registry against the
// orchestrator's live processes, repairs drift, and re-requests creation
// for assignments left without a process.
type Reconciler struct {
	registry *registry.Registry
	lister   registry.ProcessLister
	ingestor *ingest.Ingestor
	interval time.Duration
	grace    time.Duration
	logger   *log.Logger
}

// NewReconciler creates a reconciler ticking at the given interval.
func NewReconciler(reg *registry.Registry, lister registry.ProcessLister, in *ingest.Ingestor,
	interval, grace time.Duration, logger *log.Logger) *Reconciler {
	return &Reconciler{
		registry: reg,
		lister:   lister,
		ingestor: in,
		interval: interval,
		grace:    grace,
		logger:   logger,
	}
}

// Run ticks until cancellation. Each tick's mutations are individually
// atomic inside the registry; cancellation is checked at the sleep
// boundary only.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *Reconciler) tick() {
	views := r.lister.ListProcesses()
	defaults := r.ingestor.Defaults()

	actions := r.registry.Reconcile(views, r.grace, func(rec models.AssignmentRecord, processID string) models.ProcessConfig {
		return defaults.BuildFromRecord(rec, processID)
	})
	if len(actions) > 0 {
		r.logger.Printf("reconciler: re-requesting %d closing process(es)", len(actions))
		if err := r.ingestor.Enqueue(actions); err != nil {
			// Leave the records as-is; the next tick tries again.
			r.logger.Printf("reconciler: %v", err)
		}
	}

	r.registry.GarbageCollect(false)
}
