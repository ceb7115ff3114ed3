// Package orchestrator runs the closing processes: it drains the creation
// queue into per-assignment closer goroutines and periodically reconciles
// the registry against the processes actually running.
package orchestrator

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/perpdesk/assignment_janitor/internal/closer"
	"github.com/perpdesk/assignment_janitor/internal/models"
	"github.com/perpdesk/assignment_janitor/internal/registry"
	"github.com/perpdesk/assignment_janitor/internal/util"
	"github.com/perpdesk/assignment_janitor/internal/venue"
)

// Owner is the registry-facing contract: the closer's terminal callbacks
// plus admission, consulted before a closer goroutine is spun up.
type Owner interface {
	closer.Owner
	CanCreateProcess(fillID string, lister registry.ProcessLister) bool
}

// terminatedViewRetention keeps terminated processes visible to the
// reconciler long enough for it to observe their completion before the
// views are pruned.
const terminatedViewRetention = 10 * time.Minute

// Orchestrator drains the creation queue and runs one Closer goroutine per
// action. It is the single consumer of the queue and the source of truth
// for live process views.
type Orchestrator struct {
	venue    venue.Interface
	pending  *closer.PendingCloses
	owner    Owner
	settings closer.Settings
	actions  <-chan []models.CreateProcessAction
	logger   *log.Logger

	mu           sync.Mutex
	processes    map[string]*closer.Closer
	terminatedAt map[string]time.Time
	wg           sync.WaitGroup
}

// New creates an orchestrator consuming the given creation queue.
func New(v venue.Interface, pending *closer.PendingCloses, owner Owner,
	settings closer.Settings, actions <-chan []models.CreateProcessAction, logger *log.Logger) *Orchestrator {
	return &Orchestrator{
		venue:        v,
		pending:      pending,
		owner:        owner,
		settings:     settings,
		actions:      actions,
		logger:       logger,
		processes:    make(map[string]*closer.Closer),
		terminatedAt: make(map[string]time.Time),
	}
}

// Run consumes creation actions until the context is cancelled, then waits
// for all running processes to finish their cancellation path.
func (o *Orchestrator) Run(ctx context.Context) error {
	prune := time.NewTicker(time.Minute)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			o.wg.Wait()
			return ctx.Err()
		case <-prune.C:
			o.pruneTerminated()
		case batch := <-o.actions:
			for _, action := range batch {
				o.startProcess(ctx, action.Config)
			}
		}
	}
}

func (o *Orchestrator) startProcess(ctx context.Context, cfg models.ProcessConfig) {
	if err := cfg.Validate(); err != nil {
		o.logger.Printf("orchestrator: rejecting process config: %v", err)
		return
	}
	if !o.owner.CanCreateProcess(cfg.FillID, o) {
		o.logger.Printf("orchestrator: refusing process for fill %s: already owned or terminal", cfg.FillID)
		return
	}

	o.mu.Lock()
	if _, exists := o.processes[cfg.ProcessID]; exists {
		o.mu.Unlock()
		return
	}
	c := closer.New(cfg, o.venue, o.pending, o.owner, o.logger, o.settings)
	o.processes[cfg.ProcessID] = c
	o.mu.Unlock()

	o.logger.Printf("orchestrator: starting closer %s for fill %s",
		util.ShortID(cfg.ProcessID), cfg.FillID)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		c.Run(ctx)
		o.mu.Lock()
		o.terminatedAt[cfg.ProcessID] = time.Now().UTC()
		o.mu.Unlock()
	}()
}

// ListProcesses returns a view of every known process, terminated ones
// included until pruned. Implements registry.ProcessLister.
func (o *Orchestrator) ListProcesses() []models.ProcessView {
	o.mu.Lock()
	defer o.mu.Unlock()

	views := make([]models.ProcessView, 0, len(o.processes))
	for _, c := range o.processes {
		views = append(views, c.View())
	}
	return views
}

func (o *Orchestrator) pruneTerminated() {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := time.Now().UTC()
	for processID, at := range o.terminatedAt {
		if now.Sub(at) > terminatedViewRetention {
			delete(o.processes, processID)
			delete(o.terminatedAt, processID)
		}
	}
}
