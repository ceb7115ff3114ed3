// Package registry is the in-memory bookkeeping core: it maps assignment
// fill ids to assignment records and to the closing processes handling them,
// enforces at-most-one active process per assignment, and garbage collects
// terminal records.
package registry

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/perpdesk/assignment_janitor/internal/models"
	"github.com/perpdesk/assignment_janitor/internal/storage"
	"github.com/perpdesk/assignment_janitor/internal/util"
)

const (
	// terminalRetention is how long terminal assignment records are kept
	// before garbage collection (overridable via Options).
	terminalRetention = time.Hour
	// orphanRetention is the accelerated window for process records whose
	// assignment record no longer exists.
	orphanRetention = 5 * time.Minute
	// recentFailureRetention keeps freshly failed assignments visible for
	// operator inspection.
	recentFailureRetention = 10 * time.Minute
	// gcMinInterval rate-limits unforced garbage collection runs.
	gcMinInterval = 30 * time.Second

	// proximityTolerance bounds the deprecated price-proximity process
	// matching: entry price must be within 1% of the reference price.
	proximityTolerance = 0.01
)

// ProcessLister exposes the orchestrator's live closing processes. The
// registry never owns processes; it only cross-checks its bookkeeping
// against this self-reported view.
type ProcessLister interface {
	ListProcesses() []models.ProcessView
}

// Options tunes registry retention behavior. Zero values select defaults.
type Options struct {
	TerminalRetention      time.Duration
	OrphanRetention        time.Duration
	RecentFailureRetention time.Duration
	GCMinInterval          time.Duration
}

// Registry holds assignment and process records behind a single admission
// lock. Admission is rare relative to steady-state ticking, so one lock
// serializing all mutations is a deliberate simplification.
type Registry struct {
	mu          sync.Mutex
	assignments map[string]*models.AssignmentRecord // keyed by fill id
	processes   map[string]*models.ProcessRecord    // keyed by process id
	lastGC      time.Time

	store  storage.Interface
	logger *log.Logger
	opts   Options
}

// New creates a registry backed by the given archive store. A nil logger
// falls back to stderr.
func New(store storage.Interface, logger *log.Logger, opts ...Options) *Registry {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	o := Options{}
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.TerminalRetention <= 0 {
		o.TerminalRetention = terminalRetention
	}
	if o.OrphanRetention <= 0 {
		o.OrphanRetention = orphanRetention
	}
	if o.RecentFailureRetention <= 0 {
		o.RecentFailureRetention = recentFailureRetention
	}
	if o.GCMinInterval <= 0 {
		o.GCMinInterval = gcMinInterval
	}
	return &Registry{
		assignments: make(map[string]*models.AssignmentRecord),
		processes:   make(map[string]*models.ProcessRecord),
		store:       store,
		logger:      logger,
		opts:        o,
	}
}

// NewProcessID mints a fresh process identifier.
func NewProcessID() string {
	return uuid.NewString()
}

// AdmitAssignment creates an assignment record for a first-seen fill and
// runs the process-creation request inside the same critical section, so
// record creation and the creation request are atomic with respect to any
// concurrent duplicate event. Returns false when the fill id is already
// known (duplicate admission is silent by design).
//
// cfg.ProcessID is stored as a placeholder reference; the orchestrator
// confirms it later via RegisterProcess. If request fails the reference is
// cleared and the record stays EXECUTING for the reconciler to retry.
func (r *Registry) AdmitAssignment(ev models.AssignmentFillEvent, cfg models.ProcessConfig, request func() error) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.assignments[ev.FillID]; exists {
		return false, nil
	}
	// Archived terminal assignments must not be resurrected by replayed
	// notifications after a restart.
	if r.store != nil && r.store.HasArchived(ev.FillID) {
		return false, nil
	}

	now := time.Now().UTC()
	record := &models.AssignmentRecord{
		FillID:         ev.FillID,
		TradingPair:    ev.TradingPair,
		Side:           ev.Side,
		Amount:         ev.Amount,
		ReferencePrice: ev.Price,
		OrderID:        ev.OrderID,
		ReceivedAt:     now,
		Status:         models.AssignmentExecuting,
	}
	record.LinkProcess(cfg.ProcessID, false, now)
	r.assignments[ev.FillID] = record

	if err := request(); err != nil {
		record.ClearProcess()
		return true, fmt.Errorf("requesting closing process for %s: %w", ev.FillID, err)
	}
	return true, nil
}

// CanCreateProcess reports whether a fresh closing process may be created
// for the fill id. It returns false for unknown fills, terminal records,
// records already holding a confirmed process reference, and records whose
// fill id a live process already claims - in the last case the registry
// opportunistically backfills its own reference before refusing. An
// unconfirmed placeholder reference does not refuse: it points at the very
// process whose creation is being decided.
func (r *Registry) CanCreateProcess(fillID string, lister ProcessLister) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.assignments[fillID]
	if !ok {
		return false
	}
	if record.Status.IsTerminal() {
		return false
	}
	if record.ProcessID != "" && record.ProcessConfirmed {
		if proc, ok := r.processes[record.ProcessID]; ok && !proc.Status.IsTerminal() {
			return false
		}
	}
	if lister != nil {
		for _, view := range lister.ListProcesses() {
			if view.Active && view.Config.FillID == fillID {
				record.LinkProcess(view.ProcessID, true, time.Now().UTC())
				return false
			}
		}
	}
	if record.ProcessID == "" {
		return true
	}
	// An unconfirmed placeholder is the optimistic link made when creation
	// was requested; it must not block the requested process itself.
	return !record.ProcessConfirmed
}

// RegisterProcess associates a running process with an assignment.
// Idempotent: re-registering the same pair is a no-op. A different process
// id overwrites the existing reference only when the previous process is
// confirmed dead or was never confirmed at all (placeholder).
func (r *Registry) RegisterProcess(fillID, processID string, cfg models.ProcessConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.assignments[fillID]
	if !ok {
		return fmt.Errorf("register process %s: unknown fill id %s", processID, fillID)
	}

	now := time.Now().UTC()
	if record.ProcessID != "" && record.ProcessID != processID && record.ProcessConfirmed {
		prev, ok := r.processes[record.ProcessID]
		if ok && !prev.Status.IsTerminal() {
			return fmt.Errorf("fill %s already linked to active process %s", fillID, record.ProcessID)
		}
	}
	record.LinkProcess(processID, true, now)

	if _, exists := r.processes[processID]; !exists {
		r.processes[processID] = &models.ProcessRecord{
			ProcessID: processID,
			FillID:    fillID,
			CreatedAt: now,
			Status:    models.ProcessActive,
			Config:    cfg,
		}
	}
	return nil
}

// OnProcessCompleted handles a process's terminal callback. SUCCESS closes
// the assignment, FAILURE fails it with the reason, UNKNOWN leaves the
// assignment status untouched but still retires the process record - a
// terminal bookkeeping entry without a business outcome, flagged for
// investigation.
func (r *Registry) OnProcessCompleted(processID string, outcome models.ProcessOutcome, closeType models.CloseType, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	proc, ok := r.processes[processID]
	if !ok {
		r.logger.Printf("completion callback for unknown process %s (outcome=%s), ignoring", processID, outcome)
		return
	}
	proc.Status = models.ProcessCompleted

	record, ok := r.assignments[proc.FillID]
	if !ok {
		r.logger.Printf("process %s completed but assignment %s is gone", processID, proc.FillID)
		return
	}

	switch outcome {
	case models.OutcomeSuccess:
		if err := record.SetStatus(models.AssignmentClosed); err != nil {
			r.logger.Printf("closing assignment %s: %v", record.FillID, err)
			return
		}
		r.archiveLocked(record, closeType)
	case models.OutcomeFailure:
		r.failAssignmentLocked(record, proc, closeType, reason)
	case models.OutcomeUnknown:
		// The process terminated without asserting whether the position
		// closed. Drop the reference so the reconciler can start over.
		r.logger.Printf("process %s for %s reported UNKNOWN outcome (%s), clearing reference",
			processID, record.FillID, reason)
		if record.ProcessID == processID {
			record.ClearProcess()
		}
	}
}

// OnProcessFailed marks the process and its assignment FAILED. Recent
// failures are retained for operator inspection; older ones are deleted
// immediately. Placeholder references matching this process are resolved to
// FAILED as well, covering the race between optimistic placeholder
// assignment and asynchronous confirmation.
func (r *Registry) OnProcessFailed(processID string, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	proc, ok := r.processes[processID]
	if ok {
		proc.Status = models.ProcessFailed
		if record, ok := r.assignments[proc.FillID]; ok {
			r.failAssignmentLocked(record, proc, models.CloseFailed, errMsg)
		}
	} else {
		r.logger.Printf("failure callback for unknown process %s: %s", processID, errMsg)
	}

	// Resolve unconfirmed placeholder references to this process.
	for _, record := range r.assignments {
		if record.ProcessID == processID && !record.ProcessConfirmed && !record.Status.IsTerminal() {
			r.failAssignmentLocked(record, nil, models.CloseFailed, errMsg)
		}
	}
}

func (r *Registry) failAssignmentLocked(record *models.AssignmentRecord, proc *models.ProcessRecord, closeType models.CloseType, reason string) {
	if err := record.SetStatus(models.AssignmentFailed); err != nil {
		r.logger.Printf("failing assignment %s: %v", record.FillID, err)
		return
	}
	record.Error = reason
	r.archiveLocked(record, closeType)

	if time.Since(record.ReceivedAt) >= r.opts.RecentFailureRetention {
		delete(r.assignments, record.FillID)
		if proc != nil {
			delete(r.processes, proc.ProcessID)
		}
	}
}

func (r *Registry) archiveLocked(record *models.AssignmentRecord, closeType models.CloseType) {
	if r.store == nil {
		return
	}
	if err := r.store.ArchiveAssignment(record.Clone(), closeType); err != nil {
		r.logger.Printf("archiving assignment %s: %v", record.FillID, err)
	}
}

// GarbageCollect deletes terminal and orphaned records. Unforced runs are
// rate-limited; forcing bypasses the interval check.
func (r *Registry) GarbageCollect(force bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if !force && now.Sub(r.lastGC) < r.opts.GCMinInterval {
		return
	}
	r.lastGC = now

	for fillID, record := range r.assignments {
		if !record.Status.IsTerminal() {
			continue
		}
		_, processAlive := r.processes[record.ProcessID]
		expired := now.Sub(record.ReceivedAt) > r.opts.TerminalRetention
		// A terminal record whose process is already gone has a decided
		// fate; no waiting required.
		if expired || (record.ProcessID == "" || !processAlive) {
			delete(r.assignments, fillID)
		}
	}

	for processID, proc := range r.processes {
		_, hasAssignment := r.assignments[proc.FillID]
		age := now.Sub(proc.CreatedAt)
		switch {
		case !hasAssignment && age > r.opts.OrphanRetention:
			delete(r.processes, processID)
		case proc.Status.IsTerminal() && age > r.opts.TerminalRetention:
			delete(r.processes, processID)
		}
	}
}

// Reconcile cross-checks assignment records against the orchestrator's live
// process views and repairs drift. It returns creation actions for records
// that need a fresh process; the caller enqueues them. Garbage collection is
// not invoked here - callers run it separately each tick.
func (r *Registry) Reconcile(views []models.ProcessView, grace time.Duration, buildConfig func(models.AssignmentRecord, string) models.ProcessConfig) []models.CreateProcessAction {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	active := make(map[string]models.ProcessView)
	completed := make(map[string]models.ProcessView)
	byFill := make(map[string]models.ProcessView)
	for _, v := range views {
		if v.Active {
			active[v.ProcessID] = v
			if v.Config.FillID != "" {
				byFill[v.Config.FillID] = v
			}
		} else {
			completed[v.ProcessID] = v
		}
	}

	var actions []models.CreateProcessAction
	claimed := make(map[string]bool)

	for _, record := range sortedRecordsLocked(r.assignments) {
		if record.Status.IsTerminal() {
			continue
		}

		if record.ProcessID != "" {
			_, isActive := active[record.ProcessID]
			_, isCompleted := completed[record.ProcessID]
			if isActive || isCompleted {
				continue
			}
			// Unresolvable reference. Tolerate young links - the process
			// may not have started yet - then clear so a fresh process can
			// be created on a later tick.
			if now.Sub(record.ProcessLinkedAt) < grace {
				continue
			}
			r.logger.Printf("assignment %s references missing process %s, clearing", record.FillID, record.ProcessID)
			record.ClearProcess()
			continue
		}

		// No reference: backfill from a live process that already claims
		// this fill id, otherwise request creation.
		if view, ok := byFill[record.FillID]; ok && !claimed[view.ProcessID] {
			claimed[view.ProcessID] = true
			record.LinkProcess(view.ProcessID, true, now)
			continue
		}
		if view, ok := r.matchByProximityLocked(record, views, claimed); ok {
			claimed[view.ProcessID] = true
			record.LinkProcess(view.ProcessID, true, now)
			continue
		}

		cfg := buildConfig(record.Clone(), NewProcessID())
		record.LinkProcess(cfg.ProcessID, false, now)
		actions = append(actions, models.CreateProcessAction{Config: cfg})
	}

	return actions
}

// matchByProximityLocked is deprecated compatibility behavior: match a live
// process carrying no fill id to an assignment by trading pair and entry
// price proximity. Exact fill-id matching always wins; at most one
// assignment ever matches one process.
func (r *Registry) matchByProximityLocked(record *models.AssignmentRecord, views []models.ProcessView, claimed map[string]bool) (models.ProcessView, bool) {
	var best models.ProcessView
	bestDiff := decimal.Zero
	found := false

	for _, v := range views {
		if !v.Active || claimed[v.ProcessID] || v.Config.FillID != "" {
			continue
		}
		if v.Config.TradingPair != record.TradingPair {
			continue
		}
		if record.ReferencePrice.IsZero() {
			continue
		}
		diff := v.Config.EntryPrice.Sub(record.ReferencePrice).Abs().Div(record.ReferencePrice)
		if diff.GreaterThan(decimal.NewFromFloat(proximityTolerance)) {
			continue
		}
		if !found || diff.LessThan(bestDiff) {
			best = v
			bestDiff = diff
			found = true
		}
	}
	return best, found
}

// Snapshot returns copies of all assignment records, ordered by fill id.
func (r *Registry) Snapshot() []models.AssignmentRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.AssignmentRecord, 0, len(r.assignments))
	for _, record := range sortedRecordsLocked(r.assignments) {
		out = append(out, record.Clone())
	}
	return out
}

// GetAssignment returns a copy of one record.
func (r *Registry) GetAssignment(fillID string) (models.AssignmentRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.assignments[fillID]
	if !ok {
		return models.AssignmentRecord{}, false
	}
	return record.Clone(), true
}

// ActiveProcessCount returns the number of non-terminal process records.
func (r *Registry) ActiveProcessCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, proc := range r.processes {
		if !proc.Status.IsTerminal() {
			n++
		}
	}
	return n
}

// FormatStatus renders the operational status report.
func (r *Registry) FormatStatus() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "Assignments: %d total, %d active processes\n", len(r.assignments), r.activeProcessCountLocked())
	for _, record := range sortedRecordsLocked(r.assignments) {
		fmt.Fprintf(&b, "  %s %s %s %s status=%s", record.FillID, record.TradingPair,
			record.Side, record.Amount, record.Status)
		if record.ProcessID != "" {
			fmt.Fprintf(&b, " process=%s", util.ShortID(record.ProcessID))
			if !record.ProcessConfirmed {
				b.WriteString(" (unconfirmed)")
			}
		}
		if record.Error != "" {
			fmt.Fprintf(&b, " error=%q", record.Error)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (r *Registry) activeProcessCountLocked() int {
	n := 0
	for _, proc := range r.processes {
		if !proc.Status.IsTerminal() {
			n++
		}
	}
	return n
}

func sortedRecordsLocked(m map[string]*models.AssignmentRecord) []*models.AssignmentRecord {
	out := make([]*models.AssignmentRecord, 0, len(m))
	for _, record := range m {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FillID < out[j].FillID })
	return out
}
