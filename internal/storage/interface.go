// Package storage persists terminal assignment records and closure
// statistics across restarts.
package storage

import (
	"github.com/perpdesk/assignment_janitor/internal/models"
)

// Interface defines the contract for assignment archive persistence.
//
// Implementations must be safe for concurrent use - callers can assume all
// methods are goroutine-safe and can safely call them from multiple
// goroutines.
//
// The provided JSONStorage implementation uses sync.RWMutex to serialize
// access, ensuring all Interface methods are protected for concurrent
// readers and writers.
type Interface interface {
	// Archive management. ArchiveAssignment records a terminal assignment;
	// re-archiving the same fill id is a no-op so crash-replayed closures
	// never double count.
	ArchiveAssignment(record models.AssignmentRecord, closeType models.CloseType) error
	HasArchived(fillID string) bool
	GetArchive() []ArchivedAssignment
	// GetArchivedAssignment returns one archived record, or ErrNotArchived.
	GetArchivedAssignment(fillID string) (ArchivedAssignment, error)

	// Data persistence
	Save() error
	Load() error

	// Analytics
	GetStatistics() *Statistics
}

// NewStorage creates a new storage implementation (currently JSON-based).
// In the future, this can be extended to support different storage backends.
func NewStorage(filepath string) (Interface, error) {
	return NewJSONStorage(filepath)
}

// Ensure JSONStorage implements Interface
var _ Interface = (*JSONStorage)(nil)
