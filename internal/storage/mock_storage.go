package storage

import (
	"fmt"
	"sync"

	"github.com/perpdesk/assignment_janitor/internal/models"
)

// MockStorage implements Interface for testing
type MockStorage struct {
	mu            sync.Mutex
	archiveError  error
	saveError     error
	loadError     error
	archive       []ArchivedAssignment
	statistics    *Statistics
	saveCallCount int
	loadCallCount int
}

// NewMockStorage creates a new mock storage for testing
func NewMockStorage() *MockStorage {
	return &MockStorage{
		statistics: newStatistics(),
	}
}

// SetArchiveError makes ArchiveAssignment fail with the given error.
func (m *MockStorage) SetArchiveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archiveError = err
}

func (m *MockStorage) ArchiveAssignment(record models.AssignmentRecord, closeType models.CloseType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.archiveError != nil {
		return m.archiveError
	}
	if !record.Status.IsTerminal() {
		return fmt.Errorf("assignment %s: cannot archive non-terminal status %s", record.FillID, record.Status)
	}
	for i := range m.archive {
		if m.archive[i].Record.FillID == record.FillID {
			return nil
		}
	}
	m.archive = append(m.archive, ArchivedAssignment{Record: record, CloseType: closeType})
	m.statistics.TotalAssignments++
	if record.Status == models.AssignmentClosed {
		m.statistics.ClosedAssignments++
	} else {
		m.statistics.FailedAssignments++
	}
	return nil
}

func (m *MockStorage) HasArchived(fillID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.archive {
		if m.archive[i].Record.FillID == fillID {
			return true
		}
	}
	return false
}

func (m *MockStorage) GetArchive() []ArchivedAssignment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ArchivedAssignment, len(m.archive))
	copy(out, m.archive)
	return out
}

func (m *MockStorage) GetArchivedAssignment(fillID string) (ArchivedAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.archive {
		if m.archive[i].Record.FillID == fillID {
			return m.archive[i], nil
		}
	}
	return ArchivedAssignment{}, fmt.Errorf("assignment %s: %w", fillID, ErrNotArchived)
}

// Data persistence methods (mocked)
func (m *MockStorage) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCallCount++
	return m.saveError
}

func (m *MockStorage) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadCallCount++
	return m.loadError
}

func (m *MockStorage) GetStatistics() *Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := *m.statistics
	return &stats
}

// SaveCallCount reports how many times Save was invoked.
func (m *MockStorage) SaveCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCallCount
}

// Ensure MockStorage implements Interface
var _ Interface = (*MockStorage)(nil)
