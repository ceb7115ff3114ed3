package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpdesk/assignment_janitor/internal/models"
)

// ArchivedAssignment is one terminal assignment as written to the archive.
type ArchivedAssignment struct {
	Record     models.AssignmentRecord `json:"record"`
	CloseType  models.CloseType        `json:"close_type"`
	ArchivedAt time.Time               `json:"archived_at"`
}

// Statistics aggregates closure outcomes across the archive.
type Statistics struct {
	TotalAssignments  int             `json:"total_assignments"`
	ClosedAssignments int             `json:"closed_assignments"`
	FailedAssignments int             `json:"failed_assignments"`
	SuccessRate       float64         `json:"success_rate"`
	TotalClosedVolume decimal.Decimal `json:"total_closed_volume"`
	ByCloseType       map[string]int  `json:"by_close_type"`
	ByTradingPair     map[string]int  `json:"by_trading_pair"`
}

// JSONStorage keeps the archive in a single JSON file guarded by a RWMutex.
type JSONStorage struct {
	mu       sync.RWMutex
	filepath string
	data     *storageData
}

type storageData struct {
	Archive     []ArchivedAssignment `json:"archive"`
	Statistics  *Statistics          `json:"statistics"`
	LastUpdated time.Time            `json:"last_updated"`
}

// NewJSONStorage creates a JSON-backed archive, loading the file if it exists.
func NewJSONStorage(filepath string) (*JSONStorage, error) {
	if dir := path.Dir(filepath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating storage directory: %w", err)
		}
	}

	s := &JSONStorage{
		filepath: filepath,
		data: &storageData{
			Statistics: newStatistics(),
		},
	}

	// Load existing data if file exists
	if _, err := os.Stat(filepath); err == nil {
		if err := s.Load(); err != nil {
			return nil, fmt.Errorf("loading storage: %w", err)
		}
	}

	return s, nil
}

func newStatistics() *Statistics {
	return &Statistics{
		TotalClosedVolume: decimal.Zero,
		ByCloseType:       make(map[string]int),
		ByTradingPair:     make(map[string]int),
	}
}

// Load reads the archive file into memory.
func (s *JSONStorage) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filepath)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, &s.data); err != nil {
		return err
	}
	if s.data.Statistics == nil {
		s.data.Statistics = newStatistics()
	}
	if s.data.Statistics.ByCloseType == nil {
		s.data.Statistics.ByCloseType = make(map[string]int)
	}
	if s.data.Statistics.ByTradingPair == nil {
		s.data.Statistics.ByTradingPair = make(map[string]int)
	}

	return nil
}

// Save writes the archive to disk atomically (temp file plus rename).
func (s *JSONStorage) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *JSONStorage) saveLocked() error {
	s.data.LastUpdated = time.Now().UTC()

	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}

	// Write to temp file first
	tmpFile := s.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o644); err != nil {
		return err
	}

	// Atomic rename
	return os.Rename(tmpFile, s.filepath)
}

// ArchiveAssignment appends a terminal assignment and updates statistics.
// Archiving the same fill id twice is a no-op.
func (s *JSONStorage) ArchiveAssignment(record models.AssignmentRecord, closeType models.CloseType) error {
	if !record.Status.IsTerminal() {
		return fmt.Errorf("assignment %s: cannot archive non-terminal status %s", record.FillID, record.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasArchivedLocked(record.FillID) {
		return nil
	}

	s.data.Archive = append(s.data.Archive, ArchivedAssignment{
		Record:     record,
		CloseType:  closeType,
		ArchivedAt: time.Now().UTC(),
	})
	s.updateStatisticsLocked(record, closeType)

	return s.saveLocked()
}

func (s *JSONStorage) updateStatisticsLocked(record models.AssignmentRecord, closeType models.CloseType) {
	stats := s.data.Statistics
	stats.TotalAssignments++
	if record.Status == models.AssignmentClosed {
		stats.ClosedAssignments++
		stats.TotalClosedVolume = stats.TotalClosedVolume.Add(record.Amount)
	} else {
		stats.FailedAssignments++
	}
	if stats.TotalAssignments > 0 {
		stats.SuccessRate = float64(stats.ClosedAssignments) / float64(stats.TotalAssignments)
	}
	if closeType != "" {
		stats.ByCloseType[string(closeType)]++
	}
	stats.ByTradingPair[record.TradingPair]++
}

// HasArchived reports whether a fill id is already in the archive.
func (s *JSONStorage) HasArchived(fillID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasArchivedLocked(fillID)
}

func (s *JSONStorage) hasArchivedLocked(fillID string) bool {
	for i := range s.data.Archive {
		if s.data.Archive[i].Record.FillID == fillID {
			return true
		}
	}
	return false
}

// GetArchive returns a copy of the archived assignments.
func (s *JSONStorage) GetArchive() []ArchivedAssignment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ArchivedAssignment, len(s.data.Archive))
	copy(out, s.data.Archive)
	return out
}

// GetArchivedAssignment returns one archived record by fill id.
func (s *JSONStorage) GetArchivedAssignment(fillID string) (ArchivedAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.data.Archive {
		if s.data.Archive[i].Record.FillID == fillID {
			return s.data.Archive[i], nil
		}
	}
	return ArchivedAssignment{}, fmt.Errorf("assignment %s: %w", fillID, ErrNotArchived)
}

// GetStatistics returns a copy of the aggregate statistics.
func (s *JSONStorage) GetStatistics() *Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := *s.data.Statistics
	stats.ByCloseType = make(map[string]int, len(s.data.Statistics.ByCloseType))
	for k, v := range s.data.Statistics.ByCloseType {
		stats.ByCloseType[k] = v
	}
	stats.ByTradingPair = make(map[string]int, len(s.data.Statistics.ByTradingPair))
	for k, v := range s.data.Statistics.ByTradingPair {
		stats.ByTradingPair[k] = v
	}
	return &stats
}
