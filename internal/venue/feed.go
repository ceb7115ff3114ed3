package venue

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/perpdesk/assignment_janitor/internal/models"
)

// FillFetcher is the slice of the venue the feed needs: a way to pull
// assignment fills newer than a watermark.
type FillFetcher interface {
	GetAssignmentFills(ctx context.Context, since time.Time) ([]models.AssignmentFillEvent, error)
}

// AssignmentFeed polls the venue for assignment fills and pushes them to a
// handler. Delivery is at-least-once: the watermark only advances after a
// successful poll, so a failed cycle re-delivers and the handler must
// deduplicate by fill id.
type AssignmentFeed struct {
	fetcher  FillFetcher
	handler  func(models.AssignmentFillEvent)
	interval time.Duration
	logger   *log.Logger

	lastFillTime time.Time
}

// NewAssignmentFeed creates a feed polling at the given interval. A zero
// interval defaults to one second.
func NewAssignmentFeed(fetcher FillFetcher, handler func(models.AssignmentFillEvent), interval time.Duration, logger *log.Logger) *AssignmentFeed {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &AssignmentFeed{
		fetcher:  fetcher,
		handler:  handler,
		interval: interval,
		logger:   logger,
	}
}

// Run polls until the context is cancelled. Poll errors are logged and the
// next tick retries; the feed never gives up on its own.
func (f *AssignmentFeed) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	// First poll immediately so startup does not wait a full interval.
	f.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			f.poll(ctx)
		}
	}
}

func (f *AssignmentFeed) poll(ctx context.Context) {
	fills, err := f.fetcher.GetAssignmentFills(ctx, f.lastFillTime)
	if err != nil {
		if ctx.Err() == nil {
			f.logger.Printf("assignment feed: poll failed: %v", err)
		}
		return
	}

	for _, fill := range fills {
		if fill.Timestamp.After(f.lastFillTime) {
			f.lastFillTime = fill.Timestamp
		}
		f.handler(fill)
	}
}
