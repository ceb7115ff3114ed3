package closer

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/perpdesk/assignment_janitor/internal/util"
)

// PendingCloses tracks, per venue position, how much of the position is
// already claimed by in-flight reducing orders. Multiple closing processes
// may target the same position (two assignments on one pair before the
// first is fully closed); the ledger caps each process's order so their
// combined close volume never exceeds the true outstanding size.
type PendingCloses struct {
	mu      sync.Mutex
	amounts map[string]decimal.Decimal // keyed by util.PositionKey
}

// NewPendingCloses creates an empty ledger.
func NewPendingCloses() *PendingCloses {
	return &PendingCloses{amounts: make(map[string]decimal.Decimal)}
}

// Reserve claims up to requested from the live position after subtracting
// all existing reservations on the same key. The read-cap-add sequence is a
// single critical section, so two processes can never both see the full
// position. The returned release func gives the reservation back; it is
// idempotent and must be called on every exit path, including cancellation.
func (p *PendingCloses) Reserve(key string, requested, livePosition decimal.Decimal) (decimal.Decimal, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	available := util.ClampNonNegative(livePosition.Sub(p.amounts[key]))
	granted := util.MinDecimal(requested, available)
	if !granted.IsPositive() {
		return decimal.Zero, func() {}
	}
	p.amounts[key] = p.amounts[key].Add(granted)

	var once sync.Once
	release := func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			remaining := p.amounts[key].Sub(granted)
			if remaining.IsPositive() {
				p.amounts[key] = remaining
			} else {
				delete(p.amounts, key)
			}
		})
	}
	return granted, release
}

// Pending returns the amount currently reserved against a key.
func (p *PendingCloses) Pending(key string) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.amounts[key]
}
