package closer

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestReserveCapsToLivePosition(t *testing.T) {
	p := NewPendingCloses()

	// F1 reserves 0.1 of a 0.3 position.
	g1, rel1 := p.Reserve("kraken_BTC-USD", d(0.1), d(0.3))
	if !g1.Equal(d(0.1)) {
		t.Errorf("first grant = %s, want 0.1", g1)
	}

	// F2 asks for 0.2; only 0.2 remains after F1's reservation.
	g2, rel2 := p.Reserve("kraken_BTC-USD", d(0.2), d(0.3))
	if !g2.Equal(d(0.2)) {
		t.Errorf("second grant = %s, want 0.2", g2)
	}

	// A third request finds nothing left.
	g3, rel3 := p.Reserve("kraken_BTC-USD", d(0.1), d(0.3))
	if !g3.IsZero() {
		t.Errorf("third grant = %s, want 0", g3)
	}

	rel1()
	rel2()
	rel3()
	if got := p.Pending("kraken_BTC-USD"); !got.IsZero() {
		t.Errorf("pending after full release = %s, want 0", got)
	}
}

func TestReserveOversizedRequestCapped(t *testing.T) {
	p := NewPendingCloses()

	g1, _ := p.Reserve("kraken_BTC-USD", d(0.1), d(0.25))
	if !g1.Equal(d(0.1)) {
		t.Fatalf("first grant = %s", g1)
	}
	// Only 0.15 of the 0.25 position remains unclaimed.
	g2, _ := p.Reserve("kraken_BTC-USD", d(0.2), d(0.25))
	if !g2.Equal(d(0.15)) {
		t.Errorf("second grant = %s, want 0.15", g2)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := NewPendingCloses()

	g, release := p.Reserve("k_P", d(0.1), d(0.2))
	if !g.Equal(d(0.1)) {
		t.Fatal("unexpected grant")
	}
	release()
	release()
	release()
	if got := p.Pending("k_P"); !got.IsZero() {
		t.Errorf("pending after repeated release = %s, want 0", got)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	p := NewPendingCloses()

	p.Reserve("kraken_BTC-USD", d(0.3), d(0.3))
	g, _ := p.Reserve("kraken_ETH-USD", d(1), d(1))
	if !g.Equal(d(1)) {
		t.Errorf("reservation on one pair leaked into another: grant = %s", g)
	}
}

func TestConcurrentReservationsConserveVolume(t *testing.T) {
	p := NewPendingCloses()
	live := d(1.0)

	var mu sync.Mutex
	total := decimal.Zero

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, _ := p.Reserve("k_P", d(0.05), live)
			mu.Lock()
			total = total.Add(g)
			mu.Unlock()
		}()
	}
	wg.Wait()

	// The sum of all grants can never exceed the live position.
	if total.GreaterThan(live) {
		t.Errorf("granted %s in total against a %s position", total, live)
	}
	if !p.Pending("k_P").Equal(total) {
		t.Errorf("ledger %s does not match granted total %s", p.Pending("k_P"), total)
	}
}
