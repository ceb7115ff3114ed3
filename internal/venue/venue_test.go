package venue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpdesk/assignment_janitor/internal/models"
)

func TestMessageIndicatesPositionClosed(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"would not reduce", errors.New("Order would not reduce position"), true},
		{"compact form", errors.New("error: wouldNotReducePosition"), true},
		{"not open", errors.New("position not open"), true},
		{"already closed", errors.New("Position already closed"), true},
		{"unrelated", errors.New("insufficient margin"), false},
		{"wrapped", fmt.Errorf("placing order: %w", errors.New("position not open")), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MessageIndicatesPositionClosed(tt.err); got != tt.want {
				t.Errorf("MessageIndicatesPositionClosed(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestKrakenIsPositionClosedError(t *testing.T) {
	k := NewKrakenFuturesClient("", "", "")

	structured := &APIError{Status: 200, Code: "wouldNotReducePosition", Message: "wouldNotReducePosition"}
	if !k.IsPositionClosedError(structured) {
		t.Error("structured wouldNotReducePosition code should classify as position closed")
	}

	other := &APIError{Status: 400, Code: "insufficientFunds", Message: "insufficient funds"}
	if k.IsPositionClosedError(other) {
		t.Error("insufficientFunds should not classify as position closed")
	}

	textOnly := errors.New("venue says: position already closed")
	if !k.IsPositionClosedError(textOnly) {
		t.Error("free-text fallback should classify position-already-closed messages")
	}
}

func TestIsOrderNotFound(t *testing.T) {
	notFound := &APIError{Status: http.StatusNotFound, Code: "orderNotFound", Message: "order X not found"}
	if !IsOrderNotFound(notFound) {
		t.Error("404/orderNotFound should classify as order not found")
	}
	if !IsOrderNotFound(fmt.Errorf("get order status: %w", notFound)) {
		t.Error("wrapped not-found error should still classify")
	}
	if IsOrderNotFound(&APIError{Status: 503, Message: "service unavailable"}) {
		t.Error("a server outage is not a lost order")
	}
	if IsOrderNotFound(errors.New("connection refused")) {
		t.Error("plain transport errors are not lost orders")
	}
}

// Assignment fills with numeric epoch fill times (some venue builds report
// milliseconds) are normalized; RFC3339 times parse as before.
func TestAssignmentFillsNumericTimestampFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"result":"success","fills":[
			{"fill_id":"F1","symbol":"PF_XBTUSD","side":"buy","size":0.1,"price":50000,"fillTime":"1700000000000","fillType":"assignee"},
			{"fill_id":"F2","symbol":"PF_XBTUSD","side":"sell","size":0.2,"price":50000,"fillTime":"2023-11-14T22:13:20Z","fillType":"assignee"}]}`))
	}))
	defer srv.Close()

	client := NewKrakenFuturesClient("", "", srv.URL)
	fills, err := client.GetAssignmentFills(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("GetAssignmentFills() error: %v", err)
	}
	if len(fills) != 2 {
		t.Fatalf("got %d fills, want 2", len(fills))
	}

	want := time.Unix(1_700_000_000, 0).UTC()
	if !fills[0].Timestamp.Equal(want) {
		t.Errorf("ms epoch fill time = %v, want %v", fills[0].Timestamp, want)
	}
	if !fills[1].Timestamp.Equal(time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)) {
		t.Errorf("RFC3339 fill time = %v", fills[1].Timestamp)
	}
}

func TestFindPosition(t *testing.T) {
	positions := []Position{
		{TradingPair: "PF_XBTUSD", Side: models.SideLong, Amount: decimal.NewFromFloat(0.5)},
		{TradingPair: "PF_ETHUSDSHORT", Side: models.SideShort, Amount: decimal.NewFromFloat(2)},
	}

	if p := FindPosition(positions, "PF_XBTUSD"); p == nil || p.TradingPair != "PF_XBTUSD" {
		t.Errorf("expected bare-pair match for PF_XBTUSD, got %v", p)
	}
	if p := FindPosition(positions, "PF_ETHUSD"); p == nil || p.Side != models.SideShort {
		t.Errorf("expected pair+side match for PF_ETHUSD, got %v", p)
	}
	if p := FindPosition(positions, "PF_SOLUSD"); p != nil {
		t.Errorf("expected no match for PF_SOLUSD, got %v", p)
	}
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	mock := NewMockVenue()
	mock.GetPositionsError = errors.New("venue down")

	cb := NewCircuitBreakerVenueWithSettings(mock, CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  3,
		FailureRatio: 0.6,
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := cb.GetPositions(ctx); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}

	// Breaker should now be open: the underlying venue must not be reached.
	before := mock.PlaceOrderCalls
	_, err := cb.PlaceReducingOrder(ctx, ReducingOrderRequest{
		TradingPair: "PF_XBTUSD",
		Side:        models.OrderSell,
		Amount:      decimal.NewFromFloat(1),
		OrderType:   models.OrderTypeMarket,
	})
	if err == nil {
		t.Fatal("expected open-circuit error")
	}
	if mock.PlaceOrderCalls != before {
		t.Errorf("open breaker leaked a call to the venue")
	}
}

func TestCircuitBreakerPassThroughMethods(t *testing.T) {
	mock := NewMockVenue()
	mock.SetMinOrderSize("PF_XBTUSD", decimal.NewFromFloat(0.0001))

	cb := NewCircuitBreakerVenue(mock)
	if !cb.KnownPair("PF_XBTUSD") {
		t.Error("KnownPair should pass through to the wrapped venue")
	}
	if got := cb.MinOrderSize("PF_XBTUSD"); !got.Equal(decimal.NewFromFloat(0.0001)) {
		t.Errorf("MinOrderSize = %s, want 0.0001", got)
	}
	if !cb.IsPositionClosedError(errors.New("position not open")) {
		t.Error("IsPositionClosedError should pass through to the wrapped classifier")
	}
}

func TestAssignmentFeedAdvancesWatermark(t *testing.T) {
	mock := NewMockVenue()
	base := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		mock.AddAssignmentFill(models.AssignmentFillEvent{
			FillID:      fmt.Sprintf("fill-%d", i),
			TradingPair: "PF_XBTUSD",
			Side:        models.SideLong,
			Amount:      decimal.NewFromFloat(0.1),
			Price:       decimal.NewFromFloat(50000),
			Timestamp:   base.Add(time.Duration(i) * time.Second),
		})
	}

	var delivered []string
	feed := NewAssignmentFeed(mock, func(ev models.AssignmentFillEvent) {
		delivered = append(delivered, ev.FillID)
	}, time.Second, log.New(io.Discard, "", 0))

	feed.poll(context.Background())
	if len(delivered) != 3 {
		t.Fatalf("first poll delivered %d fills, want 3", len(delivered))
	}

	// Second poll with no new fills delivers nothing: the watermark advanced.
	feed.poll(context.Background())
	if len(delivered) != 3 {
		t.Errorf("second poll re-delivered fills past the watermark: %v", delivered)
	}

	mock.AddAssignmentFill(models.AssignmentFillEvent{
		FillID:      "fill-3",
		TradingPair: "PF_XBTUSD",
		Side:        models.SideLong,
		Amount:      decimal.NewFromFloat(0.1),
		Price:       decimal.NewFromFloat(50000),
		Timestamp:   base.Add(10 * time.Second),
	})
	feed.poll(context.Background())
	if len(delivered) != 4 || delivered[3] != "fill-3" {
		t.Errorf("third poll should deliver only the new fill, got %v", delivered)
	}
}

func TestAssignmentFeedPollErrorKeepsWatermark(t *testing.T) {
	mock := NewMockVenue()
	mock.AddAssignmentFill(models.AssignmentFillEvent{
		FillID:      "fill-err",
		TradingPair: "PF_XBTUSD",
		Side:        models.SideShort,
		Amount:      decimal.NewFromFloat(1),
		Price:       decimal.NewFromFloat(100),
		Timestamp:   time.Now().UTC(),
	})

	var delivered int
	feed := NewAssignmentFeed(mock, func(models.AssignmentFillEvent) { delivered++ },
		time.Second, log.New(io.Discard, "", 0))

	mock.GetFillsError = errors.New("timeout")
	feed.poll(context.Background())
	if delivered != 0 {
		t.Fatalf("failed poll should deliver nothing, got %d", delivered)
	}

	// Recovery re-delivers the fill: at-least-once, not at-most-once.
	mock.GetFillsError = nil
	feed.poll(context.Background())
	if delivered != 1 {
		t.Errorf("recovered poll delivered %d fills, want 1", delivered)
	}
}
