package dashboard

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/perpdesk/assignment_janitor/internal/models"
	"github.com/perpdesk/assignment_janitor/internal/registry"
	"github.com/perpdesk/assignment_janitor/internal/storage"
)

func testServer(t *testing.T) (*Server, *registry.Registry, *storage.MockStorage) {
	t.Helper()

	store := storage.NewMockStorage()
	reg := registry.New(store, log.New(io.Discard, "", 0))

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	return NewServer(Config{Listen: ":0"}, reg, store, logger), reg, store
}

func admit(t *testing.T, reg *registry.Registry, fillID string) {
	t.Helper()
	ev := models.AssignmentFillEvent{
		FillID:      fillID,
		TradingPair: "PF_XBTUSD",
		Side:        models.SideLong,
		Amount:      decimal.NewFromFloat(0.1),
		Price:       decimal.NewFromInt(50000),
		Timestamp:   time.Now().UTC(),
	}
	cfg := models.ProcessConfig{
		ProcessID:   registry.NewProcessID(),
		FillID:      fillID,
		TradingPair: ev.TradingPair,
		Side:        ev.Side,
		Amount:      ev.Amount,
	}
	if _, err := reg.AdmitAssignment(ev, cfg, func() error { return nil }); err != nil {
		t.Fatalf("admitting %s: %v", fillID, err)
	}
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func TestHealthEndpoint(t *testing.T) {
	s, _, _ := testServer(t)
	rr := get(t, s, "/health")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want ok", body["status"])
	}
}

func TestGetAssignments(t *testing.T) {
	s, reg, _ := testServer(t)
	admit(t, reg, "F1")
	admit(t, reg, "F2")

	rr := get(t, s, "/api/assignments")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var views []AssignmentView
	if err := json.Unmarshal(rr.Body.Bytes(), &views); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("got %d assignments, want 2", len(views))
	}
	if views[0].Status != string(models.AssignmentExecuting) {
		t.Errorf("status = %q, want EXECUTING", views[0].Status)
	}
}

func TestGetAssignmentByFillID(t *testing.T) {
	s, reg, store := testServer(t)
	admit(t, reg, "F-live")

	archived := models.AssignmentRecord{
		FillID:      "F-archived",
		TradingPair: "PF_ETHUSD",
		Side:        models.SideShort,
		Amount:      decimal.NewFromFloat(0.2),
		Status:      models.AssignmentClosed,
		ReceivedAt:  time.Now().UTC(),
	}
	if err := store.ArchiveAssignment(archived, models.CloseTimeLimit); err != nil {
		t.Fatalf("archiving: %v", err)
	}

	rr := get(t, s, "/api/assignments/F-live")
	if rr.Code != http.StatusOK {
		t.Fatalf("live lookup status = %d, want 200", rr.Code)
	}

	rr = get(t, s, "/api/assignments/F-archived")
	if rr.Code != http.StatusOK {
		t.Fatalf("archived lookup status = %d, want 200", rr.Code)
	}
	var view AssignmentView
	if err := json.Unmarshal(rr.Body.Bytes(), &view); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if view.CloseType != string(models.CloseTimeLimit) {
		t.Errorf("close type = %q, want time_limit", view.CloseType)
	}

	rr = get(t, s, "/api/assignments/F-nope")
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing lookup status = %d, want 404", rr.Code)
	}
}

func TestStatusReport(t *testing.T) {
	s, reg, _ := testServer(t)
	admit(t, reg, "F1")

	rr := get(t, s, "/status")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if body := rr.Body.String(); body == "" {
		t.Error("empty status report")
	}
}
