// Package dashboard serves the operational status endpoints: health,
// human-readable status report, and JSON views of assignments and
// statistics.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/perpdesk/assignment_janitor/internal/models"
	"github.com/perpdesk/assignment_janitor/internal/registry"
	"github.com/perpdesk/assignment_janitor/internal/storage"
)

type Server struct {
	router   *chi.Mux
	server   *http.Server
	registry *registry.Registry
	storage  storage.Interface
	logger   *logrus.Logger
	listen   string
}

type Config struct {
	Listen string
}

// AssignmentView is the JSON shape of one assignment record.
type AssignmentView struct {
	FillID      string    `json:"fill_id"`
	TradingPair string    `json:"trading_pair"`
	Side        string    `json:"side"`
	Amount      string    `json:"amount"`
	Status      string    `json:"status"`
	ProcessID   string    `json:"process_id,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
	Error       string    `json:"error,omitempty"`
	CloseType   string    `json:"close_type,omitempty"`
}

func NewServer(cfg Config, reg *registry.Registry, store storage.Interface, logger *logrus.Logger) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		registry: reg,
		storage:  store,
		logger:   logger,
		listen:   cfg.Listen,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/status", s.handleStatus)
	s.router.Get("/api/assignments", s.handleGetAssignments)
	s.router.Get("/api/assignments/{fillID}", s.handleGetAssignment)
	s.router.Get("/api/stats", s.handleGetStats)
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting dashboard server on %s", s.listen)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
		s.logger.WithError(err).Error("Failed to encode health response")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := w.Write([]byte(s.registry.FormatStatus())); err != nil {
		s.logger.WithError(err).Error("Failed to write status report")
	}
}

func (s *Server) handleGetAssignments(w http.ResponseWriter, _ *http.Request) {
	records := s.registry.Snapshot()
	views := make([]AssignmentView, 0, len(records))
	for _, r := range records {
		views = append(views, assignmentView(r))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(views); err != nil {
		s.logger.WithError(err).Error("Failed to encode assignments")
	}
}

// handleGetAssignment looks up one assignment by fill id: live registry
// records first, then the terminal archive.
func (s *Server) handleGetAssignment(w http.ResponseWriter, r *http.Request) {
	fillID := chi.URLParam(r, "fillID")

	view, ok := s.lookupAssignment(fillID)
	if !ok {
		http.Error(w, "assignment not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(view); err != nil {
		s.logger.WithError(err).Error("Failed to encode assignment")
	}
}

func (s *Server) lookupAssignment(fillID string) (AssignmentView, bool) {
	if rec, ok := s.registry.GetAssignment(fillID); ok {
		return assignmentView(rec), true
	}
	archived, err := s.storage.GetArchivedAssignment(fillID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotArchived) {
			s.logger.WithError(err).Error("Archive lookup failed")
		}
		return AssignmentView{}, false
	}
	view := assignmentView(archived.Record)
	view.CloseType = string(archived.CloseType)
	return view, true
}

func (s *Server) handleGetStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.storage.GetStatistics()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		s.logger.WithError(err).Error("Failed to encode statistics")
	}
}

func assignmentView(r models.AssignmentRecord) AssignmentView {
	return AssignmentView{
		FillID:      r.FillID,
		TradingPair: r.TradingPair,
		Side:        string(r.Side),
		Amount:      r.Amount.String(),
		Status:      string(r.Status),
		ProcessID:   r.ProcessID,
		ReceivedAt:  r.ReceivedAt,
		Error:       r.Error,
	}
}
