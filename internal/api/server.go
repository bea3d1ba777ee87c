// Package api exposes the HTTP surface: webhook ingestion plus a small
// set of operational endpoints.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meschain/sync-core/internal/event"
	"github.com/meschain/sync-core/internal/marketplace"
	"github.com/meschain/sync-core/internal/model"
	"github.com/meschain/sync-core/internal/monitor"
	"github.com/meschain/sync-core/internal/scheduler"
	"github.com/meschain/sync-core/internal/storage"
	"github.com/meschain/sync-core/internal/webhook"
)

const maxWebhookBody = 1 << 20

// Server is the HTTP API.
type Server struct {
	logger    *zap.Logger
	verifiers *webhook.Registry
	helpers   *marketplace.Registry
	receipts  *storage.WebhookStore
	tasks     *storage.TaskStore
	runner    *scheduler.Runner
	bus       *event.Bus
	health    *monitor.HealthChecker
}

// NewServer creates the API server.
func NewServer(
	verifiers *webhook.Registry,
	helpers *marketplace.Registry,
	receipts *storage.WebhookStore,
	tasks *storage.TaskStore,
	runner *scheduler.Runner,
	bus *event.Bus,
	health *monitor.HealthChecker,
	logger *zap.Logger,
) *Server {
	return &Server{
		logger:    logger.Named("api"),
		verifiers: verifiers,
		helpers:   helpers,
		receipts:  receipts,
		tasks:     tasks,
		runner:    runner,
		bus:       bus,
		health:    health,
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Post("/webhooks/{marketplace}", s.handleWebhook)
	r.Get("/health", s.handleHealth)
	r.Get("/tasks", s.handleListTasks)
	r.Post("/tasks/{id}/run", s.handleRunTask)
	r.Get("/tasks/{id}/executions", s.handleListExecutions)
	r.Get("/events/deadletters", s.handleListDeadLetters)

	return r
}

// handleWebhook verifies the inbound payload, records a receipt either
// way, and hands valid payloads to the marketplace helper.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	m := model.Marketplace(chi.URLParam(r, "marketplace"))
	if !m.IsValid() {
		s.writeError(w, http.StatusNotFound, "unknown marketplace")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	result, err := s.verifiers.Verify(r.Context(), m, r.Header, body)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "unknown marketplace")
		return
	}

	receipt := &model.WebhookReceipt{
		ID:          uuid.New().String(),
		Marketplace: m,
		Headers:     flattenHeaders(r.Header),
		Payload:     body,
		Valid:       result.Valid,
		Reason:      result.Reason,
		ReceivedAt:  time.Now().UTC(),
	}

	if !result.Valid {
		s.storeReceipt(r, receipt)
		s.writeError(w, http.StatusUnauthorized, result.Reason)
		return
	}

	// Challenge-response probes are answered without processing.
	if challenge, ok := result.Metadata["challenge"]; ok {
		receipt.ProcessingResult = "challenge"
		s.storeReceipt(r, receipt)
		s.writeJSON(w, http.StatusOK, map[string]string{"challengeResponse": challenge})
		return
	}

	helper, err := s.helpers.Helper(m)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "unknown marketplace")
		return
	}
	if err := helper.ProcessWebhook(r.Context(), receipt); err != nil {
		s.logger.Error("Webhook processing failed",
			zap.String("marketplace", string(m)), zap.Error(err))
		receipt.ProcessingResult = err.Error()
		s.storeReceipt(r, receipt)
		s.writeError(w, http.StatusInternalServerError, "processing failed")
		return
	}

	receipt.ProcessingResult = "accepted"
	s.storeReceipt(r, receipt)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "accepted", "receipt_id": receipt.ID})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health.Run(r.Context())

	status := http.StatusOK
	if report.Status == model.HealthStatusError || report.Status == model.HealthStatusCritical {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, report)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.tasks.ListTasks(r.Context())
	if err != nil {
		s.logger.Error("Failed to list tasks", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	actorID := r.Header.Get("X-Actor-ID")
	if actorID == "" {
		s.writeError(w, http.StatusBadRequest, "X-Actor-ID header required")
		return
	}

	exec, err := s.runner.RunTaskManually(r.Context(), taskID, actorID)
	if err != nil {
		status, msg := classifyRunError(err)
		s.writeError(w, status, msg)
		return
	}
	s.writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if _, err := s.tasks.GetTask(r.Context(), taskID); err != nil {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}

	execs, err := s.tasks.ListExecutions(r.Context(), taskID, 50, 0)
	if err != nil {
		s.logger.Error("Failed to list executions", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"executions": execs})
}

// handleListDeadLetters exposes exhausted queue events so operators can
// spot deliveries that need intervention.
func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	events, err := s.bus.DeadLetters(r.Context(), 100)
	if err != nil {
		s.logger.Error("Failed to list dead letters", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) storeReceipt(r *http.Request, receipt *model.WebhookReceipt) {
	if err := s.receipts.InsertReceipt(r.Context(), receipt); err != nil {
		s.logger.Error("Failed to store webhook receipt",
			zap.String("marketplace", string(receipt.Marketplace)), zap.Error(err))
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func classifyRunError(err error) (int, string) {
	switch {
	case errors.Is(err, storage.ErrTaskNotFound):
		return http.StatusNotFound, "task not found"
	case errors.Is(err, scheduler.ErrTaskInactive):
		return http.StatusConflict, "task is disabled"
	case errors.Is(err, scheduler.ErrTaskAlreadyRunning), errors.Is(err, storage.ErrLockHeld):
		return http.StatusConflict, "task already running"
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

func flattenHeaders(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for key := range h {
		flat[key] = h.Get(key)
	}
	return flat
}
