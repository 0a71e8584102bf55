package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"clinicops/queue-engine/internal/display"
	"clinicops/queue-engine/internal/models"
	"clinicops/queue-engine/internal/store"

	"github.com/google/uuid"
)

// QueueService is the slice of the engine the HTTP layer depends on.
type QueueService interface {
	Take(ctx context.Context, departmentID string) (models.Ticket, error)
	Call(ctx context.Context, ticketID string) (models.Ticket, error)
	Start(ctx context.Context, ticketID string) (models.Ticket, error)
	Complete(ctx context.Context, ticketID string) (models.Ticket, error)
	Skip(ctx context.Context, ticketID string) (models.Ticket, error)
	Cancel(ctx context.Context, ticketID string) (models.Ticket, error)
	Recall(ctx context.Context, ticketID string) (models.Ticket, error)
	AssignPatient(ctx context.Context, ticketID, patientID string) (models.Ticket, error)
	Ticket(ctx context.Context, ticketID string) (models.Ticket, error)
	Today(ctx context.Context, departmentID string) ([]models.Ticket, error)
	CurrentlyServing(ctx context.Context, departmentID string) (models.Ticket, bool, error)
	Reset(ctx context.Context, departmentID string) (int, error)
}

// BoardSource produces the anonymized display board for a department.
type BoardSource interface {
	Board(ctx context.Context, departmentID string) (display.Board, error)
}

type Handler struct {
	queue    QueueService
	boards   BoardSource
	settings store.SettingsStore
}

type takeTicketRequest struct {
	DepartmentID string `json:"department_id"`
}

type assignPatientRequest struct {
	PatientID string `json:"patient_id"`
}

type resetRequest struct {
	DepartmentID string `json:"department_id"`
}

type resetResponse struct {
	DepartmentID string `json:"department_id"`
	Cancelled    int    `json:"cancelled"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(queue QueueService, boards BoardSource, settings store.SettingsStore) *Handler {
	return &Handler{
		queue:    queue,
		boards:   boards,
		settings: settings,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/tickets", h.handleTickets)
	mux.HandleFunc("/api/tickets/", h.handleTicket)
	mux.HandleFunc("/api/queue", h.handleQueue)
	mux.HandleFunc("/api/queue/current", h.handleCurrent)
	mux.HandleFunc("/api/queue/reset", h.handleReset)
	mux.HandleFunc("/api/display/board", h.handleBoard)
	mux.HandleFunc("/api/departments/", h.handleDepartmentConfig)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleTickets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req takeTicketRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.DepartmentID = strings.TrimSpace(req.DepartmentID)
	if req.DepartmentID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "department_id is required")
		return
	}

	ticket, err := h.queue.Take(r.Context(), req.DepartmentID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}

	writeJSON(w, http.StatusCreated, ticket)
}

func (h *Handler) handleTicket(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tickets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case len(parts) == 1:
		h.handleGetTicket(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "assign":
		h.handleAssignPatient(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "actions":
		h.handleTicketAction(w, r, parts[0], parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request, ticketID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isValidUUID(ticketID) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "ticket id must be a UUID")
		return
	}

	ticket, err := h.queue.Ticket(r.Context(), ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleTicketAction(w http.ResponseWriter, r *http.Request, ticketID, action string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isValidUUID(ticketID) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "ticket id must be a UUID")
		return
	}

	var op func(context.Context, string) (models.Ticket, error)
	switch action {
	case store.ActionCall:
		op = h.queue.Call
	case store.ActionStart:
		op = h.queue.Start
	case store.ActionComplete:
		op = h.queue.Complete
	case store.ActionSkip:
		op = h.queue.Skip
	case store.ActionCancel:
		op = h.queue.Cancel
	case store.ActionRecall:
		op = h.queue.Recall
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	ticket, err := op(r.Context(), ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleAssignPatient(w http.ResponseWriter, r *http.Request, ticketID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isValidUUID(ticketID) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "ticket id must be a UUID")
		return
	}

	var req assignPatientRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.PatientID = strings.TrimSpace(req.PatientID)
	if req.PatientID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "patient_id is required")
		return
	}

	ticket, err := h.queue.AssignPatient(r.Context(), ticketID, req.PatientID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	departmentID := strings.TrimSpace(r.URL.Query().Get("department_id"))
	tickets, err := h.queue.Today(r.Context(), departmentID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (h *Handler) handleCurrent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	departmentID := strings.TrimSpace(r.URL.Query().Get("department_id"))
	if departmentID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "department_id is required")
		return
	}

	ticket, found, err := h.queue.CurrentlyServing(r.Context(), departmentID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req resetRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.DepartmentID = strings.TrimSpace(req.DepartmentID)
	if req.DepartmentID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "department_id is required")
		return
	}

	cancelled, err := h.queue.Reset(r.Context(), req.DepartmentID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, resetResponse{DepartmentID: req.DepartmentID, Cancelled: cancelled})
}

func (h *Handler) handleBoard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	departmentID := strings.TrimSpace(r.URL.Query().Get("department_id"))
	if departmentID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "department_id is required")
		return
	}

	board, err := h.boards.Board(r.Context(), departmentID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestIDFromRequest(r), status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

func (h *Handler) handleDepartmentConfig(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/departments/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[1] != "config" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	departmentID := parts[0]

	switch r.Method {
	case http.MethodGet:
		cfg, err := h.settings.GetConfig(r.Context(), departmentID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, requestIDFromRequest(r), status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	case http.MethodPut:
		var cfg models.DepartmentConfig
		if !decodeRequest(w, r, &cfg) {
			return
		}
		cfg.DepartmentID = departmentID
		cfg.Prefix = strings.TrimSpace(cfg.Prefix)
		cfg.ResetSchedule = strings.TrimSpace(cfg.ResetSchedule)
		if msg := validateConfig(cfg); msg != "" {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", msg)
			return
		}
		saved, err := h.settings.PutConfig(r.Context(), cfg)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, requestIDFromRequest(r), status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func validateConfig(cfg models.DepartmentConfig) string {
	if cfg.Prefix == "" {
		return "prefix is required"
	}
	if len(cfg.Prefix) > 4 {
		return "prefix must be at most 4 characters"
	}
	if cfg.NumberWidth < 1 || cfg.NumberWidth > 6 {
		return "number_width must be between 1 and 6"
	}
	if cfg.ResetSchedule != "" && cfg.ResetSchedule != models.ResetManual {
		if _, err := time.Parse("15:04", cfg.ResetSchedule); err != nil {
			return "reset_schedule must be manual or HH:MM"
		}
	}
	return ""
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrScopeUnavailable):
		return http.StatusConflict, "scope_unavailable", "department is not accepting tickets"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "ticket status does not allow this action"
	case errors.Is(err, store.ErrDepartmentBusy):
		return http.StatusConflict, "department_busy", "another ticket is already being served"
	case errors.Is(err, store.ErrAssignmentNotAllowed):
		return http.StatusConflict, "assignment_not_allowed", "ticket already has a patient or is closed"
	case errors.Is(err, store.ErrPatientNotFound):
		return http.StatusNotFound, "patient_not_found", "patient not found"
	case errors.Is(err, store.ErrDepartmentNotFound):
		return http.StatusNotFound, "department_not_found", "department not found"
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrConcurrencyConflict):
		return http.StatusConflict, "conflict", "concurrent update, retry the request"
	default:
		return http.StatusInternalServerError, "operation_failed", "operation failed"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
