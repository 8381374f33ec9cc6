// Package api is the HTTP operator surface. It mirrors the Telegram commands.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"convexity_trading/internal/control"
	"convexity_trading/internal/cycle"
	"convexity_trading/internal/execution"
	"convexity_trading/internal/models"
	"convexity_trading/internal/storage"
)

// Controller is the subset of control.Controller the handlers drive.
type Controller interface {
	Status(ctx context.Context) (*control.Status, error)
	Pause(ctx context.Context, reason string) error
	Resume(ctx context.Context) error
	RunCycle(ctx context.Context, mode cycle.Mode) (*cycle.Report, error)
	ManualOrder(ctx context.Context, req control.ManualRequest) (*execution.Result, error)
	Pending() []execution.PendingConfirmation
	Resolve(orderID string, approve bool) error
	SetOverride(key, value, by string) (storage.Override, error)
	UnsetOverride(key string) (bool, error)
	ListOverrides() []storage.Override
}

var _ Controller = (*control.Controller)(nil)

// Handler holds dependencies for HTTP handlers
type Handler struct {
	ctrl Controller
}

func NewHandler(ctrl Controller) *Handler {
	return &Handler{ctrl: ctrl}
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// GetStatus handles GET /status. A broker outage still returns the guardrail state.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	s, err := h.ctrl.Status(r.Context())
	if err != nil {
		if s == nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error(), "status": s})
		return
	}
	respondJSON(w, http.StatusOK, s)
}

// reportView is the JSON shape of a cycle report.
type reportView struct {
	CycleID  string                  `json:"cycle_id"`
	Mode     cycle.Mode              `json:"mode"`
	Outcome  cycle.Outcome           `json:"outcome"`
	Executed int                     `json:"executed"`
	Denied   int                     `json:"denied"`
	Failed   int                     `json:"failed"`
	Flags    []string                `json:"flags,omitempty"`
	Orders   []*models.Order         `json:"orders,omitempty"`
	Previews []models.CandidateOrder `json:"previews,omitempty"`
	Adjust   string                  `json:"adjust,omitempty"`
	Summary  string                  `json:"summary"`
	Error    string                  `json:"error,omitempty"`
}

func viewOf(rep *cycle.Report) reportView {
	v := reportView{CycleID: rep.CycleID, Mode: rep.Mode, Outcome: rep.Outcome, Flags: rep.Flags, Adjust: rep.Adjust, Summary: rep.Summary()}
	v.Executed, v.Denied, v.Failed = rep.Counts()
	for _, res := range rep.Results {
		if res.Order != nil {
			v.Orders = append(v.Orders, res.Order)
		}
	}
	for _, p := range rep.Previews {
		v.Previews = append(v.Previews, p.Candidate)
	}
	if rep.Err != nil {
		v.Error = rep.Err.Error()
	}
	return v
}

// RunCycle handles POST /cycles. The mode comes from ?mode= or the JSON body and defaults
// to preview. The cycle is not tied to the request, so a dropped client cannot abort it
// halfway through its orders.
func (h *Handler) RunCycle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if m := r.URL.Query().Get("mode"); m != "" {
		req.Mode = m
	}
	if req.Mode == "" {
		req.Mode = string(cycle.ModePreview)
	}
	mode, err := cycle.ParseMode(req.Mode)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	rep, err := h.ctrl.RunCycle(context.WithoutCancel(r.Context()), mode)
	switch {
	case errors.Is(err, models.ErrCycleInProgress):
		respondError(w, http.StatusConflict, err.Error())
	case rep == nil:
		respondError(w, http.StatusInternalServerError, errString(err))
	case err != nil:
		respondJSON(w, http.StatusInternalServerError, viewOf(rep))
	default:
		respondJSON(w, http.StatusOK, viewOf(rep))
	}
}

// Pause handles POST /pause with an optional {"reason": "..."} body.
func (h *Handler) Pause(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if err := h.ctrl.Pause(r.Context(), req.Reason); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

// Resume handles POST /resume
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Resume(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

type resultView struct {
	Candidate models.CandidateOrder    `json:"candidate"`
	Denied    *models.GovernanceDenied `json:"denied,omitempty"`
	Order     *models.Order            `json:"order,omitempty"`
	Error     string                   `json:"error,omitempty"`
}

// PlaceManualOrder handles POST /orders with {"action","symbol","quantity"}.
// A governance denial answers 403 with the denying check.
func (h *Handler) PlaceManualOrder(w http.ResponseWriter, r *http.Request) {
	var req control.ManualRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Action = models.Action(strings.ToUpper(string(req.Action)))
	req.By = "http"
	if req.Symbol == "" {
		respondError(w, http.StatusBadRequest, "symbol is required")
		return
	}

	res, err := h.ctrl.ManualOrder(context.WithoutCancel(r.Context()), req)
	if err != nil {
		var sf *models.SelectionFailure
		switch {
		case errors.Is(err, control.ErrInvalidRequest):
			respondError(w, http.StatusBadRequest, err.Error())
		case errors.As(err, &sf):
			respondError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, models.ErrDataProviderUnavailable):
			respondError(w, http.StatusServiceUnavailable, err.Error())
		default:
			log.Printf("[EXEC] manual order via http failed: %v", err)
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	v := resultView{Candidate: res.Candidate, Denied: res.Denied, Order: res.Order, Error: errString(res.Err)}
	if res.Denied != nil {
		respondJSON(w, http.StatusForbidden, v)
		return
	}
	respondJSON(w, http.StatusOK, v)
}

// GetPending handles GET /confirmations
func (h *Handler) GetPending(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.ctrl.Pending())
}

// ResolveConfirmation handles POST /confirmations/{id}/{approve|reject}
func (h *Handler) ResolveConfirmation(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	approve := vars["decision"] == "approve"
	if err := h.ctrl.Resolve(vars["id"], approve); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	log.Printf("[EXEC] %s resolved over http (approve=%t)", vars["id"], approve)
	respondJSON(w, http.StatusOK, map[string]any{"id": vars["id"], "approved": approve})
}

// GetOverrides handles GET /overrides
func (h *Handler) GetOverrides(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.ctrl.ListOverrides())
}

// SetOverride handles PUT /overrides/{key} with {"value": "..."}
func (h *Handler) SetOverride(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ov, err := h.ctrl.SetOverride(mux.Vars(r)["key"], req.Value, "http")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, ov)
}

// RemoveOverride handles DELETE /overrides/{key}
func (h *Handler) RemoveOverride(w http.ResponseWriter, r *http.Request) {
	removed, err := h.ctrl.UnsetOverride(mux.Vars(r)["key"])
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !removed {
		respondError(w, http.StatusNotFound, "no override for "+mux.Vars(r)["key"])
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[API] encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
