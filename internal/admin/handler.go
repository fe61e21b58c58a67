// Package admin implements the router's administrative HTTP facade:
// template introspection, metrics/cost snapshots, pricing updates, and
// queue controls, in the teacher's ManagementHandler style.
package admin

import (
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/axiom-router/modelrouter/internal/config"
	"github.com/axiom-router/modelrouter/internal/router"
	"github.com/axiom-router/modelrouter/pkg/errs"
)

// Handler serves the admin endpoints of spec section 4.10/4.11 over the
// already-constructed Router.
type Handler struct {
	router *router.Router
	logger *slog.Logger
}

// NewHandler wraps r for admin HTTP access.
func NewHandler(r *router.Router, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{router: r, logger: logger}
}

// RegisterRoutes mounts every admin endpoint on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /templates", h.ListTemplates)
	mux.HandleFunc("POST /templates/reload", h.ReloadTemplates)
	mux.HandleFunc("GET /metrics/snapshot", h.MetricsSnapshot)
	mux.HandleFunc("GET /costs/summary", h.CostsSummary)
	mux.HandleFunc("POST /pricing", h.UpdatePricing)
	mux.HandleFunc("POST /queue/pause", h.PauseQueue)
	mux.HandleFunc("POST /queue/resume", h.ResumeQueue)
	mux.HandleFunc("POST /queue/clear", h.ClearQueue)
	mux.HandleFunc("GET /queue/metrics", h.QueueMetrics)
}

// ListTemplates handles GET /templates.
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"data": h.router.Templates().Names()})
}

// ReloadTemplates handles POST /templates/reload.
func (h *Handler) ReloadTemplates(w http.ResponseWriter, r *http.Request) {
	if err := h.router.Templates().Reload(); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"data": h.router.Templates().Names()})
}

// MetricsSnapshot handles GET /metrics/snapshot.
func (h *Handler) MetricsSnapshot(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"data": h.router.GetMetrics()})
}

// CostsSummary handles GET /costs/summary.
func (h *Handler) CostsSummary(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"data": h.router.Costs().GetSummary()})
}

// QueueMetrics handles GET /queue/metrics.
func (h *Handler) QueueMetrics(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"data": h.router.QueueMetrics()})
}

type pricingRequest struct {
	Provider string  `json:"provider"`
	Model    string  `json:"model"`
	Input    float64 `json:"input"`
	Output   float64 `json:"output"`
}

// UpdatePricing handles POST /pricing.
func (h *Handler) UpdatePricing(w http.ResponseWriter, r *http.Request) {
	var req pricingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errs.Wrap(errs.Validation, err, "invalid request body"))
		return
	}
	if req.Provider == "" || req.Model == "" {
		h.writeError(w, errs.New(errs.Validation, "provider and model are required"))
		return
	}
	h.router.UpdatePricing(req.Provider, req.Model, config.ModelRate{Input: req.Input, Output: req.Output})
	h.writeJSON(w, http.StatusOK, map[string]any{"data": "ok"})
}

// PauseQueue handles POST /queue/pause.
func (h *Handler) PauseQueue(w http.ResponseWriter, r *http.Request) {
	h.router.PauseQueue()
	h.writeJSON(w, http.StatusOK, map[string]any{"data": "paused"})
}

// ResumeQueue handles POST /queue/resume.
func (h *Handler) ResumeQueue(w http.ResponseWriter, r *http.Request) {
	h.router.ResumeQueue()
	h.writeJSON(w, http.StatusOK, map[string]any{"data": "resumed"})
}

// ClearQueue handles POST /queue/clear.
func (h *Handler) ClearQueue(w http.ResponseWriter, r *http.Request) {
	h.router.ClearQueue()
	h.writeJSON(w, http.StatusOK, map[string]any{"data": "cleared"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	if m, ok := body.(map[string]any); ok {
		_, failed := m["error"]
		m["success"] = !failed
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("admin response encode failed", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := err.Error()
	if re, ok := errs.As(err); ok {
		status = re.Kind.HTTPStatus()
		message = re.Message
	}
	h.writeJSON(w, status, map[string]any{"error": message})
}
