package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/watthour/gridmarket/internal/actor"
	"github.com/watthour/gridmarket/internal/domain"
	"github.com/watthour/gridmarket/internal/export"
)

// MarketHandler serves the non-realtime admin surface for markets. Every
// route here sits behind the admin-credential middleware.
type MarketHandler struct {
	manager *actor.Manager
	export  *export.Service
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(manager *actor.Manager, exportSvc *export.Service, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		manager: manager,
		export:  exportSvc,
		logger:  logger.With(slog.String("component", "admin")),
	}
}

// Reset force-resets a market. Blocked while the game is running.
// POST /api/markets/{market}/reset
func (h *MarketHandler) Reset(w http.ResponseWriter, r *http.Request) {
	act, ok := h.getActor(w, r)
	if !ok {
		return
	}
	if err := act.ForceReset(r.Context()); err != nil {
		if domain.IsRule(err) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.internal(w, "reset", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// Destroy closes all connections with the destroyed code, wipes the
// market's storage, and removes it from the external directory.
// DELETE /api/markets/{market}
func (h *MarketHandler) Destroy(w http.ResponseWriter, r *http.Request) {
	market := r.PathValue("market")
	if err := h.manager.Destroy(r.Context(), market); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no such market")
			return
		}
		h.internal(w, "destroy", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed"})
}

// Inspect returns the read-only diagnostic summary.
// GET /api/markets/{market}
func (h *MarketHandler) Inspect(w http.ResponseWriter, r *http.Request) {
	act, ok := h.getActor(w, r)
	if !ok {
		return
	}
	diag, err := act.Inspect(r.Context())
	if err != nil {
		h.internal(w, "inspect", err)
		return
	}
	writeJSON(w, http.StatusOK, diag)
}

// SetVisibility changes whether the market is listed in the directory.
// PUT /api/markets/{market}/visibility
func (h *MarketHandler) SetVisibility(w http.ResponseWriter, r *http.Request) {
	act, ok := h.getActor(w, r)
	if !ok {
		return
	}
	var body struct {
		Visibility domain.Visibility `json:"visibility"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := act.SetVisibility(r.Context(), body.Visibility); err != nil {
		if domain.IsRule(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.internal(w, "visibility", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Export returns the role-filtered bulk data view. With ?archive=s3 the
// snapshot is also uploaded to the configured bucket and the object key
// returned alongside.
// GET /api/markets/{market}/export
func (h *MarketHandler) Export(w http.ResponseWriter, r *http.Request) {
	act, ok := h.getActor(w, r)
	if !ok {
		return
	}

	role := domain.RoleAdmin
	identity := ""
	if q := r.URL.Query().Get("identity"); q != "" {
		// Produce the view a specific participant would see.
		role = domain.RolePlayer
		identity = q
	}

	v, err := act.Export(r.Context(), role, identity)
	if err != nil {
		h.internal(w, "export", err)
		return
	}

	if r.URL.Query().Get("archive") == "s3" {
		if !h.export.Enabled() {
			writeError(w, http.StatusBadRequest, "no archive destination configured")
			return
		}
		key, err := h.export.Archive(r.Context(), act.Market(), v)
		if err != nil {
			h.internal(w, "archive", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"archived": key, "data": v})
		return
	}

	writeJSON(w, http.StatusOK, v)
}

func (h *MarketHandler) getActor(w http.ResponseWriter, r *http.Request) (*actor.Actor, bool) {
	act, err := h.manager.Get(r.PathValue("market"))
	if err != nil {
		writeError(w, http.StatusNotFound, "no such market")
		return nil, false
	}
	return act, true
}

func (h *MarketHandler) internal(w http.ResponseWriter, op string, err error) {
	h.logger.Error(op+" failed", slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, "internal server error")
}
