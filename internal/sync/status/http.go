package status

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fieldcrm/fieldsync/internal/api/response"
	apperrors "github.com/fieldcrm/fieldsync/internal/errors"
	"github.com/fieldcrm/fieldsync/internal/sync/conflict"
)

// Handler serves the bridge over HTTP for the host UI.
type Handler struct {
	bridge *Bridge
	hub    *Hub
}

// NewHandler creates a Handler. hub may be nil to disable the WebSocket.
func NewHandler(bridge *Bridge, hub *Hub) *Handler {
	return &Handler{bridge: bridge, hub: hub}
}

// Register mounts the routes on r.
//
//	GET  /status
//	POST /sync
//	POST /connectivity        {"online": bool}
//	POST /foreground
//	POST /entries/{id}/retry
//	POST /entries/{id}/discard
//	POST /entries/{id}/resolve {"resolution": ..., "body": ..., "references": ...}
//	GET  /ws
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/status", h.GetStatus).Methods(http.MethodGet)
	r.HandleFunc("/sync", h.RequestSync).Methods(http.MethodPost)
	r.HandleFunc("/connectivity", h.SetConnectivity).Methods(http.MethodPost)
	r.HandleFunc("/foreground", h.Foreground).Methods(http.MethodPost)
	r.HandleFunc("/entries/{id}/retry", h.Retry).Methods(http.MethodPost)
	r.HandleFunc("/entries/{id}/discard", h.Discard).Methods(http.MethodPost)
	r.HandleFunc("/entries/{id}/resolve", h.Resolve).Methods(http.MethodPost)
	if h.hub != nil {
		r.HandleFunc("/ws", h.hub.Handler(h.bridge.Greeting))
	}
}

// GetStatus handles GET /status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := h.bridge.Snapshot(r.Context())
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.Success(w, snap)
}

// RequestSync handles POST /sync.
func (h *Handler) RequestSync(w http.ResponseWriter, r *http.Request) {
	h.bridge.RequestSync()
	response.JSON(w, http.StatusAccepted, map[string]interface{}{"requested": true})
}

// SetConnectivity handles POST /connectivity.
func (h *Handler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Online == nil {
		response.BadRequest(w, "body must be {\"online\": true|false}")
		return
	}
	h.bridge.SetOnline(*req.Online)
	response.Success(w, map[string]interface{}{"online": *req.Online})
}

// Foreground handles POST /foreground.
func (h *Handler) Foreground(w http.ResponseWriter, r *http.Request) {
	h.bridge.Foreground()
	response.JSON(w, http.StatusAccepted, map[string]interface{}{"requested": true})
}

// Retry handles POST /entries/{id}/retry.
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.bridge.Retry(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.Success(w, entry)
}

// Discard handles POST /entries/{id}/discard.
func (h *Handler) Discard(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.bridge.Discard(r.Context(), id); err != nil {
		response.FromError(w, err)
		return
	}
	response.Success(w, map[string]interface{}{"discarded": id})
}

// Resolve handles POST /entries/{id}/resolve.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	var d conflict.Decision
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		response.FromError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid decision body", err))
		return
	}
	result, err := h.bridge.Resolve(r.Context(), mux.Vars(r)["id"], d)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.Success(w, result)
}
