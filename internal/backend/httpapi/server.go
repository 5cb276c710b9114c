// Package httpapi serves the reference backend over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/fieldcrm/fieldsync/internal/api/middleware"
	"github.com/fieldcrm/fieldsync/internal/api/response"
	"github.com/fieldcrm/fieldsync/internal/backend"
	"github.com/fieldcrm/fieldsync/internal/models"
	"github.com/fieldcrm/fieldsync/internal/sync/remote"
)

const maxBodyBytes = 1 << 20

// Config controls the router.
type Config struct {
	AllowedOrigins string
	AllowedMethods string
	AllowedHeaders string
	// Verifier authenticates /api/v1 requests. Nil leaves the API open.
	Verifier middleware.Verifier
}

// DefaultConfig allows any origin and leaves the API open.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: "*",
		AllowedMethods: "GET, POST, PUT, DELETE, OPTIONS",
		AllowedHeaders: "Content-Type, Authorization, Idempotency-Key, If-Match",
	}
}

// Handler serves the backend's routes.
type Handler struct {
	svc *backend.Service
}

// NewRouter builds the routes:
//
//	POST   /api/v1/interactions
//	GET    /api/v1/interactions/{id}
//	DELETE /api/v1/interactions/{id}
//	PUT    /api/v1/references/{kind}/{id}
//	DELETE /api/v1/references/{kind}/{id}
//	GET    /health
func NewRouter(svc *backend.Service, cfg Config) *mux.Router {
	h := &Handler{svc: svc}

	r := mux.NewRouter()
	r.Use(middleware.Recover())
	r.Use(middleware.Logger())
	r.Use(middleware.CORS(cfg.AllowedOrigins, cfg.AllowedMethods, cfg.AllowedHeaders))

	api := r.PathPrefix("/api/v1").Subrouter()
	if cfg.Verifier != nil {
		api.Use(middleware.Auth(cfg.Verifier))
	}
	api.HandleFunc("/interactions", h.Submit).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/interactions/{id}", h.GetInteraction).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/interactions/{id}", h.DeleteInteraction).Methods(http.MethodDelete, http.MethodOptions)
	api.HandleFunc("/references/{kind}/{id}", h.PutReference).Methods(http.MethodPut, http.MethodOptions)
	api.HandleFunc("/references/{kind}/{id}", h.DeleteReference).Methods(http.MethodDelete, http.MethodOptions)

	r.HandleFunc("/health", Health).Methods(http.MethodGet)
	return r
}

// Submit handles POST /api/v1/interactions.
//
// Success and conflict bodies are written without the response envelope
// so devices can decode them directly.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get(remote.HeaderIdempotencyKey))
	if key == "" {
		response.BadRequest(w, "Idempotency-Key header is required")
		return
	}

	var body remote.SubmitBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}

	ack, err := h.svc.Submit(r.Context(), remote.Request{
		IdempotencyKey:  key,
		EntityType:      body.EntityType,
		Payload:         body.Payload,
		ExpectedVersion: parseIfMatch(r.Header.Get(remote.HeaderIfMatch)),
	})
	if err != nil {
		var conflict *remote.ConflictError
		if errors.As(err, &conflict) {
			response.Raw(w, conflictStatus(conflict.Reason), remote.ConflictBody{
				ReasonCode:     string(conflict.Reason),
				CurrentVersion: conflict.CurrentVersion,
				CurrentState:   conflict.CurrentState,
				Message:        conflict.Message,
			})
			return
		}
		response.FromError(w, err)
		return
	}

	status := http.StatusCreated
	if ack.Replayed {
		status = http.StatusOK
	}
	response.Raw(w, status, remote.SubmitResponse{
		ServerID: ack.ServerID,
		Version:  ack.Version,
		Replayed: ack.Replayed,
	})
}

// GetInteraction handles GET /api/v1/interactions/{id}.
func (h *Handler) GetInteraction(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Record(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.Success(w, rec)
}

// DeleteInteraction handles DELETE /api/v1/interactions/{id}.
func (h *Handler) DeleteInteraction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.svc.DeleteRecord(r.Context(), id); err != nil {
		response.FromError(w, err)
		return
	}
	response.Success(w, map[string]interface{}{"deleted": id})
}

// PutReference handles PUT /api/v1/references/{kind}/{id}.
func (h *Handler) PutReference(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.svc.PutReference(r.Context(), vars["kind"], vars["id"]); err != nil {
		response.FromError(w, err)
		return
	}
	response.Success(w, models.Reference{Kind: vars["kind"], ID: vars["id"]})
}

// DeleteReference handles DELETE /api/v1/references/{kind}/{id}.
func (h *Handler) DeleteReference(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.svc.DeleteReference(r.Context(), vars["kind"], vars["id"]); err != nil {
		response.FromError(w, err)
		return
	}
	response.Success(w, map[string]interface{}{"deleted": vars["kind"] + "/" + vars["id"]})
}

// Health handles GET /health.
func Health(w http.ResponseWriter, r *http.Request) {
	response.Raw(w, http.StatusOK, map[string]string{"status": "healthy", "service": "fieldsync-backend"})
}

// conflictStatus keeps version races on 409 and reports missing
// references as 422.
func conflictStatus(reason models.ConflictReason) int {
	if reason == models.ReasonDanglingReference {
		return http.StatusUnprocessableEntity
	}
	return http.StatusConflict
}

// parseIfMatch accepts both bare and quoted entity tags.
func parseIfMatch(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "W/")
	return strings.Trim(v, `"`)
}
