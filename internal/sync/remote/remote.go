// Package remote defines how queue entries are delivered to the system of record.
package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fieldcrm/fieldsync/internal/models"
)

// Request is one delivery attempt.
type Request struct {
	// IdempotencyKey is the entry id; the backend returns the original
	// result when it has already applied this key.
	IdempotencyKey string
	EntityType     string
	Payload        models.Payload
	// ExpectedVersion is the server version the edit was based on. Empty
	// means the entry creates a new record.
	ExpectedVersion string
}

// Backend submits entries to the system of record.
//
// Submit returns an Ack on success, a *ConflictError for semantic
// rejections, an errors.ErrValidation error for malformed submissions, and
// anything else for transient failures.
type Backend interface {
	Submit(ctx context.Context, req Request) (models.Ack, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, req Request) (models.Ack, error)

// Submit calls f.
func (f BackendFunc) Submit(ctx context.Context, req Request) (models.Ack, error) {
	return f(ctx, req)
}

// ConflictError is a semantic rejection that needs a human decision.
type ConflictError struct {
	Reason         models.ConflictReason
	CurrentVersion string
	CurrentState   json.RawMessage
	Message        string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("conflict %s: %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("conflict %s (server version %q)", e.Reason, e.CurrentVersion)
}

// Detail converts the rejection into the record stored on the entry.
func (e *ConflictError) Detail() models.ConflictDetail {
	return models.ConflictDetail{
		Reason:        e.Reason,
		ServerVersion: e.CurrentVersion,
		ServerState:   e.CurrentState,
		Message:       e.Message,
	}
}

// SubmitResponse is the success body of POST /api/v1/interactions.
type SubmitResponse struct {
	ServerID string `json:"server_id"`
	Version  string `json:"version"`
	Replayed bool   `json:"replayed"`
}

// SubmitBody is the request body of POST /api/v1/interactions.
type SubmitBody struct {
	EntityType string         `json:"entity_type"`
	Payload    models.Payload `json:"payload"`
}

// ConflictBody is the body of a 409 or 422 semantic rejection.
type ConflictBody struct {
	ReasonCode     string          `json:"reason_code"`
	CurrentVersion string          `json:"current_version,omitempty"`
	CurrentState   json.RawMessage `json:"current_state,omitempty"`
	Message        string          `json:"message,omitempty"`
}

// ErrorBody is the body of any other error response.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Header names used on the wire.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderIfMatch        = "If-Match"
)
