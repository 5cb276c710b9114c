// Package store persists the reference backend's records, reference
// targets and idempotency keys.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Record is a CRM interaction as the system of record holds it.
type Record struct {
	ID         string          `json:"id"`
	EntityType string          `json:"entity_type"`
	Version    int             `json:"version"`
	Kind       string          `json:"kind"`
	Body       json.RawMessage `json:"body"`
	References []Reference     `json:"references,omitempty"`
	UserID     string          `json:"user_id,omitempty"`
	// AppliedKey is the idempotency key that produced this version.
	AppliedKey string          `json:"applied_key,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Reference points at another record, such as an opportunity.
type Reference struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// Applied is the remembered result of an idempotency key.
type Applied struct {
	Key       string    `json:"key"`
	RecordID  string    `json:"record_id"`
	Version   int       `json:"version"`
	AppliedAt time.Time `json:"applied_at"`
}

// Store is the persistence the reference backend needs.
//
// GetRecord and GetApplied return an errors.ErrNotFound error when nothing
// is stored under the id. PutRecord with expectedVersion 0 creates the
// record; otherwise it replaces it only if the stored version still equals
// expectedVersion, and returns an errors.ErrSyncConflict error if not.
// SaveApplied returns an errors.ErrDuplicate error for a key already saved.
type Store interface {
	GetRecord(ctx context.Context, id string) (*Record, error)
	PutRecord(ctx context.Context, rec *Record, expectedVersion int) error
	DeleteRecord(ctx context.Context, id string) error

	GetApplied(ctx context.Context, key string) (*Applied, error)
	SaveApplied(ctx context.Context, a *Applied) error

	ReferenceExists(ctx context.Context, ref Reference) (bool, error)
	PutReference(ctx context.Context, ref Reference) error
	DeleteReference(ctx context.Context, ref Reference) error

	Close() error
}
