// Package capture turns form submissions into queue entries.
//
// Only the envelope is checked here: the interaction kind, id shapes, GPS
// ranges and that the body is JSON. Business fields inside the body are the
// system of record's concern.
package capture

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/fieldcrm/fieldsync/internal/errors"
	"github.com/fieldcrm/fieldsync/internal/logging"
	"github.com/fieldcrm/fieldsync/internal/models"
	"github.com/fieldcrm/fieldsync/internal/uuid"
)

// maxIDAttempts bounds regeneration when a fresh id collides.
const maxIDAttempts = 3

// Submission is the output of an interaction form.
type Submission struct {
	EntityType string                 `json:"entity_type,omitempty"`
	Kind       models.InteractionKind `json:"kind" validate:"required,interaction_kind"`
	// TargetID names the server record being edited.
	TargetID string `json:"target_id,omitempty" validate:"omitempty,uuid4"`
	// BaseVersion is the server version the edit was made against.
	BaseVersion string             `json:"base_version,omitempty" validate:"excluded_without=TargetID"`
	References  []models.Reference `json:"references,omitempty" validate:"omitempty,dive"`
	Body        json.RawMessage    `json:"body" validate:"required,json_body"`
}

// DeviceSnapshot is the sensor state at capture time.
type DeviceSnapshot struct {
	CapturedAt time.Time
	GPS        *models.GPS
	UserID     string `validate:"required"`
	DeviceID   string
}

// Store is where captured entries go.
type Store interface {
	Enqueue(ctx context.Context, entry *models.QueueEntry) error
	Replace(ctx context.Context, oldID string, entry *models.QueueEntry) error
}

// Listener is told about every successfully queued entry.
type Listener func(entry *models.QueueEntry)

// Adapter validates submissions and enqueues them.
type Adapter struct {
	store    Store
	validate *validator.Validate
	newID    uuid.Generator
	now      func() time.Time

	mu        sync.RWMutex
	listeners []Listener
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithIDGenerator overrides id generation.
func WithIDGenerator(gen uuid.Generator) Option {
	return func(a *Adapter) { a.newID = gen }
}

// WithClock overrides the time source used when the device gives no capture time.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// New creates an Adapter.
func New(store Store, opts ...Option) *Adapter {
	a := &Adapter{
		store:    store,
		validate: models.NewValidator(),
		newID:    uuid.New,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// OnCapture registers l to be called after each successful enqueue.
func (a *Adapter) OnCapture(l Listener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, l)
}

// Capture builds a queue entry from sub and dev and enqueues it. A store
// failure is returned as a STORAGE_ERROR; nothing else can fail after
// validation.
func (a *Adapter) Capture(ctx context.Context, sub Submission, dev DeviceSnapshot) (*models.QueueEntry, error) {
	if err := a.validate.Struct(sub); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid submission", err)
	}
	if err := a.validate.Struct(dev); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid device snapshot", err)
	}

	capturedAt := dev.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = a.now()
	}

	payload := models.Payload{
		Kind:       sub.Kind,
		TargetID:   sub.TargetID,
		References: sub.References,
		Body:       sub.Body,
		Device: models.DeviceMetadata{
			CapturedAt: capturedAt.UnixMilli(),
			GPS:        dev.GPS,
			UserID:     dev.UserID,
			DeviceID:   dev.DeviceID,
		},
	}

	return a.enqueue(ctx, a.store.Enqueue, sub.EntityType, payload, sub.BaseVersion, capturedAt.UnixMilli())
}

// Resubmit queues payload again under a new id, based on baseVersion, in
// place of the conflicted entry replaces. It is how a resolved conflict
// re-enters the queue; the new entry and the removal of the old one are
// stored together.
func (a *Adapter) Resubmit(ctx context.Context, replaces, entityType string, payload models.Payload, baseVersion string) (*models.QueueEntry, error) {
	if !payload.Kind.Valid() {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown interaction kind %q", payload.Kind)
	}
	if len(payload.Body) == 0 || !json.Valid(payload.Body) {
		return nil, apperrors.New(apperrors.ErrInvalid, "payload body must be JSON")
	}
	if err := a.validate.Struct(payload); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid payload", err)
	}
	put := func(ctx context.Context, entry *models.QueueEntry) error {
		return a.store.Replace(ctx, replaces, entry)
	}
	return a.enqueue(ctx, put, entityType, payload, baseVersion, a.now().UnixMilli())
}

func (a *Adapter) enqueue(ctx context.Context, put func(context.Context, *models.QueueEntry) error, entityType string, payload models.Payload, baseVersion string, createdAt int64) (*models.QueueEntry, error) {
	if entityType == "" {
		entityType = models.DefaultEntityType
	}

	var entry *models.QueueEntry
	var err error
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		entry = &models.QueueEntry{
			ID:            a.newID(),
			EntityType:    entityType,
			Payload:       payload,
			CreatedAt:     createdAt,
			ServerVersion: baseVersion,
		}
		err = put(ctx, entry)
		if !apperrors.Is(err, apperrors.ErrDuplicate) {
			break
		}
		logging.Warn("[Capture] Generated id already queued, regenerating", map[string]interface{}{
			"entry_id": entry.ID,
		})
	}
	if err != nil {
		logging.Error("[Capture] Failed to queue interaction", err, map[string]interface{}{
			"kind": string(payload.Kind),
		})
		return nil, err
	}

	logging.Info("[Capture] Interaction queued", map[string]interface{}{
		"entry_id": entry.ID,
		"kind":     string(payload.Kind),
		"update":   payload.TargetID != "",
	})

	a.mu.RLock()
	listeners := append([]Listener(nil), a.listeners...)
	a.mu.RUnlock()
	for _, l := range listeners {
		l(entry)
	}
	return entry, nil
}
