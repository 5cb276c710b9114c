// Package backend is a reference system of record for captured
// interactions. It applies each idempotency key at most once, enforces
// optimistic concurrency on edits and rejects references to records that
// do not exist.
package backend

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	apperrors "github.com/fieldcrm/fieldsync/internal/errors"
	"github.com/fieldcrm/fieldsync/internal/logging"
	"github.com/fieldcrm/fieldsync/internal/models"
	"github.com/fieldcrm/fieldsync/internal/backend/store"
	"github.com/fieldcrm/fieldsync/internal/sync/remote"
)

// recordNamespace seeds record ids derived from idempotency keys.
var recordNamespace = uuid.MustParse("6f1d2c9a-3b47-4e8d-a5c1-92e07b4d8f35")

// RecordIDFor returns the id a create submitted under key is stored as.
// The id is a pure function of the key, so a resend whose first attempt
// wrote the record but lost the key lands on the same id. It keeps the v4
// layout because devices validate target ids as v4.
func RecordIDFor(key string) string {
	return uuid.NewHash(sha1.New(), recordNamespace, []byte(key), 4).String()
}

// Service applies submissions to a store.
type Service struct {
	store    store.Store
	validate *validator.Validate
	recordID func(key string) string
	now      func() time.Time

	// mu serializes writes so the idempotency check and the record write
	// happen as one step.
	mu sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithRecordIDs overrides how a create's record id is derived from its
// idempotency key. The function must be deterministic.
func WithRecordIDs(fn func(key string) string) Option {
	return func(s *Service) { s.recordID = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service over st.
func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:    st,
		validate: models.NewValidator(),
		recordID: RecordIDFor,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit applies req. It implements remote.Backend, so a device can be
// wired to the service in-process.
//
// Errors: *remote.ConflictError for a stale version or a missing target or
// reference; errors.ErrValidation for a malformed request.
func (s *Service) Submit(ctx context.Context, req remote.Request) (models.Ack, error) {
	if err := s.check(req); err != nil {
		return models.Ack{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if applied, err := s.store.GetApplied(ctx, req.IdempotencyKey); err == nil {
		logging.Debug("[Backend] Replaying idempotency key", map[string]interface{}{"key": req.IdempotencyKey})
		return models.Ack{ServerID: applied.RecordID, Version: strconv.Itoa(applied.Version), Replayed: true}, nil
	} else if !apperrors.Is(err, apperrors.ErrNotFound) {
		return models.Ack{}, err
	}

	if ack, ok, err := s.recoverApplied(ctx, req); err != nil || ok {
		return ack, err
	}

	for _, ref := range req.Payload.References {
		ok, err := s.store.ReferenceExists(ctx, store.Reference{Kind: ref.Kind, ID: ref.ID})
		if err != nil {
			return models.Ack{}, err
		}
		if !ok {
			return models.Ack{}, s.dangling(ctx, req, "referenced "+ref.Kind+" "+ref.ID+" does not exist")
		}
	}

	now := s.now().UTC()
	rec := &store.Record{
		EntityType: req.EntityType,
		Kind:       string(req.Payload.Kind),
		Body:       req.Payload.Body,
		References: toStoreRefs(req.Payload.References),
		UserID:     req.Payload.Device.UserID,
		AppliedKey: req.IdempotencyKey,
		UpdatedAt:  now,
	}

	expected := 0
	if req.Payload.TargetID == "" {
		rec.ID = s.recordID(req.IdempotencyKey)
		rec.Version = 1
		rec.CreatedAt = now
	} else {
		current, err := s.store.GetRecord(ctx, req.Payload.TargetID)
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return models.Ack{}, &remote.ConflictError{
				Reason:  models.ReasonDanglingReference,
				Message: "target record " + req.Payload.TargetID + " does not exist",
			}
		}
		if err != nil {
			return models.Ack{}, err
		}
		if req.ExpectedVersion != strconv.Itoa(current.Version) {
			return models.Ack{}, versionMismatch(current, req.ExpectedVersion)
		}
		expected = current.Version
		rec.ID = current.ID
		rec.Version = current.Version + 1
		rec.CreatedAt = current.CreatedAt
	}

	if err := s.store.PutRecord(ctx, rec, expected); err != nil {
		if apperrors.Is(err, apperrors.ErrSyncConflict) {
			if current, getErr := s.store.GetRecord(ctx, rec.ID); getErr == nil {
				return models.Ack{}, versionMismatch(current, req.ExpectedVersion)
			}
		}
		return models.Ack{}, err
	}

	applied := &store.Applied{Key: req.IdempotencyKey, RecordID: rec.ID, Version: rec.Version, AppliedAt: now}
	if err := s.store.SaveApplied(ctx, applied); err != nil {
		logging.Error("[Backend] Record written but idempotency key not saved", err, map[string]interface{}{
			"key":       req.IdempotencyKey,
			"record_id": rec.ID,
		})
		return models.Ack{}, err
	}

	logging.Info("[Backend] Interaction applied", map[string]interface{}{
		"key":       req.IdempotencyKey,
		"record_id": rec.ID,
		"version":   rec.Version,
	})
	return models.Ack{ServerID: rec.ID, Version: strconv.Itoa(rec.Version)}, nil
}

// recoverApplied finds a write made under req's key whose key record was
// never saved, re-saves the key and answers with a replay.
func (s *Service) recoverApplied(ctx context.Context, req remote.Request) (models.Ack, bool, error) {
	create := req.Payload.TargetID == ""
	id := req.Payload.TargetID
	if create {
		id = s.recordID(req.IdempotencyKey)
	}
	rec, err := s.store.GetRecord(ctx, id)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return models.Ack{}, false, nil
	}
	if err != nil {
		return models.Ack{}, false, err
	}

	// A create's id belongs to its key even if later edits moved the record on.
	version := rec.Version
	switch {
	case create:
		version = 1
	case rec.AppliedKey != req.IdempotencyKey:
		return models.Ack{}, false, nil
	}

	applied := &store.Applied{Key: req.IdempotencyKey, RecordID: rec.ID, Version: version, AppliedAt: rec.UpdatedAt}
	if err := s.store.SaveApplied(ctx, applied); err != nil && !apperrors.Is(err, apperrors.ErrDuplicate) {
		logging.Warn("[Backend] Could not re-save recovered idempotency key", map[string]interface{}{
			"key":   req.IdempotencyKey,
			"error": err.Error(),
		})
	}
	logging.Info("[Backend] Recovered write for idempotency key", map[string]interface{}{
		"key":       req.IdempotencyKey,
		"record_id": rec.ID,
		"version":   version,
	})
	return models.Ack{ServerID: rec.ID, Version: strconv.Itoa(version), Replayed: true}, true, nil
}

func (s *Service) check(req remote.Request) error {
	if req.IdempotencyKey == "" {
		return apperrors.New(apperrors.ErrValidation, "idempotency key is required")
	}
	if req.EntityType != models.DefaultEntityType {
		return apperrors.Newf(apperrors.ErrValidation, "unsupported entity type %q", req.EntityType)
	}
	if !req.Payload.Kind.Valid() {
		return apperrors.Newf(apperrors.ErrValidation, "unknown interaction kind %q", req.Payload.Kind)
	}
	if len(req.Payload.Body) == 0 || !json.Valid(req.Payload.Body) {
		return apperrors.New(apperrors.ErrValidation, "body must be JSON")
	}
	if err := s.validate.Struct(req.Payload); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid payload", err)
	}
	return nil
}

// dangling builds a reference rejection, carrying the target's current
// version when the submission edits an existing record.
func (s *Service) dangling(ctx context.Context, req remote.Request, msg string) error {
	conflict := &remote.ConflictError{Reason: models.ReasonDanglingReference, Message: msg}
	if req.Payload.TargetID != "" {
		if current, err := s.store.GetRecord(ctx, req.Payload.TargetID); err == nil {
			conflict.CurrentVersion = strconv.Itoa(current.Version)
			conflict.CurrentState = current.Body
		}
	}
	return conflict
}

// Record returns a stored interaction.
func (s *Service) Record(ctx context.Context, id string) (*store.Record, error) {
	return s.store.GetRecord(ctx, id)
}

// DeleteRecord removes a stored interaction.
func (s *Service) DeleteRecord(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.DeleteRecord(ctx, id)
}

// PutReference registers a record interactions may point at.
func (s *Service) PutReference(ctx context.Context, kind, id string) error {
	if kind == "" || id == "" {
		return apperrors.New(apperrors.ErrInvalid, "reference kind and id are required")
	}
	return s.store.PutReference(ctx, store.Reference{Kind: kind, ID: id})
}

// DeleteReference removes a reference target.
func (s *Service) DeleteReference(ctx context.Context, kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.DeleteReference(ctx, store.Reference{Kind: kind, ID: id})
}

func versionMismatch(current *store.Record, expected string) *remote.ConflictError {
	return &remote.ConflictError{
		Reason:         models.ReasonVersionMismatch,
		CurrentVersion: strconv.Itoa(current.Version),
		CurrentState:   current.Body,
		Message:        "expected version " + quoteOrNone(expected) + ", record is at " + strconv.Itoa(current.Version),
	}
}

func quoteOrNone(v string) string {
	if v == "" {
		return "none"
	}
	return strconv.Quote(v)
}

func toStoreRefs(refs []models.Reference) []store.Reference {
	if len(refs) == 0 {
		return nil
	}
	out := make([]store.Reference, len(refs))
	for i, r := range refs {
		out[i] = store.Reference{Kind: r.Kind, ID: r.ID}
	}
	return out
}
