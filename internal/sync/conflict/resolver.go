// Package conflict records semantic rejections for manual resolution and
// carries out the human decision afterwards.
//
// Conflicts are never resolved automatically: interaction bodies hold free
// text, and neither side can be overwritten safely without a person looking
// at both.
package conflict

import (
	"context"
	"encoding/json"
	"time"

	apperrors "github.com/fieldcrm/fieldsync/internal/errors"
	"github.com/fieldcrm/fieldsync/internal/logging"
	"github.com/fieldcrm/fieldsync/internal/models"
	"github.com/fieldcrm/fieldsync/internal/sync/remote"
)

// Store is the subset of the queue the resolver needs.
type Store interface {
	Get(ctx context.Context, id string) (*models.QueueEntry, error)
	MarkConflict(ctx context.Context, id string, detail models.ConflictDetail) (*models.QueueEntry, error)
	Discard(ctx context.Context, id string) error
}

// Resubmitter re-enters a corrected payload as a new entry in place of the
// conflicted one.
type Resubmitter interface {
	Resubmit(ctx context.Context, replaces, entityType string, payload models.Payload, baseVersion string) (*models.QueueEntry, error)
}

// Resolver handles conflict flagging and resolution.
type Resolver struct {
	store   Store
	capture Resubmitter
	now     func() time.Time
}

// NewResolver creates a Resolver.
func NewResolver(store Store, capture Resubmitter) *Resolver {
	return &Resolver{
		store:   store,
		capture: capture,
		now:     time.Now,
	}
}

// Evaluate builds the conflict record for a rejected entry. Unknown reason
// codes are kept as the server sent them.
func (r *Resolver) Evaluate(entry *models.QueueEntry, rejection *remote.ConflictError) models.ConflictDetail {
	detail := rejection.Detail()
	detail.DetectedAt = r.now().UnixMilli()
	if !detail.Reason.Known() {
		logging.Warn("[Conflict] Unrecognized conflict reason, flagging for review", map[string]interface{}{
			"entry_id": entry.ID,
			"reason":   string(detail.Reason),
		})
	}
	return detail
}

// Flag parks entry as a conflict.
func (r *Resolver) Flag(ctx context.Context, entry *models.QueueEntry, rejection *remote.ConflictError) (*models.QueueEntry, error) {
	detail := r.Evaluate(entry, rejection)
	updated, err := r.store.MarkConflict(ctx, entry.ID, detail)
	if err != nil {
		return nil, err
	}

	logging.Warn("[Conflict] Entry needs manual resolution", map[string]interface{}{
		"entry_id":       entry.ID,
		"reason":         string(detail.Reason),
		"local_version":  entry.ServerVersion,
		"server_version": detail.ServerVersion,
		"target_id":      entry.Payload.TargetID,
	})
	return updated, nil
}

// Decision is a human choice for one conflicted entry.
type Decision struct {
	Resolution models.Resolution `json:"resolution"`
	// Body replaces the payload body for a merge.
	Body json.RawMessage `json:"body,omitempty"`
	// References, when non-nil, replaces the payload references for a merge.
	References *[]models.Reference `json:"references,omitempty"`
}

// ResolveResult is the outcome of a resolution.
type ResolveResult struct {
	Original    *models.QueueEntry
	Resubmitted *models.QueueEntry
	Resolution  models.Resolution
}

// Resolve carries out d for the conflicted entry id.
//
//	keep_theirs, discard  drop the local entry
//	keep_mine             resubmit the local payload against the server's version
//	merge                 resubmit d.Body (and d.References) against the server's version
//
// Resubmission creates a new entry; the conflicted one is discarded after
// the new one is queued. keep_mine is refused for a dangling reference,
// since resending the same references fails the same way.
func (r *Resolver) Resolve(ctx context.Context, id string, d Decision) (*ResolveResult, error) {
	if !d.Resolution.Valid() {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown resolution %q", d.Resolution)
	}

	entry, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry.Status != models.StatusConflict || entry.ConflictDetail == nil {
		return nil, apperrors.Newf(apperrors.ErrInvalidTransition, "entry %s is %s, not in conflict", id, entry.Status)
	}
	detail := entry.ConflictDetail

	result := &ResolveResult{Original: entry, Resolution: d.Resolution}

	switch d.Resolution {
	case models.ResolveKeepTheirs, models.ResolveDiscard:
		if err := r.store.Discard(ctx, id); err != nil {
			return nil, err
		}

	case models.ResolveKeepMine:
		if detail.Reason == models.ReasonDanglingReference {
			return nil, apperrors.New(apperrors.ErrInvalid,
				"keep_mine cannot fix a dangling reference; merge with corrected references or discard")
		}
		resubmitted, err := r.resubmit(ctx, entry, entry.Payload)
		if err != nil {
			return nil, err
		}
		result.Resubmitted = resubmitted

	case models.ResolveMerge:
		if len(d.Body) == 0 || !json.Valid(d.Body) {
			return nil, apperrors.New(apperrors.ErrInvalid, "merge requires a JSON body")
		}
		payload := entry.Payload
		payload.Body = d.Body
		if d.References != nil {
			payload.References = *d.References
		}
		resubmitted, err := r.resubmit(ctx, entry, payload)
		if err != nil {
			return nil, err
		}
		result.Resubmitted = resubmitted
	}

	fields := map[string]interface{}{
		"entry_id":   id,
		"reason":     string(detail.Reason),
		"resolution": string(d.Resolution),
	}
	if result.Resubmitted != nil {
		fields["new_entry_id"] = result.Resubmitted.ID
	}
	logging.Info("[Conflict] Conflict resolved", fields)
	return result, nil
}

// resubmit replaces the conflicted entry with payload queued against the
// server's current version. When the server reported no current version
// the target record no longer exists, so the payload is sent as a new
// record instead.
func (r *Resolver) resubmit(ctx context.Context, entry *models.QueueEntry, payload models.Payload) (*models.QueueEntry, error) {
	baseVersion := entry.ConflictDetail.ServerVersion
	if baseVersion == "" {
		payload.TargetID = ""
	}

	return r.capture.Resubmit(ctx, entry.ID, entry.EntityType, payload, baseVersion)
}
