// Package status exposes queue state to the UI: snapshots, the manual
// actions a user can take on stuck entries, and a push channel that tells
// connected clients when anything changed.
package status

import (
	"context"
	"time"

	"github.com/fieldcrm/fieldsync/internal/logging"
	"github.com/fieldcrm/fieldsync/internal/models"
	"github.com/fieldcrm/fieldsync/internal/sync/conflict"
	"github.com/fieldcrm/fieldsync/internal/sync/worker"
)

// Store is the read side of the queue plus the actions the bridge forwards.
type Store interface {
	Counts(ctx context.Context) (models.QueueCounts, error)
	List(ctx context.Context, statuses ...models.Status) ([]*models.QueueEntry, error)
	Retry(ctx context.Context, id string) (*models.QueueEntry, error)
	Discard(ctx context.Context, id string) error
}

// Resolver executes conflict decisions.
type Resolver interface {
	Resolve(ctx context.Context, id string, d conflict.Decision) (*conflict.ResolveResult, error)
}

// Scheduler is the part of the worker the bridge reads from and pokes.
type Scheduler interface {
	LastReport() (worker.CycleReport, bool)
	IsOnline() bool
	SetOnline(online bool)
	Trigger(t worker.Trigger)
}

// Broadcaster pushes events to connected clients.
type Broadcaster interface {
	Broadcast(eventType string, data interface{})
}

// Snapshot is the queue as the UI sees it.
type Snapshot struct {
	Counts           models.QueueCounts   `json:"counts"`
	Conflicts        []*models.QueueEntry `json:"conflicts"`
	TerminalFailures []*models.QueueEntry `json:"terminal_failures"`
	LastCycle        *worker.CycleReport  `json:"last_cycle,omitempty"`
	Online           bool                 `json:"online"`
	GeneratedAt      time.Time            `json:"generated_at"`
}

// Bridge serves snapshots and manual actions.
type Bridge struct {
	store     Store
	resolver  Resolver
	scheduler Scheduler
	out       Broadcaster
	now       func() time.Time
}

// NewBridge creates a Bridge. scheduler and out may be nil, for example
// in one-shot CLI commands.
func NewBridge(store Store, resolver Resolver, scheduler Scheduler, out Broadcaster) *Bridge {
	return &Bridge{
		store:     store,
		resolver:  resolver,
		scheduler: scheduler,
		out:       out,
		now:       time.Now,
	}
}

// Snapshot reads the current queue state.
func (b *Bridge) Snapshot(ctx context.Context) (*Snapshot, error) {
	counts, err := b.store.Counts(ctx)
	if err != nil {
		return nil, err
	}
	conflicts, err := b.store.List(ctx, models.StatusConflict)
	if err != nil {
		return nil, err
	}
	failed, err := b.store.List(ctx, models.StatusFailed)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Counts:           counts,
		Conflicts:        nonNil(conflicts),
		TerminalFailures: make([]*models.QueueEntry, 0, counts.FailedTerminal),
		Online:           true,
		GeneratedAt:      b.now(),
	}
	for _, e := range failed {
		if e.IsTerminalFailure() {
			snap.TerminalFailures = append(snap.TerminalFailures, e)
		}
	}
	if b.scheduler != nil {
		snap.Online = b.scheduler.IsOnline()
		if report, ok := b.scheduler.LastReport(); ok {
			snap.LastCycle = &report
		}
	}
	return snap, nil
}

// Retry puts a terminal failure back in the queue and asks for a cycle.
func (b *Bridge) Retry(ctx context.Context, id string) (*models.QueueEntry, error) {
	entry, err := b.store.Retry(ctx, id)
	if err != nil {
		return nil, err
	}
	b.trigger(worker.TriggerManual)
	b.Refresh(ctx)
	return entry, nil
}

// Discard drops a conflict or terminal failure.
func (b *Bridge) Discard(ctx context.Context, id string) error {
	if err := b.store.Discard(ctx, id); err != nil {
		return err
	}
	b.Refresh(ctx)
	return nil
}

// Resolve applies a conflict decision. A decision that resubmits the entry
// asks for a cycle.
func (b *Bridge) Resolve(ctx context.Context, id string, d conflict.Decision) (*conflict.ResolveResult, error) {
	result, err := b.resolver.Resolve(ctx, id, d)
	if err != nil {
		return nil, err
	}
	if result.Resubmitted != nil {
		b.trigger(worker.TriggerManual)
	}
	b.Refresh(ctx)
	return result, nil
}

// RequestSync asks the worker for a cycle.
func (b *Bridge) RequestSync() {
	b.trigger(worker.TriggerManual)
}

// SetOnline forwards a connectivity change reported by the host.
func (b *Bridge) SetOnline(online bool) {
	if b.scheduler == nil {
		return
	}
	b.scheduler.SetOnline(online)
	if b.out != nil {
		b.out.Broadcast(EventConnectivityChange, map[string]interface{}{"online": online})
	}
}

// Foreground tells the worker the app came to the foreground.
func (b *Bridge) Foreground() {
	b.trigger(worker.TriggerForeground)
}

// Refresh pushes a fresh snapshot to connected clients.
func (b *Bridge) Refresh(ctx context.Context) {
	if b.out == nil {
		return
	}
	snap, err := b.Snapshot(ctx)
	if err != nil {
		logging.Warn("[Status] Failed to build snapshot", map[string]interface{}{"error": err.Error()})
		return
	}
	b.out.Broadcast(EventQueueSnapshot, snap)
}

// CycleCompleted is registered as a worker observer.
func (b *Bridge) CycleCompleted(report worker.CycleReport) {
	if b.out == nil {
		return
	}
	b.out.Broadcast(EventCycleCompleted, report)
	if report.Conflicted > 0 {
		b.out.Broadcast(EventConflictDetected, map[string]interface{}{
			"count":      report.Conflicted,
			"resolution": "manual_review",
		})
	}
	b.Refresh(context.Background())
}

// EntryCaptured is registered as a capture listener.
func (b *Bridge) EntryCaptured(entry *models.QueueEntry) {
	if b.out == nil {
		return
	}
	b.out.Broadcast(EventEntryCaptured, map[string]interface{}{
		"entry_id": entry.ID,
		"kind":     entry.Payload.Kind,
	})
	b.Refresh(context.Background())
}

// Greeting returns the snapshot event sent to newly connected clients.
func (b *Bridge) Greeting() (string, interface{}) {
	snap, err := b.Snapshot(context.Background())
	if err != nil {
		return EventQueueSnapshot, map[string]interface{}{"error": err.Error()}
	}
	return EventQueueSnapshot, snap
}

func (b *Bridge) trigger(t worker.Trigger) {
	if b.scheduler != nil {
		b.scheduler.Trigger(t)
	}
}

func nonNil(entries []*models.QueueEntry) []*models.QueueEntry {
	if entries == nil {
		return []*models.QueueEntry{}
	}
	return entries
}
