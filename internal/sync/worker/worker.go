// Package worker runs sync cycles: it claims a batch from the queue,
// delivers each entry to the backend and records the outcome.
//
// At most one cycle runs at a time. Within a process a mutex serializes
// cycles; across processes sharing a queue file each cycle holds the
// queue's sync lease. Triggers that arrive while a cycle is running
// collapse into a single follow-up cycle.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	apperrors "github.com/fieldcrm/fieldsync/internal/errors"
	"github.com/fieldcrm/fieldsync/internal/logging"
	"github.com/fieldcrm/fieldsync/internal/models"
	"github.com/fieldcrm/fieldsync/internal/sync/queue"
	"github.com/fieldcrm/fieldsync/internal/sync/remote"
	"github.com/fieldcrm/fieldsync/internal/uuid"
)

// Trigger names what asked for a cycle.
type Trigger string

const (
	TriggerConnectivity Trigger = "connectivity"
	TriggerForeground   Trigger = "foreground"
	TriggerTimer        Trigger = "timer"
	TriggerCapture      Trigger = "capture"
	TriggerManual       Trigger = "manual"
)

// Store is the part of the queue the worker drives.
type Store interface {
	RecoverInterrupted(ctx context.Context) (int, error)
	DequeueBatch(ctx context.Context, maxSize int) ([]*models.QueueEntry, error)
	MarkSynced(ctx context.Context, id string, ack models.Ack) (*models.QueueEntry, error)
	MarkFailed(ctx context.Context, id string, reason string) (*models.QueueEntry, error)
	MarkRejected(ctx context.Context, id string, reason string) (*models.QueueEntry, error)
	Release(ctx context.Context, ids ...string) (int, error)
	PurgeSynced(ctx context.Context, olderThan time.Time) (int, error)

	AcquireLease(ctx context.Context, owner string, ttl time.Duration) (*queue.Lease, error)
	RenewLease(ctx context.Context, owner string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, owner string) error
}

// ConflictFlagger parks semantically rejected entries.
type ConflictFlagger interface {
	Flag(ctx context.Context, entry *models.QueueEntry, rejection *remote.ConflictError) (*models.QueueEntry, error)
}

// Config holds worker configuration.
type Config struct {
	BatchSize      int           // Entries claimed per cycle (default: 50)
	Interval       time.Duration // Timer trigger period; zero disables it (default: 1 minute)
	RequestTimeout time.Duration // Bound on one delivery (default: 30 seconds)
	// SyncedRetention is how long acknowledged entries are kept before
	// purge. Zero disables purging.
	SyncedRetention time.Duration
	// LeaseTTL bounds how long a crashed process blocks other processes
	// from syncing the same queue. The lease is renewed every third of it
	// while a cycle runs (default: 30 seconds).
	LeaseTTL time.Duration
}

// DefaultConfig returns the default worker configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:       50,
		Interval:        time.Minute,
		RequestTimeout:  remote.DefaultRequestTimeout,
		SyncedRetention: 24 * time.Hour,
		LeaseTTL:        30 * time.Second,
	}
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	Trigger    Trigger   `json:"trigger"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Skipped    bool      `json:"skipped,omitempty"`
	Dequeued   int       `json:"dequeued"`
	Synced     int       `json:"synced"`
	Failed     int       `json:"failed"`
	Terminal   int       `json:"terminal"`
	Conflicted int       `json:"conflicted"`
	Released   int       `json:"released"`
	Purged     int       `json:"purged"`
	Err        error     `json:"-"`
	Error      string    `json:"error,omitempty"`
}

// Observer receives every finished cycle report.
type Observer func(CycleReport)

// Worker orchestrates sync cycles.
type Worker struct {
	cfg       Config
	store     Store
	backend   remote.Backend
	conflicts ConflictFlagger
	now       func() time.Time
	owner     string

	cycleMu   sync.Mutex
	recovered bool

	requests chan Trigger

	mu        sync.RWMutex
	online    bool
	last      *CycleReport
	observers []Observer
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Option configures a Worker.
type Option func(*Worker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// WithOwner overrides the name the worker holds the sync lease under.
func WithOwner(owner string) Option {
	return func(w *Worker) { w.owner = owner }
}

// New creates a Worker. It starts online.
func New(cfg Config, store Store, backend remote.Backend, conflicts ConflictFlagger, opts ...Option) *Worker {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}

	w := &Worker{
		cfg:       cfg,
		store:     store,
		backend:   backend,
		conflicts: conflicts,
		now:       time.Now,
		owner:     defaultOwner(),
		requests:  make(chan Trigger, 1),
		online:    true,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// OnCycle registers o to receive cycle reports.
func (w *Worker) OnCycle(o Observer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.observers = append(w.observers, o)
}

// LastReport returns the most recent cycle report, if any.
func (w *Worker) LastReport() (CycleReport, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.last == nil {
		return CycleReport{}, false
	}
	return *w.last, true
}

// IsOnline reports the connectivity state.
func (w *Worker) IsOnline() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.online
}

// SetOnline records a connectivity change. Going from offline to online
// requests a cycle.
func (w *Worker) SetOnline(online bool) {
	w.mu.Lock()
	wasOnline := w.online
	w.online = online
	w.mu.Unlock()

	if wasOnline == online {
		return
	}
	logging.Info("[Worker] Online status changed", map[string]interface{}{
		"was_online": wasOnline,
		"is_online":  online,
	})
	if online {
		w.Trigger(TriggerConnectivity)
	}
}

// Trigger requests a cycle. It never blocks: if a request is already
// waiting, t is folded into it.
func (w *Worker) Trigger(t Trigger) {
	select {
	case w.requests <- t:
	default:
		logging.Debug("[Worker] Cycle already requested, coalescing", map[string]interface{}{"trigger": string(t)})
	}
}

// Recover resets entries left syncing by an interrupted process. It runs
// once per worker; later calls are no-ops.
//
// Errors: errors.ErrSyncBusy while another process holds the sync lease.
// Its syncing entries are in flight, not interrupted.
func (w *Worker) Recover(ctx context.Context) error {
	w.cycleMu.Lock()
	defer w.cycleMu.Unlock()

	lease, err := w.store.AcquireLease(ctx, w.owner, w.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	defer w.releaseLease(context.WithoutCancel(ctx))
	return w.recoverLocked(ctx, lease.TookOver)
}

// recoverLocked must run under the sync lease. takeover forces recovery
// because the previous holder died with entries claimed.
func (w *Worker) recoverLocked(ctx context.Context, takeover bool) error {
	if w.recovered && !takeover {
		return nil
	}
	n, err := w.store.RecoverInterrupted(ctx)
	if err != nil {
		return err
	}
	w.recovered = true
	if n > 0 {
		logging.Info("[Worker] Reset interrupted entries to pending", map[string]interface{}{"count": n})
	}
	return nil
}

// RunCycle runs one cycle now, waiting for a running cycle to finish first.
// Per-entry failures are recorded on the entries and counted in the report;
// the returned error is set only when the cycle itself could not complete.
//
// Cancelling ctx, going offline or losing the sync lease stops the cycle
// between entries. The request in flight is allowed to finish, and entries
// not yet attempted go back to pending.
//
// When another process holds the sync lease the cycle is skipped and an
// errors.ErrSyncBusy error is returned. Skipped cycles are not published.
func (w *Worker) RunCycle(ctx context.Context, trigger Trigger) (CycleReport, error) {
	w.cycleMu.Lock()
	defer w.cycleMu.Unlock()

	report := CycleReport{Trigger: trigger, StartedAt: w.now()}
	if !w.IsOnline() {
		report.Skipped = true
		report.FinishedAt = report.StartedAt
		logging.Debug("[Worker] Offline, skipping cycle", map[string]interface{}{"trigger": string(trigger)})
		return report, nil
	}

	lease, err := w.store.AcquireLease(ctx, w.owner, w.cfg.LeaseTTL)
	switch {
	case apperrors.Is(err, apperrors.ErrSyncBusy):
		report.Skipped = true
		report.FinishedAt = report.StartedAt
		logging.Info("[Worker] Another process is syncing, skipping cycle", map[string]interface{}{
			"trigger": string(trigger),
			"reason":  err.Error(),
		})
		return report, err
	case err != nil:
		report.Err = err
	default:
		w.leasedCycle(ctx, &report, lease)
	}

	report.FinishedAt = w.now()
	if report.Err != nil {
		report.Error = report.Err.Error()
		logging.ErrorWithCode("[Worker] Sync cycle aborted", string(apperrors.CodeOf(report.Err)), report.Err, report.fields())
	} else if report.Dequeued > 0 {
		logging.Info("[Worker] Sync cycle completed", report.fields())
	}
	w.publish(report)
	return report, report.Err
}

// leasedCycle runs a cycle under a held lease and gives the lease back.
func (w *Worker) leasedCycle(ctx context.Context, report *CycleReport, lease *queue.Lease) {
	cycleCtx, stopCycle := context.WithCancelCause(ctx)
	heartbeatDone := w.heartbeat(cycleCtx, stopCycle)

	w.cycle(cycleCtx, report, lease.TookOver)

	stopCycle(nil)
	<-heartbeatDone
	if cause := context.Cause(cycleCtx); report.Err == nil && apperrors.Is(cause, apperrors.ErrSyncBusy) {
		report.Err = cause
	}
	w.releaseLease(context.WithoutCancel(ctx))
}

func (w *Worker) cycle(ctx context.Context, report *CycleReport, takeover bool) {
	if err := w.recoverLocked(ctx, takeover); err != nil {
		report.Err = err
		return
	}

	batch, err := w.store.DequeueBatch(ctx, w.cfg.BatchSize)
	if err != nil {
		report.Err = err
		return
	}
	report.Dequeued = len(batch)

	// Outcomes are always written, even after ctx is cancelled, so that no
	// claimed entry is left syncing.
	storeCtx := context.WithoutCancel(ctx)

	for i, entry := range batch {
		if ctx.Err() != nil || !w.IsOnline() {
			report.Released += w.release(storeCtx, batch[i:])
			logging.Info("[Worker] Stopping cycle early", map[string]interface{}{
				"released": len(batch) - i,
				"online":   w.IsOnline(),
			})
			break
		}

		outcome := w.deliver(ctx, entry)
		if err := w.record(storeCtx, entry, outcome, report); err != nil {
			report.Err = err
			report.Released += w.release(storeCtx, batch[i:])
			return
		}
	}

	if w.cfg.SyncedRetention > 0 {
		purged, err := w.store.PurgeSynced(storeCtx, w.now().Add(-w.cfg.SyncedRetention))
		if err != nil {
			logging.Warn("[Worker] Purge of synced entries failed", map[string]interface{}{"error": err.Error()})
		}
		report.Purged = purged
	}
}

type outcome struct {
	ack      models.Ack
	err      error
	conflict *remote.ConflictError
}

func (w *Worker) deliver(ctx context.Context, entry *models.QueueEntry) outcome {
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.RequestTimeout)
	defer cancel()

	ack, err := w.backend.Submit(reqCtx, remote.Request{
		IdempotencyKey:  entry.ID,
		EntityType:      entry.EntityType,
		Payload:         entry.Payload,
		ExpectedVersion: entry.ServerVersion,
	})
	if err == nil {
		return outcome{ack: ack}
	}

	var conflict *remote.ConflictError
	if errors.As(err, &conflict) {
		return outcome{err: err, conflict: conflict}
	}
	if errors.Is(err, context.DeadlineExceeded) && !apperrors.Is(err, apperrors.ErrSyncTimeout) {
		err = apperrors.Wrap(apperrors.ErrSyncTimeout, "request timed out", err)
	}
	return outcome{err: err}
}

// record writes the outcome of one delivery.
func (w *Worker) record(ctx context.Context, entry *models.QueueEntry, o outcome, report *CycleReport) error {
	fields := map[string]interface{}{"entry_id": entry.ID}

	switch {
	case o.err == nil:
		if _, err := w.store.MarkSynced(ctx, entry.ID, o.ack); err != nil {
			return err
		}
		report.Synced++
		fields["server_id"] = o.ack.ServerID
		fields["replayed"] = o.ack.Replayed
		logging.Debug("[Worker] Entry synced", fields)

	case o.conflict != nil:
		if _, err := w.conflicts.Flag(ctx, entry, o.conflict); err != nil {
			return err
		}
		report.Conflicted++

	case apperrors.Is(o.err, apperrors.ErrValidation):
		if _, err := w.store.MarkRejected(ctx, entry.ID, o.err.Error()); err != nil {
			return err
		}
		report.Failed++
		report.Terminal++
		fields["error"] = o.err.Error()
		logging.Warn("[Worker] Entry rejected by backend", fields)

	default:
		updated, err := w.store.MarkFailed(ctx, entry.ID, o.err.Error())
		if err != nil {
			return err
		}
		report.Failed++
		if updated.Terminal {
			report.Terminal++
		}
	}
	return nil
}

func (w *Worker) release(ctx context.Context, entries []*models.QueueEntry) int {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	n, err := w.store.Release(ctx, ids...)
	if err != nil {
		// Anything left syncing is reset by recovery on the next start.
		logging.Error("[Worker] Failed to release unattempted entries", err, map[string]interface{}{"count": len(ids)})
		return 0
	}
	return n
}

// heartbeat renews the sync lease until ctx is done. If the lease is lost
// it stops the cycle with the renewal error as cause.
func (w *Worker) heartbeat(ctx context.Context, stop context.CancelCauseFunc) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(max(w.cfg.LeaseTTL/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := w.store.RenewLease(context.WithoutCancel(ctx), w.owner, w.cfg.LeaseTTL)
				if err == nil {
					continue
				}
				logging.Error("[Worker] Lost sync lease, stopping cycle", err, map[string]interface{}{"owner": w.owner})
				if apperrors.Is(err, apperrors.ErrSyncBusy) {
					stop(err)
					return
				}
			}
		}
	}()
	return done
}

func (w *Worker) releaseLease(ctx context.Context) {
	if err := w.store.ReleaseLease(ctx, w.owner); err != nil {
		// The lease expires on its own.
		logging.Warn("[Worker] Failed to release sync lease", map[string]interface{}{"error": err.Error()})
	}
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s/%d/%s", host, os.Getpid(), uuid.New()[:8])
}

func (w *Worker) publish(report CycleReport) {
	w.mu.Lock()
	w.last = &report
	observers := append([]Observer(nil), w.observers...)
	w.mu.Unlock()

	for _, o := range observers {
		o(report)
	}
}

func (r CycleReport) fields() map[string]interface{} {
	return map[string]interface{}{
		"trigger":     string(r.Trigger),
		"dequeued":    r.Dequeued,
		"synced":      r.Synced,
		"failed":      r.Failed,
		"terminal":    r.Terminal,
		"conflicted":  r.Conflicted,
		"released":    r.Released,
		"purged":      r.Purged,
		"duration_ms": r.FinishedAt.Sub(r.StartedAt).Milliseconds(),
	}
}

// Run recovers interrupted entries, then serves triggers and the timer until
// ctx is cancelled. A cycle already running when ctx is cancelled stops
// between entries, not at the end of its batch. If another process holds
// the sync lease at startup, recovery waits for the first cycle that gets it.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Recover(ctx); err != nil {
		if !apperrors.Is(err, apperrors.ErrSyncBusy) {
			return err
		}
		logging.Info("[Worker] Another process is syncing, deferring recovery", map[string]interface{}{"reason": err.Error()})
	}

	var tick <-chan time.Time
	if w.cfg.Interval > 0 {
		ticker := time.NewTicker(w.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	logging.Info("[Worker] Sync worker started", map[string]interface{}{
		"batch_size":  w.cfg.BatchSize,
		"interval_ms": w.cfg.Interval.Milliseconds(),
	})

	for {
		var trigger Trigger
		select {
		case <-ctx.Done():
			logging.Info("[Worker] Sync worker stopped", nil)
			return nil
		case trigger = <-w.requests:
		case <-tick:
			trigger = TriggerTimer
		}

		// Errors are already logged and published in the report.
		_, _ = w.RunCycle(ctx, trigger)
	}
}

// Start runs the worker in the background until Stop is called.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.Run(runCtx); err != nil {
			logging.Error("[Worker] Sync worker exited", err, nil)
		}
	}()
}

// Stop cancels a worker started with Start and waits for it to return.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
}
