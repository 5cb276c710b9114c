package httpapi

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldcrm/fieldsync/internal/capture"
	"github.com/fieldcrm/fieldsync/internal/db"
	"github.com/fieldcrm/fieldsync/internal/models"
	"github.com/fieldcrm/fieldsync/internal/sync/backoff"
	"github.com/fieldcrm/fieldsync/internal/sync/conflict"
	"github.com/fieldcrm/fieldsync/internal/sync/queue"
	"github.com/fieldcrm/fieldsync/internal/sync/remote"
	"github.com/fieldcrm/fieldsync/internal/sync/worker"
)

// device is one field device syncing to the harness over HTTP.
type device struct {
	store    *queue.Store
	capture  *capture.Adapter
	resolver *conflict.Resolver
	worker   *worker.Worker
}

func newDevice(t *testing.T, h *harness, userID string) *device {
	t.Helper()
	database, err := db.Open(context.Background(), filepath.Join(t.TempDir(), userID+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	st := queue.New(database, backoff.New(backoff.Config{BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 5}, nil))
	adapter := capture.New(st)
	resolver := conflict.NewResolver(st, adapter)
	w := worker.New(worker.Config{BatchSize: 10, RequestTimeout: 5 * time.Second}, st, h.client(nil), resolver)
	return &device{store: st, capture: adapter, resolver: resolver, worker: w}
}

func (d *device) captureVisit(t *testing.T, user, target, base, notes string) *models.QueueEntry {
	t.Helper()
	entry, err := d.capture.Capture(context.Background(), capture.Submission{
		Kind:        models.KindSiteVisit,
		TargetID:    target,
		BaseVersion: base,
		Body:        json.RawMessage(`{"notes":"` + notes + `"}`),
	}, capture.DeviceSnapshot{CapturedAt: time.Now(), UserID: user})
	require.NoError(t, err)
	return entry
}

func (d *device) get(t *testing.T, id string) *models.QueueEntry {
	t.Helper()
	e, err := d.store.Get(context.Background(), id)
	require.NoError(t, err)
	return e
}

// TestSync_TwoDevicesConflictOverHTTP runs two devices against one backend:
// both edit the same record from version 1, the second is flagged, and its
// user resolves by merging onto the server's version.
func TestSync_TwoDevicesConflictOverHTTP(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	ack, err := h.client(nil).Submit(ctx, submission("seed", "", "", "original"))
	require.NoError(t, err)

	alice := newDevice(t, h, "alice")
	bob := newDevice(t, h, "bob")

	a := alice.captureVisit(t, "alice", ack.ServerID, "1", "alice edit")
	b := bob.captureVisit(t, "bob", ack.ServerID, "1", "bob edit")

	report, err := alice.worker.RunCycle(ctx, worker.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, models.StatusSynced, alice.get(t, a.ID).Status)
	assert.Equal(t, "2", alice.get(t, a.ID).ServerVersion)

	report, err = bob.worker.RunCycle(ctx, worker.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicted)

	flagged := bob.get(t, b.ID)
	require.Equal(t, models.StatusConflict, flagged.Status)
	require.NotNil(t, flagged.ConflictDetail)
	assert.Equal(t, models.ReasonVersionMismatch, flagged.ConflictDetail.Reason)
	assert.Equal(t, "2", flagged.ConflictDetail.ServerVersion)
	assert.JSONEq(t, `{"notes":"alice edit"}`, string(flagged.ConflictDetail.ServerState))

	result, err := bob.resolver.Resolve(ctx, b.ID, conflict.Decision{
		Resolution: models.ResolveMerge,
		Body:       json.RawMessage(`{"notes":"alice edit; bob edit"}`),
	})
	require.NoError(t, err)
	require.NotNil(t, result.Resubmitted)

	report, err = bob.worker.RunCycle(ctx, worker.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Synced)

	rec, err := h.svc.Record(ctx, ack.ServerID)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Version)
	assert.JSONEq(t, `{"notes":"alice edit; bob edit"}`, string(rec.Body))
}

// TestSync_DanglingReferenceFlagsEntry checks that a reference the backend
// does not know is surfaced as a conflict rather than retried.
func TestSync_DanglingReferenceFlagsEntry(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	dev := newDevice(t, h, "carol")

	entry, err := dev.capture.Capture(ctx, capture.Submission{
		Kind:       models.KindMeeting,
		References: []models.Reference{{Kind: "opportunity", ID: "opp-9"}},
		Body:       json.RawMessage(`{"notes":"pricing"}`),
	}, capture.DeviceSnapshot{CapturedAt: time.Now(), UserID: "carol"})
	require.NoError(t, err)

	report, err := dev.worker.RunCycle(ctx, worker.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicted)

	flagged := dev.get(t, entry.ID)
	assert.Equal(t, models.StatusConflict, flagged.Status)
	assert.Equal(t, models.ReasonDanglingReference, flagged.ConflictDetail.Reason)
}

// TestSync_BackendDownThenUp checks that an unreachable backend leaves the
// entry pending with backoff and a later cycle delivers it once.
func TestSync_BackendDownThenUp(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	database, err := db.Open(ctx, filepath.Join(t.TempDir(), "dave.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	now := time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	st := queue.New(database, backoff.New(backoff.Config{BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 5}, nil), queue.WithClock(clock))
	adapter := capture.New(st, capture.WithClock(clock))

	down := remote.NewHTTPClient("http://127.0.0.1:1", nil, nil)
	w := worker.New(worker.Config{BatchSize: 10, RequestTimeout: time.Second}, st, down, conflict.NewResolver(st, adapter), worker.WithClock(clock))

	entry, err := adapter.Capture(ctx, capture.Submission{
		Kind: models.KindNote,
		Body: json.RawMessage(`{"notes":"parking lot"}`),
	}, capture.DeviceSnapshot{CapturedAt: now, UserID: "dave"})
	require.NoError(t, err)

	report, err := w.RunCycle(ctx, worker.TriggerTimer)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	failed, err := st.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.False(t, failed.Terminal)
	assert.Equal(t, 1, failed.AttemptCount)

	now = now.Add(2 * time.Second)
	up := worker.New(worker.Config{BatchSize: 10, RequestTimeout: time.Second}, st, h.client(nil), conflict.NewResolver(st, adapter), worker.WithClock(clock))
	report, err = up.RunCycle(ctx, worker.TriggerConnectivity)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Synced)

	synced, err := st.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSynced, synced.Status)
	assert.Equal(t, "1", synced.ServerVersion)
}
