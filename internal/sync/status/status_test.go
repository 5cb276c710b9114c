package status

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldcrm/fieldsync/internal/capture"
	"github.com/fieldcrm/fieldsync/internal/db"
	apperrors "github.com/fieldcrm/fieldsync/internal/errors"
	"github.com/fieldcrm/fieldsync/internal/models"
	"github.com/fieldcrm/fieldsync/internal/sync/backoff"
	"github.com/fieldcrm/fieldsync/internal/sync/conflict"
	"github.com/fieldcrm/fieldsync/internal/sync/queue"
	"github.com/fieldcrm/fieldsync/internal/sync/remote"
	"github.com/fieldcrm/fieldsync/internal/sync/worker"
)

type fakeScheduler struct {
	mu       sync.Mutex
	online   bool
	triggers []worker.Trigger
	report   *worker.CycleReport
}

func (s *fakeScheduler) LastReport() (worker.CycleReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.report == nil {
		return worker.CycleReport{}, false
	}
	return *s.report, true
}

func (s *fakeScheduler) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *fakeScheduler) SetOnline(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online = online
}

func (s *fakeScheduler) Trigger(t worker.Trigger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers = append(s.triggers, t)
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) Broadcast(eventType string, _ interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
}

type fixture struct {
	store     *queue.Store
	capture   *capture.Adapter
	resolver  *conflict.Resolver
	scheduler *fakeScheduler
	out       *recorder
	bridge    *Bridge
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	f := &fixture{
		store:     queue.New(database, backoff.New(backoff.Config{MaxAttempts: 1}, nil)),
		scheduler: &fakeScheduler{online: true},
		out:       &recorder{},
	}
	f.capture = capture.New(f.store)
	f.resolver = conflict.NewResolver(f.store, f.capture)
	f.bridge = NewBridge(f.store, f.resolver, f.scheduler, f.out)
	return f
}

func (f *fixture) captureNote(t *testing.T) *models.QueueEntry {
	t.Helper()
	e, err := f.capture.Capture(context.Background(), capture.Submission{
		Kind: models.KindCall,
		Body: json.RawMessage(`{"duration_s":300}`),
	}, capture.DeviceSnapshot{UserID: "rep-2"})
	require.NoError(t, err)
	return e
}

// seed leaves one pending entry, one terminal failure and one conflict.
func (f *fixture) seed(t *testing.T) (pending, failed, conflicted *models.QueueEntry) {
	t.Helper()
	ctx := context.Background()
	failed = f.captureNote(t)
	conflicted = f.captureNote(t)

	batch, err := f.store.DequeueBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	_, err = f.store.MarkFailed(ctx, failed.ID, "unreachable")
	require.NoError(t, err)
	_, err = f.resolver.Flag(ctx, batch[1], &remote.ConflictError{
		Reason:         models.ReasonVersionMismatch,
		CurrentVersion: "4",
	})
	require.NoError(t, err)

	pending = f.captureNote(t)
	return pending, failed, conflicted
}

// =====================================================
// Bridge Tests
// =====================================================

func TestSnapshot(t *testing.T) {
	f := newFixture(t)
	_, failed, conflicted := f.seed(t)
	f.scheduler.report = &worker.CycleReport{Trigger: worker.TriggerTimer, Synced: 3}

	snap, err := f.bridge.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, snap.Counts.Pending)
	assert.Equal(t, 1, snap.Counts.FailedTerminal)
	assert.Equal(t, 1, snap.Counts.Conflict)
	require.Len(t, snap.Conflicts, 1)
	assert.Equal(t, conflicted.ID, snap.Conflicts[0].ID)
	require.Len(t, snap.TerminalFailures, 1)
	assert.Equal(t, failed.ID, snap.TerminalFailures[0].ID)
	require.NotNil(t, snap.LastCycle)
	assert.Equal(t, 3, snap.LastCycle.Synced)
	assert.True(t, snap.Online)
}

func TestSnapshot_EmptyListsEncodeAsArrays(t *testing.T) {
	f := newFixture(t)
	snap, err := NewBridge(f.store, f.resolver, nil, nil).Snapshot(context.Background())
	require.NoError(t, err)

	data, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"conflicts":[]`)
	assert.Contains(t, string(data), `"terminal_failures":[]`)
	assert.NotContains(t, string(data), "last_cycle")
}

func TestBridge_Actions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pending, failed, conflicted := f.seed(t)

	retried, err := f.bridge.Retry(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, retried.Status)
	assert.Equal(t, []worker.Trigger{worker.TriggerManual}, f.scheduler.triggers)

	err = f.bridge.Discard(ctx, pending.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidTransition), "pending entries cannot be discarded")

	result, err := f.bridge.Resolve(ctx, conflicted.ID, conflict.Decision{Resolution: models.ResolveKeepMine})
	require.NoError(t, err)
	require.NotNil(t, result.Resubmitted)
	assert.Equal(t, "4", result.Resubmitted.ServerVersion)
	assert.Len(t, f.scheduler.triggers, 2)

	assert.Equal(t, []string{EventQueueSnapshot, EventQueueSnapshot}, f.out.events)
}

func TestBridge_CycleAndCaptureEvents(t *testing.T) {
	f := newFixture(t)
	f.capture.OnCapture(f.bridge.EntryCaptured)

	f.captureNote(t)
	f.bridge.CycleCompleted(worker.CycleReport{Conflicted: 1})
	f.bridge.SetOnline(false)
	f.bridge.Foreground()

	assert.Equal(t, []string{
		EventEntryCaptured, EventQueueSnapshot,
		EventCycleCompleted, EventConflictDetected, EventQueueSnapshot,
		EventConnectivityChange,
	}, f.out.events)
	assert.False(t, f.scheduler.IsOnline())
	assert.Equal(t, []worker.Trigger{worker.TriggerForeground}, f.scheduler.triggers)
}

// =====================================================
// HTTP Tests
// =====================================================

func newServer(t *testing.T, f *fixture, hub *Hub) *httptest.Server {
	t.Helper()
	r := mux.NewRouter()
	NewHandler(f.bridge, hub).Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestHTTP_Routes(t *testing.T) {
	f := newFixture(t)
	pending, failed, conflicted := f.seed(t)
	srv := newServer(t, f, nil)

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	var status struct {
		Success bool     `json:"success"`
		Data    Snapshot `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.True(t, status.Success)
	assert.Equal(t, 1, status.Data.Counts.Conflict)

	resp, _ = post(t, srv.URL+"/entries/"+failed.ID+"/retry", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := post(t, srv.URL+"/entries/"+pending.ID+"/discard", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, string(apperrors.ErrInvalidTransition), body["code"])

	resp, body = post(t, srv.URL+"/entries/"+conflicted.ID+"/resolve", `{"resolution":"merge"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)

	resp, _ = post(t, srv.URL+"/entries/"+conflicted.ID+"/resolve", `{"resolution":"merge","body":{"notes":"combined"}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = post(t, srv.URL+"/entries/missing/discard", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = post(t, srv.URL+"/connectivity", `{"online":false}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, f.scheduler.IsOnline())

	resp, _ = post(t, srv.URL+"/connectivity", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = post(t, srv.URL+"/sync", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

// =====================================================
// WebSocket Tests
// =====================================================

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestHub_GreetsAndBroadcasts(t *testing.T) {
	f := newFixture(t)
	hub := NewHub()
	f.bridge = NewBridge(f.store, f.resolver, f.scheduler, hub)
	srv := newServer(t, f, hub)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	greeting := readEnvelope(t, conn)
	assert.Equal(t, EventQueueSnapshot, greeting.Type)

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"events": []string{EventCycleCompleted},
	}))
	var ack map[string]interface{}
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribe_ack", ack["action"])

	// Only the subscribed event type gets through.
	f.bridge.CycleCompleted(worker.CycleReport{Trigger: worker.TriggerManual, Synced: 2})
	env := readEnvelope(t, conn)
	assert.Equal(t, EventCycleCompleted, env.Type)
	data, ok := env.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(2), data["synced"])

	hub.Close()
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestHub_CheckOrigin(t *testing.T) {
	hub := NewHub("https://crm.example.com")
	srv := httptest.NewServer(hub.Handler(nil))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://crm.example.com")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	conn.Close()
}
