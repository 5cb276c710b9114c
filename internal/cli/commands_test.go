package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldcrm/fieldsync/internal/backend"
	"github.com/fieldcrm/fieldsync/internal/backend/auth"
	"github.com/fieldcrm/fieldsync/internal/backend/httpapi"
	"github.com/fieldcrm/fieldsync/internal/backend/store"
	"github.com/fieldcrm/fieldsync/internal/db"
	"github.com/fieldcrm/fieldsync/internal/logging"
	"github.com/fieldcrm/fieldsync/internal/models"
	"github.com/fieldcrm/fieldsync/internal/sync/backoff"
	"github.com/fieldcrm/fieldsync/internal/sync/queue"
	"github.com/fieldcrm/fieldsync/internal/sync/status"
)

const missingTarget = "9f1c2d3e-4b5a-4c6d-8e7f-0a1b2c3d4e5f"

// isolate points configuration at a fresh queue and clears settings that
// could leak in from the environment.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("FIELDSYNC_CONFIG", "")
	t.Setenv("FIELDSYNC_DB_PATH", filepath.Join(t.TempDir(), "queue.db"))
	t.Setenv("FIELDSYNC_USER_ID", "rep-1")
	t.Setenv("FIELDSYNC_DEVICE_ID", "tablet-1")
	t.Setenv("FIELDSYNC_BACKEND_URL", "")
	t.Setenv("FIELDSYNC_BACKEND_TOKEN", "")
	t.Setenv("FIELDSYNC_JWT_SECRET", "")
	t.Setenv("LOG_FILE", "")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	prev := logging.SetGlobal(logging.New(io.Discard, logging.LevelError))
	t.Cleanup(func() { logging.SetGlobal(prev) })

	var out, errOut bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// executeJSON runs args with --format json and decodes the data field into v.
func executeJSON(t *testing.T, v interface{}, args ...string) {
	t.Helper()
	out, err := execute(t, append(args, "--format", "json")...)
	require.NoError(t, err)

	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

func snapshot(t *testing.T) status.Snapshot {
	t.Helper()
	var snap status.Snapshot
	executeJSON(t, &snap, "status")
	return snap
}

// backendServer runs the reference backend and points configuration at it.
func backendServer(t *testing.T) {
	t.Helper()
	svc := backend.NewService(store.NewMemory())
	srv := httptest.NewServer(httpapi.NewRouter(svc, httpapi.DefaultConfig()))
	t.Cleanup(srv.Close)
	t.Setenv("FIELDSYNC_BACKEND_URL", srv.URL)
}

func TestCapture_ThenStatus(t *testing.T) {
	isolate(t)

	var entry models.QueueEntry
	executeJSON(t, &entry, "capture",
		"--kind", "site_visit",
		"--body", `{"notes":"roof inspected"}`,
		"--ref", "opportunity:opp-42",
		"--lat", "52.37", "--lng", "4.89", "--accuracy", "12")

	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, models.KindSiteVisit, entry.Payload.Kind)
	assert.Equal(t, "rep-1", entry.Payload.Device.UserID)
	assert.Equal(t, "tablet-1", entry.Payload.Device.DeviceID)
	require.NotNil(t, entry.Payload.Device.GPS)
	assert.Equal(t, 52.37, entry.Payload.Device.GPS.Lat)
	assert.Equal(t, []models.Reference{{Kind: "opportunity", ID: "opp-42"}}, entry.Payload.References)

	snap := snapshot(t)
	assert.Equal(t, 1, snap.Counts.Pending)
	assert.Empty(t, snap.Conflicts)
	assert.Empty(t, snap.TerminalFailures)
}

func TestCapture_TextOutput(t *testing.T) {
	isolate(t)

	out, err := execute(t, "capture", "--kind", "call", "--body", `{"notes":"left voicemail"}`)
	require.NoError(t, err)
	assert.Regexp(t, `^Queued [0-9a-f-]{36} \(call\)\n$`, out)
}

func TestCapture_DBFlagOverridesConfig(t *testing.T) {
	isolate(t)
	other := filepath.Join(t.TempDir(), "other.db")

	_, err := execute(t, "capture", "--db", other, "--kind", "note", "--body", `{}`)
	require.NoError(t, err)

	assert.Equal(t, 0, snapshot(t).Counts.Pending)
	var snap status.Snapshot
	executeJSON(t, &snap, "status", "--db", other)
	assert.Equal(t, 1, snap.Counts.Pending)
}

func TestCapture_Invalid(t *testing.T) {
	isolate(t)

	tests := []struct {
		name string
		args []string
	}{
		{name: "unknown kind", args: []string{"--kind", "fax", "--body", `{}`}},
		{name: "body not json", args: []string{"--kind", "note", "--body", `notes`}},
		{name: "bad reference", args: []string{"--kind", "note", "--body", `{}`, "--ref", "opportunity"}},
		{name: "base version without target", args: []string{"--kind", "note", "--body", `{}`, "--base-version", "3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, append([]string{"capture"}, tt.args...)...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}
	assert.Equal(t, 0, snapshot(t).Counts.Total())
}

func TestSync_DeliversToBackend(t *testing.T) {
	isolate(t)
	backendServer(t)

	_, err := execute(t, "capture", "--kind", "meeting", "--body", `{"notes":"quarterly review"}`)
	require.NoError(t, err)
	_, err = execute(t, "capture", "--kind", "call", "--body", `{"notes":"follow up"}`)
	require.NoError(t, err)

	out, err := execute(t, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "Cycle (manual): 2 dequeued, 2 synced, 0 failed (0 terminal), 0 conflicted")

	snap := snapshot(t)
	assert.Equal(t, 2, snap.Counts.Synced)
	assert.Equal(t, 0, snap.Counts.Pending)

	// A second cycle finds nothing to send.
	out, err = execute(t, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "0 dequeued")
}

func TestSync_RefusedWhileAnotherProcessSyncs(t *testing.T) {
	isolate(t)
	backendServer(t)

	_, err := execute(t, "capture", "--kind", "note", "--body", `{}`)
	require.NoError(t, err)

	// Stand in for a running "fieldsync run" holding the queue's sync lease.
	ctx := context.Background()
	database, err := db.Open(ctx, os.Getenv("FIELDSYNC_DB_PATH"))
	require.NoError(t, err)
	defer database.Close()
	running := queue.New(database, backoff.New(backoff.DefaultConfig(), nil))
	_, err = running.AcquireLease(ctx, "fieldsync-run", time.Minute)
	require.NoError(t, err)

	_, err = execute(t, "sync")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "fieldsync-run")
	assert.Equal(t, 1, snapshot(t).Counts.Pending, "nothing was claimed")

	require.NoError(t, running.ReleaseLease(ctx, "fieldsync-run"))
	out, err := execute(t, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "1 synced")
}

func TestSync_MissingBackendURL(t *testing.T) {
	isolate(t)

	_, err := execute(t, "sync")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "FIELDSYNC_BACKEND_URL")
}

func TestSync_TerminalFailureThenRetry(t *testing.T) {
	isolate(t)
	down := httptest.NewServer(http.NotFoundHandler())
	down.Close()
	t.Setenv("FIELDSYNC_BACKEND_URL", down.URL)
	t.Setenv("FIELDSYNC_MAX_ATTEMPTS", "1")
	t.Setenv("FIELDSYNC_REQUEST_TIMEOUT", "2s")

	var entry models.QueueEntry
	executeJSON(t, &entry, "capture", "--kind", "email", "--body", `{"subject":"pricing"}`)

	out, err := execute(t, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "1 dequeued, 0 synced, 1 failed (1 terminal)")

	snap := snapshot(t)
	require.Len(t, snap.TerminalFailures, 1)
	assert.Equal(t, entry.ID, snap.TerminalFailures[0].ID)
	assert.Equal(t, 1, snap.TerminalFailures[0].AttemptCount)

	out, err = execute(t, "retry", entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "Requeued "+entry.ID+"\n", out)

	snap = snapshot(t)
	assert.Equal(t, 1, snap.Counts.Pending)
	assert.Empty(t, snap.TerminalFailures)

	// With the backend back, the retried entry goes through.
	backendServer(t)
	out, err = execute(t, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "1 synced")
}

func TestRetry_UnknownEntry(t *testing.T) {
	isolate(t)

	_, err := execute(t, "retry", "no-such-entry")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestDiscard_RefusesPendingEntry(t *testing.T) {
	isolate(t)

	var entry models.QueueEntry
	executeJSON(t, &entry, "capture", "--kind", "note", "--body", `{}`)

	_, err := execute(t, "discard", entry.ID)
	require.Error(t, err)
	assert.Equal(t, 1, snapshot(t).Counts.Pending)
}

func TestResolve_DanglingTargetFlow(t *testing.T) {
	isolate(t)
	backendServer(t)

	var entry models.QueueEntry
	executeJSON(t, &entry, "capture",
		"--kind", "note",
		"--target", missingTarget,
		"--base-version", "2",
		"--body", `{"notes":"edit of a deleted record"}`)

	out, err := execute(t, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "1 conflicted")

	snap := snapshot(t)
	require.Len(t, snap.Conflicts, 1)
	conflicted := snap.Conflicts[0]
	assert.Equal(t, entry.ID, conflicted.ID)
	require.NotNil(t, conflicted.ConflictDetail)
	assert.Equal(t, models.ReasonDanglingReference, conflicted.ConflictDetail.Reason)

	// Resending the same payload cannot succeed.
	_, err = execute(t, "resolve", entry.ID, "--decision", "keep_mine")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, "resolve", entry.ID, "--decision", "sideways")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	out, err = execute(t, "resolve", entry.ID, "--decision", "merge", "--body", `{"notes":"recreated"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "Resolved "+entry.ID+" (merge), queued ")

	snap = snapshot(t)
	assert.Empty(t, snap.Conflicts)
	assert.Equal(t, 1, snap.Counts.Pending)

	out, err = execute(t, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "1 synced")
}

func TestResolve_DiscardDropsEntry(t *testing.T) {
	isolate(t)
	backendServer(t)

	var entry models.QueueEntry
	executeJSON(t, &entry, "capture", "--kind", "call", "--body", `{}`, "--ref", "account:acc-gone")

	_, err := execute(t, "sync")
	require.NoError(t, err)

	out, err := execute(t, "resolve", entry.ID, "--decision", "discard")
	require.NoError(t, err)
	assert.Equal(t, "Resolved "+entry.ID+" (discard)\n", out)
	assert.Equal(t, 0, snapshot(t).Counts.Total())
}

func TestPurge(t *testing.T) {
	isolate(t)
	backendServer(t)

	_, err := execute(t, "capture", "--kind", "note", "--body", `{}`)
	require.NoError(t, err)
	_, err = execute(t, "sync")
	require.NoError(t, err)

	// Default retention keeps a fresh acknowledgement.
	out, err := execute(t, "purge")
	require.NoError(t, err)
	assert.Equal(t, "Purged 0 synced entries\n", out)

	time.Sleep(5 * time.Millisecond)
	var result map[string]int
	executeJSON(t, &result, "purge", "--older-than", "0s")
	assert.Equal(t, 1, result["purged"])

	_, err = execute(t, "purge", "--older-than=-1h")
	require.Error(t, err)
}

func TestToken(t *testing.T) {
	isolate(t)

	_, err := execute(t, "token", "--subject", "rep-9")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	t.Setenv("FIELDSYNC_JWT_SECRET", "cli-test-secret")
	var result struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expires_at"`
	}
	executeJSON(t, &result, "token", "--subject", "rep-9", "--device", "phone-2")
	require.NotEmpty(t, result.Token)

	expires, err := time.Parse(time.RFC3339, result.ExpiresAt)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), expires, time.Minute)

	issuer, err := auth.NewIssuer("cli-test-secret", time.Minute)
	require.NoError(t, err)
	claims, err := issuer.Parse(result.Token)
	require.NoError(t, err)
	assert.Equal(t, "rep-9", claims.Subject)
	assert.Equal(t, "phone-2", claims.DeviceID)
}

func TestSync_MintsTokenFromSecret(t *testing.T) {
	isolate(t)
	t.Setenv("FIELDSYNC_JWT_SECRET", "shared-secret")

	issuer, err := auth.NewIssuer("shared-secret", time.Minute)
	require.NoError(t, err)
	cfg := httpapi.DefaultConfig()
	cfg.Verifier = issuer
	srv := httptest.NewServer(httpapi.NewRouter(backend.NewService(store.NewMemory()), cfg))
	t.Cleanup(srv.Close)
	t.Setenv("FIELDSYNC_BACKEND_URL", srv.URL)

	_, err = execute(t, "capture", "--kind", "note", "--body", `{}`)
	require.NoError(t, err)

	out, err := execute(t, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "1 synced")
}
