package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/fieldcrm/fieldsync/internal/errors"
	"github.com/fieldcrm/fieldsync/internal/uuid"
)

// stores returns every Store implementation available in this environment.
// CouchDB runs only when FIELDSYNC_TEST_COUCHDB_URL points at a server.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{"memory": NewMemory()}

	if url := os.Getenv("FIELDSYNC_TEST_COUCHDB_URL"); url != "" {
		name := fmt.Sprintf("fieldsync_test_%d", time.Now().UnixNano())
		couch, err := NewCouch(context.Background(), url, name)
		require.NoError(t, err)
		t.Cleanup(func() {
			couch.client.DestroyDB(context.Background(), name)
			couch.Close()
		})
		out["couchdb"] = couch
	}
	return out
}

func TestStore_Records(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := uuid.New()

			_, err := s.GetRecord(ctx, id)
			assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

			rec := &Record{ID: id, EntityType: "interaction", Version: 1, Kind: "call", Body: json.RawMessage(`{"a":1}`)}
			require.NoError(t, s.PutRecord(ctx, rec, 0))

			err = s.PutRecord(ctx, rec, 0)
			assert.True(t, apperrors.Is(err, apperrors.ErrSyncConflict), "create twice")

			updated := *rec
			updated.Version = 2
			updated.Body = json.RawMessage(`{"a":2}`)
			require.NoError(t, s.PutRecord(ctx, &updated, 1))

			stale := updated
			stale.Version = 3
			err = s.PutRecord(ctx, &stale, 1)
			assert.True(t, apperrors.Is(err, apperrors.ErrSyncConflict), "stale expected version")

			got, err := s.GetRecord(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, 2, got.Version)
			assert.JSONEq(t, `{"a":2}`, string(got.Body))

			require.NoError(t, s.DeleteRecord(ctx, id))
			err = s.PutRecord(ctx, &stale, 2)
			assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
		})
	}
}

func TestStore_Applied(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := uuid.New()

			_, err := s.GetApplied(ctx, key)
			assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

			a := &Applied{Key: key, RecordID: "r1", Version: 1, AppliedAt: time.Now().UTC().Truncate(time.Second)}
			require.NoError(t, s.SaveApplied(ctx, a))
			assert.True(t, apperrors.Is(s.SaveApplied(ctx, a), apperrors.ErrDuplicate))

			got, err := s.GetApplied(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, "r1", got.RecordID)
			assert.True(t, a.AppliedAt.Equal(got.AppliedAt))
		})
	}
}

func TestStore_References(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ref := Reference{Kind: "opportunity", ID: uuid.New()}

			ok, err := s.ReferenceExists(ctx, ref)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.PutReference(ctx, ref))
			require.NoError(t, s.PutReference(ctx, ref), "idempotent")
			ok, err = s.ReferenceExists(ctx, ref)
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, s.DeleteReference(ctx, ref))
			assert.True(t, apperrors.Is(s.DeleteReference(ctx, ref), apperrors.ErrNotFound))
		})
	}
}
