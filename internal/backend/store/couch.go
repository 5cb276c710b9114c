package store

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"

	apperrors "github.com/fieldcrm/fieldsync/internal/errors"
	"github.com/fieldcrm/fieldsync/internal/logging"
)

// Couch is a Store backed by a CouchDB database. Document revisions carry
// the optimistic concurrency check, so concurrent writers to one record
// see a 409 from CouchDB rather than losing an update.
type Couch struct {
	client *kivik.Client
	db     *kivik.DB
}

type recordDoc struct {
	ID      string `json:"_id"`
	Rev     string `json:"_rev,omitempty"`
	DocType string `json:"doc_type"`
	Record  Record `json:"record"`
}

type appliedDoc struct {
	ID      string  `json:"_id"`
	Rev     string  `json:"_rev,omitempty"`
	DocType string  `json:"doc_type"`
	Applied Applied `json:"applied"`
}

type referenceDoc struct {
	ID      string `json:"_id"`
	Rev     string `json:"_rev,omitempty"`
	DocType string `json:"doc_type"`
	Kind    string `json:"kind"`
	RefID   string `json:"ref_id"`
}

// NewCouch connects to the CouchDB server at url and opens dbName,
// creating it if needed.
func NewCouch(ctx context.Context, url, dbName string) (*Couch, error) {
	client, err := kivik.New("couch", url)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "connect to couchdb", err)
	}

	exists, err := client.DBExists(ctx, dbName)
	if err != nil {
		client.Close()
		return nil, apperrors.Storage("check couchdb database", err)
	}
	if !exists {
		if err := client.CreateDB(ctx, dbName); err != nil && kivik.HTTPStatus(err) != http.StatusPreconditionFailed {
			client.Close()
			return nil, apperrors.Storage("create couchdb database", err)
		}
		logging.Info("[Couch] Created database", map[string]interface{}{"db": dbName})
	}

	return &Couch{client: client, db: client.DB(dbName)}, nil
}

func recordID(id string) string        { return fmt.Sprintf("record:%s", id) }
func appliedID(key string) string      { return fmt.Sprintf("applied:%s", key) }
func referenceID(ref Reference) string { return fmt.Sprintf("ref:%s:%s", ref.Kind, ref.ID) }

func (c *Couch) getRecordDoc(ctx context.Context, id string) (*recordDoc, error) {
	var doc recordDoc
	if err := c.db.Get(ctx, recordID(id)).ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, apperrors.Newf(apperrors.ErrNotFound, "record %s not found", id)
		}
		return nil, apperrors.Storage("get record", err)
	}
	return &doc, nil
}

func (c *Couch) GetRecord(ctx context.Context, id string) (*Record, error) {
	doc, err := c.getRecordDoc(ctx, id)
	if err != nil {
		return nil, err
	}
	return &doc.Record, nil
}

func (c *Couch) PutRecord(ctx context.Context, rec *Record, expectedVersion int) error {
	doc := recordDoc{ID: recordID(rec.ID), DocType: "record", Record: *rec}

	if expectedVersion != 0 {
		existing, err := c.getRecordDoc(ctx, rec.ID)
		if err != nil {
			return err
		}
		if existing.Record.Version != expectedVersion {
			return apperrors.Newf(apperrors.ErrSyncConflict, "record %s is at version %d", rec.ID, existing.Record.Version)
		}
		doc.Rev = existing.Rev
	}

	if _, err := c.db.Put(ctx, doc.ID, doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusConflict {
			return apperrors.Wrap(apperrors.ErrSyncConflict, fmt.Sprintf("record %s changed concurrently", rec.ID), err)
		}
		return apperrors.Storage("put record", err)
	}
	return nil
}

func (c *Couch) DeleteRecord(ctx context.Context, id string) error {
	doc, err := c.getRecordDoc(ctx, id)
	if err != nil {
		return err
	}
	if _, err := c.db.Delete(ctx, doc.ID, doc.Rev); err != nil {
		return apperrors.Storage("delete record", err)
	}
	return nil
}

func (c *Couch) GetApplied(ctx context.Context, key string) (*Applied, error) {
	var doc appliedDoc
	if err := c.db.Get(ctx, appliedID(key)).ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, apperrors.Newf(apperrors.ErrNotFound, "key %s not applied", key)
		}
		return nil, apperrors.Storage("get applied key", err)
	}
	return &doc.Applied, nil
}

func (c *Couch) SaveApplied(ctx context.Context, a *Applied) error {
	doc := appliedDoc{ID: appliedID(a.Key), DocType: "applied", Applied: *a}
	if _, err := c.db.Put(ctx, doc.ID, doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusConflict {
			return apperrors.Newf(apperrors.ErrDuplicate, "key %s already applied", a.Key)
		}
		return apperrors.Storage("save applied key", err)
	}
	return nil
}

func (c *Couch) getReferenceDoc(ctx context.Context, ref Reference) (*referenceDoc, error) {
	var doc referenceDoc
	if err := c.db.Get(ctx, referenceID(ref)).ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, apperrors.Newf(apperrors.ErrNotFound, "reference %s/%s not found", ref.Kind, ref.ID)
		}
		return nil, apperrors.Storage("get reference", err)
	}
	return &doc, nil
}

func (c *Couch) ReferenceExists(ctx context.Context, ref Reference) (bool, error) {
	_, err := c.getReferenceDoc(ctx, ref)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (c *Couch) PutReference(ctx context.Context, ref Reference) error {
	doc := referenceDoc{ID: referenceID(ref), DocType: "reference", Kind: ref.Kind, RefID: ref.ID}
	if _, err := c.db.Put(ctx, doc.ID, doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusConflict {
			return nil
		}
		return apperrors.Storage("put reference", err)
	}
	return nil
}

func (c *Couch) DeleteReference(ctx context.Context, ref Reference) error {
	doc, err := c.getReferenceDoc(ctx, ref)
	if err != nil {
		return err
	}
	if _, err := c.db.Delete(ctx, doc.ID, doc.Rev); err != nil {
		return apperrors.Storage("delete reference", err)
	}
	return nil
}

func (c *Couch) Close() error {
	return c.client.Close()
}
