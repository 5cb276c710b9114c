package store

import (
	"context"
	"sync"

	apperrors "github.com/fieldcrm/fieldsync/internal/errors"
)

// Memory is an in-process Store.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
	applied map[string]Applied
	refs    map[Reference]bool
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]Record),
		applied: make(map[string]Applied),
		refs:    make(map[Reference]bool),
	}
}

func (m *Memory) GetRecord(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "record %s not found", id)
	}
	return &rec, nil
}

func (m *Memory) PutRecord(_ context.Context, rec *Record, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, exists := m.records[rec.ID]
	switch {
	case expectedVersion == 0 && exists:
		return apperrors.Newf(apperrors.ErrSyncConflict, "record %s already exists", rec.ID)
	case expectedVersion != 0 && !exists:
		return apperrors.Newf(apperrors.ErrNotFound, "record %s not found", rec.ID)
	case expectedVersion != 0 && current.Version != expectedVersion:
		return apperrors.Newf(apperrors.ErrSyncConflict, "record %s is at version %d", rec.ID, current.Version)
	}
	m.records[rec.ID] = *rec
	return nil
}

func (m *Memory) DeleteRecord(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return apperrors.Newf(apperrors.ErrNotFound, "record %s not found", id)
	}
	delete(m.records, id)
	return nil
}

func (m *Memory) GetApplied(_ context.Context, key string) (*Applied, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.applied[key]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "key %s not applied", key)
	}
	return &a, nil
}

func (m *Memory) SaveApplied(_ context.Context, a *Applied) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.applied[a.Key]; ok {
		return apperrors.Newf(apperrors.ErrDuplicate, "key %s already applied", a.Key)
	}
	m.applied[a.Key] = *a
	return nil
}

func (m *Memory) ReferenceExists(_ context.Context, ref Reference) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refs[ref], nil
}

func (m *Memory) PutReference(_ context.Context, ref Reference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[ref] = true
	return nil
}

func (m *Memory) DeleteReference(_ context.Context, ref Reference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.refs[ref] {
		return apperrors.Newf(apperrors.ErrNotFound, "reference %s/%s not found", ref.Kind, ref.ID)
	}
	delete(m.refs, ref)
	return nil
}

func (m *Memory) Close() error { return nil }
