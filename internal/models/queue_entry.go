// Package models defines the queue entry and its lifecycle for the capture and sync engine.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultEntityType is used when a submission names no entity type.
const DefaultEntityType = "interaction"

// Status is the lifecycle state of a queue entry.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSyncing  Status = "syncing"
	StatusSynced   Status = "synced"
	StatusFailed   Status = "failed"
	StatusConflict Status = "conflict"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusSynced, StatusFailed, StatusConflict:
		return true
	}
	return false
}

// QueueEntry is one captured interaction awaiting or having completed delivery.
type QueueEntry struct {
	ID         string  `db:"id" json:"id"`
	EntityType string  `db:"entity_type" json:"entity_type"`
	Payload    Payload `db:"payload" json:"payload"`
	Status     Status  `db:"status" json:"status"`
	// Terminal is only meaningful for StatusFailed.
	Terminal       bool            `db:"terminal" json:"terminal,omitempty"`
	CreatedAt      int64           `db:"created_at" json:"created_at"`
	LastAttemptAt  int64           `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	AttemptCount   int             `db:"attempt_count" json:"attempt_count"`
	NextAttemptAt  int64           `db:"next_attempt_at" json:"next_attempt_at,omitempty"`
	LastError      string          `db:"last_error" json:"last_error,omitempty"`
	ServerVersion  string          `db:"server_version" json:"server_version,omitempty"`
	ServerID       string          `db:"server_id" json:"server_id,omitempty"`
	SyncedAt       int64           `db:"synced_at" json:"synced_at,omitempty"`
	ConflictDetail *ConflictDetail `db:"conflict_detail" json:"conflict_detail,omitempty"`
}

// TableName returns the table name for QueueEntry.
func (QueueEntry) TableName() string {
	return "queue_entries"
}

// IsTerminalFailure reports whether the entry needs a manual retry.
func (e *QueueEntry) IsTerminalFailure() bool {
	return e.Status == StatusFailed && e.Terminal
}

// NeedsAttention reports whether the entry is parked until a human acts on it.
func (e *QueueEntry) NeedsAttention() bool {
	return e.Status == StatusConflict || e.IsTerminalFailure()
}

// CreatedAtTime returns CreatedAt as time.Time.
func (e *QueueEntry) CreatedAtTime() time.Time {
	return time.UnixMilli(e.CreatedAt)
}

// Ack is the server's acknowledgement of a delivered entry.
type Ack struct {
	ServerID string `json:"server_id"`
	Version  string `json:"version"`
	Replayed bool   `json:"replayed"`
}

// QueueCounts summarizes the queue by status.
type QueueCounts struct {
	Pending        int `json:"pending"`
	Syncing        int `json:"syncing"`
	Synced         int `json:"synced"`
	Failed         int `json:"failed"`
	FailedTerminal int `json:"failed_terminal"`
	Conflict       int `json:"conflict"`
}

// Total returns the number of entries in the queue.
func (c QueueCounts) Total() int {
	return c.Pending + c.Syncing + c.Synced + c.Failed + c.Conflict
}

// CanTransition reports whether an entry in from (with the given terminal
// flag when from is failed) may move to to.
//
//	pending  -> syncing
//	syncing  -> synced | conflict | failed | pending
//	failed   -> syncing   (retryable only)
//	failed   -> pending   (terminal only, manual retry)
func CanTransition(from Status, terminal bool, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusSyncing
	case StatusSyncing:
		switch to {
		case StatusSynced, StatusConflict, StatusFailed, StatusPending:
			return true
		}
	case StatusFailed:
		if terminal {
			return to == StatusPending
		}
		return to == StatusSyncing
	}
	return false
}

// jsonColumn marshals v for a TEXT column.
func jsonColumn(v interface{}) (driver.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// scanJSON decodes a TEXT or BLOB column into dst.
func scanJSON(value interface{}, dst interface{}) error {
	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("cannot scan %T into %T", value, dst)
	}
	return json.Unmarshal(data, dst)
}
