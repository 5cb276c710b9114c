package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// ConflictReason is the server's reason code for a semantic rejection.
type ConflictReason string

const (
	ReasonVersionMismatch   ConflictReason = "VERSION_MISMATCH"
	ReasonDanglingReference ConflictReason = "DANGLING_REFERENCE"
)

// Known reports whether r is one of the reason codes the engine classifies.
func (r ConflictReason) Known() bool {
	return r == ReasonVersionMismatch || r == ReasonDanglingReference
}

// ConflictDetail records what the server reported when it rejected an entry.
type ConflictDetail struct {
	Reason        ConflictReason  `json:"reason"`
	ServerVersion string          `json:"server_version,omitempty"`
	ServerState   json.RawMessage `json:"server_state,omitempty"`
	Message       string          `json:"message,omitempty"`
	DetectedAt    int64           `json:"detected_at"`
}

// DetectedAtTime returns DetectedAt as time.Time.
func (c *ConflictDetail) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}

// Value implements driver.Valuer for ConflictDetail.
func (c *ConflictDetail) Value() (driver.Value, error) {
	if c == nil {
		return nil, nil
	}
	return jsonColumn(c)
}

// Scan implements sql.Scanner for ConflictDetail.
func (c *ConflictDetail) Scan(value interface{}) error {
	if value == nil {
		*c = ConflictDetail{}
		return nil
	}
	return scanJSON(value, c)
}

// Resolution is a human decision on a conflicted entry.
type Resolution string

const (
	ResolveKeepMine   Resolution = "keep_mine"
	ResolveKeepTheirs Resolution = "keep_theirs"
	ResolveMerge      Resolution = "merge"
	ResolveDiscard    Resolution = "discard"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	switch r {
	case ResolveKeepMine, ResolveKeepTheirs, ResolveMerge, ResolveDiscard:
		return true
	}
	return false
}
