package models

import (
	"database/sql/driver"
	"encoding/json"
)

// InteractionKind tags the payload variant.
type InteractionKind string

const (
	KindCall      InteractionKind = "call"
	KindMeeting   InteractionKind = "meeting"
	KindSiteVisit InteractionKind = "site_visit"
	KindEmail     InteractionKind = "email"
	KindNote      InteractionKind = "note"
)

// Kinds lists every known interaction kind.
var Kinds = []InteractionKind{KindCall, KindMeeting, KindSiteVisit, KindEmail, KindNote}

// Valid reports whether k is a known interaction kind.
func (k InteractionKind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// GPS is an optional location fix taken at capture time.
type GPS struct {
	Lat       float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng       float64 `json:"lng" validate:"gte=-180,lte=180"`
	AccuracyM float64 `json:"accuracy_m" validate:"gte=0"`
}

// DeviceMetadata is the sensor snapshot attached to a capture.
type DeviceMetadata struct {
	CapturedAt int64  `json:"captured_at"`
	GPS        *GPS   `json:"gps,omitempty"`
	UserID     string `json:"user_id" validate:"required"`
	DeviceID   string `json:"device_id,omitempty"`
}

// Reference points at another CRM record the interaction is attached to,
// such as an opportunity or an account.
type Reference struct {
	Kind string `json:"kind" validate:"required"`
	ID   string `json:"id" validate:"required"`
}

// Payload is the tagged interaction variant. Body is never interpreted by
// the engine.
type Payload struct {
	Kind InteractionKind `json:"kind"`
	// TargetID is the server record being edited; empty for new interactions.
	TargetID   string          `json:"target_id,omitempty"`
	References []Reference     `json:"references,omitempty" validate:"omitempty,dive"`
	Body       json.RawMessage `json:"body"`
	Device     DeviceMetadata  `json:"device"`
}

// Value implements driver.Valuer for Payload.
func (p Payload) Value() (driver.Value, error) {
	return jsonColumn(p)
}

// Scan implements sql.Scanner for Payload.
func (p *Payload) Scan(value interface{}) error {
	if value == nil {
		*p = Payload{}
		return nil
	}
	return scanJSON(value, p)
}
