package capture

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/fieldcrm/fieldsync/internal/api/response"
	apperrors "github.com/fieldcrm/fieldsync/internal/errors"
	"github.com/fieldcrm/fieldsync/internal/models"
)

// Request is the body of POST /capture.
type Request struct {
	Submission
	Device *DeviceRequest `json:"device,omitempty"`
}

// DeviceRequest is the device snapshot as the host app sends it.
// CapturedAt is Unix milliseconds; zero means now.
type DeviceRequest struct {
	CapturedAt int64       `json:"captured_at,omitempty"`
	GPS        *models.GPS `json:"gps,omitempty"`
	UserID     string      `json:"user_id,omitempty"`
	DeviceID   string      `json:"device_id,omitempty"`
}

// Handler serves POST /capture. Device fields missing from the request are
// taken from defaults.
func (a *Adapter) Handler(defaults DeviceSnapshot) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			response.FromError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid capture body", err))
			return
		}

		dev := defaults
		if d := req.Device; d != nil {
			if d.CapturedAt > 0 {
				dev.CapturedAt = time.UnixMilli(d.CapturedAt)
			}
			if d.GPS != nil {
				dev.GPS = d.GPS
			}
			if d.UserID != "" {
				dev.UserID = d.UserID
			}
			if d.DeviceID != "" {
				dev.DeviceID = d.DeviceID
			}
		}

		entry, err := a.Capture(r.Context(), req.Submission, dev)
		if err != nil {
			response.FromError(w, err)
			return
		}
		response.Created(w, entry)
	}
}
