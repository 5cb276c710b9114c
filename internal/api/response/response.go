// Package response writes the JSON envelope shared by every HTTP endpoint.
package response

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/fieldcrm/fieldsync/internal/errors"
	"github.com/fieldcrm/fieldsync/internal/logging"
)

type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Raw writes v as the whole body, without the envelope.
func Raw(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("[HTTP] Failed to write response", map[string]interface{}{"error": err.Error()})
	}
}

func JSON(w http.ResponseWriter, statusCode int, data interface{}) {
	Raw(w, statusCode, Response{
		Success: statusCode < 400,
		Data:    data,
	})
}

func Success(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusOK, data)
}

func Created(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusCreated, data)
}

func Error(w http.ResponseWriter, statusCode int, err string) {
	Raw(w, statusCode, Response{
		Success: false,
		Error:   err,
	})
}

func BadRequest(w http.ResponseWriter, err string) {
	Error(w, http.StatusBadRequest, err)
}

func Unauthorized(w http.ResponseWriter, err string) {
	Error(w, http.StatusUnauthorized, err)
}

func NotFound(w http.ResponseWriter, err string) {
	Error(w, http.StatusNotFound, err)
}

func InternalError(w http.ResponseWriter, err string) {
	Error(w, http.StatusInternalServerError, err)
}

// StatusFor maps an error code to an HTTP status.
func StatusFor(err error) int {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrInvalid, apperrors.ErrValidation:
		return http.StatusBadRequest
	case apperrors.ErrUnauthorized:
		return http.StatusUnauthorized
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrDuplicate, apperrors.ErrInvalidTransition, apperrors.ErrSyncConflict:
		return http.StatusConflict
	case apperrors.ErrNetwork, apperrors.ErrSyncTimeout:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// FromError writes err with the status its code maps to. Internal errors
// are logged and their detail withheld from the client.
func FromError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	code := string(apperrors.CodeOf(err))
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.Error("[HTTP] Request failed", err)
		msg = "internal error"
	}
	Raw(w, status, Response{Success: false, Error: msg, Code: code})
}
