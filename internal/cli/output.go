package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	apperrors "github.com/fieldcrm/fieldsync/internal/errors"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The operation ran and failed (cycle aborted, entry not found)
	ExitCommandError = 2 // Bad flags or configuration
)

// ExitError carries the process exit code for an error.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates an ExitError.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error. Configuration and input
// errors map to ExitCommandError; anything else is ExitFailure.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	switch apperrors.CodeOf(err) {
	case apperrors.ErrConfig, apperrors.ErrInvalid:
		return ExitCommandError
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// CLIResponse is the JSON output envelope.
type CLIResponse struct {
	Status string      `json:"status"` // "ok" or "error"
	Data   interface{} `json:"data,omitempty"`
	Error  *CLIError   `json:"error,omitempty"`
}

// CLIError is the error part of a JSON response.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JSON reports whether output is JSON.
func (f *OutputFormatter) JSON() bool {
	return f.Format == "json"
}

// Success writes data as JSON, or calls text to write it for humans.
func (f *OutputFormatter) Success(data interface{}, text func(w io.Writer)) error {
	if f.JSON() {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	text(f.Writer)
	return nil
}

// Error writes err in the configured format.
func (f *OutputFormatter) Error(err error) {
	code := string(apperrors.CodeOf(err))
	if f.JSON() {
		_ = json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: err.Error()},
		})
		return
	}
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, err.Error())
}
