package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/opsync/pkg/client"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The daemon answered but the outcome was a failure (a drain with failed applies)
	ExitCommandError = 2 // Command error (bad arguments, daemon unreachable, API error)
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
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

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// apiError converts a client error into an ExitError, keeping the server's
// message when there is one.
func apiError(action string, err error) error {
	var ae *client.APIError
	if errors.As(err, &ae) {
		return WrapExitError(ExitCommandError, fmt.Sprintf("%s: %d", action, ae.StatusCode), errors.New(ae.Message))
	}
	return WrapExitError(ExitCommandError, action, err)
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // diagnostics; keeps JSON on Writer parseable
}

// NewFormatter returns a formatter for root's --format flag, falling back to
// text when the flag is missing or invalid. main uses it to report errors.
func NewFormatter(root *cobra.Command) *OutputFormatter {
	format, err := root.PersistentFlags().GetString("format")
	if err != nil || !isValidFormat(format) {
		format = "text"
	}
	return &OutputFormatter{Format: format, Writer: root.OutOrStdout(), ErrWriter: root.ErrOrStderr()}
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    int    `json:"code"` // exit code
	Message string `json:"message"`
}

// Success outputs data. In text mode text renders it; a nil text prints data
// with fmt.Fprintln.
func (f *OutputFormatter) Success(data any, text func(w io.Writer)) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	if text == nil {
		fmt.Fprintln(f.Writer, data)
		return nil
	}
	text(f.Writer)
	return nil
}

// Error outputs err in the configured format.
func (f *OutputFormatter) Error(err error) {
	code := GetExitCode(err)
	if f.Format == "json" {
		_ = json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: err.Error()},
		})
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, "Error: %s\n", err)
}
