// Package errors defines the coded error taxonomy shared by the export and
// import pipelines.
package errors

import (
	"errors"
	"fmt"
)

// Error codes for the application.
const (
	CodeUnknown             = "UNKNOWN_ERROR"
	CodePrecondition        = "PRECONDITION"
	CodeSpatialIndexMissing = "SPATIAL_INDEX_MISSING"
	CodeQueryError          = "QUERY_ERROR"
	CodeOutputPath          = "OUTPUT_PATH"
	CodePoolLaunch          = "POOL_LAUNCH"
	CodeWriterError         = "WRITER_ERROR"
	CodeDatabaseError       = "DATABASE_ERROR"
	CodeConfigError         = "CONFIG_ERROR"
	CodeInvalidInput        = "INVALID_INPUT"
	CodeParseError          = "PARSE_ERROR"
	CodeAborted             = "ABORTED"
	CodeUploadError         = "UPLOAD_ERROR"
	CodeDownloadError       = "DOWNLOAD_ERROR"
)

// AppError represents an application error with a code and message.
type AppError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is checks if the error matches the target.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates a new AppError.
func New(code string, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code string, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an AppError.
func Wrap(code string, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Common error instances.
var (
	ErrPrecondition        = New(CodePrecondition, "precondition failed")
	ErrSpatialIndexMissing = New(CodeSpatialIndexMissing, "spatial index is not active")
	ErrQueryError          = New(CodeQueryError, "query failed")
	ErrOutputPath          = New(CodeOutputPath, "invalid output path")
	ErrPoolLaunch          = New(CodePoolLaunch, "no workers started")
	ErrWriterError         = New(CodeWriterError, "writer error")
	ErrDatabaseError       = New(CodeDatabaseError, "database error")
	ErrConfigError         = New(CodeConfigError, "configuration error")
	ErrInvalidInput        = New(CodeInvalidInput, "invalid input")
	ErrParseError          = New(CodeParseError, "parse error")
	ErrAborted             = New(CodeAborted, "aborted by user")
	ErrUploadError         = New(CodeUploadError, "upload error")
	ErrDownloadError       = New(CodeDownloadError, "download error")
)

// IsSpatialIndexError reports whether err signals a missing spatial index.
// Callers use it to present a specific remediation hint.
func IsSpatialIndexError(err error) bool {
	return errors.Is(err, ErrSpatialIndexMissing)
}

// IsPreconditionError reports whether err is one of the fatal precondition
// failures raised before any worker starts.
func IsPreconditionError(err error) bool {
	return errors.Is(err, ErrPrecondition) ||
		errors.Is(err, ErrSpatialIndexMissing) ||
		errors.Is(err, ErrQueryError) ||
		errors.Is(err, ErrOutputPath)
}

// IsPoolLaunchError checks if the error is a pool launch failure.
func IsPoolLaunchError(err error) bool {
	return errors.Is(err, ErrPoolLaunch)
}

// IsDatabaseError checks if the error is a database error.
func IsDatabaseError(err error) bool {
	return errors.Is(err, ErrDatabaseError)
}

// IsAborted checks if the error marks a user cancellation.
func IsAborted(err error) bool {
	return errors.Is(err, ErrAborted)
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

// GetErrorMessage extracts the error message from an error.
func GetErrorMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// Hint returns a remediation hint for the given error, or an empty string.
func Hint(err error) string {
	switch GetErrorCode(err) {
	case CodeSpatialIndexMissing:
		return "activate the spatial index with 'citypipe setup --index' and rerun"
	case CodePoolLaunch:
		return "check database.max_conns; the connection pool may be exhausted"
	case CodeOutputPath:
		return "check that the output directory exists and is writable"
	default:
		return ""
	}
}
