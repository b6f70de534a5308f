// Package errors provides the structured error system for storeroute with error codes, categories, and context.
package errors

import (
	"context"
	"encoding/json"
	stderr "errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for storeroute operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Configuration Errors
	ErrCodeInvalidConfig       ErrorCode = "INVALID_CONFIG"
	ErrCodeMissingConfig       ErrorCode = "MISSING_CONFIG"
	ErrCodeConfigLoad          ErrorCode = "CONFIG_LOAD"
	ErrCodeUnsupportedProvider ErrorCode = "CONFIG_UNSUPPORTED_PROVIDER"

	// Lookup Errors
	ErrCodeAccountNotFound ErrorCode = "ACCOUNT_NOT_FOUND"
	ErrCodeStoreNotFound   ErrorCode = "STORE_NOT_FOUND"
	ErrCodeSpaceNotFound   ErrorCode = "SPACE_NOT_FOUND"
	ErrCodeContentNotFound ErrorCode = "CONTENT_NOT_FOUND"
	ErrCodeTaskNotFound    ErrorCode = "TASK_NOT_FOUND"

	// Validation Errors
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"

	// Serialization Errors
	ErrCodeSerializationFailed ErrorCode = "SERIALIZATION_FAILED"

	// Storage Provider Errors
	ErrCodeProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
	ErrCodeProviderRejected    ErrorCode = "PROVIDER_REJECTED"

	// Queue Errors
	ErrCodeQueueTransient ErrorCode = "QUEUE_TRANSIENT"
	ErrCodeQueueClosed    ErrorCode = "QUEUE_CLOSED"

	// Repository Errors
	ErrCodeRepositoryFailure ErrorCode = "REPOSITORY_FAILURE"

	// Operation Errors
	ErrCodeOperationTimeout       ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeOperationCanceled      ErrorCode = "OPERATION_CANCELED"
	ErrCodeRetryExhausted         ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeInvalidStateTransition ErrorCode = "INVALID_STATE_TRANSITION"

	// Internal System Errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
	ErrCodeUnknownError  ErrorCode = "UNKNOWN_ERROR"
)

// ErrorCategory is the kind attached to every error that crosses a component boundary.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryNotFound      ErrorCategory = "not_found"
	CategoryValidation    ErrorCategory = "validation"
	CategorySerialization ErrorCategory = "serialization"
	CategoryProvider      ErrorCategory = "provider"
	CategoryQueue         ErrorCategory = "queue"
	CategoryRepository    ErrorCategory = "repository"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// Error represents a structured error with context and metadata.
type Error struct {
	// Core error information
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	// Contextual information
	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"` // Not serialized to avoid circular refs
	Timestamp time.Time         `json:"timestamp"`

	// Operational metadata
	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	// Error handling hints
	Retryable  bool `json:"retryable"`
	UserFacing bool `json:"user_facing"`
	HTTPStatus int  `json:"http_status,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on error code so sentinel values work with errors.Is.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed representation for logging. Fields are written
// in a fixed order.
func (e *Error) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%q", k, e.Context[k]))
		}
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("Error{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON document suitable for synchronous callers.
func (e *Error) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a new error with default values for its code.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		Context:    make(map[string]string),
		Retryable:  IsRetryableByDefault(code),
		UserFacing: IsUserFacingByDefault(code),
		HTTPStatus: GetDefaultHTTPStatus(code),
	}
}

// Newf creates a new error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap creates a new error that carries cause. The cause's message is
// appended so it survives serialization, where Cause itself is dropped.
func Wrap(cause error, code ErrorCode, message string) *Error {
	if cause == nil {
		return NewError(code, message)
	}
	return NewError(code, message+": "+cause.Error()).WithCause(cause)
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "INVALID_CONFIG") || strings.HasPrefix(codeStr, "MISSING_CONFIG") ||
		strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasSuffix(codeStr, "_NOT_FOUND"):
		return CategoryNotFound
	case strings.HasPrefix(codeStr, "VALIDATION_"):
		return CategoryValidation
	case strings.HasPrefix(codeStr, "SERIALIZATION_"):
		return CategorySerialization
	case strings.HasPrefix(codeStr, "PROVIDER_"):
		return CategoryProvider
	case strings.HasPrefix(codeStr, "QUEUE_"):
		return CategoryQueue
	case strings.HasPrefix(codeStr, "REPOSITORY_"):
		return CategoryRepository
	case strings.HasPrefix(codeStr, "OPERATION_") || strings.HasPrefix(codeStr, "RETRY_") ||
		strings.HasPrefix(codeStr, "INVALID_STATE"):
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeProviderUnavailable: true,
		ErrCodeQueueTransient:      true,
		ErrCodeRepositoryFailure:   true,
		ErrCodeOperationTimeout:    true,
		ErrCodeInternalError:       true,
	}
	return retryableCodes[code]
}

// IsUserFacingByDefault determines if an error message may be shown to callers as is.
func IsUserFacingByDefault(code ErrorCode) bool {
	userFacingCodes := map[ErrorCode]bool{
		ErrCodeInvalidConfig:          true,
		ErrCodeMissingConfig:          true,
		ErrCodeUnsupportedProvider:    true,
		ErrCodeAccountNotFound:        true,
		ErrCodeStoreNotFound:          true,
		ErrCodeSpaceNotFound:          true,
		ErrCodeContentNotFound:        true,
		ErrCodeValidationFailed:       true,
		ErrCodeOperationTimeout:       true,
		ErrCodeInvalidStateTransition: true,
	}
	return userFacingCodes[code]
}

// GetDefaultHTTPStatus returns the default HTTP status for an error code.
func GetDefaultHTTPStatus(code ErrorCode) int {
	statusMap := map[ErrorCode]int{
		ErrCodeInvalidConfig:          400, // Bad Request
		ErrCodeValidationFailed:       400,
		ErrCodeAccountNotFound:        404, // Not Found
		ErrCodeStoreNotFound:          404,
		ErrCodeSpaceNotFound:          404,
		ErrCodeContentNotFound:        404,
		ErrCodeInvalidStateTransition: 409, // Conflict
		ErrCodeProviderRejected:       422, // Unprocessable Entity
		ErrCodeInternalError:          500, // Internal Server Error
		ErrCodeUnsupportedProvider:    500,
		ErrCodeSerializationFailed:    500,
		ErrCodeProviderUnavailable:    503, // Service Unavailable
		ErrCodeQueueTransient:         503,
		ErrCodeRepositoryFailure:      503,
		ErrCodeQueueClosed:            503,
		ErrCodeOperationTimeout:       504, // Gateway Timeout
	}

	if status, ok := statusMap[code]; ok {
		return status
	}
	return 500
}

// WithContext adds contextual information to an error
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable overrides the default retryable flag.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if stderr.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of the first *Error in err's chain, or ErrCodeUnknownError.
func CodeOf(err error) ErrorCode {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ErrCodeUnknownError
}

// KindOf returns the category of err. Context errors are classified as
// operation errors; anything unrecognized is internal.
func KindOf(err error) ErrorCategory {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Category
	}
	if stderr.Is(err, context.DeadlineExceeded) || stderr.Is(err, context.Canceled) {
		return CategoryOperation
	}
	return CategoryInternal
}

// IsRetryable reports whether err is worth another attempt. Deadline
// expiry is retryable; caller cancellation is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := As(err); ok {
		return e.Retryable
	}
	if stderr.Is(err, context.Canceled) {
		return false
	}
	return stderr.Is(err, context.DeadlineExceeded)
}

// FromContext converts a context error into a classified error.
func FromContext(err error, operation string) *Error {
	if stderr.Is(err, context.Canceled) {
		return Wrap(err, ErrCodeOperationCanceled, operation+" canceled")
	}
	return Wrap(err, ErrCodeOperationTimeout, operation+" timed out")
}

// UserFacingMessage returns a message suitable for synchronous callers.
// Internal details are never included for non user-facing codes.
func (e *Error) UserFacingMessage() string {
	if !e.UserFacing {
		messages := map[ErrorCode]string{
			ErrCodeProviderUnavailable: "Storage provider temporarily unavailable",
			ErrCodeProviderRejected:    "Storage provider rejected the request",
			ErrCodeQueueTransient:      "Task queue temporarily unavailable",
			ErrCodeRepositoryFailure:   "Account repository temporarily unavailable",
			ErrCodeSerializationFailed: "Unable to encode request",
		}
		if msg, ok := messages[e.Code]; ok {
			return msg
		}
		return "An internal error occurred. Please contact support if this persists."
	}
	return e.Message
}

// Response is the structured error shape returned to synchronous callers.
type Response struct {
	Kind      ErrorCategory `json:"kind"`
	Code      ErrorCode     `json:"code"`
	Message   string        `json:"message"`
	Retryable bool          `json:"retryable"`
}

// ToResponse converts any error into a Response. It never exposes causes.
func ToResponse(err error) Response {
	e, ok := As(err)
	if !ok {
		e = Wrap(err, ErrCodeInternalError, "unexpected failure")
		e.Retryable = IsRetryable(err)
	}
	return Response{
		Kind:      e.Category,
		Code:      e.Code,
		Message:   e.UserFacingMessage(),
		Retryable: e.Retryable,
	}
}
