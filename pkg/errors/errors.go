// Package errors provides the structured error type used across durastore, with error codes, categories, and context.
package errors

import (
	"encoding/json"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for durastore operations.
type ErrorCode string

// Error code constants grouped by category.
const (
	// Configuration
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"

	// Resource management
	ErrCodeAllocationDenied ErrorCode = "ALLOCATION_DENIED"
	ErrCodeLimitExceeded    ErrorCode = "LIMIT_EXCEEDED"

	// Integrity
	ErrCodeIntegrityViolation ErrorCode = "INTEGRITY_VIOLATION"
	ErrCodeBackupIntegrity    ErrorCode = "BACKUP_INTEGRITY"

	// Validation
	ErrCodeSchemaValidation ErrorCode = "SCHEMA_VALIDATION"
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"

	// Conflicts
	ErrCodeConflictUnresolved ErrorCode = "CONFLICT_UNRESOLVED"
	ErrCodeConflictNotFound   ErrorCode = "CONFLICT_NOT_FOUND"

	// State management
	ErrCodeUpdateStateViolation ErrorCode = "UPDATE_STATE_VIOLATION"
	ErrCodeUpdateNotFound       ErrorCode = "UPDATE_NOT_FOUND"
	ErrCodeEntityNotFound       ErrorCode = "ENTITY_NOT_FOUND"
	ErrCodeEntityExists         ErrorCode = "ENTITY_EXISTS"
	ErrCodeBackupNotFound       ErrorCode = "BACKUP_NOT_FOUND"
	ErrCodeAlreadyStarted       ErrorCode = "ALREADY_STARTED"
	ErrCodeInvalidState         ErrorCode = "INVALID_STATE"

	// Storage medium
	ErrCodeStorageRead  ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite ErrorCode = "STORAGE_WRITE"

	// Remote sync
	ErrCodeNetworkError     ErrorCode = "NETWORK_ERROR"
	ErrCodeOperationTimeout ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeRemoteRejected   ErrorCode = "REMOTE_REJECTED"

	// Internal
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryResource      ErrorCategory = "resource"
	CategoryIntegrity     ErrorCategory = "integrity"
	CategoryValidation    ErrorCategory = "validation"
	CategoryConflict      ErrorCategory = "conflict"
	CategoryState         ErrorCategory = "state"
	CategoryStorage       ErrorCategory = "storage"
	CategoryConnection    ErrorCategory = "connection"
	CategoryInternal      ErrorCategory = "internal"
)

var categories = map[ErrorCode]ErrorCategory{
	ErrCodeInvalidConfig:        CategoryConfiguration,
	ErrCodeConfigLoad:           CategoryConfiguration,
	ErrCodeAllocationDenied:     CategoryResource,
	ErrCodeLimitExceeded:        CategoryResource,
	ErrCodeIntegrityViolation:   CategoryIntegrity,
	ErrCodeBackupIntegrity:      CategoryIntegrity,
	ErrCodeSchemaValidation:     CategoryValidation,
	ErrCodeValidationFailed:     CategoryValidation,
	ErrCodeConflictUnresolved:   CategoryConflict,
	ErrCodeConflictNotFound:     CategoryConflict,
	ErrCodeUpdateStateViolation: CategoryState,
	ErrCodeUpdateNotFound:       CategoryState,
	ErrCodeEntityNotFound:       CategoryState,
	ErrCodeEntityExists:         CategoryState,
	ErrCodeBackupNotFound:       CategoryState,
	ErrCodeAlreadyStarted:       CategoryState,
	ErrCodeInvalidState:         CategoryState,
	ErrCodeStorageRead:          CategoryStorage,
	ErrCodeStorageWrite:         CategoryStorage,
	ErrCodeNetworkError:         CategoryConnection,
	ErrCodeOperationTimeout:     CategoryConnection,
	ErrCodeRemoteRejected:       CategoryConnection,
}

// FieldError describes one schema violation on one field.
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (f FieldError) Error() string {
	return fmt.Sprintf("%s: %s", f.Field, f.Message)
}

// DurableError represents a structured error with context and metadata.
type DurableError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	// Fields is populated for schema validation failures
	Fields []FieldError `json:"fields,omitempty"`

	Retryable bool `json:"retryable"`

	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *DurableError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *DurableError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *DurableError) Is(target error) bool {
	if other, ok := target.(*DurableError); ok {
		return e.Code == other.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *DurableError) String() string {
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
	if len(e.Fields) > 0 {
		names := make([]string, 0, len(e.Fields))
		for _, f := range e.Fields {
			names = append(names, f.Field)
		}
		parts = append(parts, fmt.Sprintf("Fields=%s", strings.Join(names, ",")))
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("DurableError{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON string.
func (e *DurableError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a new error with default values for the code.
func NewError(code ErrorCode, message string) *DurableError {
	return &DurableError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Context:   make(map[string]string),
		Retryable: IsRetryableByDefault(code),
	}
}

// NewValidationError builds a SCHEMA_VALIDATION error carrying field-level failures.
func NewValidationError(entityType string, fields []FieldError) *DurableError {
	sorted := make([]FieldError, len(fields))
	copy(sorted, fields)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Field < sorted[j].Field })

	err := NewError(ErrCodeSchemaValidation,
		fmt.Sprintf("%d field(s) failed validation for type %q", len(sorted), entityType))
	err.Fields = sorted
	return err.WithContext("entity_type", entityType)
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	if c, ok := categories[code]; ok {
		return c
	}
	return CategoryInternal
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeNetworkError, ErrCodeOperationTimeout, ErrCodeStorageRead,
		ErrCodeStorageWrite, ErrCodeInternalError:
		return true
	}
	return false
}

// HasCode reports whether err is, or wraps, a DurableError with the given code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if de, ok := err.(*DurableError); ok && de.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// CaptureStack captures the current stack trace for debugging.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithContext adds contextual information to an error
func (e *DurableError) WithContext(key, value string) *DurableError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *DurableError) WithDetail(key string, value interface{}) *DurableError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *DurableError) WithComponent(component string) *DurableError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *DurableError) WithOperation(operation string) *DurableError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *DurableError) WithCause(cause error) *DurableError {
	e.Cause = cause
	return e
}

// WithRetryable overrides the default retry hint
func (e *DurableError) WithRetryable(retryable bool) *DurableError {
	e.Retryable = retryable
	return e
}

// WithStack captures the current stack trace
func (e *DurableError) WithStack() *DurableError {
	e.Stack = CaptureStack(2)
	return e
}
