package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/bibin-skaria/layerfs/layers"
)

// ErrorCategory groups errors by the layer of the engine that produced them
type ErrorCategory string

const (
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryGraph      ErrorCategory = "graph"
	ErrorCategoryEngine     ErrorCategory = "engine"
	ErrorCategoryFilesystem ErrorCategory = "filesystem"
	ErrorCategoryResource   ErrorCategory = "resource"
	ErrorCategoryRegistry   ErrorCategory = "registry"
	ErrorCategoryCancelled  ErrorCategory = "cancelled"
	ErrorCategoryUnknown    ErrorCategory = "unknown"
)

// ErrorSeverity represents the severity level of an error
type ErrorSeverity string

const (
	ErrorSeverityLow      ErrorSeverity = "low"
	ErrorSeverityMedium   ErrorSeverity = "medium"
	ErrorSeverityHigh     ErrorSeverity = "high"
	ErrorSeverityCritical ErrorSeverity = "critical"
)

// Classification is the category, severity and retryability of an error
type Classification struct {
	Category  ErrorCategory `json:"category"`
	Severity  ErrorSeverity `json:"severity"`
	Retryable bool          `json:"retryable"`
}

type rule struct {
	target error
	class  Classification
}

var rules = []rule{
	{layers.ErrInvalidMediaType, Classification{ErrorCategoryValidation, ErrorSeverityHigh, false}},
	{layers.ErrInvalidDigestFormat, Classification{ErrorCategoryValidation, ErrorSeverityHigh, false}},
	{layers.ErrInvalidDigestLength, Classification{ErrorCategoryValidation, ErrorSeverityHigh, false}},
	{layers.ErrInvalidSize, Classification{ErrorCategoryValidation, ErrorSeverityHigh, false}},
	{layers.ErrInvalidAnnotations, Classification{ErrorCategoryValidation, ErrorSeverityHigh, false}},
	{layers.ErrInvalidPath, Classification{ErrorCategoryValidation, ErrorSeverityMedium, false}},
	{layers.ErrIntegrityCheckFailed, Classification{ErrorCategoryValidation, ErrorSeverityCritical, false}},
	{layers.ErrHashMismatch, Classification{ErrorCategoryValidation, ErrorSeverityCritical, false}},

	{layers.ErrCircularDependency, Classification{ErrorCategoryGraph, ErrorSeverityCritical, false}},
	{layers.ErrDependencyNotFound, Classification{ErrorCategoryGraph, ErrorSeverityHigh, false}},

	{layers.ErrLayerNotFound, Classification{ErrorCategoryEngine, ErrorSeverityMedium, false}},
	{layers.ErrAlreadyExists, Classification{ErrorCategoryEngine, ErrorSeverityLow, false}},
	{layers.ErrInvalidOverlay, Classification{ErrorCategoryEngine, ErrorSeverityMedium, false}},
	{layers.ErrLayerMounted, Classification{ErrorCategoryEngine, ErrorSeverityLow, true}},
	{layers.ErrInvalidLayerOrder, Classification{ErrorCategoryEngine, ErrorSeverityHigh, false}},

	{layers.ErrMountFailed, Classification{ErrorCategoryFilesystem, ErrorSeverityHigh, true}},
	{layers.ErrUnmountFailed, Classification{ErrorCategoryFilesystem, ErrorSeverityHigh, true}},
	{layers.ErrDatasetFailed, Classification{ErrorCategoryFilesystem, ErrorSeverityHigh, true}},
	{fs.ErrPermission, Classification{ErrorCategoryFilesystem, ErrorSeverityHigh, false}},
	{fs.ErrNotExist, Classification{ErrorCategoryFilesystem, ErrorSeverityMedium, false}},

	{layers.ErrPoolExhausted, Classification{ErrorCategoryResource, ErrorSeverityMedium, true}},

	{context.Canceled, Classification{ErrorCategoryCancelled, ErrorSeverityLow, false}},
	{context.DeadlineExceeded, Classification{ErrorCategoryCancelled, ErrorSeverityMedium, true}},
}

// Classify maps err onto the first matching sentinel of the layer taxonomy.
// Errors outside it are unknown, medium severity and retryable.
func Classify(err error) Classification {
	var engineErr *EngineError
	if stderrors.As(err, &engineErr) {
		return Classification{
			Category:  engineErr.Category,
			Severity:  engineErr.Severity,
			Retryable: engineErr.Retryable,
		}
	}

	for _, r := range rules {
		if stderrors.Is(err, r.target) {
			return r.class
		}
	}

	return Classification{
		Category:  ErrorCategoryUnknown,
		Severity:  ErrorSeverityMedium,
		Retryable: true,
	}
}

// EngineError is an error enriched with its classification and the layer it concerns
type EngineError struct {
	Category   ErrorCategory `json:"category"`
	Severity   ErrorSeverity `json:"severity"`
	Message    string        `json:"message"`
	Cause      error         `json:"-"`
	Operation  string        `json:"operation,omitempty"`
	Digest     string        `json:"digest,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
	Retryable  bool          `json:"retryable"`
	Suggestion string        `json:"suggestion,omitempty"`
}

// Error implements the error interface
func (e *EngineError) Error() string {
	if e.Operation != "" && e.Digest != "" {
		return fmt.Sprintf("[%s:%s] %s on layer %s: %s", e.Category, e.Severity, e.Operation, e.Digest, e.Message)
	} else if e.Operation != "" {
		return fmt.Sprintf("[%s:%s] %s operation: %s", e.Category, e.Severity, e.Operation, e.Message)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Severity, e.Message)
}

// Unwrap returns the underlying error
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns true if the error might succeed on retry
func (e *EngineError) IsRetryable() bool {
	return e.Retryable
}

// IsCritical returns true if the error is critical
func (e *EngineError) IsCritical() bool {
	return e.Severity == ErrorSeverityCritical
}

// GetUserFriendlyMessage returns the message followed by the suggestion, if any
func (e *EngineError) GetUserFriendlyMessage() string {
	msg := e.Message
	if e.Suggestion != "" {
		msg += "\n\nSuggestion: " + e.Suggestion
	}
	return msg
}

// ErrorBuilder helps construct EngineError instances
type ErrorBuilder struct {
	category  ErrorCategory
	message   string
	cause     error
	operation string
	digest    string
	retryable *bool
}

// NewErrorBuilder creates a new error builder
func NewErrorBuilder() *ErrorBuilder {
	return &ErrorBuilder{}
}

// Category sets the error category
func (b *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	b.category = category
	return b
}

// Messagef sets the error message with formatting
func (b *ErrorBuilder) Messagef(format string, args ...interface{}) *ErrorBuilder {
	b.message = fmt.Sprintf(format, args...)
	return b
}

// Cause sets the underlying cause
func (b *ErrorBuilder) Cause(err error) *ErrorBuilder {
	b.cause = err
	return b
}

// Operation sets the operation name
func (b *ErrorBuilder) Operation(operation string) *ErrorBuilder {
	b.operation = operation
	return b
}

// Digest sets the layer the error concerns
func (b *ErrorBuilder) Digest(digest string) *ErrorBuilder {
	b.digest = digest
	return b
}

// Retryable overrides the retryability derived from the cause
func (b *ErrorBuilder) Retryable(retryable bool) *ErrorBuilder {
	b.retryable = &retryable
	return b
}

// Build creates the EngineError. Fields left unset are derived from
// Classify(cause) and the suggestion from the category.
func (b *ErrorBuilder) Build() *EngineError {
	class := Classify(b.cause)

	if b.category == "" {
		b.category = class.Category
	}
	severity := class.Severity
	retryable := class.Retryable
	if b.retryable != nil {
		retryable = *b.retryable
	}
	if b.message == "" && b.cause != nil {
		b.message = b.cause.Error()
	}

	return &EngineError{
		Category:   b.category,
		Severity:   severity,
		Message:    b.message,
		Cause:      b.cause,
		Operation:  b.operation,
		Digest:     b.digest,
		Timestamp:  time.Now(),
		Retryable:  retryable,
		Suggestion: suggestionFor(b.category),
	}
}

func suggestionFor(category ErrorCategory) string {
	switch category {
	case ErrorCategoryValidation:
		return "Check the layer descriptor fields and the blob it points to"
	case ErrorCategoryGraph:
		return "Check the dependency lists of the layer set"
	case ErrorCategoryFilesystem:
		return "Check mount permissions and the engine root directory"
	case ErrorCategoryResource:
		return "Raise the configured pool or cache limits"
	case ErrorCategoryRegistry:
		return "Check registry connectivity and credentials"
	default:
		return ""
	}
}

// Wrap classifies err and attaches the operation and digest. An EngineError is returned as-is.
func Wrap(err error, operation, digest string) *EngineError {
	if err == nil {
		return nil
	}

	var engineErr *EngineError
	if stderrors.As(err, &engineErr) {
		return engineErr
	}

	return NewErrorBuilder().
		Cause(err).
		Operation(operation).
		Digest(digest).
		Build()
}

// ErrorCollector collects multiple errors during batch operations
type ErrorCollector struct {
	errors   []*EngineError
	warnings []string
}

// NewErrorCollector creates a new error collector
func NewErrorCollector() *ErrorCollector {
	return &ErrorCollector{}
}

// AddError adds an error to the collector
func (c *ErrorCollector) AddError(err *EngineError) {
	if err != nil {
		c.errors = append(c.errors, err)
	}
}

// AddWarning adds a warning to the collector
func (c *ErrorCollector) AddWarning(message string) {
	c.warnings = append(c.warnings, message)
}

// HasCriticalErrors returns true if there are any critical errors
func (c *ErrorCollector) HasCriticalErrors() bool {
	for _, err := range c.errors {
		if err.IsCritical() {
			return true
		}
	}
	return false
}

// GetWarnings returns all collected warnings
func (c *ErrorCollector) GetWarnings() []string {
	return c.warnings
}

// ToError aggregates the collected errors, or returns nil when there are none
func (c *ErrorCollector) ToError() error {
	var result *multierror.Error
	for _, err := range c.errors {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
