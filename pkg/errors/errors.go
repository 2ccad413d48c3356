package errors

import (
	"errors"
	"fmt"
)

// ErrorType represents different types of errors in the system
type ErrorType string

const (
	// ErrorTypeNotFound indicates a resource was not found
	ErrorTypeNotFound ErrorType = "NOT_FOUND"

	// ErrorTypeValidation indicates a validation error
	ErrorTypeValidation ErrorType = "VALIDATION"

	// ErrorTypeInternal indicates an internal server error
	ErrorTypeInternal ErrorType = "INTERNAL"

	// ErrorTypeExternal indicates an error from external service
	ErrorTypeExternal ErrorType = "EXTERNAL"

	// ErrorTypeRetrievalUnavailable indicates the vector store or the
	// embedding dependency is down; the pipeline degrades to the
	// low-similarity branch instead of failing the request
	ErrorTypeRetrievalUnavailable ErrorType = "RETRIEVAL_UNAVAILABLE"

	// ErrorTypeGenerationUnavailable indicates the completion endpoint is
	// unreachable or refused the request; fatal to the request
	ErrorTypeGenerationUnavailable ErrorType = "GENERATION_UNAVAILABLE"

	// ErrorTypeParse indicates the generated output could not be parsed into
	// the recommendation schema; fatal to the request
	ErrorTypeParse ErrorType = "PARSE"

	// ErrorTypeRuleEvaluation indicates a single rule condition failed to
	// evaluate; the rule is skipped and the pipeline continues
	ErrorTypeRuleEvaluation ErrorType = "RULE_EVALUATION"

	// ErrorTypeEvaluation indicates the answer scoring step failed; carried
	// as a diagnostic, never fails the request
	ErrorTypeEvaluation ErrorType = "EVALUATION"
)

// AppError represents an application error
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements the unwrap interface
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeNotFound,
		Message: message,
	}
}

// NewValidationError creates a new validation error
func NewValidationError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeValidation,
		Message: message,
	}
}

// NewInternalError creates a new internal error
func NewInternalError(message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeInternal,
		Message: message,
		Err:     err,
	}
}

// NewExternalError creates a new external service error
func NewExternalError(message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeExternal,
		Message: message,
		Err:     err,
	}
}

// NewRetrievalUnavailableError creates a new retrieval unavailability error
func NewRetrievalUnavailableError(message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeRetrievalUnavailable,
		Message: message,
		Err:     err,
	}
}

// NewGenerationUnavailableError creates a new generation unavailability error
func NewGenerationUnavailableError(message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeGenerationUnavailable,
		Message: message,
		Err:     err,
	}
}

// NewParseError creates a new parse error
func NewParseError(message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeParse,
		Message: message,
		Err:     err,
	}
}

// NewRuleEvaluationError creates a new rule evaluation error
func NewRuleEvaluationError(message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeRuleEvaluation,
		Message: message,
		Err:     err,
	}
}

// NewEvaluationError creates a new evaluation error
func NewEvaluationError(message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeEvaluation,
		Message: message,
		Err:     err,
	}
}

// IsType reports whether err carries an AppError of the given type anywhere
// in its chain.
func IsType(err error, t ErrorType) bool {
	for err != nil {
		var appErr *AppError
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Type == t {
			return true
		}
		err = appErr.Err
	}
	return false
}

// IsRetrievalUnavailable reports whether err marks the retrieval path down.
func IsRetrievalUnavailable(err error) bool {
	return IsType(err, ErrorTypeRetrievalUnavailable)
}

// IsGenerationUnavailable reports whether err marks the generation path down.
func IsGenerationUnavailable(err error) bool {
	return IsType(err, ErrorTypeGenerationUnavailable)
}

// IsParseError reports whether err is a generated-output parse failure.
func IsParseError(err error) bool {
	return IsType(err, ErrorTypeParse)
}
