// Package agenterr defines the structured error values exchanged between
// pipeline stages and the orchestrator. Stage failures are returned as
// values of this type, never raised through orchestrator control flow.
package agenterr

import (
	"errors"
	"fmt"
)

// Category classifies where an error originated.
type Category string

const (
	CategoryNetwork    Category = "NETWORK"
	CategoryValidation Category = "VALIDATION"
	CategoryAIService  Category = "AI_SERVICE"
	CategoryDatabase   Category = "DATABASE"
	CategorySecurity   Category = "SECURITY"
	CategoryConfig     Category = "CONFIG"
	CategoryAgent      Category = "AGENT"
	CategoryUnknown    Category = "UNKNOWN"
)

// Severity grades how badly an error impacts the run.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// Error is the terminal error shape carried by a failed run.
type Error struct {
	Message     string   `json:"message"`
	Code        string   `json:"code"`
	Category    Category `json:"category"`
	Severity    Severity `json:"severity"`
	Stage       string   `json:"stage,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	cause       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Code, e.Severity, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New builds an Error with a default code derived from the category.
func New(category Category, severity Severity, stage, message string) *Error {
	return &Error{
		Message:  message,
		Code:     string(category) + "_ERROR",
		Category: category,
		Severity: severity,
		Stage:    stage,
	}
}

// Wrap attaches a cause to an Error built from category and stage.
func Wrap(category Category, severity Severity, stage string, err error) *Error {
	e := New(category, severity, stage, err.Error())
	e.cause = err
	return e
}

// WithCode overrides the derived machine code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithSuggestions attaches remediation hints surfaced to the user.
func (e *Error) WithSuggestions(suggestions ...string) *Error {
	e.Suggestions = append(e.Suggestions, suggestions...)
	return e
}

// As extracts an *Error from an error chain, or wraps an arbitrary error
// as an Unknown-category Error attributed to the given stage.
func As(err error, stage string) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		if ae.Stage == "" {
			ae.Stage = stage
		}
		return ae
	}
	return Wrap(CategoryUnknown, SeverityMedium, stage, err)
}
