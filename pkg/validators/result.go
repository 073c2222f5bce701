// Package validators produces field level validation results for command
// payloads.
package validators

import (
	"fmt"
	"sort"
	"strings"
)

// ValidationCode represents the type of validation result
type ValidationCode string

const (
	ValidationCodeSuccess  ValidationCode = "success"
	ValidationCodeRequired ValidationCode = "required"
	ValidationCodeInvalid  ValidationCode = "invalid"
)

// ValidationOption customizes a ValidationResult
type ValidationOption func(*ValidationResult)

// ValidationResult is the outcome of validating one field.
type ValidationResult struct {
	IsValid         bool           `json:"is_valid"`
	FieldName       string         `json:"field_name"`
	Value           string         `json:"value"`
	Message         string         `json:"message"`
	SuggestedAction string         `json:"suggested_action"`
	ValidationCode  ValidationCode `json:"validation_code"`
}

// WithValue sets the value shown with the result
func WithValue(value string) ValidationOption {
	return func(vr *ValidationResult) {
		vr.Value = value
	}
}

// WithMaskedValue shows only the last four characters of value
func WithMaskedValue(value string) ValidationOption {
	return func(vr *ValidationResult) {
		vr.Value = MaskString(value)
	}
}

// WithMessage sets a custom validation message
func WithMessage(message string) ValidationOption {
	return func(vr *ValidationResult) {
		vr.Message = message
	}
}

// WithSuggestedAction sets a custom suggested action
func WithSuggestedAction(action string) ValidationOption {
	return func(vr *ValidationResult) {
		vr.SuggestedAction = action
	}
}

// NewValidationResult creates a ValidationResult
func NewValidationResult(isValid bool, fieldName string, code ValidationCode, options ...ValidationOption) *ValidationResult {
	vr := &ValidationResult{
		IsValid:        isValid,
		FieldName:      fieldName,
		ValidationCode: code,
	}
	for _, option := range options {
		option(vr)
	}
	return vr
}

func valid(fieldName string, options ...ValidationOption) *ValidationResult {
	return NewValidationResult(true, fieldName, ValidationCodeSuccess, options...)
}

// ValidationError lists the failed results of a validation.
type ValidationError struct {
	Results []*ValidationResult
}

func (e *ValidationError) Error() string {
	messages := make([]string, 0, len(e.Results))
	for _, r := range e.Results {
		messages = append(messages, fmt.Sprintf("%s: %s", r.FieldName, r.Message))
	}
	return "validation failed: " + strings.Join(messages, "; ")
}

// Fields returns the names of the invalid fields, sorted.
func (e *ValidationError) Fields() []string {
	fields := make([]string, 0, len(e.Results))
	seen := make(map[string]bool)
	for _, r := range e.Results {
		if !seen[r.FieldName] {
			seen[r.FieldName] = true
			fields = append(fields, r.FieldName)
		}
	}
	sort.Strings(fields)
	return fields
}

// Validation collects results for one payload.
type Validation struct {
	results []*ValidationResult
}

// New starts an empty validation.
func New() *Validation {
	return &Validation{}
}

// Add records results.
func (v *Validation) Add(results ...*ValidationResult) *Validation {
	v.results = append(v.results, results...)
	return v
}

// Err returns a *ValidationError listing the failed results, or nil.
func (v *Validation) Err() error {
	var failed []*ValidationResult
	for _, r := range v.results {
		if !r.IsValid {
			failed = append(failed, r)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return &ValidationError{Results: failed}
}

// ToUserFriendlyName converts snake_case field names to user-friendly names
// Examples: "first_name" -> "First name", "email_address" -> "Email address"
func ToUserFriendlyName(fieldName string) string {
	if fieldName == "" {
		return fieldName
	}
	parts := strings.Split(fieldName, "_")
	for i, part := range parts {
		if len(part) > 0 {
			parts[i] = strings.ToLower(part)
		}
	}
	name := strings.Join(parts, " ")
	return strings.ToUpper(name[:1]) + name[1:]
}

// MaskString hides all but the last four characters.
func MaskString(value string) string {
	if len(value) < 4 {
		return "************"
	}
	return strings.Repeat("*", len(value)-4) + value[len(value)-4:]
}
