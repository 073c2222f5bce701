package validators

import (
	"fmt"
	"slices"
	"strings"

	"github.com/asaskevich/govalidator"
	"github.com/shopspring/decimal"
)

// Required fails for empty or whitespace-only values.
func Required(fieldName, value string) *ValidationResult {
	if strings.TrimSpace(value) == "" {
		name := ToUserFriendlyName(fieldName)
		return NewValidationResult(false, fieldName, ValidationCodeRequired,
			WithValue(value),
			WithMessage(fmt.Sprintf("%s is required.", name)),
			WithSuggestedAction(fmt.Sprintf("Please provide a valid %s.", strings.ToLower(name))),
		)
	}
	return valid(fieldName, WithValue(value))
}

// Email validates a required email address.
func Email(fieldName, value string) *ValidationResult {
	if r := Required(fieldName, value); !r.IsValid {
		return r
	}
	if !govalidator.IsEmail(value) {
		return NewValidationResult(false, fieldName, ValidationCodeInvalid,
			WithValue(value),
			WithMessage(fmt.Sprintf("Please enter a valid %s.", strings.ToLower(ToUserFriendlyName(fieldName)))),
			WithSuggestedAction("Please provide a valid email address, e.g., 'name@example.com'."),
		)
	}
	return valid(fieldName, WithValue(value))
}

// Phone validates an optional E.164 phone number.
func Phone(fieldName, value string) *ValidationResult {
	if value == "" {
		return valid(fieldName)
	}
	if !govalidator.IsE164(value) {
		return NewValidationResult(false, fieldName, ValidationCodeInvalid,
			WithMaskedValue(value),
			WithMessage(fmt.Sprintf("%s must be in international format.", ToUserFriendlyName(fieldName))),
			WithSuggestedAction("Please provide a number like '+3212345678'."),
		)
	}
	return valid(fieldName, WithMaskedValue(value))
}

// Length validates the number of characters of value.
func Length(fieldName, value string, minLength, maxLength int) *ValidationResult {
	name := ToUserFriendlyName(fieldName)
	n := len([]rune(value))
	switch {
	case n < minLength:
		return NewValidationResult(false, fieldName, ValidationCodeInvalid,
			WithValue(value),
			WithMessage(fmt.Sprintf("%s must be at least %d characters long.", name, minLength)),
		)
	case maxLength > 0 && n > maxLength:
		return NewValidationResult(false, fieldName, ValidationCodeInvalid,
			WithValue(value),
			WithMessage(fmt.Sprintf("%s must be no more than %d characters long.", name, maxLength)),
		)
	}
	return valid(fieldName, WithValue(value))
}

// Matches validates value against a regular expression.
func Matches(fieldName, value, pattern, patternName string) *ValidationResult {
	if r := Required(fieldName, value); !r.IsValid {
		return r
	}
	if !govalidator.Matches(value, pattern) {
		name := ToUserFriendlyName(fieldName)
		return NewValidationResult(false, fieldName, ValidationCodeInvalid,
			WithValue(value),
			WithMessage(fmt.Sprintf("Invalid %s format.", strings.ToLower(name))),
			WithSuggestedAction(fmt.Sprintf("Please provide a %s that matches the %s format.", strings.ToLower(name), patternName)),
		)
	}
	return valid(fieldName, WithValue(value))
}

// OneOf validates that value is one of allowed.
func OneOf(fieldName, value string, allowed ...string) *ValidationResult {
	if !slices.Contains(allowed, value) {
		return NewValidationResult(false, fieldName, ValidationCodeInvalid,
			WithValue(value),
			WithMessage(fmt.Sprintf("%s must be one of %s.", ToUserFriendlyName(fieldName), strings.Join(allowed, ", "))),
		)
	}
	return valid(fieldName, WithValue(value))
}

// Positive validates that amount is greater than zero.
func Positive(fieldName string, amount decimal.Decimal) *ValidationResult {
	if !amount.IsPositive() {
		return NewValidationResult(false, fieldName, ValidationCodeInvalid,
			WithValue(amount.String()),
			WithMessage(fmt.Sprintf("%s must be greater than zero.", ToUserFriendlyName(fieldName))),
		)
	}
	return valid(fieldName, WithValue(amount.String()))
}

// NotNegative validates that amount is zero or more.
func NotNegative(fieldName string, amount decimal.Decimal) *ValidationResult {
	if amount.IsNegative() {
		return NewValidationResult(false, fieldName, ValidationCodeInvalid,
			WithValue(amount.String()),
			WithMessage(fmt.Sprintf("%s must not be negative.", ToUserFriendlyName(fieldName))),
		)
	}
	return valid(fieldName, WithValue(amount.String()))
}
