// Package validation checks outbound event payloads against their struct tags.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// EventValidator validates event structs before they are published.
type EventValidator struct {
	validator *validator.Validate
}

// NewEventValidator creates a validator that reports fields by their json names.
func NewEventValidator() *EventValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &EventValidator{validator: v}
}

// Validate checks event and flattens field errors into one message.
func (v *EventValidator) Validate(event any) error {
	err := v.validator.Struct(event)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("event validation failed: %w", err)
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
		}
	}
	return fmt.Errorf("event validation failed: %s", strings.Join(parts, "; "))
}
