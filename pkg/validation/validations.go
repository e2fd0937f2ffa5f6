package validation

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Not-Diamond/go-ptufallback/pkg/model"
	"github.com/go-playground/validator/v10"
)

// validate is the shared validator instance; it caches struct metadata.
var validate = validator.New()

// ValidationError reports every invalid field at once.
type ValidationError struct {
	Message string
	Fields  map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, e.Fields[k])
	}
	return e.Message + ": " + strings.Join(parts, "; ")
}

// IsValidationError reports whether err is a *ValidationError.
func IsValidationError(err error) bool {
	var vErr *ValidationError
	return errors.As(err, &vErr)
}

func newValidationError(message string, errs validator.ValidationErrors) *ValidationError {
	fields := make(map[string]string, len(errs))
	for _, err := range errs {
		// Namespace without the root type, e.g. "Primary.APIBase".
		field := err.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}

		switch err.Tag() {
		case "required":
			fields[field] = fmt.Sprintf("%s is required", field)
		case "url":
			fields[field] = fmt.Sprintf("%s must be a valid URL", field)
		case "min":
			fields[field] = fmt.Sprintf("%s must contain at least %s item(s)", field, err.Param())
		case "gte":
			fields[field] = fmt.Sprintf("%s must be greater than or equal to %s", field, err.Param())
		case "lte":
			fields[field] = fmt.Sprintf("%s must be less than or equal to %s", field, err.Param())
		case "oneof":
			fields[field] = fmt.Sprintf("%s must be one of: %s", field, err.Param())
		default:
			fields[field] = fmt.Sprintf("%s validation failed on '%s' tag", field, err.Tag())
		}
	}
	return &ValidationError{Message: message, Fields: fields}
}

func validateStruct(message string, s interface{}) error {
	if err := validate.Struct(s); err != nil {
		var vErrs validator.ValidationErrors
		if errors.As(err, &vErrs) {
			return newValidationError(message, vErrs)
		}
		return err
	}
	return nil
}

// ValidateConfig validates the configuration for the fallback client.
func ValidateConfig(config model.Config) error {
	if err := validateStruct("invalid config", config); err != nil {
		return err
	}
	if err := validateCredentials("Primary", config.Primary); err != nil {
		return err
	}
	return validateCredentials("Secondary", config.Secondary)
}

// validateCredentials requires an API key unless an Azure AD token source is set.
func validateCredentials(name string, conn model.Connection) error {
	if conn.APIKey == "" && conn.TokenSource == nil {
		return &ValidationError{
			Message: "invalid config",
			Fields:  map[string]string{name + ".APIKey": fmt.Sprintf("%s needs an api key or an Azure AD token source", name)},
		}
	}
	return nil
}

// ValidateRequest validates a completion request before it is dispatched.
func ValidateRequest(req *model.CompletionRequest) error {
	if req == nil {
		return errors.New("request cannot be nil")
	}
	if err := validateStruct("invalid request", req); err != nil {
		return err
	}
	if err := ValidateMessageSequence(req.Messages); err != nil {
		return err
	}
	return validateFunctionCall(req.FunctionCall, req.Functions)
}

// ValidateMessageSequence checks the ordering of chat messages.
func ValidateMessageSequence(messages []model.Message) error {
	if len(messages) == 0 {
		return &ValidationError{Message: "invalid request", Fields: map[string]string{"Messages": "Messages is required"}}
	}
	switch messages[0].Role {
	case "system", "user":
		return nil
	default:
		return &ValidationError{
			Message: "invalid request",
			Fields:  map[string]string{"Messages[0].Role": fmt.Sprintf("first message must be from system or user, got %q", messages[0].Role)},
		}
	}
}

// validateFunctionCall checks that a named directive refers to a declared function.
func validateFunctionCall(directive *model.FunctionCallDirective, functions []model.Function) error {
	if directive == nil || directive.Name == "" {
		return nil
	}
	for _, fn := range functions {
		if fn.Name == directive.Name {
			return nil
		}
	}
	return &ValidationError{
		Message: "invalid request",
		Fields:  map[string]string{"FunctionCall": fmt.Sprintf("function %q is not declared in functions", directive.Name)},
	}
}
