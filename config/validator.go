package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterValidation("env", validateEnvironment)
	validate.RegisterStructValidation(validateQueue, QueueConfig{})
	validate.RegisterStructValidation(validateRecall, RecallConfig{})
	validate.RegisterStructValidation(validateVector, VectorConfig{})
}

// ConfigError represents a validation error for a specific field.
type ConfigError struct {
	Field   string
	Message string
	Value   interface{}
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of config errors.
type ValidationErrors []ConfigError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}

	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// ValidateWithDetails performs validation and returns ValidationErrors
// describing every failing field.
func ValidateWithDetails(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	details := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		details = append(details, ConfigError{
			Field:   fe.Namespace(),
			Message: formatValidationError(fe),
			Value:   fe.Value(),
		})
	}
	return details
}

func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "hostname_port":
		return "must be host:port"
	case "env":
		return "must be one of [development staging production]"
	case "backoff_range":
		return "must not be below queue.backoff_initial"
	case "lte_candidates":
		return "must not exceed recall.candidates"
	case "required_for_qdrant":
		return "is required when vector.type is qdrant"
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}

func validateEnvironment(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case "development", "staging", "production":
		return true
	default:
		return false
	}
}

func validateQueue(sl validator.StructLevel) {
	q := sl.Current().Interface().(QueueConfig)
	if q.BackoffMax > 0 && q.BackoffMax < q.BackoffInitial {
		sl.ReportError(q.BackoffMax, "BackoffMax", "BackoffMax", "backoff_range", "")
	}
}

func validateRecall(sl validator.StructLevel) {
	r := sl.Current().Interface().(RecallConfig)
	if r.Limit > r.Candidates {
		sl.ReportError(r.Limit, "Limit", "Limit", "lte_candidates", "")
	}
}

func validateVector(sl validator.StructLevel) {
	v := sl.Current().Interface().(VectorConfig)
	if v.Type != "qdrant" {
		return
	}
	if v.URL == "" {
		sl.ReportError(v.URL, "URL", "URL", "required_for_qdrant", "")
	}
	if v.Collection == "" {
		sl.ReportError(v.Collection, "Collection", "Collection", "required_for_qdrant", "")
	}
}
