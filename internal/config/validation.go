package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ValidationError names one offending field by its TOML path.
type ValidationError struct {
	Field   string
	Message string
	// Warning marks a cross-field check that does not block loading.
	Warning bool
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors unwraps to ErrInvalidConfig.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

func (e ValidationErrors) Unwrap() error {
	return ErrInvalidConfig
}

var (
	validateOnce sync.Once
	structCheck  *validator.Validate
)

// structValidator reports fields by their TOML key so messages match what
// the user wrote.
func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		structCheck = validator.New(validator.WithRequiredStructEnabled())
		structCheck.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("toml"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return structCheck
}

// ValidateConfig validates the entire configuration. The returned error is
// a ValidationErrors that may hold only warnings; use HasErrors to decide.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if err := structValidator().Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("validate config: %w", err)
		}
		for _, fe := range fieldErrs {
			errs = append(errs, fromFieldError(fe))
		}
	}

	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateEngine(&c.Engine)...)
	errs = append(errs, validateRecovery(&c.Recovery, &c.Engine)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func fromFieldError(fe validator.FieldError) *ValidationError {
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}

	switch fe.Tag() {
	case "required", "required_if":
		return RequiredFieldError(field)
	case "oneof":
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must be one of: %s", strings.ReplaceAll(fe.Param(), " ", ", ")),
		}
	case "min":
		return &ValidationError{Field: field, Message: fmt.Sprintf("must be at least %s", fe.Param())}
	case "max":
		return &ValidationError{Field: field, Message: fmt.Sprintf("must be at most %s", fe.Param())}
	default:
		return &ValidationError{Field: field, Message: fmt.Sprintf("failed %q check", fe.Tag())}
	}
}

// validateLogging checks rules that span several logging fields.
func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors
	if (l.Output == "file" || l.Output == "both") && l.FilePath == "" {
		errs = append(errs, &ValidationError{
			Field:   "logging.file_path",
			Message: fmt.Sprintf("required when output is %q", l.Output),
		})
	}
	return errs
}

func validateEngine(e *EngineConfig) ValidationErrors {
	var errs ValidationErrors
	if e.DefinitionsDir == "" {
		return errs
	}
	info, err := os.Stat(e.DefinitionsDir)
	switch {
	case err != nil:
		errs = append(errs, &ValidationError{
			Field:   "engine.definitions_dir",
			Message: fmt.Sprintf("directory does not exist: %s", e.DefinitionsDir),
		})
	case !info.IsDir():
		errs = append(errs, &ValidationError{
			Field:   "engine.definitions_dir",
			Message: fmt.Sprintf("not a directory: %s", e.DefinitionsDir),
		})
	}
	return errs
}

// validateRecovery warns when startup recovery could reach entries a
// concurrent tweakctl is still applying. A run touches its entry at least
// once per action, and a service action may wait service_wait_sec.
func validateRecovery(r *RecoveryConfig, e *EngineConfig) ValidationErrors {
	var errs ValidationErrors
	if !r.OnStartup || r.StaleAfterSec < 0 {
		return errs
	}
	switch {
	case r.StaleAfterSec == 0:
		errs = append(errs, &ValidationError{
			Field:   "recovery.stale_after_sec",
			Message: "0 lets startup recovery roll back entries of a concurrent run",
			Warning: true,
		})
	case r.StaleAfterSec <= e.ServiceWaitSec:
		errs = append(errs, &ValidationError{
			Field:   "recovery.stale_after_sec",
			Message: fmt.Sprintf("should exceed engine.service_wait_sec (%d)", e.ServiceWaitSec),
			Warning: true,
		})
	}
	return errs
}

// IsWarning reports whether the field only produces a warning.
func (e *ValidationError) IsWarning() bool {
	if e.Warning {
		return true
	}
	// The definitions directory is only consulted for bare file names.
	warningFields := []string{
		"engine.definitions_dir",
	}
	for _, f := range warningFields {
		if strings.HasPrefix(e.Field, f) {
			return true
		}
	}
	return false
}

// Warnings filters e down to warnings.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors filters e down to hard errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors reports whether anything in e is fatal.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// RequiredFieldError reports an empty mandatory field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// ErrInvalidConfig is matched with errors.Is against ValidationErrors.
var ErrInvalidConfig = errors.New("invalid configuration")
