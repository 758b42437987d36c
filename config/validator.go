package config

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var validate = newValidator()

var environments = []string{"development", "staging", "production"}

// cronParser accepts the same schedules the background jobs are started with.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report fields by their config key rather than the Go name.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		switch name {
		case "-":
			return ""
		case "":
			return f.Name
		}
		return name
	})

	_ = v.RegisterValidation("env", func(fl validator.FieldLevel) bool {
		return slices.Contains(environments, fl.Field().String())
	})
	_ = v.RegisterValidation("cronspec", func(fl validator.FieldLevel) bool {
		_, err := cronParser.Parse(fl.Field().String())
		return err == nil
	})

	v.RegisterStructValidation(validateHTTP, HTTPConfig{})
	v.RegisterStructValidation(validateEngine, EngineConfig{})
	v.RegisterStructValidation(validateStorage, StorageConfig{})
	v.RegisterStructValidation(validateCache, CacheConfig{})
	v.RegisterStructValidation(validateMetrics, MetricsConfig{})
	return v
}

func validateHTTP(sl validator.StructLevel) {
	h := sl.Current().Interface().(HTTPConfig)
	if h.WriteTimeout > 0 && h.RequestTimeout >= h.WriteTimeout {
		sl.ReportError(h.RequestTimeout, "request_timeout", "RequestTimeout", "ltfield", "write_timeout")
	}
}

// validateEngine keeps the token budget consistent: a reply must fit the
// context limit with room left for the prompt.
func validateEngine(sl validator.StructLevel) {
	e := sl.Current().Interface().(EngineConfig)
	if e.MinOutputTokens > e.MaxOutputTokens {
		sl.ReportError(e.MinOutputTokens, "min_output_tokens", "MinOutputTokens", "ltefield", "max_output_tokens")
	}
	if e.MaxOutputTokens >= e.ContextLimitTokens {
		sl.ReportError(e.MaxOutputTokens, "max_output_tokens", "MaxOutputTokens", "ltfield", "context_limit_tokens")
	}
	if e.SummaryMaxTokens >= e.ContextLimitTokens {
		sl.ReportError(e.SummaryMaxTokens, "summary_max_tokens", "SummaryMaxTokens", "ltfield", "context_limit_tokens")
	}
}

func validateStorage(sl validator.StructLevel) {
	s := sl.Current().Interface().(StorageConfig)
	switch {
	case s.Type == "badger" && s.Badger.Path == "":
		sl.ReportError(s.Badger.Path, "badger.path", "Path", "required_for", "badger")
	case s.Type == "sqlite" && s.SQLite.Path == "":
		sl.ReportError(s.SQLite.Path, "sqlite.path", "Path", "required_for", "sqlite")
	}
}

func validateCache(sl validator.StructLevel) {
	c := sl.Current().Interface().(CacheConfig)
	if c.Type == "redis" && c.Redis.URL == "" && c.Redis.Address == "" {
		sl.ReportError(c.Redis.Address, "redis.address", "Address", "required_for", "redis")
	}
}

func validateMetrics(sl validator.StructLevel) {
	m := sl.Current().Interface().(MetricsConfig)
	if m.Enabled && !strings.HasPrefix(m.Path, "/") {
		sl.ReportError(m.Path, "path", "Path", "abspath", "")
	}
}

// ConfigError describes one invalid config key.
type ConfigError struct {
	Field   string
	Message string
	Value   any
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors lists every invalid key of a Config.
type ValidationErrors []ConfigError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, ce := range e {
		fmt.Fprintf(&sb, "  - %s\n", ce.Error())
	}
	return sb.String()
}

// ValidateWithDetails validates cfg and reports problems as
// ValidationErrors keyed by dotted config path, e.g. "server.port".
func ValidateWithDetails(cfg *Config) error {
	err := validate.Struct(cfg)
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	details := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		details = append(details, ConfigError{
			Field:   configKey(fe.Namespace()),
			Message: formatValidationError(fe),
			Value:   fe.Value(),
		})
	}
	return details
}

// configKey drops the root type from a validator namespace.
func configKey(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}

func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of [" + fe.Param() + "]"
	case "gt":
		return "must be greater than " + fe.Param()
	case "lte":
		return "must be less than or equal to " + fe.Param()
	case "ltefield":
		return "must not exceed " + fe.Param()
	case "ltfield":
		return "must be less than " + fe.Param()
	case "required_for":
		return "is required for type " + fe.Param()
	case "abspath":
		return "must start with /"
	case "env":
		return "must be one of [" + strings.Join(environments, " ") + "]"
	case "cronspec":
		return "must be a cron expression or descriptor such as @every 5m"
	default:
		return "failed validation: " + fe.Tag()
	}
}
