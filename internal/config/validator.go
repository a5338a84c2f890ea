package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

// Scopes accepted on API tokens.
var knownScopes = map[string]struct{}{
	"*":         {},
	"roster:ro": {},
	"jobs:ro":   {},
	"jobs:rw":   {},
	"events:ro": {},
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()

	// Report yaml paths (state.path) rather than Go field names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation("cronspec", func(fl validator.FieldLevel) bool {
		_, err := cron.ParseStandard(fl.Field().String())
		return err == nil
	})

	_ = v.RegisterValidation("resolved", func(fl validator.FieldLevel) bool {
		return !envVarPattern.MatchString(fl.Field().String())
	})

	_ = v.RegisterValidation("scope", func(fl validator.FieldLevel) bool {
		_, ok := knownScopes[strings.TrimSpace(fl.Field().String())]
		return ok
	})

	return v
}

// Validate checks cfg against its field rules and returns one error listing
// every violation.
func Validate(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	value := fmt.Sprintf("%v", fe.Value())

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s (got %q)", field, strings.ReplaceAll(fe.Param(), " ", ", "), value)
	case "hostname_port":
		return fmt.Sprintf("%s must be host:port (got %q)", field, value)
	case "cronspec":
		return fmt.Sprintf("%s is not a valid cron schedule (got %q)", field, value)
	case "resolved":
		if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
			return fmt.Sprintf("%s: environment variable ${%s} is not set", field, m[1])
		}
		return fmt.Sprintf("%s: unresolved environment variable", field)
	case "scope":
		return fmt.Sprintf("%s: unknown scope %q", field, value)
	case "min":
		return fmt.Sprintf("%s must have at least %s entries", field, fe.Param())
	case "gt", "gte", "lte":
		return fmt.Sprintf("%s is out of range (got %s)", field, value)
	default:
		return fmt.Sprintf("%s failed on the '%s' rule", field, fe.Tag())
	}
}
