package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate checks ranges, enums and the timing relations between knobs:
// heartbeats must fit inside the claim timeout, lease renewal inside the
// lease, and the stale watchdog must outlast a claim timeout.
func Validate(cfg Config) error {
	err := validatorInstance().Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validating config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	key := strings.TrimPrefix(fe.Namespace(), "Config.")
	section, _, _ := strings.Cut(key, ".")
	switch fe.Tag() {
	case "ltfield":
		return fmt.Sprintf("%s (%v) must be less than %s.%s", key, fe.Value(), section, snake(fe.Param()))
	case "gtfield":
		return fmt.Sprintf("%s (%v) must be greater than %s.%s", key, fe.Value(), section, snake(fe.Param()))
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", key, fe.Param(), fe.Value())
	case "required", "required_if":
		return fmt.Sprintf("%s is required", key)
	default:
		if fe.Param() != "" {
			return fmt.Sprintf("%s (%v) fails %s=%s", key, fe.Value(), fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("%s (%v) fails %s", key, fe.Value(), fe.Tag())
	}
}

// snake converts a Go field name such as ClaimTimeout to claim_timeout.
func snake(field string) string {
	var b strings.Builder
	for i, r := range field {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
