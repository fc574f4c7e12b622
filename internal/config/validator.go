package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and the rules that span fields. All problems
// are reported together.
func (c *Config) Validate() error {
	var errs []error

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fieldError(fe))
			}
		} else {
			errs = append(errs, err)
		}
	}

	seen := make(map[string]bool, len(c.AI.Profiles))
	for _, p := range c.AI.Profiles {
		if p.ID == "" {
			continue
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("ai.profiles: duplicate profile id %q", p.ID))
		}
		seen[p.ID] = true
	}

	if c.Janitor.Schedule != "" {
		if _, err := cron.ParseStandard(c.Janitor.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("janitor.schedule: %w", err))
		}
	}

	if c.Storage.Driver == "sqlite" && c.Storage.Path != "" && strings.HasSuffix(c.Storage.Path, "/") {
		errs = append(errs, fmt.Errorf("storage.path must be a file for the sqlite driver"))
	}

	return errors.Join(errs...)
}

func fieldError(fe validator.FieldError) error {
	field := strings.ToLower(strings.TrimPrefix(fe.Namespace(), "Config."))
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", field)
	case "oneof":
		return fmt.Errorf("%s must be one of [%s], got %v", field, fe.Param(), fe.Value())
	case "min":
		return fmt.Errorf("%s needs at least %s entries", field, fe.Param())
	case "gte", "lte":
		return fmt.Errorf("%s is out of range (%s %s), got %v", field, fe.Tag(), fe.Param(), fe.Value())
	case "gtfield":
		return fmt.Errorf("%s must be greater than %s, got %v", field, strings.ToLower(fe.Param()), fe.Value())
	}
	return fmt.Errorf("%s failed %s validation", field, fe.Tag())
}
