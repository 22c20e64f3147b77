package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"cronkeeper/internal/cronexpr"
	"cronkeeper/internal/job"
)

var validate = newValidator()

// newValidator reports fields by their config (json) names and knows the
// `duration` tag.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation(durationTag, isDuration); err != nil {
		panic(err)
	}
	return v
}

// Validate runs struct-tag rules first, then checks that need parsing:
// time zone, cron expressions and unique job keys.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(c); err != nil {
		return fieldErrors(err)
	}

	var errs []error
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if d := strings.ToLower(strings.TrimSpace(c.Storage.Driver)); d != "" && d != "none" && strings.TrimSpace(c.Storage.Path) == "" {
		errs = append(errs, fmt.Errorf("storage.path is required for driver %q", d))
	}

	seen := make(map[job.Key]int, len(c.Jobs))
	for i, jc := range c.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		key := jc.Key()
		if prev, dup := seen[key]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate key %s (also jobs[%d])", path, key, prev))
		}
		seen[key] = i
		if err := cronexpr.Validate(jc.Cron); err != nil {
			errs = append(errs, fmt.Errorf("%s.cron: %w", path, err))
		}
	}
	return errors.Join(errs...)
}

// fieldErrors rewrites validator failures as "<config path>: <problem>".
func fieldErrors(err error) error {
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return fmt.Errorf("config: %w", err)
	}
	errs := make([]error, 0, len(ves))
	for _, fe := range ves {
		_, path, _ := strings.Cut(fe.Namespace(), ".")
		errs = append(errs, fmt.Errorf("%s: %s", path, describeTag(fe)))
	}
	return errors.Join(errs...)
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case durationTag:
		return fmt.Sprintf("invalid duration %q", fe.Value())
	case "hostname_port":
		return fmt.Sprintf("must be host:port, got %q", fe.Value())
	case "gt":
		return "must be > " + fe.Param()
	case "gte":
		return "must be >= " + fe.Param()
	case "lte":
		return "must be <= " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}

func (j JobConfig) Key() job.Key { return job.NewKey(j.Name, j.Group) }

// Definition converts the entry into a job definition.
func (j JobConfig) Definition() (job.Definition, error) {
	timeout, err := DurationOr("timeout", j.Timeout, 0)
	if err != nil {
		return job.Definition{}, err
	}
	return job.Definition{
		Key:             j.Key(),
		ExecutableID:    strings.TrimSpace(j.Executable),
		Cron:            strings.TrimSpace(j.Cron),
		Description:     j.Description,
		Timeout:         timeout,
		AllowConcurrent: j.AllowConcurrent,
		Data:            job.Data(j.Data).Clone(),
	}, nil
}
