package mapping

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// InvalidError lists every structural problem found in a configuration.
type InvalidError struct {
	ConfigID string
	Problems []string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("mapping %q is invalid:\n  - %s", e.ConfigID, strings.Join(e.Problems, "\n  - "))
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("datatype", func(fl validator.FieldLevel) bool {
			return DataType(fl.Field().Int()).Valid()
		})
	})
	return validate
}

// Validate checks the configuration for structural completeness: required
// attributes present, known data types, unique target fields, unique rule IDs
// and field rule references that resolve. All problems are reported together.
func (c *Configuration) Validate() error {
	var problems []string

	if err := structValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate mapping %q: %w", c.ID, err)
		}
		for _, fe := range verrs {
			problems = append(problems, describeFieldError(fe))
		}
	}

	rules := make(map[string]bool, len(c.ForeignKeys))
	for _, r := range c.ForeignKeys {
		if r.ID == "" {
			continue
		}
		if rules[r.ID] {
			problems = append(problems, fmt.Sprintf("foreign key rule %q is defined more than once", r.ID))
		}
		rules[r.ID] = true
	}

	targets := make(map[string]bool, len(c.Fields))
	sources := make(map[string]bool, len(c.Fields))
	for _, f := range c.Fields {
		if f.TargetField != "" {
			key := strings.ToLower(f.TargetField)
			if targets[key] {
				problems = append(problems, fmt.Sprintf("target field %q is mapped more than once", f.TargetField))
			}
			targets[key] = true
		}
		if f.SourceColumn != "" {
			key := NormalizeColumn(f.SourceColumn)
			if sources[key] {
				problems = append(problems, fmt.Sprintf("source column %q is mapped more than once", f.SourceColumn))
			}
			sources[key] = true
		}
		if f.HasForeignKey() && !rules[f.ForeignKey] {
			problems = append(problems, fmt.Sprintf("field %q references unknown foreign key rule %q", f.TargetField, f.ForeignKey))
		}
	}

	if len(problems) > 0 {
		return &InvalidError{ConfigID: c.ID, Problems: problems}
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Configuration.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s must have at least %s entries", field, fe.Param())
	case "datatype":
		return fmt.Sprintf("%s is not a known data type", field)
	default:
		return fmt.Sprintf("%s failed %q check", field, fe.Tag())
	}
}
