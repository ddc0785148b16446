package core

// validation.go provides row-level validation against a mapping.
//
// Validation happens at two levels:
//  1. Plan building: every required target field must have a source column in
//     the header, and every foreign key reference must name a known rule.
//  2. Row validation: each mapped cell is checked for presence and coerced to
//     its declared type. This is a pure, local check; foreign key resolution
//     needs the database and happens later, in the executor.

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/sheetimport/internal/mapping"
	"github.com/JonMunkholm/sheetimport/internal/sheet"
)

// ValidationError represents a single validation error for a field.
type ValidationError struct {
	Field   string // Target field name
	Value   string // The invalid value, empty when missing
	Message string // Human-readable error message
}

func (e ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s %s", e.Field, e.Message)
	}
	return e.Message
}

// RowValidationResult contains the result of validating a row.
// Values holds one coerced value per plan field, in plan order; it is only
// meaningful when Errors is empty.
type RowValidationResult struct {
	Errors []ValidationError
	Values []Value
}

// Valid reports whether the row is locally valid.
func (r RowValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// Messages renders every error.
func (r RowValidationResult) Messages() []string {
	out := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		out[i] = e.Error()
	}
	return out
}

// FieldPlan binds one field mapping to its column position in the sheet.
type FieldPlan struct {
	Mapping mapping.FieldMapping
	Column  int
	Rule    *mapping.ForeignKeyRule // nil for scalar fields
}

// RowPlan is a configuration bound to a concrete header row.
// Mapped fields whose source column is absent and not required are left out,
// so the target's column defaults apply to them.
type RowPlan struct {
	Config *mapping.Configuration
	Fields []FieldPlan
}

// BuildPlan binds cfg to headers. It fails with *ConfigError when a required
// field has no source column or a field references an unknown rule.
func BuildPlan(cfg *mapping.Configuration, headers []string) (*RowPlan, error) {
	if missing := cfg.RequiredFieldsWithoutMapping(headers); len(missing) > 0 {
		return nil, &ConfigError{
			ConfigID: cfg.ID,
			Reason:   fmt.Sprintf("required fields have no source column: %s", strings.Join(missing, ", ")),
		}
	}

	// Source column -> first header index matching it.
	index := make(map[string]int, len(headers))
	for i, h := range headers {
		f, ok := cfg.FieldMappingFor(h)
		if !ok {
			continue
		}
		if _, dup := index[f.SourceColumn]; !dup {
			index[f.SourceColumn] = i
		}
	}

	plan := &RowPlan{Config: cfg}
	for _, f := range cfg.Fields {
		col, ok := index[f.SourceColumn]
		if !ok {
			continue
		}

		fp := FieldPlan{Mapping: f, Column: col}
		if f.HasForeignKey() {
			rule, ok := cfg.Rule(f.ForeignKey)
			if !ok {
				return nil, &ConfigError{
					ConfigID: cfg.ID,
					Reason:   fmt.Sprintf("field %q references unknown foreign key rule %q", f.TargetField, f.ForeignKey),
				}
			}
			fp.Rule = &rule
		}
		plan.Fields = append(plan.Fields, fp)
	}

	if len(plan.Fields) == 0 {
		return nil, &ConfigError{ConfigID: cfg.ID, Reason: "no mapped source column is present in the sheet"}
	}
	return plan, nil
}

// InsertSQL returns the parameterised insert statement for the plan.
func (p *RowPlan) InsertSQL() string {
	cols := make([]string, len(p.Fields))
	params := make([]string, len(p.Fields))
	for i, f := range p.Fields {
		cols[i] = pgx.Identifier{f.Mapping.TargetField}.Sanitize()
		params[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		qualifiedIdent(p.Config.TargetTable), strings.Join(cols, ", "), strings.Join(params, ", "))
}

// Validate checks a row against the plan: required fields must be present and
// every present value must coerce to its declared type. It is deterministic
// and has no side effects.
func Validate(row sheet.Row, plan *RowPlan) RowValidationResult {
	result := RowValidationResult{Values: make([]Value, len(plan.Fields))}

	for i, f := range plan.Fields {
		cell := row.At(f.Column)

		if cell.IsEmpty() {
			if f.Mapping.Required {
				result.Errors = append(result.Errors, ValidationError{
					Field:   f.Mapping.TargetField,
					Message: "is required but missing",
				})
				continue
			}
			result.Values[i] = nullValue(f.Mapping.Type)
			continue
		}

		v, ok := Coerce(cell, f.Mapping.Type)
		if !ok {
			result.Errors = append(result.Errors, ValidationError{
				Field:   f.Mapping.TargetField,
				Value:   cell.String(),
				Message: fmt.Sprintf("has invalid type, expected %s", f.Mapping.Type),
			})
			continue
		}
		result.Values[i] = v
	}

	return result
}

// qualifiedIdent quotes a possibly schema-qualified name such as "sales.orders".
func qualifiedIdent(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}
