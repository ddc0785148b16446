// Package mapping describes how spreadsheet columns map onto a target table.
//
// A Configuration is plain data: it owns its field mappings and foreign key
// rules by value, and field mappings refer to rules by ID. Nothing here talks
// to a database; the import engine in package core consumes these types.
package mapping

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// DataType is the closed set of value types a field can be coerced to.
type DataType int

const (
	TypeText DataType = iota
	TypeInteger
	TypeDecimal
	TypeDate
	TypeBoolean
)

var dataTypeNames = [...]string{
	TypeText:    "text",
	TypeInteger: "integer",
	TypeDecimal: "decimal",
	TypeDate:    "date",
	TypeBoolean: "boolean",
}

// aliases accepted when parsing configuration files.
var dataTypeAliases = map[string]DataType{
	"string":  TypeText,
	"int":     TypeInteger,
	"bigint":  TypeInteger,
	"numeric": TypeDecimal,
	"number":  TypeDecimal,
	"bool":    TypeBoolean,
}

func (t DataType) String() string {
	if t.Valid() {
		return dataTypeNames[t]
	}
	return fmt.Sprintf("DataType(%d)", int(t))
}

// Valid reports whether t is one of the declared types.
func (t DataType) Valid() bool {
	return t >= TypeText && int(t) < len(dataTypeNames)
}

// ParseDataType parses a type name or one of its aliases, ignoring case.
func ParseDataType(s string) (DataType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range dataTypeNames {
		if n == name {
			return DataType(i), nil
		}
	}
	if t, ok := dataTypeAliases[name]; ok {
		return t, nil
	}
	return 0, fmt.Errorf("unknown data type %q", s)
}

func (t DataType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid data type %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *DataType) UnmarshalText(b []byte) error {
	v, err := ParseDataType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Configuration identifies a target table and how source columns fill it.
type Configuration struct {
	ID          string           `json:"id" validate:"required"`
	Name        string           `json:"name,omitempty"`
	TargetTable string           `json:"target_table" validate:"required"`
	Fields      []FieldMapping   `json:"fields" validate:"required,min=1,dive"`
	ForeignKeys []ForeignKeyRule `json:"foreign_keys,omitempty" validate:"dive"`
}

// FieldMapping links one source column to one target field.
//
// When ForeignKey names a rule, the raw cell is resolved through that rule and
// the referenced key becomes the field's value. Type then describes the raw
// lookup value, not the key.
type FieldMapping struct {
	SourceColumn string   `json:"source" validate:"required"`
	TargetField  string   `json:"target" validate:"required"`
	Required     bool     `json:"required,omitempty"`
	Type         DataType `json:"type" validate:"datatype"`
	ForeignKey   string   `json:"foreign_key,omitempty"`
}

// HasForeignKey reports whether the field is resolved through a lookup rule.
func (f FieldMapping) HasForeignKey() bool {
	return f.ForeignKey != ""
}

// ForeignKeyRule finds the row in ReferencedTable whose LookupField equals the
// raw value and substitutes its KeyField.
type ForeignKeyRule struct {
	ID              string `json:"id" validate:"required"`
	ReferencedTable string `json:"table" validate:"required"`
	LookupField     string `json:"lookup" validate:"required"`
	KeyField        string `json:"key" validate:"required"`
}

func (r ForeignKeyRule) String() string {
	return fmt.Sprintf("%s.%s -> %s", r.ReferencedTable, r.LookupField, r.KeyField)
}

// NormalizeColumn returns the comparison key for a column name:
// trimmed, NFC-normalised and case-folded.
func NormalizeColumn(name string) string {
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(name)))
}

// FieldMappingFor returns the mapping whose source column matches name.
// Matching ignores case and Unicode normalisation form.
func (c *Configuration) FieldMappingFor(name string) (FieldMapping, bool) {
	key := NormalizeColumn(name)
	for _, f := range c.Fields {
		if NormalizeColumn(f.SourceColumn) == key {
			return f, true
		}
	}
	return FieldMapping{}, false
}

// RequiredFieldsWithoutMapping returns the sorted target fields that are
// required but whose source column is not among available.
func (c *Configuration) RequiredFieldsWithoutMapping(available []string) []string {
	have := make(map[string]bool, len(available))
	for _, a := range available {
		have[NormalizeColumn(a)] = true
	}

	seen := make(map[string]bool)
	var missing []string
	for _, f := range c.Fields {
		if !f.Required || have[NormalizeColumn(f.SourceColumn)] || seen[f.TargetField] {
			continue
		}
		seen[f.TargetField] = true
		missing = append(missing, f.TargetField)
	}
	sort.Strings(missing)
	return missing
}

// Rule returns the foreign key rule with the given ID.
func (c *Configuration) Rule(id string) (ForeignKeyRule, bool) {
	for _, r := range c.ForeignKeys {
		if r.ID == id {
			return r, true
		}
	}
	return ForeignKeyRule{}, false
}

// Label is the display name, falling back to the ID.
func (c *Configuration) Label() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}
