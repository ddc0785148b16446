package core

// convert.go coerces spreadsheet cells into PostgreSQL values, one function
// per mapping.DataType.
//
// Typed cells (numbers, dates and booleans from workbooks) convert directly.
// Text cells go through the lenient parsers below, which handle the messy
// reality of user-provided data:
//   - Multiple date formats (US, EU, ISO, etc.)
//   - Currency symbols and thousand separators in numbers
//   - Various boolean representations (yes/no, true/false, 1/0)
//
// Every coercion also yields a canonical text key, which the resolver uses to
// recognise equal lookup values regardless of how they were typed.

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/sheetimport/internal/mapping"
	"github.com/JonMunkholm/sheetimport/internal/sheet"
)

// numericRegex validates that a string is a valid numeric format after cleanup.
// Matches integers, decimals, and scientific notation.
var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// TwoDigitYearPivot defines how 2-digit years are interpreted.
// Years that would result in dates more than this many years in the future
// are assumed to be in the previous century.
var TwoDigitYearPivot = 20

// Date layouts split by year format for proper 2-digit year handling
var (
	twoDigitYearLayouts = []string{
		"1/2/06", "01/02/06", "1-2-06", "1.2.06", "01.02.06",
	}
	fourDigitYearLayouts = []string{
		"2006-01-02", "2006/01/02", "2006.01.02",
		"1/2/2006", "01/02/2006", "1-2-2006", "01-02-2006", "1.2.2006", "01.02.2006",
		"Jan 2, 2006", "2 Jan 2006", "January 2, 2006",
		"20060102",
		time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05",
	}
)

// Value is a coerced field value ready to be bound as a query argument.
type Value struct {
	Arg  any    // pgtype value; invalid (NULL) when Null is set
	Key  string // canonical text form, empty for NULL
	Null bool
}

func nullValue(t mapping.DataType) Value {
	switch t {
	case mapping.TypeInteger:
		return Value{Arg: pgtype.Int8{}, Null: true}
	case mapping.TypeDecimal:
		return Value{Arg: pgtype.Numeric{}, Null: true}
	case mapping.TypeDate:
		return Value{Arg: pgtype.Date{}, Null: true}
	case mapping.TypeBoolean:
		return Value{Arg: pgtype.Bool{}, Null: true}
	default:
		return Value{Arg: pgtype.Text{}, Null: true}
	}
}

// Coerce converts a cell to the given type. An empty cell becomes a typed NULL.
// ok is false when a non-empty cell cannot be represented as t.
func Coerce(c sheet.Cell, t mapping.DataType) (v Value, ok bool) {
	if c.IsEmpty() {
		return nullValue(t), true
	}

	switch t {
	case mapping.TypeText:
		return coerceText(c)
	case mapping.TypeInteger:
		return coerceInteger(c)
	case mapping.TypeDecimal:
		return coerceDecimal(c)
	case mapping.TypeDate:
		return coerceDate(c)
	case mapping.TypeBoolean:
		return coerceBool(c)
	default:
		return Value{}, false
	}
}

func coerceText(c sheet.Cell) (Value, bool) {
	txt := ToPgText(c.String())
	if !txt.Valid {
		return nullValue(mapping.TypeText), true
	}
	return Value{Arg: txt, Key: txt.String}, true
}

func coerceInteger(c sheet.Cell) (Value, bool) {
	var i int64
	switch c.Kind {
	case sheet.KindNumber:
		n, ok := floatToInt(c.Number)
		if !ok {
			return Value{}, false
		}
		i = n
	case sheet.KindText:
		s, ok := cleanNumeric(c.Text)
		if !ok {
			return Value{}, false
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			i = n
		} else {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return Value{}, false
			}
			if i, ok = floatToInt(f); !ok {
				return Value{}, false
			}
		}
	default:
		return Value{}, false
	}
	return Value{Arg: ToPgInt8(i), Key: strconv.FormatInt(i, 10)}, true
}

func floatToInt(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

func coerceDecimal(c sheet.Cell) (Value, bool) {
	var s string
	switch c.Kind {
	case sheet.KindNumber:
		if math.IsNaN(c.Number) || math.IsInf(c.Number, 0) {
			return Value{}, false
		}
		s = strconv.FormatFloat(c.Number, 'f', -1, 64)
	case sheet.KindText:
		cleaned, ok := cleanNumeric(c.Text)
		if !ok {
			return Value{}, false
		}
		s = cleaned
	default:
		return Value{}, false
	}

	n := ToPgNumeric(s)
	if !n.Valid {
		return Value{}, false
	}
	return Value{Arg: n, Key: canonicalDecimal(s)}, true
}

func coerceDate(c sheet.Cell) (Value, bool) {
	var d pgtype.Date
	switch c.Kind {
	case sheet.KindDate:
		y, m, day := c.Time.Date()
		d = pgtype.Date{Time: time.Date(y, m, day, 0, 0, 0, 0, time.UTC), Valid: true}
	case sheet.KindText:
		d = ToPgDate(c.Text)
	}
	if !d.Valid {
		return Value{}, false
	}
	return Value{Arg: d, Key: d.Time.Format("2006-01-02")}, true
}

func coerceBool(c sheet.Cell) (Value, bool) {
	var b pgtype.Bool
	switch c.Kind {
	case sheet.KindBool:
		b = pgtype.Bool{Bool: c.Bool, Valid: true}
	case sheet.KindNumber:
		switch c.Number {
		case 1:
			b = pgtype.Bool{Bool: true, Valid: true}
		case 0:
			b = pgtype.Bool{Bool: false, Valid: true}
		}
	case sheet.KindText:
		b = ToPgBool(c.Text)
	}
	if !b.Valid {
		return Value{}, false
	}
	return Value{Arg: b, Key: strconv.FormatBool(b.Bool)}, true
}

// ToPgText converts a string to pgtype.Text.
// Returns invalid if the string is empty or only whitespace.
func ToPgText(s string) pgtype.Text {
	s = strings.TrimSpace(s)
	if s == "" {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: s, Valid: true}
}

// ToPgInt8 converts an int64 to a valid pgtype.Int8.
func ToPgInt8(i int64) pgtype.Int8 {
	return pgtype.Int8{Int64: i, Valid: true}
}

// ToPgDate converts a string to pgtype.Date.
// Supports multiple date formats and handles 2-digit years with pivot.
func ToPgDate(s string) pgtype.Date {
	s = strings.TrimSpace(s)
	if s == "" {
		return pgtype.Date{Valid: false}
	}

	// Try 4-digit year layouts first (unambiguous)
	for _, layout := range fourDigitYearLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			y, m, d := t.Date()
			return pgtype.Date{Time: time.Date(y, m, d, 0, 0, 0, 0, time.UTC), Valid: true}
		}
	}

	// Try 2-digit year layouts with pivot year adjustment
	currentYear := time.Now().Year()
	pivotYear := currentYear + TwoDigitYearPivot

	for _, layout := range twoDigitYearLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			if t.Year() > pivotYear {
				t = t.AddDate(-100, 0, 0)
			}
			return pgtype.Date{Time: t, Valid: true}
		}
	}

	return pgtype.Date{Valid: false}
}

// ToPgNumeric converts a string to pgtype.Numeric.
// Handles currency symbols, thousands separators, and accounting format (parentheses for negative).
func ToPgNumeric(s string) pgtype.Numeric {
	cleaned, ok := cleanNumeric(s)
	if !ok {
		return pgtype.Numeric{Valid: false}
	}

	var n pgtype.Numeric
	if err := n.Scan(cleaned); err != nil {
		return pgtype.Numeric{Valid: false}
	}
	return n
}

// cleanNumeric strips currency symbols, thousands separators and accounting
// parentheses, and reports whether what remains is a plain number.
func cleanNumeric(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}

	// Detect negative accounting format "(123.45)"
	isNegative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		isNegative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	s = strings.ReplaceAll(s, "$", "")
	s = strings.ReplaceAll(s, "€", "") // Euro
	s = strings.ReplaceAll(s, "£", "") // Pound
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)

	if isNegative {
		s = "-" + s
	}

	if !numericRegex.MatchString(s) {
		return "", false
	}
	return s, true
}

// canonicalDecimal drops a leading plus sign and trailing fractional zeros so
// that "12.50" and "12.5" share a key.
func canonicalDecimal(s string) string {
	s = strings.TrimPrefix(s, "+")
	if strings.ContainsAny(s, "eE") || !strings.Contains(s, ".") {
		return s
	}
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "" || s == "-" {
		return "0"
	}
	return s
}

// ToPgBool converts a string to pgtype.Bool.
// Accepts various representations: true/false, yes/no, t/f, y/n, 1/0.
func ToPgBool(s string) pgtype.Bool {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return pgtype.Bool{Valid: false}
	}

	switch s {
	case "true", "t", "yes", "y", "1":
		return pgtype.Bool{Bool: true, Valid: true}
	case "false", "f", "no", "n", "0":
		return pgtype.Bool{Bool: false, Valid: true}
	default:
		return pgtype.Bool{Valid: false}
	}
}
