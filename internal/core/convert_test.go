package core

import (
	"math"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/sheetimport/internal/mapping"
	"github.com/JonMunkholm/sheetimport/internal/sheet"
)

// ----------------------------------------------------------------------------
// ToPgNumeric Tests
// ----------------------------------------------------------------------------

func TestToPgNumeric(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantValid bool
		wantValue float64
	}{
		{name: "positive integer", input: "123", wantValid: true, wantValue: 123},
		{name: "negative integer", input: "-456", wantValid: true, wantValue: -456},
		{name: "decimal", input: "123.45", wantValid: true, wantValue: 123.45},
		{name: "leading decimal point", input: ".99", wantValid: true, wantValue: 0.99},
		{name: "dollar sign", input: "$1,234.50", wantValid: true, wantValue: 1234.5},
		{name: "euro sign", input: "€99", wantValid: true, wantValue: 99},
		{name: "accounting negative", input: "(1,000.25)", wantValid: true, wantValue: -1000.25},
		{name: "surrounding whitespace", input: "  42  ", wantValid: true, wantValue: 42},

		{name: "empty", input: "", wantValid: false},
		{name: "whitespace only", input: "   ", wantValid: false},
		{name: "letters", input: "abc", wantValid: false},
		{name: "two decimal points", input: "1.2.3", wantValid: false},
		{name: "trailing letters", input: "12abc", wantValid: false},
		// pgtype.Numeric.Scan rejects exponents
		{name: "scientific notation", input: "1.5e3", wantValid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ToPgNumeric(tt.input)
			if result.Valid != tt.wantValid {
				t.Fatalf("ToPgNumeric(%q).Valid = %v, want %v", tt.input, result.Valid, tt.wantValid)
			}
			if !tt.wantValid {
				return
			}
			f, err := result.Float64Value()
			if err != nil {
				t.Fatalf("ToPgNumeric(%q) Float64Value error: %v", tt.input, err)
			}
			if math.Abs(f.Float64-tt.wantValue) > 1e-9 {
				t.Errorf("ToPgNumeric(%q) = %v, want %v", tt.input, f.Float64, tt.wantValue)
			}
		})
	}
}

// ----------------------------------------------------------------------------
// ToPgDate Tests
// ----------------------------------------------------------------------------

func TestToPgDate(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantValid bool
		wantYear  int
		wantMonth time.Month
		wantDay   int
	}{
		{name: "ISO", input: "2024-01-15", wantValid: true, wantYear: 2024, wantMonth: time.January, wantDay: 15},
		{name: "ISO slashes", input: "2024/03/09", wantValid: true, wantYear: 2024, wantMonth: time.March, wantDay: 9},
		{name: "US", input: "12/31/2023", wantValid: true, wantYear: 2023, wantMonth: time.December, wantDay: 31},
		{name: "US no padding", input: "1/5/2024", wantValid: true, wantYear: 2024, wantMonth: time.January, wantDay: 5},
		{name: "dotted", input: "07.04.2022", wantValid: true, wantYear: 2022, wantMonth: time.July, wantDay: 4},
		{name: "short month name", input: "Jan 15, 2024", wantValid: true, wantYear: 2024, wantMonth: time.January, wantDay: 15},
		{name: "long month name", input: "February 2, 2021", wantValid: true, wantYear: 2021, wantMonth: time.February, wantDay: 2},
		{name: "compact", input: "20240229", wantValid: true, wantYear: 2024, wantMonth: time.February, wantDay: 29},
		{name: "timestamp drops time", input: "2024-06-01 23:59:59", wantValid: true, wantYear: 2024, wantMonth: time.June, wantDay: 1},
		{name: "RFC3339 keeps calendar date", input: "2024-06-01T23:30:00-05:00", wantValid: true, wantYear: 2024, wantMonth: time.June, wantDay: 1},

		{name: "empty", input: "", wantValid: false},
		{name: "garbage", input: "yesterday", wantValid: false},
		{name: "impossible day", input: "2023-02-30", wantValid: false},
		{name: "month out of range", input: "13/01/2024", wantValid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ToPgDate(tt.input)
			if result.Valid != tt.wantValid {
				t.Fatalf("ToPgDate(%q).Valid = %v, want %v", tt.input, result.Valid, tt.wantValid)
			}
			if !tt.wantValid {
				return
			}
			if result.Time.Year() != tt.wantYear {
				t.Errorf("ToPgDate(%q).Year = %d, want %d", tt.input, result.Time.Year(), tt.wantYear)
			}
			if result.Time.Month() != tt.wantMonth {
				t.Errorf("ToPgDate(%q).Month = %v, want %v", tt.input, result.Time.Month(), tt.wantMonth)
			}
			if result.Time.Day() != tt.wantDay {
				t.Errorf("ToPgDate(%q).Day = %d, want %d", tt.input, result.Time.Day(), tt.wantDay)
			}
		})
	}
}

func TestToPgDate_TwoDigitYear(t *testing.T) {
	pivotYear := time.Now().Year() + TwoDigitYearPivot

	tests := []struct {
		input    string
		wantYear int
	}{
		{"1/2/70", 1970},
		{"1/2/99", 1999},
		{"1/2/00", 2000},
		{"1/2/24", 2024},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := ToPgDate(tt.input)
			if !result.Valid {
				t.Fatalf("ToPgDate(%q) returned invalid", tt.input)
			}
			if result.Time.Year() != tt.wantYear {
				t.Errorf("ToPgDate(%q).Year = %d, want %d (pivot year: %d)",
					tt.input, result.Time.Year(), tt.wantYear, pivotYear)
			}
		})
	}
}

// ----------------------------------------------------------------------------
// ToPgBool / ToPgText Tests
// ----------------------------------------------------------------------------

func TestToPgBool(t *testing.T) {
	tests := []struct {
		input     string
		wantValid bool
		wantBool  bool
	}{
		{"true", true, true},
		{"TRUE", true, true},
		{"Yes", true, true},
		{"y", true, true},
		{"1", true, true},
		{"false", true, false},
		{"No", true, false},
		{"f", true, false},
		{"0", true, false},
		{" t ", true, true},
		{"", false, false},
		{"maybe", false, false},
		{"2", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := ToPgBool(tt.input)
			if result.Valid != tt.wantValid {
				t.Fatalf("ToPgBool(%q).Valid = %v, want %v", tt.input, result.Valid, tt.wantValid)
			}
			if result.Bool != tt.wantBool {
				t.Errorf("ToPgBool(%q).Bool = %v, want %v", tt.input, result.Bool, tt.wantBool)
			}
		})
	}
}

func TestToPgText(t *testing.T) {
	tests := []struct {
		input      string
		wantValid  bool
		wantString string
	}{
		{"hello", true, "hello"},
		{"  padded  ", true, "padded"},
		{"", false, ""},
		{"\t\n ", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := ToPgText(tt.input)
			if result.Valid != tt.wantValid {
				t.Fatalf("ToPgText(%q).Valid = %v, want %v", tt.input, result.Valid, tt.wantValid)
			}
			if result.String != tt.wantString {
				t.Errorf("ToPgText(%q).String = %q, want %q", tt.input, result.String, tt.wantString)
			}
		})
	}
}

// ----------------------------------------------------------------------------
// Coerce Tests
// ----------------------------------------------------------------------------

func TestCoerce(t *testing.T) {
	day := time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		cell    sheet.Cell
		typ     mapping.DataType
		wantOK  bool
		wantKey string
		wantArg any
	}{
		{"text", sheet.TextCell(" Ada "), mapping.TypeText, true, "Ada", pgtype.Text{String: "Ada", Valid: true}},
		{"number as text", sheet.NumberCell(7), mapping.TypeText, true, "7", pgtype.Text{String: "7", Valid: true}},
		{"date as text", sheet.DateCell(day), mapping.TypeText, true, "2024-03-05", pgtype.Text{String: "2024-03-05", Valid: true}},

		{"integral number", sheet.NumberCell(42), mapping.TypeInteger, true, "42", pgtype.Int8{Int64: 42, Valid: true}},
		{"fractional number", sheet.NumberCell(4.5), mapping.TypeInteger, false, "", nil},
		{"integer text with separators", sheet.TextCell("1,200"), mapping.TypeInteger, true, "1200", pgtype.Int8{Int64: 1200, Valid: true}},
		{"integer text with zero fraction", sheet.TextCell("12.0"), mapping.TypeInteger, true, "12", pgtype.Int8{Int64: 12, Valid: true}},
		{"integer from bool", sheet.BoolCell(true), mapping.TypeInteger, false, "", nil},
		{"integer garbage", sheet.TextCell("twelve"), mapping.TypeInteger, false, "", nil},

		{"decimal number", sheet.NumberCell(12.5), mapping.TypeDecimal, true, "12.5", nil},
		{"decimal text trailing zeros", sheet.TextCell("$12.50"), mapping.TypeDecimal, true, "12.5", nil},
		{"decimal garbage", sheet.TextCell("12,5x"), mapping.TypeDecimal, false, "", nil},
		{"decimal infinity", sheet.NumberCell(math.Inf(1)), mapping.TypeDecimal, false, "", nil},

		{"date cell", sheet.DateCell(day.Add(15 * time.Hour)), mapping.TypeDate, true, "2024-03-05", pgtype.Date{Time: day, Valid: true}},
		{"date text", sheet.TextCell("03/05/2024"), mapping.TypeDate, true, "2024-03-05", pgtype.Date{Time: day, Valid: true}},
		{"date from number", sheet.NumberCell(45356), mapping.TypeDate, false, "", nil},

		{"bool cell", sheet.BoolCell(false), mapping.TypeBoolean, true, "false", pgtype.Bool{Bool: false, Valid: true}},
		{"bool from one", sheet.NumberCell(1), mapping.TypeBoolean, true, "true", pgtype.Bool{Bool: true, Valid: true}},
		{"bool from two", sheet.NumberCell(2), mapping.TypeBoolean, false, "", nil},
		{"bool text", sheet.TextCell("yes"), mapping.TypeBoolean, true, "true", pgtype.Bool{Bool: true, Valid: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, ok := Coerce(tt.cell, tt.typ)
			if ok != tt.wantOK {
				t.Fatalf("Coerce(%v, %s) ok = %v, want %v", tt.cell, tt.typ, ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if v.Null {
				t.Fatalf("Coerce(%v, %s) returned NULL", tt.cell, tt.typ)
			}
			if v.Key != tt.wantKey {
				t.Errorf("Coerce(%v, %s).Key = %q, want %q", tt.cell, tt.typ, v.Key, tt.wantKey)
			}
			if tt.wantArg != nil && v.Arg != tt.wantArg {
				t.Errorf("Coerce(%v, %s).Arg = %#v, want %#v", tt.cell, tt.typ, v.Arg, tt.wantArg)
			}
		})
	}
}

func TestCoerceEmptyIsTypedNull(t *testing.T) {
	tests := []struct {
		typ  mapping.DataType
		want any
	}{
		{mapping.TypeText, pgtype.Text{}},
		{mapping.TypeInteger, pgtype.Int8{}},
		{mapping.TypeDecimal, pgtype.Numeric{}},
		{mapping.TypeDate, pgtype.Date{}},
		{mapping.TypeBoolean, pgtype.Bool{}},
	}

	for _, tt := range tests {
		t.Run(tt.typ.String(), func(t *testing.T) {
			v, ok := Coerce(sheet.Empty(), tt.typ)
			if !ok || !v.Null || v.Key != "" {
				t.Fatalf("Coerce(empty, %s) = %+v, %v; want NULL", tt.typ, v, ok)
			}
			if v.Arg != tt.want {
				t.Errorf("Coerce(empty, %s).Arg = %#v, want %#v", tt.typ, v.Arg, tt.want)
			}
		})
	}
}

func TestCanonicalDecimal(t *testing.T) {
	tests := map[string]string{
		"12.50":  "12.5",
		"+3":     "3",
		"10":     "10",
		"0.000":  "0",
		"-0.50":  "-0.5",
		"1.5e3":  "1.5e3",
		"100.10": "100.1",
	}
	for in, want := range tests {
		if got := canonicalDecimal(in); got != want {
			t.Errorf("canonicalDecimal(%q) = %q, want %q", in, got, want)
		}
	}
}
