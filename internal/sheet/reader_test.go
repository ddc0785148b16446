package sheet

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func readAll(t *testing.T, h Handle) []Row {
	t.Helper()
	var rows []Row
	it := h.Rows()
	for it.Next() {
		rows = append(rows, it.Row())
	}
	require.NoError(t, it.Err())
	return rows
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		path string
		kind error
	}{
		{"missing file", filepath.Join(dir, "nope.csv"), ErrNotFound},
		{"directory", dir, ErrUnsupportedFormat},
		{"unknown extension", writeFile(t, "data.pdf", "%PDF-1.4"), ErrUnsupportedFormat},
		{"empty csv", writeFile(t, "empty.csv", ""), ErrCorrupt},
		{"only blank lines", writeFile(t, "blank.csv", "\n\n,,\n"), ErrCorrupt},
		{"binary renamed to csv", writeFile(t, "zip.csv", "PK\x03\x04\x00\x00\x08\x00"), ErrCorrupt},
		{"text renamed to xlsx", writeFile(t, "fake.xlsx", "id,name\n1,a\n"), ErrCorrupt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := Open(tt.path)
			require.Error(t, err)
			assert.Nil(t, h)
			assert.True(t, errors.Is(err, tt.kind), "got %v, want kind %v", err, tt.kind)

			var re *ReaderError
			require.True(t, errors.As(err, &re))
			assert.Equal(t, tt.path, re.Path)
		})
	}
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		path string
		want Format
		ok   bool
	}{
		{"a.csv", FormatCSV, true},
		{"a.TSV", FormatCSV, true},
		{"report.xlsx", FormatXLSX, true},
		{"macro.XLSM", FormatXLSX, true},
		{"legacy.xls", "", false},
		{"noext", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := DetectFormat(tt.path)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestOpenCSV(t *testing.T) {
	content := "\ufeff,,\n" +
		"Customer Name, Email ,Region\n" +
		"Ada,ada@example.com,EU\n" +
		",,\n" +
		"Grace,=\"grace@example.com\"\n" +
		"Linus,linus@example.com,NA,extra\n"
	path := writeFile(t, "customers.csv", content)

	h, err := Open(path)
	require.NoError(t, err)
	defer h.Close()

	assert.Equal(t, "customers.csv", h.Name())
	assert.Equal(t, []string{"Customer Name", "Email", "Region"}, h.Headers())

	rows := readAll(t, h)
	require.Len(t, rows, 4)

	assert.Equal(t, []string{"Ada", "ada@example.com", "EU"}, rows[0].Strings())
	assert.True(t, rows[1].IsBlank(), "blank line is reported as a blank row")
	assert.Equal(t, "grace@example.com", rows[2].At(1).Text)
	assert.True(t, rows[2].At(2).IsEmpty(), "short row pads with empty cells")
	assert.Len(t, rows[3], 4)

	read, total := h.BytesRead()
	assert.Equal(t, int64(len(content)), total)
	assert.Equal(t, total, read)
}

func TestOpenCSVEmptyLinesKeepPosition(t *testing.T) {
	content := "email,item\n" +
		"a@x.com,Widget\n" +
		"\n" +
		"ghost@x.com,Sprocket\n" +
		"\r\n\n" +
		"\"multi\nline\",Gear\n" +
		"z@x.com,Nut\n"
	h, err := Open(writeFile(t, "orders.csv", content))
	require.NoError(t, err)
	defer h.Close()

	rows := readAll(t, h)
	require.Len(t, rows, 7)

	assert.Equal(t, "a@x.com", rows[0].At(0).Text)
	assert.True(t, rows[1].IsBlank())
	assert.Equal(t, "ghost@x.com", rows[2].At(0).Text, "row after an empty line keeps its position")
	assert.True(t, rows[3].IsBlank())
	assert.True(t, rows[4].IsBlank())
	assert.Equal(t, "Gear", rows[5].At(1).Text)
	assert.Equal(t, "z@x.com", rows[6].At(0).Text, "a quoted newline does not shift later rows")
}

func TestOpenCSVDelimiters(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"semicolon", "id;name\n1;Ada\n"},
		{"tab", "id\tname\n1\tAda\n"},
		{"comma", "id,name\n1,Ada\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := Open(writeFile(t, "d.csv", tt.content))
			require.NoError(t, err)
			defer h.Close()

			assert.Equal(t, []string{"id", "name"}, h.Headers())
			rows := readAll(t, h)
			require.Len(t, rows, 1)
			assert.Equal(t, []string{"1", "Ada"}, rows[0].Strings())
		})
	}
}

func TestRowsSinglePass(t *testing.T) {
	h, err := Open(writeFile(t, "once.csv", "id\n1\n2\n"))
	require.NoError(t, err)
	defer h.Close()

	assert.Len(t, readAll(t, h), 2)

	it := h.Rows()
	assert.False(t, it.Next())
	assert.ErrorIs(t, it.Err(), ErrCorrupt)
}

func TestOpenXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "customers.xlsx")
	joined := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)

	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]any{"Name", "Balance", "Active", "Joined", "Code"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]any{"Ada", 12.5, true, joined, "007"}))
	require.NoError(t, f.SetSheetRow(sheet, "A4", &[]any{"Grace", 3}))
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	h, err := Open(path)
	require.NoError(t, err)
	defer h.Close()

	assert.Equal(t, []string{"Name", "Balance", "Active", "Joined", "Code"}, h.Headers())

	rows := readAll(t, h)
	require.Len(t, rows, 3)

	ada := rows[0]
	assert.Equal(t, KindText, ada.At(0).Kind)
	assert.Equal(t, "Ada", ada.At(0).Text)
	assert.Equal(t, KindNumber, ada.At(1).Kind)
	assert.InDelta(t, 12.5, ada.At(1).Number, 1e-9)
	assert.Equal(t, KindBool, ada.At(2).Kind)
	assert.True(t, ada.At(2).Bool)
	require.Equal(t, KindDate, ada.At(3).Kind)
	assert.Equal(t, "2024-03-01", ada.At(3).Time.Format("2006-01-02"))
	assert.Equal(t, KindText, ada.At(4).Kind, "numeric-looking strings stay text")
	assert.Equal(t, "007", ada.At(4).Text)

	assert.True(t, rows[1].IsBlank(), "gap row is reported as blank")

	assert.Equal(t, "Grace", rows[2].At(0).Text)
	assert.Equal(t, "3", rows[2].At(1).String())
}

func TestAttrStreamFollowsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "attrs.xlsx")

	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]any{"Name", "Active"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]any{"Ada", true}))
	require.NoError(t, f.SetCellValue(sheet, "C5", 42))
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	s, err := openAttrStream(path)
	require.NoError(t, err)
	defer s.Close()

	header, err := s.row(1)
	require.NoError(t, err)
	assert.Len(t, header, 2)

	ada, err := s.row(2)
	require.NoError(t, err)
	assert.Equal(t, "b", ada[2].typ)

	for _, n := range []int{3, 4} {
		gap, err := s.row(n)
		require.NoError(t, err)
		assert.Nil(t, gap, "row %d is not in the sheet", n)
	}

	last, err := s.row(5)
	require.NoError(t, err)
	require.Contains(t, last, 3)
	assert.NotEqual(t, "s", last[3].typ)

	end, err := s.row(6)
	require.NoError(t, err)
	assert.Nil(t, end)
}

func TestIsDateFormat(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"yyyy-mm-dd", true},
		{"d/m/yy", true},
		{"0.00", false},
		{`"Day "0`, false},
		{"[Red]0.00", false},
		{"#,##0", false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.want, isDateFormat(tt.code))
		})
	}
}

func TestCleanCell(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  plain  ", "plain"},
		{`="00123"`, "00123"},
		{`"quoted"`, "quoted"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanCell(tt.in))
		})
	}
}
