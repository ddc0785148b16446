package sheet

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// cellAttrs is the type and style of one worksheet cell as written in the
// sheet XML.
type cellAttrs struct {
	typ   string // t attribute: "s", "b", "d", "e", "str", "inlineStr", "n" or empty
	style int    // s attribute, 0 when absent
}

// attrStream reads cell attributes of the first worksheet in step with
// excelize's row reader, which hands out values only. It decodes the sheet
// part as a token stream, so it holds at most one row of attributes.
type attrStream struct {
	zr    *zip.ReadCloser
	part  io.ReadCloser
	dec   *xml.Decoder
	last  int // number of the last <row> start decoded
	ahead int // a decoded row not yet requested, 0 when none
}

func openAttrStream(file string) (*attrStream, error) {
	zr, err := zip.OpenReader(file)
	if err != nil {
		return nil, err
	}
	name, err := firstWorksheetPart(&zr.Reader)
	if err != nil {
		zr.Close()
		return nil, err
	}
	part, err := zr.Open(name)
	if err != nil {
		zr.Close()
		return nil, fmt.Errorf("open worksheet %s: %w", name, err)
	}
	return &attrStream{zr: zr, part: part, dec: xml.NewDecoder(part)}, nil
}

func (s *attrStream) Close() error {
	return errors.Join(s.part.Close(), s.zr.Close())
}

// row returns the attributes of sheet row n keyed by 1-based column. Rows
// must be requested in ascending order; a row absent from the XML yields nil.
func (s *attrStream) row(n int) (map[int]cellAttrs, error) {
	switch {
	case s.ahead > n:
		return nil, nil
	case s.ahead == n && n > 0:
		s.ahead = 0
		return s.readCells()
	}
	s.ahead = 0

	for {
		tok, err := s.dec.Token()
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "row" {
			continue
		}
		s.last++
		if r, err := strconv.Atoi(attrValue(start, "r")); err == nil && r > 0 {
			s.last = r
		}
		switch {
		case s.last < n:
			continue
		case s.last > n:
			s.ahead = s.last
			return nil, nil
		}
		return s.readCells()
	}
}

// readCells consumes the current row up to its end element.
func (s *attrStream) readCells() (map[int]cellAttrs, error) {
	cells := make(map[int]cellAttrs)
	col := 0
	for {
		tok, err := s.dec.Token()
		if err == io.EOF {
			return cells, nil
		}
		if err != nil {
			return nil, err
		}
		switch el := tok.(type) {
		case xml.StartElement:
			if el.Name.Local != "c" {
				continue
			}
			col++
			if ref := attrValue(el, "r"); ref != "" {
				if c, _, err := excelize.CellNameToCoordinates(ref); err == nil {
					col = c
				}
			}
			a := cellAttrs{typ: attrValue(el, "t")}
			a.style, _ = strconv.Atoi(attrValue(el, "s"))
			cells[col] = a
		case xml.EndElement:
			if el.Name.Local == "row" {
				return cells, nil
			}
		}
	}
}

func attrValue(el xml.StartElement, local string) string {
	for _, a := range el.Attr {
		if a.Name.Local == local && a.Name.Space == "" {
			return a.Value
		}
	}
	return ""
}

// firstWorksheetPart follows the package relationships to the part holding
// the first sheet listed in the workbook.
func firstWorksheetPart(zr *zip.Reader) (string, error) {
	workbook := "xl/workbook.xml"
	if rels, err := readRelationships(zr, "_rels/.rels"); err == nil {
		for _, rel := range rels {
			if rel.Type == excelize.SourceRelationshipOfficeDocument || rel.Type == excelize.StrictSourceRelationshipOfficeDocument {
				workbook = strings.TrimPrefix(rel.Target, "/")
				break
			}
		}
	}

	rid, err := firstSheetRelID(zr, workbook)
	if err != nil {
		return "", err
	}

	dir := path.Dir(workbook)
	rels, err := readRelationships(zr, path.Join(dir, "_rels", path.Base(workbook)+".rels"))
	if err != nil {
		return "", err
	}
	for _, rel := range rels {
		if rel.ID != rid {
			continue
		}
		if strings.HasPrefix(rel.Target, "/") {
			return strings.TrimPrefix(rel.Target, "/"), nil
		}
		return path.Join(dir, rel.Target), nil
	}
	return "", fmt.Errorf("worksheet relationship %q not found", rid)
}

type relationship struct {
	ID     string `xml:"Id,attr"`
	Type   string `xml:"Type,attr"`
	Target string `xml:"Target,attr"`
}

func readRelationships(zr *zip.Reader, name string) ([]relationship, error) {
	f, err := zr.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var doc struct {
		Relationships []relationship `xml:"Relationship"`
	}
	if err := xml.NewDecoder(f).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return doc.Relationships, nil
}

// firstSheetRelID returns the relationship id of the first <sheet> in the
// workbook. The id attribute is namespaced, and the namespace differs between
// transitional and strict files, so any namespaced "id" matches.
func firstSheetRelID(zr *zip.Reader, workbook string) (string, error) {
	f, err := zr.Open(workbook)
	if err != nil {
		return "", err
	}
	defer f.Close()

	dec := xml.NewDecoder(f)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return "", errors.New("workbook lists no sheets")
		}
		if err != nil {
			return "", fmt.Errorf("decode %s: %w", workbook, err)
		}
		el, ok := tok.(xml.StartElement)
		if !ok || el.Name.Local != "sheet" {
			continue
		}
		for _, a := range el.Attr {
			if a.Name.Local == "id" && a.Name.Space != "" {
				return a.Value, nil
			}
		}
		return "", errors.New("first sheet has no relationship id")
	}
}
