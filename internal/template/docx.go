// SPDX-License-Identifier: Apache-2.0

package template

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"slices"
	"strings"

	"github.com/pvsafety/dsrmap/internal/evidence"
)

// docxContent is the body of word/document.xml: top-level paragraphs and
// tables, each table as rows of cell text.
type docxContent struct {
	paragraphs []string
	tables     [][][]string
}

// readDocx reads word/document.xml from the docx zip archive.
func readDocx(content []byte) (*docxContent, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("open docx archive: %w", err)
	}
	var docFile *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return nil, fmt.Errorf("word/document.xml not found in archive")
	}
	rc, err := docFile.Open()
	if err != nil {
		return nil, fmt.Errorf("open document.xml: %w", err)
	}
	defer rc.Close()
	return decodeDocument(rc)
}

func decodeDocument(r io.Reader) (*docxContent, error) {
	decoder := xml.NewDecoder(r)
	doc := &docxContent{}

	var (
		para       strings.Builder
		inText     bool
		tableDepth int
		rows       [][]string
		row        []string
		cell       []string
	)

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode document.xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				para.Reset()
			case "t":
				inText = true
			case "tab":
				para.WriteByte('\t')
			case "br", "cr":
				para.WriteByte('\n')
			case "tbl":
				tableDepth++
				if tableDepth == 1 {
					rows = nil
				}
			case "tr":
				if tableDepth == 1 {
					row = nil
				}
			case "tc":
				if tableDepth == 1 {
					cell = nil
				}
			}

		case xml.CharData:
			if inText {
				para.Write(t)
			}

		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				text := strings.TrimSpace(para.String())
				if tableDepth == 0 {
					doc.paragraphs = append(doc.paragraphs, text)
				} else if text != "" {
					cell = append(cell, text)
				}
			case "tc":
				if tableDepth == 1 {
					row = append(row, strings.Join(cell, "\n"))
				}
			case "tr":
				if tableDepth == 1 {
					rows = append(rows, row)
				}
			case "tbl":
				if tableDepth == 1 && len(rows) > 0 {
					doc.tables = append(doc.tables, rows)
				}
				tableDepth--
			}
		}
	}
	return doc, nil
}

// mappingHeaderKeywords identify a mapping table by its header row.
var mappingHeaderKeywords = []string{"section", "content", "source", "reference", "document"}

var (
	idColumnKeywords      = []string{"section", "dsr", "id"}
	headingColumnKeywords = []string{"title", "heading"}
	ruleColumnKeywords    = []string{"rule", "instruction", "extract", "guidance", "content"}
	sourceColumnKeywords  = []string{"source", "reference", "document"}

	leadingIDRe = regexp.MustCompile(`^(\d+(?:\.\d+)*)\.?`)
)

// ParseDocx parses a Word template. A table whose header names sections,
// sources or content is the mapping table and is authoritative; the
// document's numbered paragraphs then only contribute body text. Without a
// mapping table the paragraphs are parsed as a text template.
func (p *Parser) ParseDocx(content []byte) ([]evidence.TemplateSection, error) {
	doc, err := readDocx(content)
	if err != nil {
		return nil, &evidence.InputFormatError{Document: "template", Err: err}
	}

	fromText := splitSections(strings.Join(doc.paragraphs, "\n"))

	table := findMappingTable(doc.tables)
	if table == nil {
		return p.finish(fromText, "docx")
	}

	sections, err := parseMappingTable(table)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("using template mapping table", "rows", len(table)-1, "sections", len(sections))
	enrich(sections, fromText)
	return p.finish(sections, "mapping table")
}

func findMappingTable(tables [][][]string) [][]string {
	for _, t := range tables {
		if len(t) < 2 {
			continue
		}
		header := strings.ToLower(strings.Join(t[0], " "))
		for _, kw := range mappingHeaderKeywords {
			if strings.Contains(header, kw) {
				return t
			}
		}
	}
	return nil
}

// findColumn returns the first column with a header word starting with one of
// the keywords, skipping taken columns. Keywords are tried in priority order.
func findColumn(header []string, keywords []string, taken ...int) int {
	for _, kw := range keywords {
		for i, cell := range header {
			if slices.Contains(taken, i) {
				continue
			}
			if headerHas(cell, kw) {
				return i
			}
		}
	}
	return -1
}

func headerHas(cell, kw string) bool {
	for _, w := range strings.Fields(evidence.Normalize(cell)) {
		if strings.HasPrefix(w, kw) {
			return true
		}
	}
	return false
}

func parseMappingTable(table [][]string) ([]evidence.TemplateSection, error) {
	header := table[0]
	idCol := findColumn(header, idColumnKeywords)
	if idCol < 0 {
		return nil, evidence.Structuralf("mapping table has no section id column (header: %q)", header)
	}
	headingCol := findColumn(header, headingColumnKeywords, idCol)
	sourceCol := findColumn(header, sourceColumnKeywords, idCol, headingCol)
	ruleCol := findColumn(header, ruleColumnKeywords, idCol, headingCol, sourceCol)

	cellAt := func(row []string, col int) string {
		if col < 0 || col >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[col])
	}

	var sections []evidence.TemplateSection
	for _, row := range table[1:] {
		idText := cellAt(row, idCol)
		m := leadingIDRe.FindStringSubmatch(idText)
		if m == nil {
			continue
		}
		s := evidence.TemplateSection{ID: m[1]}

		s.Heading = cellAt(row, headingCol)
		if s.Heading == "" {
			s.Heading = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(idText[len(m[0]):]), "-–:"))
		}
		for _, line := range strings.Split(cellAt(row, ruleCol), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				s.Rules = append(s.Rules, line)
			}
		}
		s.SourceRefs = evidence.SplitRefs(cellAt(row, sourceCol))
		sections = append(sections, s)
	}
	return sections, nil
}

// enrich copies body text, and any rules or sources the table lacks, from
// the paragraph sections with the same id.
func enrich(sections []evidence.TemplateSection, fromText []evidence.TemplateSection) {
	byID := make(map[string]evidence.TemplateSection, len(fromText))
	for _, s := range fromText {
		if _, ok := byID[s.ID]; !ok {
			byID[s.ID] = s
		}
	}
	for i := range sections {
		t, ok := byID[sections[i].ID]
		if !ok {
			continue
		}
		sections[i].Body = t.Body
		if sections[i].Heading == "" {
			sections[i].Heading = t.Heading
		}
		for _, r := range t.Rules {
			if !slices.Contains(sections[i].Rules, r) {
				sections[i].Rules = append(sections[i].Rules, r)
			}
		}
		for _, ref := range t.SourceRefs {
			if !slices.Contains(sections[i].SourceRefs, ref) {
				sections[i].SourceRefs = append(sections[i].SourceRefs, ref)
			}
		}
	}
}
