// SPDX-License-Identifier: Apache-2.0

package run

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pvsafety/dsrmap/internal/deliverable"
	"github.com/pvsafety/dsrmap/internal/evidence"
)

// formatFromPath maps a file extension to a parser format hint. Unknown
// extensions return "" and the pipeline detects the format from content.
func formatFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return "pdf"
	case ".md", ".markdown":
		return "markdown"
	case ".txt":
		return "text"
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	}
	return ""
}

// loader reads source documents and records the ones it has to skip.
type loader struct {
	pipeline  *evidence.Pipeline
	omissions []deliverable.Omission
	r         *Runner
}

// load parses the document at path as kind. A document that cannot be
// parsed is recorded as an omission and yields no sections; a document that
// cannot be read is an error.
func (l *loader) load(ctx context.Context, path string, kind evidence.DocumentKind) ([]evidence.SourceSection, error) {
	if path == "" {
		return nil, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s source: %w", kind, err)
	}
	res, err := l.pipeline.LoadWithMeta(ctx, evidence.Document{
		Content: content,
		Format:  formatFromPath(path),
		ID:      path,
		Kind:    kind,
	})
	if err != nil {
		if evidence.IsInputFormat(err) {
			l.omit(path, kind, err)
			return nil, nil
		}
		return nil, err
	}
	l.r.logger.Info("loaded source", "kind", kind.String(), "path", path,
		"parser", res.ParserUsed, "sections", len(res.Sections))
	return res.Sections, nil
}

func (l *loader) omit(path string, kind evidence.DocumentKind, err error) {
	l.r.logger.Warn("skipping unreadable source", "kind", kind.String(), "path", path, "error", err)
	l.omissions = append(l.omissions, deliverable.Omission{Document: path, Kind: kind.String(), Reason: err.Error()})
	if l.r.metrics != nil {
		l.r.metrics.Omissions.Inc()
	}
}

// loadSectionIndex reads pre-extracted DSR sections: a CSV index with the
// columns section_num, title, page_start, page_end and file, where file
// names a text file under dir holding the section body. Rows whose file is
// missing keep an empty body.
func loadSectionIndex(indexPath, dir string) ([]evidence.SourceSection, error) {
	f, err := os.Open(indexPath)
	if err != nil {
		return nil, fmt.Errorf("open section index: %w", err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, &evidence.InputFormatError{Document: indexPath, Err: fmt.Errorf("read header: %w", err)}
	}
	col := map[string]int{}
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := col["section_num"]; !ok {
		return nil, &evidence.InputFormatError{Document: indexPath, Err: errors.New("missing section_num column")}
	}
	field := func(row []string, name string) string {
		if i, ok := col[name]; ok && i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	var sections []evidence.SourceSection
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &evidence.InputFormatError{Document: indexPath, Err: err}
		}
		id := field(row, "section_num")
		if id == "" {
			continue
		}
		sec := evidence.SourceSection{ID: id, Heading: field(row, "title")}
		sec.Pages.Start, _ = strconv.Atoi(field(row, "page_start"))
		sec.Pages.End, _ = strconv.Atoi(field(row, "page_end"))
		if name := field(row, "file"); name != "" {
			body, err := os.ReadFile(filepath.Join(dir, filepath.Base(name)))
			if err == nil {
				sec.Body = strings.TrimSpace(string(body))
			}
		}
		sec.Provenance = evidence.Provenance{Kind: evidence.KindDSR, Locator: indexPath}
		sections = append(sections, sec)
	}
	return sections, nil
}
