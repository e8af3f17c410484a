// SPDX-License-Identifier: Apache-2.0

// Package deliverable writes the outputs of a run: the mapping table as
// markdown and CSV, the evidence trace and the run snapshot.
package deliverable

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pvsafety/dsrmap/internal/evidence"
	"github.com/pvsafety/dsrmap/internal/resolve"
)

// File names inside the output directory.
const (
	MappingMarkdown = "mapping.md"
	MappingCSV      = "mapping.csv"
	EvidenceFile    = "evidence.md"
	SnapshotFile    = "snapshot.json"
)

// excerptLen bounds the source text quoted under each trace line.
const excerptLen = 300

// Omission records a source document skipped during loading.
type Omission struct {
	Document string `json:"document"`
	Kind     string `json:"kind"`
	Reason   string `json:"reason"`
}

// Counts summarises a run.
type Counts struct {
	TemplateSections int            `json:"template_sections"`
	Matched          int            `json:"matched"`
	Unmatched        int            `json:"unmatched"`
	ByMethod         map[string]int `json:"by_method"`
	EvidenceFound    int            `json:"evidence_found"`
	EvidenceNotFound int            `json:"evidence_not_found"`
	UnresolvedRefs   int            `json:"unresolved_refs"`
}

// Snapshot is the machine-readable record of a run.
type Snapshot struct {
	RunID          string                      `json:"run_id"`
	CreatedAt      time.Time                   `json:"created_at"`
	Template       string                      `json:"template"`
	Scope          string                      `json:"scope"`
	VectorMode     string                      `json:"vector_mode"`
	EmbeddingModel string                      `json:"embedding_model,omitempty"`
	Degraded       bool                        `json:"degraded"`
	DegradedReason string                      `json:"degraded_reason,omitempty"`
	Counts         Counts                      `json:"counts"`
	Omissions      []Omission                  `json:"omissions,omitempty"`
	Mapping        []evidence.MatchRecord      `json:"mapping"`
	Evidence       []evidence.ResolvedEvidence `json:"evidence"`
}

// Tally fills Counts from the mapping and evidence.
func Tally(records []evidence.MatchRecord, ev []evidence.ResolvedEvidence) Counts {
	c := Counts{TemplateSections: len(records), ByMethod: map[string]int{}}
	for _, r := range records {
		if r.Matched() {
			c.Matched++
		} else {
			c.Unmatched++
		}
		c.ByMethod[string(r.Method)]++
	}
	for _, e := range ev {
		if e.Found() {
			c.EvidenceFound++
		} else {
			c.EvidenceNotFound++
		}
		c.UnresolvedRefs += len(e.UnresolvedRefs)
	}
	return c
}

// Report is everything the writers need. Evidence is parallel to Sections.
type Report struct {
	Sections []evidence.TemplateSection
	Evidence []evidence.ResolvedEvidence
	Snapshot Snapshot
}

// Paths lists the files WriteAll produced.
type Paths struct {
	MappingMarkdown string
	MappingCSV      string
	Evidence        string
	Snapshot        string
}

// WriteAll writes every deliverable into dir, creating it if needed.
func WriteAll(dir string, r Report) (Paths, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Paths{}, fmt.Errorf("create output dir: %w", err)
	}
	p := Paths{
		MappingMarkdown: filepath.Join(dir, MappingMarkdown),
		MappingCSV:      filepath.Join(dir, MappingCSV),
		Evidence:        filepath.Join(dir, EvidenceFile),
		Snapshot:        filepath.Join(dir, SnapshotFile),
	}
	writers := []struct {
		path  string
		write func(io.Writer) error
	}{
		{p.MappingMarkdown, func(w io.Writer) error { return WriteMappingMarkdown(w, r.Snapshot.Mapping) }},
		{p.MappingCSV, func(w io.Writer) error { return WriteMappingCSV(w, r.Snapshot.Mapping) }},
		{p.Evidence, func(w io.Writer) error { return WriteEvidence(w, r.Sections, r.Evidence) }},
		{p.Snapshot, func(w io.Writer) error { return WriteSnapshot(w, r.Snapshot) }},
	}
	for _, wr := range writers {
		if err := writeFile(wr.path, wr.write); err != nil {
			return Paths{}, err
		}
	}
	return p, nil
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

var mappingHeader = []string{"template_id", "template_heading", "dsr_section", "dsr_heading", "method", "confidence", "rationale"}

func mappingRow(r evidence.MatchRecord) []string {
	return []string{
		r.TemplateID,
		r.TemplateHeading,
		r.SourceLabel(),
		r.SourceHeading,
		string(r.Method),
		strconv.FormatFloat(r.Confidence, 'f', 2, 64),
		r.Rationale,
	}
}

// WriteMappingCSV writes one row per record in template order.
func WriteMappingCSV(w io.Writer, records []evidence.MatchRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(mappingHeader); err != nil {
		return err
	}
	for _, r := range records {
		if err := cw.Write(mappingRow(r)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

var cellEscaper = strings.NewReplacer("|", `\|`, "\r\n", " ", "\n", " ")

// WriteMappingMarkdown writes the mapping as a markdown table.
func WriteMappingMarkdown(w io.Writer, records []evidence.MatchRecord) error {
	var b strings.Builder
	b.WriteString("# DSR Section Mapping\n\n")
	b.WriteString("| Template | Heading | DSR section | DSR heading | Method | Confidence | Rationale |\n")
	b.WriteString("|---|---|---|---|---|---|---|\n")
	for _, r := range records {
		row := mappingRow(r)
		for i := range row {
			row[i] = cellEscaper.Replace(row[i])
		}
		b.WriteString("| " + strings.Join(row, " | ") + " |\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// headingLevel maps "1" to ## and "2.1" to ###, capped at ######.
func headingLevel(id string) int {
	if !evidence.IsNumericID(id) {
		return 2
	}
	return min(strings.Count(id, ".")+2, 6)
}

func excerpt(text string) string {
	text = evidence.CollapseLines(text)
	if r := []rune(text); len(r) > excerptLen {
		return strings.TrimSpace(string(r[:excerptLen])) + "…"
	}
	return text
}

// WriteEvidence writes the source trace for every template section: the
// ranked passages with their SOURCE TRACE lines, or the explicit not-found
// and manual-input markers.
func WriteEvidence(w io.Writer, sections []evidence.TemplateSection, ev []evidence.ResolvedEvidence) error {
	if len(sections) != len(ev) {
		return fmt.Errorf("evidence for %d sections, have %d sections", len(ev), len(sections))
	}
	var b strings.Builder
	b.WriteString("# Source Evidence\n\n")
	for i, ts := range sections {
		fmt.Fprintf(&b, "%s %s %s\n\n", strings.Repeat("#", headingLevel(ts.ID)), ts.ID, ts.Heading)
		e := ev[i]
		if !e.Found() {
			b.WriteString(resolve.NotFoundLine(ts) + "\n\n")
		}
		for _, p := range e.Passages {
			if text := excerpt(p.Section.Body); text != "" {
				b.WriteString("> " + text + "\n\n")
			}
			b.WriteString(resolve.TraceLine(p) + "\n\n")
		}
		for _, ref := range e.UnresolvedRefs {
			b.WriteString(resolve.ManualInputLine(ref) + "\n\n")
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteSnapshot writes the snapshot as indented JSON.
func WriteSnapshot(w io.Writer, s Snapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// ReadSnapshot decodes a snapshot written by WriteSnapshot.
func ReadSnapshot(r io.Reader) (Snapshot, error) {
	var s Snapshot
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, nil
}
