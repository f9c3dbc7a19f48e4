// Package parser reads line-oriented "name: value" text and encodes rendered
// documents as Markdown with YAML frontmatter.
package parser

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/starford/charsheet/internal/models"
)

// Entry is one parsed "name: value" pair.
type Entry struct {
	Name  string
	Value string
}

// ParseLines splits raw text into entries. List markers ("-", "*") are
// stripped and the first colon separates name from value. A line without a
// colon, or an indented line, continues the value of the previous entry.
// Entries whose normalized name was already seen are dropped.
func ParseLines(raw string) []Entry {
	var out []Entry
	seen := make(map[string]struct{})
	dropping := false

	for _, line := range strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		indented := line[0] == ' ' || line[0] == '\t'
		trimmed := strings.TrimSpace(line)
		item := stripMarker(trimmed)
		marked := item != trimmed

		name, value, hasColon := strings.Cut(item, ":")
		if (!hasColon || (indented && !marked)) && (len(out) > 0 || dropping) {
			if !dropping {
				last := &out[len(out)-1]
				if last.Value == "" {
					last.Value = trimmed
				} else {
					last.Value += "\n" + trimmed
				}
			}
			continue
		}
		if !hasColon {
			continue
		}

		name = strings.TrimSpace(name)
		key := models.NormalizeName(name)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			dropping = true
			continue
		}
		dropping = false
		seen[key] = struct{}{}
		out = append(out, Entry{Name: name, Value: strings.TrimSpace(value)})
	}
	return out
}

func stripMarker(s string) string {
	for _, m := range []string{"- ", "* "} {
		if strings.HasPrefix(s, m) {
			return strings.TrimSpace(s[len(m):])
		}
	}
	return s
}

// FormatLines renders fields as "- name: value" lines; multi-line values
// continue on indented lines so ParseLines reads them back.
func FormatLines(fields []models.Field) string {
	var b strings.Builder
	for _, f := range fields {
		value := strings.ReplaceAll(f.Value, "\n", "\n  ")
		fmt.Fprintf(&b, "- %s: %s\n", f.Name, value)
	}
	return b.String()
}

type frontmatter struct {
	Kind     models.DocKind `yaml:"kind"`
	Guild    string         `yaml:"guild"`
	Title    string         `yaml:"title,omitempty"`
	Footer   string         `yaml:"footer,omitempty"`
	Metadata string         `yaml:"metadata,omitempty"`
	Actions  []string       `yaml:"actions,omitempty"`
}

// EncodeDocument renders doc as Markdown: YAML frontmatter for the document
// envelope, one "## " heading per section and a list line per field.
func EncodeDocument(doc *models.Document) ([]byte, error) {
	fm, err := yaml.Marshal(frontmatter{
		Kind:     doc.Kind,
		Guild:    doc.Guild,
		Title:    doc.Title,
		Footer:   doc.Footer,
		Metadata: doc.Metadata,
		Actions:  doc.Actions,
	})
	if err != nil {
		return nil, fmt.Errorf("parser: encode frontmatter: %w", err)
	}
	var b bytes.Buffer
	b.WriteString("---\n")
	b.Write(fm)
	b.WriteString("---\n")
	for _, s := range doc.Sections {
		fmt.Fprintf(&b, "\n## %s\n\n", s.Title)
		b.WriteString(FormatLines(s.Fields))
	}
	return b.Bytes(), nil
}

// DecodeDocument parses the output of EncodeDocument. Location and Checksum
// are left for the caller to fill in.
func DecodeDocument(data []byte) (*models.Document, error) {
	fmRaw, body, ok := splitFrontmatter(data)
	if !ok {
		return nil, fmt.Errorf("parser: missing frontmatter")
	}
	var fm frontmatter
	if err := yaml.Unmarshal(fmRaw, &fm); err != nil {
		return nil, fmt.Errorf("parser: decode frontmatter: %w", err)
	}
	doc := &models.Document{
		Kind:     fm.Kind,
		Guild:    fm.Guild,
		Title:    fm.Title,
		Footer:   fm.Footer,
		Metadata: fm.Metadata,
		Actions:  fm.Actions,
	}
	for _, chunk := range splitSections(body) {
		fields := make([]models.Field, 0)
		for _, e := range ParseLines(chunk.body) {
			fields = append(fields, models.Field{Name: e.Name, Value: e.Value})
		}
		doc.Sections = append(doc.Sections, models.Section{Title: chunk.title, Fields: fields})
	}
	return doc, nil
}

// splitFrontmatter separates YAML frontmatter (between leading --- delimiters)
// from the Markdown body.
func splitFrontmatter(data []byte) ([]byte, string, bool) {
	const delim = "---"
	trimmed := bytes.TrimLeft(data, "\n\r")
	if !bytes.HasPrefix(trimmed, []byte(delim)) {
		return nil, "", false
	}
	rest := trimmed[len(delim):]
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		return nil, "", false
	}
	after := rest[idx+1+len(delim):]
	return rest[:idx], strings.TrimLeft(string(after), "\n\r"), true
}

type sectionChunk struct {
	title string
	body  string
}

func splitSections(body string) []sectionChunk {
	var out []sectionChunk
	var cur *sectionChunk
	var lines []string
	flush := func() {
		if cur != nil {
			cur.body = strings.Join(lines, "\n")
			out = append(out, *cur)
		}
		lines = nil
	}
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "## ") {
			flush()
			cur = &sectionChunk{title: strings.TrimSpace(line[3:])}
			continue
		}
		if cur != nil {
			lines = append(lines, line)
		}
	}
	flush()
	return out
}
