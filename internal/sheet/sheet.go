// Package sheet maps character documents to their rendered form and back.
// Any store that loses a character can rebuild it from Parse(Render(doc)).
package sheet

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/starford/charsheet/internal/apperr"
	"github.com/starford/charsheet/internal/models"
	"github.com/starford/charsheet/internal/parser"
)

// Section titles.
const (
	SectionIdentity = "Identity"
	SectionTemplate = "Template"
	SectionStats    = "Statistics"
	SectionMacros   = "Macros"
)

const (
	fieldUser     = "user"
	fieldName     = "name"
	fieldAvatar   = "avatar"
	fieldPrivate  = "private"
	fieldDice     = "dice"
	fieldCritHit  = "critical success"
	fieldCritMiss = "critical failure"

	footerPage = "page "
)

// SectionFor returns the section title of a field group.
func SectionFor(g models.GroupKind) string {
	if g == models.GroupStats {
		return SectionStats
	}
	return SectionMacros
}

// Render builds the rendered document of a character.
func Render(c *models.CharacterDocument) *models.Document {
	doc := &models.Document{
		Kind:     models.DocCharacter,
		Guild:    c.Guild,
		Title:    c.DisplayName(),
		Location: c.Location,
	}

	identity := []models.Field{{Name: fieldUser, Value: c.OwnerID}}
	if c.CharName != "" {
		identity = append(identity, models.Field{Name: fieldName, Value: c.CharName})
	}
	if c.Avatar != "" {
		identity = append(identity, models.Field{Name: fieldAvatar, Value: c.Avatar})
	}
	if c.IsPrivate {
		identity = append(identity, models.Field{Name: fieldPrivate, Value: "true"})
	}
	doc.SetSection(models.Section{Title: SectionIdentity, Fields: identity})
	doc.SetSection(models.Section{Title: SectionTemplate, Fields: bindingFields(c.Template)})
	doc.SetSection(models.Section{Title: SectionStats, Fields: StatFields(c.Stats)})
	doc.SetSection(models.Section{Title: SectionMacros, Fields: MacroFields(c.Macros)})

	if c.PageMarker > 0 {
		doc.Footer = footerPage + strconv.Itoa(c.PageMarker)
		doc.Actions = []string{models.ActionContinue}
		return doc
	}
	if len(c.Stats) > 0 {
		doc.Actions = append(doc.Actions, models.ActionEditStats)
	}
	if len(c.Macros) > 0 {
		doc.Actions = append(doc.Actions, models.ActionEditMacros)
	}
	doc.Actions = append(doc.Actions, models.ActionAddMacro)
	return doc
}

func bindingFields(b models.TemplateBinding) []models.Field {
	var out []models.Field
	if b.DiceType != "" {
		out = append(out, models.Field{Name: fieldDice, Value: b.DiceType})
	}
	if b.CriticalSuccess != 0 {
		out = append(out, models.Field{Name: fieldCritHit, Value: strconv.Itoa(b.CriticalSuccess)})
	}
	if b.CriticalFailure != 0 {
		out = append(out, models.Field{Name: fieldCritMiss, Value: strconv.Itoa(b.CriticalFailure)})
	}
	return out
}

// StatFields renders statistics; combinations read "formula = value".
func StatFields(stats models.StatBlock) []models.Field {
	out := make([]models.Field, 0, len(stats))
	for _, s := range stats {
		v := s.Display()
		if s.IsCombination {
			v = s.Formula + " = " + v
		}
		out = append(out, models.Field{Name: s.Name, Value: v})
	}
	return out
}

// MacroFields renders macros.
func MacroFields(macros models.MacroSet) []models.Field {
	out := make([]models.Field, 0, len(macros))
	for _, m := range macros {
		out = append(out, models.Field{Name: m.Name, Value: m.Expr})
	}
	return out
}

// ParseStats reads statistics back from rendered fields.
func ParseStats(fields []models.Field) (models.StatBlock, error) {
	var out models.StatBlock
	for _, f := range fields {
		s := models.Stat{Name: f.Name}
		raw := f.Value
		if i := strings.LastIndex(raw, " = "); i >= 0 {
			s.IsCombination = true
			s.Formula = strings.TrimSpace(raw[:i])
			raw = raw[i+3:]
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("sheet: statistic %q: %w", f.Name, err)
		}
		s.Value = v
		out = out.Set(s)
	}
	return out, nil
}

// ParseMacros reads macros back from rendered fields.
func ParseMacros(fields []models.Field) models.MacroSet {
	var out models.MacroSet
	for _, f := range fields {
		if _, dup := out.Get(f.Name); dup {
			continue
		}
		out = out.Set(models.Macro{Name: f.Name, Expr: f.Value})
	}
	return out
}

// Parse rebuilds a character from its rendered document.
func Parse(doc *models.Document) (*models.CharacterDocument, error) {
	if doc.Kind != models.DocCharacter {
		return nil, apperr.Validation("document %s is not a character sheet", doc.Location.Key())
	}
	c := &models.CharacterDocument{Guild: doc.Guild, Location: doc.Location}

	identity, _ := doc.Section(SectionIdentity)
	for _, f := range identity.Fields {
		switch f.Name {
		case fieldUser:
			c.OwnerID = f.Value
		case fieldName:
			c.CharName = f.Value
		case fieldAvatar:
			c.Avatar = f.Value
		case fieldPrivate:
			c.IsPrivate = f.Value == "true"
		}
	}
	if c.OwnerID == "" {
		return nil, fmt.Errorf("sheet: document %s has no owner", doc.Location.Key())
	}

	tmpl, _ := doc.Section(SectionTemplate)
	for _, f := range tmpl.Fields {
		switch f.Name {
		case fieldDice:
			c.Template.DiceType = f.Value
		case fieldCritHit:
			c.Template.CriticalSuccess, _ = strconv.Atoi(f.Value)
		case fieldCritMiss:
			c.Template.CriticalFailure, _ = strconv.Atoi(f.Value)
		}
	}

	if sec, ok := doc.Section(SectionStats); ok {
		stats, err := ParseStats(sec.Fields)
		if err != nil {
			return nil, err
		}
		c.Stats = stats
	}
	if sec, ok := doc.Section(SectionMacros); ok {
		c.Macros = ParseMacros(sec.Fields)
	}

	if strings.HasPrefix(doc.Footer, footerPage) {
		page, err := strconv.Atoi(strings.TrimPrefix(doc.Footer, footerPage))
		if err != nil {
			return nil, fmt.Errorf("sheet: bad page marker %q", doc.Footer)
		}
		c.PageMarker = page
	}
	return c, nil
}

// EditText returns the pre-filled text shown when editing a group.
// Combination statistics are listed by formula.
func EditText(c *models.CharacterDocument, g models.GroupKind) string {
	if g == models.GroupMacros {
		return parser.FormatLines(MacroFields(c.Macros))
	}
	fields := make([]models.Field, 0, len(c.Stats))
	for _, s := range c.Stats {
		v := s.Display()
		if s.IsCombination {
			v = s.Formula
		}
		fields = append(fields, models.Field{Name: s.Name, Value: v})
	}
	return parser.FormatLines(fields)
}
