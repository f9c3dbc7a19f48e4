// Package wizard drives multi-page character registration. The rendered
// character document is the session: its footer records the next page, so a
// registration survives restarts without other state.
package wizard

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/starford/charsheet/internal/apperr"
	"github.com/starford/charsheet/internal/formula"
	"github.com/starford/charsheet/internal/guild"
	"github.com/starford/charsheet/internal/models"
	"github.com/starford/charsheet/internal/sheet"
	"github.com/starford/charsheet/internal/storage"
)

// DefaultStatsPerPage fits platform forms of five inputs with one to spare.
const DefaultStatsPerPage = 4

// DefaultChannel receives registrations when the guild configures none.
const DefaultChannel = "characters"

// Identity fields of the first page.
const (
	FieldUser    = "user"
	FieldName    = "name"
	FieldAvatar  = "avatar"
	FieldChannel = "channel"
	FieldPrivate = "private"
)

// FormField is one input of a page.
type FormField struct {
	Name     string   `json:"name"`
	Required bool     `json:"required,omitempty"`
	Min      *float64 `json:"min,omitempty"`
	Max      *float64 `json:"max,omitempty"`
}

// Form is the page the user fills next.
type Form struct {
	Location   models.Location `json:"location"`
	Page       int             `json:"page"`
	TotalPages int             `json:"totalPages"`
	Fields     []FormField     `json:"fields"`
}

// Submission carries the values of one page. Location is empty on page 1.
type Submission struct {
	Location models.Location   `json:"location"`
	Page     int               `json:"page"`
	Values   map[string]string `json:"values"`
}

// Step is the outcome of a submission: either the next form or, once every
// statistic is in, the complete document ready for gating.
type Step struct {
	Location models.Location           `json:"location"`
	Next     *Form                     `json:"next,omitempty"`
	Document *models.CharacterDocument `json:"document,omitempty"`
	Notice   string                    `json:"notice,omitempty"`
}

// Wizard builds character documents page by page.
type Wizard struct {
	docs         storage.Provider
	guilds       *guild.Store
	formula      formula.Service
	statsPerPage int
}

// New creates a Wizard. statsPerPage outside 1..5 falls back to the default.
func New(docs storage.Provider, guilds *guild.Store, f formula.Service, statsPerPage int) *Wizard {
	if statsPerPage < 1 || statsPerPage > 5 {
		statsPerPage = DefaultStatsPerPage
	}
	return &Wizard{docs: docs, guilds: guilds, formula: f, statsPerPage: statsPerPage}
}

// TotalPages is the identity page plus the statistic pages.
func (w *Wizard) TotalPages(t *models.Template) int {
	n := len(t.BaseStats())
	return 1 + (n+w.statsPerPage-1)/w.statsPerPage
}

func (w *Wizard) pageRules(t *models.Template, page int) []models.StatRule {
	base := t.BaseStats()
	start := (page - 2) * w.statsPerPage
	if page < 2 || start >= len(base) {
		return nil
	}
	end := min(start+w.statsPerPage, len(base))
	return base[start:end]
}

// Begin returns the identity page. Members may only register themselves when
// the guild allows self-registration.
func (w *Wizard) Begin(ctx context.Context, guildID string, actor models.Actor) (*Form, error) {
	settings, err := w.guilds.Settings(ctx, guildID)
	if err != nil {
		return nil, err
	}
	if !actor.Moderator && !settings.AllowSelfRegister {
		return nil, apperr.Permission("registration is reserved to moderators")
	}
	tmpl, err := w.guilds.Template(ctx, guildID)
	if err != nil {
		return nil, err
	}
	return w.identityForm(tmpl, actor), nil
}

func (w *Wizard) identityForm(t *models.Template, actor models.Actor) *Form {
	f := &Form{
		Page:       1,
		TotalPages: w.TotalPages(t),
		Fields: []FormField{
			{Name: FieldUser},
			{Name: FieldName},
			{Name: FieldAvatar},
			{Name: FieldChannel},
		},
	}
	if actor.Moderator {
		f.Fields = append(f.Fields, FormField{Name: FieldPrivate})
	}
	return f
}

func (w *Wizard) statForm(t *models.Template, loc models.Location, page int) *Form {
	f := &Form{Location: loc, Page: page, TotalPages: w.TotalPages(t)}
	for _, r := range w.pageRules(t, page) {
		f.Fields = append(f.Fields, FormField{Name: r.Name, Required: true, Min: r.Min, Max: r.Max})
	}
	return f
}

// Submit validates one page and advances the registration.
func (w *Wizard) Submit(ctx context.Context, guildID string, actor models.Actor, sub Submission) (*Step, error) {
	tmpl, err := w.guilds.Template(ctx, guildID)
	if err != nil {
		return nil, err
	}
	if sub.Location.IsZero() {
		if sub.Page > 1 {
			return nil, apperr.Validation("page %d needs the location of the registration", sub.Page)
		}
		return w.submitIdentity(ctx, guildID, tmpl, actor, sub.Values)
	}
	return w.submitStats(ctx, guildID, tmpl, actor, sub)
}

func (w *Wizard) submitIdentity(ctx context.Context, guildID string, tmpl *models.Template, actor models.Actor, values map[string]string) (*Step, error) {
	settings, err := w.guilds.Settings(ctx, guildID)
	if err != nil {
		return nil, err
	}
	if !actor.Moderator && !settings.AllowSelfRegister {
		return nil, apperr.Permission("registration is reserved to moderators")
	}

	doc := &models.CharacterDocument{
		Guild:    guildID,
		OwnerID:  strings.TrimSpace(lookup(values, FieldUser)),
		CharName: strings.TrimSpace(lookup(values, FieldName)),
		Avatar:   strings.TrimSpace(lookup(values, FieldAvatar)),
		Template: tmpl.Binding(),
	}
	if doc.OwnerID == "" {
		doc.OwnerID = actor.ID
	}
	if doc.OwnerID == "" {
		return nil, apperr.Validation("the owner is required")
	}
	if doc.OwnerID != actor.ID && !actor.Moderator {
		return nil, apperr.Permission("only a moderator can register a character for someone else")
	}
	if actor.Moderator {
		if raw := strings.TrimSpace(lookup(values, FieldPrivate)); raw != "" {
			private, err := strconv.ParseBool(raw)
			if err != nil {
				return nil, apperr.Validation("private: %q is not a boolean", raw)
			}
			doc.IsPrivate = private
		}
	}
	if err := w.guilds.CheckDuplicate(ctx, guildID, guild.RecordOf(doc)); err != nil {
		return nil, err
	}

	channel := strings.TrimSpace(lookup(values, FieldChannel))
	switch {
	case channel != "":
	case doc.IsPrivate && settings.PrivateChannel != "":
		channel = settings.PrivateChannel
	case settings.DefaultChannel != "":
		channel = settings.DefaultChannel
	default:
		channel = DefaultChannel
	}

	// A template without base statistics completes on the identity page; the
	// document keeps marker 1 until it is registered.
	doc.PageMarker = 2
	if len(tmpl.BaseStats()) == 0 {
		if err := w.finalize(tmpl, doc); err != nil {
			return nil, err
		}
		doc.PageMarker = 1
	}

	loc, err := w.docs.Render(ctx, channel, sheet.Render(doc))
	if err != nil {
		return nil, fmt.Errorf("wizard: render: %w", err)
	}
	doc.Location = loc
	if doc.PageMarker == 1 {
		doc.PageMarker = 0
		return &Step{Location: loc, Document: doc}, nil
	}
	return &Step{Location: loc, Next: w.statForm(tmpl, loc, 2)}, nil
}

func (w *Wizard) submitStats(ctx context.Context, guildID string, tmpl *models.Template, actor models.Actor, sub Submission) (*Step, error) {
	rendered, err := w.docs.Fetch(ctx, sub.Location)
	if err != nil {
		return nil, err
	}
	doc, err := sheet.Parse(rendered)
	if err != nil {
		return nil, err
	}
	if doc.Guild != guildID {
		return nil, fmt.Errorf("registration %s: %w", sub.Location.Key(), apperr.ErrNotFound)
	}
	if doc.Complete() {
		return nil, apperr.Validation("registration %s is already complete", sub.Location.Key())
	}
	if doc.OwnerID != actor.ID && !actor.Moderator {
		return nil, apperr.Permission("this registration belongs to someone else")
	}
	if sub.Page != doc.PageMarker {
		return nil, apperr.Validation("page %d was submitted but page %d is next", sub.Page, doc.PageMarker)
	}

	rules := w.pageRules(tmpl, sub.Page)
	if len(rules) == 0 {
		return nil, apperr.Validation("page %d has no statistics", sub.Page)
	}
	stats := doc.Stats.Clone()
	for _, r := range rules {
		raw := strings.TrimSpace(lookup(sub.Values, r.Name))
		if raw == "" {
			return nil, apperr.Validation("%s is required", r.Name)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, apperr.Validation("%s: %q is not a number", r.Name, raw)
		}
		if err := r.CheckValue(v); err != nil {
			return nil, apperr.Validation("%v", err)
		}
		stats = stats.Set(models.Stat{Name: r.Name, Value: v})
	}
	doc.Stats = stats

	if sub.Page < w.TotalPages(tmpl) {
		doc.PageMarker = sub.Page + 1
		if err := w.docs.Edit(ctx, doc.Location, sheet.Render(doc)); err != nil {
			return nil, fmt.Errorf("wizard: render: %w", err)
		}
		return &Step{Location: doc.Location, Next: w.statForm(tmpl, doc.Location, doc.PageMarker)}, nil
	}

	if budget := tmpl.Budget(doc.Stats); budget.Active() && tmpl.ForceDistrib {
		switch {
		case budget.Remaining < 0:
			if err := w.rewind(ctx, doc); err != nil {
				return nil, err
			}
			return nil, apperr.Validation("the point budget of %s is exceeded by %s",
				models.FormatNumber(budget.Total), models.FormatNumber(-budget.Remaining))
		case budget.Remaining > 0:
			if err := w.rewind(ctx, doc); err != nil {
				return nil, err
			}
			return &Step{
				Location: doc.Location,
				Next:     w.statForm(tmpl, doc.Location, 2),
				Notice:   fmt.Sprintf("%s points remaining", models.FormatNumber(budget.Remaining)),
			}, nil
		}
	}

	if err := w.finalize(tmpl, doc); err != nil {
		return nil, err
	}
	doc.PageMarker = 0
	return &Step{Location: doc.Location, Document: doc}, nil
}

// rewind clears the statistics and sends the registration back to the first
// statistic page.
func (w *Wizard) rewind(ctx context.Context, doc *models.CharacterDocument) error {
	doc.Stats = nil
	doc.PageMarker = 2
	if err := w.docs.Edit(ctx, doc.Location, sheet.Render(doc)); err != nil {
		return fmt.Errorf("wizard: rewind: %w", err)
	}
	return nil
}

// finalize appends every template combination evaluated over the base stats.
func (w *Wizard) finalize(tmpl *models.Template, doc *models.CharacterDocument) error {
	base := doc.Stats.Base()
	for _, r := range tmpl.Combinations() {
		v, err := w.formula.EvaluateFormula(r.Combination, base)
		if err != nil {
			return &apperr.FormulaError{Name: r.Name, Expr: r.Combination, Err: err}
		}
		doc.Stats = doc.Stats.Set(models.Stat{Name: r.Name, Value: v, IsCombination: true, Formula: r.Combination})
	}
	return nil
}

// lookup finds a submitted value by normalized field name.
func lookup(values map[string]string, name string) string {
	if v, ok := values[name]; ok {
		return v
	}
	key := models.NormalizeName(name)
	for k, v := range values {
		if models.NormalizeName(k) == key {
			return v
		}
	}
	return ""
}
