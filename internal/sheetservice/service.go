// Package sheetservice exposes the character sheet operations to the HTTP
// and MCP surfaces. It routes every change through the edit engine or the
// wizard, then the moderation gate, then document synchronization.
package sheetservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/starford/charsheet/internal/apperr"
	"github.com/starford/charsheet/internal/charcache"
	"github.com/starford/charsheet/internal/docsync"
	"github.com/starford/charsheet/internal/edit"
	"github.com/starford/charsheet/internal/formula"
	"github.com/starford/charsheet/internal/guild"
	"github.com/starford/charsheet/internal/models"
	"github.com/starford/charsheet/internal/moderation"
	"github.com/starford/charsheet/internal/sheet"
	"github.com/starford/charsheet/internal/sse"
	"github.com/starford/charsheet/internal/wizard"
)

// EditResult is the outcome of an edit submission. Exactly one of Document
// (applied directly) and Ticket (waiting for a moderator) is set, unless the
// submission changed nothing.
type EditResult struct {
	Mode     string                    `json:"mode"`
	Delta    models.EditDelta          `json:"delta"`
	Dropped  bool                      `json:"dropped,omitempty"`
	Document *models.CharacterDocument `json:"document,omitempty"`
	Ticket   *models.Ticket            `json:"ticket,omitempty"`
}

// RegistrationResult is the outcome of a wizard page.
type RegistrationResult struct {
	Step     *wizard.Step              `json:"step"`
	Mode     string                    `json:"mode,omitempty"`
	Document *models.CharacterDocument `json:"document,omitempty"`
	Ticket   *models.Ticket            `json:"ticket,omitempty"`
}

// Service wires the lifecycle components together.
type Service struct {
	guilds   *guild.Store
	wizard   *wizard.Wizard
	gate     *moderation.Gate
	sync     *docsync.Syncer
	cache    *charcache.Cache
	formula  formula.Service
	notifier sse.Notifier
	operator string
	logger   *slog.Logger
}

// Deps groups the collaborators of a Service.
type Deps struct {
	Guilds   *guild.Store
	Wizard   *wizard.Wizard
	Gate     *moderation.Gate
	Sync     *docsync.Syncer
	Cache    *charcache.Cache
	Formula  formula.Service
	Notifier sse.Notifier
	// OperatorTarget receives unexpected failures.
	OperatorTarget string
	Logger         *slog.Logger
}

// NewService creates a new sheet service.
func NewService(d Deps) *Service {
	return &Service{
		guilds:   d.Guilds,
		wizard:   d.Wizard,
		gate:     d.Gate,
		sync:     d.Sync,
		cache:    d.Cache,
		formula:  d.Formula,
		notifier: d.Notifier,
		operator: d.OperatorTarget,
		logger:   d.Logger,
	}
}

// BeginRegistration returns the first wizard page.
func (s *Service) BeginRegistration(ctx context.Context, guildID string, actor models.Actor) (*wizard.Form, error) {
	return s.wizard.Begin(ctx, guildID, actor)
}

// SubmitRegistrationPage advances a registration. The last page hands the
// complete character to the moderation gate.
func (s *Service) SubmitRegistrationPage(ctx context.Context, guildID string, actor models.Actor, sub wizard.Submission) (*RegistrationResult, error) {
	step, err := s.wizard.Submit(ctx, guildID, actor, sub)
	if err != nil {
		return nil, err
	}
	res := &RegistrationResult{Step: step}
	if step.Document == nil {
		return res, nil
	}

	settings, err := s.guilds.Settings(ctx, guildID)
	if err != nil {
		return nil, err
	}
	doc := step.Document
	mode := moderation.ModeFor(settings, actor)
	res.Mode = mode.String()
	if mode == moderation.Direct {
		res.Document, err = s.sync.Register(ctx, doc, actor)
		return res, err
	}

	delta := models.EditDelta{}
	for _, st := range doc.Stats {
		delta.Added = append(delta.Added, st.Name)
	}
	delta.Summarize()
	res.Ticket, err = s.gate.Stage(ctx, &models.Ticket{
		Kind:        models.TicketRegister,
		Guild:       guildID,
		Location:    doc.Location,
		Stats:       doc.Stats,
		Delta:       delta,
		OwnerID:     doc.OwnerID,
		OwnerName:   ownerName(doc, actor),
		RequestedBy: actor.ID,
	})
	return res, err
}

// SubmitEditText applies a full-text resubmission of a field group.
func (s *Service) SubmitEditText(ctx context.Context, guildID string, loc models.Location, group models.GroupKind, raw string, actor models.Actor) (*EditResult, error) {
	kind := models.TicketStatsEdit
	if group == models.GroupMacros {
		kind = models.TicketDiceEdit
	}
	return s.applyEdit(ctx, guildID, loc, group, raw, false, kind, actor)
}

// AddMacro adds one macro; the name must be new.
func (s *Service) AddMacro(ctx context.Context, guildID string, loc models.Location, name, expr string, actor models.Actor) (*EditResult, error) {
	name = strings.TrimSpace(name)
	expr = strings.TrimSpace(expr)
	if name == "" || expr == "" || strings.ContainsAny(name, ":\n") || strings.Contains(expr, "\n") {
		return nil, apperr.Validation("a macro needs a single-line name and expression")
	}
	return s.applyEdit(ctx, guildID, loc, models.GroupMacros, name+": "+expr, true, models.TicketDiceAdd, actor)
}

func (s *Service) applyEdit(ctx context.Context, guildID string, loc models.Location, group models.GroupKind, raw string, addOnly bool, kind models.TicketKind, actor models.Actor) (*EditResult, error) {
	if !group.Valid() {
		return nil, apperr.Validation("unknown field group %q", group)
	}
	doc, err := s.editable(ctx, guildID, loc, actor)
	if err != nil {
		return nil, err
	}
	tmpl, err := s.guilds.Template(ctx, guildID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	res, err := edit.Apply(edit.Input{
		Group:    group,
		Raw:      raw,
		Template: tmpl,
		Stats:    doc.Stats,
		Macros:   doc.Macros,
		AddOnly:  addOnly,
	}, s.formula)
	if err != nil {
		return nil, err
	}
	out := &EditResult{Mode: moderation.Direct.String(), Delta: res.Delta, Dropped: res.Dropped}
	if res.Delta.Empty() {
		out.Document = doc
		return out, nil
	}

	settings, err := s.guilds.Settings(ctx, guildID)
	if err != nil {
		return nil, err
	}
	if moderation.ModeFor(settings, actor) == moderation.Pending {
		out.Mode = moderation.Pending.String()
		out.Ticket, err = s.gate.Stage(ctx, &models.Ticket{
			Kind:        kind,
			Guild:       guildID,
			Location:    loc,
			Stats:       res.Stats,
			Macros:      res.Macros,
			Delta:       res.Delta,
			OwnerID:     doc.OwnerID,
			OwnerName:   ownerName(doc, actor),
			RequestedBy: actor.ID,
		})
		return out, err
	}

	out.Document, err = s.sync.Commit(ctx, guildID, docsync.Change{
		Location: loc,
		Group:    group,
		Stats:    res.Stats,
		Macros:   res.Macros,
		Delta:    res.Delta,
		Actor:    actor,
	})
	return out, err
}

// Rename changes the character name. Renames are not moderated.
func (s *Service) Rename(ctx context.Context, guildID string, loc models.Location, name string, actor models.Actor) (*models.CharacterDocument, error) {
	if _, err := s.editable(ctx, guildID, loc, actor); err != nil {
		return nil, err
	}
	return s.sync.Rename(ctx, guildID, loc, strings.TrimSpace(name), actor)
}

// DeleteCharacter removes a character.
func (s *Service) DeleteCharacter(ctx context.Context, guildID string, loc models.Location, actor models.Actor) error {
	if _, err := s.editable(ctx, guildID, loc, actor); err != nil {
		return err
	}
	return s.sync.Remove(ctx, guildID, loc, actor)
}

// ResolveTicket approves or cancels a staged change.
func (s *Service) ResolveTicket(ctx context.Context, guildID string, ref models.TicketRef, action models.ResolveAction, actor models.Actor) (*moderation.Outcome, error) {
	return s.gate.Resolve(ctx, guildID, ref, action, actor)
}

// PendingTicket returns the ticket staged for the character at loc.
func (s *Service) PendingTicket(ctx context.Context, guildID string, loc models.Location, actor models.Actor) (*models.Ticket, error) {
	t, err := s.gate.Pending(ctx, loc)
	if err != nil {
		return nil, err
	}
	if t.Guild != guildID {
		return nil, fmt.Errorf("ticket for %s: %w", loc.Key(), apperr.ErrNotFound)
	}
	if !actor.Moderator && actor.ID != t.OwnerID && actor.ID != t.RequestedBy {
		return nil, apperr.Permission("this ticket belongs to someone else")
	}
	return t, nil
}

// Character returns the owner's character with the given name ("" for the
// default character). Private characters are visible to their owner and
// moderators only.
func (s *Service) Character(ctx context.Context, guildID, owner, charName string, actor models.Actor) (*models.CharacterDocument, error) {
	doc, ok := s.cache.Get(guildID, owner, charName)
	if !ok {
		rec, err := s.guilds.Find(ctx, guildID, owner, charName)
		if err != nil {
			return nil, err
		}
		doc, err = s.sync.Load(ctx, guildID, rec.Location)
		if err != nil {
			return nil, err
		}
	}
	if !visible(doc, actor) {
		return nil, apperr.Permission("%s is private", doc.DisplayName())
	}
	return doc, nil
}

// CharacterAt returns the character rendered at loc.
func (s *Service) CharacterAt(ctx context.Context, guildID string, loc models.Location, actor models.Actor) (*models.CharacterDocument, error) {
	doc, err := s.sync.Load(ctx, guildID, loc)
	if err != nil {
		return nil, err
	}
	if !visible(doc, actor) {
		return nil, apperr.Permission("%s is private", doc.DisplayName())
	}
	return doc, nil
}

// Characters lists the characters of owner ("" for the whole guild) that the
// actor may see. The record index is authoritative; documents are read
// through the cache.
func (s *Service) Characters(ctx context.Context, guildID, owner string, actor models.Actor) ([]*models.CharacterDocument, error) {
	recs, err := s.guilds.Characters(ctx, guildID, owner)
	if err != nil {
		return nil, err
	}
	out := make([]*models.CharacterDocument, 0, len(recs))
	for _, rec := range recs {
		if rec.IsPrivate && !actor.Moderator && actor.ID != rec.Owner {
			continue
		}
		doc, err := s.sync.Load(ctx, guildID, rec.Location)
		if errors.Is(err, apperr.ErrNotFound) {
			s.logger.Warn("sheetservice: indexed character has no document",
				slog.String("guild", guildID),
				slog.String("location", rec.Location.Key()))
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

// EditText returns the pre-filled text of a field group.
func (s *Service) EditText(ctx context.Context, guildID string, loc models.Location, group models.GroupKind, actor models.Actor) (string, error) {
	if !group.Valid() {
		return "", apperr.Validation("unknown field group %q", group)
	}
	doc, err := s.editable(ctx, guildID, loc, actor)
	if err != nil {
		return "", err
	}
	return sheet.EditText(doc, group), nil
}

// Settings returns the guild settings.
func (s *Service) Settings(ctx context.Context, guildID string) (guild.Settings, error) {
	return s.guilds.Settings(ctx, guildID)
}

// PutSettings replaces the guild settings. Moderators only.
func (s *Service) PutSettings(ctx context.Context, guildID string, st guild.Settings, actor models.Actor) error {
	if !actor.Moderator {
		return apperr.Permission("only a moderator can change the settings")
	}
	return s.guilds.PutSettings(ctx, guildID, st)
}

// Template returns the guild template.
func (s *Service) Template(ctx context.Context, guildID string) (*models.Template, error) {
	return s.guilds.Template(ctx, guildID)
}

// PutTemplate replaces the guild template. Moderators only. Combination
// formulas must evaluate over the template's base statistics.
func (s *Service) PutTemplate(ctx context.Context, guildID string, t *models.Template, actor models.Actor) error {
	if !actor.Moderator {
		return apperr.Permission("only a moderator can change the template")
	}
	if t == nil {
		return apperr.Validation("template is required")
	}
	base := make(map[string]float64)
	for _, r := range t.BaseStats() {
		base[models.NormalizeName(r.Name)] = 1
	}
	for _, r := range t.Combinations() {
		if _, err := s.formula.EvaluateFormula(r.Combination, base); err != nil {
			return &apperr.FormulaError{Name: r.Name, Expr: r.Combination, Err: err}
		}
	}
	if err := s.guilds.PutTemplate(ctx, guildID, t); err != nil {
		return err
	}
	s.logger.Info("sheetservice: template updated", slog.String("guild", guildID), slog.String("actor", actor.ID))
	return nil
}

// ReportFailure escalates an unexpected error to the operator and tells the
// actor the operation failed. User errors are not escalated.
func (s *Service) ReportFailure(ctx context.Context, op string, actor models.Actor, err error) {
	if err == nil || apperr.IsUserError(err) {
		return
	}
	s.logger.Error("sheetservice: operation failed",
		slog.String("op", op),
		slog.String("actor", actor.ID),
		slog.String("error", err.Error()))
	if s.operator != "" {
		if nerr := s.notifier.Notify(ctx, s.operator, fmt.Sprintf("%s by %s failed: %v", op, actor.ID, err)); nerr != nil {
			s.logger.Warn("sheetservice: operator notify failed", slog.String("error", nerr.Error()))
		}
	}
	if actor.ID != "" {
		if nerr := s.notifier.Notify(ctx, "user:"+actor.ID, fmt.Sprintf("%s failed unexpectedly; the operator has been told", op)); nerr != nil {
			s.logger.Warn("sheetservice: actor notify failed", slog.String("actor", actor.ID), slog.String("error", nerr.Error()))
		}
	}
}

// editable loads a complete character the actor may change.
func (s *Service) editable(ctx context.Context, guildID string, loc models.Location, actor models.Actor) (*models.CharacterDocument, error) {
	doc, err := s.sync.Load(ctx, guildID, loc)
	if err != nil {
		return nil, err
	}
	if doc.OwnerID != actor.ID && !actor.Moderator {
		return nil, apperr.Permission("only the owner or a moderator can change %s", doc.DisplayName())
	}
	if !doc.Complete() {
		return nil, apperr.Validation("%s is still being registered", doc.DisplayName())
	}
	return doc, nil
}

func visible(doc *models.CharacterDocument, actor models.Actor) bool {
	return !doc.IsPrivate || actor.Moderator || actor.ID == doc.OwnerID
}

func ownerName(doc *models.CharacterDocument, actor models.Actor) string {
	if doc.OwnerID == actor.ID {
		return actor.Name
	}
	return ""
}
