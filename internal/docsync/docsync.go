// Package docsync applies finalized field sets to the rendered document, the
// guild records and the character cache. It is the only writer of all three.
package docsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/starford/charsheet/internal/apperr"
	"github.com/starford/charsheet/internal/charcache"
	"github.com/starford/charsheet/internal/guild"
	"github.com/starford/charsheet/internal/models"
	"github.com/starford/charsheet/internal/sheet"
	"github.com/starford/charsheet/internal/sse"
	"github.com/starford/charsheet/internal/storage"
)

// Change is a finalized edit of one field group.
type Change struct {
	Location models.Location
	Group    models.GroupKind
	Stats    models.StatBlock
	Macros   models.MacroSet
	Delta    models.EditDelta
	Actor    models.Actor
}

// Syncer keeps the three stores consistent.
type Syncer struct {
	docs     storage.Provider
	guilds   *guild.Store
	cache    *charcache.Cache
	notifier sse.Notifier
	logger   *slog.Logger
}

// New creates a Syncer.
func New(docs storage.Provider, guilds *guild.Store, cache *charcache.Cache, notifier sse.Notifier, logger *slog.Logger) *Syncer {
	return &Syncer{docs: docs, guilds: guilds, cache: cache, notifier: notifier, logger: logger}
}

// Load returns the character rendered at loc, from the cache when possible
// and from the document otherwise.
func (s *Syncer) Load(ctx context.Context, guildID string, loc models.Location) (*models.CharacterDocument, error) {
	if doc, ok := s.cache.ByLocation(guildID, loc); ok {
		return doc, nil
	}
	doc, err := s.cache.Rebuild(ctx, s.docs, loc)
	if err != nil {
		return nil, fmt.Errorf("docsync: load %s: %w", loc.Key(), err)
	}
	if doc.Guild != guildID {
		return nil, fmt.Errorf("docsync: character at %s: %w", loc.Key(), apperr.ErrNotFound)
	}
	return doc, nil
}

// Commit replaces one field group of the character at ch.Location. An empty
// group removes its section and edit affordance from the document.
func (s *Syncer) Commit(ctx context.Context, guildID string, ch Change) (*models.CharacterDocument, error) {
	prev, err := s.Load(ctx, guildID, ch.Location)
	if err != nil {
		return nil, err
	}
	next := prev.Clone()
	switch ch.Group {
	case models.GroupStats:
		next.Stats = ch.Stats.Clone()
	case models.GroupMacros:
		next.Macros = ch.Macros.Clone()
	default:
		return nil, apperr.Validation("unknown field group %q", ch.Group)
	}
	if err := s.write(ctx, prev, next); err != nil {
		return nil, err
	}

	dropped := ch.Group == models.GroupStats && len(next.Stats) == 0 ||
		ch.Group == models.GroupMacros && len(next.Macros) == 0
	var line string
	if dropped {
		line = fmt.Sprintf("%s removed %d %s fields from %s: the group is gone",
			actorName(ch.Actor), len(ch.Delta.Removed), ch.Group, describe(next))
	} else {
		line = fmt.Sprintf("%s edited %s of %s: %s", actorName(ch.Actor), ch.Group, describe(next), ch.Delta.Summary)
	}
	s.audit(ctx, guildID, next, line)
	return next, nil
}

// Register indexes a completed registration. The document must already be
// rendered at doc.Location.
func (s *Syncer) Register(ctx context.Context, doc *models.CharacterDocument, actor models.Actor) (*models.CharacterDocument, error) {
	if !doc.Complete() {
		return nil, apperr.Validation("registration of %s is not complete", describe(doc))
	}
	if err := s.guilds.CheckDuplicate(ctx, doc.Guild, guild.RecordOf(doc)); err != nil {
		return nil, err
	}
	prev, err := s.docs.Fetch(ctx, doc.Location)
	if err != nil {
		return nil, fmt.Errorf("docsync: register %s: %w", doc.Location.Key(), err)
	}
	if err := s.render(ctx, doc); err != nil {
		return nil, err
	}
	if err := s.guilds.UpsertCharacter(ctx, doc.Guild, guild.RecordOf(doc)); err != nil {
		s.restore(ctx, doc.Location, prev)
		return nil, err
	}
	s.cache.Put(doc)
	s.audit(ctx, doc.Guild, doc, fmt.Sprintf("%s registered %s", actorName(actor), describe(doc)))
	return doc.Clone(), nil
}

// Rename changes the character name; the new name must be free for the owner.
func (s *Syncer) Rename(ctx context.Context, guildID string, loc models.Location, name string, actor models.Actor) (*models.CharacterDocument, error) {
	prev, err := s.Load(ctx, guildID, loc)
	if err != nil {
		return nil, err
	}
	next := prev.Clone()
	next.CharName = name
	if err := s.write(ctx, prev, next); err != nil {
		return nil, err
	}
	s.audit(ctx, guildID, next, fmt.Sprintf("%s renamed %s to %s", actorName(actor), describe(prev), next.DisplayName()))
	return next, nil
}

// Remove deletes the character document and its index entry.
func (s *Syncer) Remove(ctx context.Context, guildID string, loc models.Location, actor models.Actor) error {
	prev, err := s.Load(ctx, guildID, loc)
	if err != nil {
		return err
	}
	if err := s.docs.Delete(ctx, loc); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return fmt.Errorf("docsync: delete %s: %w", loc.Key(), err)
	}
	s.cache.InvalidateLocation(loc)
	if err := s.guilds.RemoveCharacter(ctx, guildID, loc); err != nil {
		return err
	}
	s.audit(ctx, guildID, prev, fmt.Sprintf("%s deleted %s", actorName(actor), describe(prev)))
	return nil
}

// write renders next, then indexes it. A failed index write restores the
// previous rendering.
func (s *Syncer) write(ctx context.Context, prev, next *models.CharacterDocument) error {
	rec := guild.RecordOf(next)
	if err := s.guilds.CheckDuplicate(ctx, next.Guild, rec); err != nil {
		return err
	}
	if err := s.render(ctx, next); err != nil {
		return err
	}
	if err := s.guilds.UpsertCharacter(ctx, next.Guild, rec); err != nil {
		s.restore(ctx, prev.Location, sheet.Render(prev))
		return err
	}
	s.cache.Put(next)
	return nil
}

func (s *Syncer) render(ctx context.Context, doc *models.CharacterDocument) error {
	if err := s.docs.Edit(ctx, doc.Location, sheet.Render(doc)); err != nil {
		return fmt.Errorf("docsync: render %s: %w", doc.Location.Key(), err)
	}
	return nil
}

func (s *Syncer) restore(ctx context.Context, loc models.Location, prev *models.Document) {
	if err := s.docs.Edit(ctx, loc, prev); err != nil {
		s.logger.Error("docsync: restore failed",
			slog.String("location", loc.Key()),
			slog.String("error", err.Error()))
		return
	}
	s.logger.Warn("docsync: restored previous rendering", slog.String("location", loc.Key()))
}

func (s *Syncer) audit(ctx context.Context, guildID string, doc *models.CharacterDocument, line string) {
	s.logger.Info("audit",
		slog.String("guild", guildID),
		slog.String("location", doc.Location.Key()),
		slog.String("owner", doc.OwnerID),
		slog.String("line", line))

	settings, err := s.guilds.Settings(ctx, guildID)
	if err != nil {
		s.logger.Warn("docsync: settings unavailable for audit", slog.String("error", err.Error()))
		return
	}
	if settings.LogChannel == "" {
		return
	}
	if err := s.notifier.Notify(ctx, settings.LogChannel, line); err != nil {
		s.logger.Warn("docsync: audit notify failed",
			slog.String("target", settings.LogChannel),
			slog.String("error", err.Error()))
	}
}

func actorName(a models.Actor) string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

func describe(doc *models.CharacterDocument) string {
	return fmt.Sprintf("%s (%s)", doc.DisplayName(), doc.OwnerID)
}

// CheckTicket reports the error ApplyTicket would return for t because of the
// current state: a missing character, or a registration whose name the owner
// has taken since it was staged.
func (s *Syncer) CheckTicket(ctx context.Context, t *models.Ticket) error {
	if t.Kind != models.TicketRegister {
		_, err := s.Load(ctx, t.Guild, t.Location)
		return err
	}
	doc, err := s.pendingRegistration(ctx, t)
	if err != nil {
		return err
	}
	return s.guilds.CheckDuplicate(ctx, doc.Guild, guild.RecordOf(doc))
}

// pendingRegistration completes the wizard document of t with its staged
// statistics.
func (s *Syncer) pendingRegistration(ctx context.Context, t *models.Ticket) (*models.CharacterDocument, error) {
	rendered, err := s.docs.Fetch(ctx, t.Location)
	if err != nil {
		return nil, fmt.Errorf("docsync: pending registration %s: %w", t.Location.Key(), err)
	}
	doc, err := sheet.Parse(rendered)
	if err != nil {
		return nil, err
	}
	doc.Stats = t.Stats.Clone()
	doc.PageMarker = 0
	return doc, nil
}

// ApplyTicket commits an approved moderation ticket. A registration ticket
// completes the pending wizard document with the staged statistics.
func (s *Syncer) ApplyTicket(ctx context.Context, t *models.Ticket, actor models.Actor) (*models.CharacterDocument, error) {
	if t.Kind == models.TicketRegister {
		doc, err := s.pendingRegistration(ctx, t)
		if err != nil {
			return nil, err
		}
		return s.Register(ctx, doc, actor)
	}
	return s.Commit(ctx, t.Guild, Change{
		Location: t.Location,
		Group:    t.Kind.Group(),
		Stats:    t.Stats,
		Macros:   t.Macros,
		Delta:    t.Delta,
		Actor:    actor,
	})
}
