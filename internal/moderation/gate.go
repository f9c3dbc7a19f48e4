// Package moderation decides whether a change applies directly or waits for
// a moderator, and owns the lifecycle of staged tickets.
//
// A ticket is closed by two deletions: its ticket cache entry and its
// proposal document. Whoever performs them first resolves the ticket; every
// later attempt reports apperr.ErrAlreadyResolved.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/starford/charsheet/internal/apperr"
	"github.com/starford/charsheet/internal/guild"
	"github.com/starford/charsheet/internal/models"
	"github.com/starford/charsheet/internal/sse"
	"github.com/starford/charsheet/internal/storage"
	"github.com/starford/charsheet/internal/tickets"
)

// Mode is the gate decision for one commit.
type Mode int

const (
	Direct Mode = iota
	Pending
)

func (m Mode) String() string {
	if m == Pending {
		return "pending"
	}
	return "direct"
}

// ModeFor returns Pending when the guild lets members register themselves
// under moderation and the actor is not a moderator.
func ModeFor(s guild.Settings, actor models.Actor) Mode {
	if s.AllowSelfRegister && s.Moderation && !actor.Moderator {
		return Pending
	}
	return Direct
}

// Committer applies an approved ticket. CheckTicket runs before the ticket
// is claimed and must fail for any ticket ApplyTicket would refuse.
type Committer interface {
	CheckTicket(ctx context.Context, t *models.Ticket) error
	ApplyTicket(ctx context.Context, t *models.Ticket, actor models.Actor) (*models.CharacterDocument, error)
}

// Outcome is the result of a resolution.
type Outcome struct {
	Action   models.ResolveAction      `json:"action"`
	Ticket   *models.Ticket            `json:"ticket"`
	Document *models.CharacterDocument `json:"document,omitempty"`
}

// Gate stages and resolves tickets.
type Gate struct {
	tickets  tickets.Store
	docs     storage.Provider
	guilds   *guild.Store
	commit   Committer
	notifier sse.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Gate.
func New(ts tickets.Store, docs storage.Provider, guilds *guild.Store, commit Committer, notifier sse.Notifier, logger *slog.Logger) *Gate {
	return &Gate{
		tickets:  ts,
		docs:     docs,
		guilds:   guilds,
		commit:   commit,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Stage renders the proposal of t, stores t under its character location and
// notifies the moderators. An unresolved earlier ticket for the same location
// is superseded and its proposal deleted.
func (g *Gate) Stage(ctx context.Context, t *models.Ticket) (*models.Ticket, error) {
	if !t.Kind.Valid() {
		return nil, apperr.Validation("unknown ticket kind %q", t.Kind)
	}
	settings, err := g.guilds.Settings(ctx, t.Guild)
	if err != nil {
		return nil, err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = g.now().UTC()
	}
	if t.RequestedBy == "" {
		t.RequestedBy = t.OwnerID
	}

	proposal, err := RenderProposal(t)
	if err != nil {
		return nil, err
	}
	channel := settings.ProposalChannel(t.Location.ChannelID)
	prompt, err := g.docs.Render(ctx, channel, proposal)
	if err != nil {
		return nil, fmt.Errorf("moderation: render proposal: %w", err)
	}
	t.Prompt = prompt

	prev, err := g.tickets.Put(ctx, t)
	if err != nil {
		if delErr := g.docs.Delete(ctx, prompt); delErr != nil {
			g.logger.Warn("moderation: orphan proposal", slog.String("prompt", prompt.Key()), slog.String("error", delErr.Error()))
		}
		return nil, err
	}
	if prev != nil && prev.Prompt != prompt {
		if err := g.docs.Delete(ctx, prev.Prompt); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			g.logger.Warn("moderation: superseded proposal not deleted",
				slog.String("prompt", prev.Prompt.Key()),
				slog.String("error", err.Error()))
		}
		g.logger.Info("moderation: ticket superseded",
			slog.String("location", t.Location.Key()),
			slog.String("prompt", prev.Prompt.Key()))
	}

	g.logger.Info("moderation: ticket staged",
		slog.String("guild", t.Guild),
		slog.String("kind", string(t.Kind)),
		slog.String("location", t.Location.Key()),
		slog.String("prompt", prompt.Key()))
	g.notify(ctx, channel, fmt.Sprintf("%s awaits approval at %s", proposal.Title, prompt.Key()))
	return t, nil
}

// Pending returns the ticket staged for the character at loc.
func (g *Gate) Pending(ctx context.Context, loc models.Location) (*models.Ticket, error) {
	return g.tickets.Get(ctx, loc)
}

// Resolve approves or cancels the ticket staged through ref.Prompt. Approval
// requires a moderator; the requester may cancel their own ticket.
func (g *Gate) Resolve(ctx context.Context, guildID string, ref models.TicketRef, action models.ResolveAction, actor models.Actor) (*Outcome, error) {
	if action != models.ActionApprove && action != models.ActionCancel {
		return nil, apperr.Validation("unknown action %q", action)
	}
	if ref.Prompt.IsZero() {
		return nil, apperr.Validation("ticket reference has no prompt")
	}

	t, cached, err := g.lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	if t.Guild != guildID {
		return nil, fmt.Errorf("ticket %s: %w", ref.Prompt.Key(), apperr.ErrNotFound)
	}
	switch {
	case action == models.ActionApprove && !actor.Moderator:
		return nil, apperr.Permission("only a moderator can approve")
	case action == models.ActionCancel && !actor.Moderator && actor.ID != t.RequestedBy:
		return nil, apperr.Permission("only a moderator or the requester can cancel")
	}

	// A refused approval leaves the ticket staged so it can still be cancelled.
	if action == models.ActionApprove {
		if err := g.commit.CheckTicket(ctx, t); err != nil {
			return nil, err
		}
	}

	claimed, err := g.tickets.Claim(ctx, t.Location, t.Prompt)
	if err != nil {
		return nil, err
	}
	if cached && !claimed {
		return nil, apperr.ErrAlreadyResolved
	}
	// Deleting the proposal is what resolves the ticket; the cache claim
	// alone only turns away racers that found the cached entry.
	if err := g.docs.Delete(ctx, t.Prompt); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.ErrAlreadyResolved
		}
		return nil, fmt.Errorf("moderation: delete proposal: %w", err)
	}

	out := &Outcome{Action: action, Ticket: t}
	g.logger.Info("moderation: ticket resolved",
		slog.String("guild", t.Guild),
		slog.String("action", string(action)),
		slog.String("location", t.Location.Key()),
		slog.String("actor", actor.ID),
		slog.Bool("from_cache", cached))

	if action == models.ActionApprove {
		doc, err := g.commit.ApplyTicket(ctx, t, actor)
		if err != nil {
			g.abandon(ctx, t, err)
			return nil, err
		}
		out.Document = doc
		return out, nil
	}

	g.discardRegistration(ctx, t)
	if actor.ID != t.RequestedBy {
		g.notify(ctx, "user:"+t.RequestedBy, fmt.Sprintf("your %s request for %s was cancelled by %s", t.Kind, t.Location.Key(), actorLabel(actor)))
	}
	return out, nil
}

// lookup finds the ticket in the cache, falling back to the payload embedded
// in the proposal. cached reports which source answered.
func (g *Gate) lookup(ctx context.Context, ref models.TicketRef) (*models.Ticket, bool, error) {
	if !ref.Target.IsZero() {
		if t, err := g.tickets.Get(ctx, ref.Target); err == nil && t.Prompt == ref.Prompt {
			return t, true, nil
		}
	}

	proposal, err := g.docs.Fetch(ctx, ref.Prompt)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, false, apperr.ErrAlreadyResolved
	}
	if err != nil {
		return nil, false, fmt.Errorf("moderation: fetch proposal: %w", err)
	}
	decoded, err := DecodeProposal(proposal)
	if err != nil {
		return nil, false, err
	}
	if t, err := g.tickets.Get(ctx, decoded.Location); err == nil && t.Prompt == ref.Prompt {
		return t, true, nil
	}
	g.logger.Info("moderation: ticket recovered from proposal",
		slog.String("prompt", ref.Prompt.Key()),
		slog.String("location", decoded.Location.Key()))
	return decoded, false, nil
}

// abandon cleans up after an approval that failed once the ticket was
// already resolved: the staged change is lost, so the requester is told and a
// pending registration is removed instead of being left half done.
func (g *Gate) abandon(ctx context.Context, t *models.Ticket, cause error) {
	g.logger.Error("moderation: approved ticket not applied",
		slog.String("guild", t.Guild),
		slog.String("kind", string(t.Kind)),
		slog.String("location", t.Location.Key()),
		slog.String("error", cause.Error()))
	g.discardRegistration(ctx, t)
	g.notify(ctx, "user:"+t.RequestedBy, fmt.Sprintf("your %s request for %s was approved but could not be applied: %v", t.Kind, t.Location.Key(), cause))
}

func (g *Gate) discardRegistration(ctx context.Context, t *models.Ticket) {
	if t.Kind != models.TicketRegister {
		return
	}
	if err := g.docs.Delete(ctx, t.Location); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		g.logger.Warn("moderation: pending registration not deleted",
			slog.String("location", t.Location.Key()),
			slog.String("error", err.Error()))
	}
}

func (g *Gate) notify(ctx context.Context, target, msg string) {
	if target == "" {
		return
	}
	if err := g.notifier.Notify(ctx, target, msg); err != nil {
		g.logger.Warn("moderation: notify failed", slog.String("target", target), slog.String("error", err.Error()))
	}
}

func actorLabel(a models.Actor) string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}
