package moderation

import (
	"fmt"

	"github.com/starford/charsheet/internal/apperr"
	"github.com/starford/charsheet/internal/models"
	"github.com/starford/charsheet/internal/sheet"
)

// Proposal section titles.
const (
	SectionRequest  = "Request"
	SectionProposed = "Proposed"
	SectionChanges  = "Changes"
)

func proposedFields(t *models.Ticket) []models.Field {
	if t.Kind.Group() == models.GroupStats {
		return sheet.StatFields(t.Stats)
	}
	return sheet.MacroFields(t.Macros)
}

// RenderProposal builds the approve/cancel prompt of a ticket with its
// recovery payload in the metadata.
func RenderProposal(t *models.Ticket) (*models.Document, error) {
	payload, err := NewPayload(t).Encode()
	if err != nil {
		return nil, err
	}
	owner := t.OwnerName
	if owner == "" {
		owner = t.OwnerID
	}
	doc := &models.Document{
		Kind:     models.DocProposal,
		Guild:    t.Guild,
		Title:    fmt.Sprintf("%s for %s", t.Kind, owner),
		Metadata: payload,
		Actions:  []string{string(models.ActionApprove), string(models.ActionCancel)},
	}
	doc.SetSection(models.Section{Title: SectionRequest, Fields: []models.Field{
		{Name: "kind", Value: string(t.Kind)},
		{Name: "owner", Value: t.OwnerID},
		{Name: "character", Value: t.Location.Key()},
	}})
	doc.SetSection(models.Section{Title: SectionProposed, Fields: proposedFields(t)})
	if t.Delta.Summary != "" {
		doc.SetSection(models.Section{Title: SectionChanges, Fields: []models.Field{{Name: "summary", Value: t.Delta.Summary}}})
	}
	return doc, nil
}

// DecodeProposal rebuilds the ticket staged through the proposal doc.
func DecodeProposal(doc *models.Document) (*models.Ticket, error) {
	if doc.Kind != models.DocProposal {
		return nil, apperr.Validation("document %s is not a moderation proposal", doc.Location.Key())
	}
	p, err := DecodePayload(doc.Metadata)
	if err != nil {
		return nil, err
	}
	proposed, _ := doc.Section(SectionProposed)

	t := &models.Ticket{
		Kind:        p.Kind,
		Guild:       doc.Guild,
		Location:    p.Target(),
		Prompt:      doc.Location,
		OwnerID:     p.UserID,
		OwnerName:   p.UserName,
		RequestedBy: p.RequestedBy,
	}
	if p.V == 0 {
		// Legacy proposals only ever staged statistics or macro edits.
		t.Kind = models.TicketDiceEdit
		for _, f := range proposed.Fields {
			if isStatValue(f.Value) {
				t.Kind = models.TicketStatsEdit
				break
			}
		}
	} else if FieldSum(proposed.Fields) != p.Sum {
		return nil, fmt.Errorf("moderation: proposal %s was altered: %w", doc.Location.Key(), apperr.ErrConflict)
	}
	if t.RequestedBy == "" {
		t.RequestedBy = t.OwnerID
	}

	if t.Kind.Group() == models.GroupStats {
		stats, err := sheet.ParseStats(proposed.Fields)
		if err != nil {
			return nil, err
		}
		t.Stats = stats
	} else {
		t.Macros = sheet.ParseMacros(proposed.Fields)
	}
	if changes, ok := doc.Section(SectionChanges); ok && len(changes.Fields) > 0 {
		t.Delta.Summary = changes.Fields[0].Value
	}
	return t, nil
}

// isStatValue reports whether a legacy proposed value reads as a statistic.
func isStatValue(v string) bool {
	_, err := sheet.ParseStats([]models.Field{{Name: "v", Value: v}})
	return err == nil
}
