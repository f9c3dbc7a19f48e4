package models

import (
	"fmt"
	"strings"
	"time"
)

// TicketKind classifies a staged change.
type TicketKind string

const (
	TicketStatsEdit TicketKind = "stats-edit"
	TicketDiceEdit  TicketKind = "dice-edit"
	TicketDiceAdd   TicketKind = "dice-add"
	TicketRegister  TicketKind = "register"
)

// Valid reports whether k is a known ticket kind.
func (k TicketKind) Valid() bool {
	switch k {
	case TicketStatsEdit, TicketDiceEdit, TicketDiceAdd, TicketRegister:
		return true
	}
	return false
}

// Group returns the field group a ticket kind changes. Registrations stage
// the statistics.
func (k TicketKind) Group() GroupKind {
	if k == TicketStatsEdit || k == TicketRegister {
		return GroupStats
	}
	return GroupMacros
}

// ResolveAction is a moderator decision on a ticket.
type ResolveAction string

const (
	ActionApprove ResolveAction = "approve"
	ActionCancel  ResolveAction = "cancel"
)

// Ticket is a staged change awaiting moderator resolution. It is keyed by the
// location of the character it targets; Prompt is the rendered proposal.
type Ticket struct {
	Kind        TicketKind `json:"kind"`
	Guild       string     `json:"guild"`
	Location    Location   `json:"location"`
	Prompt      Location   `json:"prompt"`
	Stats       StatBlock  `json:"stats,omitempty"`
	Macros      MacroSet   `json:"macros,omitempty"`
	Delta       EditDelta  `json:"delta"`
	OwnerID     string     `json:"ownerId"`
	OwnerName   string     `json:"ownerName,omitempty"`
	RequestedBy string     `json:"requestedBy,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// TicketRef identifies a ticket from a resolution request. Prompt is always
// known (the resolution arrives on it); Target is set when the caller also
// knows the character location.
type TicketRef struct {
	Prompt Location `json:"prompt"`
	Target Location `json:"target,omitempty"`
}

// EditDelta classifies the changes of an edit against the previous field set.
type EditDelta struct {
	Added   []string `json:"added"`
	Changed []string `json:"changed"`
	Removed []string `json:"removed"`
	Summary string   `json:"summary"`
}

// Empty reports whether the delta records no change.
func (d EditDelta) Empty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0
}

// Summarize fills Summary from the classified names.
func (d *EditDelta) Summarize() {
	var parts []string
	if len(d.Added) > 0 {
		parts = append(parts, fmt.Sprintf("added: %s", strings.Join(d.Added, ", ")))
	}
	if len(d.Changed) > 0 {
		parts = append(parts, fmt.Sprintf("changed: %s", strings.Join(d.Changed, ", ")))
	}
	if len(d.Removed) > 0 {
		parts = append(parts, fmt.Sprintf("removed: %s", strings.Join(d.Removed, ", ")))
	}
	if len(parts) == 0 {
		d.Summary = "no changes"
		return
	}
	d.Summary = strings.Join(parts, "; ")
}
