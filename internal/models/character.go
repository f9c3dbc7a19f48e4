// Package models defines the domain types for character sheets.
package models

import (
	"fmt"
	"strings"
)

// Location is the two-part address of a rendered document: the container
// (channel) holding it and the document (message) id. It is the join key
// between every store.
type Location struct {
	ChannelID string `json:"channelId" yaml:"channel"`
	MessageID string `json:"messageId" yaml:"message"`
}

// Key returns the canonical "channel/message" form.
func (l Location) Key() string {
	return l.ChannelID + "/" + l.MessageID
}

// IsZero reports whether the location is unset.
func (l Location) IsZero() bool {
	return l.ChannelID == "" && l.MessageID == ""
}

func (l Location) String() string { return l.Key() }

// ParseLocation parses the "channel/message" form produced by Key.
func ParseLocation(key string) (Location, error) {
	channel, message, ok := strings.Cut(key, "/")
	if !ok || channel == "" || message == "" || strings.Contains(message, "/") {
		return Location{}, fmt.Errorf("invalid location %q", key)
	}
	return Location{ChannelID: channel, MessageID: message}, nil
}

// GroupKind selects the editable field group of a character.
type GroupKind string

const (
	GroupStats  GroupKind = "stats"
	GroupMacros GroupKind = "macros"
)

// Valid reports whether g names a known group.
func (g GroupKind) Valid() bool {
	return g == GroupStats || g == GroupMacros
}

// Actor is the platform user performing an operation.
type Actor struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Moderator bool   `json:"moderator,omitempty"`
}

// TemplateBinding is the part of the guild template copied into a character
// when it is created.
type TemplateBinding struct {
	DiceType        string `json:"diceType,omitempty"`
	CriticalSuccess int    `json:"criticalSuccess,omitempty"`
	CriticalFailure int    `json:"criticalFailure,omitempty"`
}

// CharacterDocument is the canonical character record.
type CharacterDocument struct {
	Guild     string          `json:"guild"`
	OwnerID   string          `json:"ownerId"`
	CharName  string          `json:"charName,omitempty"`
	Avatar    string          `json:"avatar,omitempty"`
	IsPrivate bool            `json:"isPrivate,omitempty"`
	Location  Location        `json:"location"`
	Stats     StatBlock       `json:"stats,omitempty"`
	Macros    MacroSet        `json:"macros,omitempty"`
	Template  TemplateBinding `json:"template"`
	// PageMarker is the next wizard page; zero once registration is complete.
	PageMarker int `json:"pageMarker,omitempty"`
}

// Complete reports whether registration has finished.
func (d *CharacterDocument) Complete() bool {
	return d.PageMarker == 0
}

// NameKey is the normalized character name; empty for the default character.
func (d *CharacterDocument) NameKey() string {
	return NormalizeName(d.CharName)
}

// DisplayName returns the character name, or a placeholder for the default character.
func (d *CharacterDocument) DisplayName() string {
	if d.CharName == "" {
		return "(default)"
	}
	return d.CharName
}

// Clone returns a deep copy.
func (d *CharacterDocument) Clone() *CharacterDocument {
	c := *d
	c.Stats = d.Stats.Clone()
	c.Macros = d.Macros.Clone()
	return &c
}
