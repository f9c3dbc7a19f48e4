package moderation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/starford/charsheet/internal/checksum"
	"github.com/starford/charsheet/internal/models"
)

// PayloadVersion is the current recovery payload schema.
const PayloadVersion = 1

// Payload is the recovery copy of a ticket embedded in its proposal. It is
// decoded only when the ticket cache has no entry for the proposal.
//
// Version 0 is the flat legacy form {userID, userName?, channelId, messageId}
// and carries no kind, requester or checksum.
type Payload struct {
	V           int               `json:"v"`
	Kind        models.TicketKind `json:"kind,omitempty"`
	UserID      string            `json:"userID"`
	UserName    string            `json:"userName,omitempty"`
	ChannelID   string            `json:"channelId"`
	MessageID   string            `json:"messageId"`
	RequestedBy string            `json:"requestedBy,omitempty"`
	Sum         string            `json:"sum,omitempty"`
}

// Target is the location of the character the ticket changes.
func (p *Payload) Target() models.Location {
	return models.Location{ChannelID: p.ChannelID, MessageID: p.MessageID}
}

// FieldSum digests the proposed fields as they appear on the proposal.
func FieldSum(fields []models.Field) string {
	lines := make([]string, len(fields))
	for i, f := range fields {
		lines[i] = f.Name + ": " + f.Value
	}
	return checksum.Short(lines...)
}

// NewPayload builds the current-version payload of t.
func NewPayload(t *models.Ticket) Payload {
	return Payload{
		V:           PayloadVersion,
		Kind:        t.Kind,
		UserID:      t.OwnerID,
		UserName:    t.OwnerName,
		ChannelID:   t.Location.ChannelID,
		MessageID:   t.Location.MessageID,
		RequestedBy: t.RequestedBy,
		Sum:         FieldSum(proposedFields(t)),
	}
}

// Encode returns the JSON text embedded in the proposal metadata.
func (p Payload) Encode() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("moderation: encode payload: %w", err)
	}
	return string(raw), nil
}

// DecodePayload parses proposal metadata of any known version.
func DecodePayload(raw string) (*Payload, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("moderation: proposal carries no payload")
	}
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("moderation: decode payload: %w", err)
	}
	if p.V > PayloadVersion {
		return nil, fmt.Errorf("moderation: unsupported payload version %d", p.V)
	}
	if p.UserID == "" || p.ChannelID == "" || p.MessageID == "" {
		return nil, fmt.Errorf("moderation: payload is missing the owner or the target")
	}
	if p.V == 0 && (p.Kind != "" || p.Sum != "") {
		return nil, fmt.Errorf("moderation: payload carries v1 fields without a version")
	}
	if p.V >= 1 && !p.Kind.Valid() {
		return nil, fmt.Errorf("moderation: payload has unknown kind %q", p.Kind)
	}
	return &p, nil
}
