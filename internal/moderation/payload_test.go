package moderation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/charsheet/internal/models"
)

func TestDecodeLegacyPayload(t *testing.T) {
	p, err := DecodePayload(`{"userID":"u1","channelId":"sheets","messageId":"m1"}`)
	require.NoError(t, err)
	assert.Equal(t, 0, p.V)
	assert.Equal(t, models.Location{ChannelID: "sheets", MessageID: "m1"}, p.Target())
}

func TestDecodePayloadErrors(t *testing.T) {
	cases := map[string]string{
		"empty":           "",
		"not json":        "userID=u1",
		"future version":  `{"v":9,"kind":"dice-edit","userID":"u1","channelId":"c","messageId":"m"}`,
		"missing target":  `{"v":1,"kind":"dice-edit","userID":"u1"}`,
		"unknown kind":    `{"v":1,"kind":"poke","userID":"u1","channelId":"c","messageId":"m"}`,
		"version dropped": `{"kind":"dice-edit","userID":"u1","channelId":"c","messageId":"m","sum":"abc"}`,
		"sum without v":   `{"userID":"u1","channelId":"c","messageId":"m","sum":"abc"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodePayload(raw)
			assert.Error(t, err)
		})
	}
}

func TestLegacyProposalDecodes(t *testing.T) {
	doc := &models.Document{
		Kind:     models.DocProposal,
		Guild:    "g1",
		Location: models.Location{ChannelID: "mods", MessageID: "p1"},
		Metadata: `{"userID":"u1","userName":"Ann","channelId":"sheets","messageId":"m1"}`,
		Sections: []models.Section{
			{Title: SectionProposed, Fields: []models.Field{{Name: "str", Value: "12"}}},
		},
	}
	tk, err := DecodeProposal(doc)
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatsEdit, tk.Kind)
	assert.Equal(t, "u1", tk.RequestedBy)
	assert.Equal(t, doc.Location, tk.Prompt)
	s, ok := tk.Stats.Get("str")
	require.True(t, ok)
	assert.Equal(t, 12.0, s.Value)
}

func TestProposalRoundTrip(t *testing.T) {
	tk := &models.Ticket{
		Kind:        models.TicketRegister,
		Guild:       "g1",
		Location:    models.Location{ChannelID: "sheets", MessageID: "m1"},
		Stats:       models.StatBlock{{Name: "str", Value: 10}, {Name: "will", Value: 30, IsCombination: true, Formula: "str+dex"}},
		OwnerID:     "u1",
		RequestedBy: "u1",
	}
	doc, err := RenderProposal(tk)
	require.NoError(t, err)
	doc.Location = models.Location{ChannelID: "mods", MessageID: "p1"}

	got, err := DecodeProposal(doc)
	require.NoError(t, err)
	assert.Equal(t, tk.Kind, got.Kind)
	assert.Equal(t, tk.Stats, got.Stats)
	assert.Equal(t, tk.Location, got.Location)
}
