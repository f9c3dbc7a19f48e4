package guild

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/charsheet/internal/apperr"
	"github.com/starford/charsheet/internal/models"
	"github.com/starford/charsheet/internal/testutil"
)

func TestSettingsRoundTrip(t *testing.T) {
	s := New(testutil.TestDB(t))
	ctx := context.Background()

	got, err := s.Settings(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, Settings{}, got)

	want := Settings{AllowSelfRegister: true, Moderation: true, LogChannel: "logs", ModerationChannel: "mods"}
	require.NoError(t, s.PutSettings(ctx, "g1", want))
	got, err = s.Settings(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, "mods", got.ProposalChannel("x"))
}

func TestPutSettingsRejectsBadChannel(t *testing.T) {
	s := New(testutil.TestDB(t))
	err := s.PutSettings(context.Background(), "g1", Settings{LogChannel: "../etc"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestTemplateRoundTrip(t *testing.T) {
	s := New(testutil.TestDB(t))
	ctx := context.Background()

	_, err := s.Template(ctx, "g1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, s.PutTemplate(ctx, "g1", testutil.Template()))
	got, err := s.Template(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, testutil.Template(), got)
}

func TestUpsertCharacterDuplicate(t *testing.T) {
	s := New(testutil.TestDB(t))
	ctx := context.Background()
	loc1 := models.Location{ChannelID: "c", MessageID: "1"}
	loc2 := models.Location{ChannelID: "c", MessageID: "2"}

	rec := RecordOf(testutil.Character("g1", "u1", "Aria", loc1))
	require.NoError(t, s.UpsertCharacter(ctx, "g1", rec))

	dup := RecordOf(testutil.Character("g1", "u1", "ÀRIA", loc2))
	err := s.UpsertCharacter(ctx, "g1", dup)
	assert.ErrorIs(t, err, apperr.ErrDuplicateName)
	assert.ErrorIs(t, s.CheckDuplicate(ctx, "g1", dup), apperr.ErrDuplicateName)

	other := RecordOf(testutil.Character("g1", "u2", "Aria", loc2))
	require.NoError(t, s.UpsertCharacter(ctx, "g1", other))

	recs, err := s.Characters(ctx, "g1", "")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestUpsertCharacterReplacesByLocation(t *testing.T) {
	s := New(testutil.TestDB(t))
	ctx := context.Background()
	loc := models.Location{ChannelID: "c", MessageID: "1"}

	doc := testutil.Character("g1", "u1", "Aria", loc)
	require.NoError(t, s.UpsertCharacter(ctx, "g1", RecordOf(doc)))
	doc.Macros = models.MacroSet{{Name: "Fire", Expr: "2d6"}}
	require.NoError(t, s.UpsertCharacter(ctx, "g1", RecordOf(doc)))

	rec, err := s.Find(ctx, "g1", "u1", "aria")
	require.NoError(t, err)
	assert.Equal(t, []string{"fire"}, rec.Macros)

	byLoc, err := s.ByLocation(ctx, "g1", loc)
	require.NoError(t, err)
	assert.Equal(t, "Aria", byLoc.CharName)
}

func TestRemoveCharacter(t *testing.T) {
	s := New(testutil.TestDB(t))
	ctx := context.Background()
	loc := models.Location{ChannelID: "c", MessageID: "1"}
	require.NoError(t, s.UpsertCharacter(ctx, "g1", RecordOf(testutil.Character("g1", "u1", "", loc))))

	require.NoError(t, s.RemoveCharacter(ctx, "g1", loc))
	_, err := s.ByLocation(ctx, "g1", loc)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestImportTemplates(t *testing.T) {
	s := New(testutil.TestDB(t))
	dir := t.TempDir()
	good := "dice_type: 1d100\ntotal: 30\nforce_distrib: true\nstats:\n  - name: str\n    min: 0\n  - name: will\n    combination: str*2\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "g1.yaml"), []byte(good), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "g2.yaml"), []byte("stats: [{name: a}]\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o644))

	n, err := s.ImportTemplates(context.Background(), dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tmpl, err := s.Template(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, "1d100", tmpl.DiceType)
	assert.True(t, tmpl.ForceDistrib)
	require.Len(t, tmpl.Stats, 2)
	assert.Equal(t, "str*2", tmpl.Stats[1].Combination)
}
