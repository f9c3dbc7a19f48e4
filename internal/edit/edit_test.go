package edit

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/charsheet/internal/apperr"
	"github.com/starford/charsheet/internal/formula"
	"github.com/starford/charsheet/internal/models"
	"github.com/starford/charsheet/internal/testutil"
)

func macros(pairs ...string) models.MacroSet {
	var out models.MacroSet
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, models.Macro{Name: pairs[i], Expr: pairs[i+1]})
	}
	return out
}

func TestApply_RemoveMacro(t *testing.T) {
	res, err := Apply(Input{
		Group:  models.GroupMacros,
		Raw:    "- atk: x",
		Macros: macros("atk", "1d6", "def", "1d6"),
	}, formula.New())
	require.NoError(t, err)

	assert.Equal(t, []string{"atk"}, res.Delta.Removed)
	assert.Empty(t, res.Delta.Changed)
	assert.Empty(t, res.Delta.Added)
	assert.Equal(t, macros("def", "1d6"), res.Macros)
	assert.False(t, res.Dropped)
}

func TestApply_AbsentEntriesAreKept(t *testing.T) {
	res, err := Apply(Input{
		Group:  models.GroupMacros,
		Raw:    "- def: 2d6\n- heal: 1d8",
		Macros: macros("atk", "1d6", "def", "1d6"),
	}, formula.New())
	require.NoError(t, err)

	assert.Equal(t, macros("atk", "1d6", "def", "2d6", "heal", "1d8"), res.Macros)
	assert.Equal(t, []string{"heal"}, res.Delta.Added)
	assert.Equal(t, []string{"def"}, res.Delta.Changed)
	assert.Equal(t, "added: heal; changed: def", res.Delta.Summary)
}

func TestApply_DeletionMarkers(t *testing.T) {
	for _, marker := range []string{"x", "X", "0", ""} {
		t.Run(fmt.Sprintf("%q", marker), func(t *testing.T) {
			res, err := Apply(Input{
				Group:  models.GroupMacros,
				Raw:    "- atk: " + marker,
				Macros: macros("atk", "1d6", "def", "1d6"),
			}, formula.New())
			require.NoError(t, err)
			assert.Equal(t, []string{"atk"}, res.Delta.Removed)
		})
	}
}

func TestApply_EverythingRemovedDropsGroup(t *testing.T) {
	res, err := Apply(Input{
		Group:  models.GroupMacros,
		Raw:    "- atk: x\n- def: 0",
		Macros: macros("atk", "1d6", "def", "1d6"),
	}, formula.New())
	require.NoError(t, err)
	assert.True(t, res.Dropped)
	assert.Empty(t, res.Macros)
	assert.ElementsMatch(t, []string{"atk", "def"}, res.Delta.Removed)
}

func TestApply_OneInvalidEntryCommitsNothing(t *testing.T) {
	current := macros("atk", "1d6")
	var lines []string
	for i := 0; i < 9; i++ {
		lines = append(lines, fmt.Sprintf("- m%d: %dd6", i, i+1))
	}
	lines = append(lines[:4], append([]string{"- broken: banana"}, lines[4:]...)...)

	res, err := Apply(Input{
		Group:  models.GroupMacros,
		Raw:    strings.Join(lines, "\n"),
		Macros: current,
	}, formula.New())
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	var fe *apperr.FormulaError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "broken", fe.Name)
	assert.Equal(t, "banana", fe.Expr)
	assert.Equal(t, macros("atk", "1d6"), current, "input must not be mutated")
}

func TestApply_MacroMayReferenceStats(t *testing.T) {
	c := testutil.Character("g", "u", "Aria", models.Location{})
	res, err := Apply(Input{
		Group:  models.GroupMacros,
		Raw:    "- smash: 2d6+str",
		Stats:  c.Stats,
		Macros: c.Macros,
	}, formula.New())
	require.NoError(t, err)
	_, ok := res.Macros.Get("smash")
	assert.True(t, ok)

	_, err = Apply(Input{Group: models.GroupMacros, Raw: "- smash: 2d6+luck", Stats: c.Stats}, formula.New())
	assert.Error(t, err)
}

func TestApply_StatsRecomputeCombinations(t *testing.T) {
	c := testutil.Character("g", "u", "Aria", models.Location{})
	res, err := Apply(Input{
		Group:    models.GroupStats,
		Raw:      "- str: 5\n- dex: 20\n- will: str+dex = 30",
		Template: testutil.Template(),
		Stats:    c.Stats,
	}, formula.New())
	require.NoError(t, err)

	will, ok := res.Stats.Get("will")
	require.True(t, ok)
	assert.True(t, will.IsCombination)
	assert.Equal(t, "str+dex", will.Formula)
	assert.Equal(t, 25.0, will.Value)
	assert.ElementsMatch(t, []string{"str", "will"}, res.Delta.Changed)

	orig, _ := c.Stats.Get("will")
	assert.Equal(t, 30.0, orig.Value, "input must not be mutated")
}

func TestApply_StatValidation(t *testing.T) {
	c := testutil.Character("g", "u", "Aria", models.Location{})
	cases := []struct {
		name string
		raw  string
	}{
		{"above max", "- str: 25"},
		{"negative", "- dex: -1"},
		{"fractional", "- str: 10.5"},
		{"unknown statistic", "- luck: 3"},
		{"numeric combination", "- will: 12"},
		{"bad formula", "- will: str+"},
		{"one bad among good", "- str: 12\n- dex: 99"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Apply(Input{
				Group:    models.GroupStats,
				Raw:      tc.raw,
				Template: testutil.Template(),
				Stats:    c.Stats,
			}, formula.New())
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperr.ErrValidation), "err = %v", err)
		})
	}
}

func TestApply_RemovingReferencedStatFails(t *testing.T) {
	c := testutil.Character("g", "u", "Aria", models.Location{})
	_, err := Apply(Input{
		Group:    models.GroupStats,
		Raw:      "- dex: x",
		Template: testutil.Template(),
		Stats:    c.Stats,
	}, formula.New())
	var fe *apperr.FormulaError
	require.True(t, errors.As(err, &fe), "err = %v", err)
	assert.Equal(t, "will", fe.Name)
}

func TestApply_AddOnly(t *testing.T) {
	in := Input{
		Group:   models.GroupMacros,
		Raw:     "- ATK: 2d6",
		Macros:  macros("atk", "1d6"),
		AddOnly: true,
	}
	_, err := Apply(in, formula.New())
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	in.Raw = "- heal: 1d4"
	res, err := Apply(in, formula.New())
	require.NoError(t, err)
	assert.Equal(t, []string{"heal"}, res.Delta.Added)
}

func TestApply_NoParsableLines(t *testing.T) {
	_, err := Apply(Input{Group: models.GroupMacros, Raw: "just words"}, formula.New())
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}
