package charcache

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/charsheet/internal/models"
	"github.com/starford/charsheet/internal/sheet"
	"github.com/starford/charsheet/internal/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func loc(msg string) models.Location {
	return models.Location{ChannelID: "sheets", MessageID: msg}
}

func TestPutReplaceOrAppend(t *testing.T) {
	c := New()
	c.Put(testutil.Character("g1", "u1", "Aria", loc("m1")))
	c.Put(testutil.Character("g1", "u1", "Bram", loc("m2")))

	updated := testutil.Character("g1", "u1", "ARIA", loc("m1"))
	updated.Macros = nil
	c.Put(updated)

	list := c.List("g1", "u1")
	require.Len(t, list, 2)
	got, ok := c.Get("g1", "u1", "aria")
	require.True(t, ok)
	assert.Empty(t, got.Macros)
	assert.Equal(t, 2, c.Len())
}

func TestEntriesAreCopies(t *testing.T) {
	c := New()
	doc := testutil.Character("g1", "u1", "", loc("m1"))
	c.Put(doc)
	doc.Stats[0].Value = 99

	got, ok := c.Get("g1", "u1", "")
	require.True(t, ok)
	assert.Equal(t, 10.0, got.Stats[0].Value)
}

func TestListGuildAndInvalidate(t *testing.T) {
	c := New()
	c.Put(testutil.Character("g1", "u2", "Zed", loc("m3")))
	c.Put(testutil.Character("g1", "u1", "Aria", loc("m1")))
	c.Put(testutil.Character("g2", "u1", "Aria", loc("m9")))

	all := c.List("g1", "")
	require.Len(t, all, 2)
	assert.Equal(t, "u1", all[0].OwnerID)

	_, ok := c.ByLocation("g1", loc("m3"))
	assert.True(t, ok)

	assert.True(t, c.InvalidateLocation(loc("m3")))
	assert.False(t, c.InvalidateLocation(loc("m3")))
	assert.Len(t, c.List("g1", ""), 1)

	c.Clear("g1", "u1")
	assert.Empty(t, c.List("g1", ""))
	assert.Len(t, c.List("g2", ""), 1)
}

func TestCacheRebuildFromDocuments(t *testing.T) {
	ctx := context.Background()
	_, vault := testutil.TestVault(t)

	ch := testutil.Character("g1", "u1", "Aria", models.Location{})
	l, err := vault.Render(ctx, "sheets", sheet.Render(ch))
	require.NoError(t, err)
	ch.Location = l

	c := New()
	c.Put(ch)
	before, _ := c.Get("g1", "u1", "Aria")

	c.Clear("g1", "u1")
	_, ok := c.Get("g1", "u1", "Aria")
	require.False(t, ok)

	require.NoError(t, Sync(ctx, c, vault, quietLogger()))
	after, ok := c.Get("g1", "u1", "aria")
	require.True(t, ok)
	assert.Equal(t, before, after)
}

func TestSyncSkipsProposalsAndDropsStale(t *testing.T) {
	ctx := context.Background()
	_, vault := testutil.TestVault(t)

	_, err := vault.Render(ctx, "mods", &models.Document{Kind: models.DocProposal, Guild: "g1", Title: "proposal"})
	require.NoError(t, err)
	wip := &models.CharacterDocument{Guild: "g1", OwnerID: "u2", PageMarker: 2}
	_, err = vault.Render(ctx, "sheets", sheet.Render(wip))
	require.NoError(t, err)

	c := New()
	c.Put(testutil.Character("g1", "u1", "Ghost", loc("gone")))
	require.NoError(t, Sync(ctx, c, vault, quietLogger()))
	assert.Equal(t, 0, c.Len())
}

// eventually polls fn every tick until it returns true or timeout elapses.
func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

func TestWatcherFollowsDocuments(t *testing.T) {
	vaultDir, vault := testutil.TestVault(t)
	c := New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var events []string
	go Watch(ctx, c, vault, vaultDir, quietLogger(), func(kind string, l models.Location) {
		mu.Lock()
		events = append(events, kind+":"+l.Key())
		mu.Unlock()
	})
	time.Sleep(100 * time.Millisecond)

	ch := testutil.Character("g1", "u1", "Aria", models.Location{})
	l, err := vault.Render(ctx, "sheets", sheet.Render(ch))
	require.NoError(t, err)

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		_, ok := c.ByLocation("g1", l)
		return ok
	}, "rendered character not cached by watcher")

	require.NoError(t, vault.Delete(ctx, l))
	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		_, ok := c.ByLocation("g1", l)
		return !ok
	}, "deleted character still cached")

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, events, "dropped:"+l.Key())
}
