// Package testutil provides shared test helpers for setting up record
// stores, document vaults and templates.
package testutil

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/starford/charsheet/internal/models"
	"github.com/starford/charsheet/internal/records"
	"github.com/starford/charsheet/internal/storage"
)

// TestDB creates a temporary SQLite record store that is automatically cleaned up.
func TestDB(t *testing.T) *records.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "charsheet-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := records.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestVault creates a temporary document vault.
func TestVault(t *testing.T) (string, *storage.FS) {
	t.Helper()
	vaultDir := t.TempDir()
	store, err := storage.NewFS(vaultDir)
	if err != nil {
		t.Fatal(err)
	}
	return vaultDir, store
}

// Float returns a pointer to v, for template bounds.
func Float(v float64) *float64 { return &v }

// Template returns the reference template: two base statistics sharing a
// 30-point budget and one combination.
func Template() *models.Template {
	return &models.Template{
		DiceType:     "1d20",
		Critical:     models.Critical{Success: 20, Failure: 1},
		Total:        30,
		ForceDistrib: true,
		Stats: []models.StatRule{
			{Name: "str", Min: Float(0), Max: Float(20)},
			{Name: "dex", Min: Float(0), Max: Float(20)},
			{Name: "will", Combination: "str+dex"},
		},
	}
}

// Character returns a complete character built from Template.
func Character(guild, owner, name string, loc models.Location) *models.CharacterDocument {
	return &models.CharacterDocument{
		Guild:    guild,
		OwnerID:  owner,
		CharName: name,
		Location: loc,
		Stats: models.StatBlock{
			{Name: "str", Value: 10},
			{Name: "dex", Value: 20},
			{Name: "will", Value: 30, IsCombination: true, Formula: "str+dex"},
		},
		Macros: models.MacroSet{
			{Name: "atk", Expr: "1d6+str"},
			{Name: "def", Expr: "1d6"},
		},
		Template: models.TemplateBinding{DiceType: "1d20", CriticalSuccess: 20, CriticalFailure: 1},
	}
}

// Notice is one message captured by Recorder.
type Notice struct {
	Target  string
	Message string
}

// Recorder is a notifier that keeps every message it is sent. Messages to a
// target listed in Fail are still kept, but Notify reports the listed error.
type Recorder struct {
	Fail map[string]error

	mu      sync.Mutex
	notices []Notice
}

// Notify records the message.
func (r *Recorder) Notify(_ context.Context, target, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, Notice{Target: target, Message: message})
	return r.Fail[target]
}

// Notices returns a copy of the recorded messages.
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

// To returns the messages sent to target.
func (r *Recorder) To(target string) []string {
	var out []string
	for _, n := range r.Notices() {
		if n.Target == target {
			out = append(out, n.Message)
		}
	}
	return out
}
