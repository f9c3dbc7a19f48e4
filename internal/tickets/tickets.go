// Package tickets holds staged moderation tickets keyed by the location of
// the character they target. At most one ticket exists per location.
package tickets

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/starford/charsheet/internal/apperr"
	"github.com/starford/charsheet/internal/models"
)

// Store is the ticket cache consumed by the moderation gate.
type Store interface {
	// Put stores t under t.Location and returns the ticket it superseded, if any.
	Put(ctx context.Context, t *models.Ticket) (*models.Ticket, error)
	// Get returns the ticket for loc or apperr.ErrNotFound.
	Get(ctx context.Context, loc models.Location) (*models.Ticket, error)
	// Claim removes the ticket for loc if it was staged through prompt and
	// reports whether this call removed it.
	Claim(ctx context.Context, loc, prompt models.Location) (bool, error)
	Close() error
}

// Memory is the in-process ticket store.
type Memory struct {
	mu    sync.Mutex
	items *cache.Cache
}

// NewMemory returns an in-memory store. A zero ttl keeps tickets until resolved.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	return &Memory{items: cache.New(ttl, 10*time.Minute)}
}

var _ Store = (*Memory)(nil)

func (m *Memory) Put(_ context.Context, t *models.Ticket) (*models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := t.Location.Key()
	var prev *models.Ticket
	if x, found := m.items.Get(key); found {
		prev = x.(*models.Ticket)
	}
	m.items.Set(key, t, cache.DefaultExpiration)
	return prev, nil
}

func (m *Memory) Get(_ context.Context, loc models.Location) (*models.Ticket, error) {
	x, found := m.items.Get(loc.Key())
	if !found {
		return nil, apperr.ErrNotFound
	}
	return x.(*models.Ticket), nil
}

func (m *Memory) Claim(_ context.Context, loc, prompt models.Location) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	x, found := m.items.Get(loc.Key())
	if !found || x.(*models.Ticket).Prompt != prompt {
		return false, nil
	}
	m.items.Delete(loc.Key())
	return true, nil
}

// Len returns the number of pending tickets.
func (m *Memory) Len() int { return m.items.ItemCount() }

func (m *Memory) Close() error {
	m.items.Flush()
	return nil
}
