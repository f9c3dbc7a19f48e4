// Package charcache is the fast-path character lookup. It holds derived,
// disposable copies of rendered character documents and can always be
// rebuilt from the document platform.
package charcache

import (
	"context"
	"sort"
	"sync"

	"github.com/patrickmn/go-cache"

	"github.com/starford/charsheet/internal/models"
	"github.com/starford/charsheet/internal/sheet"
	"github.com/starford/charsheet/internal/storage"
)

// Cache maps (guild, owner) to that owner's characters.
type Cache struct {
	mu    sync.Mutex
	items *cache.Cache
}

// New returns an empty cache. Entries never expire.
func New() *Cache {
	return &Cache{items: cache.New(cache.NoExpiration, 0)}
}

func ownerKey(guild, owner string) string { return guild + "\x00" + owner }

func (c *Cache) entries(key string) []*models.CharacterDocument {
	if x, found := c.items.Get(key); found {
		return x.([]*models.CharacterDocument)
	}
	return nil
}

// Put replaces the entry at the same location, or with the same name for the
// same owner, and appends otherwise.
func (c *Cache) Put(doc *models.CharacterDocument) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := ownerKey(doc.Guild, doc.OwnerID)
	cur := c.entries(key)
	next := make([]*models.CharacterDocument, 0, len(cur)+1)
	replaced := false
	for _, e := range cur {
		if !replaced && (e.Location == doc.Location || e.NameKey() == doc.NameKey()) {
			next = append(next, doc.Clone())
			replaced = true
			continue
		}
		next = append(next, e)
	}
	if !replaced {
		next = append(next, doc.Clone())
	}
	c.items.Set(key, next, cache.NoExpiration)
}

// Get returns the owner's character with the given name ("" for the default).
func (c *Cache) Get(guild, owner, charName string) (*models.CharacterDocument, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	want := models.NormalizeName(charName)
	for _, e := range c.entries(ownerKey(guild, owner)) {
		if e.NameKey() == want {
			return e.Clone(), true
		}
	}
	return nil, false
}

// ByLocation returns the cached character rendered at loc.
func (c *Cache) ByLocation(guild string, loc models.Location) (*models.CharacterDocument, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, x := range c.items.Items() {
		for _, e := range x.Object.([]*models.CharacterDocument) {
			if e.Guild == guild && e.Location == loc {
				return e.Clone(), true
			}
		}
	}
	return nil, false
}

// List returns the owner's characters, or every character of the guild when
// owner is empty, sorted by owner then name.
func (c *Cache) List(guild, owner string) []*models.CharacterDocument {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*models.CharacterDocument
	if owner != "" {
		for _, e := range c.entries(ownerKey(guild, owner)) {
			out = append(out, e.Clone())
		}
		return out
	}
	for _, x := range c.items.Items() {
		for _, e := range x.Object.([]*models.CharacterDocument) {
			if e.Guild == guild {
				out = append(out, e.Clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OwnerID != out[j].OwnerID {
			return out[i].OwnerID < out[j].OwnerID
		}
		return out[i].NameKey() < out[j].NameKey()
	})
	return out
}

// Clear drops every cached character of owner.
func (c *Cache) Clear(guild, owner string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Delete(ownerKey(guild, owner))
}

// InvalidateLocation drops the character rendered at loc, whatever its guild.
// It reports whether an entry was removed.
func (c *Cache) InvalidateLocation(loc models.Location) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := false
	for key, x := range c.items.Items() {
		cur := x.Object.([]*models.CharacterDocument)
		next := cur[:0:0]
		for _, e := range cur {
			if e.Location == loc {
				removed = true
				continue
			}
			next = append(next, e)
		}
		switch {
		case len(next) == len(cur):
		case len(next) == 0:
			c.items.Delete(key)
		default:
			c.items.Set(key, next, cache.NoExpiration)
		}
	}
	return removed
}

// Len returns the number of cached characters.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, x := range c.items.Items() {
		n += len(x.Object.([]*models.CharacterDocument))
	}
	return n
}

// Rebuild parses the character rendered at loc and caches it. Incomplete
// registrations are returned but not cached.
func (c *Cache) Rebuild(ctx context.Context, p storage.Provider, loc models.Location) (*models.CharacterDocument, error) {
	doc, err := p.Fetch(ctx, loc)
	if err != nil {
		return nil, err
	}
	ch, err := sheet.Parse(doc)
	if err != nil {
		return nil, err
	}
	if ch.Complete() {
		c.Put(ch)
	}
	return ch, nil
}
