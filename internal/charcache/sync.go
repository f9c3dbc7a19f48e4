package charcache

import (
	"context"
	"log/slog"

	"github.com/starford/charsheet/internal/models"
	"github.com/starford/charsheet/internal/sheet"
	"github.com/starford/charsheet/internal/storage"
)

// Sync walks every document of the platform and brings the cache up to date:
//   - character documents are parsed and cached
//   - cached entries whose document is gone are dropped
func Sync(ctx context.Context, c *Cache, p storage.Provider, logger *slog.Logger) error {
	locs, err := p.List(ctx, "")
	if err != nil {
		return err
	}

	onDisk := make(map[models.Location]struct{}, len(locs))
	for _, loc := range locs {
		onDisk[loc] = struct{}{}
		doc, err := p.Fetch(ctx, loc)
		if err != nil {
			logger.Warn("sync: fetch failed", slog.String("location", loc.Key()), slog.String("error", err.Error()))
			continue
		}
		if doc.Kind != models.DocCharacter {
			continue
		}
		ch, err := sheet.Parse(doc)
		if err != nil {
			logger.Warn("sync: parse failed", slog.String("location", loc.Key()), slog.String("error", err.Error()))
			continue
		}
		if !ch.Complete() {
			continue
		}
		c.Put(ch)
		logger.Debug("sync: cached", slog.String("location", loc.Key()))
	}

	for _, x := range c.items.Items() {
		for _, e := range x.Object.([]*models.CharacterDocument) {
			if _, ok := onDisk[e.Location]; !ok && c.InvalidateLocation(e.Location) {
				logger.Debug("sync: removed stale", slog.String("location", e.Location.Key()))
			}
		}
	}
	return nil
}
