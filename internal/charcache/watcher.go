package charcache

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/charsheet/internal/apperr"
	"github.com/starford/charsheet/internal/models"
	"github.com/starford/charsheet/internal/sheet"
	"github.com/starford/charsheet/internal/storage"
)

// EventCallback is called after a watcher-driven cache change.
// kind is one of "cached", "dropped".
type EventCallback func(kind string, loc models.Location)

// Watch follows document changes under the vault root until ctx is
// cancelled, so documents edited outside the service never serve stale
// cache entries. Rename events trigger a debounced Sync pass.
func Watch(ctx context.Context, c *Cache, p storage.Provider, vaultRoot string, logger *slog.Logger, cb EventCallback) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, vaultRoot); err != nil {
		return err
	}
	logger.Info("watcher: started", slog.String("root", vaultRoot))

	var reconcileTimer *time.Timer
	var reconcileCh <-chan time.Time
	scheduleReconcile := func() {
		if reconcileTimer == nil {
			reconcileTimer = time.NewTimer(200 * time.Millisecond)
			reconcileCh = reconcileTimer.C
		} else {
			reconcileTimer.Reset(200 * time.Millisecond)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if reconcileTimer != nil {
				reconcileTimer.Stop()
			}
			logger.Info("watcher: stopped")
			return nil

		case <-reconcileCh:
			if err := Sync(ctx, c, p, logger); err != nil {
				logger.Warn("watcher: reconcile failed", slog.String("error", err.Error()))
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, ev.Name); addErr != nil {
						logger.Warn("watcher: add new dir failed",
							slog.String("path", ev.Name),
							slog.String("error", addErr.Error()))
					}
					scheduleReconcile()
					continue
				}
			}

			rel, relErr := filepath.Rel(vaultRoot, ev.Name)
			if relErr != nil {
				continue
			}
			loc, ok := storage.LocationOf(filepath.ToSlash(rel))
			if !ok {
				continue
			}

			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				refresh(ctx, c, p, loc, logger, cb)

			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				if c.InvalidateLocation(loc) {
					logger.Debug("watcher: dropped", slog.String("location", loc.Key()))
					if cb != nil {
						cb("dropped", loc)
					}
				}
				if ev.Op&fsnotify.Rename != 0 {
					scheduleReconcile()
				}
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// refresh re-reads the document at loc. Proposals are ignored; a document
// that no longer parses as a complete character leaves the cache.
func refresh(ctx context.Context, c *Cache, p storage.Provider, loc models.Location, logger *slog.Logger, cb EventCallback) {
	doc, err := p.Fetch(ctx, loc)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			logger.Warn("watcher: fetch failed", slog.String("location", loc.Key()), slog.String("error", err.Error()))
		}
		return
	}
	if doc.Kind != models.DocCharacter {
		return
	}
	ch, err := sheet.Parse(doc)
	if err != nil || !ch.Complete() {
		if c.InvalidateLocation(loc) && cb != nil {
			cb("dropped", loc)
		}
		return
	}
	c.Put(ch)
	logger.Debug("watcher: cached", slog.String("location", loc.Key()))
	if cb != nil {
		cb("cached", loc)
	}
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
