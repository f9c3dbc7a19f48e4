package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/starford/charsheet/internal/apperr"
	"github.com/starford/charsheet/internal/checksum"
	"github.com/starford/charsheet/internal/models"
	"github.com/starford/charsheet/internal/parser"
)

const docExt = ".md"

// FS implements Provider on a local directory: one sub-directory per channel,
// one Markdown file per document.
type FS struct {
	root string // absolute path to vault directory
	// mu serializes mutations the way the chat platform serializes edits to
	// one message.
	mu sync.Mutex
}

var _ Provider = (*FS)(nil)

// NewFS creates a new FS provider rooted at the given directory.
// The directory must already exist.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	return &FS{root: abs}, nil
}

// Root returns the absolute vault directory.
func (f *FS) Root() string { return f.root }

// LocationOf maps a vault-relative file path back to a document location.
func LocationOf(rel string) (models.Location, bool) {
	rel = filepath.ToSlash(rel)
	if !strings.HasSuffix(rel, docExt) {
		return models.Location{}, false
	}
	loc, err := models.ParseLocation(strings.TrimSuffix(rel, docExt))
	if err != nil {
		return models.Location{}, false
	}
	return loc, true
}

func validSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}

// docPath resolves a location to a file under the vault root and rejects
// anything that would escape it.
func (f *FS) docPath(loc models.Location) (string, error) {
	if !validSegment(loc.ChannelID) || !validSegment(loc.MessageID) {
		return "", fmt.Errorf("storage: invalid location %q", loc.Key())
	}
	abs := filepath.Join(f.root, loc.ChannelID, loc.MessageID+docExt)
	if !strings.HasPrefix(abs, f.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("storage: location escapes vault root: %s", loc.Key())
	}
	return abs, nil
}

// Render writes a new document with a fresh message id.
func (f *FS) Render(_ context.Context, channel string, doc *models.Document) (models.Location, error) {
	loc := models.Location{ChannelID: channel, MessageID: uuid.Must(uuid.NewV7()).String()}
	abs, err := f.docPath(loc)
	if err != nil {
		return models.Location{}, err
	}
	data, err := parser.EncodeDocument(doc)
	if err != nil {
		return models.Location{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := writeAtomic(abs, data); err != nil {
		return models.Location{}, err
	}
	doc.Location = loc
	doc.Checksum = checksum.Sum(data)
	return loc, nil
}

// Edit replaces an existing document.
func (f *FS) Edit(_ context.Context, loc models.Location, doc *models.Document) error {
	abs, err := f.docPath(loc)
	if err != nil {
		return err
	}
	data, err := parser.EncodeDocument(doc)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := os.Stat(abs); err != nil {
		return notFound(loc, err)
	}
	if err := writeAtomic(abs, data); err != nil {
		return err
	}
	doc.Location = loc
	doc.Checksum = checksum.Sum(data)
	return nil
}

// Delete removes a document. Only one of several concurrent deletes succeeds.
func (f *FS) Delete(_ context.Context, loc models.Location) error {
	abs, err := f.docPath(loc)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(abs); err != nil {
		return notFound(loc, err)
	}
	return nil
}

// Fetch reads and decodes a document.
func (f *FS) Fetch(_ context.Context, loc models.Location) (*models.Document, error) {
	abs, err := f.docPath(loc)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, notFound(loc, err)
	}
	doc, err := parser.DecodeDocument(data)
	if err != nil {
		return nil, fmt.Errorf("storage: decode %s: %w", loc.Key(), err)
	}
	doc.Location = loc
	doc.Checksum = checksum.Sum(data)
	return doc, nil
}

// List walks channel (or the whole vault) and returns every document location.
func (f *FS) List(_ context.Context, channel string) ([]models.Location, error) {
	base := f.root
	if channel != "" {
		if !validSegment(channel) {
			return nil, fmt.Errorf("storage: invalid channel %q", channel)
		}
		base = filepath.Join(f.root, channel)
	}
	var out []models.Location
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(f.root, p)
		if loc, ok := LocationOf(rel); ok {
			out = append(out, loc)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	return out, nil
}

func notFound(loc models.Location, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: document %s: %w", loc.Key(), apperr.ErrNotFound)
	}
	return fmt.Errorf("storage: document %s: %w", loc.Key(), err)
}

// writeAtomic writes content: tmp file → fsync → rename.
func writeAtomic(abs string, content []byte) error {
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".charsheet-tmp-*")
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("storage: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("storage: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close temp: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return fmt.Errorf("storage: rename: %w", err)
	}
	success = true
	return nil
}
