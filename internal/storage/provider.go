// Package storage defines the interactive document platform abstraction and
// a vault-backed implementation of it.
package storage

import (
	"context"

	"github.com/starford/charsheet/internal/models"
)

// Provider is the write surface for rendered documents. Edit, Delete and
// Fetch return apperr.ErrNotFound when the document no longer exists; a
// successful Delete is the signal that the document is gone for everyone.
type Provider interface {
	// Render creates a new document in channel and returns its location.
	Render(ctx context.Context, channel string, doc *models.Document) (models.Location, error)
	// Edit replaces the content of an existing document.
	Edit(ctx context.Context, loc models.Location, doc *models.Document) error
	// Delete removes a document.
	Delete(ctx context.Context, loc models.Location) error
	// Fetch returns the current rendering of a document.
	Fetch(ctx context.Context, loc models.Location) (*models.Document, error)
	// List returns the locations of every document in channel ("" for all channels).
	List(ctx context.Context, channel string) ([]models.Location, error)
}
