// Package items stores clipboard items, content-addressed by SHA-256 hash.
package items

import (
	"context"

	"github.com/clipberry/clipberry/internal/model"
)

// Repository is the narrow operation set over the clipboard_items table.
// All mutation of persisted items goes through it.
type Repository interface {
	// Add inserts the item. It returns (false, nil) without mutating
	// anything when an item with the same content hash already exists;
	// this is the at-most-once propagation guarantee the rest of the
	// system leans on.
	Add(ctx context.Context, item *model.ClipboardItem) (bool, error)

	// GetByHash returns the item with the given content hash, or
	// common.ErrNotFound.
	GetByHash(ctx context.Context, contentHash string) (*model.ClipboardItem, error)

	// GetRecent returns up to limit items, newest first.
	GetRecent(ctx context.Context, limit int) ([]model.ClipboardItem, error)

	// Clear wipes the clipboard history. Device records are untouched.
	Clear(ctx context.Context) error
}
