// Package devices stores trust records for paired peers.
package devices

import (
	"context"

	"github.com/clipberry/clipberry/internal/model"
)

// Repository is the narrow operation set over the devices table.
type Repository interface {
	// AddOrUpdate upserts the device by id. Used at pairing time and on
	// periodic metadata refresh.
	AddOrUpdate(ctx context.Context, device *model.Device) error

	// Get returns the device with the given id, or common.ErrNotFound.
	Get(ctx context.Context, id string) (*model.Device, error)

	// List returns all devices, most recently added first.
	List(ctx context.Context) ([]model.Device, error)

	// UpdateLastSeen records when a device was last heard from. A missing
	// device is a no-op, not an error.
	UpdateLastSeen(ctx context.Context, id string, ts int64) error

	// Revoke clears the trusted flag. The record itself is retained so the
	// id-fingerprint binding stays on file.
	Revoke(ctx context.Context, id string) error
}
