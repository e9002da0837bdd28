package pairing

import (
	"context"
	"fmt"

	"github.com/clipberry/clipberry/internal/common"
	"github.com/clipberry/clipberry/internal/logging"
	"github.com/clipberry/clipberry/internal/model"
	"github.com/clipberry/clipberry/internal/storage/devices"
)

// Workflow completes a pairing handshake by recording the peer as a trusted
// device. The certificate fingerprint observed on the TLS session, not the
// token, is what secures every future connection from that peer.
type Workflow struct {
	manager *Manager
	devices devices.Repository
	logger  logging.Logger
}

func NewWorkflow(manager *Manager, repo devices.Repository, logger logging.Logger) *Workflow {
	return &Workflow{
		manager: manager,
		devices: repo,
		logger:  logger.With("module", "pairing"),
	}
}

// CompleteAsHost consumes the token the peer presented in-band and, on
// success, records the peer as trusted under its observed fingerprint.
// An invalid, expired or already-consumed token rejects pairing and records
// nothing.
func (w *Workflow) CompleteAsHost(ctx context.Context, token, peerID, peerName, peerFingerprint string) error {
	if !w.manager.Consume(token) {
		return common.ErrInvalidToken
	}

	device := model.NewTrustedDevice(peerID, peerName, peerFingerprint)
	if err := w.devices.AddOrUpdate(ctx, &device); err != nil {
		return fmt.Errorf("failed to record paired device: %w", err)
	}

	w.logger.Info(ctx, "device paired",
		"peer", peerID, "name", peerName, "fingerprint", peerFingerprint)
	return nil
}

// CompleteAsClient performs the symmetric recording on the connecting side
// after a successful connection to the host.
func (w *Workflow) CompleteAsClient(ctx context.Context, peerID, peerName, peerFingerprint string) error {
	device := model.NewTrustedDevice(peerID, peerName, peerFingerprint)
	if err := w.devices.AddOrUpdate(ctx, &device); err != nil {
		return fmt.Errorf("failed to record paired device: %w", err)
	}

	w.logger.Info(ctx, "paired with host",
		"peer", peerID, "name", peerName, "fingerprint", peerFingerprint)
	return nil
}
