// Package syncer ties the ledger, trust store, transport and clipboard
// together. Every clipboard item, local or remote, funnels through one
// propagation gate: the ledger's content-hash insert. Whatever that insert
// rejects as a duplicate goes no further, which is what keeps broadcast
// storms impossible even with cycles in the session graph.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/clipberry/clipberry/internal/blob"
	"github.com/clipberry/clipberry/internal/clipboard"
	"github.com/clipberry/clipberry/internal/common"
	"github.com/clipberry/clipberry/internal/logging"
	"github.com/clipberry/clipberry/internal/model"
	"github.com/clipberry/clipberry/internal/pairing"
	"github.com/clipberry/clipberry/internal/storage/devices"
	"github.com/clipberry/clipberry/internal/storage/items"
	"github.com/clipberry/clipberry/internal/transport"
)

// Policy is the content gate applied to both directions of sync.
type Policy struct {
	SyncText    bool
	SyncImages  bool
	MaxItemSize int64
}

// Options collects the collaborators a Service needs.
type Options struct {
	DeviceID string
	Policy   Policy
	TokenTTL time.Duration

	Items    items.Repository
	Devices  devices.Repository
	Blobs    *blob.Store
	Registry *transport.Registry
	Dialer   *transport.Dialer
	Pairing  *pairing.Workflow
	Tokens   *pairing.Manager
	Clip     clipboard.Clipboard
	Logger   logging.Logger
}

// Service orchestrates clipboard synchronization.
type Service struct {
	deviceID string
	policy   Policy
	tokenTTL time.Duration

	items    items.Repository
	devices  devices.Repository
	blobs    *blob.Store
	registry *transport.Registry
	dialer   *transport.Dialer
	pairing  *pairing.Workflow
	tokens   *pairing.Manager
	clip     clipboard.Clipboard
	logger   logging.Logger

	mu      sync.Mutex
	enabled bool
}

func NewService(opts Options) *Service {
	return &Service{
		deviceID: opts.DeviceID,
		policy:   opts.Policy,
		tokenTTL: opts.TokenTTL,
		items:    opts.Items,
		devices:  opts.Devices,
		blobs:    opts.Blobs,
		registry: opts.Registry,
		dialer:   opts.Dialer,
		pairing:  opts.Pairing,
		tokens:   opts.Tokens,
		clip:     opts.Clip,
		logger:   opts.Logger.With("module", "syncer"),
		enabled:  true,
	}
}

// Run consumes local clipboard events until ctx is cancelled or the
// clipboard closes its event stream.
func (s *Service) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-s.clip.Events():
			if !ok {
				return nil
			}
			s.HandleLocalEvent(ctx, ev)
		}
	}
}

// HandleLocalEvent records a local copy and propagates it to every live
// session. A duplicate of anything already in the ledger stops here.
func (s *Service) HandleLocalEvent(ctx context.Context, ev clipboard.Event) {
	if !s.admit(ctx, ev.Type, payloadSize(ev)) {
		return
	}

	var item model.ClipboardItem
	var blobData []byte

	switch ev.Type {
	case model.TypeText:
		item = model.NewTextItem(s.deviceID, ev.Text)
	case model.TypeImage:
		path, err := s.blobs.Save(ev.Data)
		if err != nil {
			s.logger.Error(ctx, "failed to store blob", "error", err)
			return
		}
		item = model.NewImageItem(s.deviceID, ev.Data)
		item.BlobPath = path
		blobData = ev.Data
	default:
		return
	}

	added, err := s.items.Add(ctx, &item)
	if err != nil {
		s.logger.Error(ctx, "failed to record local item", "error", err)
		return
	}
	if !added {
		s.logger.Debug(ctx, "duplicate local item", "hash", item.ContentHash)
		return
	}

	s.logger.Info(ctx, "local item recorded",
		"hash", item.ContentHash, "type", item.Type, "size", item.Size)
	s.registry.Broadcast(ctx, transport.ItemMessage(&item, blobData))
}

// HandleRemoteItem is the transport's ItemHandler. The sender has already
// been authenticated at HELLO time; this re-checks trust so a revocation
// takes effect on live sessions too.
func (s *Service) HandleRemoteItem(ctx context.Context, item model.ClipboardItem, blobData []byte, senderID string) {
	if !s.trusted(ctx, senderID) {
		s.logger.Debug(ctx, "dropping item from untrusted sender", "peer", senderID)
		return
	}

	// The declared size is peer input; the ceiling is enforced against the
	// bytes that actually arrived.
	actual := remotePayloadSize(item, blobData)
	if item.Size != actual {
		s.logger.Warn(ctx, "dropping item with misdeclared size",
			"peer", senderID, "declared", item.Size, "actual", actual)
		return
	}
	if !s.admit(ctx, item.Type, actual) {
		return
	}

	if item.Type == model.TypeImage {
		path, err := s.blobs.Save(blobData)
		if err != nil {
			s.logger.Error(ctx, "failed to store remote blob", "error", err)
			return
		}
		item.BlobPath = path
	}

	added, err := s.items.Add(ctx, &item)
	if err != nil {
		s.logger.Error(ctx, "failed to record remote item", "error", err)
		return
	}
	if !added {
		s.logger.Debug(ctx, "duplicate remote item", "hash", item.ContentHash, "peer", senderID)
		return
	}

	if err := s.devices.UpdateLastSeen(ctx, senderID, time.Now().UTC().UnixMilli()); err != nil {
		s.logger.Warn(ctx, "failed to update last seen", "peer", senderID, "error", err)
	}

	s.logger.Info(ctx, "remote item recorded",
		"hash", item.ContentHash, "type", item.Type, "peer", senderID)

	// Forward to everyone else before touching the local clipboard; the
	// ledger on each hop stops the echo coming back. The origin is skipped
	// along with the sender so a multi-hop forward never sends a
	// guaranteed duplicate back toward where the item came from.
	s.registry.Broadcast(ctx, transport.ItemMessage(&item, blobData), senderID, item.OriginDeviceID)

	if err := s.clip.Apply(item, blobData); err != nil {
		s.logger.Warn(ctx, "failed to apply item to clipboard", "error", err)
	}
}

// HandleHello is the transport's HelloHandler. A peer presenting a valid
// pairing token becomes trusted on the spot; anyone else must already be
// trusted under the fingerprint observed on this very connection.
func (s *Service) HandleHello(ctx context.Context, hello transport.Hello) error {
	if hello.Token != "" {
		return s.pairing.CompleteAsHost(ctx, hello.Token, hello.DeviceID, hello.DeviceName, hello.Fingerprint)
	}

	device, err := s.devices.Get(ctx, hello.DeviceID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return fmt.Errorf("unknown device %s", hello.DeviceID)
		}
		return fmt.Errorf("failed to look up device: %w", err)
	}
	if !device.Trusted {
		return fmt.Errorf("device %s is revoked", hello.DeviceID)
	}
	if device.Fingerprint != hello.Fingerprint {
		return fmt.Errorf("fingerprint mismatch for device %s", hello.DeviceID)
	}
	return nil
}

// ConnectToDevice dials a peer and, when a token is given, records it as
// trusted after the handshake. Returns the peer's device id.
func (s *Service) ConnectToDevice(ctx context.Context, host string, port int, token string) (string, error) {
	peer, err := s.dialer.Connect(ctx, host, port, token)
	if err != nil {
		return "", err
	}

	if token != "" {
		if err := s.pairing.CompleteAsClient(ctx, peer.DeviceID, peer.DeviceName, peer.Fingerprint); err != nil {
			return "", err
		}
	}
	return peer.DeviceID, nil
}

// GeneratePairingToken mints a short-lived token to read out to the peer.
func (s *Service) GeneratePairingToken() (string, error) {
	return s.tokens.Generate(s.tokenTTL)
}

// RevokeDevice withdraws trust and drops the live session, if any.
func (s *Service) RevokeDevice(ctx context.Context, deviceID string) error {
	if err := s.devices.Revoke(ctx, deviceID); err != nil {
		return err
	}

	if sess, ok := s.registry.Get(deviceID); ok {
		_ = sess.Close()
	}

	s.logger.Info(ctx, "device revoked", "peer", deviceID)
	return nil
}

// RecentItems returns up to limit ledger entries, newest first.
func (s *Service) RecentItems(ctx context.Context, limit int) ([]model.ClipboardItem, error) {
	return s.items.GetRecent(ctx, limit)
}

// Devices returns all known devices, trusted and revoked.
func (s *Service) Devices(ctx context.Context) ([]model.Device, error) {
	return s.devices.List(ctx)
}

// SetSyncEnabled flips the master propagation switch in both directions.
func (s *Service) SetSyncEnabled(enabled bool) {
	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()
}

// SyncEnabled reports the master switch state.
func (s *Service) SyncEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// admit applies the policy gate shared by both sync directions.
func (s *Service) admit(ctx context.Context, itemType model.ItemType, size int64) bool {
	if !s.SyncEnabled() {
		return false
	}

	switch itemType {
	case model.TypeText:
		if !s.policy.SyncText {
			return false
		}
	case model.TypeImage:
		if !s.policy.SyncImages {
			return false
		}
	default:
		return false
	}

	if s.policy.MaxItemSize > 0 && size > s.policy.MaxItemSize {
		s.logger.Debug(ctx, "item exceeds size ceiling", "size", size, "limit", s.policy.MaxItemSize)
		return false
	}
	return true
}

// trusted reports whether senderID is on file, trusted, and still presenting
// the fingerprint recorded at pairing time.
func (s *Service) trusted(ctx context.Context, senderID string) bool {
	device, err := s.devices.Get(ctx, senderID)
	if err != nil {
		return false
	}
	if !device.Trusted {
		return false
	}

	if sess, ok := s.registry.Get(senderID); ok && sess.Fingerprint != device.Fingerprint {
		return false
	}
	return true
}

func payloadSize(ev clipboard.Event) int64 {
	if ev.Type == model.TypeText {
		return int64(len(ev.Text))
	}
	return int64(len(ev.Data))
}

// remotePayloadSize measures what a peer actually delivered, independent of
// the Size field it declared.
func remotePayloadSize(item model.ClipboardItem, blobData []byte) int64 {
	if item.Type == model.TypeText {
		return int64(len(item.TextContent))
	}
	return int64(len(blobData))
}
