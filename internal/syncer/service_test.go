package syncer

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipberry/clipberry/internal/blob"
	"github.com/clipberry/clipberry/internal/clipboard"
	"github.com/clipberry/clipberry/internal/identity"
	"github.com/clipberry/clipberry/internal/logging"
	"github.com/clipberry/clipberry/internal/model"
	"github.com/clipberry/clipberry/internal/pairing"
	"github.com/clipberry/clipberry/internal/storage"
	"github.com/clipberry/clipberry/internal/transport"
)

func discardLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func defaultPolicy() Policy {
	return Policy{SyncText: true, SyncImages: true, MaxItemSize: 10 * 1024 * 1024}
}

// node is one complete daemon stack minus discovery, listening on an
// ephemeral port.
type node struct {
	id      string
	ledger  *storage.Ledger
	clip    *clipboard.Memory
	reg     *transport.Registry
	tokens  *pairing.Manager
	service *Service
	port    int
}

func newNode(t *testing.T, id, name string) *node {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	dir := t.TempDir()
	log := discardLogger()

	ident := identity.New(filepath.Join(dir, "certs"), id, name)
	require.NoError(t, ident.Initialize())

	ledger, err := storage.InitDatabase(ctx, filepath.Join(dir, "clipberry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	blobs, err := blob.NewStore(filepath.Join(dir, "blobs"))
	require.NoError(t, err)

	clip := clipboard.NewMemory()
	t.Cleanup(clip.Close)

	reg := transport.NewRegistry(log)
	tokens := pairing.NewManager(id, name, time.Minute, log)
	workflow := pairing.NewWorkflow(tokens, ledger.Devices, log)

	var svc *Service
	onItem := func(ctx context.Context, item model.ClipboardItem, blobData []byte, senderID string) {
		svc.HandleRemoteItem(ctx, item, blobData, senderID)
	}
	onHello := func(ctx context.Context, h transport.Hello) error {
		return svc.HandleHello(ctx, h)
	}

	dialer := transport.NewDialer(id, name, ident.ClientTLSConfig(), reg, onItem, log)

	svc = NewService(Options{
		DeviceID: id,
		Policy:   defaultPolicy(),
		TokenTTL: time.Minute,
		Items:    ledger.Items,
		Devices:  ledger.Devices,
		Blobs:    blobs,
		Registry: reg,
		Dialer:   dialer,
		Pairing:  workflow,
		Tokens:   tokens,
		Clip:     clip,
		Logger:   log,
	})

	srv := transport.NewServer("127.0.0.1:0", id, name, ident.ServerTLSConfig(),
		reg, onHello, onItem, log)
	go func() { _ = srv.Run(ctx) }()
	require.Eventually(t, func() bool { return srv.Addr() != nil },
		2*time.Second, 10*time.Millisecond)

	return &node{
		id:      id,
		ledger:  ledger,
		clip:    clip,
		reg:     reg,
		tokens:  tokens,
		service: svc,
		port:    srv.Addr().(*net.TCPAddr).Port,
	}
}

func pairNodes(t *testing.T, host, client *node) {
	t.Helper()
	ctx := context.Background()

	token, err := host.service.GeneratePairingToken()
	require.NoError(t, err)

	peerID, err := client.service.ConnectToDevice(ctx, "127.0.0.1", host.port, token)
	require.NoError(t, err)
	require.Equal(t, host.id, peerID)

	require.Eventually(t, func() bool { _, ok := host.reg.Get(client.id); return ok },
		2*time.Second, 10*time.Millisecond)
}

func TestPairing_RecordsTrustBothWays(t *testing.T) {
	a := newNode(t, "dev-a", "Desktop")
	b := newNode(t, "dev-b", "Laptop")
	pairNodes(t, a, b)

	ctx := context.Background()

	onA, err := a.ledger.Devices.Get(ctx, "dev-b")
	require.NoError(t, err)
	assert.True(t, onA.Trusted)
	assert.Equal(t, "Laptop", onA.Name)

	onB, err := b.ledger.Devices.Get(ctx, "dev-a")
	require.NoError(t, err)
	assert.True(t, onB.Trusted)
	assert.NotEmpty(t, onB.Fingerprint)
}

func TestLocalCopy_PropagatesToPairedPeer(t *testing.T) {
	a := newNode(t, "dev-a", "Desktop")
	b := newNode(t, "dev-b", "Laptop")
	pairNodes(t, a, b)

	ctx := context.Background()
	a.service.HandleLocalEvent(ctx, clipboard.Event{Type: model.TypeText, Text: "shared snippet"})

	require.Eventually(t, func() bool {
		items, err := b.service.RecentItems(ctx, 10)
		return err == nil && len(items) == 1
	}, 2*time.Second, 10*time.Millisecond)

	items, err := b.service.RecentItems(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "shared snippet", items[0].TextContent)
	assert.Equal(t, "dev-a", items[0].OriginDeviceID)

	// The peer's clipboard followed.
	assert.Equal(t, "shared snippet", b.clip.Current().Text)

	// The origin keeps exactly one copy; nothing echoed back.
	ownItems, err := a.service.RecentItems(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, ownItems, 1)

	// Receiving an item refreshes the sender's last-seen timestamp.
	sender, err := b.ledger.Devices.Get(ctx, "dev-a")
	require.NoError(t, err)
	assert.NotZero(t, sender.LastSeenTimestamp)
}

func TestLocalCopy_PropagatesAcrossTwoHops(t *testing.T) {
	a := newNode(t, "dev-a", "Desktop")
	b := newNode(t, "dev-b", "Laptop")
	c := newNode(t, "dev-c", "Tablet")
	pairNodes(t, a, b)
	pairNodes(t, b, c)

	ctx := context.Background()
	a.service.HandleLocalEvent(ctx, clipboard.Event{Type: model.TypeText, Text: "travels far"})

	require.Eventually(t, func() bool {
		return c.clip.Current().Text == "travels far"
	}, 3*time.Second, 10*time.Millisecond)

	// Every ledger converged on exactly one copy.
	for _, n := range []*node{a, b, c} {
		items, err := n.service.RecentItems(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, items, 1, "node %s", n.id)
		assert.Equal(t, "travels far", items[0].TextContent)
	}
}

func TestImageCopy_StoresBlobOnBothSides(t *testing.T) {
	a := newNode(t, "dev-a", "Desktop")
	b := newNode(t, "dev-b", "Laptop")
	pairNodes(t, a, b)

	ctx := context.Background()
	data := []byte{0x89, 'P', 'N', 'G', 1, 2, 3}
	a.service.HandleLocalEvent(ctx, clipboard.Event{Type: model.TypeImage, Data: data})

	require.Eventually(t, func() bool {
		items, err := b.service.RecentItems(ctx, 10)
		return err == nil && len(items) == 1
	}, 2*time.Second, 10*time.Millisecond)

	items, err := b.service.RecentItems(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, model.TypeImage, items[0].Type)
	assert.NotEmpty(t, items[0].BlobPath)
	assert.FileExists(t, items[0].BlobPath)
	assert.Equal(t, data, b.clip.Current().Data)
}

func TestRevokeDevice_DropsSessionAndBlocksItems(t *testing.T) {
	a := newNode(t, "dev-a", "Desktop")
	b := newNode(t, "dev-b", "Laptop")
	pairNodes(t, a, b)

	ctx := context.Background()
	require.NoError(t, a.service.RevokeDevice(ctx, "dev-b"))

	device, err := a.ledger.Devices.Get(ctx, "dev-b")
	require.NoError(t, err)
	assert.False(t, device.Trusted)

	require.Eventually(t, func() bool { return a.reg.Count() == 0 },
		2*time.Second, 10*time.Millisecond)

	// Even a directly injected item from the revoked peer is dropped.
	item := model.NewTextItem("dev-b", "should not land")
	a.service.HandleRemoteItem(ctx, item, nil, "dev-b")

	items, err := a.service.RecentItems(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestHandleHello_RejectsUnknownAndMismatchedPeers(t *testing.T) {
	a := newNode(t, "dev-a", "Desktop")
	ctx := context.Background()

	err := a.service.HandleHello(ctx, transport.Hello{DeviceID: "dev-stranger", Fingerprint: "ff"})
	assert.Error(t, err)

	device := model.NewTrustedDevice("dev-b", "Laptop", "fingerprint-on-file")
	require.NoError(t, a.ledger.Devices.AddOrUpdate(ctx, &device))

	assert.NoError(t, a.service.HandleHello(ctx, transport.Hello{
		DeviceID: "dev-b", Fingerprint: "fingerprint-on-file"}))
	assert.Error(t, a.service.HandleHello(ctx, transport.Hello{
		DeviceID: "dev-b", Fingerprint: "some-other-cert"}))

	require.NoError(t, a.ledger.Devices.Revoke(ctx, "dev-b"))
	assert.Error(t, a.service.HandleHello(ctx, transport.Hello{
		DeviceID: "dev-b", Fingerprint: "fingerprint-on-file"}))
}

func TestHandleHello_TokenPairsOnTheSpot(t *testing.T) {
	a := newNode(t, "dev-a", "Desktop")
	ctx := context.Background()

	token, err := a.service.GeneratePairingToken()
	require.NoError(t, err)

	require.NoError(t, a.service.HandleHello(ctx, transport.Hello{
		DeviceID: "dev-b", DeviceName: "Laptop", Token: token, Fingerprint: "bb"}))

	device, err := a.ledger.Devices.Get(ctx, "dev-b")
	require.NoError(t, err)
	assert.True(t, device.Trusted)
	assert.Equal(t, "bb", device.Fingerprint)

	// Consumed tokens do not pair twice.
	assert.Error(t, a.service.HandleHello(ctx, transport.Hello{
		DeviceID: "dev-c", Token: token, Fingerprint: "cc"}))
}

func TestPolicyGate_FiltersLocalEvents(t *testing.T) {
	ctx := context.Background()

	t.Run("sync disabled drops everything", func(t *testing.T) {
		n := newNode(t, "dev-a", "Desktop")
		n.service.SetSyncEnabled(false)

		n.service.HandleLocalEvent(ctx, clipboard.Event{Type: model.TypeText, Text: "ignored"})

		items, err := n.service.RecentItems(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, items)

		n.service.SetSyncEnabled(true)
		n.service.HandleLocalEvent(ctx, clipboard.Event{Type: model.TypeText, Text: "ignored"})
		items, err = n.service.RecentItems(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, items, 1)
	})

	t.Run("type toggle", func(t *testing.T) {
		n := newNode(t, "dev-a", "Desktop")
		n.service.policy.SyncImages = false

		n.service.HandleLocalEvent(ctx, clipboard.Event{Type: model.TypeImage, Data: []byte{1, 2}})

		items, err := n.service.RecentItems(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, items)
	})

	t.Run("size ceiling", func(t *testing.T) {
		n := newNode(t, "dev-a", "Desktop")
		n.service.policy.MaxItemSize = 8

		n.service.HandleLocalEvent(ctx, clipboard.Event{Type: model.TypeText, Text: "this is far too large"})

		items, err := n.service.RecentItems(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, items)
	})
}

func TestRemoteItem_SizeCheckedAgainstActualPayload(t *testing.T) {
	n := newNode(t, "dev-a", "Desktop")
	n.service.policy.MaxItemSize = 1024
	ctx := context.Background()

	device := model.NewTrustedDevice("dev-b", "Laptop", "bb")
	require.NoError(t, n.ledger.Devices.AddOrUpdate(ctx, &device))

	big := strings.Repeat("a", 4096)

	// An under-declared size must not smuggle a large payload past the
	// ceiling.
	lying := model.NewTextItem("dev-b", big)
	lying.Size = 10
	n.service.HandleRemoteItem(ctx, lying, nil, "dev-b")

	// An honest declaration over the ceiling is dropped too.
	honest := model.NewTextItem("dev-b", big)
	n.service.HandleRemoteItem(ctx, honest, nil, "dev-b")

	items, err := n.service.RecentItems(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, items)

	// A small, correctly declared item still lands.
	small := model.NewTextItem("dev-b", "fits fine")
	n.service.HandleRemoteItem(ctx, small, nil, "dev-b")

	items, err = n.service.RecentItems(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestRemoteImage_SizeCheckedAgainstBlobBytes(t *testing.T) {
	n := newNode(t, "dev-a", "Desktop")
	n.service.policy.MaxItemSize = 16
	ctx := context.Background()

	device := model.NewTrustedDevice("dev-b", "Laptop", "bb")
	require.NoError(t, n.ledger.Devices.AddOrUpdate(ctx, &device))

	data := bytes.Repeat([]byte{0xAB}, 64)
	item := model.NewImageItem("dev-b", data)
	item.Size = 4
	n.service.HandleRemoteItem(ctx, item, data, "dev-b")

	items, err := n.service.RecentItems(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestDuplicateLocalCopy_NotRecordedTwice(t *testing.T) {
	n := newNode(t, "dev-a", "Desktop")
	ctx := context.Background()

	n.service.HandleLocalEvent(ctx, clipboard.Event{Type: model.TypeText, Text: "once"})
	n.service.HandleLocalEvent(ctx, clipboard.Event{Type: model.TypeText, Text: "once"})

	items, err := n.service.RecentItems(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestRun_ConsumesClipboardEvents(t *testing.T) {
	n := newNode(t, "dev-a", "Desktop")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = n.service.Run(ctx)
	}()

	n.clip.SetText("copied by the user")

	require.Eventually(t, func() bool {
		items, err := n.service.RecentItems(ctx, 10)
		return err == nil && len(items) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
