package transport

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipberry/clipberry/internal/identity"
	"github.com/clipberry/clipberry/internal/model"
)

func newIdentity(t *testing.T, deviceID, name string) *identity.Identity {
	t.Helper()
	id := identity.New(t.TempDir(), deviceID, name)
	require.NoError(t, id.Initialize())
	return id
}

type itemCollector struct {
	mu    sync.Mutex
	items []model.ClipboardItem
	from  []string
}

func (c *itemCollector) handle(_ context.Context, item model.ClipboardItem, _ []byte, senderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, item)
	c.from = append(c.from, senderID)
}

func (c *itemCollector) snapshot() ([]model.ClipboardItem, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.ClipboardItem(nil), c.items...), append([]string(nil), c.from...)
}

// startServer runs a transport server for identity idA on an ephemeral port
// and returns its bound port.
func startServer(t *testing.T, id *identity.Identity, deviceID, name string,
	registry *Registry, onHello HelloHandler, onItem ItemHandler) int {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := NewServer("127.0.0.1:0", deviceID, name, id.ServerTLSConfig(),
		registry, onHello, onItem, discardLogger())

	go func() { _ = srv.Run(ctx) }()

	require.Eventually(t, func() bool { return srv.Addr() != nil },
		2*time.Second, 10*time.Millisecond)

	return srv.Addr().(*net.TCPAddr).Port
}

func acceptAll(_ context.Context, _ Hello) error { return nil }

func TestConnect_HelloExchangeEstablishesSession(t *testing.T) {
	idA := newIdentity(t, "dev-a", "Host")
	idB := newIdentity(t, "dev-b", "Laptop")

	regA := NewRegistry(discardLogger())
	regB := NewRegistry(discardLogger())

	var helloMu sync.Mutex
	var gotHello Hello
	onHello := func(_ context.Context, h Hello) error {
		helloMu.Lock()
		defer helloMu.Unlock()
		gotHello = h
		return nil
	}

	port := startServer(t, idA, "dev-a", "Host", regA, onHello, (&itemCollector{}).handle)

	dialer := NewDialer("dev-b", "Laptop", idB.ClientTLSConfig(), regB,
		(&itemCollector{}).handle, discardLogger())

	peer, err := dialer.Connect(context.Background(), "127.0.0.1", port, "7K3PQWXZ")
	require.NoError(t, err)

	assert.Equal(t, "dev-a", peer.DeviceID)
	assert.Equal(t, "Host", peer.DeviceName)
	assert.Equal(t, idA.Fingerprint(), peer.Fingerprint)

	// The host observed the dialer's identity, token and fingerprint.
	require.Eventually(t, func() bool {
		helloMu.Lock()
		defer helloMu.Unlock()
		return gotHello.DeviceID == "dev-b"
	}, 2*time.Second, 10*time.Millisecond)

	helloMu.Lock()
	assert.Equal(t, "Laptop", gotHello.DeviceName)
	assert.Equal(t, "7K3PQWXZ", gotHello.Token)
	assert.Equal(t, idB.Fingerprint(), gotHello.Fingerprint)
	helloMu.Unlock()

	// Both sides promoted the connection.
	require.Eventually(t, func() bool { return regA.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, regB.Count())
}

func TestConnect_ItemDeliveryAndAck(t *testing.T) {
	idA := newIdentity(t, "dev-a", "Host")
	idB := newIdentity(t, "dev-b", "Laptop")

	regA := NewRegistry(discardLogger())
	regB := NewRegistry(discardLogger())

	received := &itemCollector{}
	port := startServer(t, idA, "dev-a", "Host", regA, acceptAll, received.handle)

	dialer := NewDialer("dev-b", "Laptop", idB.ClientTLSConfig(), regB,
		(&itemCollector{}).handle, discardLogger())

	_, err := dialer.Connect(context.Background(), "127.0.0.1", port, "")
	require.NoError(t, err)

	sess, ok := regB.Get("dev-a")
	require.True(t, ok)

	item := model.NewTextItem("dev-b", "synced across the wire")
	require.NoError(t, sess.Send(ItemMessage(&item, nil)))

	require.Eventually(t, func() bool {
		items, _ := received.snapshot()
		return len(items) == 1
	}, 2*time.Second, 10*time.Millisecond)

	items, from := received.snapshot()
	assert.Equal(t, item.ContentHash, items[0].ContentHash)
	assert.Equal(t, "synced across the wire", items[0].TextContent)
	assert.Equal(t, []string{"dev-b"}, from)
}

func TestConnect_NewHandshakeSupersedes(t *testing.T) {
	idA := newIdentity(t, "dev-a", "Host")
	idB := newIdentity(t, "dev-b", "Laptop")

	regA := NewRegistry(discardLogger())
	port := startServer(t, idA, "dev-a", "Host", regA, acceptAll, (&itemCollector{}).handle)

	for i := 0; i < 2; i++ {
		regB := NewRegistry(discardLogger())
		dialer := NewDialer("dev-b", "Laptop", idB.ClientTLSConfig(), regB,
			(&itemCollector{}).handle, discardLogger())
		_, err := dialer.Connect(context.Background(), "127.0.0.1", port, "")
		require.NoError(t, err)
	}

	// The newer connection won; the table never holds two sessions for
	// one peer.
	require.Eventually(t, func() bool { return regA.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_RejectsMessageBeforeHello(t *testing.T) {
	idA := newIdentity(t, "dev-a", "Host")
	idB := newIdentity(t, "dev-b", "Laptop")

	regA := NewRegistry(discardLogger())
	port := startServer(t, idA, "dev-a", "Host", regA, acceptAll, (&itemCollector{}).handle)

	conn, err := tls.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), idB.ClientTLSConfig())
	require.NoError(t, err)
	defer conn.Close()

	sess := newSession(conn, Outbound, "")

	// Server speaks first.
	msg, err := sess.receive()
	require.NoError(t, err)
	require.Equal(t, MessageHello, msg.Type)

	// Violate the protocol: PING before HELLO.
	require.NoError(t, sess.Send(&Message{Type: MessagePing}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = sess.receive()
	assert.Error(t, err, "server should close a connection that skips hello")
	assert.Equal(t, 0, regA.Count())
}

func TestServer_RejectedHelloCreatesNoSession(t *testing.T) {
	idA := newIdentity(t, "dev-a", "Host")
	idB := newIdentity(t, "dev-b", "Laptop")

	regA := NewRegistry(discardLogger())
	reject := func(_ context.Context, _ Hello) error { return assert.AnError }
	port := startServer(t, idA, "dev-a", "Host", regA, reject, (&itemCollector{}).handle)

	regB := NewRegistry(discardLogger())
	dialer := NewDialer("dev-b", "Laptop", idB.ClientTLSConfig(), regB,
		(&itemCollector{}).handle, discardLogger())

	// The dialer's handshake completes before the host decides; rejection
	// shows up as the session dropping immediately.
	_, err := dialer.Connect(context.Background(), "127.0.0.1", port, "BADTOKEN")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return regB.Count() == 0 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, regA.Count())
}

func TestConnect_DialFailureReturnsError(t *testing.T) {
	idB := newIdentity(t, "dev-b", "Laptop")

	dialer := NewDialer("dev-b", "Laptop", idB.ClientTLSConfig(),
		NewRegistry(discardLogger()), (&itemCollector{}).handle, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	// Nothing listens on this port; backoff gives up when the context does.
	_, err := dialer.Connect(ctx, "127.0.0.1", 1, "")
	assert.Error(t, err)
}
