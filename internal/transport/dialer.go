package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/clipberry/clipberry/internal/common"
	"github.com/clipberry/clipberry/internal/identity"
	"github.com/clipberry/clipberry/internal/logging"
)

const (
	dialBackoffBase = 1 * time.Second
	dialBackoffCap  = 30 * time.Second
	dialMaxRetries  = 4
)

// PeerInfo is what a successful dial reports back synchronously, so connect
// and pairing flows can react immediately.
type PeerInfo struct {
	DeviceID    string
	DeviceName  string
	Fingerprint string
}

// Dialer opens outbound sessions to peers.
type Dialer struct {
	deviceID   string
	deviceName string
	tlsConfig  *tls.Config
	registry   *Registry
	onItem     ItemHandler
	logger     logging.Logger
}

func NewDialer(deviceID, deviceName string, tlsConfig *tls.Config,
	registry *Registry, onItem ItemHandler, logger logging.Logger) *Dialer {
	return &Dialer{
		deviceID:   deviceID,
		deviceName: deviceName,
		tlsConfig:  tlsConfig,
		registry:   registry,
		onItem:     onItem,
		logger:     logger.With("module", "transport_dialer"),
	}
}

// Connect dials host:port with capped exponential backoff, performs the
// HELLO exchange and promotes the connection to a live session. token, when
// non-empty, is presented in-band to pair with the host. The peer's identity
// is returned synchronously; the receive loop runs in the background.
//
// Replay after a redial is harmless: propagation is idempotent by content
// hash.
func (d *Dialer) Connect(ctx context.Context, host string, port int, token string) (*PeerInfo, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	backoff := retry.WithCappedDuration(dialBackoffCap,
		retry.WithMaxRetries(dialMaxRetries, retry.NewExponential(dialBackoffBase)))

	var conn *tls.Conn
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		dialer := &tls.Dialer{Config: d.tlsConfig}
		netConn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			d.logger.Debug(ctx, "dial attempt failed", "address", addr, "error", err)
			return retry.RetryableError(err)
		}
		conn = netConn.(*tls.Conn)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	peer, err := d.handshake(ctx, conn, token)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return peer, nil
}

func (d *Dialer) handshake(ctx context.Context, conn *tls.Conn, token string) (*PeerInfo, error) {
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))

	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, fmt.Errorf("%w: peer presented no certificate", common.ErrProtocolViolation)
	}
	fingerprint := identity.FingerprintOf(state.PeerCertificates[0])

	sess := newSession(conn, Outbound, fingerprint)

	// The listening side speaks first; await its HELLO.
	msg, err := sess.receive()
	if err != nil {
		return nil, fmt.Errorf("failed to read hello: %w", err)
	}
	if msg.Type != MessageHello || msg.DeviceID == "" {
		return nil, fmt.Errorf("%w: expected hello, got %q", common.ErrProtocolViolation, msg.Type)
	}

	if err := sess.Send(&Message{
		Type:       MessageHello,
		DeviceID:   d.deviceID,
		DeviceName: d.deviceName,
		Token:      token,
	}); err != nil {
		return nil, fmt.Errorf("failed to send hello: %w", err)
	}

	sess.DeviceID = msg.DeviceID
	sess.DeviceName = msg.DeviceName

	_ = conn.SetDeadline(time.Time{})

	if prev := d.registry.Put(sess); prev != nil {
		d.logger.Info(ctx, "superseding session", "peer", sess.DeviceID)
		_ = prev.Close()
	}

	d.logger.Info(ctx, "session established",
		"peer", sess.DeviceID, "name", sess.DeviceName, "direction", sess.Direction)

	go runSession(ctx, sess, d.registry, d.onItem, d.logger)

	return &PeerInfo{
		DeviceID:    sess.DeviceID,
		DeviceName:  sess.DeviceName,
		Fingerprint: fingerprint,
	}, nil
}

// Disconnect closes the live session to a device, if any.
func (d *Dialer) Disconnect(deviceID string) error {
	sess, ok := d.registry.Get(deviceID)
	if !ok {
		return common.ErrNoSession
	}
	return sess.Close()
}
