package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/clipberry/clipberry/internal/common"
	"github.com/clipberry/clipberry/internal/identity"
	"github.com/clipberry/clipberry/internal/logging"
)

// handshakeTimeout bounds the TLS handshake plus the HELLO exchange on a
// fresh connection.
const handshakeTimeout = 10 * time.Second

// Hello describes the peer as observed during the HELLO exchange, including
// the certificate fingerprint seen on the TLS session itself.
type Hello struct {
	DeviceID    string
	DeviceName  string
	Token       string
	Fingerprint string
}

// HelloHandler decides whether an inbound peer may be promoted to a live
// session. Returning an error rejects the connection; for a pairing
// connection the handler consumes the presented token first.
type HelloHandler func(ctx context.Context, hello Hello) error

// Server accepts TLS connections and promotes them to sessions in the
// shared registry after a successful HELLO exchange.
type Server struct {
	addr       string
	deviceID   string
	deviceName string
	tlsConfig  *tls.Config
	registry   *Registry
	onHello    HelloHandler
	onItem     ItemHandler
	logger     logging.Logger

	mu       sync.Mutex
	listener net.Listener
}

func NewServer(addr, deviceID, deviceName string, tlsConfig *tls.Config,
	registry *Registry, onHello HelloHandler, onItem ItemHandler, logger logging.Logger) *Server {
	return &Server{
		addr:       addr,
		deviceID:   deviceID,
		deviceName: deviceName,
		tlsConfig:  tlsConfig,
		registry:   registry,
		onHello:    onHello,
		onItem:     onItem,
		logger:     logger.With("module", "transport_server"),
	}
}

// Run listens on the configured address until ctx is cancelled. Cancellation
// stops accepting, then closes all live sessions.
func (s *Server) Run(ctx context.Context) error {

	listener, err := tls.Listen("tcp", s.addr, s.tlsConfig)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "stopping listener")
		_ = listener.Close()
		s.registry.CloseAll()
	}()

	s.logger.Info(ctx, "listening", "address", s.addr)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		go s.handleConn(ctx, conn)
	}
}

// Addr returns the bound listen address, or nil before Run has started
// listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// handleConn performs the TLS handshake and HELLO exchange, then hands the
// promoted session to the shared receive loop. Any fault before promotion
// closes this connection only.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		_ = conn.Close()
		return
	}

	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		s.logger.Warn(ctx, "TLS handshake failed", "remote", conn.RemoteAddr(), "error", err)
		_ = conn.Close()
		return
	}

	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		s.logger.Warn(ctx, "peer presented no certificate", "remote", conn.RemoteAddr())
		_ = conn.Close()
		return
	}
	fingerprint := identity.FingerprintOf(state.PeerCertificates[0])

	sess := newSession(conn, Inbound, fingerprint)

	// The listening side speaks first.
	if err := sess.Send(&Message{
		Type:       MessageHello,
		DeviceID:   s.deviceID,
		DeviceName: s.deviceName,
	}); err != nil {
		s.logger.Warn(ctx, "failed to send hello", "remote", conn.RemoteAddr(), "error", err)
		_ = conn.Close()
		return
	}

	msg, err := sess.receive()
	if err != nil {
		s.logger.Warn(ctx, "failed to read hello", "remote", conn.RemoteAddr(), "error", err)
		_ = conn.Close()
		return
	}
	if msg.Type != MessageHello || msg.DeviceID == "" {
		s.logger.Warn(ctx, "protocol violation: expected hello",
			"remote", conn.RemoteAddr(), "type", msg.Type, "error", common.ErrProtocolViolation)
		_ = conn.Close()
		return
	}

	hello := Hello{
		DeviceID:    msg.DeviceID,
		DeviceName:  msg.DeviceName,
		Token:       msg.Token,
		Fingerprint: fingerprint,
	}
	if err := s.onHello(ctx, hello); err != nil {
		s.logger.Warn(ctx, "peer rejected", "peer", hello.DeviceID, "error", err)
		_ = conn.Close()
		return
	}

	sess.DeviceID = hello.DeviceID
	sess.DeviceName = hello.DeviceName

	_ = conn.SetDeadline(time.Time{})

	if prev := s.registry.Put(sess); prev != nil {
		// A later HELLO from the same peer supersedes the prior session.
		s.logger.Info(ctx, "superseding session", "peer", sess.DeviceID)
		_ = prev.Close()
	}

	s.logger.Info(ctx, "session established",
		"peer", sess.DeviceID, "name", sess.DeviceName, "direction", sess.Direction)

	runSession(ctx, sess, s.registry, s.onItem, s.logger)
}
