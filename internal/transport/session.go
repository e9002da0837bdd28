package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/clipberry/clipberry/internal/logging"
)

// maxFrameSize bounds a single wire frame. A payload at the 10 MiB item
// ceiling grows by 4/3 under base64 plus the envelope fields; anything past
// this is a misbehaving or hostile peer and tears down that session only.
const maxFrameSize = 16 * 1024 * 1024

// Direction records which side initiated a session.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Session is one live, authenticated channel to exactly one peer device.
// It is created on a successful HELLO exchange and destroyed on disconnect
// or fatal I/O error. The Registry exclusively owns live sessions.
type Session struct {
	DeviceID    string
	DeviceName  string
	Fingerprint string
	Direction   Direction

	conn    net.Conn
	scanner *bufio.Scanner
	writeMu sync.Mutex
}

func newSession(conn net.Conn, direction Direction, fingerprint string) *Session {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	return &Session{
		Direction:   direction,
		Fingerprint: fingerprint,
		conn:        conn,
		scanner:     scanner,
	}
}

// Send marshals msg into a single newline-terminated frame and writes it.
// Safe for concurrent use.
func (s *Session) Send(msg *Message) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return s.sendFrame(append(frame, '\n'))
}

func (s *Session) sendFrame(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.conn.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// receive blocks until the next frame arrives and decodes it. A frame
// exceeding maxFrameSize surfaces bufio.ErrTooLong, which ends this
// session's receive loop.
func (s *Session) receive() (*Message, error) {
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	var msg Message
	if err := json.Unmarshal(s.scanner.Bytes(), &msg); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	return &msg, nil
}

// Close tears down the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Registry is the guarded table of live sessions keyed by peer device id.
// All concurrent connect/disconnect events from any number of goroutines
// serialize through its mutex; it is never exposed for raw access.
type Registry struct {
	logger logging.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(logger logging.Logger) *Registry {
	return &Registry{
		logger:   logger.With("module", "transport"),
		sessions: make(map[string]*Session),
	}
}

// Put installs sess for its device id and returns the session it superseded,
// if any. The newer connection wins; the caller closes the prior one.
func (r *Registry) Put(sess *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.sessions[sess.DeviceID]
	r.sessions[sess.DeviceID] = sess
	return prev
}

// Remove deletes sess from the table, but only while it is still the
// current entry for its peer; a superseding session is left untouched.
func (r *Registry) Remove(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[sess.DeviceID] == sess {
		delete(r.sessions, sess.DeviceID)
	}
}

// Get looks up the live session for a device.
func (r *Registry) Get(deviceID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[deviceID]
	return sess, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll closes every live session and empties the table.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
}

// Broadcast serializes msg once and sends it best-effort to every live
// session except those identified by except (empty ids are ignored). A
// failure on one peer is logged and never prevents delivery to the rest.
func (r *Registry) Broadcast(ctx context.Context, msg *Message, except ...string) {
	frame, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error(ctx, "failed to marshal broadcast", "error", err)
		return
	}
	frame = append(frame, '\n')

	skip := make(map[string]struct{}, len(except))
	for _, id := range except {
		if id != "" {
			skip[id] = struct{}{}
		}
	}

	r.mu.Lock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if _, ok := skip[s.DeviceID]; !ok {
			targets = append(targets, s)
		}
	}
	r.mu.Unlock()

	for _, s := range targets {
		if err := s.sendFrame(frame); err != nil {
			r.logger.Warn(ctx, "broadcast failed for peer",
				"peer", s.DeviceID, "error", err)
		}
	}
}
