// Package pairing issues and verifies the short-lived tokens that bootstrap
// trust between two devices. A token is displayed out-of-band on the host,
// transcribed by the operator on the peer, presented in-band on the first
// connection, and consumed exactly once.
package pairing

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/clipberry/clipberry/internal/logging"
)

// The alphabet excludes visually ambiguous glyphs (0/O, 1/I/l).
const tokenAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	// TokenLength is the number of characters in a generated token.
	TokenLength = 8

	// DefaultTTL bounds how long an unconsumed token stays valid.
	DefaultTTL = 5 * time.Minute
)

// Token is one issued pairing token. Lifecycle: active until consumed or
// expired; both states are terminal.
type Token struct {
	Token      string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	DeviceID   string
	DeviceName string
}

// Manager owns the set of currently active tokens and the periodic sweep
// that evicts expired ones.
type Manager struct {
	deviceID      string
	deviceName    string
	sweepInterval time.Duration
	logger        logging.Logger

	mu     sync.Mutex
	active map[string]Token

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a Manager. The sweep does not run until Start.
func NewManager(deviceID, deviceName string, sweepInterval time.Duration, logger logging.Logger) *Manager {
	return &Manager{
		deviceID:      deviceID,
		deviceName:    deviceName,
		sweepInterval: sweepInterval,
		logger:        logger.With("module", "pairing"),
		active:        make(map[string]Token),
	}
}

// Generate issues a new token valid for ttl (DefaultTTL when ttl <= 0).
func (m *Manager) Generate(ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	token, err := randomToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	now := time.Now().UTC()

	m.mu.Lock()
	m.active[token] = Token{
		Token:      token,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		DeviceID:   m.deviceID,
		DeviceName: m.deviceName,
	}
	m.mu.Unlock()

	return token, nil
}

// Validate reports whether token is known and unexpired. A token discovered
// to be expired is evicted as a side effect.
func (m *Manager) Validate(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validateLocked(token)
}

// Consume atomically validates and removes token. It returns true at most
// once per token; later attempts observe false.
func (m *Manager) Consume(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.validateLocked(token) {
		return false
	}
	delete(m.active, token)
	return true
}

// ActiveTokens lists the currently valid tokens, for display purposes.
func (m *Manager) ActiveTokens() []Token {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	tokens := make([]Token, 0, len(m.active))
	for _, t := range m.active {
		if t.ExpiresAt.After(now) {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// Start launches the periodic sweep that evicts expired-but-unconsumed
// tokens to bound memory, independent of lazy eviction on validate.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)

		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if n := m.sweep(); n > 0 {
					m.logger.Debug(ctx, "evicted expired tokens", "count", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the sweep and waits for it to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

func (m *Manager) validateLocked(token string) bool {
	t, ok := m.active[token]
	if !ok {
		return false
	}
	if time.Now().UTC().After(t.ExpiresAt) {
		delete(m.active, token)
		return false
	}
	return true
}

func (m *Manager) sweep() int {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for token, t := range m.active {
		if !t.ExpiresAt.After(now) {
			delete(m.active, token)
			evicted++
		}
	}
	return evicted
}

func randomToken() (string, error) {
	buf := make([]byte, TokenLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	// len(tokenAlphabet) is 32, so the modulo is unbiased.
	out := make([]byte, TokenLength)
	for i, b := range buf {
		out[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(out), nil
}
