// Package clipboard abstracts the OS clipboard behind a small interface.
//
// The daemon only needs two things from a clipboard: a stream of local copy
// events, and a way to apply remote content without that application echoing
// straight back as a new local event. The Memory implementation provides both
// for headless use and tests; platform backends satisfy the same interface.
package clipboard

import (
	"sync"

	"github.com/clipberry/clipberry/internal/hashx"
	"github.com/clipberry/clipberry/internal/model"
)

// Event is one local clipboard change.
type Event struct {
	Type model.ItemType
	Text string
	Data []byte
}

// Hash returns the content hash of the event payload.
func (e Event) Hash() string {
	if e.Type == model.TypeText {
		return hashx.ContentHash([]byte(e.Text))
	}
	return hashx.ContentHash(e.Data)
}

// Clipboard is the surface the sync engine works against.
//
// Apply places remote content on the clipboard and arms suppression so the
// resulting change event is swallowed instead of being rebroadcast. Events
// delivers local copy events with suppressed echoes already filtered out.
type Clipboard interface {
	Apply(item model.ClipboardItem, blob []byte) error
	Events() <-chan Event
	Close()
}

// Memory is an in-process Clipboard. It holds the latest content and filters
// echo events by content hash.
type Memory struct {
	mu         sync.Mutex
	current    Event
	suppressed map[string]struct{}
	events     chan Event
	closed     bool
}

func NewMemory() *Memory {
	return &Memory{
		suppressed: make(map[string]struct{}),
		events:     make(chan Event, 16),
	}
}

// Apply sets the clipboard to remote content. The content hash is marked so
// the next local change event carrying the same bytes is dropped.
func (m *Memory) Apply(item model.ClipboardItem, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev := Event{Type: item.Type}
	if item.Type == model.TypeText {
		ev.Text = item.TextContent
	} else {
		ev.Data = blob
	}

	m.current = ev
	m.suppressed[item.ContentHash] = struct{}{}
	return nil
}

// SetText simulates a local copy of text.
func (m *Memory) SetText(text string) {
	m.emit(Event{Type: model.TypeText, Text: text})
}

// SetImage simulates a local copy of image bytes.
func (m *Memory) SetImage(data []byte) {
	m.emit(Event{Type: model.TypeImage, Data: data})
}

// Current returns the latest clipboard content.
func (m *Memory) Current() Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Memory) Events() <-chan Event {
	return m.events
}

// Close stops event delivery. Further Set calls are dropped.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.events)
}

func (m *Memory) emit(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	m.current = ev

	hash := ev.Hash()
	if _, ok := m.suppressed[hash]; ok {
		// Echo of content we just applied; swallow once.
		delete(m.suppressed, hash)
		return
	}

	select {
	case m.events <- ev:
	default:
		// A slow consumer loses the oldest-style guarantee; clipboard
		// content is last-write-wins anyway.
	}
}
