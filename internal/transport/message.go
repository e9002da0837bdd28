// Package transport implements the TLS message channel between paired
// devices: one self-describing JSON object per newline-terminated frame.
//
// HELLO must be the first message exchanged in both directions on a new
// connection. The listening side speaks first; the dialer answers. Binary
// payloads travel base64-encoded inside the same envelope.
package transport

import (
	"encoding/base64"
	"fmt"

	"github.com/clipberry/clipberry/internal/model"
)

// MessageType discriminates wire messages.
type MessageType string

const (
	MessageHello         MessageType = "hello"
	MessageClipboardItem MessageType = "clipboard_item"
	MessageRequestItem   MessageType = "request_item" // reserved, unused
	MessageAck           MessageType = "ack"
	MessagePing          MessageType = "ping"
	MessagePong          MessageType = "pong"
)

// Message is the flat wire envelope. Only the fields relevant to Type are
// populated; the rest stay at their zero values and are omitted on the wire.
type Message struct {
	Type MessageType `json:"type"`

	// HELLO. Token is only present on a pairing connection, where the
	// dialer presents the out-of-band transcribed pairing code in-band.
	DeviceID   string `json:"device_id,omitempty"`
	DeviceName string `json:"device_name,omitempty"`
	Token      string `json:"token,omitempty"`

	// CLIPBOARD_ITEM.
	ID             string            `json:"id,omitempty"`
	ItemType       string            `json:"item_type,omitempty"`
	ContentHash    string            `json:"content_hash,omitempty"`
	OriginDeviceID string            `json:"origin_device_id,omitempty"`
	Timestamp      int64             `json:"timestamp,omitempty"`
	Size           int64             `json:"size,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	TextContent    string            `json:"text_content,omitempty"`
	BlobData       string            `json:"blob_data,omitempty"` // base64

	// ACK.
	ItemID string `json:"item_id,omitempty"`
}

// ItemMessage builds a CLIPBOARD_ITEM envelope. blob carries the raw binary
// payload for image items and is nil for text.
func ItemMessage(item *model.ClipboardItem, blob []byte) *Message {
	msg := &Message{
		Type:           MessageClipboardItem,
		ID:             item.ID,
		ItemType:       string(item.Type),
		ContentHash:    item.ContentHash,
		OriginDeviceID: item.OriginDeviceID,
		Timestamp:      item.Timestamp,
		Size:           item.Size,
		Metadata:       item.Metadata,
		TextContent:    item.TextContent,
	}
	if len(blob) > 0 {
		msg.BlobData = base64.StdEncoding.EncodeToString(blob)
	}
	return msg
}

// Item decodes a CLIPBOARD_ITEM envelope back into the domain item plus the
// raw blob bytes, if any.
func (m *Message) Item() (model.ClipboardItem, []byte, error) {
	if m.Type != MessageClipboardItem {
		return model.ClipboardItem{}, nil, fmt.Errorf("not a clipboard item: %q", m.Type)
	}

	item := model.ClipboardItem{
		ID:             m.ID,
		Type:           model.ItemType(m.ItemType),
		ContentHash:    m.ContentHash,
		OriginDeviceID: m.OriginDeviceID,
		Timestamp:      m.Timestamp,
		Size:           m.Size,
		Metadata:       m.Metadata,
		TextContent:    m.TextContent,
	}
	if item.Metadata == nil {
		item.Metadata = map[string]string{}
	}

	var blob []byte
	if m.BlobData != "" {
		decoded, err := base64.StdEncoding.DecodeString(m.BlobData)
		if err != nil {
			return model.ClipboardItem{}, nil, fmt.Errorf("malformed blob data: %w", err)
		}
		blob = decoded
	}

	return item, blob, nil
}
