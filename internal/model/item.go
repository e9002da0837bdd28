// Package model defines the persisted domain types shared by storage,
// transport and orchestration.
package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/clipberry/clipberry/internal/hashx"
)

// ItemType classifies clipboard payloads.
type ItemType string

const (
	TypeText  ItemType = "text"
	TypeImage ItemType = "image"
)

// ClipboardItem is one captured clipboard payload.
//
// ContentHash is the hex SHA-256 of the raw payload bytes and is globally
// unique in the ledger. Text payloads are inlined in TextContent; image
// payloads live in the blob store and are referenced by BlobPath.
type ClipboardItem struct {
	ID             string
	Type           ItemType
	ContentHash    string
	OriginDeviceID string
	Timestamp      int64 // unix milliseconds, UTC
	Size           int64
	Metadata       map[string]string
	TextContent    string
	BlobPath       string
}

// NewTextItem builds a fully hashed text item originating on deviceID.
func NewTextItem(deviceID, text string) ClipboardItem {
	content := []byte(text)
	return ClipboardItem{
		ID:             uuid.NewString(),
		Type:           TypeText,
		ContentHash:    hashx.ContentHash(content),
		OriginDeviceID: deviceID,
		Timestamp:      time.Now().UTC().UnixMilli(),
		Size:           int64(len(content)),
		Metadata:       map[string]string{},
		TextContent:    text,
	}
}

// NewImageItem builds a fully hashed image item originating on deviceID.
// The caller stores data in the blob store and fills BlobPath afterwards.
func NewImageItem(deviceID string, data []byte) ClipboardItem {
	return ClipboardItem{
		ID:             uuid.NewString(),
		Type:           TypeImage,
		ContentHash:    hashx.ContentHash(data),
		OriginDeviceID: deviceID,
		Timestamp:      time.Now().UTC().UnixMilli(),
		Size:           int64(len(data)),
		Metadata:       map[string]string{},
	}
}
