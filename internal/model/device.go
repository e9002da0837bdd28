package model

import "time"

// Capability keys recorded for a paired device.
const (
	CapSyncText   = "sync_text"
	CapSyncImages = "sync_images"
)

// Device is a paired peer.
//
// The ID-Fingerprint binding is fixed at pairing time and is the sole basis
// for authorizing traffic from that peer. Revocation clears Trusted but the
// record itself is never deleted.
type Device struct {
	ID                string
	Name              string
	Fingerprint       string
	AddedTimestamp    int64 // unix milliseconds, UTC
	LastSeenTimestamp int64 // unix milliseconds; 0 means never seen
	Trusted           bool
	Capabilities      map[string]bool
}

// NewTrustedDevice builds a trusted device record with default capabilities,
// as recorded at pairing time.
func NewTrustedDevice(id, name, fingerprint string) Device {
	return Device{
		ID:             id,
		Name:           name,
		Fingerprint:    fingerprint,
		AddedTimestamp: time.Now().UTC().UnixMilli(),
		Trusted:        true,
		Capabilities: map[string]bool{
			CapSyncText:   true,
			CapSyncImages: true,
		},
	}
}
