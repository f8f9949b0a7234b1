// Package store remembers what was learned about receivers between runs.
//
// The audio-only latch is the important part: once a receiver has been
// caught presenting an audio-only certificate while advertising video, new
// channels to it start with the latch already set.
package store

import "time"

// DeviceRecord is everything kept about one receiver, keyed by endpoint.
type DeviceRecord struct {
	Endpoint      string    `cbor:"endpoint"`
	AudioOnly     bool      `cbor:"audio_only"`
	LastError     string    `cbor:"last_error,omitempty"`
	LastConnected time.Time `cbor:"last_connected"`
	ConnectCount  int       `cbor:"connect_count"`
}

// Store is a device record store. Implementations are safe for
// concurrent use.
type Store interface {
	Get(endpoint string) (DeviceRecord, bool)
	Put(rec DeviceRecord) error
	Delete(endpoint string) error
	Count() int
}
