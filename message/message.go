// Package message defines the CastMessage exchanged over a cast channel
// and its protobuf wire body.
package message

import "fmt"

// Namespaces of the sub-protocols multiplexed over every channel.
const (
	NamespaceDeviceAuth = "urn:x-cast:com.google.cast.tp.deviceauth"
	NamespaceHeartbeat  = "urn:x-cast:com.google.cast.tp.heartbeat"
	NamespaceConnection = "urn:x-cast:com.google.cast.tp.connection"
)

// Fixed platform endpoints used for channel-level traffic
// (authentication and heartbeat) rather than application traffic.
const (
	PlatformSenderID   = "sender-0"
	PlatformReceiverID = "receiver-0"
)

// ProtocolVersion of the cast message format.
type ProtocolVersion int32

const (
	CastV2_1_0 ProtocolVersion = 0
)

// PayloadType says which payload field of a CastMessage is populated.
type PayloadType int32

const (
	PayloadString PayloadType = iota // PayloadUTF8 is set
	PayloadBinary                    // PayloadBinary is set
)

func (p PayloadType) String() string {
	switch p {
	case PayloadString:
		return "STRING"
	case PayloadBinary:
		return "BINARY"
	default:
		return fmt.Sprintf("PayloadType(%d)", int32(p))
	}
}

// CastMessage is one routed message on a channel.
//
// Exactly one of PayloadUTF8 and PayloadBinary is set, matching
// PayloadType. A nil pointer / nil slice means "not set"; an empty but
// non-nil payload is still a set payload.
type CastMessage struct {
	ProtocolVersion ProtocolVersion
	SourceID        string
	DestinationID   string
	Namespace       string
	PayloadType     PayloadType
	PayloadUTF8     *string
	PayloadBinary   []byte
}

// NewString builds a STRING message.
func NewString(namespace, sourceID, destinationID, payload string) *CastMessage {
	return &CastMessage{
		ProtocolVersion: CastV2_1_0,
		SourceID:        sourceID,
		DestinationID:   destinationID,
		Namespace:       namespace,
		PayloadType:     PayloadString,
		PayloadUTF8:     &payload,
	}
}

// NewBinary builds a BINARY message. The payload is copied.
func NewBinary(namespace, sourceID, destinationID string, payload []byte) *CastMessage {
	p := make([]byte, len(payload))
	copy(p, payload)
	return &CastMessage{
		ProtocolVersion: CastV2_1_0,
		SourceID:        sourceID,
		DestinationID:   destinationID,
		Namespace:       namespace,
		PayloadType:     PayloadBinary,
		PayloadBinary:   p,
	}
}

// IsValid reports whether the message is well formed at the application
// level: routing strings are non-empty and the payload pairing is
// consistent with PayloadType.
func (m *CastMessage) IsValid() bool {
	if m == nil {
		return false
	}
	if m.Namespace == "" || m.SourceID == "" || m.DestinationID == "" {
		return false
	}

	switch m.PayloadType {
	case PayloadString:
		return m.PayloadUTF8 != nil && m.PayloadBinary == nil
	case PayloadBinary:
		return m.PayloadBinary != nil && m.PayloadUTF8 == nil
	default:
		return false
	}
}

// StringPayload returns the UTF-8 payload, or "" when none is set.
func (m *CastMessage) StringPayload() string {
	if m.PayloadUTF8 == nil {
		return ""
	}
	return *m.PayloadUTF8
}

// String is a short human readable form for logs; payloads are not printed.
func (m *CastMessage) String() string {
	size := len(m.PayloadBinary)
	if m.PayloadUTF8 != nil {
		size = len(*m.PayloadUTF8)
	}
	return fmt.Sprintf("{ns=%s src=%s dst=%s type=%s len=%d}",
		m.Namespace, m.SourceID, m.DestinationID, m.PayloadType, size)
}
