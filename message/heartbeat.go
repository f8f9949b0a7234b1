package message

import "encoding/json"

// Heartbeat payload types.
const (
	HeartbeatPing = "PING"
	HeartbeatPong = "PONG"
)

type heartbeatPayload struct {
	Type string `json:"type"`
}

// NewHeartbeat builds a PING or PONG on the heartbeat namespace between
// the platform sender and receiver.
func NewHeartbeat(kind string) *CastMessage {
	payload, _ := json.Marshal(heartbeatPayload{Type: kind})
	return NewString(NamespaceHeartbeat, PlatformSenderID, PlatformReceiverID, string(payload))
}

// IsHeartbeat reports whether the message travels on the heartbeat namespace.
func IsHeartbeat(m *CastMessage) bool {
	return m != nil && m.Namespace == NamespaceHeartbeat
}

// HeartbeatType returns the "type" field of a heartbeat payload, or ""
// when the message is not a heartbeat or its payload is not a JSON object.
func HeartbeatType(m *CastMessage) string {
	if !IsHeartbeat(m) || m.PayloadType != PayloadString || m.PayloadUTF8 == nil {
		return ""
	}
	var p heartbeatPayload
	if err := json.Unmarshal([]byte(*m.PayloadUTF8), &p); err != nil {
		return ""
	}
	return p.Type
}

// IsAuth reports whether the message travels on the device auth namespace.
func IsAuth(m *CastMessage) bool {
	return m != nil && m.Namespace == NamespaceDeviceAuth
}
