// Package telemetry receives fire-and-forget channel events.
//
// Nothing in a channel depends on a Logger for correctness: events are
// purely observability. Implementations must be cheap and must not call
// back into the channel that reported the event.
package telemetry

import "fmt"

// EventType identifies what happened on a channel.
type EventType int

const (
	EventUnknown EventType = iota
	EventReadyStateChanged
	EventConnectStateChanged
	EventReadStateChanged
	EventWriteStateChanged
	EventErrorStateChanged
	EventTCPConnected
	EventTLSConnected
	EventPeerCertExtracted
	EventAuthChallengeSent
	EventAuthChallengeReplied
	EventAuthFailed
	EventConnectTimeout
	EventMessageRead
	EventMessageWritten
	EventMessageEnqueued
	EventSocketReadFailed
	EventSocketWriteFailed
	EventPingSent
	EventPongSent
	EventPingTimeout
	EventChannelPolicyEnforced
	EventDeviceRecordFailed
)

var eventNames = map[EventType]string{
	EventUnknown:               "unknown",
	EventReadyStateChanged:     "ready_state_changed",
	EventConnectStateChanged:   "connect_state_changed",
	EventReadStateChanged:      "read_state_changed",
	EventWriteStateChanged:     "write_state_changed",
	EventErrorStateChanged:     "error_state_changed",
	EventTCPConnected:          "tcp_connected",
	EventTLSConnected:          "tls_connected",
	EventPeerCertExtracted:     "peer_cert_extracted",
	EventAuthChallengeSent:     "auth_challenge_sent",
	EventAuthChallengeReplied:  "auth_challenge_replied",
	EventAuthFailed:            "auth_failed",
	EventConnectTimeout:        "connect_timeout",
	EventMessageRead:           "message_read",
	EventMessageWritten:        "message_written",
	EventMessageEnqueued:       "message_enqueued",
	EventSocketReadFailed:      "socket_read_failed",
	EventSocketWriteFailed:     "socket_write_failed",
	EventPingSent:              "ping_sent",
	EventPongSent:              "pong_sent",
	EventPingTimeout:           "ping_timeout",
	EventChannelPolicyEnforced: "channel_policy_enforced",
	EventDeviceRecordFailed:    "device_record_failed",
}

func (e EventType) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// Event is one observation. Only the fields relevant to Type are set.
type Event struct {
	Type      EventType
	State     string // new state name for *_state_changed events
	Previous  string // state left behind, ready state changes only
	Namespace string // message namespace for message events
	Bytes     int    // wire size for message events
	Err       error  // failure detail, nil on success
}

// Logger receives events keyed by channel id.
type Logger interface {
	LogEvent(channelID int, ev Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) LogEvent(int, Event) {}

type multi []Logger

// Multi fans events out to every logger in order. Nil loggers are skipped.
func Multi(loggers ...Logger) Logger {
	var m multi
	for _, l := range loggers {
		if l != nil {
			m = append(m, l)
		}
	}
	return m
}

func (m multi) LogEvent(channelID int, ev Event) {
	for _, l := range m {
		l.LogEvent(channelID, ev)
	}
}

// OrNop returns l, or Nop when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop{}
	}
	return l
}
