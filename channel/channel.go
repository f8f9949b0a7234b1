package channel

import "fmt"

// ChannelError is the terminal error code of a cast channel.
// Once a channel records anything other than ErrorNone it is considered
// closed. Callers tear it down and open a new one; nothing is retried here.
type ChannelError int

const (
	ErrorNone               ChannelError = iota // no error, channel usable
	ErrorChannelNotOpen                         // operation on a channel that is not open
	ErrorAuthentication                         // TLS, certificate or challenge failure
	ErrorConnect                                // TCP connect failed
	ErrorSocket                                 // read or write on the socket failed
	ErrorTransport                              // protocol sequencing violation
	ErrorInvalidMessage                         // framing or message validation failure
	ErrorInvalidChannelID                       // no channel with the requested id
	ErrorConnectTimeout                         // connect sequence did not finish in time
	ErrorPingTimeout                            // peer went silent past the liveness window
	ErrorUnknown                                // catch-all, should be rare
)

var errorNames = map[ChannelError]string{
	ErrorNone:             "NONE",
	ErrorChannelNotOpen:   "CHANNEL_NOT_OPEN",
	ErrorAuthentication:   "AUTHENTICATION_ERROR",
	ErrorConnect:          "CONNECT_ERROR",
	ErrorSocket:           "SOCKET_ERROR",
	ErrorTransport:        "TRANSPORT_ERROR",
	ErrorInvalidMessage:   "INVALID_MESSAGE",
	ErrorInvalidChannelID: "INVALID_CHANNEL_ID",
	ErrorConnectTimeout:   "CONNECT_TIMEOUT",
	ErrorPingTimeout:      "PING_TIMEOUT",
	ErrorUnknown:          "UNKNOWN",
}

func (e ChannelError) String() string {
	if name, ok := errorNames[e]; ok {
		return name
	}
	return fmt.Sprintf("ChannelError(%d)", int(e))
}

// Error lets a ChannelError travel through ordinary error returns and be
// matched with errors.Is. ErrorNone should never be returned as an error.
func (e ChannelError) Error() string {
	return "cast channel: " + e.String()
}

// ReadyState is the lifecycle phase of the socket-level connection.
// It is distinct from the per-operation ChannelError.
type ReadyState int

const (
	ReadyStateNone       ReadyState = iota // 0 - created, connect not yet called
	ReadyStateConnecting                   // 1 - connect sequence in progress
	ReadyStateOpen                         // 2 - authenticated, messages flowing
	ReadyStateClosing                      // 3 - close requested, tearing down
	ReadyStateClosed                       // 4 - terminal
)

func (s ReadyState) String() string {
	switch s {
	case ReadyStateNone:
		return "NONE"
	case ReadyStateConnecting:
		return "CONNECTING"
	case ReadyStateOpen:
		return "OPEN"
	case ReadyStateClosing:
		return "CLOSING"
	case ReadyStateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("ReadyState(%d)", int(s))
	}
}

// CanTransition reports whether the ready state may move from one phase to
// another. Closed is terminal: a closed channel is replaced, not reopened.
func CanTransition(from, to ReadyState) bool {
	allowed := map[ReadyState][]ReadyState{
		ReadyStateNone:       {ReadyStateConnecting, ReadyStateClosed},
		ReadyStateConnecting: {ReadyStateOpen, ReadyStateClosing, ReadyStateClosed},
		ReadyStateOpen:       {ReadyStateClosing, ReadyStateClosed},
		ReadyStateClosing:    {ReadyStateClosed},
		ReadyStateClosed:     {},
	}

	for _, valid := range allowed[from] {
		if to == valid {
			return true
		}
	}
	return false
}

// DeviceCapability is a bitmask of what a receiver says it can do.
type DeviceCapability uint32

const (
	CapabilityNone           DeviceCapability = 0
	CapabilityVideoOut       DeviceCapability = 1 << 0
	CapabilityVideoIn        DeviceCapability = 1 << 1
	CapabilityAudioOut       DeviceCapability = 1 << 2
	CapabilityAudioIn        DeviceCapability = 1 << 3
	CapabilityDevMode        DeviceCapability = 1 << 4
	CapabilityMultizoneGroup DeviceCapability = 1 << 5
)

var capabilityNames = map[string]DeviceCapability{
	"video_out":       CapabilityVideoOut,
	"video_in":        CapabilityVideoIn,
	"audio_out":       CapabilityAudioOut,
	"audio_in":        CapabilityAudioIn,
	"dev_mode":        CapabilityDevMode,
	"multizone_group": CapabilityMultizoneGroup,
}

// Has reports whether every bit of other is set.
func (c DeviceCapability) Has(other DeviceCapability) bool {
	return other != 0 && c&other == other
}

// ParseCapabilities turns config names like "video_out" into a bitmask.
func ParseCapabilities(names []string) (DeviceCapability, error) {
	var caps DeviceCapability
	for _, name := range names {
		bit, ok := capabilityNames[name]
		if !ok {
			return 0, fmt.Errorf("unknown device capability %q", name)
		}
		caps |= bit
	}
	return caps, nil
}
