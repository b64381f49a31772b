// Package telephony normalizes carrier media-stream messages. Providers are
// stateless: they parse inbound WebSocket frames into events and format the
// outbound control messages the session engine needs (media, clear, mark).
package telephony

// EventKind classifies an inbound carrier message.
type EventKind int

const (
	// EventIgnored covers unrecognized or malformed messages. The engine
	// skips these; a bad frame must never end the call.
	EventIgnored EventKind = iota
	EventStart
	EventMedia
	EventMark
	EventStop
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventMedia:
		return "media"
	case EventMark:
		return "mark"
	case EventStop:
		return "stop"
	default:
		return "ignored"
	}
}

// Event is a normalized inbound carrier message.
type Event struct {
	Kind      EventKind
	StreamSID string // set for start events
	Audio     []byte // decoded payload, set for media events
	Mark      string // marker name, set for mark events
}

// Provider is implemented once per telephony vendor.
type Provider interface {
	Name() string

	// ParseEvent classifies a raw WebSocket message. Anything malformed or
	// unknown comes back as EventIgnored.
	ParseEvent(raw []byte) Event

	// FormatMedia wraps an audio payload in the vendor's media message.
	FormatMedia(streamSID string, audio []byte) ([]byte, error)

	// FormatClear builds the message that flushes the carrier's playback
	// buffer immediately (barge-in).
	FormatClear(streamSID string) ([]byte, error)

	// FormatMark requests a notification once all audio queued before the
	// marker has finished playing.
	FormatMark(streamSID, name string) ([]byte, error)

	// AnswerDocument produces the markup returned from the inbound-call
	// webhook, instructing the carrier to open the media-stream WebSocket
	// back to this host.
	AnswerDocument(host string) string
}
