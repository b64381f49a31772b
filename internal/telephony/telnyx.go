package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Telnyx implements Provider for Telnyx TeXML media streams. The wire format
// mirrors Twilio's closely, but start events have been observed with several
// spellings for the stream identifier, so parsing stays tolerant.
type Telnyx struct{}

var _ Provider = Telnyx{}

func (Telnyx) Name() string { return "telnyx" }

type telnyxStreamID struct {
	StreamSID      string `json:"streamSid"`
	StreamSIDSnake string `json:"stream_sid"`
	CallSID        string `json:"callSid"`
	CallSIDSnake   string `json:"call_sid"`
	StreamID       string `json:"streamId"`
}

func (s telnyxStreamID) first() string {
	for _, v := range []string{s.StreamSID, s.StreamSIDSnake, s.CallSID, s.CallSIDSnake, s.StreamID} {
		if v != "" {
			return v
		}
	}
	return ""
}

type telnyxInbound struct {
	Event string          `json:"event"`
	Start *telnyxStreamID `json:"start"`
	Media struct {
		Payload string `json:"payload"`
	} `json:"media"`
	Mark struct {
		Name string `json:"name"`
	} `json:"mark"`
	// some Telnyx events carry the id at the top level rather than nested
	telnyxStreamID
}

func (Telnyx) ParseEvent(raw []byte) Event {
	var msg telnyxInbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Event{Kind: EventIgnored}
	}
	switch msg.Event {
	case "start":
		sid := msg.telnyxStreamID.first()
		if msg.Start != nil {
			if nested := msg.Start.first(); nested != "" {
				sid = nested
			}
		}
		if sid == "" {
			sid = "unknown"
		}
		return Event{Kind: EventStart, StreamSID: sid}
	case "media":
		audio, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			return Event{Kind: EventIgnored}
		}
		return Event{Kind: EventMedia, Audio: audio}
	case "mark":
		return Event{Kind: EventMark, Mark: msg.Mark.Name}
	case "stop":
		return Event{Kind: EventStop}
	default:
		return Event{Kind: EventIgnored}
	}
}

func (Telnyx) FormatMedia(streamSID string, audio []byte) ([]byte, error) {
	msg := twilioMedia{Event: "media", StreamSID: streamSID}
	msg.Media.Payload = base64.StdEncoding.EncodeToString(audio)
	return json.Marshal(msg)
}

func (Telnyx) FormatClear(streamSID string) ([]byte, error) {
	return json.Marshal(map[string]string{
		"event":     "clear",
		"streamSid": streamSID,
	})
}

func (Telnyx) FormatMark(streamSID, name string) ([]byte, error) {
	msg := twilioMark{Event: "mark", StreamSID: streamSID}
	msg.Mark.Name = name
	return json.Marshal(msg)
}

// AnswerDocument returns TeXML connecting the call to the media stream.
// Built by hand: the Telnyx stream attributes (bidirectional RTP over PCMU)
// have no TwiML equivalent.
func (Telnyx) AnswerDocument(host string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>`+
		`<Response>`+
		`<Say>Please wait while I connect you to the AI assistant.</Say>`+
		`<Pause length="1"/>`+
		`<Say>Okay, you can start talking!</Say>`+
		`<Connect>`+
		`<Stream url="wss://%s/media-stream/telnyx"`+
		` track="inbound_track"`+
		` bidirectionalMode="rtp"`+
		` bidirectionalCodec="PCMU"`+
		` bidirectionalSamplingRate="8000"`+
		`/>`+
		`</Connect>`+
		`</Response>`, host)
}
