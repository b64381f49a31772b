package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twilio/twilio-go/twiml"
)

// Twilio implements Provider for Twilio Media Streams.
type Twilio struct{}

var _ Provider = Twilio{}

func (Twilio) Name() string { return "twilio" }

type twilioInbound struct {
	Event string `json:"event"`
	Start struct {
		StreamSID string `json:"streamSid"`
	} `json:"start"`
	Media struct {
		Payload string `json:"payload"`
	} `json:"media"`
	Mark struct {
		Name string `json:"name"`
	} `json:"mark"`
}

func (Twilio) ParseEvent(raw []byte) Event {
	var msg twilioInbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Event{Kind: EventIgnored}
	}
	switch msg.Event {
	case "start":
		if msg.Start.StreamSID == "" {
			return Event{Kind: EventIgnored}
		}
		return Event{Kind: EventStart, StreamSID: msg.Start.StreamSID}
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

type twilioMedia struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

func (Twilio) FormatMedia(streamSID string, audio []byte) ([]byte, error) {
	msg := twilioMedia{Event: "media", StreamSID: streamSID}
	msg.Media.Payload = base64.StdEncoding.EncodeToString(audio)
	return json.Marshal(msg)
}

func (Twilio) FormatClear(streamSID string) ([]byte, error) {
	return json.Marshal(map[string]string{
		"event":     "clear",
		"streamSid": streamSID,
	})
}

type twilioMark struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Mark      struct {
		Name string `json:"name"`
	} `json:"mark"`
}

func (Twilio) FormatMark(streamSID, name string) ([]byte, error) {
	msg := twilioMark{Event: "mark", StreamSID: streamSID}
	msg.Mark.Name = name
	return json.Marshal(msg)
}

// AnswerDocument returns TwiML connecting the call to the media stream.
func (Twilio) AnswerDocument(host string) string {
	say := &twiml.VoiceSay{Message: "Please wait while I connect you to the AI assistant."}
	pause := &twiml.VoicePause{Length: "1"}
	ready := &twiml.VoiceSay{Message: "Okay, you can start talking!"}
	stream := &twiml.VoiceStream{Url: fmt.Sprintf("wss://%s/media-stream/twilio", host)}
	connect := &twiml.VoiceConnect{InnerElements: []twiml.Element{stream}}

	doc, err := twiml.Voice([]twiml.Element{say, pause, ready, connect})
	if err != nil {
		// twiml rendering is deterministic; this path only exists to satisfy
		// the library's error contract.
		slog.Error("twiml render failed", "err", err)
		return `<?xml version="1.0" encoding="UTF-8"?><Response/>`
	}
	return doc
}
