package session

import (
	"context"

	"github.com/Omkarthipparthi/voice-agent/internal/llm"
	"github.com/Omkarthipparthi/voice-agent/internal/transcript"
)

// State is the engine's turn-taking state.
type State int

const (
	// Idle: no active reply; the next final utterance starts a turn.
	Idle State = iota
	// Responding: reply generation or synthesis is in flight, or agent audio
	// has been sent and playback completion is still pending.
	Responding
)

func (s State) String() string {
	if s == Responding {
		return "responding"
	}
	return "idle"
}

// Carrier is the read/write side of the telephony media-stream connection.
// WriteMessage must be safe for concurrent use.
type Carrier interface {
	ReadMessage() ([]byte, error)
	WriteMessage(payload []byte) error
	Close() error
}

// Transcriber is the transcription link consumed by the engine. Results
// closes when the link is torn down.
type Transcriber interface {
	SendAudio(frame []byte) error
	Results() <-chan transcript.Result
	Close() error
}

// Generator produces reply text from ordered conversation history. It must
// honor ctx cancellation.
type Generator interface {
	Generate(ctx context.Context, history []llm.Message) (string, error)
}

// Synthesizer turns reply text into a carrier-native audio payload. It must
// honor ctx cancellation.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Archiver receives the finished conversation at session teardown.
type Archiver interface {
	Archive(ctx context.Context, streamSID string, history []llm.Message) error
}
