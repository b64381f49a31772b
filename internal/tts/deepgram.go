// Package tts synthesizes reply text into carrier-native audio (mulaw, 8 kHz).
package tts

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
)

// Synthesizer produces one audio payload per reply text.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// DeepgramClient synthesizes speech with Deepgram Aura over the speak
// WebSocket, collecting the streamed audio into one payload.
type DeepgramClient struct {
	apiKey     string
	model      string
	sampleRate int
	encoding   string
}

var _ Synthesizer = (*DeepgramClient)(nil)

func NewDeepgramClient(apiKey, model string) *DeepgramClient {
	if model == "" {
		model = "aura-asteria-en"
	}
	return &DeepgramClient{apiKey: apiKey, model: model, sampleRate: 8000, encoding: "mulaw"}
}

// Synthesize returns the full synthesized payload for text, or ctx.Err() if
// cancelled while audio is still streaming in. The stream is considered done
// after a short idle window with no new audio.
func (d *DeepgramClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if d.apiKey == "" {
		return nil, fmt.Errorf("deepgram: API key missing")
	}
	if text == "" {
		return nil, fmt.Errorf("deepgram: empty text")
	}

	options := &clientinterfaces.WSSpeakOptions{
		Model:      d.model,
		Encoding:   d.encoding,
		SampleRate: d.sampleRate,
	}

	var (
		mu       sync.Mutex
		audio    []byte
		lastRecv int64
		seen     int32
	)
	cb := &speakCallback{onBinary: func(data []byte) error {
		if len(data) == 0 {
			return nil
		}
		atomic.StoreInt64(&lastRecv, time.Now().UnixNano())
		atomic.StoreInt32(&seen, 1)
		mu.Lock()
		audio = append(audio, data...)
		mu.Unlock()
		return nil
	}}

	dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
	if err != nil {
		return nil, fmt.Errorf("deepgram: create ws client: %w", err)
	}

	var stopOnce sync.Once
	stopClient := func() { stopOnce.Do(func() { dg.Stop() }) }
	defer stopClient()

	if ok := dg.Connect(); !ok {
		return nil, fmt.Errorf("deepgram: connect failed")
	}
	if err := dg.SpeakWithText(text); err != nil {
		return nil, fmt.Errorf("deepgram: speak text: %w", err)
	}
	if err := dg.Flush(); err != nil {
		return nil, fmt.Errorf("deepgram: flush: %w", err)
	}

	idleWindow := 400 * time.Millisecond
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.Now().Add(12 * time.Second)
	for {
		select {
		case <-ctx.Done():
			stopClient()
			return nil, ctx.Err()
		case <-ticker.C:
			if atomic.LoadInt32(&seen) == 1 {
				last := time.Unix(0, atomic.LoadInt64(&lastRecv))
				if time.Since(last) > idleWindow {
					stopClient()
					mu.Lock()
					out := audio
					mu.Unlock()
					return out, nil
				}
			}
			if time.Now().After(deadline) {
				stopClient()
				mu.Lock()
				out := audio
				mu.Unlock()
				if len(out) == 0 {
					return nil, fmt.Errorf("deepgram: no audio received before deadline")
				}
				return out, nil
			}
		}
	}
}

type speakCallback struct{ onBinary func([]byte) error }

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakCallback) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakCallback) Error(*msginterfaces.ErrorResponse) error       { return nil }
func (s *speakCallback) UnhandledEvent([]byte) error                    { return nil }
func (s *speakCallback) Binary(byMsg []byte) error {
	if s.onBinary != nil {
		return s.onBinary(byMsg)
	}
	return nil
}
