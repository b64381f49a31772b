// Package transcript provides the realtime speech-to-text link. The engine
// feeds it carrier-native audio frames and consumes interim/final transcript
// results from a channel.
package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// keepAliveInterval matches Deepgram's requirement that something (audio or a
// KeepAlive message) arrives at least every 10 seconds.
const keepAliveInterval = 5 * time.Second

// Result is one transcription result unit. Interim results are provisional;
// a final result is the settled transcription of one utterance.
type Result struct {
	Text    string
	IsFinal bool
}

// Live streams phone-call audio to Deepgram and emits transcript results.
type Live struct {
	apiKey  string
	baseURL string
	logger  *slog.Logger

	conn      *websocket.Conn
	results   chan Result
	audio     chan []byte
	stopCh    chan struct{}
	writeDone chan struct{}

	mu        sync.RWMutex
	connected bool

	closeOnce  sync.Once
	finishOnce sync.Once
}

// NewLive creates a transcription link. Connect must be called before any
// audio is sent.
func NewLive(apiKey string, logger *slog.Logger) *Live {
	if logger == nil {
		logger = slog.Default()
	}
	return &Live{
		apiKey:    apiKey,
		baseURL:   "wss://api.deepgram.com/v1/listen",
		logger:    logger,
		results:   make(chan Result, 100),
		audio:     make(chan []byte, 1000),
		stopCh:    make(chan struct{}),
		writeDone: make(chan struct{}),
	}
}

// listenURL is tuned for carrier-native audio: mulaw at 8 kHz, interim
// results on so barge-in can trigger before an utterance settles.
func (l *Live) listenURL() string {
	params := url.Values{}
	params.Set("model", "nova-2-phonecall")
	params.Set("language", "en-US")
	params.Set("encoding", "mulaw")
	params.Set("sample_rate", "8000")
	params.Set("smart_format", "true")
	params.Set("interim_results", "true")
	params.Set("endpointing", "300")
	params.Set("utterance_end_ms", "1000")
	return l.baseURL + "?" + params.Encode()
}

// Connect establishes the Deepgram streaming WebSocket and starts the read
// and write loops.
func (l *Live) Connect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connected {
		return nil
	}
	if l.apiKey == "" {
		return fmt.Errorf("deepgram api key is empty")
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	headers := map[string][]string{"Authorization": {"Token " + l.apiKey}}
	conn, resp, err := dialer.DialContext(ctx, l.listenURL(), headers)
	if err != nil {
		if resp != nil {
			l.logger.Error("deepgram stt connect failed", "status", resp.StatusCode)
		}
		return fmt.Errorf("connect to deepgram stt: %w", err)
	}

	l.conn = conn
	l.connected = true
	go l.readLoop()
	go l.writeLoop()
	l.logger.Info("deepgram stt connected")
	return nil
}

// SendAudio queues an audio frame for transmission. Best-effort: when the
// queue is full the frame is dropped, losing audio is preferable to stalling
// the relay.
func (l *Live) SendAudio(frame []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.connected {
		return fmt.Errorf("transcription link not connected")
	}
	select {
	case l.audio <- frame:
	default:
		l.logger.Warn("stt audio buffer full, dropping frame")
	}
	return nil
}

// Results returns the transcript event stream. The channel closes when the
// link is torn down, which the engine treats as the end of the session's
// transcription capability.
func (l *Live) Results() <-chan Result { return l.results }

// Close tears the link down. Safe to call more than once. The write loop is
// the connection's only writer, so the closing handshake happens there; Close
// just signals it and waits for it to drain before dropping the socket.
func (l *Live) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		conn := l.conn
		l.connected = false
		l.mu.Unlock()

		close(l.stopCh)
		if conn != nil {
			select {
			case <-l.writeDone:
			case <-time.After(2 * time.Second):
				l.logger.Warn("deepgram stt write loop did not drain in time")
			}
			_ = conn.Close()
		}
		l.logger.Info("deepgram stt closed")
	})
	return nil
}

func (l *Live) readLoop() {
	defer l.finish()
	for {
		select {
		case <-l.stopCh:
			return
		default:
		}
		_, message, err := l.conn.ReadMessage()
		if err != nil {
			select {
			case <-l.stopCh: // expected during Close
			default:
				l.logger.Warn("deepgram stt read error", "err", err)
			}
			return
		}
		l.handleMessage(message)
	}
}

// finish closes the results channel exactly once, after the read loop exits.
func (l *Live) finish() {
	l.finishOnce.Do(func() { close(l.results) })
}

type resultMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// handleMessage classifies one Deepgram message and emits a Result for
// non-empty transcripts. Unknown message types are skipped.
func (l *Live) handleMessage(message []byte) {
	var msg resultMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		l.logger.Warn("deepgram stt malformed message", "err", err)
		return
	}
	switch msg.Type {
	case "Results":
		if len(msg.Channel.Alternatives) == 0 {
			return
		}
		text := strings.TrimSpace(msg.Channel.Alternatives[0].Transcript)
		if text == "" {
			return
		}
		// Finals must not be dropped; block until delivered or torn down.
		select {
		case <-l.stopCh:
		case l.results <- Result{Text: text, IsFinal: msg.IsFinal}:
		}
	case "Metadata", "UtteranceEnd", "SpeechStarted":
		// informational, nothing to relay
	default:
		l.logger.Debug("deepgram stt unknown message type", "type", msg.Type)
	}
}

// writeLoop is the sole writer on the connection; audio frames, KeepAlive
// messages, and the CloseStream handshake all go through here.
func (l *Live) writeLoop() {
	defer close(l.writeDone)
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case <-l.stopCh:
			_ = l.conn.WriteJSON(map[string]string{"type": "CloseStream"})
			return
		case frame := <-l.audio:
			if err := l.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				l.logger.Warn("deepgram stt write error", "err", err)
				return
			}
			keepAlive.Reset(keepAliveInterval)
		case <-keepAlive.C:
			if err := l.conn.WriteJSON(map[string]string{"type": "KeepAlive"}); err != nil {
				return
			}
		}
	}
}
