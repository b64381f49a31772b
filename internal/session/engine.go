// Package session implements the call-session orchestration engine: it pumps
// the carrier media stream and the transcription link concurrently, runs the
// turn-taking state machine, and drives the reply pipeline under a
// cancellation contract so that callee barge-in cuts the agent off cleanly.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Omkarthipparthi/voice-agent/internal/llm"
	"github.com/Omkarthipparthi/voice-agent/internal/telephony"
)

// markName tags the playback marker sent after each reply's audio. The
// carrier echoes it back once everything queued before it has played.
const markName = "response_end"

const (
	defaultMarkTimeout   = 60 * time.Second
	archiveUploadTimeout = 10 * time.Second
	defaultSystemPrompt  = "You are a helpful AI voice assistant speaking on the phone. Keep your responses concise, conversational, and natural."
)

// Engine owns one call session. All turn state (state, history, reply) is
// guarded by mu; both pumps and the reply goroutine mutate it only under the
// lock, so transitions are serialized in arrival order.
type Engine struct {
	provider  telephony.Provider
	carrier   Carrier
	stt       Transcriber
	generator Generator
	synth     Synthesizer
	archiver  Archiver
	logger    *slog.Logger

	markTimeout time.Duration

	mu        sync.Mutex
	runCtx    context.Context
	state     State
	streamSID string
	history   []llm.Message
	reply     *replyUnit
	turnSeq   uint64
	markTimer *time.Timer
}

// Option configures an Engine during construction.
type Option func(*Engine)

// WithLogger sets the structured logger for this session.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithSystemPrompt overrides the system turn seeded into history.
func WithSystemPrompt(prompt string) Option {
	return func(e *Engine) {
		if prompt != "" {
			e.history = []llm.Message{{Role: llm.RoleSystem, Content: prompt}}
		}
	}
}

// WithArchiver enables transcript upload at session teardown.
func WithArchiver(a Archiver) Option {
	return func(e *Engine) { e.archiver = a }
}

// WithMarkTimeout bounds how long the engine stays in Responding waiting for
// the carrier's playback mark after audio was sent. Zero disables the
// watchdog.
func WithMarkTimeout(d time.Duration) Option {
	return func(e *Engine) { e.markTimeout = d }
}

// New constructs an engine for a single call. One engine per carrier
// connection; nothing is shared across sessions.
func New(provider telephony.Provider, carrier Carrier, stt Transcriber, generator Generator, synth Synthesizer, opts ...Option) *Engine {
	e := &Engine{
		provider:    provider,
		carrier:     carrier,
		stt:         stt,
		generator:   generator,
		synth:       synth,
		logger:      slog.Default(),
		markTimeout: defaultMarkTimeout,
		history:     []llm.Message{{Role: llm.RoleSystem, Content: defaultSystemPrompt}},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run pumps the carrier and transcription streams until the carrier stops,
// either connection closes, or ctx is cancelled. It always tears the session
// down (cancels any active reply, closes the transcription link) before
// returning.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	e.runCtx = runCtx
	e.mu.Unlock()

	// Unblock the carrier read when the session ends from the other side.
	go func() {
		<-runCtx.Done()
		_ = e.carrier.Close()
	}()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return e.pumpCarrier(gctx, cancel) })
	g.Go(func() error { return e.pumpTranscripts(gctx, cancel) })
	err := g.Wait()

	e.teardown()
	return err
}

// pumpCarrier reads carrier messages and dispatches them. A malformed
// message is skipped; a stop event or read failure ends the session.
func (e *Engine) pumpCarrier(ctx context.Context, cancel context.CancelFunc) error {
	defer cancel()
	for {
		raw, err := e.carrier.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				e.logger.Info("carrier connection closed", "stream_sid", e.StreamSID(), "err", err)
			}
			return nil
		}
		ev := e.provider.ParseEvent(raw)
		switch ev.Kind {
		case telephony.EventStart:
			e.handleStart(ev.StreamSID)
		case telephony.EventMedia:
			// best-effort relay into the transcription link
			if err := e.stt.SendAudio(ev.Audio); err != nil {
				e.logger.Debug("forward audio to stt", "err", err)
			}
		case telephony.EventMark:
			e.handleMark(ev.Mark)
		case telephony.EventStop:
			e.logger.Info("carrier stream stopped", "stream_sid", e.StreamSID())
			return nil
		default:
			// unrecognized vendor message: skip, keep pumping
		}
	}
}

// pumpTranscripts consumes transcript results in arrival order. Closure of
// the results channel means the session has lost its transcription
// capability, which ends the session cleanly.
func (e *Engine) pumpTranscripts(ctx context.Context, cancel context.CancelFunc) error {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case r, ok := <-e.stt.Results():
			if !ok {
				e.logger.Info("transcription link closed", "stream_sid", e.StreamSID())
				return nil
			}
			if r.IsFinal {
				e.handleFinal(r.Text)
			} else {
				e.handleInterim(r.Text)
			}
		}
	}
}

func (e *Engine) handleStart(sid string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.streamSID != "" {
		if e.streamSID != sid {
			e.logger.Warn("ignoring second start event", "stream_sid", e.streamSID, "new_sid", sid)
		}
		return
	}
	e.streamSID = sid
	e.logger.Info("stream started", "provider", e.provider.Name(), "stream_sid", sid)
}

// handleFinal runs transition 1: a settled utterance starts a reply turn.
// If a final lands while the agent still holds the floor (possible for very
// short utterances that never produced an interim), the interruption
// procedure runs first so the single-reply invariant holds.
func (e *Engine) handleFinal(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Responding {
		e.logger.Info("final utterance during response, interrupting", "stream_sid", e.streamSID)
		e.interruptLocked()
	}
	e.startTurnLocked(text)
}

// handleInterim runs transition 2: callee speech while the agent is
// responding is a barge-in. While Idle, interim results are ignored.
func (e *Engine) handleInterim(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Responding {
		return
	}
	e.logger.Info("barge-in detected", "stream_sid", e.streamSID, "heard", text)
	e.interruptLocked()
}

// handleMark runs transition 3: the carrier's playback-completion signal is
// the only event that ends a successful, uninterrupted turn.
func (e *Engine) handleMark(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Responding || e.reply == nil || !e.reply.delivered {
		// stale mark: flushed by a clear after barge-in, or echoed for a
		// prior turn's cleared audio while the current pipeline is still
		// in flight. Only the current turn's own playback ends it.
		return
	}
	e.logger.Info("playback finished", "stream_sid", e.streamSID, "mark", name)
	e.reply = nil
	e.state = Idle
	e.stopMarkTimerLocked()
}

func (e *Engine) startTurnLocked(userText string) {
	e.logger.Info("user utterance", "stream_sid", e.streamSID, "text", userText)
	e.history = append(e.history, llm.Message{Role: llm.RoleUser, Content: userText})

	e.turnSeq++
	unit := newReplyUnit(e.runCtx, e.turnSeq)
	e.reply = unit
	e.state = Responding

	snapshot := make([]llm.Message, len(e.history))
	copy(snapshot, e.history)
	go e.runReply(unit, snapshot)
}

// interruptLocked cancels the in-flight reply, flushes the carrier's audio
// buffer, and returns the engine to Idle. Callers hold e.mu, which makes the
// whole procedure atomic with respect to new reply spawning. Safe to run
// with no active reply.
func (e *Engine) interruptLocked() {
	if e.reply != nil && !e.reply.Finished() {
		e.reply.Cancel()
		e.logger.Info("cancelled active reply", "stream_sid", e.streamSID)
	}
	if e.streamSID != "" {
		msg, err := e.provider.FormatClear(e.streamSID)
		if err == nil {
			err = e.carrier.WriteMessage(msg)
		}
		if err != nil {
			// non-fatal: the pump keeps running either way
			e.logger.Warn("clear-buffer send failed", "stream_sid", e.streamSID, "err", err)
		} else {
			e.logger.Info("carrier audio buffer cleared", "stream_sid", e.streamSID)
		}
	}
	e.reply = nil
	e.state = Idle
	e.stopMarkTimerLocked()
}

// runReply executes one turn's pipeline: generate, synthesize, deliver.
func (e *Engine) runReply(u *replyUnit, history []llm.Message) {
	defer close(u.done)

	reply, err := e.generator.Generate(u.ctx, history)
	if err != nil {
		e.abortTurn(u, "generate", err)
		return
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		e.abortTurn(u, "generate", errors.New("empty reply text"))
		return
	}

	audio, err := e.synth.Synthesize(u.ctx, reply)
	if err != nil {
		e.abortTurn(u, "synthesize", err)
		return
	}

	e.deliver(u, reply, audio)
}

// abortTurn handles a pipeline failure: revert to Idle, keep history free of
// the partial turn, keep the session alive. Cancellation is not a failure
// and needs no state change, the interruption already reset it.
func (e *Engine) abortTurn(u *replyUnit, stage string, err error) {
	if u.Cancelled() {
		e.logger.Debug("reply cancelled", "stage", stage)
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reply != u {
		return
	}
	e.reply = nil
	e.state = Idle
	e.logger.Error("reply pipeline failed", "stream_sid", e.streamSID, "stage", stage, "err", err)
}

// deliver appends the assistant turn and ships audio plus the playback
// marker. The staleness check and the sends happen under e.mu so an
// interruption can never interleave between them.
func (e *Engine) deliver(u *replyUnit, reply string, audio []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reply != u || u.Cancelled() {
		return
	}

	e.logger.Info("assistant reply", "stream_sid", e.streamSID, "text", reply)
	e.history = append(e.history, llm.Message{Role: llm.RoleAssistant, Content: reply})

	if err := e.sendReplyAudioLocked(audio); err != nil {
		// no mark will ever arrive for audio that was never queued
		e.reply = nil
		e.state = Idle
		e.logger.Error("send reply audio", "stream_sid", e.streamSID, "err", err)
		return
	}
	u.delivered = true
	e.armMarkTimerLocked(u.seq)
}

func (e *Engine) sendReplyAudioLocked(audio []byte) error {
	if e.streamSID == "" {
		return errors.New("no stream id established")
	}
	frame, err := e.provider.FormatMedia(e.streamSID, audio)
	if err != nil {
		return err
	}
	if err := e.carrier.WriteMessage(frame); err != nil {
		return err
	}
	mark, err := e.provider.FormatMark(e.streamSID, markName)
	if err != nil {
		return err
	}
	return e.carrier.WriteMessage(mark)
}

func (e *Engine) armMarkTimerLocked(seq uint64) {
	if e.markTimeout <= 0 {
		return
	}
	e.stopMarkTimerLocked()
	e.markTimer = time.AfterFunc(e.markTimeout, func() { e.markTimedOut(seq) })
}

func (e *Engine) stopMarkTimerLocked() {
	if e.markTimer != nil {
		e.markTimer.Stop()
		e.markTimer = nil
	}
}

// markTimedOut force-reverts to Idle when the carrier never delivered the
// playback mark. The seq guard keeps a stale timer from touching a newer
// turn.
func (e *Engine) markTimedOut(seq uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Responding || e.reply == nil || e.reply.seq != seq {
		return
	}
	e.logger.Warn("no playback mark within deadline, reverting to idle", "stream_sid", e.streamSID)
	e.reply = nil
	e.state = Idle
}

// teardown cancels any active reply, closes the transcription link, and
// archives the conversation best-effort.
func (e *Engine) teardown() {
	e.mu.Lock()
	if e.reply != nil {
		e.reply.Cancel()
		e.reply = nil
	}
	e.state = Idle
	e.stopMarkTimerLocked()
	sid := e.streamSID
	history := make([]llm.Message, len(e.history))
	copy(history, e.history)
	e.mu.Unlock()

	_ = e.stt.Close()

	// history[0] is the system turn; archive only the spoken conversation
	if e.archiver != nil && sid != "" && len(history) > 1 {
		ctx, cancel := context.WithTimeout(context.Background(), archiveUploadTimeout)
		defer cancel()
		if err := e.archiver.Archive(ctx, sid, history[1:]); err != nil {
			e.logger.Warn("transcript archive failed", "stream_sid", sid, "err", err)
		}
	}
	e.logger.Info("session ended", "stream_sid", sid)
}

// State returns the current turn state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// StreamSID returns the carrier-assigned stream identifier, if known.
func (e *Engine) StreamSID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streamSID
}

// History returns a copy of the conversation history.
func (e *Engine) History() []llm.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]llm.Message, len(e.history))
	copy(out, e.history)
	return out
}
