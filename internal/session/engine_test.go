package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Omkarthipparthi/voice-agent/internal/llm"
	"github.com/Omkarthipparthi/voice-agent/internal/telephony"
	"github.com/Omkarthipparthi/voice-agent/internal/transcript"
)

type fakeCarrier struct {
	inbox chan []byte

	mu         sync.Mutex
	writes     [][]byte
	failWrites bool

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeCarrier() *fakeCarrier {
	return &fakeCarrier{inbox: make(chan []byte, 32), closed: make(chan struct{})}
}

func (c *fakeCarrier) ReadMessage() ([]byte, error) {
	select {
	case m := <-c.inbox:
		return m, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeCarrier) WriteMessage(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrites {
		return errors.New("write refused")
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	c.writes = append(c.writes, cp)
	return nil
}

func (c *fakeCarrier) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// eventsOfKind decodes recorded writes and returns those with the given
// event discriminator.
func (c *fakeCarrier) eventsOfKind(kind string) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]byte
	for _, w := range c.writes {
		var env struct {
			Event string `json:"event"`
		}
		if json.Unmarshal(w, &env) == nil && env.Event == kind {
			out = append(out, w)
		}
	}
	return out
}

type fakeTranscriber struct {
	results chan transcript.Result

	mu        sync.Mutex
	sent      [][]byte
	closeOnce sync.Once
}

func newFakeTranscriber() *fakeTranscriber {
	return &fakeTranscriber{results: make(chan transcript.Result, 32)}
}

func (f *fakeTranscriber) SendAudio(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeTranscriber) Results() <-chan transcript.Result { return f.results }

func (f *fakeTranscriber) Close() error {
	f.closeOnce.Do(func() { close(f.results) })
	return nil
}

func (f *fakeTranscriber) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeGenerator struct {
	reply string
	err   error
	// block, when non-nil, stalls the first call until released or cancelled
	block chan struct{}

	calls     int32
	cancelled int32
}

func (g *fakeGenerator) Generate(ctx context.Context, history []llm.Message) (string, error) {
	n := atomic.AddInt32(&g.calls, 1)
	if g.block != nil && n == 1 {
		select {
		case <-g.block:
		case <-ctx.Done():
			atomic.AddInt32(&g.cancelled, 1)
			return "", ctx.Err()
		}
	}
	if g.err != nil {
		return "", g.err
	}
	return g.reply, nil
}

type fakeSynth struct {
	audio []byte
	err   error
}

func (s *fakeSynth) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.audio, nil
}

func startMsg(sid string) []byte {
	return []byte(fmt.Sprintf(`{"event":"start","start":{"streamSid":%q}}`, sid))
}

func mediaMsg(audio []byte) []byte {
	return []byte(fmt.Sprintf(`{"event":"media","media":{"payload":%q}}`,
		base64.StdEncoding.EncodeToString(audio)))
}

func markMsg(name string) []byte {
	return []byte(fmt.Sprintf(`{"event":"mark","mark":{"name":%q}}`, name))
}

var stopMsg = []byte(`{"event":"stop"}`)

type harness struct {
	engine  *Engine
	carrier *fakeCarrier
	tr      *fakeTranscriber
	gen     *fakeGenerator
	syn     *fakeSynth
	done    chan error
	stopped chan struct{}
}

func start(t *testing.T, gen *fakeGenerator, syn *fakeSynth, opts ...Option) *harness {
	t.Helper()
	carrier := newFakeCarrier()
	tr := newFakeTranscriber()
	if syn == nil {
		syn = &fakeSynth{audio: []byte{0x7f, 0x7f}}
	}
	eng := New(telephony.Twilio{}, carrier, tr, gen, syn, opts...)
	done := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		done <- eng.Run(context.Background())
		close(stopped)
	}()
	t.Cleanup(func() {
		carrier.Close()
		select {
		case <-stopped:
		case <-time.After(time.Second):
			t.Errorf("engine did not shut down")
		}
	})
	return &harness{engine: eng, carrier: carrier, tr: tr, gen: gen, syn: syn, done: done, stopped: stopped}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func assistantTurns(h []llm.Message) int {
	n := 0
	for _, m := range h {
		if m.Role == llm.RoleAssistant {
			n++
		}
	}
	return n
}

func userTurns(h []llm.Message) int {
	n := 0
	for _, m := range h {
		if m.Role == llm.RoleUser {
			n++
		}
	}
	return n
}

func TestEngine_ForwardsMediaToTranscriber(t *testing.T) {
	h := start(t, &fakeGenerator{reply: "hi"}, nil)
	h.carrier.inbox <- startMsg("MZ1")
	h.carrier.inbox <- mediaMsg([]byte{1, 2, 3})
	h.carrier.inbox <- mediaMsg([]byte{4, 5})
	waitFor(t, "audio forwarded", func() bool { return h.tr.sentCount() == 2 })
	if h.engine.StreamSID() != "MZ1" {
		t.Fatalf("expected stream sid recorded, got %q", h.engine.StreamSID())
	}
}

func TestEngine_InterimWhileIdleIsIgnored(t *testing.T) {
	h := start(t, &fakeGenerator{reply: "hi"}, nil)
	h.carrier.inbox <- startMsg("MZ1")
	h.tr.results <- transcript.Result{Text: "He", IsFinal: false}
	time.Sleep(30 * time.Millisecond)
	if h.engine.State() != Idle {
		t.Fatalf("expected Idle, got %v", h.engine.State())
	}
	if n := len(h.carrier.eventsOfKind("clear")); n != 0 {
		t.Fatalf("expected no clear message, got %d", n)
	}
}

func TestEngine_EmptyFinalIsIgnored(t *testing.T) {
	h := start(t, &fakeGenerator{reply: "hi"}, nil)
	h.carrier.inbox <- startMsg("MZ1")
	h.tr.results <- transcript.Result{Text: "   ", IsFinal: true}
	time.Sleep(30 * time.Millisecond)
	if h.engine.State() != Idle {
		t.Fatalf("expected Idle after empty final")
	}
	if userTurns(h.engine.History()) != 0 {
		t.Fatalf("expected no user turn appended")
	}
}

func TestEngine_FullTurnUntilMark(t *testing.T) {
	h := start(t, &fakeGenerator{reply: "It's 3 PM"}, nil)
	h.carrier.inbox <- startMsg("MZ1")
	waitFor(t, "stream sid", func() bool { return h.engine.StreamSID() == "MZ1" })
	h.tr.results <- transcript.Result{Text: "What time is it?", IsFinal: true}

	waitFor(t, "audio and marker sent", func() bool {
		return len(h.carrier.eventsOfKind("media")) == 1 && len(h.carrier.eventsOfKind("mark")) == 1
	})
	if h.engine.State() != Responding {
		t.Fatalf("expected Responding until mark arrives, got %v", h.engine.State())
	}
	hist := h.engine.History()
	if userTurns(hist) != 1 || assistantTurns(hist) != 1 {
		t.Fatalf("expected one user and one assistant turn, got %+v", hist)
	}
	if hist[1].Content != "What time is it?" || hist[2].Content != "It's 3 PM" {
		t.Fatalf("history out of order: %+v", hist)
	}

	h.carrier.inbox <- markMsg("response_end")
	waitFor(t, "idle after mark", func() bool { return h.engine.State() == Idle })
}

func TestEngine_BargeInCancelsInflightReply(t *testing.T) {
	gen := &fakeGenerator{reply: "never spoken", block: make(chan struct{})}
	h := start(t, gen, nil)
	h.carrier.inbox <- startMsg("MZ1")
	h.tr.results <- transcript.Result{Text: "Tell me a story", IsFinal: true}
	waitFor(t, "responding", func() bool { return h.engine.State() == Responding })

	h.tr.results <- transcript.Result{Text: "Wait stop", IsFinal: false}
	waitFor(t, "idle after barge-in", func() bool { return h.engine.State() == Idle })
	if n := len(h.carrier.eventsOfKind("clear")); n != 1 {
		t.Fatalf("expected one clear message, got %d", n)
	}

	// the pipeline resolving later must produce no side effects
	close(gen.block)
	time.Sleep(30 * time.Millisecond)
	if n := len(h.carrier.eventsOfKind("media")); n != 0 {
		t.Fatalf("expected no audio sent after cancellation, got %d", n)
	}
	if assistantTurns(h.engine.History()) != 0 {
		t.Fatalf("expected no assistant turn after cancellation")
	}
}

func TestEngine_BargeInWhileAwaitingMark(t *testing.T) {
	h := start(t, &fakeGenerator{reply: "long reply"}, nil)
	h.carrier.inbox <- startMsg("MZ1")
	waitFor(t, "stream sid", func() bool { return h.engine.StreamSID() == "MZ1" })
	h.tr.results <- transcript.Result{Text: "hello", IsFinal: true}
	waitFor(t, "audio sent", func() bool { return len(h.carrier.eventsOfKind("media")) == 1 })

	h.tr.results <- transcript.Result{Text: "actually", IsFinal: false}
	waitFor(t, "idle after barge-in", func() bool { return h.engine.State() == Idle })
	if n := len(h.carrier.eventsOfKind("clear")); n != 1 {
		t.Fatalf("expected clear for already-sent audio, got %d", n)
	}
}

func TestEngine_StopCancelsReplyAndExits(t *testing.T) {
	gen := &fakeGenerator{reply: "never spoken", block: make(chan struct{})}
	h := start(t, gen, nil)
	h.carrier.inbox <- startMsg("MZ1")
	h.tr.results <- transcript.Result{Text: "hello", IsFinal: true}
	waitFor(t, "responding", func() bool { return h.engine.State() == Responding })

	h.carrier.inbox <- stopMsg
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("engine did not exit on stop")
	}
	waitFor(t, "reply cancelled", func() bool { return atomic.LoadInt32(&gen.cancelled) == 1 })
	if n := len(h.carrier.eventsOfKind("media")); n != 0 {
		t.Fatalf("expected no audio after stop, got %d", n)
	}
}

func TestEngine_PipelineErrorRevertsToIdle(t *testing.T) {
	h := start(t, &fakeGenerator{err: errors.New("boom")}, nil)
	h.carrier.inbox <- startMsg("MZ1")
	h.tr.results <- transcript.Result{Text: "hello", IsFinal: true}
	waitFor(t, "idle after pipeline error", func() bool {
		return userTurns(h.engine.History()) == 1 && h.engine.State() == Idle
	})
	hist := h.engine.History()
	if userTurns(hist) != 1 || assistantTurns(hist) != 0 {
		t.Fatalf("expected user turn only, got %+v", hist)
	}

	// session stays alive for the next utterance
	h.tr.results <- transcript.Result{Text: "again", IsFinal: true}
	waitFor(t, "second turn attempted", func() bool { return userTurns(h.engine.History()) == 2 })
}

func TestEngine_SynthesisErrorRevertsToIdle(t *testing.T) {
	h := start(t, &fakeGenerator{reply: "hi"}, &fakeSynth{err: errors.New("no voice")})
	h.carrier.inbox <- startMsg("MZ1")
	h.tr.results <- transcript.Result{Text: "hello", IsFinal: true}
	waitFor(t, "idle after synth error", func() bool {
		return userTurns(h.engine.History()) == 1 && h.engine.State() == Idle
	})
	if assistantTurns(h.engine.History()) != 0 {
		t.Fatalf("expected no assistant turn on synthesis failure")
	}
	if n := len(h.carrier.eventsOfKind("media")); n != 0 {
		t.Fatalf("expected no audio on synthesis failure, got %d", n)
	}
}

func TestEngine_SendFailureRevertsToIdle(t *testing.T) {
	h := start(t, &fakeGenerator{reply: "hi"}, nil)
	h.carrier.inbox <- startMsg("MZ1")
	waitFor(t, "stream sid", func() bool { return h.engine.StreamSID() == "MZ1" })
	h.carrier.mu.Lock()
	h.carrier.failWrites = true
	h.carrier.mu.Unlock()

	h.tr.results <- transcript.Result{Text: "hello", IsFinal: true}
	waitFor(t, "idle after send failure", func() bool {
		return assistantTurns(h.engine.History()) == 1 && h.engine.State() == Idle
	})
}

func TestEngine_MarkTimeoutRevertsToIdle(t *testing.T) {
	h := start(t, &fakeGenerator{reply: "hi"}, nil, WithMarkTimeout(30*time.Millisecond))
	h.carrier.inbox <- startMsg("MZ1")
	waitFor(t, "stream sid", func() bool { return h.engine.StreamSID() == "MZ1" })
	h.tr.results <- transcript.Result{Text: "hello", IsFinal: true}
	waitFor(t, "audio sent", func() bool { return len(h.carrier.eventsOfKind("media")) == 1 })
	waitFor(t, "idle after mark timeout", func() bool { return h.engine.State() == Idle })
}

func TestEngine_FinalDuringResponseInterruptsThenStartsNewTurn(t *testing.T) {
	gen := &fakeGenerator{reply: "second answer", block: make(chan struct{})}
	h := start(t, gen, nil)
	h.carrier.inbox <- startMsg("MZ1")
	h.tr.results <- transcript.Result{Text: "first question", IsFinal: true}
	waitFor(t, "responding", func() bool { return h.engine.State() == Responding })

	h.tr.results <- transcript.Result{Text: "second question", IsFinal: true}
	waitFor(t, "second turn delivered", func() bool {
		return len(h.carrier.eventsOfKind("media")) == 1
	})
	if n := len(h.carrier.eventsOfKind("clear")); n != 1 {
		t.Fatalf("expected one clear from the implicit interruption, got %d", n)
	}
	hist := h.engine.History()
	if userTurns(hist) != 2 || assistantTurns(hist) != 1 {
		t.Fatalf("expected two user turns and one assistant turn, got %+v", hist)
	}
}

func TestEngine_MarkBeforeDeliveryIsIgnored(t *testing.T) {
	gen := &fakeGenerator{reply: "late answer", block: make(chan struct{})}
	h := start(t, gen, nil)
	h.carrier.inbox <- startMsg("MZ1")
	h.tr.results <- transcript.Result{Text: "hello", IsFinal: true}
	waitFor(t, "responding", func() bool { return h.engine.State() == Responding })

	// a mark echoed for a previous turn's cleared audio must not end the
	// turn whose audio has not been sent yet
	h.carrier.inbox <- markMsg("response_end")
	time.Sleep(30 * time.Millisecond)
	if h.engine.State() != Responding {
		t.Fatalf("expected mark before delivery to be ignored, got %v", h.engine.State())
	}

	close(gen.block)
	waitFor(t, "reply delivered", func() bool { return len(h.carrier.eventsOfKind("media")) == 1 })
	if assistantTurns(h.engine.History()) != 1 {
		t.Fatalf("expected the reply to survive the stale mark")
	}

	h.carrier.inbox <- markMsg("response_end")
	waitFor(t, "idle after real mark", func() bool { return h.engine.State() == Idle })
}

func TestEngine_TranscriberClosureEndsSession(t *testing.T) {
	h := start(t, &fakeGenerator{reply: "hi"}, nil)
	h.carrier.inbox <- startMsg("MZ1")
	h.tr.Close()
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("engine did not exit when transcription link closed")
	}
}

func TestEngine_ArchivesTranscriptOnTeardown(t *testing.T) {
	arch := &fakeArchiver{}
	h := start(t, &fakeGenerator{reply: "It's 3 PM"}, nil, WithArchiver(arch))
	h.carrier.inbox <- startMsg("MZ1")
	waitFor(t, "stream sid", func() bool { return h.engine.StreamSID() == "MZ1" })
	h.tr.results <- transcript.Result{Text: "What time is it?", IsFinal: true}
	waitFor(t, "audio sent", func() bool { return len(h.carrier.eventsOfKind("media")) == 1 })
	h.carrier.inbox <- stopMsg
	<-h.done

	arch.mu.Lock()
	defer arch.mu.Unlock()
	if arch.streamSID != "MZ1" {
		t.Fatalf("expected archive for MZ1, got %q", arch.streamSID)
	}
	// the system turn is not archived
	if len(arch.history) != 2 || arch.history[0].Role != llm.RoleUser {
		t.Fatalf("unexpected archived history: %+v", arch.history)
	}
}

type fakeArchiver struct {
	mu        sync.Mutex
	streamSID string
	history   []llm.Message
}

func (a *fakeArchiver) Archive(ctx context.Context, streamSID string, history []llm.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.streamSID = streamSID
	a.history = history
	return nil
}
