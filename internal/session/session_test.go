package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/starbud-ai/starbud/internal/config"
	"github.com/starbud-ai/starbud/internal/metrics"
	"github.com/starbud-ai/starbud/internal/protocol"
	"github.com/starbud-ai/starbud/internal/registry"
	"github.com/starbud-ai/starbud/internal/store"
	"github.com/starbud-ai/starbud/pkg/audio"
	"github.com/starbud-ai/starbud/pkg/provider/asr"
	asrmock "github.com/starbud-ai/starbud/pkg/provider/asr/mock"
	"github.com/starbud-ai/starbud/pkg/provider/intent/keyword"
	"github.com/starbud-ai/starbud/pkg/provider/llm"
	llmmock "github.com/starbud-ai/starbud/pkg/provider/llm/mock"
	"github.com/starbud-ai/starbud/pkg/provider/tts"
	ttsmock "github.com/starbud-ai/starbud/pkg/provider/tts/mock"
	vadmock "github.com/starbud-ai/starbud/pkg/provider/vad/mock"
)

// ─── Test doubles ────────────────────────────────────────────────────────────

type fakeConn struct {
	mu     sync.Mutex
	frames []protocol.Frame
	audio  [][]byte
	closed string
}

func (c *fakeConn) SendFrame(f protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) SendAudio(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio = append(c.audio, p)
	return nil
}

func (c *fakeConn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = reason
}

func (c *fakeConn) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) audioCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.audio)
}

func (c *fakeConn) find(match func(protocol.Frame) bool) (protocol.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.frames {
		if match(f) {
			return f, true
		}
	}
	return protocol.Frame{}, false
}

func (c *fakeConn) hasTTSState(state string) bool {
	_, ok := c.find(func(f protocol.Frame) bool {
		return f.Type == protocol.FrameTTS && f.State == state
	})
	return ok
}

type fakeStore struct {
	mu         sync.Mutex
	messages   []store.Message
	closed     bool
	analyses   int
	memoryData json.RawMessage
	compacts   int
}

func (s *fakeStore) AppendMessage(_ context.Context, m store.Message) (store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = int64(len(s.messages) + 1)
	m.CreatedAt = time.Now()
	s.messages = append(s.messages, m)
	return m, nil
}

func (s *fakeStore) RecentWindow(_ context.Context, _ int64, _ bool, limit int) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]store.Message(nil), msgs...), nil
}

func (s *fakeStore) CompactIfNeeded(context.Context, int64, bool, store.CompactOptions, store.Summarizer) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compacts++
	return false, nil
}

func (s *fakeStore) CloseSession(context.Context, string, time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStore) EnqueueAnalysis(context.Context, string, int64, float64, float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analyses++
	return nil
}

func (s *fakeStore) UpdateAgentMemory(_ context.Context, _ int64, data json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memoryData = data
	return nil
}

func (s *fakeStore) byRole(role string) []store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Message
	for _, m := range s.messages {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out
}

type nopSink struct{}

func (nopSink) InsertMetrics(context.Context, []store.MetricRow) error { return nil }
func (nopSink) StatsSince(context.Context, time.Time) ([]store.MetricStat, error) {
	return nil, nil
}

// ─── Fixture ─────────────────────────────────────────────────────────────────

type fixture struct {
	conn *fakeConn
	db   *fakeStore
	llm  *llmmock.Provider
	tts  *ttsmock.Synthesizer
	asr  *asrmock.Recognizer
	vad  *vadmock.Detector
	rec  *metrics.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		conn: &fakeConn{},
		db:   &fakeStore{},
		llm:  &llmmock.Provider{},
		tts:  &ttsmock.Synthesizer{},
		asr:  &asrmock.Recognizer{},
		vad:  &vadmock.Detector{},
		rec:  metrics.New(nopSink{}, metrics.WithFlushInterval(time.Hour)),
	}
	t.Cleanup(func() { f.rec.Close() })
	return f
}

func (f *fixture) newSession(t *testing.T, mutate func(*Config)) *Session {
	t.Helper()
	agentCfg, err := config.ParseAgentConfig(nil)
	if err != nil {
		t.Fatalf("default agent config: %v", err)
	}
	cfg := Config{
		SessionID: "sess-test",
		UserID:    1,
		Agent:     store.Agent{ID: 7, UserID: 1, Name: "测试伙伴"},
		AgentCfg:  agentCfg,
		Modules: &registry.Set{
			VAD: f.vad, ASR: f.asr, LLM: f.llm, TTS: f.tts,
			Codes: map[config.ModuleType]string{
				config.ModuleVAD: "mock", config.ModuleASR: "mock",
				config.ModuleLLM: "mock", config.ModuleTTS: "mock",
			},
		},
		Store:    f.db,
		Recorder: f.rec,
		Conn:     f.conn,
		Pipeline: config.PipelineConfig{CancelDrain: 200 * time.Millisecond},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// start runs the actor and registers a clean stop.
func start(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			t.Error("session did not stop")
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func silence() [][]byte {
	return [][]byte{make([]byte, audio.FrameBytes)}
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestTextTurnProducesSpokenReply(t *testing.T) {
	f := newFixture(t)
	f.llm.StreamChunks = []llm.Chunk{{Text: "你好"}, {Text: "呀。"}, {FinishReason: "stop"}}
	f.tts.SynthesizeChunks = silence()

	s := f.newSession(t, nil)
	start(t, s)

	s.Deliver(protocol.Frame{Type: protocol.FrameText, Content: "在吗"})

	waitFor(t, "assistant message", func() bool {
		msgs := f.db.byRole(store.RoleAssistant)
		return len(msgs) == 1 && msgs[0].Content == "你好呀。"
	})

	if users := f.db.byRole(store.RoleUser); len(users) != 1 || users[0].Content != "在吗" {
		t.Fatalf("user messages = %+v", users)
	}
	if _, ok := f.conn.find(func(fr protocol.Frame) bool {
		return fr.Type == protocol.FrameTTS && fr.State == protocol.TTSSentenceStart && fr.Text == "你好呀。"
	}); !ok {
		t.Error("no sentence_start frame for the reply")
	}
	if !f.conn.hasTTSState(protocol.TTSStart) || !f.conn.hasTTSState(protocol.TTSStop) {
		t.Error("missing tts start/stop frames")
	}
	if _, ok := f.conn.find(func(fr protocol.Frame) bool {
		return fr.Type == protocol.FrameLLM && fr.Finished
	}); !ok {
		t.Error("no llm finished frame")
	}
	if f.conn.audioCount() == 0 {
		t.Error("no audio packets sent")
	}
}

func TestThirdUtteranceWhileBusyIsDropped(t *testing.T) {
	f := newFixture(t)
	f.llm.StreamChunks = []llm.Chunk{{Text: "慢慢说。"}, {FinishReason: "stop"}}
	f.llm.ChunkDelay = 80 * time.Millisecond
	f.tts.SynthesizeChunks = silence()

	s := f.newSession(t, nil)
	start(t, s)

	s.Deliver(protocol.Frame{Type: protocol.FrameText, Content: "第一句"})
	s.Deliver(protocol.Frame{Type: protocol.FrameText, Content: "第二句"})
	s.Deliver(protocol.Frame{Type: protocol.FrameText, Content: "第三句"})

	waitFor(t, "busy_dropped error", func() bool {
		_, ok := f.conn.find(func(fr protocol.Frame) bool {
			return fr.Type == protocol.FrameError && fr.Code == protocol.ErrKindBusyDropped
		})
		return ok
	})

	// The pending slot holds exactly one turn: first and second answer,
	// third is gone.
	waitFor(t, "both queued turns to finish", func() bool {
		return len(f.db.byRole(store.RoleAssistant)) == 2
	})
	if users := f.db.byRole(store.RoleUser); len(users) != 2 {
		t.Fatalf("expected 2 persisted user messages, got %d", len(users))
	}
}

func TestAbortTruncatesReply(t *testing.T) {
	f := newFixture(t)
	var chunks []llm.Chunk
	for i := 0; i < 30; i++ {
		chunks = append(chunks, llm.Chunk{Text: "还有好多要说的。"})
	}
	f.llm.StreamChunks = chunks
	f.llm.ChunkDelay = 30 * time.Millisecond
	f.tts.SynthesizeChunks = silence()

	s := f.newSession(t, nil)
	start(t, s)

	s.Deliver(protocol.Frame{Type: protocol.FrameText, Content: "讲个故事"})

	waitFor(t, "speech to start", func() bool { return f.conn.hasTTSState(protocol.TTSStart) })
	s.Deliver(protocol.Frame{Type: protocol.FrameAbort})

	waitFor(t, "truncated assistant message", func() bool {
		msgs := f.db.byRole(store.RoleAssistant)
		return len(msgs) == 1 && msgs[0].Emotion == store.EmotionTruncated
	})
	if !f.conn.hasTTSState(protocol.TTSStop) {
		t.Error("no tts stop frame after abort")
	}
}

func TestAbortWhenIdleIsNoOp(t *testing.T) {
	f := newFixture(t)
	s := f.newSession(t, nil)
	start(t, s)

	s.Deliver(protocol.Frame{Type: protocol.FrameAbort})

	time.Sleep(50 * time.Millisecond)
	if _, ok := f.conn.find(func(fr protocol.Frame) bool { return fr.Type == protocol.FrameError }); ok {
		t.Error("abort while idle produced an error frame")
	}
}

func TestEmptyCompletionStillClosesRound(t *testing.T) {
	f := newFixture(t)
	f.llm.StreamChunks = []llm.Chunk{{FinishReason: "stop"}}

	s := f.newSession(t, nil)
	start(t, s)

	s.Deliver(protocol.Frame{Type: protocol.FrameText, Content: "……"})

	waitFor(t, "empty assistant message", func() bool {
		msgs := f.db.byRole(store.RoleAssistant)
		return len(msgs) == 1 && msgs[0].Content == ""
	})
	if _, ok := f.conn.find(func(fr protocol.Frame) bool {
		return fr.Type == protocol.FrameLLM && fr.Finished
	}); !ok {
		t.Error("no llm finished frame for empty completion")
	}
	if len(f.tts.SynthesizeCalls) != 0 {
		t.Error("synthesizer called for an empty completion")
	}
}

func TestStreamFailureReportsErrorFrame(t *testing.T) {
	f := newFixture(t)
	f.llm.StreamErr = errors.New("model unavailable")

	s := f.newSession(t, nil)
	start(t, s)

	s.Deliver(protocol.Frame{Type: protocol.FrameText, Content: "你好"})

	waitFor(t, "error frame", func() bool {
		_, ok := f.conn.find(func(fr protocol.Frame) bool {
			return fr.Type == protocol.FrameError && fr.Code == protocol.ErrKindProviderFatal
		})
		return ok
	})
	waitFor(t, "assistant message with error emotion", func() bool {
		msgs := f.db.byRole(store.RoleAssistant)
		return len(msgs) == 1 && msgs[0].Emotion == store.EmotionError
	})
}

func TestOpeningGreeting(t *testing.T) {
	f := newFixture(t)
	f.llm.StreamChunks = []llm.Chunk{{Text: "嗨，我在呢。"}, {FinishReason: "stop"}}
	f.tts.SynthesizeChunks = silence()

	s := f.newSession(t, func(c *Config) {
		c.AgentCfg.FunctionSettings.EnableOpeningSayHello = true
	})
	start(t, s)

	waitFor(t, "greeting spoken", func() bool {
		return len(f.db.byRole(store.RoleAssistant)) == 1
	})
	if users := f.db.byRole(store.RoleUser); len(users) != 0 {
		t.Fatalf("greeting persisted user messages: %+v", users)
	}

	calls := f.llm.StreamCalls
	if len(calls) != 1 {
		t.Fatalf("expected 1 stream call, got %d", len(calls))
	}
	last := calls[0].Req.Messages[len(calls[0].Req.Messages)-1]
	if !strings.Contains(last.Content, "打个招呼") {
		t.Errorf("greeting instruction missing, got %q", last.Content)
	}
}

func TestVoiceSwitchTag(t *testing.T) {
	f := newFixture(t)
	f.tts.ListVoicesResult = []tts.Voice{{ID: "v1", Name: "Sunny"}, {ID: "v2", Name: "Luna"}}
	f.tts.SynthesizeChunks = silence()
	f.llm.StreamChunks = []llm.Chunk{{Text: "<voice|Luna>"}, {Text: "好的，换好啦。"}, {FinishReason: "stop"}}

	s := f.newSession(t, func(c *Config) {
		c.AgentCfg.FunctionSettings.ChatControlSwitchRole = true
	})
	start(t, s)

	s.Deliver(protocol.Frame{Type: protocol.FrameText, Content: "换成Luna的声音"})

	waitFor(t, "reply spoken with the new voice", func() bool {
		f.db.mu.Lock()
		saved := string(f.db.memoryData)
		f.db.mu.Unlock()
		return strings.Contains(saved, "Luna")
	})
	waitFor(t, "synthesize call", func() bool { return len(f.tts.SynthesizeCalls) > 0 })
	if got := f.tts.SynthesizeCalls[0].Req.Voice.Name; got != "Luna" {
		t.Errorf("spoke with voice %q, want Luna", got)
	}
}

func TestExitIntentSaysGoodbyeAndCloses(t *testing.T) {
	f := newFixture(t)
	f.tts.SynthesizeChunks = silence()

	matcher, err := keyword.New(keyword.DefaultRules())
	if err != nil {
		t.Fatalf("keyword.New: %v", err)
	}
	s := f.newSession(t, func(c *Config) { c.Modules.Intent = matcher })

	s.state = StateIdle
	s.onTranscript(context.Background(), asrOutcome{
		res:      asr.Result{Text: "再见", Confidence: 0.95},
		received: time.Now(),
	})

	waitFor(t, "goodbye close", func() bool { return f.conn.closeReason() == "goodbye" })

	msgs := f.db.byRole(store.RoleAssistant)
	if len(msgs) != 1 || !strings.Contains(msgs[0].Content, "拜拜") {
		t.Fatalf("assistant messages = %+v", msgs)
	}
	if len(f.llm.StreamCalls) != 0 {
		t.Error("exit intent reached the model")
	}
}

func TestVolumeIntentSendsDeviceNotification(t *testing.T) {
	f := newFixture(t)
	f.tts.SynthesizeChunks = silence()

	matcher, err := keyword.New(keyword.DefaultRules())
	if err != nil {
		t.Fatalf("keyword.New: %v", err)
	}
	s := f.newSession(t, func(c *Config) { c.Modules.Intent = matcher })

	s.state = StateIdle
	s.onTranscript(context.Background(), asrOutcome{
		res:      asr.Result{Text: "大声一点", Confidence: 0.9},
		received: time.Now(),
	})

	waitFor(t, "volume notification", func() bool {
		_, ok := f.conn.find(func(fr protocol.Frame) bool {
			return fr.Type == protocol.FrameMCP && strings.Contains(string(fr.Payload), `"action":"up"`)
		})
		return ok
	})
	waitFor(t, "spoken acknowledgement", func() bool {
		return len(f.db.byRole(store.RoleAssistant)) == 1
	})
}

func TestEmptyTranscriptIsDropped(t *testing.T) {
	f := newFixture(t)
	s := f.newSession(t, nil)

	s.state = StateTranscribing
	s.onTranscript(context.Background(), asrOutcome{res: asr.Result{Text: "  "}})

	if s.state != StateIdle {
		t.Fatalf("state = %v, want idle", s.state)
	}
	if len(f.llm.StreamCalls) != 0 {
		t.Error("empty transcript reached the model")
	}
}

func TestClassifyInterrupt(t *testing.T) {
	f := newFixture(t)
	f.llm.CompleteResponse = &llm.CompletionResponse{Content: "interrupt"}
	s := f.newSession(t, nil)

	ctx := context.Background()
	if got := s.classifyInterrupt(ctx, "别说了"); got != interruptNow {
		t.Errorf("stop word = %v, want interruptNow", got)
	}
	if got := s.classifyInterrupt(ctx, "嗯"); got != interruptIgnore {
		t.Errorf("backchannel = %v, want interruptIgnore", got)
	}

	// Ambiguous text asks the model once, then rate-limits.
	if got := s.classifyInterrupt(ctx, "恐龙会游泳吗"); got != interruptNow {
		t.Errorf("model verdict = %v, want interruptNow", got)
	}
	if got := s.classifyInterrupt(ctx, "恐龙会飞吗"); got != interruptWait {
		t.Errorf("rate-limited verdict = %v, want interruptWait", got)
	}
	if n := len(f.llm.CompleteCalls); n != 1 {
		t.Errorf("model asked %d times, want 1", n)
	}
}

func TestSessionShutdownRecordsAnalysis(t *testing.T) {
	f := newFixture(t)
	f.llm.StreamChunks = []llm.Chunk{{Text: "好的。"}, {FinishReason: "stop"}}
	f.tts.SynthesizeChunks = silence()

	s := f.newSession(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(stopped)
	}()

	s.Deliver(protocol.Frame{Type: protocol.FrameText, Content: "你好"})
	waitFor(t, "reply", func() bool { return len(f.db.byRole(store.RoleAssistant)) == 1 })

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}

	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if !f.db.closed {
		t.Error("session row not closed")
	}
	if f.db.analyses != 1 {
		t.Errorf("analyses enqueued = %d, want 1", f.db.analyses)
	}
}

func TestRecordingPathLayout(t *testing.T) {
	at := time.Date(2026, 1, 2, 10, 30, 0, 0, time.UTC) // ISO week 1
	got := recordingPath("sess-abc", 3, at)
	want := filepath.Join("2026_W01", "stt_sess-abc_0003.wav")
	if got != want {
		t.Errorf("recordingPath = %q, want %q", got, want)
	}
}

func TestVoiceUtterancePersistsRecording(t *testing.T) {
	f := newFixture(t)
	f.asr.Results = []asr.Result{{Text: "今天天气怎么样", Confidence: 0.92}}
	f.llm.StreamChunks = []llm.Chunk{{Text: "晴天。"}, {FinishReason: "stop"}}
	f.tts.SynthesizeChunks = silence()

	dir := t.TempDir()
	s := f.newSession(t, func(c *Config) { c.Pipeline.AudioDir = dir })

	ctx := context.Background()
	s.state = StateListening
	s.segment = make([]byte, audio.SampleRate) // half a second of speech
	s.finalizeSegment(ctx)

	var out asrOutcome
	select {
	case out = <-s.asrCh:
	case <-time.After(2 * time.Second):
		t.Fatal("no recognition outcome")
	}
	if out.audioPath == "" {
		t.Fatal("recognition outcome carries no audio path")
	}
	if base := filepath.Base(out.audioPath); !strings.HasPrefix(base, "stt_sess-test_") {
		t.Errorf("recording file name = %q", base)
	}
	wav, err := os.ReadFile(filepath.Join(dir, out.audioPath))
	if err != nil {
		t.Fatalf("recording not on disk: %v", err)
	}
	if len(wav) <= 44 || string(wav[:4]) != "RIFF" {
		t.Errorf("recording is not a WAV file (%d bytes)", len(wav))
	}

	s.onTranscript(ctx, out)
	waitFor(t, "user message with the recording path", func() bool {
		users := f.db.byRole(store.RoleUser)
		return len(users) == 1 && users[0].AudioPath == out.audioPath
	})

	waitFor(t, "assistant reply", func() bool {
		msgs := f.db.byRole(store.RoleAssistant)
		return len(msgs) == 1
	})
	if msgs := f.db.byRole(store.RoleAssistant); msgs[0].AudioPath != "" {
		t.Errorf("assistant message has audio path %q, want none", msgs[0].AudioPath)
	}
}

func TestRecordingDisabledWithoutAudioDir(t *testing.T) {
	f := newFixture(t)
	f.asr.Results = []asr.Result{{Text: "你好", Confidence: 0.9}}
	s := f.newSession(t, nil)

	s.state = StateListening
	s.segment = make([]byte, audio.SampleRate)
	s.finalizeSegment(context.Background())

	select {
	case out := <-s.asrCh:
		if out.audioPath != "" {
			t.Errorf("audio path = %q, want empty with recording off", out.audioPath)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no recognition outcome")
	}
}

func TestTextWhileTranscribingQueues(t *testing.T) {
	f := newFixture(t)
	f.llm.StreamChunks = []llm.Chunk{{Text: "好的。"}, {FinishReason: "stop"}}
	f.tts.SynthesizeChunks = silence()
	s := f.newSession(t, nil)

	ctx := context.Background()
	s.state = StateTranscribing
	s.submitTurn(ctx, turnInput{text: "换个话题", confidence: 1, received: time.Now()})

	if s.turn != nil {
		t.Fatal("a turn started while the recognizer still owned the slot")
	}
	if s.pending == nil || s.pending.text != "换个话题" {
		t.Fatalf("pending = %+v, want the queued text turn", s.pending)
	}
	if _, ok := f.conn.find(func(fr protocol.Frame) bool {
		return fr.Type == protocol.FrameError
	}); ok {
		t.Fatal("queued input must not be reported as dropped")
	}

	// The recognizer hears only silence; the queued turn runs next.
	s.onTranscript(ctx, asrOutcome{res: asr.Result{Text: " "}})
	waitFor(t, "queued turn to run", func() bool {
		users := f.db.byRole(store.RoleUser)
		return len(users) == 1 && users[0].Content == "换个话题"
	})
}
