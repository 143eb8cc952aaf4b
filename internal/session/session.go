// Package session implements the per-connection conversation actor. Each
// client connection owns exactly one Session; all state transitions happen on
// the actor goroutine, so the pipeline needs no locks. Audio and control
// frames arrive through Deliver/DeliverAudio, recognition and generation run
// in worker goroutines, and their outcomes come back to the actor through
// channels.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/starbud-ai/starbud/internal/config"
	"github.com/starbud-ai/starbud/internal/metrics"
	"github.com/starbud-ai/starbud/internal/observe"
	"github.com/starbud-ai/starbud/internal/protocol"
	"github.com/starbud-ai/starbud/internal/registry"
	"github.com/starbud-ai/starbud/internal/store"
	"github.com/starbud-ai/starbud/pkg/audio"
	"github.com/starbud-ai/starbud/pkg/provider/llm"
	"github.com/starbud-ai/starbud/pkg/provider/tts"
	"github.com/starbud-ai/starbud/pkg/provider/vad"
)

// Conn is the session's view of its client connection. Implementations must
// serialise writes internally; the session calls these from more than one
// goroutine.
type Conn interface {
	// SendFrame writes one JSON control frame.
	SendFrame(f protocol.Frame) error

	// SendAudio writes one binary Opus packet.
	SendAudio(packet []byte) error

	// Close tears the connection down. The reason appears in the close
	// frame and in logs.
	Close(reason string)
}

// MCPHandler relays an MCP payload from the client to the tool host and
// returns the response payload.
type MCPHandler func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Persister is the slice of the conversation store the session uses.
// *store.Store implements it.
type Persister interface {
	AppendMessage(ctx context.Context, m store.Message) (store.Message, error)
	RecentWindow(ctx context.Context, agentID int64, copilot bool, limit int) ([]store.Message, error)
	CompactIfNeeded(ctx context.Context, agentID int64, copilot bool, opts store.CompactOptions, summarize store.Summarizer) (bool, error)
	CloseSession(ctx context.Context, sessionID string, at time.Time) error
	EnqueueAnalysis(ctx context.Context, sessionID string, agentID int64, durationSeconds, avgUtterance float64) error
	UpdateAgentMemory(ctx context.Context, id int64, memoryData json.RawMessage) error
}

var _ Persister = (*store.Store)(nil)

// Config assembles a Session.
type Config struct {
	SessionID string
	UserID    int64
	Agent     store.Agent
	AgentCfg  config.AgentConfig
	Copilot   bool

	Modules  *registry.Set
	Store    Persister
	Recorder *metrics.Recorder
	Metrics  *observe.Metrics
	Pipeline config.PipelineConfig
	Conn     Conn
	MCP      MCPHandler
	Logger   *slog.Logger
}

// inbound is one message from the client, either a control frame or an audio
// packet, never both.
type inbound struct {
	frame *protocol.Frame
	audio []byte
}

// turnInput is one utterance waiting to be answered.
type turnInput struct {
	text       string
	confidence float64
	emotion    string

	// audioPath is the stored utterance recording, relative to the audio
	// directory. Empty for typed text and synthetic turns.
	audioPath string

	// synthetic turns (the opening greeting) carry an instruction instead
	// of a recognised utterance and persist no user row.
	synthetic bool

	// canned turns skip the model and speak a fixed reply, e.g. the
	// acknowledgement of a device command.
	canned string

	// closeAfter tears the connection down once the reply finishes.
	closeAfter bool

	received time.Time
}

// activeTurn tracks the generation goroutine currently holding the voice.
type activeTurn struct {
	id     uint64
	cancel context.CancelFunc
	input  turnInput
}

// Session is the conversation actor for one connection.
type Session struct {
	cfg Config
	log *slog.Logger

	inbox   chan inbound
	asrCh   chan asrOutcome
	turnCh  chan turnOutcome
	speakCh chan uint64
	done    chan struct{}

	state   State
	pending *turnInput
	turn    *activeTurn
	turnSeq uint64

	// drain fires when a cancelled turn overstays its drain budget.
	drain *time.Timer

	dec       *audio.Decoder
	vadSess   vad.Session
	segment   []byte
	capturing bool

	voice  tts.Voice
	voices []tts.Voice

	startedAt  time.Time
	utterances int
	utterRunes int
	recSeq     int

	lastClassify time.Time

	idle *time.Timer
}

// New wires a session from its config. Run must be called exactly once.
func New(cfg Config) (*Session, error) {
	normalizePipeline(&cfg.Pipeline)
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	dec, err := audio.NewDecoder()
	if err != nil {
		return nil, err
	}

	a := cfg.AgentCfg.AudioSettings
	vs, err := cfg.Modules.VAD.NewSession(vad.Config{
		SampleRate:       audio.SampleRate,
		FrameDuration:    audio.FrameDuration,
		SpeechThreshold:  a.VADThreshold,
		SilenceThreshold: a.VADThreshold / 2,
		SilenceTimeout:   secondsToDuration(a.SilenceTimeout),
		MaxSegment:       secondsToDuration(a.MaxRecordingDuration),
	})
	if err != nil {
		return nil, err
	}

	return &Session{
		cfg: cfg,
		log: cfg.Logger.With(
			slog.String("session_id", cfg.SessionID),
			slog.Int64("agent_id", cfg.Agent.ID),
		),
		inbox:   make(chan inbound, 256),
		asrCh:   make(chan asrOutcome, 1),
		turnCh:  make(chan turnOutcome, 1),
		speakCh: make(chan uint64, 1),
		done:    make(chan struct{}),
		dec:     dec,
		vadSess: vs,
	}, nil
}

// Deliver hands a control frame to the actor. Blocks until the actor takes
// it or the session ends.
func (s *Session) Deliver(f protocol.Frame) {
	select {
	case s.inbox <- inbound{frame: &f}:
	case <-s.done:
	}
}

// DeliverAudio hands one Opus packet to the actor. Packets are dropped when
// the actor falls behind; losing a frame of speech beats stalling the read
// loop.
func (s *Session) DeliverAudio(packet []byte) {
	select {
	case s.inbox <- inbound{audio: packet}:
	case <-s.done:
	default:
	}
}

// Run executes the actor loop until ctx is cancelled, the client goes idle,
// or the connection is torn down. It always leaves the session row closed.
func (s *Session) Run(ctx context.Context) {
	s.startedAt = time.Now()
	s.state = StateIdle
	s.cfg.Metrics.ActiveSessions.Add(ctx, 1)
	defer s.shutdown()

	s.loadVoices(ctx)

	idleAfter := secondsToDuration(s.cfg.AgentCfg.AudioSettings.CloseConnectionNoVoiceTime)
	s.idle = time.NewTimer(idleAfter)
	defer s.idle.Stop()

	s.drain = time.NewTimer(time.Hour)
	if !s.drain.Stop() {
		<-s.drain.C
	}
	defer s.drain.Stop()

	if s.cfg.AgentCfg.FunctionSettings.EnableOpeningSayHello {
		s.startTurn(ctx, turnInput{
			text:      timeContext(time.Now()) + "，请自然地跟我打个招呼，一两句话就好。",
			synthetic: true,
			received:  time.Now(),
		})
	}

	for {
		select {
		case <-ctx.Done():
			return

		case in := <-s.inbox:
			s.resetIdle(idleAfter)
			if in.frame != nil {
				if closed := s.onFrame(ctx, *in.frame); closed {
					return
				}
			} else {
				s.onAudio(ctx, in.audio)
			}

		case out := <-s.asrCh:
			s.onTranscript(ctx, out)

		case out := <-s.turnCh:
			s.onTurnDone(ctx, out)

		case id := <-s.speakCh:
			// The turn goroutine reported first audio on the wire.
			if s.turn != nil && s.turn.id == id && s.state == StateGenerating {
				s.state = StateSpeaking
			}

		case <-s.drain.C:
			s.onDrainExpired(ctx)

		case <-s.idle.C:
			s.log.Info("closing idle session",
				slog.Duration("idle_after", idleAfter))
			s.cfg.Conn.Close("idle_timeout")
			return
		}
	}
}

func (s *Session) resetIdle(d time.Duration) {
	if !s.idle.Stop() {
		select {
		case <-s.idle.C:
		default:
		}
	}
	s.idle.Reset(d)
}

// onFrame dispatches one control frame. Returns true when the session should
// end.
func (s *Session) onFrame(ctx context.Context, f protocol.Frame) bool {
	switch f.Type {
	case protocol.FrameListen:
		s.onListen(ctx, f)

	case protocol.FrameText:
		if f.Content == "" {
			return false
		}
		s.submitTurn(ctx, turnInput{
			text:       f.Content,
			confidence: 1,
			received:   time.Now(),
		})

	case protocol.FrameAbort:
		// Abort with nothing in flight is a no-op, not an error.
		if s.busy() {
			s.bargeIn(ctx, "client_abort")
		}

	case protocol.FrameMCP:
		s.onMCP(ctx, f.Payload)

	case protocol.FrameHello:
		// The gateway consumed the handshake; a second hello is a
		// client bug but not worth killing the connection over.
		s.log.Warn("ignoring hello after handshake")

	default:
		// Unknown frame types from newer firmware pass silently.
		s.log.Debug("ignoring unknown frame", slog.String("type", string(f.Type)))
	}
	return false
}

func (s *Session) onMCP(ctx context.Context, payload json.RawMessage) {
	if s.cfg.MCP == nil {
		s.sendFrame(protocol.ErrorFrame(protocol.ErrKindProtocol, "mcp not available"))
		return
	}
	go func() {
		cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		reply, err := s.cfg.MCP(cctx, payload)
		if err != nil {
			s.log.Warn("mcp relay failed", slog.Any("error", err))
			s.sendFrame(protocol.ErrorFrame(classifyErr(err), "mcp request failed"))
			return
		}
		if len(reply) > 0 {
			s.sendFrame(protocol.MCPReply(reply))
		}
	}()
}

func (s *Session) busy() bool {
	return s.state.busy()
}

// submitTurn routes a finished utterance. A busy pipeline holds at most one
// waiting turn; further utterances are reported dropped rather than queued
// into a stale backlog.
func (s *Session) submitTurn(ctx context.Context, in turnInput) {
	if !in.synthetic {
		s.utterances++
		s.utterRunes += len([]rune(in.text))
		s.cfg.Metrics.RecordUtterance(ctx, strconv.FormatInt(s.cfg.Agent.ID, 10))
	}

	if s.busy() {
		if s.state == StateSpeaking &&
			s.cfg.AgentCfg.AudioSettings.ListenMode == config.ListenRealtime {
			switch s.classifyInterrupt(ctx, in.text) {
			case interruptNow:
				s.bargeIn(ctx, "user_interrupt")
				s.pending = &in
				return
			case interruptIgnore:
				s.log.Debug("ignoring backchannel while speaking",
					slog.String("text", in.text))
				return
			}
			// interruptWait falls through to the pending slot.
		}
		if s.pending == nil {
			s.pending = &in
			return
		}
		s.cfg.Metrics.BusyDropped.Add(ctx, 1)
		s.sendFrame(protocol.ErrorFrame(protocol.ErrKindBusyDropped,
			"still answering the previous utterance"))
		s.log.Info("dropped utterance while busy", slog.String("state", s.state.String()))
		return
	}

	s.startTurn(ctx, in)
}

func (s *Session) startTurn(ctx context.Context, in turnInput) {
	s.turnSeq++
	tctx, cancel := context.WithCancel(ctx)
	s.turn = &activeTurn{id: s.turnSeq, cancel: cancel, input: in}
	s.state = StateGenerating
	go s.runTurn(tctx, s.turnSeq, in)
}

// bargeIn cancels the active turn. The stop frame goes out immediately; the
// turn goroutine persists its partial output and reports back, bounded by the
// drain budget.
func (s *Session) bargeIn(ctx context.Context, reason string) {
	if s.turn == nil {
		return
	}
	s.log.Info("barge-in", slog.String("reason", reason))
	s.cfg.Metrics.BargeIns.Add(ctx, 1)
	s.sendFrame(protocol.TTSState(protocol.TTSStop))
	s.turn.cancel()
	s.state = StateCancelling
	s.drain.Reset(s.cfg.Pipeline.CancelDrain)
}

// onTurnDone receives the outcome of a turn goroutine. Stale outcomes from a
// turn already written off by the drain timer are dropped by id.
func (s *Session) onTurnDone(ctx context.Context, out turnOutcome) {
	if s.turn == nil || out.turnID != s.turn.id {
		return
	}
	if !s.drain.Stop() {
		select {
		case <-s.drain.C:
		default:
		}
	}
	s.turn.cancel()
	s.turn = nil
	s.state = StateIdle

	if out.err != nil {
		s.log.Warn("turn failed",
			slog.String("kind", classifyErr(out.err)),
			slog.Any("error", out.err))
	}

	s.startPending(ctx)
}

// startPending runs the queued input, if any, once the pipeline is free
// again. Called wherever the session returns to idle without a new turn.
func (s *Session) startPending(ctx context.Context) {
	if s.busy() || s.turn != nil {
		return
	}
	if next := s.pending; next != nil {
		s.pending = nil
		s.startTurn(ctx, *next)
	}
}

// onDrainExpired gives up waiting for a cancelled turn. The goroutine keeps
// running until its context unwinds, but the voice is free again.
func (s *Session) onDrainExpired(ctx context.Context) {
	if s.state != StateCancelling {
		return
	}
	s.log.Warn("cancelled turn exceeded drain budget")
	s.turn = nil
	s.state = StateIdle
	s.startPending(ctx)
}

func (s *Session) sendFrame(f protocol.Frame) {
	if err := s.cfg.Conn.SendFrame(f); err != nil {
		s.log.Debug("send frame failed", slog.Any("error", err))
	}
}

// loadVoices fetches the voice catalogue once per session, best effort, and
// restores a previously chosen voice from agent memory.
func (s *Session) loadVoices(ctx context.Context) {
	vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	voices, err := s.cfg.Modules.TTS.ListVoices(vctx)
	if err != nil {
		s.log.Warn("listing voices failed", slog.Any("error", err))
		return
	}
	s.voices = voices

	name := s.cfg.AgentCfg.Profile.Character.VoiceName
	if saved := savedVoiceName(s.cfg.Agent.MemoryData); saved != "" {
		name = saved
	}
	if name == "" {
		return
	}
	for _, v := range voices {
		if v.Name == name {
			s.voice = v
			return
		}
	}
	s.log.Warn("configured voice not offered by synthesizer", slog.String("voice", name))
}

// switchVoice applies a spoken voice-switch request and remembers the choice
// across sessions.
func (s *Session) switchVoice(ctx context.Context, name string) bool {
	for _, v := range s.voices {
		if v.Name == name {
			s.voice = v
			s.persistVoiceChoice(ctx, name)
			s.log.Info("switched voice", slog.String("voice", name))
			return true
		}
	}
	s.log.Info("requested voice not available", slog.String("voice", name))
	return false
}

func (s *Session) persistVoiceChoice(ctx context.Context, name string) {
	var mem map[string]any
	if len(s.cfg.Agent.MemoryData) > 0 {
		_ = json.Unmarshal(s.cfg.Agent.MemoryData, &mem)
	}
	if mem == nil {
		mem = make(map[string]any)
	}
	mem["voice_name"] = name
	data, err := json.Marshal(mem)
	if err != nil {
		return
	}
	s.cfg.Agent.MemoryData = data
	if err := s.cfg.Store.UpdateAgentMemory(ctx, s.cfg.Agent.ID, data); err != nil {
		s.log.Warn("persisting voice choice failed", slog.Any("error", err))
	}
}

func savedVoiceName(memoryData json.RawMessage) string {
	if len(memoryData) == 0 {
		return ""
	}
	var mem struct {
		VoiceName string `json:"voice_name"`
	}
	if err := json.Unmarshal(memoryData, &mem); err != nil {
		return ""
	}
	return mem.VoiceName
}

// shutdown closes the session's resources and records its end. It uses a
// fresh context: the run context is usually already cancelled here.
func (s *Session) shutdown() {
	close(s.done)
	if s.turn != nil {
		s.turn.cancel()
	}
	s.vadSess.Close()
	s.cfg.Metrics.ActiveSessions.Add(context.Background(), -1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now()
	if err := s.cfg.Store.CloseSession(ctx, s.cfg.SessionID, now); err != nil {
		s.log.Warn("closing session row failed", slog.Any("error", err))
	}

	if s.utterances > 0 {
		dur := now.Sub(s.startedAt).Seconds()
		avg := float64(s.utterRunes) / float64(s.utterances)
		if err := s.cfg.Store.EnqueueAnalysis(ctx, s.cfg.SessionID, s.cfg.Agent.ID, dur, avg); err != nil {
			s.log.Warn("enqueueing analysis failed", slog.Any("error", err))
		}
		s.extractMemories(ctx)
	}

	s.log.Info("session closed",
		slog.Duration("duration", now.Sub(s.startedAt)),
		slog.Int("utterances", s.utterances))
}

// extractMemories mines the session's conversation for durable facts.
func (s *Session) extractMemories(ctx context.Context) {
	if s.cfg.Modules.Memory == nil {
		return
	}
	window, err := s.cfg.Store.RecentWindow(ctx, s.cfg.Agent.ID, s.cfg.Copilot, s.cfg.Pipeline.HistoryWindow)
	if err != nil {
		s.log.Warn("loading window for memory extraction failed", slog.Any("error", err))
		return
	}
	var conv []llm.Message
	for _, m := range window {
		if m.Compressed {
			continue
		}
		conv = append(conv, llm.Message{Role: m.Role, Content: m.Content})
	}
	if len(conv) == 0 {
		return
	}
	facts, err := s.cfg.Modules.Memory.Extract(ctx, strconv.FormatInt(s.cfg.Agent.ID, 10), conv)
	if err != nil {
		s.log.Warn("memory extraction failed", slog.Any("error", err))
		return
	}
	if len(facts) > 0 {
		s.log.Info("extracted memories", slog.Int("count", len(facts)))
	}
}

// ─── Pipeline defaults ───────────────────────────────────────────────────────

func normalizePipeline(p *config.PipelineConfig) {
	if p.HistoryWindow <= 0 {
		p.HistoryWindow = 20
	}
	if p.CompressThresholdTokens <= 0 {
		p.CompressThresholdTokens = 8000
	}
	if p.KeepRounds <= 0 {
		p.KeepRounds = 1
	}
	if p.CancelDrain <= 0 {
		p.CancelDrain = 500 * time.Millisecond
	}
	if p.LLMFirstToken <= 0 {
		p.LLMFirstToken = 15 * time.Second
	}
	if p.LLMTotal <= 0 {
		p.LLMTotal = 60 * time.Second
	}
	if p.TTSFirstByte <= 0 {
		p.TTSFirstByte = 5 * time.Second
	}
	if p.TTSSentence <= 0 {
		p.TTSSentence = 30 * time.Second
	}
	if p.ASRFinalize <= 0 {
		p.ASRFinalize = 10 * time.Second
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
