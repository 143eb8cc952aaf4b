package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/starbud-ai/starbud/internal/config"
	"github.com/starbud-ai/starbud/internal/metrics"
	"github.com/starbud-ai/starbud/internal/protocol"
	"github.com/starbud-ai/starbud/internal/store"
	"github.com/starbud-ai/starbud/pkg/audio"
	"github.com/starbud-ai/starbud/pkg/provider/llm"
	"github.com/starbud-ai/starbud/pkg/provider/memory"
	"github.com/starbud-ai/starbud/pkg/provider/tts"
)

// turnOutcome reports a finished (or abandoned) turn back to the actor.
type turnOutcome struct {
	turnID    uint64
	err       error
	truncated bool
}

// errStreamFailed marks a completion stream that died after it was opened.
var errStreamFailed = errors.New("session: completion stream failed")

// prebufferFrames is how many wire frames may be sent ahead of realtime so
// the device never underruns between sentences.
const prebufferFrames = 5

// pacer meters downlink audio to realtime plus a fixed prebuffer.
type pacer struct {
	epoch time.Time
	sent  int
}

func (p *pacer) wait(ctx context.Context) error {
	if p.epoch.IsZero() {
		p.epoch = time.Now()
	}
	due := p.epoch.Add(time.Duration(p.sent-prebufferFrames) * audio.FrameDuration)
	p.sent++
	if d := time.Until(due); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// speaker synthesises sentences and streams the resulting wire frames to the
// client, paced. One per turn.
type speaker struct {
	s       *Session
	turnID  uint64
	rep     *audio.Repackager
	pace    pacer
	started bool
	spoke   bool

	// firstAudio is when the first packet of the turn hit the wire.
	firstAudio time.Time
}

func (s *Session) newSpeaker(turnID uint64) (*speaker, error) {
	rep, err := audio.NewRepackager(s.cfg.Modules.TTS.Format())
	if err != nil {
		return nil, err
	}
	return &speaker{s: s, turnID: turnID, rep: rep}, nil
}

func (sp *speaker) sendPacket(ctx context.Context, packet []byte) error {
	if err := sp.pace.wait(ctx); err != nil {
		return err
	}
	if !sp.started {
		sp.started = true
		sp.firstAudio = time.Now()
		sp.s.sendFrame(protocol.TTSState(protocol.TTSStart))
		// Tell the actor the voice is live so barge-in arms.
		select {
		case sp.s.speakCh <- sp.turnID:
		default:
		}
	}
	return sp.s.cfg.Conn.SendAudio(packet)
}

// speak synthesises one sentence and streams it out. The first-byte and
// whole-sentence budgets both bound the provider, not the paced playback.
func (sp *speaker) speak(ctx context.Context, text, emotion string) error {
	s := sp.s
	s.sendFrame(protocol.SentenceStart(text))

	sctx, cancel := context.WithTimeout(ctx, s.cfg.Pipeline.TTSSentence)
	defer cancel()

	code := s.cfg.Modules.Codes[config.ModuleTTS]
	mon := s.cfg.Recorder.Start("tts", code, code, s.cfg.SessionID)
	start := time.Now()

	ch, err := s.cfg.Modules.TTS.Synthesize(sctx, tts.Request{
		Text:    text,
		Voice:   s.voice,
		Emotion: emotion,
	})
	if err != nil {
		s.cfg.Recorder.Finish(mon, metrics.Usage{OutputChars: len(text), Err: err})
		s.cfg.Metrics.RecordProviderError(ctx, code, "tts")
		return providerErr(fmt.Errorf("session: synthesize %q: %w", text, err))
	}

	format := s.cfg.Modules.TTS.Format()
	var firstByte time.Duration
	firstTimer := time.NewTimer(s.cfg.Pipeline.TTSFirstByte)
	defer firstTimer.Stop()

	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				if err := sctx.Err(); err != nil {
					s.cfg.Recorder.Finish(mon, metrics.Usage{OutputChars: len(text), FirstByte: firstByte, Err: err})
					return fmt.Errorf("session: synthesis of %q cut short: %w", text, err)
				}
				s.cfg.Recorder.Finish(mon, metrics.Usage{OutputChars: len(text), FirstByte: firstByte})
				s.cfg.Metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
				sp.spoke = true
				return nil
			}
			if firstByte == 0 {
				firstByte = time.Since(start)
				firstTimer.Stop()
			}
			packets, err := sp.rep.Write(chunk, format)
			if err != nil {
				s.cfg.Recorder.Finish(mon, metrics.Usage{OutputChars: len(text), FirstByte: firstByte, Err: err})
				return err
			}
			for _, p := range packets {
				if err := sp.sendPacket(ctx, p); err != nil {
					cancel()
					audio.Drain(ch)
					s.cfg.Recorder.Cancel(mon)
					return err
				}
			}

		case <-firstTimer.C:
			if firstByte != 0 {
				continue
			}
			cancel()
			audio.Drain(ch)
			err := fmt.Errorf("session: no audio within %s: %w",
				s.cfg.Pipeline.TTSFirstByte, context.DeadlineExceeded)
			s.cfg.Recorder.Finish(mon, metrics.Usage{OutputChars: len(text), Err: err})
			s.cfg.Metrics.RecordProviderError(ctx, code, "tts")
			return err

		case <-ctx.Done():
			cancel()
			audio.Drain(ch)
			s.cfg.Recorder.Cancel(mon)
			return ctx.Err()
		}
	}
}

// finish pads and sends the trailing partial frame and closes the playback
// stream.
func (sp *speaker) finish(ctx context.Context) {
	if packet, err := sp.rep.Flush(); err == nil && packet != nil {
		_ = sp.sendPacket(ctx, packet)
	}
	if sp.started {
		sp.s.sendFrame(protocol.TTSState(protocol.TTSStop))
	}
}

// abort drops buffered audio without flushing it.
func (sp *speaker) abort() {
	sp.rep.Reset()
}

// ─── Turn execution ──────────────────────────────────────────────────────────

// runTurn produces one reply: prompt assembly, streamed generation, sentence
// synthesis, persistence and compaction. Runs on its own goroutine; the only
// actor state it touches is the voice, which no other live turn shares.
func (s *Session) runTurn(ctx context.Context, id uint64, in turnInput) {
	out := turnOutcome{turnID: id}
	defer func() {
		select {
		case s.turnCh <- out:
		case <-s.done:
		}
	}()

	if !in.synthetic {
		s.persistMessage(store.Message{
			SessionID:  s.cfg.SessionID,
			AgentID:    s.cfg.Agent.ID,
			Role:       store.RoleUser,
			Content:    in.text,
			Emotion:    in.emotion,
			Confidence: in.confidence,
			AudioPath:  in.audioPath,
			Copilot:    s.cfg.Copilot,
		})
	}

	sp, err := s.newSpeaker(id)
	if err != nil {
		out.err = err
		s.sendFrame(protocol.ErrorFrame(protocol.ErrKindInternal, "audio pipeline unavailable"))
		return
	}

	var text, emotion string
	if in.canned != "" {
		text = in.canned
		s.sendFrame(protocol.LLMDelta(text))
		err = sp.speak(ctx, text, "")
	} else {
		text, emotion, err = s.generate(ctx, in, sp)
	}

	switch {
	case ctx.Err() != nil:
		// Barge-in or session teardown. Drop unplayed audio, keep what
		// was actually said.
		sp.abort()
		out.truncated = true
		if text != "" || !in.synthetic {
			s.persistAssistant(text, store.EmotionTruncated)
		}
		return

	case err != nil:
		sp.abort()
		out.err = err
		kind := classifyErr(err)
		s.sendFrame(protocol.ErrorFrame(kind, "could not finish the reply"))
		s.sendFrame(protocol.LLMFinished(""))
		if !in.synthetic {
			s.persistAssistant(text, store.EmotionError)
		}
		return
	}

	sp.finish(ctx)
	s.sendFrame(protocol.LLMFinished(emotion))

	if sp.started {
		s.cfg.Metrics.TurnDuration.Record(ctx, sp.firstAudio.Sub(in.received).Seconds())
	}

	// An empty completion still closes the round so the client stops
	// waiting; the empty assistant row keeps user/assistant alternation
	// intact for the history window.
	s.persistAssistant(text, emotion)
	s.compactAsync()

	if in.closeAfter {
		s.cfg.Conn.Close("goodbye")
	}
}

// generate streams the model's reply, forwarding deltas to the client and
// speaking each completed sentence. Transient failures before any output
// retry once.
func (s *Session) generate(ctx context.Context, in turnInput, sp *speaker) (text, emotion string, err error) {
	req, err := s.buildRequest(ctx, in)
	if err != nil {
		return "", "", err
	}

	code := s.cfg.Modules.Codes[config.ModuleLLM]
	for attempt := 0; ; attempt++ {
		text, emotion, err = s.streamOnce(ctx, req, sp)
		switch {
		case err == nil || ctx.Err() != nil:
			return text, emotion, err
		case attempt == 0 && text == "" && !sp.spoke && retryable(err):
			s.log.Info("retrying generation after transient failure", slog.Any("error", err))
			s.cfg.Metrics.RecordProviderError(ctx, code, "llm")
			continue
		default:
			s.cfg.Metrics.RecordProviderError(ctx, code, "llm")
			return text, emotion, err
		}
	}
}

// buildRequest assembles the prompt: persona, memories, voices, compressed
// history and the recent window.
func (s *Session) buildRequest(ctx context.Context, in turnInput) (llm.CompletionRequest, error) {
	var mems []memory.Fact
	if s.cfg.Modules.Memory != nil {
		mems = s.recallMemories(ctx, in)
	}

	pc := promptContext{
		Agent:    s.cfg.AgentCfg,
		Memories: mems,
		Now:      time.Now(),
	}
	if s.cfg.AgentCfg.FunctionSettings.ChatControlSwitchRole {
		pc.Voices = s.voices
	}
	system := renderSystemPrompt(pc)

	var window []store.Message
	if !in.synthetic {
		var err error
		window, err = s.cfg.Store.RecentWindow(ctx, s.cfg.Agent.ID, s.cfg.Copilot, s.cfg.Pipeline.HistoryWindow)
		if err != nil {
			return llm.CompletionRequest{}, err
		}
		// The user row was just persisted; the window already ends with
		// this utterance.
		if n := len(window); n > 0 && window[n-1].Role == store.RoleUser && window[n-1].Content == in.text {
			window = window[:n-1]
		}
	}

	return llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     assembleMessages(window, in.text),
		Temperature:  0.8,
	}, nil
}

// streamOnce runs one streaming completion attempt.
func (s *Session) streamOnce(ctx context.Context, req llm.CompletionRequest, sp *speaker) (text, emotion string, err error) {
	code := s.cfg.Modules.Codes[config.ModuleLLM]
	mon := s.cfg.Recorder.Start("llm", code, code, s.cfg.SessionID)
	start := time.Now()

	lctx, cancel := context.WithTimeout(ctx, s.cfg.Pipeline.LLMTotal)
	defer cancel()

	ch, err := s.cfg.Modules.LLM.StreamCompletion(lctx, req)
	if err != nil {
		s.cfg.Recorder.Finish(mon, metrics.Usage{Err: err})
		return "", "", providerErr(fmt.Errorf("session: start completion: %w", err))
	}

	// spoken collects the reply with control tags stripped; that is what
	// gets persisted. Raw deltas still stream to the client untouched.
	var (
		acc        accumulator
		spoken     strings.Builder
		usage      *llm.Usage
		firstToken time.Duration
	)
	firstTimer := time.NewTimer(s.cfg.Pipeline.LLMFirstToken)
	defer firstTimer.Stop()

	fail := func(ferr error) (string, string, error) {
		cancel()
		for range ch {
		}
		if tail := acc.flush(); tail != "" {
			spoken.WriteString(tail)
		}
		s.cfg.Recorder.Finish(mon, metrics.Usage{
			OutputChars: spoken.Len(),
			FirstToken:  firstToken,
			Err:         ferr,
		})
		return spoken.String(), emotion, ferr
	}

stream:
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				if cerr := lctx.Err(); cerr != nil {
					return fail(fmt.Errorf("session: completion: %w", cerr))
				}
				break stream
			}
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
			if chunk.FinishReason == "error" {
				return fail(errStreamFailed)
			}
			if chunk.Text == "" {
				continue
			}
			if firstToken == 0 {
				firstToken = time.Since(start)
				firstTimer.Stop()
			}
			s.sendFrame(protocol.LLMDelta(chunk.Text))

			sentences, tags := acc.feed(chunk.Text)
			for _, tag := range tags {
				emotion = s.applyTag(ctx, tag, emotion)
			}
			for _, sentence := range sentences {
				spoken.WriteString(sentence)
				if err := sp.speak(ctx, sentence, emotion); err != nil {
					return fail(err)
				}
			}

		case <-firstTimer.C:
			if firstToken != 0 {
				continue
			}
			return fail(fmt.Errorf("session: no token within %s: %w",
				s.cfg.Pipeline.LLMFirstToken, context.DeadlineExceeded))

		case <-ctx.Done():
			return fail(ctx.Err())
		}
	}

	if tail := acc.flush(); tail != "" {
		spoken.WriteString(tail)
		if err := sp.speak(ctx, tail, emotion); err != nil {
			return fail(err)
		}
	}

	text = spoken.String()
	u := s.settleUsage(usage, req.Messages, text)
	s.cfg.Recorder.Finish(mon, metrics.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		OutputChars:      len(text),
		FirstToken:       firstToken,
	})
	s.cfg.Metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	s.cfg.Metrics.RecordProviderRequest(ctx, code, "llm", metrics.StatusOK)
	return text, emotion, nil
}

// settleUsage falls back to local token counting when the stream carried no
// usage chunk.
func (s *Session) settleUsage(reported *llm.Usage, messages []llm.Message, completion string) llm.Usage {
	if reported != nil {
		return *reported
	}
	var u llm.Usage
	u.PromptTokens, _ = s.cfg.Modules.LLM.CountTokens(messages)
	u.CompletionTokens, _ = s.cfg.Modules.LLM.CountTokens([]llm.Message{{Role: store.RoleAssistant, Content: completion}})
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}

// applyTag handles one inline control tag from the model.
func (s *Session) applyTag(ctx context.Context, tag, emotion string) string {
	if name, ok := parseVoiceTag(tag); ok {
		s.switchVoice(ctx, name)
		return emotion
	}
	if kind, rest, ok := strings.Cut(tag, "|"); ok && kind == "emotion" {
		return strings.TrimSpace(rest)
	}
	s.log.Debug("ignoring unknown control tag", slog.String("tag", tag))
	return emotion
}

// recallMemories pulls the facts most relevant to this utterance, falling
// back to the most recent ones for synthetic turns with no query.
func (s *Session) recallMemories(ctx context.Context, in turnInput) []memory.Fact {
	mctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	agentID := strconv.FormatInt(s.cfg.Agent.ID, 10)
	if in.synthetic {
		facts, err := s.cfg.Modules.Memory.List(mctx, agentID, 5)
		if err != nil {
			s.log.Warn("listing memories failed", slog.Any("error", err))
			return nil
		}
		return facts
	}

	results, err := s.cfg.Modules.Memory.Recall(mctx, agentID, in.text, 5)
	if err != nil {
		s.log.Warn("memory recall failed", slog.Any("error", err))
		return nil
	}
	facts := make([]memory.Fact, 0, len(results))
	for _, r := range results {
		facts = append(facts, r.Fact)
	}
	return facts
}

// persistMessage writes one row with a fresh context so a cancelled turn
// still records what was said.
func (s *Session) persistMessage(m store.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.cfg.Store.AppendMessage(ctx, m); err != nil {
		s.log.Warn("persisting message failed",
			slog.String("role", m.Role), slog.Any("error", err))
	}
}

func (s *Session) persistAssistant(text, emotion string) {
	s.persistMessage(store.Message{
		SessionID: s.cfg.SessionID,
		AgentID:   s.cfg.Agent.ID,
		Role:      store.RoleAssistant,
		Content:   text,
		Emotion:   emotion,
		Copilot:   s.cfg.Copilot,
	})
}

// compactAsync condenses old history once it outgrows the token budget. Runs
// detached from the turn: compaction is idempotent and advisory-locked, so a
// session closing mid-compact loses nothing.
func (s *Session) compactAsync() {
	agentID := s.cfg.Agent.ID
	copilot := s.cfg.Copilot
	opts := store.CompactOptions{
		ThresholdTokens: s.cfg.Pipeline.CompressThresholdTokens,
		KeepRounds:      s.cfg.Pipeline.KeepRounds,
	}
	provider := s.cfg.Modules.LLM

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		summarize := func(ctx context.Context, previous, transcript string) (string, error) {
			prompt := "请把下面的对话浓缩成一段简短的中文摘要，保留人物、事实和约定。"
			if previous != "" {
				prompt += "\n\n已有的摘要：\n" + previous
			}
			resp, err := provider.Complete(ctx, llm.CompletionRequest{
				SystemPrompt: prompt,
				Messages:     []llm.Message{{Role: store.RoleUser, Content: transcript}},
				MaxTokens:    512,
			})
			if err != nil {
				return "", err
			}
			return resp.Content, nil
		}

		compacted, err := s.cfg.Store.CompactIfNeeded(ctx, agentID, copilot, opts, summarize)
		if err != nil {
			s.log.Warn("history compaction failed", slog.Any("error", err))
			return
		}
		if compacted {
			s.log.Info("compacted conversation history", slog.Int64("agent_id", agentID))
		}
	}()
}
