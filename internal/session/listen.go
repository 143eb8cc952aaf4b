package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/starbud-ai/starbud/internal/config"
	"github.com/starbud-ai/starbud/internal/metrics"
	"github.com/starbud-ai/starbud/internal/protocol"
	"github.com/starbud-ai/starbud/pkg/audio"
	"github.com/starbud-ai/starbud/pkg/provider/asr"
	"github.com/starbud-ai/starbud/pkg/provider/llm"
	"github.com/starbud-ai/starbud/pkg/provider/vad"
)

// asrOutcome is one recognition result coming back to the actor.
type asrOutcome struct {
	res asr.Result
	err error

	// audioPath is where the utterance recording landed, relative to the
	// configured audio directory. Empty when recording is off or the
	// write failed.
	audioPath string

	received time.Time
}

// onListen handles listen control frames.
func (s *Session) onListen(ctx context.Context, f protocol.Frame) {
	switch f.State {
	case protocol.ListenStart:
		// Pressing the talk button while the toy is speaking is a
		// barge-in in every mode.
		if s.state == StateSpeaking {
			s.bargeIn(ctx, "listen_start")
		}
		s.capturing = true
		s.segment = s.segment[:0]
		s.vadSess.Reset()
		if !s.busy() {
			s.state = StateListening
		}

	case protocol.ListenStop:
		if !s.capturing {
			return
		}
		s.capturing = false
		s.finalizeSegment(ctx)

	case protocol.ListenDetect:
		// Wake word detected on-device. The device already played its
		// wake chime; the server just resets stale capture state.
		s.log.Debug("wake word", slog.String("text", f.Text))
		s.segment = s.segment[:0]
		s.vadSess.Reset()

	default:
		s.sendFrame(protocol.ErrorFrameDetails(protocol.ErrKindProtocol,
			"unknown listen state", map[string]any{"state": f.State}))
	}
}

// onAudio feeds one uplink Opus packet through the decoder and the voice
// detector.
func (s *Session) onAudio(ctx context.Context, packet []byte) {
	pcm, err := s.dec.Decode(packet)
	if err != nil {
		s.log.Debug("dropping undecodable frame", slog.Any("error", err))
		return
	}

	mode := s.cfg.AgentCfg.AudioSettings.ListenMode

	if mode == config.ListenManual {
		if s.capturing {
			s.segment = append(s.segment, pcm...)
		}
		return
	}

	// Speech over playback only matters in realtime mode; in auto mode the
	// device ducks its microphone while the toy speaks, so anything
	// arriving here is echo.
	if s.state == StateSpeaking && mode != config.ListenRealtime {
		return
	}

	ev, err := s.vadSess.ProcessFrame(pcm)
	if err != nil {
		s.log.Debug("vad frame error", slog.Any("error", err))
		return
	}

	switch ev.Type {
	case vad.SpeechStart:
		if s.state == StateSpeaking && mode == config.ListenAuto {
			s.bargeIn(ctx, "speech_detected")
		}
		s.segment = append(s.segment[:0], pcm...)
		s.capturing = true
		if !s.busy() {
			s.state = StateListening
		}

	case vad.SpeechContinue:
		if s.capturing {
			s.segment = append(s.segment, pcm...)
		}

	case vad.SpeechEnd:
		if !s.capturing {
			return
		}
		s.segment = append(s.segment, pcm...)
		s.capturing = false
		if ev.Forced {
			s.log.Info("utterance hit the recording cap",
				slog.Float64("max_seconds", s.cfg.AgentCfg.AudioSettings.MaxRecordingDuration))
		}
		s.finalizeSegment(ctx)
	}
}

// finalizeSegment ships the captured utterance to the recognizer. Recognition
// runs off the actor goroutine; the result comes back through asrCh.
func (s *Session) finalizeSegment(ctx context.Context) {
	pcm := s.segment
	s.segment = nil
	s.vadSess.Reset()

	minBytes := int(s.cfg.AgentCfg.AudioSettings.MinRecordingDuration * float64(audio.SampleRate) * 2)
	if len(pcm) == 0 || len(pcm) < minBytes {
		if !s.busy() {
			s.state = StateIdle
		}
		return
	}

	if !s.busy() {
		s.state = StateTranscribing
	}

	wav := audio.EncodeWAV(pcm, audio.SampleRate, audio.Channels)
	lang := s.cfg.AgentCfg.AudioSettings.Language
	code := s.cfg.Modules.Codes[config.ModuleASR]
	received := time.Now()

	var audioRel string
	if s.cfg.Pipeline.AudioDir != "" {
		s.recSeq++
		audioRel = recordingPath(s.cfg.SessionID, s.recSeq, received)
	}

	go func() {
		if audioRel != "" {
			if err := saveRecording(s.cfg.Pipeline.AudioDir, audioRel, wav); err != nil {
				s.log.Warn("saving utterance recording failed",
					slog.String("path", audioRel), slog.Any("error", err))
				audioRel = ""
			}
		}

		rctx, cancel := context.WithTimeout(ctx, s.cfg.Pipeline.ASRFinalize)
		defer cancel()

		mon := s.cfg.Recorder.Start("asr", code, code, s.cfg.SessionID)
		start := time.Now()
		res, err := s.cfg.Modules.ASR.Recognize(rctx, asr.Audio{WAV: wav, Language: lang})
		s.cfg.Recorder.Finish(mon, metrics.Usage{
			InputChars:  len(wav),
			OutputChars: len(res.Text),
			Err:         err,
		})
		s.cfg.Metrics.ASRDuration.Record(rctx, time.Since(start).Seconds())

		select {
		case s.asrCh <- asrOutcome{res: res, err: providerErr(err), audioPath: audioRel, received: received}:
		case <-s.done:
		}
	}()
}

// recordingPath is where one utterance recording lives relative to the audio
// directory: an ISO-week subdirectory and a per-session sequence number, so
// a week of recordings lists and expires as one unit.
func recordingPath(sessionID string, seq int, at time.Time) string {
	year, week := at.ISOWeek()
	return filepath.Join(
		fmt.Sprintf("%d_W%02d", year, week),
		fmt.Sprintf("stt_%s_%04d.wav", sessionID, seq),
	)
}

func saveRecording(dir, rel string, wav []byte) error {
	abs := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	return os.WriteFile(abs, wav, 0o644)
}

// onTranscript routes a recognition result: errors are reported, empty
// transcripts drop the turn, device commands short-circuit, everything else
// becomes a generation turn.
func (s *Session) onTranscript(ctx context.Context, out asrOutcome) {
	if s.state == StateTranscribing {
		s.state = StateIdle
	}

	if out.err != nil {
		kind := classifyErr(out.err)
		s.log.Warn("recognition failed", slog.String("kind", kind), slog.Any("error", out.err))
		s.cfg.Metrics.RecordProviderError(ctx, s.cfg.Modules.Codes[config.ModuleASR], "asr")
		s.sendFrame(protocol.ErrorFrame(kind, "could not understand the audio"))
		s.startPending(ctx)
		return
	}

	text := strings.TrimSpace(out.res.Text)
	if text == "" {
		// Clean recognition of silence or noise; nothing to answer.
		s.startPending(ctx)
		return
	}

	if s.handleIntent(ctx, out.res) {
		return
	}

	band := s.cfg.AgentCfg.AudioSettings.ConfidenceThreshold
	marked := out.res.MarkText(band[0], band[1])

	s.submitTurn(ctx, turnInput{
		text:       marked,
		confidence: out.res.Confidence,
		emotion:    out.res.Emotion,
		audioPath:  out.audioPath,
		received:   out.received,
	})
}

// handleIntent short-circuits device-command utterances before they reach the
// model. Returns true when the utterance was consumed.
func (s *Session) handleIntent(ctx context.Context, res asr.Result) bool {
	if s.cfg.Modules.Intent == nil || s.busy() {
		return false
	}
	m, ok, err := s.cfg.Modules.Intent.Match(ctx, res.Text)
	if err != nil {
		s.log.Warn("intent matching failed", slog.Any("error", err))
		return false
	}
	if !ok {
		return false
	}
	s.log.Info("intent short-circuit",
		slog.String("intent", m.Intent),
		slog.Float64("score", m.Score))

	switch m.Intent {
	case "exit":
		s.startTurn(ctx, turnInput{
			text:       res.Text,
			confidence: res.Confidence,
			canned:     "好呀，下次再聊，拜拜！",
			closeAfter: true,
			received:   time.Now(),
		})
	case "volume_up", "volume_down", "volume_mute":
		s.sendFrame(protocol.Frame{
			Type:    protocol.FrameMCP,
			Payload: volumeNotification(m.Intent),
		})
		s.startTurn(ctx, turnInput{
			text:       res.Text,
			confidence: res.Confidence,
			canned:     "好的。",
			received:   time.Now(),
		})
	default:
		// Unrecognised intent names fall through to the model.
		return false
	}
	return true
}

func volumeNotification(intent string) []byte {
	return []byte(`{"jsonrpc":"2.0","method":"notifications/device/volume","params":{"action":"` +
		strings.TrimPrefix(intent, "volume_") + `"}}`)
}

// ─── Realtime interrupt classification ───────────────────────────────────────

type interruptDecision int

const (
	// interruptNow cuts the reply off immediately.
	interruptNow interruptDecision = iota

	// interruptIgnore discards the utterance as a backchannel.
	interruptIgnore

	// interruptWait queues the utterance for after the reply.
	interruptWait
)

// classifyMinInterval rate-limits model-backed classification so a stream of
// short utterances cannot stack up blocking calls.
const classifyMinInterval = 800 * time.Millisecond

var interruptWords = []string{
	"别说了", "不要说了", "停", "闭嘴", "安静", "换一个", "stop", "shut up",
}

var backchannelWords = []string{
	"嗯", "哦", "噢", "呀", "哈哈", "嘿嘿", "对", "好", "是", "ok", "okay", "yeah",
}

// classifyInterrupt decides what speech over an ongoing reply means. Obvious
// cases match keywords; ambiguous ones ask the model, bounded well under the
// reply's own pacing so the actor never stalls noticeably.
func (s *Session) classifyInterrupt(ctx context.Context, text string) interruptDecision {
	lower := strings.ToLower(strings.TrimSpace(text))
	for _, w := range interruptWords {
		if strings.Contains(lower, w) {
			return interruptNow
		}
	}
	for _, w := range backchannelWords {
		if lower == w {
			return interruptIgnore
		}
	}
	if len([]rune(lower)) <= 1 {
		return interruptIgnore
	}

	if time.Since(s.lastClassify) < classifyMinInterval {
		return interruptWait
	}
	s.lastClassify = time.Now()

	cctx, cancel := context.WithTimeout(ctx, 700*time.Millisecond)
	defer cancel()
	resp, err := s.cfg.Modules.LLM.Complete(cctx, llm.CompletionRequest{
		SystemPrompt: "对方正在听一段语音回答时说了一句话。判断这句话的意图，只输出一个词：" +
			"interrupt（想打断并说新内容）、ignore（只是附和）、wait（新问题，可以等说完再答）。",
		Messages:  []llm.Message{{Role: "user", Content: text}},
		MaxTokens: 8,
	})
	if err != nil {
		return interruptWait
	}
	switch {
	case strings.Contains(resp.Content, "interrupt"):
		return interruptNow
	case strings.Contains(resp.Content, "ignore"):
		return interruptIgnore
	default:
		return interruptWait
	}
}
