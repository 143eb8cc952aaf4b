// Package bailian provides a Synthesizer backed by the Alibaba Cloud Bailian
// (DashScope) CosyVoice streaming API.
//
// DashScope speaks a duplex WebSocket protocol: the client opens a task with
// a run-task message, pushes text with continue-task, and seals it with
// finish-task. The service answers with JSON lifecycle events (task-started,
// task-finished, task-failed) as text frames and raw audio as binary frames.
package bailian

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/starbud-ai/starbud/pkg/audio"
	"github.com/starbud-ai/starbud/pkg/provider/tts"
)

const (
	defaultEndpoint   = "wss://dashscope.aliyuncs.com/api-ws/v1/inference"
	defaultModel      = "cosyvoice-v2"
	defaultVoice      = "longhuhu"
	defaultSampleRate = 16000
)

// builtinVoices is the CosyVoice catalogue subset offered to users. The
// service has no voice-list endpoint for catalogue voices.
var builtinVoices = []tts.Voice{
	{ID: "longhuhu", Name: "呼呼", Provider: "bailian"},
	{ID: "longxiaochun", Name: "小春", Provider: "bailian"},
	{ID: "longwan", Name: "小婉", Provider: "bailian"},
	{ID: "longcheng", Name: "小诚", Provider: "bailian"},
	{ID: "loongstella", Name: "Stella", Provider: "bailian"},
}

// Compile-time assertion that Provider implements tts.Synthesizer.
var _ tts.Synthesizer = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the CosyVoice model name. Defaults to "cosyvoice-v2".
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithVoice sets the default voice ID. Defaults to "longhuhu".
func WithVoice(voice string) Option {
	return func(p *Provider) {
		p.voice = voice
	}
}

// WithSampleRate sets the requested PCM sample rate in Hz. Defaults to
// 16000 so the output matches the wire format without resampling.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithEndpoint overrides the service URL, for tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements tts.Synthesizer against the DashScope streaming API.
type Provider struct {
	apiKey     string
	model      string
	voice      string
	sampleRate int
	endpoint   string
}

// New creates a new Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("bailian: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		voice:      defaultVoice,
		sampleRate: defaultSampleRate,
		endpoint:   defaultEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Format reports the PCM format requested from the service.
func (p *Provider) Format() audio.Format {
	return audio.Format{SampleRate: p.sampleRate, Channels: 1}
}

// ListVoices returns the built-in CosyVoice catalogue.
func (p *Provider) ListVoices(_ context.Context) ([]tts.Voice, error) {
	voices := make([]tts.Voice, len(builtinVoices))
	copy(voices, builtinVoices)
	return voices, nil
}

// ---- WebSocket message types ----

// messageHeader is shared by client actions and server events.
type messageHeader struct {
	Action       string `json:"action,omitempty"`
	TaskID       string `json:"task_id"`
	Streaming    string `json:"streaming,omitempty"`
	Event        string `json:"event,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// taskParameters configures the synthesis task in run-task.
type taskParameters struct {
	TextType   string `json:"text_type"`
	Voice      string `json:"voice"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
}

// taskInput carries text in continue-task; empty otherwise.
type taskInput struct {
	Text string `json:"text,omitempty"`
}

// taskPayload is the payload of a client message.
type taskPayload struct {
	TaskGroup  string          `json:"task_group,omitempty"`
	Task       string          `json:"task,omitempty"`
	Function   string          `json:"function,omitempty"`
	Model      string          `json:"model,omitempty"`
	Parameters *taskParameters `json:"parameters,omitempty"`
	Input      *taskInput      `json:"input"`
}

// taskMessage is a complete client message.
type taskMessage struct {
	Header  messageHeader `json:"header"`
	Payload taskPayload   `json:"payload"`
}

// eventMessage is a server lifecycle event.
type eventMessage struct {
	Header messageHeader `json:"header"`
}

// Synthesize opens a task for the sentence and returns a channel of PCM
// chunks. The channel closes on task-finished, task-failed or ctx
// cancellation.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (<-chan []byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, errors.New("bailian: text must not be empty")
	}
	voice := req.Voice.ID
	if voice == "" {
		voice = p.voice
	}

	header := http.Header{}
	header.Set("Authorization", "bearer "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, p.endpoint, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("bailian: dial: %w", err)
	}
	// Audio frames arrive in service-sized pieces that can exceed the
	// default read limit.
	conn.SetReadLimit(1 << 20)

	taskID := uuid.NewString()

	run := taskMessage{
		Header: messageHeader{Action: "run-task", TaskID: taskID, Streaming: "duplex"},
		Payload: taskPayload{
			TaskGroup: "audio",
			Task:      "tts",
			Function:  "SpeechSynthesizer",
			Model:     p.model,
			Parameters: &taskParameters{
				TextType:   "PlainText",
				Voice:      voice,
				Format:     "pcm",
				SampleRate: p.sampleRate,
			},
			Input: &taskInput{},
		},
	}
	if err := writeJSON(ctx, conn, run); err != nil {
		conn.Close(websocket.StatusInternalError, "run-task failed")
		return nil, fmt.Errorf("bailian: run-task: %w", err)
	}

	// The task must be acknowledged before text may be pushed.
	if err := p.awaitTaskStarted(ctx, conn); err != nil {
		conn.Close(websocket.StatusInternalError, "task not started")
		return nil, err
	}

	cont := taskMessage{
		Header:  messageHeader{Action: "continue-task", TaskID: taskID},
		Payload: taskPayload{Input: &taskInput{Text: req.Text}},
	}
	if err := writeJSON(ctx, conn, cont); err != nil {
		conn.Close(websocket.StatusInternalError, "continue-task failed")
		return nil, fmt.Errorf("bailian: continue-task: %w", err)
	}
	finish := taskMessage{
		Header:  messageHeader{Action: "finish-task", TaskID: taskID},
		Payload: taskPayload{Input: &taskInput{}},
	}
	if err := writeJSON(ctx, conn, finish); err != nil {
		conn.Close(websocket.StatusInternalError, "finish-task failed")
		return nil, fmt.Errorf("bailian: finish-task: %w", err)
	}

	audioCh := make(chan []byte, 64)
	go func() {
		defer close(audioCh)
		defer conn.Close(websocket.StatusNormalClosure, "done")

		for {
			msgType, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if msgType == websocket.MessageBinary {
				chunk := make([]byte, len(data))
				copy(chunk, data)
				select {
				case audioCh <- chunk:
				case <-ctx.Done():
					return
				}
				continue
			}

			var ev eventMessage
			if err := json.Unmarshal(data, &ev); err != nil {
				continue
			}
			switch ev.Header.Event {
			case "task-finished", "task-failed":
				return
			}
		}
	}()
	return audioCh, nil
}

// awaitTaskStarted reads events until the service acknowledges the task.
func (p *Provider) awaitTaskStarted(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("bailian: await task start: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		var ev eventMessage
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		switch ev.Header.Event {
		case "task-started":
			return nil
		case "task-failed":
			return fmt.Errorf("bailian: task failed: %s: %s", ev.Header.ErrorCode, ev.Header.ErrorMessage)
		}
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
