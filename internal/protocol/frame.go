// Package protocol defines the JSON control frames of the gateway wire
// protocol. Text WebSocket messages carry one frame each; binary messages
// carry 60 ms Opus audio and never appear here.
//
// The frame set is deliberately flat: one struct with a type tag and
// optional fields, so firmware written against an older server ignores
// fields it does not know and the server ignores frame types it does not
// know.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType tags a control frame.
type FrameType string

const (
	FrameHello  FrameType = "hello"
	FrameListen FrameType = "listen"
	FrameText   FrameType = "text"
	FrameAbort  FrameType = "abort"
	FrameMCP    FrameType = "mcp"
	FrameLLM    FrameType = "llm"
	FrameTTS    FrameType = "tts"
	FrameError  FrameType = "error"
)

// Listen frame states.
const (
	ListenStart  = "start"
	ListenStop   = "stop"
	ListenDetect = "detect"
)

// TTS frame states.
const (
	TTSStart         = "start"
	TTSStop          = "stop"
	TTSSentenceStart = "sentence_start"
)

// Error kinds carried in the code field of error frames.
const (
	ErrKindAuth              = "auth"
	ErrKindProtocol          = "protocol"
	ErrKindBusyDropped       = "busy_dropped"
	ErrKindProviderTransient = "provider_transient"
	ErrKindProviderFatal     = "provider_fatal"
	ErrKindInternal          = "internal"
	ErrKindTimeout           = "timeout"
)

// AudioParams is the audio negotiation block of the hello frame.
type AudioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"`
}

// Frame is one JSON control frame. Only the fields of its Type are set;
// everything else stays at the zero value and is omitted on the wire.
type Frame struct {
	Type FrameType `json:"type"`

	// hello
	Transport   string       `json:"transport,omitempty"`
	AudioParams *AudioParams `json:"audio_params,omitempty"`
	ClientID    string       `json:"client_id,omitempty"`
	SessionID   string       `json:"session_id,omitempty"`

	// listen / tts
	State string `json:"state,omitempty"`
	Mode  string `json:"mode,omitempty"`
	Text  string `json:"text,omitempty"`

	// text (inbound) / llm (outbound)
	Content  string `json:"content,omitempty"`
	Emotion  string `json:"emotion,omitempty"`
	Finished bool   `json:"finished,omitempty"`

	// abort
	Reason string `json:"reason,omitempty"`

	// error
	Code    string         `json:"code,omitempty"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`

	// mcp passthrough
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrNoType marks a frame without a type tag.
var ErrNoType = errors.New("protocol: frame has no type")

// Decode parses one text message into a Frame. Unknown frame types decode
// fine; the caller decides whether to ignore them.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("protocol: decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, ErrNoType
	}
	return f, nil
}

// Encode renders the frame for the wire.
func (f Frame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode frame: %w", err)
	}
	return data, nil
}

// ─── Constructors for the frames the server emits ────────────────────────────

// HelloReply mirrors the accepted audio params back and assigns the session.
func HelloReply(sessionID string, params AudioParams) Frame {
	return Frame{
		Type:        FrameHello,
		Transport:   "websocket",
		SessionID:   sessionID,
		AudioParams: &params,
	}
}

// TTSState builds a tts frame with just a state.
func TTSState(state string) Frame {
	return Frame{Type: FrameTTS, State: state}
}

// SentenceStart announces the text of the sentence about to be spoken.
func SentenceStart(text string) Frame {
	return Frame{Type: FrameTTS, State: TTSSentenceStart, Text: text}
}

// LLMDelta carries one streamed chunk of model output.
func LLMDelta(content string) Frame {
	return Frame{Type: FrameLLM, Content: content}
}

// LLMFinished closes the model output stream, optionally with an emotion
// label for the reply.
func LLMFinished(emotion string) Frame {
	return Frame{Type: FrameLLM, Finished: true, Emotion: emotion}
}

// ErrorFrame reports a failure without closing the connection. The code is
// one of the ErrKind constants.
func ErrorFrame(code, message string) Frame {
	return Frame{Type: FrameError, Code: code, Message: message}
}

// ErrorFrameDetails is ErrorFrame with a structured details block.
func ErrorFrameDetails(code, message string, details map[string]any) Frame {
	return Frame{Type: FrameError, Code: code, Message: message, Details: details}
}

// MCPReply relays an MCP response payload to the client.
func MCPReply(payload json.RawMessage) Frame {
	return Frame{Type: FrameMCP, Payload: payload}
}
