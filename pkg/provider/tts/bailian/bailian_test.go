package bailian

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/starbud-ai/starbud/pkg/provider/tts"
)

// clientMessage mirrors the task protocol for assertions.
type clientMessage struct {
	Header struct {
		Action    string `json:"action"`
		TaskID    string `json:"task_id"`
		Streaming string `json:"streaming"`
	} `json:"header"`
	Payload struct {
		TaskGroup  string `json:"task_group"`
		Task       string `json:"task"`
		Function   string `json:"function"`
		Model      string `json:"model"`
		Parameters struct {
			TextType   string `json:"text_type"`
			Voice      string `json:"voice"`
			Format     string `json:"format"`
			SampleRate int    `json:"sample_rate"`
		} `json:"parameters"`
		Input struct {
			Text string `json:"text"`
		} `json:"input"`
	} `json:"payload"`
}

// taskCapture records what the client sent, guarded for cross-goroutine reads.
type taskCapture struct {
	mu      sync.Mutex
	auth    string
	actions []string
	text    string
	runTask clientMessage
	gotRun  bool
}

func (c *taskCapture) record(msg clientMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions = append(c.actions, msg.Header.Action)
	switch msg.Header.Action {
	case "run-task":
		c.runTask = msg
		c.gotRun = true
	case "continue-task":
		c.text = msg.Payload.Input.Text
	}
}

func (c *taskCapture) setAuth(auth string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auth = auth
}

func (c *taskCapture) Auth() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auth
}

func (c *taskCapture) Actions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.actions))
	copy(out, c.actions)
	return out
}

func (c *taskCapture) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

func (c *taskCapture) RunTask() (clientMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runTask, c.gotRun
}

// startSpeechServer runs a WebSocket server whose connection handling is
// delegated to script. Returns a ws:// URL.
func startSpeechServer(t *testing.T, rec *taskCapture, script func(ctx context.Context, conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rec != nil {
			rec.setAuth(r.Header.Get("Authorization"))
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		script(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func writeEvent(ctx context.Context, t *testing.T, conn *websocket.Conn, taskID, event string) {
	t.Helper()
	msg := map[string]any{
		"header": map[string]any{"task_id": taskID, "event": event},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Errorf("marshal event: %v", err)
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Errorf("write event: %v", err)
	}
}

// speechScript acknowledges run-task, then streams chunks after finish-task.
func speechScript(t *testing.T, rec *taskCapture, chunks [][]byte) func(ctx context.Context, conn *websocket.Conn) {
	return func(ctx context.Context, conn *websocket.Conn) {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg clientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Errorf("unmarshal client message: %v", err)
				return
			}
			rec.record(msg)
			switch msg.Header.Action {
			case "run-task":
				writeEvent(ctx, t, conn, msg.Header.TaskID, "task-started")
			case "finish-task":
				for _, chunk := range chunks {
					if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
						return
					}
				}
				writeEvent(ctx, t, conn, msg.Header.TaskID, "task-finished")
				return
			}
		}
	}
}

func drainAudio(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	var out []byte
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, chunk...)
		case <-timeout:
			t.Fatal("timed out draining audio channel")
		}
	}
}

func TestNew_EmptyKey_ReturnsError(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty api key, got nil")
	}
}

func TestFormat_DefaultsTo16kMono(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f := p.Format()
	if f.SampleRate != 16000 || f.Channels != 1 {
		t.Errorf("Format() = %+v, want 16000 Hz mono", f)
	}
}

func TestSynthesize_StreamsAudio(t *testing.T) {
	chunks := [][]byte{
		{0x01, 0x02, 0x03},
		{0x04, 0x05},
		{0x06},
	}
	rec := &taskCapture{}
	url := startSpeechServer(t, rec, speechScript(t, rec, chunks))

	p, err := New("test-key", WithEndpoint(url))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ch, err := p.Synthesize(context.Background(), tts.Request{Text: "你好呀。"})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	got := drainAudio(t, ch)

	want := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	if string(got) != string(want) {
		t.Errorf("audio = %v, want %v", got, want)
	}

	actions := rec.Actions()
	wantActions := []string{"run-task", "continue-task", "finish-task"}
	if len(actions) != len(wantActions) {
		t.Fatalf("actions = %v, want %v", actions, wantActions)
	}
	for i, a := range wantActions {
		if actions[i] != a {
			t.Errorf("actions[%d] = %q, want %q", i, actions[i], a)
		}
	}
	if got := rec.Text(); got != "你好呀。" {
		t.Errorf("continue-task text = %q, want %q", got, "你好呀。")
	}
}

func TestSynthesize_RunTaskParameters(t *testing.T) {
	rec := &taskCapture{}
	url := startSpeechServer(t, rec, speechScript(t, rec, nil))

	p, err := New("test-key", WithEndpoint(url))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ch, err := p.Synthesize(context.Background(), tts.Request{Text: "hello"})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	drainAudio(t, ch)

	run, ok := rec.RunTask()
	if !ok {
		t.Fatal("server never received run-task")
	}
	if run.Header.Streaming != "duplex" {
		t.Errorf("streaming = %q, want %q", run.Header.Streaming, "duplex")
	}
	if run.Header.TaskID == "" {
		t.Error("task_id is empty")
	}
	if run.Payload.TaskGroup != "audio" || run.Payload.Task != "tts" || run.Payload.Function != "SpeechSynthesizer" {
		t.Errorf("payload routing = %q/%q/%q, want audio/tts/SpeechSynthesizer",
			run.Payload.TaskGroup, run.Payload.Task, run.Payload.Function)
	}
	if run.Payload.Model != "cosyvoice-v2" {
		t.Errorf("model = %q, want %q", run.Payload.Model, "cosyvoice-v2")
	}
	params := run.Payload.Parameters
	if params.TextType != "PlainText" {
		t.Errorf("text_type = %q, want %q", params.TextType, "PlainText")
	}
	if params.Voice != "longhuhu" {
		t.Errorf("voice = %q, want default %q", params.Voice, "longhuhu")
	}
	if params.Format != "pcm" || params.SampleRate != 16000 {
		t.Errorf("format = %q/%d, want pcm/16000", params.Format, params.SampleRate)
	}
}

func TestSynthesize_VoiceOverride(t *testing.T) {
	rec := &taskCapture{}
	url := startSpeechServer(t, rec, speechScript(t, rec, nil))

	p, err := New("test-key", WithEndpoint(url))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	req := tts.Request{Text: "hi", Voice: tts.Voice{ID: "longxiaochun"}}
	ch, err := p.Synthesize(context.Background(), req)
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	drainAudio(t, ch)

	run, ok := rec.RunTask()
	if !ok {
		t.Fatal("server never received run-task")
	}
	if run.Payload.Parameters.Voice != "longxiaochun" {
		t.Errorf("voice = %q, want %q", run.Payload.Parameters.Voice, "longxiaochun")
	}
}

func TestSynthesize_SendsAuthorizationHeader(t *testing.T) {
	rec := &taskCapture{}
	url := startSpeechServer(t, rec, speechScript(t, rec, nil))

	p, err := New("secret-key", WithEndpoint(url))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ch, err := p.Synthesize(context.Background(), tts.Request{Text: "hi"})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	drainAudio(t, ch)

	if got := rec.Auth(); got != "bearer secret-key" {
		t.Errorf("Authorization = %q, want %q", got, "bearer secret-key")
	}
}

func TestSynthesize_TaskFailed_ReturnsError(t *testing.T) {
	rec := &taskCapture{}
	url := startSpeechServer(t, rec, func(ctx context.Context, conn *websocket.Conn) {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		fail := map[string]any{
			"header": map[string]any{
				"task_id":       msg.Header.TaskID,
				"event":         "task-failed",
				"error_code":    "InvalidParameter",
				"error_message": "voice not found",
			},
		}
		payload, _ := json.Marshal(fail)
		conn.Write(ctx, websocket.MessageText, payload)
	})

	p, err := New("test-key", WithEndpoint(url))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := p.Synthesize(context.Background(), tts.Request{Text: "hi"}); err == nil {
		t.Fatal("expected error for failed task, got nil")
	} else if !strings.Contains(err.Error(), "voice not found") {
		t.Errorf("error = %v, want it to mention the service message", err)
	}
}

func TestSynthesize_EmptyText_ReturnsError(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := p.Synthesize(context.Background(), tts.Request{Text: "  "}); err == nil {
		t.Fatal("expected error for empty text, got nil")
	}
}

func TestSynthesize_ContextCancelled_ClosesChannel(t *testing.T) {
	rec := &taskCapture{}
	url := startSpeechServer(t, rec, func(ctx context.Context, conn *websocket.Conn) {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		writeEvent(ctx, t, conn, msg.Header.TaskID, "task-started")
		// Never send audio; wait for the client to go away.
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	p, err := New("test-key", WithEndpoint(url))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := p.Synthesize(ctx, tts.Request{Text: "hi"})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			// Drain anything in flight; the close must still arrive.
			for range ch {
			}
		}
	case <-time.After(3 * time.Second):
		t.Fatal("channel not closed after context cancellation")
	}
}

func TestListVoices_ReturnsCatalogue(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices() error = %v", err)
	}
	if len(voices) == 0 {
		t.Fatal("expected at least one voice")
	}
	for _, v := range voices {
		if v.Provider != "bailian" {
			t.Errorf("voice %q provider = %q, want %q", v.ID, v.Provider, "bailian")
		}
	}
	if voices[0].ID != "longhuhu" {
		t.Errorf("first voice = %q, want default %q", voices[0].ID, "longhuhu")
	}
}
