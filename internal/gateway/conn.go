package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/starbud-ai/starbud/internal/config"
	"github.com/starbud-ai/starbud/internal/protocol"
	"github.com/starbud-ai/starbud/internal/session"
)

const (
	// writeTimeout bounds a single WebSocket write. A client that cannot
	// take a frame in this long is treated as gone.
	writeTimeout = 5 * time.Second

	// outboundBuffer is the per-connection write queue. Audio is paced at
	// one packet per 60 ms, so the queue only fills when the socket stalls.
	outboundBuffer = 256
)

// outMsg is one queued WebSocket write.
type outMsg struct {
	typ  websocket.MessageType
	data []byte
}

// wsLink owns one accepted WebSocket connection and serialises all writes to
// it through a single goroutine. A client swaps links when it resumes on a
// new connection; the session never touches the socket directly.
type wsLink struct {
	ws  *websocket.Conn
	out chan outMsg

	closeOnce sync.Once
	done      chan struct{}
}

func newLink(ws *websocket.Conn) *wsLink {
	l := &wsLink{
		ws:   ws,
		out:  make(chan outMsg, outboundBuffer),
		done: make(chan struct{}),
	}
	go l.writeLoop()
	return l
}

func (l *wsLink) writeLoop() {
	for {
		select {
		case msg := <-l.out:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := l.ws.Write(ctx, msg.typ, msg.data)
			cancel()
			if err != nil {
				l.close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		case <-l.done:
			return
		}
	}
}

// sendText queues a control frame. Blocks until the writer takes it or the
// link dies; control frames are never silently dropped on a live link.
func (l *wsLink) sendText(data []byte) error {
	select {
	case l.out <- outMsg{typ: websocket.MessageText, data: data}:
		return nil
	case <-l.done:
		return errLinkClosed
	}
}

// sendBinary queues an audio packet. Drops when the queue is full: stale
// audio is worse than missing audio.
func (l *wsLink) sendBinary(data []byte) error {
	select {
	case l.out <- outMsg{typ: websocket.MessageBinary, data: data}:
		return nil
	case <-l.done:
		return errLinkClosed
	default:
		return nil
	}
}

// close shuts the link down exactly once. The reason reaches the client in
// the close frame when the socket is still writable.
func (l *wsLink) close(code websocket.StatusCode, reason string) {
	l.closeOnce.Do(func() {
		close(l.done)
		_ = l.ws.Close(code, reason)
	})
}

// closed reports whether the link is already torn down.
func (l *wsLink) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// ─── client ──────────────────────────────────────────────────────────────────

// client is one logical conversation endpoint. It outlives individual
// WebSocket connections: when a device with a client_id drops and redials
// within the resume window, the new link is attached to the same client and
// the same running session.
type client struct {
	g         *Gateway
	key       string
	sessionID string
	agentID   int64
	userID    int64
	deviceID  int64
	agentCfg  config.AgentConfig

	sess   *session.Session
	cancel context.CancelFunc

	mu     sync.Mutex
	link   *wsLink
	expire *time.Timer // armed while no link is attached
	gone   bool
}

var _ session.Conn = (*client)(nil)

// attach makes l the client's live connection, closing any previous one with
// a supplanted reason. Reports false when the client is already gone.
func (c *client) attach(l *wsLink) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gone {
		return false
	}
	if c.expire != nil {
		c.expire.Stop()
		c.expire = nil
	}
	if c.link != nil {
		c.link.close(websocket.StatusGoingAway, "supplanted")
	}
	c.link = l
	return true
}

// detach drops l if it is still the client's live connection. When the
// client can resume, an expiry timer is armed; otherwise the session is torn
// down immediately.
func (c *client) detach(l *wsLink, resumable bool) {
	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		return
	}
	c.link = nil
	if c.gone {
		c.mu.Unlock()
		return
	}
	if !resumable {
		c.mu.Unlock()
		c.teardown("connection closed")
		return
	}
	c.expire = time.AfterFunc(c.g.cfg.Pipeline.ResumeWindow, func() {
		c.teardown("resume window expired")
	})
	c.mu.Unlock()
}

// teardown ends the session and forgets the client. Idempotent.
func (c *client) teardown(reason string) {
	c.mu.Lock()
	if c.gone {
		c.mu.Unlock()
		return
	}
	c.gone = true
	link := c.link
	c.link = nil
	if c.expire != nil {
		c.expire.Stop()
		c.expire = nil
	}
	c.mu.Unlock()

	if link != nil {
		link.close(websocket.StatusNormalClosure, closeReason(reason))
	}
	c.cancel()
	c.g.remove(c)
}

// currentLink returns the live link, or nil while detached.
func (c *client) currentLink() *wsLink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link
}

// SendFrame writes one control frame to the live connection. While the
// client is detached the frame is dropped; the session keeps running and the
// resumed connection picks up from the live state.
func (c *client) SendFrame(f protocol.Frame) error {
	link := c.currentLink()
	if link == nil {
		return nil
	}
	data, err := f.Encode()
	if err != nil {
		return err
	}
	return link.sendText(data)
}

// SendAudio writes one Opus packet to the live connection.
func (c *client) SendAudio(packet []byte) error {
	link := c.currentLink()
	if link == nil {
		return nil
	}
	return link.sendBinary(packet)
}

// Close ends the conversation at the session's request (goodbye intent, idle
// timeout). The reason travels in the WebSocket close frame.
func (c *client) Close(reason string) {
	c.teardown(reason)
}

// closeReason clips a close reason to the 123-byte limit of the WebSocket
// close frame.
func closeReason(reason string) string {
	if len(reason) > 123 {
		return reason[:123]
	}
	return reason
}
