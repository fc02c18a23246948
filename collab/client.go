package collab

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"driftpad/protocol"
)

// writeWait bounds every write to the peer, data and control alike.
const writeWait = 10 * time.Second

// ErrClientGone is returned when a frame is handed to a client whose
// session has already released it.
var ErrClientGone = errors.New("collab: client closed")

// Conn is the subset of *websocket.Conn the client needs. Tests install
// in-memory fakes behind it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// ClientState tracks where a connection is in the document handshake.
type ClientState int32

const (
	// StateHandshaking covers the window between the upgrade and the
	// client's first SyncStep2 or Update frame.
	StateHandshaking ClientState = iota
	// StateReady means the client has synced and receives fan-out.
	StateReady
	// StateClosed is terminal.
	StateClosed
)

func (s ClientState) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// outbound is one item in the client's send queue. When close is set the
// writer flushes nothing further, writes the close frame and exits, so
// terminal frames queued before it still reach the peer in order.
type outbound struct {
	frame []byte
	close *closeSignal
}

type closeSignal struct {
	code   int
	reason string
}

// Client owns one websocket connection attached to a document session.
// The session never touches the socket directly: fan-out goes through
// Send, which fails fast instead of blocking the session lane.
type Client struct {
	id     string
	userID string
	conn   Conn
	cfg    Config
	logger *zap.Logger

	// session is bound by Registry.Attach before Run starts reading.
	session *Session

	send   chan outbound
	closed chan struct{}
	once   sync.Once

	state atomic.Int32

	timerMu        sync.Mutex
	handshakeTimer *time.Timer
}

// NewClient wraps an upgraded connection. id is the connection identity
// used in logs, userID the authenticated author carried into awareness.
func NewClient(id, userID string, conn Conn, cfg Config, logger *zap.Logger) *Client {
	cfg = cfg.Normalize()
	return &Client{
		id:     id,
		userID: userID,
		conn:   conn,
		cfg:    cfg,
		logger: logger.With(zap.String("client_id", id)),
		send:   make(chan outbound, cfg.OutboundBufferFrames),
		closed: make(chan struct{}),
	}
}

// ID returns the connection identity.
func (c *Client) ID() string { return c.id }

// UserID returns the authenticated user behind the connection.
func (c *Client) UserID() string { return c.userID }

// State returns the current handshake state.
func (c *Client) State() ClientState {
	return ClientState(c.state.Load())
}

// Run pumps the connection until it dies. It blocks the caller on the
// read side and must only be invoked after a successful attach.
func (c *Client) Run() {
	go c.writePump()
	c.readPump()
}

// Send queues a frame for delivery. It never blocks: when the peer has
// fallen OutboundBufferFrames behind, the connection is cut with the
// backpressure close code and Send reports false.
func (c *Client) Send(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	select {
	case c.send <- outbound{frame: frame}:
		return true
	default:
		c.logger.Warn("outbound buffer exceeded, dropping client",
			zap.Int("buffer_frames", c.cfg.OutboundBufferFrames))
		c.forceClose(protocol.CloseBackpressureExceeded, "outbound buffer exceeded")
		return false
	}
}

// CloseAfterQueued asks the writer to deliver everything already queued,
// then close the connection with the given code. Used for terminal
// frames such as Deleted and GoingAway. Falls back to an immediate close
// when the queue is full.
func (c *Client) CloseAfterQueued(code int, reason string) {
	select {
	case <-c.closed:
		return
	default:
	}

	select {
	case c.send <- outbound{close: &closeSignal{code: code, reason: reason}}:
	default:
		c.forceClose(code, reason)
	}
}

// forceClose tears the connection down immediately, attempting a close
// frame on the way out. Safe to call from any goroutine, any number of
// times.
func (c *Client) forceClose(code int, reason string) {
	c.once.Do(func() {
		c.state.Store(int32(StateClosed))
		c.stopHandshakeTimer()
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		close(c.closed)
		_ = c.conn.Close()
	})
}

// teardown closes the transport without a close frame, for paths where
// the peer is already gone.
func (c *Client) teardown() {
	c.once.Do(func() {
		c.state.Store(int32(StateClosed))
		c.stopHandshakeTimer()
		close(c.closed)
		_ = c.conn.Close()
	})
}

// armHandshakeTimer starts the clock on the sync handshake. Called by
// the session when it emits the opening SyncStep1.
func (c *Client) armHandshakeTimer() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.handshakeTimer != nil {
		return
	}
	c.handshakeTimer = time.AfterFunc(c.cfg.HandshakeTimeout, func() {
		if c.State() != StateHandshaking {
			return
		}
		c.logger.Warn("handshake timed out",
			zap.Duration("timeout", c.cfg.HandshakeTimeout))
		c.forceClose(protocol.CloseHandshakeTimeout, "sync handshake timed out")
	})
}

func (c *Client) stopHandshakeTimer() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
		c.handshakeTimer = nil
	}
}

// becomeReady moves HANDSHAKING to READY exactly once.
func (c *Client) becomeReady() {
	if c.state.CompareAndSwap(int32(StateHandshaking), int32(StateReady)) {
		c.stopHandshakeTimer()
	}
}

// readPump consumes inbound frames until the connection dies, then
// detaches from the session. Pong timeouts surface here as read
// deadline errors.
func (c *Client) readPump() {
	defer func() {
		c.teardown()
		if c.session != nil {
			c.session.detach(c)
		}
	}()

	c.conn.SetReadLimit(c.cfg.MaxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				c.logger.Warn("pong timeout", zap.Duration("timeout", c.cfg.PongTimeout))
				c.forceClose(protocol.ClosePongTimeout, "pong timeout")
			} else if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			c.forceClose(protocol.CloseProtocolError, "binary frames only")
			return
		}
		if err := c.handleFrame(data); err != nil {
			c.logger.Warn("protocol violation",
				zap.String("state", c.State().String()), zap.Error(err))
			c.forceClose(protocol.CloseProtocolError, err.Error())
			return
		}
	}
}

// handleFrame routes one inbound frame through the state machine. Errors
// are protocol violations and cost the client its connection. Update
// payloads are validated on the session lane; a bad payload is closed
// from there.
func (c *Client) handleFrame(data []byte) error {
	frame, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	if c.session == nil {
		return ErrClientGone
	}

	switch c.State() {
	case StateHandshaking:
		switch frame.Kind {
		case protocol.KindAuth:
			// Credentials were checked at upgrade time. Accepted and
			// ignored so older clients that still send it keep working.
			return nil
		case protocol.KindSyncStep1:
			return c.session.clientSyncStep1(c, frame.Payload)
		case protocol.KindSyncStep2, protocol.KindUpdate:
			if err := c.session.clientUpdate(c, frame.Payload); err != nil {
				return err
			}
			c.becomeReady()
			return nil
		case protocol.KindAwarenessUpdate:
			// Presence before sync completes is dropped, not fatal.
			return nil
		default:
			return errors.Errorf("unexpected %s frame during handshake", frame.Kind)
		}

	case StateReady:
		switch frame.Kind {
		case protocol.KindAuth:
			return nil
		case protocol.KindSyncStep1:
			return c.session.clientSyncStep1(c, frame.Payload)
		case protocol.KindSyncStep2, protocol.KindUpdate:
			return c.session.clientUpdate(c, frame.Payload)
		case protocol.KindAwarenessUpdate:
			return c.session.clientAwareness(c, frame.Payload)
		default:
			return errors.Errorf("unexpected %s frame", frame.Kind)
		}

	default:
		return ErrClientGone
	}
}

// writePump serializes all writes to the connection: queued frames,
// heartbeat pings and the final close frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case out := <-c.send:
			if out.close != nil {
				c.forceClose(out.close.code, out.close.reason)
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, out.frame); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				c.teardown()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				c.teardown()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Done is closed when the connection has fully shut down.
func (c *Client) Done() <-chan struct{} { return c.closed }
