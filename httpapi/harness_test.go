package httpapi

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"driftpad/cache"
	"driftpad/collab"
	"driftpad/protocol"
	"driftpad/store"
)

type apiHarness struct {
	t        *testing.T
	srv      *Server
	store    *store.MemoryStore
	reg      *collab.Registry
	docCache cache.Cache[store.Document]
}

func newAPIHarness(t *testing.T, mutate ...func(*Config)) *apiHarness {
	t.Helper()

	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })

	docCache := cache.NewMemoryCache[store.Document](nil)
	t.Cleanup(func() { _ = docCache.Close() })

	ccfg := collab.DefaultConfig()
	ccfg.PersistDebounce = 25 * time.Millisecond
	ccfg.PersistRetryBackoff = 10 * time.Millisecond
	ccfg.OnPersist = func(id string) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = docCache.Delete(ctx, id)
	}
	reg := collab.NewRegistry(st, ccfg, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = reg.Drain(ctx)
	})

	cfg := DefaultConfig()
	cfg.BaseURL = "http://pad.test"
	cfg.RateLimitRPM = 0
	for _, m := range mutate {
		m(&cfg)
	}

	srv, err := NewServer(cfg, st, reg, nil, docCache, zap.NewNop())
	require.NoError(t, err)

	return &apiHarness{t: t, srv: srv, store: st, reg: reg, docCache: docCache}
}

// do issues a request against the router. A string body is sent raw so
// malformed payloads can be exercised; anything else is JSON-encoded.
func (h *apiHarness) do(method, path string, body any) *httptest.ResponseRecorder {
	h.t.Helper()

	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		buf, err := json.Marshal(b)
		require.NoError(h.t, err)
		rd = bytes.NewReader(buf)
	}

	req := httptest.NewRequest(method, path, rd)
	if rd != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	h.srv.Echo().ServeHTTP(rec, req)
	return rec
}

func (h *apiHarness) decode(rec *httptest.ResponseRecorder, out any) {
	h.t.Helper()
	require.NoError(h.t, json.Unmarshal(rec.Body.Bytes(), out),
		"body: %s", rec.Body.String())
}

// create posts a note and returns the assigned share id.
func (h *apiHarness) create(body map[string]any) string {
	h.t.Helper()
	rec := h.do("POST", "/api/notes/share", body)
	require.Equal(h.t, 201, rec.Code, rec.Body.String())
	var resp shareResponse
	h.decode(rec, &resp)
	require.NotEmpty(h.t, resp.ShareID)
	return resp.ShareID
}

// errMessage extracts the error envelope.
func (h *apiHarness) errMessage(rec *httptest.ResponseRecorder) string {
	h.t.Helper()
	var envelope map[string]string
	h.decode(rec, &envelope)
	return envelope["error"]
}

// stubConn satisfies collab.Conn for tests that need a live session behind
// the HTTP surface. Reads come from a push queue; writes are recorded.
type stubConn struct {
	mu        sync.Mutex
	frames    [][]byte
	closeCode int
	inbound   chan []byte
	closed    chan struct{}
	once      sync.Once
}

func newStubConn() *stubConn {
	return &stubConn{
		inbound: make(chan []byte, 8),
		closed:  make(chan struct{}),
	}
}

func (c *stubConn) push(frame []byte) {
	c.inbound <- frame
}

func (c *stubConn) ReadMessage() (int, []byte, error) {
	select {
	case frame := <-c.inbound:
		return websocket.BinaryMessage, frame, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *stubConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *stubConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		c.mu.Lock()
		c.closeCode = int(binary.BigEndian.Uint16(data[:2]))
		c.mu.Unlock()
	}
	return nil
}

func (c *stubConn) SetReadLimit(int64)                {}
func (c *stubConn) SetReadDeadline(time.Time) error   { return nil }
func (c *stubConn) SetWriteDeadline(time.Time) error  { return nil }
func (c *stubConn) SetPongHandler(func(string) error) {}

func (c *stubConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *stubConn) frameKinds() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	kinds := make([]byte, 0, len(c.frames))
	for _, f := range c.frames {
		if len(f) > 0 {
			kinds = append(kinds, f[0])
		}
	}
	return kinds
}

func (c *stubConn) sentCloseCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

// attachStub connects a stub client to the document so a live session
// exists for it, and completes the sync request so the client is fan-out
// eligible.
func (h *apiHarness) attachStub(id string) *stubConn {
	h.t.Helper()
	conn := newStubConn()
	client := collab.NewClient("stub-"+id, "stub", conn, collab.DefaultConfig(), zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := h.reg.Attach(ctx, id, client)
	require.NoError(h.t, err)
	go client.Run()
	h.t.Cleanup(func() { _ = conn.Close() })

	conn.push(protocol.Encode(protocol.KindSyncStep1, []byte("{}")))
	require.Eventually(h.t, func() bool {
		for _, k := range conn.frameKinds() {
			if k == byte(protocol.KindSyncStep2) {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "sync reply never arrived")
	return conn
}
