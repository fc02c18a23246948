package collab

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"driftpad/crdt"
	"driftpad/protocol"
	"driftpad/store"
)

// testConfig keeps every timer short enough for tests to observe.
func testConfig() Config {
	return Config{
		PersistDebounce:      25 * time.Millisecond,
		PersistRetryMax:      3,
		PersistRetryBackoff:  10 * time.Millisecond,
		AwarenessTTL:         60 * time.Millisecond,
		HandshakeTimeout:     500 * time.Millisecond,
		PongTimeout:          5 * time.Second,
		PingInterval:         time.Second,
		OutboundBufferFrames: 64,
		MaxFrameBytes:        1 << 20,
	}
}

type fakeMsg struct {
	messageType int
	data        []byte
}

// fakeConn stands in for a websocket connection. The test plays the
// remote peer: it pushes frames into inbound and reads what the client
// wrote from outbound.
type fakeConn struct {
	inbound  chan fakeMsg
	outbound chan fakeMsg
	readErrs chan error

	closeOnce sync.Once
	closedCh  chan struct{}

	mu        sync.Mutex
	closeCode int
	closeText string
}

func newFakeConn() *fakeConn {
	return newFakeConnBuffered(64)
}

// newFakeConnBuffered bounds the write side, simulating a peer whose
// receive window has filled.
func newFakeConnBuffered(outCap int) *fakeConn {
	return &fakeConn{
		inbound:  make(chan fakeMsg, 64),
		outbound: make(chan fakeMsg, outCap),
		readErrs: make(chan error, 1),
		closedCh: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	// Frames queued before a close are still delivered, the way a real
	// socket drains bytes already in flight.
	select {
	case m := <-f.inbound:
		return m.messageType, m.data, nil
	default:
	}
	select {
	case m := <-f.inbound:
		return m.messageType, m.data, nil
	case err := <-f.readErrs:
		return 0, nil, err
	case <-f.closedCh:
		return 0, nil, errors.New("fake conn closed")
	}
}

// failRead makes the next ReadMessage return err.
func (f *fakeConn) failRead(err error) {
	f.readErrs <- err
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	m := fakeMsg{messageType: messageType, data: append([]byte(nil), data...)}
	select {
	case f.outbound <- m:
		return nil
	case <-f.closedCh:
		return errors.New("fake conn closed")
	}
}

func (f *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	if messageType == websocket.CloseMessage {
		f.mu.Lock()
		if f.closeCode == 0 && len(data) >= 2 {
			f.closeCode = int(binary.BigEndian.Uint16(data[:2]))
			f.closeText = string(data[2:])
		}
		f.mu.Unlock()
	}
	select {
	case <-f.closedCh:
		return errors.New("fake conn closed")
	default:
		return nil
	}
}

func (f *fakeConn) SetReadLimit(int64)                {}
func (f *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetPongHandler(func(string) error) {}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closedCh) })
	return nil
}

// sentCloseCode returns the close code the client sent, or zero.
func (f *fakeConn) sentCloseCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

// testPeer is a scripted collaborator: a fake connection plus its own
// replica, driven the way a real editor client would drive the wire.
type testPeer struct {
	t      *testing.T
	conn   *fakeConn
	client *Client
	doc    *crdt.Document
}

func connectPeer(t *testing.T, reg *Registry, documentID, userID string, cfg Config) *testPeer {
	t.Helper()
	return connectPeerConn(t, reg, documentID, userID, cfg, newFakeConn())
}

func connectPeerConn(t *testing.T, reg *Registry, documentID, userID string, cfg Config, conn *fakeConn) *testPeer {
	t.Helper()

	client := NewClient(uuid.New().String(), userID, conn, cfg, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := reg.Attach(ctx, documentID, client)
	require.NoError(t, err)
	go client.Run()

	return &testPeer{
		t:      t,
		conn:   conn,
		client: client,
		doc:    crdt.NewDocument(crdt.NewSessionID()),
	}
}

func (p *testPeer) send(kind protocol.FrameKind, payload []byte) {
	p.t.Helper()
	select {
	case p.conn.inbound <- fakeMsg{messageType: websocket.BinaryMessage, data: protocol.Encode(kind, payload)}:
	case <-time.After(2 * time.Second):
		p.t.Fatal("peer inbound queue stuck")
	}
}

// next returns the next frame the client wrote.
func (p *testPeer) next(timeout time.Duration) protocol.Frame {
	p.t.Helper()
	select {
	case m := <-p.conn.outbound:
		require.Equal(p.t, websocket.BinaryMessage, m.messageType)
		frame, err := protocol.Decode(m.data)
		require.NoError(p.t, err)
		return frame
	case <-time.After(timeout):
		p.t.Fatal("timed out waiting for a frame")
		return protocol.Frame{}
	}
}

// expect asserts the very next frame has the given kind.
func (p *testPeer) expect(kind protocol.FrameKind) protocol.Frame {
	p.t.Helper()
	frame := p.next(2 * time.Second)
	require.Equal(p.t, kind, frame.Kind, "expected %s frame, got %s", kind, frame.Kind)
	return frame
}

// waitFor skips frames of other kinds until one matches.
func (p *testPeer) waitFor(kind protocol.FrameKind) protocol.Frame {
	p.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frame := p.next(time.Until(deadline))
		if frame.Kind == kind {
			return frame
		}
	}
	p.t.Fatalf("never received a %s frame", kind)
	return protocol.Frame{}
}

// expectNone asserts silence on the wire for the given window.
func (p *testPeer) expectNone(window time.Duration) {
	p.t.Helper()
	select {
	case m := <-p.conn.outbound:
		frame, _ := protocol.Decode(m.data)
		p.t.Fatalf("expected no frames, got %s", frame.Kind)
	case <-time.After(window):
	}
}

// sync runs the document handshake: read the server's SyncStep1, ask for
// a diff, apply it, then answer the server's vector with our own diff.
func (p *testPeer) sync() {
	p.t.Helper()

	hello := p.expect(protocol.KindSyncStep1)
	var serverVec crdt.StateVector
	require.NoError(p.t, json.Unmarshal(hello.Payload, &serverVec))

	vec, err := json.Marshal(p.doc.Vector())
	require.NoError(p.t, err)
	p.send(protocol.KindSyncStep1, vec)

	diff := p.expect(protocol.KindSyncStep2)
	_, err = p.doc.ApplyUpdate(diff.Payload)
	require.NoError(p.t, err)

	answer, err := p.doc.DiffAgainstVector(serverVec)
	require.NoError(p.t, err)
	p.send(protocol.KindSyncStep2, answer)
}

// typeText inserts locally and pushes the update.
func (p *testPeer) typeText(pos int, s string) {
	p.t.Helper()
	patch, err := p.doc.InsertText(pos, s)
	require.NoError(p.t, err)
	update, err := crdt.EncodeUpdate(patch)
	require.NoError(p.t, err)
	p.send(protocol.KindUpdate, update)
}

// putComment adds a comment locally and pushes the update.
func (p *testPeer) putComment(id, author, content string) {
	p.t.Helper()
	patch, err := p.doc.PutComment(&crdt.Comment{
		ID:        id,
		Author:    author,
		Content:   content,
		CreatedAt: time.Now().UnixMilli(),
	})
	require.NoError(p.t, err)
	update, err := crdt.EncodeUpdate(patch)
	require.NoError(p.t, err)
	p.send(protocol.KindUpdate, update)
}

// applyNextUpdate waits for fan-out and applies it to the local replica.
func (p *testPeer) applyNextUpdate() {
	p.t.Helper()
	frame := p.waitFor(protocol.KindUpdate)
	_, err := p.doc.ApplyUpdate(frame.Payload)
	require.NoError(p.t, err)
}

func (p *testPeer) close() {
	_ = p.conn.Close()
}

// countingStore counts snapshot writes passing through to the backing
// store.
type countingStore struct {
	store.Store

	mu      sync.Mutex
	upserts int
}

func (c *countingStore) UpsertSnapshot(ctx context.Context, id string, up store.SnapshotUpsert) error {
	c.mu.Lock()
	c.upserts++
	c.mu.Unlock()
	return c.Store.UpsertSnapshot(ctx, id, up)
}

func (c *countingStore) upsertCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upserts
}

// seedDocument writes a snapshot-backed document into the store.
func seedDocument(t *testing.T, st store.Store, id, text string) {
	t.Helper()
	doc := crdt.NewDocument(crdt.NewSessionID())
	require.NoError(t, doc.SeedText(text))
	state, err := doc.EncodeState()
	require.NoError(t, err)
	require.NoError(t, st.UpsertSnapshot(context.Background(), id, store.SnapshotUpsert{
		Snapshot: state,
		Text:     text,
	}))
}

func newTestRegistry(t *testing.T, st store.Store, cfg Config) *Registry {
	t.Helper()
	return NewRegistry(st, cfg, zap.NewNop())
}
