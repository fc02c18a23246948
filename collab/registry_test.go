package collab

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"driftpad/protocol"
	"driftpad/store"
)

func TestSessionQuiescesAfterLastDetach(t *testing.T) {
	st := store.NewMemoryStore()
	seedDocument(t, st, "doc-1", "")
	reg := newTestRegistry(t, st, testConfig())

	peer := connectPeer(t, reg, "doc-1", "alice", testConfig())
	peer.sync()
	peer.typeText(0, "written then gone")
	peer.close()

	require.Eventually(t, func() bool {
		return reg.Stats().Sessions == 0
	}, 2*time.Second, 10*time.Millisecond)

	// The flush landed before the session left.
	row, err := st.Get(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "written then gone", row.Content)

	// A later visitor gets a fresh session hydrated from that flush.
	peer2 := connectPeer(t, reg, "doc-1", "bob", testConfig())
	defer peer2.close()
	peer2.sync()
	assert.Equal(t, "written then gone", peer2.doc.Text())
}

func TestEditorCountTracksAttachment(t *testing.T) {
	st := store.NewMemoryStore()
	seedDocument(t, st, "doc-1", "")
	reg := newTestRegistry(t, st, testConfig())

	alice := connectPeer(t, reg, "doc-1", "alice", testConfig())
	alice.sync()
	bob := connectPeer(t, reg, "doc-1", "bob", testConfig())
	defer bob.close()
	bob.sync()

	require.Eventually(t, func() bool {
		row, err := st.Get(context.Background(), "doc-1")
		return err == nil && row.ActiveEditors == 2
	}, 2*time.Second, 10*time.Millisecond)

	alice.close()
	require.Eventually(t, func() bool {
		row, err := st.Get(context.Background(), "doc-1")
		return err == nil && row.ActiveEditors == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNotifyDeletedClosesClientsAndQuiescesWrites(t *testing.T) {
	st := store.NewMemoryStore()
	seedDocument(t, st, "doc-1", "doomed")
	reg := newTestRegistry(t, st, testConfig())

	peer := connectPeer(t, reg, "doc-1", "alice", testConfig())
	defer peer.close()
	peer.sync()
	peer.typeText(0, "x")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, reg.NotifyDeleted(ctx, "doc-1"))

	// The client hears about it before the row disappears.
	peer.waitFor(protocol.KindDeleted)
	require.Eventually(t, func() bool {
		return peer.conn.sentCloseCode() == websocket.CloseNormalClosure
	}, 2*time.Second, 10*time.Millisecond)

	// After NotifyDeleted returns the session never writes again, so the
	// delete sticks.
	require.NoError(t, st.Delete(context.Background(), "doc-1"))
	time.Sleep(100 * time.Millisecond)
	_, err := st.Get(context.Background(), "doc-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.Eventually(t, func() bool {
		return reg.Stats().Sessions == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNotifyDeletedWithoutSessionIsNoOp(t *testing.T) {
	st := store.NewMemoryStore()
	reg := newTestRegistry(t, st, testConfig())
	require.NoError(t, reg.NotifyDeleted(context.Background(), "nobody-home"))
}

func TestAttachToDeletedSessionGetsTerminalFrame(t *testing.T) {
	cfg := testConfig()
	st := store.NewMemoryStore()
	seedDocument(t, st, "doc-1", "doomed")
	reg := newTestRegistry(t, st, cfg)

	peer := connectPeer(t, reg, "doc-1", "alice", cfg)
	defer peer.close()
	peer.sync()

	// Keep the session alive past the delete so the second attach lands
	// on it: the first peer stays connected while we mark it deleted.
	require.NoError(t, reg.NotifyDeleted(context.Background(), "doc-1"))
	peer.waitFor(protocol.KindDeleted)

	if sess := reg.Lookup("doc-1"); sess != nil {
		conn := newFakeConn()
		client := NewClient("late", "bob", conn, cfg, zap.NewNop())
		if sess.attach(client) {
			go client.Run()
			m := <-conn.outbound
			frame, err := protocol.Decode(m.data)
			require.NoError(t, err)
			assert.Equal(t, protocol.KindDeleted, frame.Kind)
		}
	}
}

func TestDrainSendsGoingAwayAndFlushes(t *testing.T) {
	cfg := testConfig()
	cfg.PersistDebounce = 5 * time.Second // force the flush to come from drain

	st := store.NewMemoryStore()
	seedDocument(t, st, "doc-1", "")
	reg := newTestRegistry(t, st, cfg)

	alice := connectPeer(t, reg, "doc-1", "alice", cfg)
	defer alice.close()
	alice.sync()
	bob := connectPeer(t, reg, "doc-1", "bob", cfg)
	defer bob.close()
	bob.sync()

	alice.typeText(0, "unsaved during shutdown")
	bob.applyNextUpdate()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, reg.Drain(ctx))

	bob.waitFor(protocol.KindGoingAway)
	require.Eventually(t, func() bool {
		return bob.conn.sentCloseCode() == websocket.CloseGoingAway
	}, 2*time.Second, 10*time.Millisecond)

	row, err := st.Get(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "unsaved during shutdown", row.Content)
	assert.Equal(t, 0, reg.Stats().Sessions)
}

func TestAttachAfterDrainRefused(t *testing.T) {
	st := store.NewMemoryStore()
	reg := newTestRegistry(t, st, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, reg.Drain(ctx))

	conn := newFakeConn()
	client := NewClient("late", "alice", conn, testConfig(), zap.NewNop())
	_, err := reg.Attach(context.Background(), "doc-1", client)
	assert.ErrorIs(t, err, ErrDraining)
}

func TestStatsCountsSessionsAndClients(t *testing.T) {
	st := store.NewMemoryStore()
	seedDocument(t, st, "doc-a", "")
	seedDocument(t, st, "doc-b", "")
	reg := newTestRegistry(t, st, testConfig())

	a1 := connectPeer(t, reg, "doc-a", "alice", testConfig())
	defer a1.close()
	a1.sync()
	a2 := connectPeer(t, reg, "doc-a", "bob", testConfig())
	defer a2.close()
	a2.sync()
	b1 := connectPeer(t, reg, "doc-b", "carol", testConfig())
	defer b1.close()
	b1.sync()

	require.Eventually(t, func() bool {
		st := reg.Stats()
		return st.Sessions == 2 && st.Clients == 3
	}, 2*time.Second, 10*time.Millisecond)
}
