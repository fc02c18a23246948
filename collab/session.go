package collab

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"driftpad/crdt"
	"driftpad/protocol"
	"driftpad/store"
)

const (
	loadTimeout        = 10 * time.Second
	persistTimeout     = 15 * time.Second
	editorCountTimeout = 5 * time.Second
)

// ErrSessionClosed is returned when work is handed to a session that has
// already torn down. Callers re-resolve through the registry.
var ErrSessionClosed = errors.New("collab: session closed")

// ExternalEdit is a document write arriving over HTTP rather than a
// websocket. Nil fields are untouched. Text goes through the replica so
// live clients see it as a regular update.
type ExternalEdit struct {
	Title      *string
	Text       *string
	HTML       *string
	RenderMode *string
}

func (e ExternalEdit) isEmpty() bool {
	return e.Title == nil && e.Text == nil && e.HTML == nil && e.RenderMode == nil
}

// persistWaiter is an external writer blocked until the flush covering
// its mutation completes.
type persistWaiter struct {
	seq uint64
	ch  chan error
}

// presenceEntry is the cached awareness record for one user.
type presenceEntry struct {
	record    *protocol.Awareness
	owner     *Client
	updatedAt time.Time
}

// Session is the single live authority for one document. All replica
// access runs on one goroutine, the lane, fed through a work queue.
// Store calls never run on the lane: loads and flushes happen on helper
// goroutines and re-enter the lane with their result.
type Session struct {
	documentID string
	cfg        Config
	store      store.Store
	logger     *zap.Logger

	work chan func()
	done chan struct{}

	mu     sync.Mutex
	closed bool

	onExit func(*Session)

	clientCount atomic.Int64

	// Everything below is owned by the lane goroutine.
	doc          *crdt.Document
	clients      map[*Client]bool // value: synced, eligible for fan-out
	everAttached bool
	exiting      bool
	loadFailed   bool
	deleted      bool

	dirty        bool
	mutationSeq  uint64
	persisting   bool
	persistFails int
	lastDigest   [sha256.Size]byte
	hasDigest    bool

	titleOverride  *string
	htmlOverride   *string
	renderOverride *string

	persistTimer   *time.Timer
	persistWaiters []persistWaiter

	awareness      map[string]*presenceEntry
	awarenessTimer *time.Timer

	deleteAcks []chan struct{}
}

func newSession(documentID string, st store.Store, cfg Config, logger *zap.Logger, onExit func(*Session)) *Session {
	return &Session{
		documentID: documentID,
		cfg:        cfg.Normalize(),
		store:      st,
		logger:     logger.With(zap.String("document_id", documentID)),
		work:       make(chan func(), 256),
		done:       make(chan struct{}),
		onExit:     onExit,
		clients:    make(map[*Client]bool),
		awareness:  make(map[string]*presenceEntry),
	}
}

func (s *Session) start() {
	go s.run()
}

// DocumentID returns the document this session owns.
func (s *Session) DocumentID() string { return s.documentID }

// Done is closed once the session has flushed and left the registry.
func (s *Session) Done() <-chan struct{} { return s.done }

// ClientCount returns the number of attached clients.
func (s *Session) ClientCount() int { return int(s.clientCount.Load()) }

// enqueue hands fn to the lane. Returns false when the session has
// closed or its queue is saturated; callers treat both as "session
// unavailable" and go back through the registry.
func (s *Session) enqueue(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.work <- fn:
		return true
	default:
		return false
	}
}

// run is the lane. It loads the document before consuming any work, so
// no client frame can touch the replica until the load settled.
func (s *Session) run() {
	s.load()

	for {
		if s.canExit() {
			break
		}
		fn := <-s.work
		fn()
	}

	// Stop accepting work, then flush stragglers that won the race
	// against the closed flag. They observe exiting and reject.
	s.exiting = true
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	for {
		select {
		case fn := <-s.work:
			fn()
			continue
		default:
		}
		break
	}

	s.stopPersistTimer()
	s.stopAwarenessTimer()
	if s.onExit != nil {
		s.onExit(s)
	}
	close(s.done)
	s.logger.Debug("session closed")
}

// canExit reports whether the lane may tear down: every client gone and
// nothing left to flush.
func (s *Session) canExit() bool {
	if !s.everAttached {
		return false
	}
	if len(s.clients) > 0 || s.persisting {
		return false
	}
	if s.dirty && !s.deleted && !s.loadFailed {
		return false
	}
	return true
}

// load hydrates the replica from the store, retrying transient failures.
// Missing rows start an empty replica; rows carrying only a text
// projection are seeded from it. Both are marked dirty so the snapshot
// gets written back.
func (s *Session) load() {
	sid := crdt.NewSessionID()

	var row *store.Document
	var err error
	backoff := s.cfg.PersistRetryBackoff
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
		row, err = s.store.Get(ctx, s.documentID)
		cancel()
		if err == nil || errors.Is(err, store.ErrNotFound) || attempt >= s.cfg.PersistRetryMax {
			break
		}
		s.logger.Warn("document load failed, retrying",
			zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(backoff)
		backoff *= 2
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		s.doc = crdt.NewDocument(sid)
		s.dirty = true
	case err != nil:
		s.loadFailed = true
		s.logger.Error("document load failed", zap.Error(err))
	case len(row.CRDTSnapshot) > 0:
		doc, derr := crdt.DecodeState(row.CRDTSnapshot, sid)
		if derr != nil {
			s.loadFailed = true
			s.logger.Error("document snapshot unreadable", zap.Error(derr))
			return
		}
		s.doc = doc
	default:
		s.doc = crdt.NewDocument(sid)
		if row.Content != "" {
			if serr := s.doc.SeedText(row.Content); serr != nil {
				s.loadFailed = true
				s.logger.Error("document seed failed", zap.Error(serr))
				return
			}
		}
		s.dirty = true
	}
}

// attach binds the client to this session and queues the lane-side
// welcome. Returns false when the session is no longer accepting, in
// which case the registry retries with a fresh session.
func (s *Session) attach(c *Client) bool {
	c.session = s
	return s.enqueue(func() { s.laneAttach(c) })
}

func (s *Session) laneAttach(c *Client) {
	s.everAttached = true

	switch {
	case s.exiting:
		c.forceClose(websocket.CloseTryAgainLater, "document session restarting")
		return
	case s.loadFailed:
		c.forceClose(websocket.CloseInternalServerErr, "document failed to load")
		return
	case s.deleted:
		c.Send(protocol.Encode(protocol.KindDeleted, nil))
		c.CloseAfterQueued(websocket.CloseNormalClosure, "document deleted")
		return
	}

	s.clients[c] = false
	s.clientCount.Store(int64(len(s.clients)))

	vec, err := json.Marshal(s.doc.Vector())
	if err != nil {
		s.logger.Error("state vector marshal failed", zap.Error(err))
		vec = []byte("{}")
	}
	c.Send(protocol.Encode(protocol.KindSyncStep1, vec))
	c.armHandshakeTimer()

	if s.awarenessTimer == nil {
		s.armAwarenessSweep()
	}
	s.publishEditorCount(len(s.clients))
	s.logger.Debug("client attached",
		zap.String("client_id", c.ID()), zap.Int("clients", len(s.clients)))
}

// detach is called by a client whose transport died.
func (s *Session) detach(c *Client) {
	_ = s.enqueue(func() { s.laneDetach(c) })
}

func (s *Session) laneDetach(c *Client) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	s.clientCount.Store(int64(len(s.clients)))
	s.evictPresenceOwnedBy(c)
	s.publishEditorCount(len(s.clients))

	if len(s.clients) == 0 && s.dirty && !s.deleted {
		s.startPersist("last-detach")
	}
	s.logger.Debug("client detached",
		zap.String("client_id", c.ID()), zap.Int("clients", len(s.clients)))
}

// clientSyncStep1 answers a client's state vector with the diff that
// catches it up. Runs on the lane; the payload is copied because it
// aliases the read buffer.
func (s *Session) clientSyncStep1(c *Client, payload []byte) error {
	buf := append([]byte(nil), payload...)
	if !s.enqueue(func() { s.laneSyncStep1(c, buf) }) {
		return ErrSessionClosed
	}
	return nil
}

func (s *Session) laneSyncStep1(c *Client, payload []byte) {
	if s.exiting || s.loadFailed || s.deleted {
		return
	}
	if _, ok := s.clients[c]; !ok {
		return
	}

	remote := crdt.NewStateVector()
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &remote); err != nil {
			c.forceClose(protocol.CloseProtocolError, "malformed state vector")
			return
		}
	}

	diff, err := s.doc.DiffAgainstVector(remote)
	if err != nil {
		s.logger.Error("diff failed", zap.Error(err))
		c.forceClose(websocket.CloseInternalServerErr, "diff failed")
		return
	}
	c.Send(protocol.Encode(protocol.KindSyncStep2, diff))
	s.markSynced(c)
}

// clientUpdate applies update bytes from a client. Validation happens on
// the lane; a malformed payload costs the sender its connection there.
func (s *Session) clientUpdate(c *Client, payload []byte) error {
	buf := append([]byte(nil), payload...)
	if !s.enqueue(func() { s.laneApplyUpdate(c, buf) }) {
		return ErrSessionClosed
	}
	return nil
}

func (s *Session) laneApplyUpdate(origin *Client, update []byte) {
	if s.exiting || s.loadFailed || s.deleted {
		return
	}
	if _, ok := s.clients[origin]; !ok {
		return
	}

	res, err := s.doc.ApplyUpdate(update)
	if err != nil {
		s.logger.Warn("rejected update",
			zap.String("client_id", origin.ID()), zap.Error(err))
		origin.forceClose(protocol.CloseProtocolError, "malformed update")
		return
	}

	// A client pushing updates has state to stand on; include it in
	// fan-out even if it skipped the explicit sync request.
	s.markSynced(origin)

	if !res.Changed() {
		return
	}

	frame := protocol.Encode(protocol.KindUpdate, update)
	for peer, synced := range s.clients {
		if peer == origin || !synced {
			continue
		}
		peer.Send(frame)
	}

	s.mutationSeq++
	s.dirty = true
	if res.CommentsChanged || len(s.clients) == 1 {
		s.startPersist("immediate")
	} else {
		s.armPersistTimer(s.cfg.PersistDebounce)
	}
}

// markSynced flips the client into the fan-out set. Frames sent to it
// from now on are ordered after the SyncStep2 that caught it up. The
// cached presence table is replayed on the transition.
func (s *Session) markSynced(c *Client) {
	if synced, ok := s.clients[c]; !ok || synced {
		return
	}
	s.clients[c] = true

	for _, entry := range s.awareness {
		if entry.owner == c {
			continue
		}
		payload, err := protocol.EncodeAwareness(entry.record)
		if err != nil {
			continue
		}
		c.Send(protocol.Encode(protocol.KindAwarenessUpdate, payload))
	}
}

// clientAwareness relays a presence record and caches it for late
// joiners.
func (s *Session) clientAwareness(c *Client, payload []byte) error {
	buf := append([]byte(nil), payload...)
	if !s.enqueue(func() { s.laneAwareness(c, buf) }) {
		return ErrSessionClosed
	}
	return nil
}

func (s *Session) laneAwareness(c *Client, payload []byte) {
	if s.exiting || s.deleted {
		return
	}
	if _, ok := s.clients[c]; !ok {
		return
	}

	rec, err := protocol.DecodeAwareness(payload)
	if err != nil {
		c.forceClose(protocol.CloseProtocolError, "malformed awareness record")
		return
	}

	if rec.Left {
		if _, ok := s.awareness[rec.UserID]; !ok {
			return
		}
		delete(s.awareness, rec.UserID)
	} else {
		s.awareness[rec.UserID] = &presenceEntry{
			record:    rec,
			owner:     c,
			updatedAt: time.Now(),
		}
	}

	frame := protocol.Encode(protocol.KindAwarenessUpdate, payload)
	for peer, synced := range s.clients {
		if peer == c || !synced {
			continue
		}
		peer.Send(frame)
	}
}

// evictPresenceOwnedBy drops presence entries owned by a departed
// connection and tells the remaining clients the user left.
func (s *Session) evictPresenceOwnedBy(c *Client) {
	for uid, entry := range s.awareness {
		if entry.owner != c {
			continue
		}
		delete(s.awareness, uid)
		s.broadcastLeft(uid)
	}
}

func (s *Session) broadcastLeft(userID string) {
	payload, err := protocol.EncodeAwareness(&protocol.Awareness{UserID: userID, Left: true})
	if err != nil {
		return
	}
	frame := protocol.Encode(protocol.KindAwarenessUpdate, payload)
	for peer, synced := range s.clients {
		if synced {
			peer.Send(frame)
		}
	}
}

// armAwarenessSweep schedules the staleness sweep. Re-armed from the
// sweep itself while clients remain.
func (s *Session) armAwarenessSweep() {
	interval := s.cfg.AwarenessTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	s.awarenessTimer = time.AfterFunc(interval, func() {
		_ = s.enqueue(s.laneSweepPresence)
	})
}

func (s *Session) laneSweepPresence() {
	s.awarenessTimer = nil
	if s.exiting {
		return
	}

	cutoff := time.Now().Add(-s.cfg.AwarenessTTL)
	for uid, entry := range s.awareness {
		if entry.updatedAt.After(cutoff) {
			continue
		}
		delete(s.awareness, uid)
		s.broadcastLeft(uid)
	}

	if len(s.clients) > 0 {
		s.armAwarenessSweep()
	}
}

func (s *Session) stopAwarenessTimer() {
	if s.awarenessTimer != nil {
		s.awarenessTimer.Stop()
		s.awarenessTimer = nil
	}
}

// ApplyExternal routes an HTTP write through the live replica so
// attached clients, projections and the snapshot move together. It
// returns once the covering flush has completed, so a success means the
// write is durable.
func (s *Session) ApplyExternal(ctx context.Context, edit ExternalEdit) error {
	if edit.isEmpty() {
		return nil
	}
	reply := make(chan error, 1)
	if !s.enqueue(func() { s.laneExternal(edit, reply) }) {
		return ErrSessionClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrSessionClosed
		}
	}
}

func (s *Session) laneExternal(edit ExternalEdit, reply chan error) {
	if s.exiting || s.loadFailed {
		reply <- ErrSessionClosed
		return
	}
	if s.deleted {
		reply <- store.ErrNotFound
		return
	}
	if edit.RenderMode != nil {
		if !store.ValidRenderMode(*edit.RenderMode) {
			reply <- store.ErrInvalidRenderMode
			return
		}
		if *edit.RenderMode == store.RenderHTML && edit.HTML == nil {
			reply <- store.ErrHTMLRequired
			return
		}
	}

	changed := false
	if edit.Title != nil {
		s.titleOverride = edit.Title
		changed = true
	}
	if edit.HTML != nil {
		s.htmlOverride = edit.HTML
		changed = true
	}
	if edit.RenderMode != nil {
		s.renderOverride = edit.RenderMode
		changed = true
	}

	if edit.Text != nil {
		patch, err := s.doc.SetText(*edit.Text)
		if err != nil {
			reply <- err
			return
		}
		if !patch.IsEmpty() {
			update, uerr := crdt.EncodeUpdate(patch)
			if uerr != nil {
				reply <- uerr
				return
			}
			frame := protocol.Encode(protocol.KindUpdate, update)
			for peer, synced := range s.clients {
				if synced {
					peer.Send(frame)
				}
			}
			changed = true
		}
	}

	if !changed {
		reply <- nil
		return
	}

	s.mutationSeq++
	s.dirty = true
	s.persistWaiters = append(s.persistWaiters, persistWaiter{seq: s.mutationSeq, ch: reply})
	s.startPersist("external")
}

// SnapshotState encodes the live replica for a version save. Falls back
// to the caller's stored bytes when the session is gone.
func (s *Session) SnapshotState(ctx context.Context) ([]byte, error) {
	type stateReply struct {
		data []byte
		err  error
	}
	reply := make(chan stateReply, 1)
	ok := s.enqueue(func() {
		if s.exiting || s.loadFailed || s.doc == nil {
			reply <- stateReply{err: ErrSessionClosed}
			return
		}
		if s.deleted {
			reply <- stateReply{err: store.ErrNotFound}
			return
		}
		data, err := s.doc.EncodeState()
		reply <- stateReply{data: data, err: err}
	})
	if !ok {
		return nil, ErrSessionClosed
	}
	select {
	case r := <-reply:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		select {
		case r := <-reply:
			return r.data, r.err
		default:
			return nil, ErrSessionClosed
		}
	}
}

// NotifyDeleted marks the document gone. It returns only after the
// session has stopped writing the row, so the caller can safely delete
// it. Clients receive a terminal Deleted frame.
func (s *Session) NotifyDeleted(ctx context.Context) error {
	ack := make(chan struct{})
	if !s.enqueue(func() { s.laneDeleted(ack) }) {
		// Session already quiesced; nothing will touch the row.
		return nil
	}
	select {
	case <-ack:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) laneDeleted(ack chan struct{}) {
	if !s.deleted {
		s.deleted = true
		s.dirty = false
		s.stopPersistTimer()
		s.failPersistWaiters(store.ErrNotFound)

		frame := protocol.Encode(protocol.KindDeleted, nil)
		for c := range s.clients {
			c.Send(frame)
			c.CloseAfterQueued(websocket.CloseNormalClosure, "document deleted")
			delete(s.clients, c)
		}
		s.clientCount.Store(0)
		s.awareness = make(map[string]*presenceEntry)
	}

	if s.persisting {
		s.deleteAcks = append(s.deleteAcks, ack)
		return
	}
	close(ack)
}

// Shutdown tells every client the server is going away and flushes. The
// session exits once the flush lands; Drain waits on Done.
func (s *Session) Shutdown() {
	_ = s.enqueue(s.laneShutdown)
}

func (s *Session) laneShutdown() {
	if s.exiting || s.deleted {
		return
	}

	frame := protocol.Encode(protocol.KindGoingAway, nil)
	for c := range s.clients {
		c.Send(frame)
		c.CloseAfterQueued(websocket.CloseGoingAway, "server shutting down")
		delete(s.clients, c)
	}
	s.clientCount.Store(0)
	s.awareness = make(map[string]*presenceEntry)
	s.publishEditorCount(0)

	if s.dirty && !s.persisting {
		s.startPersist("shutdown")
	}
}

// startPersist snapshots the replica on the lane and hands the store
// write to a helper goroutine. Skipped when a write is already in
// flight; the completion handler starts the next round if needed.
func (s *Session) startPersist(reason string) {
	if s.persisting || s.deleted || s.loadFailed || s.exiting || s.doc == nil {
		return
	}

	state, err := s.doc.EncodeState()
	if err != nil {
		s.logger.Error("snapshot encode failed", zap.Error(err))
		s.notifyPersistWaiters(s.mutationSeq, err)
		return
	}

	up := store.SnapshotUpsert{
		Snapshot:   state,
		Text:       s.doc.Text(),
		Title:      s.titleOverride,
		HTML:       s.htmlOverride,
		RenderMode: s.renderOverride,
	}
	digest := sha256.Sum256(state)
	metaDirty := up.Title != nil || up.HTML != nil || up.RenderMode != nil

	if s.hasDigest && digest == s.lastDigest && !metaDirty {
		// Concurrent edits cancelled out; nothing new to write.
		s.dirty = false
		s.notifyPersistWaiters(s.mutationSeq, nil)
		return
	}

	s.persisting = true
	seq := s.mutationSeq
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		werr := s.store.UpsertSnapshot(ctx, s.documentID, up)
		cancel()
		_ = s.enqueue(func() { s.finishPersist(seq, digest, up, werr, reason) })
	}()
}

func (s *Session) finishPersist(seq uint64, digest [sha256.Size]byte, up store.SnapshotUpsert, err error, reason string) {
	s.persisting = false

	if err != nil {
		s.persistFails++
		s.notifyPersistWaiters(seq, err)

		if s.deleted {
			s.ackDeleteWaiters()
			return
		}
		if len(s.clients) == 0 && s.persistFails >= s.cfg.PersistRetryMax {
			// Nobody is editing and the store keeps refusing; holding
			// the session open forever would leak it.
			s.logger.Error("dropping unflushed changes",
				zap.Int("attempts", s.persistFails), zap.Error(err))
			s.dirty = false
			return
		}

		backoff := s.cfg.PersistRetryBackoff * time.Duration(1<<uint(min(s.persistFails-1, 6)))
		s.logger.Warn("persist failed, retrying",
			zap.String("reason", reason),
			zap.Int("attempt", s.persistFails),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		s.dirty = true
		s.armPersistTimer(backoff)
		return
	}

	s.persistFails = 0
	s.lastDigest = digest
	s.hasDigest = true
	if s.titleOverride == up.Title {
		s.titleOverride = nil
	}
	if s.htmlOverride == up.HTML {
		s.htmlOverride = nil
	}
	if s.renderOverride == up.RenderMode {
		s.renderOverride = nil
	}
	s.notifyPersistWaiters(seq, nil)
	if s.cfg.OnPersist != nil {
		go s.cfg.OnPersist(s.documentID)
	}
	s.logger.Debug("snapshot persisted",
		zap.String("reason", reason), zap.Int("bytes", len(up.Snapshot)))

	if s.deleted {
		s.ackDeleteWaiters()
		return
	}

	pendingMeta := s.titleOverride != nil || s.htmlOverride != nil || s.renderOverride != nil
	if s.mutationSeq != seq || pendingMeta {
		// More changes landed while the write was in flight.
		if len(s.persistWaiters) > 0 || len(s.clients) == 0 {
			s.startPersist("flush")
		} else {
			s.armPersistTimer(s.cfg.PersistDebounce)
		}
		return
	}
	s.dirty = false
}

func (s *Session) armPersistTimer(d time.Duration) {
	if s.persistTimer != nil {
		s.persistTimer.Stop()
	}
	s.persistTimer = time.AfterFunc(d, func() {
		_ = s.enqueue(s.lanePersistTick)
	})
}

func (s *Session) lanePersistTick() {
	if s.dirty && !s.persisting && !s.deleted && !s.exiting {
		s.startPersist("debounce")
	}
}

func (s *Session) stopPersistTimer() {
	if s.persistTimer != nil {
		s.persistTimer.Stop()
		s.persistTimer = nil
	}
}

// notifyPersistWaiters settles every waiter whose mutation is covered by
// the finished write, success or failure.
func (s *Session) notifyPersistWaiters(upTo uint64, err error) {
	remaining := s.persistWaiters[:0]
	for _, w := range s.persistWaiters {
		if w.seq <= upTo {
			w.ch <- err
			continue
		}
		remaining = append(remaining, w)
	}
	s.persistWaiters = remaining
}

func (s *Session) failPersistWaiters(err error) {
	for _, w := range s.persistWaiters {
		w.ch <- err
	}
	s.persistWaiters = nil
}

func (s *Session) ackDeleteWaiters() {
	for _, ack := range s.deleteAcks {
		close(ack)
	}
	s.deleteAcks = nil
}

// publishEditorCount mirrors the attach count into the store row. Best
// effort; a missing row just means the first flush has not landed yet.
func (s *Session) publishEditorCount(n int) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), editorCountTimeout)
		defer cancel()
		if err := s.store.SetActiveEditors(ctx, s.documentID, n); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.Debug("editor count update failed", zap.Error(err))
		}
	}()
}
