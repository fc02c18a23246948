package collab

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"driftpad/store"
)

// ErrDraining is returned for attaches arriving after shutdown began.
var ErrDraining = errors.New("collab: registry draining")

// Registry keeps at most one live session per document id. A session
// removes itself as its final act, so a looked-up session is either
// usable or about to disappear; callers that hit ErrSessionClosed come
// back here and get a fresh one.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	draining bool

	store  store.Store
	cfg    Config
	logger *zap.Logger
}

// NewRegistry builds a registry over the given store.
func NewRegistry(st store.Store, cfg Config, logger *zap.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		store:    st,
		cfg:      cfg.Normalize(),
		logger:   logger,
	}
}

// Attach binds the client to the document's session, creating one if
// needed. When the resident session is mid-teardown, Attach waits for it
// to finish flushing and retries with a fresh one.
func (r *Registry) Attach(ctx context.Context, documentID string, c *Client) (*Session, error) {
	for {
		r.mu.Lock()
		if r.draining {
			r.mu.Unlock()
			return nil, ErrDraining
		}
		s, ok := r.sessions[documentID]
		if !ok {
			s = newSession(documentID, r.store, r.cfg, r.logger, r.release)
			r.sessions[documentID] = s
			s.start()
		}
		r.mu.Unlock()

		if s.attach(c) {
			return s, nil
		}

		select {
		case <-s.Done():
		case <-time.After(50 * time.Millisecond):
			// Queue saturated on a live session; retry shortly.
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Lookup returns the live session for a document, or nil. The session
// may be tearing down; callers fall back to the store on
// ErrSessionClosed.
func (r *Registry) Lookup(documentID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[documentID]
}

// NotifyDeleted tells the document's session, if any, that the row is
// about to go away. It returns once the session has quiesced its writes,
// making it safe to delete the row.
func (r *Registry) NotifyDeleted(ctx context.Context, documentID string) error {
	s := r.Lookup(documentID)
	if s == nil {
		return nil
	}
	return s.NotifyDeleted(ctx)
}

// Drain stops accepting attaches, tells every session to say goodbye and
// waits for their flushes, bounded by ctx.
func (r *Registry) Drain(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()

	for _, s := range list {
		s.Shutdown()
	}
	for _, s := range list {
		select {
		case <-s.Done():
		case <-ctx.Done():
			r.logger.Warn("drain deadline exceeded",
				zap.String("document_id", s.DocumentID()))
			return errors.Wrap(ctx.Err(), "collab: drain incomplete")
		}
	}
	return nil
}

// release is each session's exit hook. Guarded by identity so a newer
// session under the same id is never evicted by its predecessor.
func (r *Registry) release(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.DocumentID()] == s {
		delete(r.sessions, s.DocumentID())
	}
}

// Stats is a point-in-time census of the live layer.
type Stats struct {
	Sessions int
	Clients  int
}

// Stats counts live sessions and attached clients.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Stats{Sessions: len(r.sessions)}
	for _, s := range r.sessions {
		st.Clients += s.ClientCount()
	}
	return st
}
