package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store on process memory. It backs tests and runs
// without a configured dsn; nothing survives a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	docs     map[string]*Document
	versions map[string][]*Version
	closed   bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     make(map[string]*Document),
		versions: make(map[string][]*Version),
	}
}

// Create inserts a new document.
func (s *MemoryStore) Create(ctx context.Context, doc *Document) error {
	if err := prepareCreate(doc, time.Now().UTC()); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.docs[doc.ID]; ok {
		return ErrAlreadyExists
	}
	s.docs[doc.ID] = doc.Clone()
	return nil
}

// Get returns a copy of the row or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	doc, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

// List returns summaries ordered by updated_at descending.
func (s *MemoryStore) List(ctx context.Context, limit, offset int) ([]*Summary, error) {
	limit, offset = normalizePage(limit, offset)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	all := make([]*Document, 0, len(s.docs))
	for _, doc := range s.docs {
		all = append(all, doc)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].UpdatedAt.Equal(all[j].UpdatedAt) {
			return all[i].UpdatedAt.After(all[j].UpdatedAt)
		}
		return all[i].ID < all[j].ID
	})

	if offset >= len(all) {
		return []*Summary{}, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}

	out := make([]*Summary, len(all))
	for i, doc := range all {
		out[i] = &Summary{
			ID:            doc.ID,
			Title:         doc.Title,
			RenderMode:    doc.RenderMode,
			Views:         doc.Views,
			ActiveEditors: doc.ActiveEditors,
			PublishedAt:   doc.PublishedAt,
			UpdatedAt:     doc.UpdatedAt,
		}
	}
	return out, nil
}

// UpsertSnapshot writes snapshot and projections, creating the row when
// missing.
func (s *MemoryStore) UpsertSnapshot(ctx context.Context, id string, up SnapshotUpsert) error {
	if id == "" {
		return ErrMissingID
	}
	if err := up.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	now := time.Now().UTC()
	doc, ok := s.docs[id]
	if !ok {
		doc = &Document{
			ID:          id,
			Title:       DefaultTitle,
			RenderMode:  RenderMarkdown,
			PublishedAt: now,
		}
		s.docs[id] = doc
	}

	doc.Content = up.Text
	doc.CRDTSnapshot = append([]byte(nil), up.Snapshot...)
	doc.UpdatedAt = now
	if up.Title != nil {
		doc.Title = *up.Title
	}
	if up.HTML != nil {
		doc.HTMLContent = *up.HTML
	}
	if up.RenderMode != nil {
		doc.RenderMode = *up.RenderMode
	}
	return nil
}

// Patch applies a partial update and returns the updated row.
func (s *MemoryStore) Patch(ctx context.Context, id string, patch DocumentPatch) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	doc, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := patch.validateAgainst(doc); err != nil {
		return nil, err
	}
	if patch.IsEmpty() {
		return doc.Clone(), nil
	}

	if patch.Title != nil {
		doc.Title = *patch.Title
	}
	if patch.Text != nil {
		doc.Content = *patch.Text
	}
	if patch.HTML != nil {
		doc.HTMLContent = *patch.HTML
	}
	if patch.RenderMode != nil {
		doc.RenderMode = *patch.RenderMode
	}
	doc.UpdatedAt = time.Now().UTC()
	return doc.Clone(), nil
}

// Delete removes the document and its versions.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.docs[id]; !ok {
		return ErrNotFound
	}
	delete(s.docs, id)
	delete(s.versions, id)
	return nil
}

// AppendVersion allocates max+1 under the store lock.
func (s *MemoryStore) AppendVersion(ctx context.Context, id string, snapshot []byte, meta VersionMeta) (*Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if _, ok := s.docs[id]; !ok {
		return nil, ErrNotFound
	}

	next := 1
	if existing := s.versions[id]; len(existing) > 0 {
		next = existing[len(existing)-1].Version + 1
	}

	v := &Version{
		ID:         int64(next),
		DocumentID: id,
		Version:    next,
		Snapshot:   append([]byte(nil), snapshot...),
		CreatedAt:  time.Now().UTC(),
		CreatedBy:  meta.Author,
		Message:    meta.Message,
	}
	s.versions[id] = append(s.versions[id], v)

	out := *v
	return &out, nil
}

// ListVersions returns version metadata newest first, without snapshots.
func (s *MemoryStore) ListVersions(ctx context.Context, id string, limit, offset int) ([]*Version, error) {
	limit, offset = normalizePage(limit, offset)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if _, ok := s.docs[id]; !ok {
		return nil, ErrNotFound
	}

	stored := s.versions[id]
	out := make([]*Version, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		v := *stored[i]
		v.Snapshot = nil
		out = append(out, &v)
	}

	if offset >= len(out) {
		return []*Version{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetVersion returns one version with its snapshot bytes.
func (s *MemoryStore) GetVersion(ctx context.Context, id string, version int) (*Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	for _, v := range s.versions[id] {
		if v.Version == version {
			out := *v
			out.Snapshot = append([]byte(nil), v.Snapshot...)
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

// IncrementViews bumps the counter without touching updated_at.
func (s *MemoryStore) IncrementViews(ctx context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	doc, ok := s.docs[id]
	if !ok {
		return 0, ErrNotFound
	}
	doc.Views++
	return doc.Views, nil
}

// SetActiveEditors records the live editor count.
func (s *MemoryStore) SetActiveEditors(ctx context.Context, id string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	doc, ok := s.docs[id]
	if !ok {
		return ErrNotFound
	}
	doc.ActiveEditors = n
	return nil
}

// Ping always succeeds while the store is open.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
