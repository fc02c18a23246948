// Package store is the durable home of documents and version snapshots.
// It exposes one interface with two implementations: a Postgres store for
// real deployments and an in-memory store for tests and dsn-less runs.
package store

import (
	"context"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a document or version does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrAlreadyExists is returned when a create collides on the id.
	ErrAlreadyExists = errors.New("document already exists")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("store is closed")

	// ErrMissingID is returned when a write carries no document id.
	ErrMissingID = errors.New("missing document id")

	// ErrInvalidRenderMode is returned for render modes outside the enum.
	ErrInvalidRenderMode = errors.New("render mode must be markdown or html")

	// ErrHTMLRequired is returned when a write switches a document to the
	// html render mode without supplying html content in the same write.
	ErrHTMLRequired = errors.New("html render mode requires html content")

	// ErrVersionConflict is returned when version allocation keeps losing
	// the uniqueness race after retries.
	ErrVersionConflict = errors.New("version number conflict")
)

// Render modes.
const (
	RenderMarkdown = "markdown"
	RenderHTML     = "html"
)

// DefaultTitle is assigned when a document is created without one.
const DefaultTitle = "Untitled Document"

// SnapshotUpsert carries the fields of a snapshot write. Snapshot and Text
// always land together; the pointer fields only change when set.
type SnapshotUpsert struct {
	Snapshot   []byte
	Text       string
	HTML       *string
	Title      *string
	RenderMode *string
}

// DocumentPatch is a partial update. Nil fields are left untouched.
type DocumentPatch struct {
	Title      *string
	Text       *string
	HTML       *string
	RenderMode *string
}

// IsEmpty reports whether the patch changes nothing.
func (p DocumentPatch) IsEmpty() bool {
	return p.Title == nil && p.Text == nil && p.HTML == nil && p.RenderMode == nil
}

// VersionMeta is the optional bookkeeping attached to a saved version.
type VersionMeta struct {
	Author  string
	Message string
}

// Store is the durable document contract. All operations are transactional
// and safe for concurrent use.
type Store interface {
	// Create inserts a new document row. Returns ErrAlreadyExists when the
	// id is taken.
	Create(ctx context.Context, doc *Document) error

	// Get returns the full row or ErrNotFound.
	Get(ctx context.Context, id string) (*Document, error)

	// List returns a page of summaries ordered by updated_at descending.
	List(ctx context.Context, limit, offset int) ([]*Summary, error)

	// UpsertSnapshot writes the snapshot and text projection atomically and
	// bumps updated_at. A missing document is created with the supplied
	// fields and defaults.
	UpsertSnapshot(ctx context.Context, id string, up SnapshotUpsert) error

	// Patch applies a partial update and returns the updated row.
	Patch(ctx context.Context, id string, patch DocumentPatch) (*Document, error)

	// Delete removes the document and cascades to its versions.
	Delete(ctx context.Context, id string) error

	// AppendVersion allocates the next version number for the document and
	// stores the snapshot under it. Numbers are strictly increasing and
	// gap-free per document.
	AppendVersion(ctx context.Context, id string, snapshot []byte, meta VersionMeta) (*Version, error)

	// ListVersions returns version metadata newest first. Snapshot bytes
	// are omitted.
	ListVersions(ctx context.Context, id string, limit, offset int) ([]*Version, error)

	// GetVersion returns one stored version including its snapshot bytes.
	GetVersion(ctx context.Context, id string, version int) (*Version, error)

	// IncrementViews bumps the view counter and returns the new value.
	// The write does not touch updated_at.
	IncrementViews(ctx context.Context, id string) (int64, error)

	// SetActiveEditors records the live editor count for a document.
	SetActiveEditors(ctx context.Context, id string, n int) error

	// Ping verifies the backing connection.
	Ping(ctx context.Context) error

	// Close releases the backing connection.
	Close() error
}

// ValidRenderMode reports whether mode is inside the enum.
func ValidRenderMode(mode string) bool {
	return mode == RenderMarkdown || mode == RenderHTML
}
