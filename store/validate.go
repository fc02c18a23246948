package store

import "time"

const maxPageSize = 200

// prepareCreate fills defaults and checks the render mode invariant before
// a document row is inserted.
func prepareCreate(doc *Document, now time.Time) error {
	if doc.ID == "" {
		return ErrMissingID
	}
	if doc.Title == "" {
		doc.Title = DefaultTitle
	}
	if doc.RenderMode == "" {
		doc.RenderMode = RenderMarkdown
	}
	if !ValidRenderMode(doc.RenderMode) {
		return ErrInvalidRenderMode
	}
	if doc.RenderMode == RenderHTML && doc.HTMLContent == "" {
		return ErrHTMLRequired
	}
	doc.PublishedAt = now
	doc.UpdatedAt = now
	return nil
}

// validate checks the render mode invariant for a snapshot write. A write
// that selects the html mode must carry the html projection itself.
func (up SnapshotUpsert) validate() error {
	if up.RenderMode == nil {
		return nil
	}
	if !ValidRenderMode(*up.RenderMode) {
		return ErrInvalidRenderMode
	}
	if *up.RenderMode == RenderHTML && up.HTML == nil {
		return ErrHTMLRequired
	}
	return nil
}

// validateAgainst checks a patch against the stored row. Switching to the
// html mode is allowed when the patch carries html or the row already has
// it.
func (p DocumentPatch) validateAgainst(existing *Document) error {
	if p.RenderMode == nil {
		return nil
	}
	if !ValidRenderMode(*p.RenderMode) {
		return ErrInvalidRenderMode
	}
	if *p.RenderMode == RenderHTML && p.HTML == nil && existing.HTMLContent == "" {
		return ErrHTMLRequired
	}
	return nil
}

// normalizePage clamps paging arguments.
func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
