package httpapi

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driftpad/crdt"
	"driftpad/protocol"
	"driftpad/store"
)

func TestCreateThenRead(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do("POST", "/api/notes/share", map[string]any{
		"title":   "T",
		"content": "# T\n\nbody",
	})
	require.Equal(t, 201, rec.Code, rec.Body.String())

	var created shareResponse
	h.decode(rec, &created)
	require.NotEmpty(t, created.ShareID)
	assert.Equal(t, "T", created.Title)
	assert.Equal(t, "http://pad.test/edit/"+created.ShareID, created.EditURL)
	assert.Equal(t, "http://pad.test/view/"+created.ShareID, created.ViewURL)
	assert.Equal(t, "http://pad.test/collab/"+created.ShareID, created.CollaborativeURL)

	rec = h.do("GET", "/api/notes/"+created.ShareID, nil)
	require.Equal(t, 200, rec.Code)

	var note noteResponse
	h.decode(rec, &note)
	assert.Equal(t, created.ShareID, note.ID)
	assert.Equal(t, "T", note.Title)
	assert.Equal(t, "# T\n\nbody", note.Content)
	assert.Equal(t, store.RenderMarkdown, note.RenderMode)
	assert.Nil(t, note.HTMLContent)
	assert.Equal(t, "edit", note.Permissions)
	assert.False(t, note.CreatedAt.IsZero())
}

func TestCreateSanitizesHTML(t *testing.T) {
	h := newAPIHarness(t)

	id := h.create(map[string]any{
		"title":       "X",
		"content":     "# X",
		"htmlContent": `<h1>X</h1><script>alert(1)</script><p onclick="evil()">ok</p>`,
	})

	rec := h.do("GET", "/api/notes/"+id, nil)
	require.Equal(t, 200, rec.Code)

	var note noteResponse
	h.decode(rec, &note)
	require.NotNil(t, note.HTMLContent)
	assert.Contains(t, *note.HTMLContent, "<h1>X</h1>")
	assert.Contains(t, *note.HTMLContent, "<p>ok</p>")
	assert.NotContains(t, *note.HTMLContent, "<script>")
	assert.NotContains(t, *note.HTMLContent, "onclick")
	assert.Equal(t, store.RenderHTML, note.RenderMode)
}

func TestCreateDefaultsTitle(t *testing.T) {
	h := newAPIHarness(t)

	id := h.create(map[string]any{"content": "body"})

	rec := h.do("GET", "/api/notes/"+id, nil)
	require.Equal(t, 200, rec.Code)
	var note noteResponse
	h.decode(rec, &note)
	assert.Equal(t, store.DefaultTitle, note.Title)
}

func TestCreateValidation(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do("POST", "/api/notes/share", map[string]any{"title": "no body"})
	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, "content is required", h.errMessage(rec))

	rec = h.do("POST", "/api/notes/share", map[string]any{
		"content": "x",
		"shareId": "bad id!",
	})
	assert.Equal(t, 400, rec.Code)

	rec = h.do("POST", "/api/notes/share", `{"content":`)
	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, "malformed json body", h.errMessage(rec))
}

func TestCreateConflictOnShareID(t *testing.T) {
	h := newAPIHarness(t)

	h.create(map[string]any{"content": "first", "shareId": "taken"})

	rec := h.do("POST", "/api/notes/share", map[string]any{
		"content": "second",
		"shareId": "taken",
	})
	assert.Equal(t, 409, rec.Code)
	assert.Equal(t, "share id already exists", h.errMessage(rec))
}

func TestGetMissingNote(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do("GET", "/api/notes/nope", nil)
	assert.Equal(t, 404, rec.Code)
	assert.Equal(t, "note not found", h.errMessage(rec))
}

func TestGetCountsViews(t *testing.T) {
	h := newAPIHarness(t)
	id := h.create(map[string]any{"content": "body"})

	for want := int64(1); want <= 3; want++ {
		rec := h.do("GET", "/api/notes/"+id, nil)
		require.Equal(t, 200, rec.Code)
		var note noteResponse
		h.decode(rec, &note)
		assert.Equal(t, want, note.Views)
	}
}

func TestListNotes(t *testing.T) {
	h := newAPIHarness(t)

	for i := 0; i < 3; i++ {
		h.create(map[string]any{
			"content": "body",
			"shareId": fmt.Sprintf("note-%d", i),
		})
	}

	rec := h.do("GET", "/api/notes?limit=2", nil)
	require.Equal(t, 200, rec.Code)

	var rows []store.Summary
	h.decode(rec, &rows)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.NotEmpty(t, row.ID)
		assert.Equal(t, store.DefaultTitle, row.Title)
	}

	rec = h.do("GET", "/api/notes?limit=2&offset=2", nil)
	require.Equal(t, 200, rec.Code)
	rows = nil
	h.decode(rec, &rows)
	assert.Len(t, rows, 1)
}

func TestUpdateRewritesSnapshot(t *testing.T) {
	h := newAPIHarness(t)
	id := h.create(map[string]any{"content": "original"})

	rec := h.do("PUT", "/api/notes/"+id, map[string]any{"content": "rewritten"})
	require.Equal(t, 200, rec.Code, rec.Body.String())

	var ok successResponse
	h.decode(rec, &ok)
	assert.True(t, ok.Success)

	ctx := context.Background()
	row, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "rewritten", row.Content)

	// The snapshot must agree with the text projection, otherwise the
	// next session load would resurrect the old text.
	require.NotEmpty(t, row.CRDTSnapshot)
	doc, err := crdt.DecodeState(row.CRDTSnapshot, crdt.NewSessionID())
	require.NoError(t, err)
	assert.Equal(t, "rewritten", doc.Text())
}

func TestUpdateValidation(t *testing.T) {
	h := newAPIHarness(t)
	id := h.create(map[string]any{"content": "x"})

	rec := h.do("PUT", "/api/notes/"+id, map[string]any{})
	assert.Equal(t, 400, rec.Code)

	rec = h.do("PUT", "/api/notes/missing", map[string]any{"content": "x"})
	assert.Equal(t, 404, rec.Code)
}

func TestUpdateInvalidatesReadCache(t *testing.T) {
	h := newAPIHarness(t)
	id := h.create(map[string]any{"content": "before"})

	rec := h.do("GET", "/api/notes/"+id, nil)
	require.Equal(t, 200, rec.Code)

	rec = h.do("PUT", "/api/notes/"+id, map[string]any{"content": "after"})
	require.Equal(t, 200, rec.Code)

	rec = h.do("GET", "/api/notes/"+id, nil)
	require.Equal(t, 200, rec.Code)
	var note noteResponse
	h.decode(rec, &note)
	assert.Equal(t, "after", note.Content)
}

func TestPatchTitleLeavesContent(t *testing.T) {
	h := newAPIHarness(t)
	id := h.create(map[string]any{"title": "old", "content": "body"})

	rec := h.do("PATCH", "/api/notes/"+id, map[string]any{"title": "new"})
	require.Equal(t, 200, rec.Code, rec.Body.String())

	rec = h.do("GET", "/api/notes/"+id, nil)
	require.Equal(t, 200, rec.Code)
	var note noteResponse
	h.decode(rec, &note)
	assert.Equal(t, "new", note.Title)
	assert.Equal(t, "body", note.Content)
}

func TestPatchHTMLSwitchesRenderMode(t *testing.T) {
	h := newAPIHarness(t)
	id := h.create(map[string]any{"content": "body"})

	rec := h.do("PATCH", "/api/notes/"+id, map[string]any{
		"htmlContent": `<p>fresh</p><script>boom()</script>`,
	})
	require.Equal(t, 200, rec.Code, rec.Body.String())

	rec = h.do("GET", "/api/notes/"+id, nil)
	require.Equal(t, 200, rec.Code)
	var note noteResponse
	h.decode(rec, &note)
	assert.Equal(t, store.RenderHTML, note.RenderMode)
	require.NotNil(t, note.HTMLContent)
	assert.Contains(t, *note.HTMLContent, "<p>fresh</p>")
	assert.NotContains(t, *note.HTMLContent, "script")
}

func TestPatchValidation(t *testing.T) {
	h := newAPIHarness(t)
	id := h.create(map[string]any{"content": "x"})

	rec := h.do("PATCH", "/api/notes/"+id, map[string]any{})
	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, "empty patch", h.errMessage(rec))

	rec = h.do("PATCH", "/api/notes/missing", map[string]any{"title": "t"})
	assert.Equal(t, 404, rec.Code)
}

func TestUpdateRoutesThroughLiveSession(t *testing.T) {
	h := newAPIHarness(t)
	id := h.create(map[string]any{"content": "hello"})

	conn := h.attachStub(id)
	require.NotNil(t, h.reg.Lookup(id))

	rec := h.do("PUT", "/api/notes/"+id, map[string]any{"content": "hello world"})
	require.Equal(t, 200, rec.Code, rec.Body.String())

	// ApplyExternal returns after the flush, so the row is already
	// durable and carries the session's snapshot.
	row, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "hello world", row.Content)

	// The attached client saw the edit as a normal update frame.
	require.Eventually(t, func() bool {
		for _, k := range conn.frameKinds() {
			if k == byte(protocol.KindUpdate) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDeleteWhileConnected(t *testing.T) {
	h := newAPIHarness(t)
	id := h.create(map[string]any{"content": "foo"})

	conn := h.attachStub(id)

	rec := h.do("DELETE", "/api/notes/"+id, nil)
	require.Equal(t, 200, rec.Code, rec.Body.String())
	var ok successResponse
	h.decode(rec, &ok)
	assert.True(t, ok.Success)

	// The client was told before the row vanished.
	require.Eventually(t, func() bool {
		for _, k := range conn.frameKinds() {
			if k == byte(protocol.KindDeleted) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return conn.sentCloseCode() == 1000
	}, 2*time.Second, 10*time.Millisecond)

	rec = h.do("GET", "/api/notes/"+id, nil)
	assert.Equal(t, 404, rec.Code)

	// The delete sticks: no straggler flush resurrects the row.
	time.Sleep(100 * time.Millisecond)
	_, err := h.store.Get(context.Background(), id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteMissingNote(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do("DELETE", "/api/notes/nope", nil)
	assert.Equal(t, 404, rec.Code)
}
