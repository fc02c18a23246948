package httpapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driftpad/store"
)

func TestVersionLifecycle(t *testing.T) {
	h := newAPIHarness(t)
	id := h.create(map[string]any{"content": "v1 text"})

	rec := h.do("POST", "/api/notes/"+id+"/versions", map[string]any{
		"author":  "amy",
		"message": "first cut",
	})
	require.Equal(t, 201, rec.Code, rec.Body.String())
	var created map[string]int
	h.decode(rec, &created)
	assert.Equal(t, 1, created["version"])

	rec = h.do("PUT", "/api/notes/"+id, map[string]any{"content": "v2 text"})
	require.Equal(t, 200, rec.Code)

	rec = h.do("POST", "/api/notes/"+id+"/versions", nil)
	require.Equal(t, 201, rec.Code)
	h.decode(rec, &created)
	assert.Equal(t, 2, created["version"])

	rec = h.do("GET", "/api/notes/"+id+"/versions", nil)
	require.Equal(t, 200, rec.Code)
	var list []store.Version
	h.decode(rec, &list)
	require.Len(t, list, 2)
	assert.Equal(t, 2, list[0].Version, "newest first")
	assert.Equal(t, 1, list[1].Version)
	assert.Equal(t, "amy", list[1].CreatedBy)
	assert.Equal(t, "first cut", list[1].Message)

	rec = h.do("GET", "/api/notes/"+id+"/versions/1", nil)
	require.Equal(t, 200, rec.Code)
	var detail versionDetail
	h.decode(rec, &detail)
	assert.Equal(t, 1, detail.Version)
	assert.Equal(t, "v1 text", detail.Content)
	assert.Equal(t, "amy", detail.CreatedBy)

	rec = h.do("GET", "/api/notes/"+id+"/versions/2", nil)
	require.Equal(t, 200, rec.Code)
	h.decode(rec, &detail)
	assert.Equal(t, "v2 text", detail.Content)
}

func TestVersionOfLiveSession(t *testing.T) {
	h := newAPIHarness(t)
	id := h.create(map[string]any{"content": "live body"})

	h.attachStub(id)
	require.NotNil(t, h.reg.Lookup(id))

	rec := h.do("POST", "/api/notes/"+id+"/versions", nil)
	require.Equal(t, 201, rec.Code, rec.Body.String())

	rec = h.do("GET", "/api/notes/"+id+"/versions/1", nil)
	require.Equal(t, 200, rec.Code)
	var detail versionDetail
	h.decode(rec, &detail)
	assert.Equal(t, "live body", detail.Content)
}

func TestVersionMissingDocument(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do("POST", "/api/notes/none/versions", nil)
	assert.Equal(t, 404, rec.Code)

	rec = h.do("GET", "/api/notes/none/versions", nil)
	assert.Equal(t, 404, rec.Code)
}

func TestVersionNumberValidation(t *testing.T) {
	h := newAPIHarness(t)
	id := h.create(map[string]any{"content": "x"})

	rec := h.do("GET", "/api/notes/"+id+"/versions/abc", nil)
	assert.Equal(t, 400, rec.Code)

	rec = h.do("GET", "/api/notes/"+id+"/versions/0", nil)
	assert.Equal(t, 400, rec.Code)

	rec = h.do("GET", "/api/notes/"+id+"/versions/99", nil)
	assert.Equal(t, 404, rec.Code)
}
