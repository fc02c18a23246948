package httpapi

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthAllUp(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do("GET", "/api/health", nil)
	require.Equal(t, 200, rec.Code, rec.Body.String())

	var resp healthResponse
	h.decode(rec, &resp)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "driftpad", resp.Service)
	assert.Equal(t, "up", resp.Services["database"])
	assert.Equal(t, "up", resp.Services["cache"])
	assert.Equal(t, "up", resp.Services["realtime"])
}

func TestHealthReportsDatabaseDown(t *testing.T) {
	h := newAPIHarness(t)
	require.NoError(t, h.store.Close())

	rec := h.do("GET", "/api/health", nil)
	require.Equal(t, 503, rec.Code)

	var resp healthResponse
	h.decode(rec, &resp)
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "down", resp.Services["database"])
}

func TestBodyLimit(t *testing.T) {
	h := newAPIHarness(t, func(cfg *Config) {
		cfg.BodyLimitBytes = 64
	})

	big := `{"content":"` + strings.Repeat("x", 256) + `"}`
	rec := h.do("POST", "/api/notes/share", big)
	assert.Equal(t, 413, rec.Code)
}

func TestRateLimit(t *testing.T) {
	h := newAPIHarness(t, func(cfg *Config) {
		cfg.RateLimitRPM = 60
	})

	rec := h.do("GET", "/api/health", nil)
	require.Equal(t, 200, rec.Code)

	rec = h.do("GET", "/api/health", nil)
	assert.Equal(t, 429, rec.Code)
}

func TestErrorEnvelopeShape(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do("GET", "/api/notes/absent", nil)
	require.Equal(t, 404, rec.Code)
	var envelope map[string]string
	h.decode(rec, &envelope)
	assert.Equal(t, "note not found", envelope["error"])

	rec = h.do("POST", "/api/notes/share", "not json at all")
	require.Equal(t, 400, rec.Code)
	envelope = nil
	h.decode(rec, &envelope)
	assert.NotEmpty(t, envelope["error"])
}

func TestSecurityHeaders(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do("GET", "/api/health", nil)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}
