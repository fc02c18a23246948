package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"driftpad/collab"
	"driftpad/crdt"
	"driftpad/store"
)

const (
	maxTitleLen   = 512
	maxShareIDLen = 128
)

type shareRequest struct {
	Title       string  `json:"title"`
	Content     *string `json:"content"`
	HTMLContent string  `json:"htmlContent"`
	ShareID     string  `json:"shareId"`
}

type shareResponse struct {
	ShareID          string `json:"shareId"`
	Title            string `json:"title"`
	EditURL          string `json:"editUrl"`
	ViewURL          string `json:"viewUrl"`
	CollaborativeURL string `json:"collaborativeUrl"`
}

type noteResponse struct {
	ID            string    `json:"id"`
	ShareID       string    `json:"shareId"`
	Title         string    `json:"title"`
	Content       string    `json:"content"`
	HTMLContent   *string   `json:"htmlContent"`
	RenderMode    string    `json:"renderMode"`
	Views         int64     `json:"views"`
	ActiveEditors int       `json:"activeEditors"`
	Permissions   string    `json:"permissions"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type successResponse struct {
	Success bool `json:"success"`
}

func noteFromRow(row *store.Document) noteResponse {
	var html *string
	if row.HTMLContent != "" {
		h := row.HTMLContent
		html = &h
	}
	return noteResponse{
		ID:            row.ID,
		ShareID:       row.ID,
		Title:         row.Title,
		Content:       row.Content,
		HTMLContent:   html,
		RenderMode:    row.RenderMode,
		Views:         row.Views,
		ActiveEditors: row.ActiveEditors,
		Permissions:   "edit",
		CreatedAt:     row.PublishedAt,
		UpdatedAt:     row.UpdatedAt,
	}
}

func validShareID(id string) bool {
	if id == "" || len(id) > maxShareIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}

func (s *Server) shareURL(kind, id string) string {
	return strings.TrimRight(s.cfg.BaseURL, "/") + "/" + kind + "/" + id
}

func (s *Server) handleShare(c echo.Context) error {
	var req shareRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed json body")
	}
	if req.Content == nil || *req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}
	if len(req.Title) > maxTitleLen {
		return echo.NewHTTPError(http.StatusBadRequest, "title too long")
	}

	id := req.ShareID
	if id == "" {
		id = s.node.Generate().Base58()
	} else if !validShareID(id) {
		return echo.NewHTTPError(http.StatusBadRequest,
			"share id may only contain letters, digits, '-' and '_'")
	}

	doc := &store.Document{
		ID:      id,
		Title:   req.Title,
		Content: *req.Content,
	}
	if req.HTMLContent != "" {
		doc.HTMLContent = s.sanitizer.Sanitize(req.HTMLContent)
		doc.RenderMode = store.RenderHTML
	}

	if err := s.store.Create(c.Request().Context(), doc); err != nil {
		return err
	}
	s.logger.Info("note created",
		zap.String("document_id", id),
		zap.String("render_mode", doc.RenderMode))

	return c.JSON(http.StatusCreated, shareResponse{
		ShareID:          id,
		Title:            doc.Title,
		EditURL:          s.shareURL("edit", id),
		ViewURL:          s.shareURL("view", id),
		CollaborativeURL: s.shareURL("collab", id),
	})
}

func (s *Server) handleGet(c echo.Context) error {
	id := c.Param("id")
	ctx := c.Request().Context()

	var row *store.Document
	if s.docCache != nil {
		if hit, err := s.docCache.Get(ctx, id); err == nil {
			row = &hit
		}
	}
	if row == nil {
		var err error
		row, err = s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if s.docCache != nil {
			if err := s.docCache.Set(ctx, id, *row, s.cfg.CacheTTL); err != nil {
				s.logger.Debug("cache set failed",
					zap.String("document_id", id), zap.Error(err))
			}
		}
	}

	// Best-effort view bump. A cached row can outlive a deletion by up
	// to the TTL; the increment doubles as an existence check.
	views := row.Views
	switch n, err := s.store.IncrementViews(ctx, id); {
	case err == nil:
		views = n
	case errors.Is(err, store.ErrNotFound):
		s.invalidate(id)
		return err
	default:
		s.logger.Debug("view increment failed",
			zap.String("document_id", id), zap.Error(err))
	}

	resp := noteFromRow(row)
	resp.Views = views
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleList(c echo.Context) error {
	limit, offset := pageParams(c)
	rows, err := s.store.List(c.Request().Context(), limit, offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rows)
}

type updateRequest struct {
	Content *string `json:"content"`
}

func (s *Server) handleUpdate(c echo.Context) error {
	var req updateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed json body")
	}
	if req.Content == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}

	if err := s.applyWrite(c, c.Param("id"), collab.ExternalEdit{Text: req.Content}); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, successResponse{Success: true})
}

type patchRequest struct {
	Title       *string `json:"title"`
	Content     *string `json:"content"`
	HTMLContent *string `json:"htmlContent"`
}

func (s *Server) handlePatch(c echo.Context) error {
	var req patchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed json body")
	}
	if req.Title == nil && req.Content == nil && req.HTMLContent == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "empty patch")
	}
	if req.Title != nil && len(*req.Title) > maxTitleLen {
		return echo.NewHTTPError(http.StatusBadRequest, "title too long")
	}

	edit := collab.ExternalEdit{Title: req.Title, Text: req.Content}
	if req.HTMLContent != nil {
		clean := s.sanitizer.Sanitize(*req.HTMLContent)
		mode := store.RenderHTML
		edit.HTML = &clean
		edit.RenderMode = &mode
	}

	if err := s.applyWrite(c, c.Param("id"), edit); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, successResponse{Success: true})
}

// applyWrite routes an external edit through the live session when one
// exists, so replica, projections and snapshot move together. Documents
// without a session are written directly.
func (s *Server) applyWrite(c echo.Context, id string, edit collab.ExternalEdit) error {
	ctx := c.Request().Context()

	if s.registry != nil {
		if sess := s.registry.Lookup(id); sess != nil {
			err := sess.ApplyExternal(ctx, edit)
			if err == nil {
				s.invalidate(id)
				return nil
			}
			if !errors.Is(err, collab.ErrSessionClosed) {
				return err
			}
			// Session quiesced between Lookup and Apply; fall
			// through to the direct path.
		}
	}

	if edit.Text != nil {
		if err := s.coldWrite(c, id, edit); err != nil {
			return err
		}
	} else {
		patch := store.DocumentPatch{
			Title:      edit.Title,
			HTML:       edit.HTML,
			RenderMode: edit.RenderMode,
		}
		if _, err := s.store.Patch(ctx, id, patch); err != nil {
			return err
		}
	}
	s.invalidate(id)
	return nil
}

// coldWrite rewrites the text of a document that has no live session. The
// stored snapshot is decoded, edited and written back alongside the text
// projection; leaving the old snapshot in place would resurrect the old
// text on the next session load.
func (s *Server) coldWrite(c echo.Context, id string, edit collab.ExternalEdit) error {
	ctx := c.Request().Context()

	row, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	var doc *crdt.Document
	if len(row.CRDTSnapshot) > 0 {
		doc, err = crdt.DecodeState(row.CRDTSnapshot, crdt.NewSessionID())
		if err != nil {
			s.logger.Warn("stored snapshot undecodable, rebuilding",
				zap.String("document_id", id), zap.Error(err))
			doc = nil
		}
	}
	if doc == nil {
		doc = crdt.NewDocument(crdt.NewSessionID())
		if row.Content != "" {
			if err := doc.SeedText(row.Content); err != nil {
				return errors.Wrap(err, "seed text")
			}
		}
	}

	if _, err := doc.SetText(*edit.Text); err != nil {
		return errors.Wrap(err, "set text")
	}
	state, err := doc.EncodeState()
	if err != nil {
		return errors.Wrap(err, "encode state")
	}

	return s.store.UpsertSnapshot(ctx, id, store.SnapshotUpsert{
		Snapshot:   state,
		Text:       *edit.Text,
		Title:      edit.Title,
		HTML:       edit.HTML,
		RenderMode: edit.RenderMode,
	})
}

func (s *Server) handleDelete(c echo.Context) error {
	id := c.Param("id")
	ctx := c.Request().Context()

	if _, err := s.store.Get(ctx, id); err != nil {
		return err
	}

	// Live clients learn about the deletion before the row disappears,
	// and any in-flight flush quiesces so it cannot resurrect the row.
	if s.registry != nil {
		if err := s.registry.NotifyDeleted(ctx, id); err != nil {
			return errors.Wrap(err, "notify session")
		}
	}

	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidate(id)
	s.logger.Info("note deleted", zap.String("document_id", id))

	return c.JSON(http.StatusOK, successResponse{Success: true})
}
