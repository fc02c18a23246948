package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"driftpad/collab"
	"driftpad/crdt"
	"driftpad/store"
)

type saveVersionRequest struct {
	Author  string `json:"author"`
	Message string `json:"message"`
}

type versionDetail struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	CreatedBy string    `json:"createdBy,omitempty"`
	Message   string    `json:"message,omitempty"`
	Content   string    `json:"content"`
}

// handleSaveVersion snapshots the document as the next version number. A
// live session supplies the snapshot from its replica so the version is a
// state some client actually observed; otherwise the stored snapshot is
// versioned as-is.
func (s *Server) handleSaveVersion(c echo.Context) error {
	id := c.Param("id")
	ctx := c.Request().Context()

	var req saveVersionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed json body")
	}

	snapshot, err := s.versionSnapshot(c, id)
	if err != nil {
		return err
	}

	ver, err := s.store.AppendVersion(ctx, id, snapshot, store.VersionMeta{
		Author:  req.Author,
		Message: req.Message,
	})
	if err != nil {
		return err
	}
	s.logger.Info("version saved",
		zap.String("document_id", id), zap.Int("version", ver.Version))

	return c.JSON(http.StatusCreated, map[string]int{"version": ver.Version})
}

func (s *Server) versionSnapshot(c echo.Context, id string) ([]byte, error) {
	ctx := c.Request().Context()

	if s.registry != nil {
		if sess := s.registry.Lookup(id); sess != nil {
			state, err := sess.SnapshotState(ctx)
			if err == nil {
				return state, nil
			}
			if !errors.Is(err, collab.ErrSessionClosed) {
				return nil, err
			}
		}
	}

	row, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(row.CRDTSnapshot) > 0 {
		return row.CRDTSnapshot, nil
	}

	// Content-only row: synthesize a snapshot from the text projection.
	doc := crdt.NewDocument(crdt.NewSessionID())
	if row.Content != "" {
		if err := doc.SeedText(row.Content); err != nil {
			return nil, errors.Wrap(err, "seed text")
		}
	}
	state, err := doc.EncodeState()
	if err != nil {
		return nil, errors.Wrap(err, "encode state")
	}
	return state, nil
}

func (s *Server) handleListVersions(c echo.Context) error {
	limit, offset := pageParams(c)
	rows, err := s.store.ListVersions(c.Request().Context(), c.Param("id"), limit, offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rows)
}

func (s *Server) handleGetVersion(c echo.Context) error {
	n, err := strconv.Atoi(c.Param("version"))
	if err != nil || n < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "version must be a positive integer")
	}

	ver, err := s.store.GetVersion(c.Request().Context(), c.Param("id"), n)
	if err != nil {
		return err
	}

	doc, err := crdt.DecodeState(ver.Snapshot, crdt.NewSessionID())
	if err != nil {
		return errors.Wrap(err, "decode version snapshot")
	}

	return c.JSON(http.StatusOK, versionDetail{
		Version:   ver.Version,
		CreatedAt: ver.CreatedAt,
		CreatedBy: ver.CreatedBy,
		Message:   ver.Message,
		Content:   doc.Text(),
	})
}
