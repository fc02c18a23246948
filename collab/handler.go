package collab

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// attachTimeout bounds how long an upgrade waits for a session slot.
const attachTimeout = 10 * time.Second

// AuthFunc vets an upgrade request before any socket work and returns
// the authenticated user id. An error rejects the request with 401. A
// nil AuthFunc admits everyone.
type AuthFunc func(r *http.Request) (string, error)

// Handler upgrades document websocket requests and runs the resulting
// clients against the registry.
type Handler struct {
	registry *Registry
	cfg      Config
	logger   *zap.Logger
	auth     AuthFunc
	upgrader websocket.Upgrader
}

// NewHandler builds the websocket entry point.
func NewHandler(registry *Registry, cfg Config, logger *zap.Logger, auth AuthFunc) *Handler {
	return &Handler{
		registry: registry,
		cfg:      cfg.Normalize(),
		logger:   logger,
		auth:     auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

// Serve handles GET /ws/:documentId. It blocks for the lifetime of the
// connection.
func (h *Handler) Serve(c echo.Context) error {
	documentID := c.Param("documentId")
	if documentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing document id")
	}

	userID := ""
	if h.auth != nil {
		uid, err := h.auth(c.Request())
		if err != nil {
			h.logger.Debug("upgrade rejected",
				zap.String("document_id", documentID), zap.Error(err))
			return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
		}
		userID = uid
	}
	if userID == "" {
		userID = c.QueryParam("userId")
	}
	if userID == "" {
		userID = "anonymous"
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade wrote its own failure response.
		h.logger.Debug("upgrade failed", zap.Error(err))
		return nil
	}

	client := NewClient(uuid.New().String(), userID, conn, h.cfg, h.logger)

	ctx, cancel := context.WithTimeout(context.Background(), attachTimeout)
	_, err = h.registry.Attach(ctx, documentID, client)
	cancel()
	if err != nil {
		code := websocket.CloseTryAgainLater
		if err == ErrDraining {
			code = websocket.CloseGoingAway
		}
		msg := websocket.FormatCloseMessage(code, "cannot attach")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
		return nil
	}

	h.logger.Info("client connected",
		zap.String("document_id", documentID),
		zap.String("client_id", client.ID()),
		zap.String("user_id", userID))

	client.Run()

	h.logger.Info("client disconnected",
		zap.String("document_id", documentID),
		zap.String("client_id", client.ID()))
	return nil
}
