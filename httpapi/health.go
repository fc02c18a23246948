package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"driftpad/store"
)

const healthProbeTimeout = 2 * time.Second

type healthResponse struct {
	Status   string            `json:"status"`
	Service  string            `json:"service"`
	Services map[string]string `json:"services"`
}

// handleHealth probes each dependency. Any dependency down turns the
// response into a 503 so load balancers stop routing here.
func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthProbeTimeout)
	defer cancel()

	services := map[string]string{
		"database": "up",
		"cache":    "up",
		"realtime": "up",
	}
	healthy := true

	if err := s.store.Ping(ctx); err != nil {
		services["database"] = "down"
		healthy = false
		s.logger.Warn("health probe: database down", zap.Error(err))
	}

	if s.docCache != nil {
		probe := store.Document{ID: "health-probe"}
		if err := s.docCache.Set(ctx, "health-probe", probe, time.Second); err != nil {
			services["cache"] = "down"
			healthy = false
			s.logger.Warn("health probe: cache down", zap.Error(err))
		}
	}

	if s.registry == nil {
		services["realtime"] = "down"
		healthy = false
	} else {
		stats := s.registry.Stats()
		s.logger.Debug("health probe",
			zap.Int("sessions", stats.Sessions),
			zap.Int("clients", stats.Clients))
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	return c.JSON(code, healthResponse{
		Status:   status,
		Service:  "driftpad",
		Services: services,
	})
}
