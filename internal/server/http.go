package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/zeusync/canvassync/internal/core/observability/log"
	"github.com/zeusync/canvassync/internal/core/remote/memory"
	"github.com/zeusync/canvassync/internal/core/session"
)

type healthResponse struct {
	Status  string          `json:"status"`
	Clients int64           `json:"clients"`
	Hub     memory.HubStats `json:"hub"`
}

func (s *Server) routes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/sessions/:id", s.handleGetSession)
	s.echo.PUT("/sessions/:id", s.handlePutSession)
	s.echo.GET("/ws", s.handleWebSocket)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Clients: s.ClientCount(),
		Hub:     s.hub.Stats(),
	})
}

func (s *Server) handleGetSession(c echo.Context) error {
	sess, err := s.hub.GetSession(c.Request().Context(), c.Param("id"))
	if errors.Is(err, session.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	if err != nil {
		s.logger.Error("Get session failed", log.String("session_id", c.Param("id")), log.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) handlePutSession(c echo.Context) error {
	var sess session.Session
	if err := c.Bind(&sess); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid session body")
	}
	sess.ID = c.Param("id")
	if err := s.validate.Struct(sess); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	err := s.hub.CreateSession(c.Request().Context(), sess)
	if errors.Is(err, memory.ErrOwnerImmutable) {
		return echo.NewHTTPError(http.StatusConflict, "session owner cannot change")
	}
	if err != nil {
		s.logger.Error("Put session failed", log.String("session_id", sess.ID), log.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError)
	}
	s.logger.Info("Session stored", log.String("session_id", sess.ID), log.String("owner_id", sess.OwnerID))
	return c.JSON(http.StatusOK, sess)
}
