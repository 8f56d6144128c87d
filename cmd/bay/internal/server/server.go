// Package server is the HTTP facade: authentication, routing, error
// mapping and the WebSocket terminal proxy.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/shipyard-project/bay/cmd/bay/internal/bayerr"
	"github.com/shipyard-project/bay/cmd/bay/internal/config"
	"github.com/shipyard-project/bay/cmd/bay/internal/session"
	"github.com/shipyard-project/bay/cmd/bay/internal/ship"
)

const sessionHeader = "X-SESSION-ID"

type Server struct {
	echo     *echo.Echo
	ships    *ship.Service
	sessions *session.Service
	cfg      config.Config
	log      *logrus.Entry
}

func New(ships *ship.Service, sessions *session.Service, cfg config.Config, log *logrus.Entry) *Server {
	s := &Server{
		ships:    ships,
		sessions: sessions,
		cfg:      cfg,
		log:      log.WithField("component", "server"),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	s.echo = e
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo

	e.GET("/health", s.health)

	p := e.Group("", s.authenticate)

	p.GET("/stat", s.stat)
	p.GET("/stat/overview", s.statOverview)

	p.POST("/ship", s.acquireShip, s.requireSession)
	p.GET("/ships", s.listShips)
	p.GET("/ship/logs/:id", s.shipLogs)
	p.GET("/ship/:id", s.getShip)
	p.DELETE("/ship/:id", s.stopShip)
	p.DELETE("/ship/:id/permanent", s.deleteShip)
	p.POST("/ship/:id/exec", s.execShip, s.requireSession)
	p.POST("/ship/:id/extend-ttl", s.extendShipTTL)
	p.POST("/ship/:id/start", s.startShip)
	p.POST("/ship/:id/upload", s.uploadFile, s.requireSession)
	p.GET("/ship/:id/download", s.downloadFile, s.requireSession)
	p.GET("/ship/:id/sessions", s.shipSessions)

	p.GET("/sessions", s.listSessions)
	p.GET("/sessions/:id", s.getSession)
	p.DELETE("/sessions/:id", s.deleteSession)
	p.POST("/sessions/:id/extend-ttl", s.extendSessionTTL)
	p.GET("/sessions/:id/history", s.listHistory)
	p.GET("/sessions/:id/history/last", s.lastHistory)
	p.GET("/sessions/:id/history/:execId", s.getHistory)
	p.PATCH("/sessions/:id/history/:execId", s.annotateHistory)

	// the terminal authenticates via query parameters inside the handler
	e.GET("/ship/:id/term", s.terminal)
}

// authenticate enforces the bearer token with a constant-time comparison.
func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || !s.tokenValid(token) {
			return bayerr.New(bayerr.Unauthorized, "invalid or missing bearer token")
		}
		return next(c)
	}
}

func (s *Server) tokenValid(token string) bool {
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AccessToken)) == 1
}

// requireSession rejects session-scoped requests without the session header.
func (s *Server) requireSession(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.Request().Header.Get(sessionHeader) == "" {
			return bayerr.New(bayerr.InvalidRequest, "missing %s header", sessionHeader)
		}
		return next(c)
	}
}

func sessionID(c echo.Context) string {
	return c.Request().Header.Get(sessionHeader)
}

// handleError maps the error taxonomy onto HTTP statuses.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := err.Error()

	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		message = fmt.Sprintf("%v", he.Message)
	} else if kind, ok := bayerr.KindOf(err); ok {
		status = statusFor(kind)
	}

	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", c.Path()).Error("request failed")
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, map[string]string{"error": message})
}

func statusFor(kind bayerr.Kind) int {
	switch kind {
	case bayerr.NotFound:
		return http.StatusNotFound
	case bayerr.Unauthorized:
		return http.StatusUnauthorized
	case bayerr.InvalidRequest:
		return http.StatusBadRequest
	case bayerr.CapacityExhausted, bayerr.Conflict:
		return http.StatusConflict
	case bayerr.BackendUnreachable, bayerr.ImagePullFailed:
		return http.StatusBadGateway
	case bayerr.QuotaExceeded, bayerr.ShipUnready:
		return http.StatusServiceUnavailable
	case bayerr.BackendTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Start blocks serving HTTP until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.log.WithField("addr", addr).Info("bay listening")
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the routing tree for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
