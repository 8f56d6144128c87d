package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/shipyard-project/bay/cmd/bay/internal/bayerr"
)

// Application close codes surfaced to terminal clients.
const (
	closeAuthFailed  = 4001
	closeNoSession   = 4003
	closeUnknownShip = 4004
)

const closeGrace = time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Bay fronts programmatic agents, not browsers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// terminal proxies a PTY WebSocket into the ship. Browsers cannot set
// headers on WebSocket dials, so credentials arrive as query parameters
// and failures are reported as application close codes after the upgrade.
func (s *Server) terminal(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if !s.tokenValid(c.QueryParam("token")) {
		closeWith(conn, closeAuthFailed, "invalid or missing token")
		return nil
	}
	sessID := c.QueryParam("session_id")
	if sessID == "" {
		closeWith(conn, closeNoSession, "session_id query parameter is required")
		return nil
	}

	cols, _ := strconv.Atoi(c.QueryParam("cols"))
	rows, _ := strconv.Atoi(c.QueryParam("rows"))
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	shipID := c.Param("id")
	upstream, err := s.ships.DialTerminal(c.Request().Context(), shipID, sessID, cols, rows)
	if err != nil {
		if bayerr.Is(err, bayerr.NotFound) {
			closeWith(conn, closeUnknownShip, "unknown ship "+shipID)
		} else {
			s.log.WithError(err).WithField("ship_id", shipID).Warn("terminal dial failed")
			closeWith(conn, websocket.CloseInternalServerErr, "ship terminal unavailable")
		}
		return nil
	}
	defer upstream.Close()

	s.log.WithField("ship_id", shipID).WithField("session_id", sessID).Info("terminal attached")
	proxyFrames(conn, upstream)
	return nil
}

// proxyFrames relays WebSocket frames verbatim in both directions until
// either side closes. Resize control messages are ordinary text frames and
// pass through untouched.
func proxyFrames(client, upstream *websocket.Conn) {
	done := make(chan struct{}, 2)
	relay := func(src, dst *websocket.Conn) {
		defer func() { done <- struct{}{} }()
		for {
			msgType, data, err := src.ReadMessage()
			if err != nil {
				if closeErr, ok := err.(*websocket.CloseError); ok {
					deadline := time.Now().Add(closeGrace)
					_ = dst.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(closeErr.Code, closeErr.Text), deadline)
				}
				return
			}
			if err := dst.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}
	go relay(client, upstream)
	go relay(upstream, client)
	<-done
	// unblock the surviving relay's pending read
	client.Close()
	upstream.Close()
	<-done
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(closeGrace)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
}
