package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/shipyard-project/bay/cmd/bay/internal/bayerr"
	"github.com/shipyard-project/bay/cmd/bay/internal/ship"
	"github.com/shipyard-project/bay/cmd/bay/internal/shipclient"
	"github.com/shipyard-project/bay/cmd/bay/internal/store"
)

// shipView renders the status enum as its string form on the wire.
type shipView struct {
	*store.Ship
	Status string `json:"status"`
}

func viewOf(s *store.Ship) shipView {
	return shipView{Ship: s, Status: s.Status.String()}
}

func viewsOf(ships []store.Ship) []shipView {
	views := make([]shipView, len(ships))
	for i := range ships {
		views[i] = viewOf(&ships[i])
	}
	return views
}

type acquireBody struct {
	TTL  int `json:"ttl"`
	Spec struct {
		CPUs   float64 `json:"cpus"`
		Memory string  `json:"memory"`
		Disk   string  `json:"disk"`
	} `json:"spec"`
	ForceCreate bool `json:"force_create"`
}

func (s *Server) acquireShip(c echo.Context) error {
	var body acquireBody
	if err := c.Bind(&body); err != nil {
		return bayerr.New(bayerr.InvalidRequest, "malformed request body")
	}
	if body.TTL < 0 {
		return bayerr.New(bayerr.InvalidRequest, "ttl must not be negative")
	}

	bound, _, err := s.ships.Acquire(c.Request().Context(), sessionID(c), ship.AcquireRequest{
		TTL:         body.TTL,
		CPUs:        body.Spec.CPUs,
		Memory:      body.Spec.Memory,
		Disk:        body.Spec.Disk,
		ForceCreate: body.ForceCreate,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, viewOf(bound))
}

func (s *Server) listShips(c echo.Context) error {
	ships, err := s.ships.List(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"ships": viewsOf(ships), "total": len(ships)})
}

func (s *Server) getShip(c echo.Context) error {
	got, err := s.ships.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, viewOf(got))
}

func (s *Server) stopShip(c echo.Context) error {
	if err := s.ships.Stop(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) deleteShip(c echo.Context) error {
	if err := s.ships.DeletePermanent(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type execBody struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

func (s *Server) execShip(c echo.Context) error {
	var body execBody
	if err := c.Bind(&body); err != nil {
		return bayerr.New(bayerr.InvalidRequest, "malformed request body")
	}
	if body.Type == "" {
		return bayerr.New(bayerr.InvalidRequest, "exec type is required")
	}

	result, execID, err := s.ships.Execute(c.Request().Context(), c.Param("id"), sessionID(c),
		shipclient.ExecRequest{Type: body.Type, Payload: body.Payload})
	if err != nil {
		return err
	}
	resp := map[string]any{
		"success":           result.Success,
		"data":              result.Data,
		"error":             result.Error,
		"execution_time_ms": result.ExecutionTimeMS,
	}
	// only python/shell executions produce a history row
	if execID != "" {
		resp["execution_id"] = execID
	}
	return c.JSON(http.StatusOK, resp)
}

type ttlBody struct {
	TTL int `json:"ttl"`
}

func (s *Server) extendShipTTL(c echo.Context) error {
	var body ttlBody
	if err := c.Bind(&body); err != nil {
		return bayerr.New(bayerr.InvalidRequest, "malformed request body")
	}
	extended, err := s.ships.ExtendTTL(c.Request().Context(), c.Param("id"), body.TTL)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, viewOf(extended))
}

func (s *Server) startShip(c echo.Context) error {
	started, err := s.ships.Start(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, viewOf(started))
}

// shipLogs serves the container log by default; ?source=service proxies the
// in-ship service's own log instead.
func (s *Server) shipLogs(c echo.Context) error {
	tail, _ := strconv.Atoi(c.QueryParam("tail"))
	var logs string
	var err error
	if c.QueryParam("source") == "service" {
		logs, err = s.ships.ServiceLogs(c.Request().Context(), c.Param("id"), tail)
	} else {
		logs, err = s.ships.Logs(c.Request().Context(), c.Param("id"), tail)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"logs": logs})
}

func (s *Server) uploadFile(c echo.Context) error {
	req := c.Request()
	if req.ContentLength > s.cfg.MaxUploadSize {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
			"upload exceeds limit of "+strconv.FormatInt(s.cfg.MaxUploadSize, 10)+" bytes")
	}
	req.Body = http.MaxBytesReader(c.Response(), req.Body, s.cfg.MaxUploadSize)

	file, err := c.FormFile("file")
	if err != nil {
		return bayerr.New(bayerr.InvalidRequest, "multipart field \"file\" is required")
	}
	destPath := c.FormValue("file_path")
	if destPath == "" {
		destPath = file.Filename
	}
	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	result, status, err := s.ships.Upload(req.Context(), c.Param("id"), sessionID(c),
		destPath, file.Filename, src)
	if err != nil {
		return err
	}
	return c.JSON(status, result)
}

func (s *Server) downloadFile(c echo.Context) error {
	filePath := c.QueryParam("file_path")
	if filePath == "" {
		return bayerr.New(bayerr.InvalidRequest, "file_path query parameter is required")
	}
	body, header, status, err := s.ships.Download(c.Request().Context(), c.Param("id"), sessionID(c), filePath)
	if err != nil {
		return err
	}
	defer body.Close()

	if disposition := header.Get(echo.HeaderContentDisposition); disposition != "" {
		c.Response().Header().Set(echo.HeaderContentDisposition, disposition)
	}
	contentType := header.Get(echo.HeaderContentType)
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	return c.Stream(status, contentType, body)
}

func (s *Server) shipSessions(c echo.Context) error {
	// 404 before listing, so unknown ships are distinguishable from idle ones
	if _, err := s.ships.Get(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	views, err := s.sessions.ForShip(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": views, "total": len(views)})
}

func (s *Server) stat(c echo.Context) error {
	counts, err := s.ships.StatusCounts(c.Request().Context())
	if err != nil {
		return err
	}
	byStatus := map[string]int{}
	total := 0
	for status, n := range counts {
		byStatus[status.String()] = n
		total += n
	}
	return c.JSON(http.StatusOK, map[string]any{"ships": byStatus, "total": total})
}

func (s *Server) statOverview(c echo.Context) error {
	ctx := c.Request().Context()
	counts, err := s.ships.StatusCounts(ctx)
	if err != nil {
		return err
	}
	sessions, err := s.sessions.List(ctx)
	if err != nil {
		return err
	}
	byStatus := map[string]int{}
	total := 0
	for status, n := range counts {
		byStatus[status.String()] = n
		total += n
	}
	active := 0
	for _, sess := range sessions {
		if sess.IsActive {
			active++
		}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"ships":           byStatus,
		"total_ships":     total,
		"max_ship_num":    s.cfg.MaxShipNum,
		"sessions":        len(sessions),
		"active_sessions": active,
	})
}
