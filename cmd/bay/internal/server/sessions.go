package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/shipyard-project/bay/cmd/bay/internal/bayerr"
	"github.com/shipyard-project/bay/cmd/bay/internal/store"
)

func (s *Server) listSessions(c echo.Context) error {
	views, err := s.sessions.List(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": views, "total": len(views)})
}

func (s *Server) getSession(c echo.Context) error {
	got, err := s.sessions.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, got)
}

func (s *Server) deleteSession(c echo.Context) error {
	if err := s.sessions.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) extendSessionTTL(c echo.Context) error {
	var body ttlBody
	if err := c.Bind(&body); err != nil {
		return bayerr.New(bayerr.InvalidRequest, "malformed request body")
	}
	if body.TTL <= 0 {
		return bayerr.New(bayerr.InvalidRequest, "ttl must be positive")
	}
	extended, err := s.sessions.ExtendTTL(c.Request().Context(), c.Param("id"), body.TTL)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, extended)
}

func historyFilter(c echo.Context) store.HistoryFilter {
	f := store.HistoryFilter{
		ExecType:       store.ExecType(c.QueryParam("exec_type")),
		SuccessOnly:    c.QueryParam("success_only") == "true",
		HasNotes:       c.QueryParam("has_notes") == "true",
		HasDescription: c.QueryParam("has_description") == "true",
	}
	if tags := c.QueryParam("tags"); tags != "" {
		for _, tag := range strings.Split(tags, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				f.Tags = append(f.Tags, tag)
			}
		}
	}
	f.Limit, _ = strconv.Atoi(c.QueryParam("limit"))
	f.Offset, _ = strconv.Atoi(c.QueryParam("offset"))
	return f
}

func (s *Server) listHistory(c echo.Context) error {
	rows, total, err := s.sessions.History(c.Request().Context(), c.Param("id"), historyFilter(c))
	if err != nil {
		return err
	}
	if rows == nil {
		rows = []store.Execution{}
	}
	return c.JSON(http.StatusOK, map[string]any{"executions": rows, "total": total})
}

func (s *Server) getHistory(c echo.Context) error {
	exec, err := s.sessions.HistoryEntry(c.Request().Context(), c.Param("id"), c.Param("execId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, exec)
}

func (s *Server) lastHistory(c echo.Context) error {
	exec, err := s.sessions.LastEntry(c.Request().Context(), c.Param("id"),
		store.ExecType(c.QueryParam("exec_type")))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, exec)
}

type annotateBody struct {
	Description *string `json:"description"`
	Tags        *string `json:"tags"`
	Notes       *string `json:"notes"`
}

func (s *Server) annotateHistory(c echo.Context) error {
	var body annotateBody
	if err := c.Bind(&body); err != nil {
		return bayerr.New(bayerr.InvalidRequest, "malformed request body")
	}
	exec, err := s.sessions.Annotate(c.Request().Context(), c.Param("id"), c.Param("execId"),
		store.Annotation{Description: body.Description, Tags: body.Tags, Notes: body.Notes})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, exec)
}
