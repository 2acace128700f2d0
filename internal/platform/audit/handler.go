package audit

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/diaglab/lims/pkg/pagination"
)

type Handler struct {
	rec *Recorder
}

func NewHandler(rec *Recorder) *Handler {
	return &Handler{rec: rec}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/audit", h.List)
	api.GET("/audit/archive", h.ListArchive)
}

// List handles GET /audit?entity_type=&entity_id=&action=&actor=&since=
func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	q := Query{
		EntityType: c.QueryParam("entity_type"),
		EntityID:   c.QueryParam("entity_id"),
		Action:     Action(c.QueryParam("action")),
		Actor:      c.QueryParam("actor"),
		Limit:      pg.Limit,
		Offset:     pg.Offset,
	}
	if s := c.QueryParam("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be an RFC 3339 timestamp")
		}
		q.Since = &since
	}
	if q.Action != "" && !q.Action.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid action")
	}

	items, total, err := h.rec.List(c.Request().Context(), q)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return pagination.JSON(c, http.StatusOK, items, total, pg)
}

// ListArchive handles GET /audit/archive?entity_type=
func (h *Handler) ListArchive(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.rec.ListArchive(c.Request().Context(), c.QueryParam("entity_type"), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return pagination.JSON(c, http.StatusOK, items, total, pg)
}
