package maintenance

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/diaglab/lims/internal/domain/issuance"
	"github.com/diaglab/lims/internal/platform/audit"
	"github.com/diaglab/lims/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/counters", h.ListCounters)
	api.GET("/counters/:name", h.GetCounter)
	api.PUT("/counters/:name", h.ResetCounter)
	api.POST("/counters/:name/resync", h.ResyncCounter)
	api.POST("/counters/:name/release", h.ReleaseCounter)
	api.POST("/maintenance/rebuild", h.Rebuild)
}

type ResetRequest struct {
	Value *int64 `json:"value" validate:"required,min=0"`
}

type ReleaseRequest struct {
	Value int64 `json:"value" validate:"required,min=1"`
}

type RebuildRequest struct {
	EntityType string    `json:"entity_type" validate:"required"`
	From       time.Time `json:"from" validate:"required"`
	To         time.Time `json:"to" validate:"required,gtfield=From"`
}

func bindValid(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.Validate(req)
}

func actor(c echo.Context) string {
	return audit.ActorFromContext(c.Request().Context())
}

// ListCounters handles GET /counters?prefix=
func (h *Handler) ListCounters(c echo.Context) error {
	pg := pagination.FromContext(c)
	counters, err := h.svc.List(c.Request().Context(), c.QueryParam("prefix"))
	if err != nil {
		return httpError(err)
	}
	return pagination.JSON(c, http.StatusOK, pagination.Page(counters, pg), len(counters), pg)
}

func (h *Handler) GetCounter(c echo.Context) error {
	r, err := h.svc.GetCurrentValue(c.Request().Context(), c.Param("name"), actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) ResetCounter(c echo.Context) error {
	var req ResetRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	r, err := h.svc.ResetCounter(c.Request().Context(), c.Param("name"), *req.Value, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) ResyncCounter(c echo.Context) error {
	r, err := h.svc.Resync(c.Request().Context(), c.Param("name"), actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) ReleaseCounter(c echo.Context) error {
	var req ReleaseRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	r, err := h.svc.ReleaseIfLatest(c.Request().Context(), c.Param("name"), req.Value, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) Rebuild(c echo.Context) error {
	var req RebuildRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	r, err := h.svc.RebuildSequenceFieldsForWindow(c.Request().Context(), req.EntityType,
		Window{From: req.From, To: req.To}, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func httpError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, ErrUnresolvedCounter), errors.Is(err, ErrUnknownEntity):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidWindow), errors.Is(err, ErrNotRebuildable), errors.Is(err, ErrGlobalCounter):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrMaintenanceInProgress):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return issuance.HTTPError(err)
}
