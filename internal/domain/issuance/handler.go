package issuance

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/diaglab/lims/internal/platform/numbering"
	"github.com/diaglab/lims/internal/platform/sequence"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/identifiers", h.ListEntityTypes)
	api.POST("/identifiers/:entityType", h.Issue)
}

// IssueRequest is the body of POST /identifiers/:entityType.
type IssueRequest struct {
	Mode string     `json:"mode" validate:"omitempty,oneof=opd ipd OPD IPD"`
	At   *time.Time `json:"at"`
}

// Issue reserves numbers for a record that an external collaborator will
// persist itself.
func (h *Handler) Issue(c echo.Context) error {
	var req IssueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	sc := numbering.Context{Mode: req.Mode}
	if req.At != nil {
		sc.At = *req.At
	}
	ids, err := h.svc.IssueIdentifiers(c.Request().Context(), c.Param("entityType"), sc)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusCreated, ids)
}

func (h *Handler) ListEntityTypes(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"entity_types": h.svc.EntityTypes()})
}

// HTTPError maps issuance and allocation failures onto HTTP responses.
// Store failures surface as a generic "please retry".
func HTTPError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, sequence.ErrAllocation):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "identifier service temporarily unavailable, please retry")
	case errors.Is(err, ErrCouldNotAllocateIdentifier):
		return echo.NewHTTPError(http.StatusConflict, "could not allocate a unique identifier, please retry")
	case errors.Is(err, ErrUnknownEntity):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, sequence.ErrInvalidCounter):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
