package records

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/diaglab/lims/internal/domain/issuance"
	"github.com/diaglab/lims/internal/domain/maintenance"
	"github.com/diaglab/lims/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	p := api.Group("/patients")
	p.POST("", h.CreatePatient)
	p.GET("", h.ListPatients)
	p.GET("/:id", h.GetPatient)
	p.PUT("/:id", h.UpdatePatient)
	p.DELETE("/:id", h.DeletePatient)
	p.GET("/:id/history", h.history(EntityPatient))

	a := api.Group("/appointments")
	a.POST("", h.CreateAppointment)
	a.GET("", h.ListAppointments)
	a.GET("/:id", h.GetAppointment)
	a.PUT("/:id", h.UpdateAppointment)
	a.DELETE("/:id", h.DeleteAppointment)
	a.POST("/:id/cancel", h.CancelAppointment)
	a.POST("/:id/complete", h.CompleteAppointment)
	a.GET("/:id/history", h.history(EntityAppointment))

	inv := api.Group("/pathology-invoices")
	inv.POST("", h.CreateInvoice)
	inv.GET("", h.ListInvoices)
	inv.GET("/:id", h.GetInvoice)
	inv.PUT("/:id", h.UpdateInvoice)
	inv.DELETE("/:id", h.DeleteInvoice)
	inv.POST("/:id/void", h.VoidInvoice)
	inv.GET("/:id/history", h.history(EntityInvoice))
}

func bindValid(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.Validate(req)
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func listQuery(c echo.Context) (ListQuery, pagination.Params, error) {
	pg := pagination.FromContext(c)
	q := ListQuery{
		Mode:   normalizeModeParam(c.QueryParam("mode")),
		Status: c.QueryParam("status"),
		Limit:  pg.Limit,
		Offset: pg.Offset,
	}
	if v := c.QueryParam("patient_ref"); v != "" {
		ref, err := uuid.Parse(v)
		if err != nil {
			return q, pg, echo.NewHTTPError(http.StatusBadRequest, "invalid patient_ref")
		}
		q.PatientRef = &ref
	}
	if v := c.QueryParam("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, pg, echo.NewHTTPError(http.StatusBadRequest, "since must be an RFC 3339 timestamp")
		}
		q.Since = &since
	}
	q.IncludeDeleted, _ = strconv.ParseBool(c.QueryParam("include_deleted"))
	return q, pg, nil
}

func normalizeModeParam(mode string) string {
	if mode == "" {
		return ""
	}
	return normalizeMode(mode)
}

// -- Patients --

func (h *Handler) CreatePatient(c echo.Context) error {
	var p Patient
	if err := bindValid(c, &p); err != nil {
		return err
	}
	if _, err := h.svc.CreatePatient(c.Request().Context(), &p); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, &p)
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPatient(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// ListPatients handles GET /patients. ?patient_id=PAT000123&year=2025 looks
// up a single UHID.
func (h *Handler) ListPatients(c echo.Context) error {
	if pid := c.QueryParam("patient_id"); pid != "" {
		year, err := strconv.Atoi(c.QueryParam("year"))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "year is required with patient_id")
		}
		p, err := h.svc.FindPatient(c.Request().Context(), year, pid)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, p)
	}
	q, pg, err := listQuery(c)
	if err != nil {
		return err
	}
	items, total, err := h.svc.ListPatients(c.Request().Context(), q)
	if err != nil {
		return httpError(err)
	}
	return pagination.JSON(c, http.StatusOK, items, total, pg)
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var patch PatientPatch
	if err := bindValid(c, &patch); err != nil {
		return err
	}
	p, err := h.svc.UpdatePatient(c.Request().Context(), id, patch)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) DeletePatient(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeletePatient(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Appointments --

func (h *Handler) CreateAppointment(c echo.Context) error {
	var a Appointment
	if err := bindValid(c, &a); err != nil {
		return err
	}
	if _, err := h.svc.CreateAppointment(c.Request().Context(), &a); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, &a)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.GetAppointment(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	q, pg, err := listQuery(c)
	if err != nil {
		return err
	}
	items, total, err := h.svc.ListAppointments(c.Request().Context(), q)
	if err != nil {
		return httpError(err)
	}
	return pagination.JSON(c, http.StatusOK, items, total, pg)
}

func (h *Handler) UpdateAppointment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var patch AppointmentPatch
	if err := bindValid(c, &patch); err != nil {
		return err
	}
	a, err := h.svc.UpdateAppointment(c.Request().Context(), id, patch)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) CancelAppointment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.CancelAppointment(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) CompleteAppointment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.CompleteAppointment(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) DeleteAppointment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteAppointment(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Pathology invoices --

func (h *Handler) CreateInvoice(c echo.Context) error {
	var inv PathologyInvoice
	if err := bindValid(c, &inv); err != nil {
		return err
	}
	if _, err := h.svc.CreateInvoice(c.Request().Context(), &inv); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, &inv)
}

func (h *Handler) GetInvoice(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	inv, err := h.svc.GetInvoice(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) ListInvoices(c echo.Context) error {
	q, pg, err := listQuery(c)
	if err != nil {
		return err
	}
	items, total, err := h.svc.ListInvoices(c.Request().Context(), q)
	if err != nil {
		return httpError(err)
	}
	return pagination.JSON(c, http.StatusOK, items, total, pg)
}

func (h *Handler) UpdateInvoice(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var patch InvoicePatch
	if err := bindValid(c, &patch); err != nil {
		return err
	}
	inv, err := h.svc.UpdateInvoice(c.Request().Context(), id, patch)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, inv)
}

// VoidResponse is the body of POST /pathology-invoices/:id/void.
type VoidResponse struct {
	Invoice  *PathologyInvoice     `json:"invoice"`
	Counters []*maintenance.Report `json:"counters"`
}

func (h *Handler) VoidInvoice(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	inv, reports, err := h.svc.VoidInvoice(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if reports == nil {
		reports = []*maintenance.Report{}
	}
	return c.JSON(http.StatusOK, VoidResponse{Invoice: inv, Counters: reports})
}

func (h *Handler) DeleteInvoice(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteInvoice(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- History --

func (h *Handler) history(entityType string) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := pathID(c)
		if err != nil {
			return err
		}
		pg := pagination.FromContext(c)
		hist, err := h.svc.History(c.Request().Context(), entityType, id, pg.Limit, pg.Offset)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, hist)
	}
}

func httpError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidState):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return issuance.HTTPError(err)
}
