package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/diaglab/lims/internal/domain/issuance"
	"github.com/diaglab/lims/internal/platform/audit"
	"github.com/diaglab/lims/internal/platform/middleware"
	"github.com/diaglab/lims/internal/platform/sequence"
)

func newTestEcho() *echo.Echo {
	e := echo.New()
	e.Validator = middleware.NewValidator()
	return e
}

func newJSONContext(e *echo.Echo, method, target, body string, id string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(audit.WithActor(req.Context(), "front.desk"))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if id != "" {
		c.SetParamNames("id")
		c.SetParamValues(id)
	}
	return c, rec
}

func statusOf(err error) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return 0
}

func TestHandler_CreatePatient(t *testing.T) {
	fx := newFixture(t)
	h := NewHandler(fx.svc)
	e := newTestEcho()

	c, rec := newJSONContext(e, http.MethodPost, "/patients", `{"name":"Asha Rao","address":{"city":"Pune","postal_code":"411001"}}`, "")
	if err := h.CreatePatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var p Patient
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	if p.PatientID != "PAT000001" || p.Address.City != "Pune" {
		t.Errorf("unexpected patient %+v", p)
	}
	created := fx.entries(audit.ActionCreate)
	if len(created) != 1 || created[0].Actor != "front.desk" {
		t.Errorf("expected one CREATE by front.desk, got %+v", created)
	}
}

func TestHandler_CreatePatient_Invalid(t *testing.T) {
	fx := newFixture(t)
	h := NewHandler(fx.svc)
	e := newTestEcho()

	for _, body := range []string{
		`{"phone":"9800000000"}`,
		`{"name":"A","address":{"postal_code":"41100"}}`,
		`{"name":"A","gender":"robot"}`,
	} {
		c, _ := newJSONContext(e, http.MethodPost, "/patients", body, "")
		if code := statusOf(h.CreatePatient(c)); code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, code)
		}
	}
	if v := fx.counter(t, "patientId_2025"); v != 0 {
		t.Errorf("rejected requests must not consume numbers, counter at %d", v)
	}
}

func TestHandler_GetPatient(t *testing.T) {
	fx := newFixture(t)
	h := NewHandler(fx.svc)
	e := newTestEcho()
	p := fx.patient(t)

	c, rec := newJSONContext(e, http.MethodGet, "/patients/"+p.ID.String(), "", p.ID.String())
	if err := h.GetPatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c, _ = newJSONContext(e, http.MethodGet, "/patients/nope", "", "nope")
	if code := statusOf(h.GetPatient(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400 for a malformed id, got %d", code)
	}

	other := "8f7c9a52-0c5e-4f0e-9d43-4e1f2b7a6c11"
	c, _ = newJSONContext(e, http.MethodGet, "/patients/"+other, "", other)
	if code := statusOf(h.GetPatient(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestHandler_ListPatients_ByUHID(t *testing.T) {
	fx := newFixture(t)
	h := NewHandler(fx.svc)
	e := newTestEcho()
	fx.patient(t)
	second := fx.patient(t)

	c, rec := newJSONContext(e, http.MethodGet, "/patients?patient_id=PAT000002&year=2025", "", "")
	if err := h.ListPatients(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var p Patient
	json.Unmarshal(rec.Body.Bytes(), &p)
	if p.ID != second.ID {
		t.Errorf("expected %s, got %s", second.ID, p.ID)
	}

	c, _ = newJSONContext(e, http.MethodGet, "/patients?patient_id=PAT000002", "", "")
	if code := statusOf(h.ListPatients(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400 without year, got %d", code)
	}
}

func TestHandler_ListAppointments(t *testing.T) {
	fx := newFixture(t)
	h := NewHandler(fx.svc)
	e := newTestEcho()
	p := fx.patient(t)
	fx.appointment(t, p, ModeOPD)
	fx.appointment(t, p, ModeIPD)
	fx.appointment(t, p, ModeOPD)

	c, rec := newJSONContext(e, http.MethodGet, "/appointments?mode=OPD&limit=1", "", "")
	if err := h.ListAppointments(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Data  []Appointment `json:"data"`
		Total int           `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Total != 2 {
		t.Errorf("expected 2 opd appointments, got %d", body.Total)
	}
	if rec.Header().Get("Link") == "" {
		t.Error("expected a Link header for the next page")
	}
}

func TestHandler_AppointmentLifecycle(t *testing.T) {
	fx := newFixture(t)
	h := NewHandler(fx.svc)
	e := newTestEcho()
	p := fx.patient(t)

	c, rec := newJSONContext(e, http.MethodPost, "/appointments", fmt.Sprintf(`{"patient_ref":%q,"mode":"IPD"}`, p.ID), "")
	if err := h.CreateAppointment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var a Appointment
	json.Unmarshal(rec.Body.Bytes(), &a)
	if a.AppointmentID != "APT000001" || a.Mode != ModeIPD || a.DailyNo != 1 {
		t.Fatalf("unexpected appointment %+v", a)
	}

	c, rec = newJSONContext(e, http.MethodPost, "/appointments/"+a.ID.String()+"/cancel", "", a.ID.String())
	if err := h.CancelAppointment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c, _ = newJSONContext(e, http.MethodPost, "/appointments/"+a.ID.String()+"/complete", "", a.ID.String())
	if code := statusOf(h.CompleteAppointment(c)); code != http.StatusConflict {
		t.Errorf("expected 409, got %d", code)
	}

	c, rec = newJSONContext(e, http.MethodDelete, "/appointments/"+a.ID.String(), "", a.ID.String())
	if err := h.DeleteAppointment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if v := fx.counter(t, "ipd_today_2025-01-31"); v != 0 {
		t.Errorf("expected the daily number to be released, counter at %d", v)
	}
}

func TestHandler_CreateAppointment_MissingPatient(t *testing.T) {
	fx := newFixture(t)
	h := NewHandler(fx.svc)
	e := newTestEcho()

	c, _ := newJSONContext(e, http.MethodPost, "/appointments", `{"mode":"opd"}`, "")
	if code := statusOf(h.CreateAppointment(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_VoidInvoice(t *testing.T) {
	fx := newFixture(t)
	h := NewHandler(fx.svc)
	e := newTestEcho()
	inv := fx.invoice(t, fx.patient(t), "250")

	c, rec := newJSONContext(e, http.MethodPost, "/pathology-invoices/"+inv.ID.String()+"/void", "", inv.ID.String())
	if err := h.VoidInvoice(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body VoidResponse
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Invoice == nil || !body.Invoice.Deleted {
		t.Fatalf("expected a void invoice, got %+v", body.Invoice)
	}
	if len(body.Counters) != 2 {
		t.Errorf("expected 2 counter reports, got %d", len(body.Counters))
	}

	c, _ = newJSONContext(e, http.MethodPost, "/pathology-invoices/"+inv.ID.String()+"/void", "", inv.ID.String())
	if code := statusOf(h.VoidInvoice(c)); code != http.StatusConflict {
		t.Errorf("expected 409 on a second void, got %d", code)
	}
}

func TestHandler_CreateInvoice_NoTests(t *testing.T) {
	fx := newFixture(t)
	h := NewHandler(fx.svc)
	e := newTestEcho()
	p := fx.patient(t)

	c, _ := newJSONContext(e, http.MethodPost, "/pathology-invoices", fmt.Sprintf(`{"patient_ref":%q,"tests":[]}`, p.ID), "")
	if code := statusOf(h.CreateInvoice(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_History(t *testing.T) {
	fx := newFixture(t)
	h := NewHandler(fx.svc)
	e := newTestEcho()
	p := fx.patient(t)

	c, rec := newJSONContext(e, http.MethodGet, "/patients/"+p.ID.String()+"/history", "", p.ID.String())
	if err := h.history(EntityPatient)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var hist History
	json.Unmarshal(rec.Body.Bytes(), &hist)
	if hist.Total != 1 || len(hist.Entries) != 1 || hist.Entries[0].Action != audit.ActionCreate {
		t.Errorf("unexpected history %+v", hist)
	}
}

func TestHTTPError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("patient x: %w", ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: Cancelled to Completed", ErrInvalidState), http.StatusConflict},
		{issuance.ErrCouldNotAllocateIdentifier, http.StatusConflict},
		{&sequence.AllocationError{Op: "next", Counter: "db_crn", Err: errors.New("conn reset")}, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := httpError(tt.err).Code; got != tt.want {
			t.Errorf("%v: expected %d, got %d", tt.err, tt.want, got)
		}
	}
}
