// Package records implements the numbered entity workflows: patient
// registration, appointment booking and pathology invoicing. Every create
// goes through issuance, every mutation is audited and every hard delete is
// archived first.
package records

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/diaglab/lims/internal/domain/issuance"
	"github.com/diaglab/lims/internal/domain/maintenance"
	"github.com/diaglab/lims/internal/platform/audit"
	"github.com/diaglab/lims/internal/platform/numbering"
)

type Service struct {
	patients     PatientRepository
	appointments AppointmentRepository
	invoices     InvoiceRepository
	issuer       *issuance.Service
	maint        *maintenance.Service
	recorder     *audit.Recorder
	logger       zerolog.Logger
	now          func() time.Time
}

func NewService(
	patients PatientRepository,
	appointments AppointmentRepository,
	invoices InvoiceRepository,
	issuer *issuance.Service,
	maint *maintenance.Service,
	recorder *audit.Recorder,
	logger zerolog.Logger,
) *Service {
	return &Service{
		patients:     patients,
		appointments: appointments,
		invoices:     invoices,
		issuer:       issuer,
		maint:        maint,
		recorder:     recorder,
		logger:       logger.With().Str("component", "records").Logger(),
		now:          time.Now,
	}
}

// Register adds the record plans to issuance and the record sources to
// maintenance.
func (s *Service) Register() error {
	loc := s.issuer.Location()
	for _, p := range []issuance.Plan{PatientPlan(), AppointmentPlan(), InvoicePlan(s.invoices, loc)} {
		if err := s.issuer.Register(p); err != nil {
			return err
		}
	}
	s.maint.RegisterSource(PatientSource(s.patients, loc))
	s.maint.RegisterSource(AppointmentSource(s.appointments, loc))
	s.maint.RegisterSource(InvoiceSource(s.invoices, loc))
	return nil
}

func (s *Service) loc() *time.Location { return s.issuer.Location() }

// stamp is the creation instant stored on a record, rounded to what the
// database keeps.
func stamp(ids *issuance.Identifiers) time.Time {
	return ids.At().UTC().Truncate(time.Microsecond)
}

func (s *Service) created(ctx context.Context, entityType string, id uuid.UUID, displayID string, after interface{}, ids *issuance.Identifiers) {
	s.recorder.RecordBestEffort(ctx, audit.Input{
		EntityType: entityType,
		EntityID:   id.String(),
		Action:     audit.ActionCreate,
		After:      after,
		Meta: map[string]interface{}{
			"display_id": displayID,
			"counters":   ids.Counters,
			"attempts":   ids.Attempts,
		},
	})
}

// track audits an update and mirrors it onto the returned history.
func (s *Service) track(ctx context.Context, entityType, table string, id uuid.UUID, displayID string, before, after interface{}, fields []string) []audit.HistoryItem {
	changes := s.recorder.Track(ctx, table, id, audit.Input{
		EntityType: entityType,
		Before:     before,
		After:      after,
		Fields:     fields,
		Meta:       map[string]interface{}{"display_id": displayID},
	})
	if len(changes) == 0 {
		return nil
	}
	return []audit.HistoryItem{{
		EditedAt: s.now().UTC(),
		EditedBy: audit.ActorFromContext(ctx),
		Changes:  changes,
	}}
}

// numbered describes the scoped numbers a stored record holds.
type numbered struct {
	entityType string
	id         uuid.UUID
	displayID  string
	mode       string
	createdAt  time.Time
	values     map[string]int64
}

// release hands back every scoped number the record holds when it is still
// the latest in its scope. Global numbers are never released. Failures are
// logged; the record is already gone.
func (s *Service) release(ctx context.Context, n numbered) []*maintenance.Report {
	p, ok := s.issuer.Plan(n.entityType)
	if !ok {
		return nil
	}
	sc := numbering.Context{Mode: n.mode, At: n.createdAt}
	var out []*maintenance.Report
	for _, f := range p.Fields {
		if f.Strategy == issuance.Global {
			continue
		}
		v, ok := n.values[f.Name]
		if !ok || v <= 0 {
			continue
		}
		name := f.Policy.CounterName(sc, s.loc())
		r, err := s.maint.ReleaseIfLatest(ctx, name, v, audit.ActorFromContext(ctx))
		if err != nil {
			s.logger.Warn().Err(err).
				Str("entity_type", n.entityType).
				Str("entity_id", n.id.String()).
				Str("counter", name).
				Msg("counter release failed")
			continue
		}
		out = append(out, r)
	}
	return out
}

// hardDelete archives the record, deletes it, releases its numbers and
// audits the deletion. A failed archive stops the deletion.
func (s *Service) hardDelete(ctx context.Context, n numbered, snapshot interface{}, del func(ctx context.Context, id uuid.UUID) error) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", n.entityType, err)
	}
	a := &audit.ArchivedRecord{
		ID:         uuid.New(),
		EntityType: n.entityType,
		OriginalID: n.id.String(),
		Snapshot:   raw,
	}
	if p, ok := s.issuer.Plan(n.entityType); ok {
		for _, f := range p.Fields {
			if f.Strategy == issuance.Global {
				continue
			}
			a.ScopeName = f.Policy.CounterName(numbering.Context{Mode: n.mode, At: n.createdAt}, s.loc())
			if v, ok := n.values[f.Name]; ok {
				a.ScopedValue = &v
			}
			break
		}
	}
	if err := s.recorder.Archive(ctx, a); err != nil {
		return err
	}
	if err := del(ctx, n.id); err != nil {
		return err
	}

	reports := s.release(ctx, n)
	released := make(map[string]bool, len(reports))
	for _, r := range reports {
		released[r.Counter] = r.Changed
	}
	s.recorder.RecordBestEffort(ctx, audit.Input{
		EntityType: n.entityType,
		EntityID:   n.id.String(),
		Action:     audit.ActionDelete,
		Before:     snapshot,
		Meta: map[string]interface{}{
			"display_id": n.displayID,
			"archive_id": a.ID.String(),
			"released":   released,
		},
	})
	return nil
}

// -- Patients --

func (s *Service) CreatePatient(ctx context.Context, p *Patient) (*issuance.Identifiers, error) {
	ids, err := s.issuer.Create(ctx, EntityPatient, numbering.Context{At: s.now()}, func(ctx context.Context, ids *issuance.Identifiers) error {
		at := stamp(ids)
		p.ID = uuid.New()
		p.UHIDYear = ScopeOf(ids.Scope, s.loc()).Year
		p.UHIDSeq = ids.Value("uhid_seq")
		p.PatientID = ids.Display("uhid_seq")
		p.EditHistory = []audit.HistoryItem{}
		p.CreatedAt, p.UpdatedAt = at, at
		return s.patients.Create(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	s.created(ctx, EntityPatient, p.ID, p.PatientID, p, ids)
	return ids, nil
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.patients.GetByID(ctx, id)
}

// FindPatient looks a patient up by UHID within a registration year.
func (s *Service) FindPatient(ctx context.Context, year int, patientID string) (*Patient, error) {
	return s.patients.GetByPatientID(ctx, year, patientID)
}

func (s *Service) ListPatients(ctx context.Context, q ListQuery) ([]*Patient, int, error) {
	return s.patients.List(ctx, q)
}

func (s *Service) UpdatePatient(ctx context.Context, id uuid.UUID, patch PatientPatch) (*Patient, error) {
	before, err := s.patients.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	after := *before
	if patch.Name != nil {
		after.Name = *patch.Name
	}
	if patch.Phone != nil {
		after.Phone = patch.Phone
	}
	if patch.Gender != nil {
		after.Gender = patch.Gender
	}
	if patch.BirthDate != nil {
		after.BirthDate = patch.BirthDate
	}
	if patch.Address != nil {
		after.Address = *patch.Address
	}
	if err := s.patients.Update(ctx, &after); err != nil {
		return nil, err
	}
	after.UpdatedAt = s.now().UTC()
	after.EditHistory = append(append([]audit.HistoryItem(nil), before.EditHistory...),
		s.track(ctx, EntityPatient, "patient", id, after.PatientID, before, &after, patientTracked)...)
	return &after, nil
}

func (s *Service) DeletePatient(ctx context.Context, id uuid.UUID) error {
	p, err := s.patients.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return s.hardDelete(ctx, numbered{
		entityType: EntityPatient,
		id:         p.ID,
		displayID:  p.PatientID,
		createdAt:  p.CreatedAt,
		values:     map[string]int64{"uhid_seq": p.UHIDSeq},
	}, p, s.patients.Delete)
}

// -- Appointments --

func (s *Service) CreateAppointment(ctx context.Context, a *Appointment) (*issuance.Identifiers, error) {
	if _, err := s.patients.GetByID(ctx, a.PatientRef); err != nil {
		return nil, fmt.Errorf("patient %s: %w", a.PatientRef, err)
	}
	a.Mode = normalizeMode(a.Mode)
	ids, err := s.issuer.Create(ctx, EntityAppointment, numbering.Context{Mode: a.Mode, At: s.now()}, func(ctx context.Context, ids *issuance.Identifiers) error {
		at := stamp(ids)
		sc := ScopeOf(ids.Scope, s.loc())
		a.ID = uuid.New()
		a.Seq = ids.Value("appointment_seq")
		a.AppointmentID = ids.Display("appointment_seq")
		a.SeqYear, a.SeqMonth, a.SeqDay = sc.Year, sc.Month, sc.Day
		a.YearlyNo = ids.Value("yearly_no")
		a.MonthlyNo = ids.Value("monthly_no")
		a.DailyNo = ids.Value("daily_no")
		a.Status = StatusScheduled
		a.EditHistory = []audit.HistoryItem{}
		a.CreatedAt, a.UpdatedAt = at, at
		return s.appointments.Create(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	s.created(ctx, EntityAppointment, a.ID, a.AppointmentID, a, ids)
	return ids, nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.appointments.GetByID(ctx, id)
}

func (s *Service) ListAppointments(ctx context.Context, q ListQuery) ([]*Appointment, int, error) {
	return s.appointments.List(ctx, q)
}

func (s *Service) UpdateAppointment(ctx context.Context, id uuid.UUID, patch AppointmentPatch) (*Appointment, error) {
	return s.updateAppointment(ctx, id, func(a *Appointment) error {
		if patch.DoctorName != nil {
			a.DoctorName = patch.DoctorName
		}
		if patch.ScheduledAt != nil {
			a.ScheduledAt = patch.ScheduledAt
		}
		return nil
	})
}

// CancelAppointment moves a scheduled appointment to Cancelled. Its numbers
// stay taken.
func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, StatusCancelled)
}

func (s *Service) CompleteAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, StatusCompleted)
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, to string) (*Appointment, error) {
	return s.updateAppointment(ctx, id, func(a *Appointment) error {
		if a.Status != StatusScheduled {
			return fmt.Errorf("%w: %s to %s", ErrInvalidState, a.Status, to)
		}
		a.Status = to
		return nil
	})
}

func (s *Service) updateAppointment(ctx context.Context, id uuid.UUID, mutate func(*Appointment) error) (*Appointment, error) {
	before, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	after := *before
	if err := mutate(&after); err != nil {
		return nil, err
	}
	if err := s.appointments.Update(ctx, &after, before.Status); err != nil {
		return nil, err
	}
	after.UpdatedAt = s.now().UTC()
	after.EditHistory = append(append([]audit.HistoryItem(nil), before.EditHistory...),
		s.track(ctx, EntityAppointment, "appointment", id, after.AppointmentID, before, &after, appointmentTracked)...)
	return &after, nil
}

func (s *Service) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return s.hardDelete(ctx, numbered{
		entityType: EntityAppointment,
		id:         a.ID,
		displayID:  a.AppointmentID,
		mode:       a.Mode,
		createdAt:  a.CreatedAt,
		values: map[string]int64{
			"yearly_no":  a.YearlyNo,
			"monthly_no": a.MonthlyNo,
			"daily_no":   a.DailyNo,
		},
	}, a, s.appointments.Delete)
}

// -- Pathology invoices --

func invoiceNumbers(inv *PathologyInvoice) numbered {
	return numbered{
		entityType: EntityInvoice,
		id:         inv.ID,
		displayID:  inv.InvoiceNumber,
		mode:       inv.Mode,
		createdAt:  inv.CreatedAt,
		values: map[string]int64{
			"receipt_number": inv.ReceiptNumber,
			"daily_no":       inv.DailyNo,
		},
	}
}

func (s *Service) CreateInvoice(ctx context.Context, inv *PathologyInvoice) (*issuance.Identifiers, error) {
	if _, err := s.patients.GetByID(ctx, inv.PatientRef); err != nil {
		return nil, fmt.Errorf("patient %s: %w", inv.PatientRef, err)
	}
	inv.Mode = normalizeMode(inv.Mode)
	inv.Amount = inv.Total()
	ids, err := s.issuer.Create(ctx, EntityInvoice, numbering.Context{Mode: inv.Mode, At: s.now()}, func(ctx context.Context, ids *issuance.Identifiers) error {
		at := stamp(ids)
		sc := ScopeOf(ids.Scope, s.loc())
		inv.ID = uuid.New()
		inv.BookingSeq = ids.Value("booking_seq")
		inv.InvoiceNumber = ids.Display("booking_seq")
		inv.ReceiptYear, inv.ReceiptDay = sc.Year, sc.Day
		inv.ReceiptNumber = ids.Value("receipt_number")
		inv.DailyNo = ids.Value("daily_no")
		inv.Status = InvoicePending
		inv.Deleted = false
		inv.EditHistory = []audit.HistoryItem{}
		inv.CreatedAt, inv.UpdatedAt = at, at
		return s.invoices.Create(ctx, inv)
	})
	if err != nil {
		return nil, err
	}
	s.created(ctx, EntityInvoice, inv.ID, inv.InvoiceNumber, inv, ids)
	return ids, nil
}

func (s *Service) GetInvoice(ctx context.Context, id uuid.UUID) (*PathologyInvoice, error) {
	return s.invoices.GetByID(ctx, id)
}

func (s *Service) ListInvoices(ctx context.Context, q ListQuery) ([]*PathologyInvoice, int, error) {
	return s.invoices.List(ctx, q)
}

func (s *Service) UpdateInvoice(ctx context.Context, id uuid.UUID, patch InvoicePatch) (*PathologyInvoice, error) {
	before, err := s.invoices.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if before.Deleted {
		return nil, fmt.Errorf("%w: invoice %s is void", ErrInvalidState, before.InvoiceNumber)
	}
	after := *before
	if patch.Tests != nil {
		after.Tests = patch.Tests
		after.Amount = after.Total()
	}
	if patch.Status != nil {
		after.Status = *patch.Status
	}
	if err := s.invoices.Update(ctx, &after); err != nil {
		return nil, err
	}
	after.UpdatedAt = s.now().UTC()
	after.EditHistory = append(append([]audit.HistoryItem(nil), before.EditHistory...),
		s.track(ctx, EntityInvoice, "pathology_invoice", id, after.InvoiceNumber, before, &after, invoiceTracked)...)
	return &after, nil
}

// VoidInvoice soft-deletes an invoice. The booking number stays taken; the
// receipt and daily numbers are handed back when they are still the latest.
func (s *Service) VoidInvoice(ctx context.Context, id uuid.UUID) (*PathologyInvoice, []*maintenance.Report, error) {
	before, err := s.invoices.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if before.Deleted {
		return nil, nil, fmt.Errorf("%w: invoice %s is already void", ErrInvalidState, before.InvoiceNumber)
	}
	if err := s.invoices.SoftDelete(ctx, id); err != nil {
		return nil, nil, err
	}
	after := *before
	after.Deleted = true
	after.Status = InvoiceVoid
	after.UpdatedAt = s.now().UTC()
	after.EditHistory = append(append([]audit.HistoryItem(nil), before.EditHistory...),
		s.track(ctx, EntityInvoice, "pathology_invoice", id, after.InvoiceNumber, before, &after, invoiceTracked)...)
	return &after, s.release(ctx, invoiceNumbers(before)), nil
}

func (s *Service) DeleteInvoice(ctx context.Context, id uuid.UUID) error {
	inv, err := s.invoices.GetByID(ctx, id)
	if err != nil {
		return err
	}
	n := invoiceNumbers(inv)
	if inv.Deleted {
		// Released when voided.
		n.values = nil
	}
	return s.hardDelete(ctx, n, inv, s.invoices.Delete)
}

// -- History --

// History is the embedded edit history of a record together with its
// entries in the global audit log.
type History struct {
	EditHistory []audit.HistoryItem `json:"edit_history"`
	Entries     []*audit.Entry      `json:"entries"`
	Total       int                 `json:"total"`
}

func (s *Service) History(ctx context.Context, entityType string, id uuid.UUID, limit, offset int) (*History, error) {
	var edits []audit.HistoryItem
	switch entityType {
	case EntityPatient:
		p, err := s.patients.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		edits = p.EditHistory
	case EntityAppointment:
		a, err := s.appointments.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		edits = a.EditHistory
	case EntityInvoice:
		inv, err := s.invoices.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		edits = inv.EditHistory
	default:
		return nil, fmt.Errorf("%w: %s", issuance.ErrUnknownEntity, entityType)
	}
	entries, total, err := s.recorder.List(ctx, audit.Query{
		EntityType: entityType,
		EntityID:   id.String(),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		return nil, err
	}
	if edits == nil {
		edits = []audit.HistoryItem{}
	}
	return &History{EditHistory: edits, Entries: entries, Total: total}, nil
}
