package records

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/diaglab/lims/internal/domain/maintenance"
)

func uniqueViolation(constraint string) error {
	return &pgconn.PgError{Code: "23505", ConstraintName: constraint, Message: "duplicate key value violates unique constraint"}
}

func sameDay(a, b time.Time) bool { return a.Equal(b) }

// -- patients --

type mockPatientRepo struct {
	mu    sync.Mutex
	store map[uuid.UUID]*Patient
}

func newMockPatientRepo() *mockPatientRepo {
	return &mockPatientRepo{store: make(map[uuid.UUID]*Patient)}
}

func (m *mockPatientRepo) Create(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.store {
		if o.UHIDYear == p.UHIDYear && o.PatientID == p.PatientID {
			return uniqueViolation("patient_uhid_key")
		}
	}
	cp := *p
	m.store[p.ID] = &cp
	return nil
}

func (m *mockPatientRepo) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.store[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *mockPatientRepo) GetByPatientID(_ context.Context, year int, patientID string) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.store {
		if p.UHIDYear == year && p.PatientID == patientID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockPatientRepo) Update(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[p.ID]; !ok {
		return ErrNotFound
	}
	cp := *p
	m.store[p.ID] = &cp
	return nil
}

func (m *mockPatientRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[id]; !ok {
		return ErrNotFound
	}
	delete(m.store, id)
	return nil
}

func (m *mockPatientRepo) List(_ context.Context, q ListQuery) ([]*Patient, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Patient
	for _, p := range m.store {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UHIDSeq < out[j].UHIDSeq })
	return out, len(out), nil
}

func (m *mockPatientRepo) ScopeMax(_ context.Context, column string, s Scope, before *time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var top int64
	for _, p := range m.store {
		if p.UHIDYear != s.Year || (before != nil && !p.CreatedAt.Before(*before)) {
			continue
		}
		if p.UHIDSeq > top {
			top = p.UHIDSeq
		}
	}
	return top, nil
}

// -- appointments --

type mockAppointmentRepo struct {
	mu    sync.Mutex
	store map[uuid.UUID]*Appointment
	// onUpdate runs under the lock before Update checks the stored row.
	onUpdate func(stored *Appointment)
}

func newMockAppointmentRepo() *mockAppointmentRepo {
	return &mockAppointmentRepo{store: make(map[uuid.UUID]*Appointment)}
}

func (m *mockAppointmentRepo) Create(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.store {
		switch {
		case o.Seq == a.Seq:
			return uniqueViolation("appointment_appointment_id_key")
		case o.Mode == a.Mode && o.SeqYear == a.SeqYear && o.YearlyNo == a.YearlyNo:
			return uniqueViolation("appointment_yearly_no_key")
		case o.Mode == a.Mode && o.SeqMonth == a.SeqMonth && o.MonthlyNo == a.MonthlyNo:
			return uniqueViolation("appointment_monthly_no_key")
		case o.Mode == a.Mode && sameDay(o.SeqDay, a.SeqDay) && o.DailyNo == a.DailyNo:
			return uniqueViolation("appointment_daily_no_key")
		}
	}
	cp := *a
	m.store[a.ID] = &cp
	return nil
}

func (m *mockAppointmentRepo) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.store[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockAppointmentRepo) Update(_ context.Context, a *Appointment, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.store[a.ID]
	if !ok {
		return ErrNotFound
	}
	if m.onUpdate != nil {
		m.onUpdate(stored)
	}
	if stored.Status != status {
		return fmt.Errorf("%w: status changed from %s to %s", ErrInvalidState, status, stored.Status)
	}
	cp := *a
	m.store[a.ID] = &cp
	return nil
}

func (m *mockAppointmentRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[id]; !ok {
		return ErrNotFound
	}
	delete(m.store, id)
	return nil
}

func (m *mockAppointmentRepo) List(_ context.Context, q ListQuery) ([]*Appointment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Appointment
	for _, a := range m.store {
		if q.Mode != "" && a.Mode != q.Mode {
			continue
		}
		if q.Status != "" && a.Status != q.Status {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, len(out), nil
}

func (m *mockAppointmentRepo) ScopeMax(_ context.Context, column string, s Scope, before *time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var top int64
	for _, a := range m.store {
		if before != nil && !a.CreatedAt.Before(*before) {
			continue
		}
		var v int64
		switch column {
		case "appointment_seq":
			v = a.Seq
		case "yearly_no":
			if a.Mode == s.Mode && a.SeqYear == s.Year {
				v = a.YearlyNo
			}
		case "monthly_no":
			if a.Mode == s.Mode && a.SeqMonth == s.Month {
				v = a.MonthlyNo
			}
		case "daily_no":
			if a.Mode == s.Mode && sameDay(a.SeqDay, s.Day) {
				v = a.DailyNo
			}
		}
		if v > top {
			top = v
		}
	}
	return top, nil
}

func (m *mockAppointmentRepo) ListWindow(_ context.Context, w maintenance.Window) ([]maintenance.SequencedRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []maintenance.SequencedRecord
	for _, a := range m.store {
		if a.CreatedAt.Before(w.From) || !a.CreatedAt.Before(w.To) {
			continue
		}
		out = append(out, maintenance.SequencedRecord{
			ID:        a.ID,
			EntityID:  a.AppointmentID,
			Mode:      a.Mode,
			CreatedAt: a.CreatedAt,
			Values:    map[string]int64{"yearly_no": a.YearlyNo, "monthly_no": a.MonthlyNo, "daily_no": a.DailyNo},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *mockAppointmentRepo) Reassign(_ context.Context, changes []maintenance.Reassignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range changes {
		a, ok := m.store[c.ID]
		if !ok {
			return ErrNotFound
		}
		switch c.Field {
		case "yearly_no":
			a.YearlyNo = c.After
		case "monthly_no":
			a.MonthlyNo = c.After
		case "daily_no":
			a.DailyNo = c.After
		}
	}
	return nil
}

// -- invoices --

type mockInvoiceRepo struct {
	mu    sync.Mutex
	store map[uuid.UUID]*PathologyInvoice
}

func newMockInvoiceRepo() *mockInvoiceRepo {
	return &mockInvoiceRepo{store: make(map[uuid.UUID]*PathologyInvoice)}
}

func (m *mockInvoiceRepo) Create(_ context.Context, inv *PathologyInvoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.store {
		if o.BookingSeq == inv.BookingSeq {
			return uniqueViolation("pathology_invoice_booking_seq_key")
		}
		if o.Deleted {
			continue
		}
		if o.ReceiptYear == inv.ReceiptYear && o.ReceiptNumber == inv.ReceiptNumber {
			return uniqueViolation("pathology_invoice_receipt_key")
		}
		if o.Mode == inv.Mode && sameDay(o.ReceiptDay, inv.ReceiptDay) && o.DailyNo == inv.DailyNo {
			return uniqueViolation("pathology_invoice_daily_no_key")
		}
	}
	cp := *inv
	m.store[inv.ID] = &cp
	return nil
}

func (m *mockInvoiceRepo) GetByID(_ context.Context, id uuid.UUID) (*PathologyInvoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.store[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (m *mockInvoiceRepo) Update(_ context.Context, inv *PathologyInvoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.store[inv.ID]; !ok || o.Deleted {
		return ErrNotFound
	}
	cp := *inv
	m.store[inv.ID] = &cp
	return nil
}

func (m *mockInvoiceRepo) SoftDelete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.store[id]
	if !ok || inv.Deleted {
		return ErrNotFound
	}
	inv.Deleted = true
	inv.Status = InvoiceVoid
	return nil
}

func (m *mockInvoiceRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[id]; !ok {
		return ErrNotFound
	}
	delete(m.store, id)
	return nil
}

func (m *mockInvoiceRepo) List(_ context.Context, q ListQuery) ([]*PathologyInvoice, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*PathologyInvoice
	for _, inv := range m.store {
		if inv.Deleted && !q.IncludeDeleted {
			continue
		}
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BookingSeq < out[j].BookingSeq })
	return out, len(out), nil
}

func (m *mockInvoiceRepo) ScopeMax(_ context.Context, column string, s Scope, before *time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var top int64
	for _, inv := range m.store {
		if before != nil && !inv.CreatedAt.Before(*before) {
			continue
		}
		var v int64
		switch column {
		case "booking_seq":
			v = inv.BookingSeq
		case "receipt_number":
			if !inv.Deleted && inv.ReceiptYear == s.Year {
				v = inv.ReceiptNumber
			}
		case "daily_no":
			if !inv.Deleted && inv.Mode == s.Mode && sameDay(inv.ReceiptDay, s.Day) {
				v = inv.DailyNo
			}
		}
		if v > top {
			top = v
		}
	}
	return top, nil
}

func (m *mockInvoiceRepo) ListWindow(_ context.Context, w maintenance.Window) ([]maintenance.SequencedRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []maintenance.SequencedRecord
	for _, inv := range m.store {
		if inv.Deleted || inv.CreatedAt.Before(w.From) || !inv.CreatedAt.Before(w.To) {
			continue
		}
		out = append(out, maintenance.SequencedRecord{
			ID:        inv.ID,
			EntityID:  inv.InvoiceNumber,
			Mode:      inv.Mode,
			CreatedAt: inv.CreatedAt,
			Values:    map[string]int64{"receipt_number": inv.ReceiptNumber, "daily_no": inv.DailyNo},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *mockInvoiceRepo) Reassign(_ context.Context, changes []maintenance.Reassignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range changes {
		inv, ok := m.store[c.ID]
		if !ok {
			return ErrNotFound
		}
		switch c.Field {
		case "receipt_number":
			inv.ReceiptNumber = c.After
		case "daily_no":
			inv.DailyNo = c.After
		}
	}
	return nil
}
