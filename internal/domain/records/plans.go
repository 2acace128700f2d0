package records

import (
	"context"
	"time"

	"github.com/diaglab/lims/internal/domain/issuance"
	"github.com/diaglab/lims/internal/domain/maintenance"
	"github.com/diaglab/lims/internal/platform/numbering"
)

// Entity types, as registered with issuance and maintenance.
const (
	EntityPatient     = "patient"
	EntityAppointment = "appointment"
	EntityInvoice     = "pathology_invoice"
)

var (
	uhidPolicy = numbering.Policy{Entity: "patientId", Period: numbering.Year, Bare: true, Prefix: "PAT", Width: 6}

	appointmentIDPolicy = numbering.Policy{Entity: "appointmentId", Prefix: "APT", Width: 6}
	yearlyPolicy        = numbering.Policy{Entity: "appointment", Period: numbering.Year, ModeEntity: true}
	monthlyPolicy       = numbering.Policy{Entity: "appointment", Period: numbering.Month, ModeEntity: true}
	dailyPolicy         = numbering.Policy{Entity: "appointment", Period: numbering.Day, ModeEntity: true}

	bookingPolicy      = numbering.Policy{Entity: "db_crn", Prefix: "INV", Width: 8}
	receiptPolicy      = numbering.Policy{Entity: "pathology", Period: numbering.Year}
	invoiceDailyPolicy = numbering.Policy{Entity: "pathology", Period: numbering.Day, ModeScoped: true}
)

// ScopeOf converts a numbering context into the scope columns stored on a
// record. Calendar values are taken in loc.
func ScopeOf(sc numbering.Context, loc *time.Location) Scope {
	at := numbering.LocalTime(sc.At, loc)
	y, m, d := at.Date()
	return Scope{
		Mode:  normalizeMode(sc.Mode),
		Year:  y,
		Month: y*100 + int(m),
		Day:   time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
	}
}

func normalizeMode(mode string) string {
	if m := numbering.NormalizeMode(mode); m != "" {
		return m
	}
	return ModeOPD
}

// PatientPlan numbers patients with a yearly UHID.
func PatientPlan() issuance.Plan {
	return issuance.Plan{
		EntityType: EntityPatient,
		Fields: []issuance.Field{
			{Name: "uhid_seq", Policy: uhidPolicy, Constraint: "patient_uhid_key"},
		},
	}
}

// AppointmentPlan numbers appointments with a global id plus yearly, monthly
// and daily ordinals per mode.
func AppointmentPlan() issuance.Plan {
	return issuance.Plan{
		EntityType: EntityAppointment,
		Fields: []issuance.Field{
			{Name: "appointment_seq", Policy: appointmentIDPolicy, Strategy: issuance.Global, Constraint: "appointment_appointment_id_key"},
			{Name: "yearly_no", Policy: yearlyPolicy, Constraint: "appointment_yearly_no_key"},
			{Name: "monthly_no", Policy: monthlyPolicy, Constraint: "appointment_monthly_no_key"},
			{Name: "daily_no", Policy: dailyPolicy, Constraint: "appointment_daily_no_key"},
		},
	}
}

// InvoicePlan numbers pathology invoices. The yearly receipt counter is
// raised to the stored maximum before every allocation.
func InvoicePlan(repo ScopeMaxer, loc *time.Location) issuance.Plan {
	return issuance.Plan{
		EntityType: EntityInvoice,
		Fields: []issuance.Field{
			{Name: "booking_seq", Policy: bookingPolicy, Strategy: issuance.Global, Constraint: "pathology_invoice_booking_seq_key"},
			{
				Name:     "receipt_number",
				Policy:   receiptPolicy,
				Strategy: issuance.Baseline,
				Baseline: func(ctx context.Context, sc numbering.Context) (int64, error) {
					return repo.ScopeMax(ctx, "receipt_number", ScopeOf(sc, loc), nil)
				},
				Constraint: "pathology_invoice_receipt_key",
			},
			{Name: "daily_no", Policy: invoiceDailyPolicy, Constraint: "pathology_invoice_daily_no_key"},
		},
	}
}

// source adapts a records repository to maintenance.Source.
type source struct {
	entityType string
	table      string
	fields     []maintenance.SequencedField
	repo       ScopeMaxer
	loc        *time.Location
}

func (s *source) EntityType() string                   { return s.entityType }
func (s *source) Table() string                        { return s.table }
func (s *source) Fields() []maintenance.SequencedField { return s.fields }

func (s *source) ScopeMax(ctx context.Context, field string, sc numbering.Context, before *time.Time) (int64, error) {
	return s.repo.ScopeMax(ctx, field, ScopeOf(sc, s.loc), before)
}

type rebuildSource struct {
	*source
	seq Sequenced
}

func (s *rebuildSource) ListWindow(ctx context.Context, w maintenance.Window) ([]maintenance.SequencedRecord, error) {
	return s.seq.ListWindow(ctx, w)
}

func (s *rebuildSource) Apply(ctx context.Context, changes []maintenance.Reassignment) error {
	return s.seq.Reassign(ctx, changes)
}

func fieldsOf(p issuance.Plan, renumber func(issuance.Field) bool) []maintenance.SequencedField {
	out := make([]maintenance.SequencedField, 0, len(p.Fields))
	for _, f := range p.Fields {
		out = append(out, maintenance.SequencedField{
			Name:     f.Name,
			Policy:   f.Policy,
			Renumber: renumber(f),
			Global:   f.Strategy == issuance.Global,
		})
	}
	return out
}

// ordinal reports whether a field is a per-period ordinal rather than an
// external identifier.
func ordinal(f issuance.Field) bool {
	return f.Strategy != issuance.Global && f.Name != "uhid_seq"
}

// PatientSource exposes the UHID counter to resync. UHIDs are never renumbered.
func PatientSource(repo PatientRepository, loc *time.Location) maintenance.Source {
	return &source{
		entityType: EntityPatient,
		table:      "patient",
		fields:     fieldsOf(PatientPlan(), ordinal),
		repo:       repo,
		loc:        loc,
	}
}

func AppointmentSource(repo AppointmentRepository, loc *time.Location) maintenance.Rebuilder {
	return &rebuildSource{
		source: &source{
			entityType: EntityAppointment,
			table:      "appointment",
			fields:     fieldsOf(AppointmentPlan(), ordinal),
			repo:       repo,
			loc:        loc,
		},
		seq: repo,
	}
}

func InvoiceSource(repo InvoiceRepository, loc *time.Location) maintenance.Rebuilder {
	return &rebuildSource{
		source: &source{
			entityType: EntityInvoice,
			table:      "pathology_invoice",
			fields:     fieldsOf(InvoicePlan(repo, loc), ordinal),
			repo:       repo,
			loc:        loc,
		},
		seq: repo,
	}
}
