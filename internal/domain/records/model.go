package records

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/diaglab/lims/internal/platform/audit"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidState = errors.New("invalid state transition")
)

// Visit modes.
const (
	ModeOPD = "opd"
	ModeIPD = "ipd"
)

// Appointment statuses.
const (
	StatusScheduled = "Scheduled"
	StatusCompleted = "Completed"
	StatusCancelled = "Cancelled"
)

// Invoice statuses.
const (
	InvoicePending = "Pending"
	InvoicePaid    = "Paid"
	InvoiceVoid    = "Void"
)

type Address struct {
	Line       string `json:"line,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty" validate:"omitempty,numeric,len=6"`
}

// Patient maps to the patient table. PatientID is the UHID shown on reports.
type Patient struct {
	ID          uuid.UUID           `json:"id"`
	PatientID   string              `json:"patient_id"`
	UHIDYear    int                 `json:"uhid_year"`
	UHIDSeq     int64               `json:"uhid_seq"`
	Name        string              `json:"name" validate:"required,max=255"`
	Phone       *string             `json:"phone,omitempty" validate:"omitempty,max=32"`
	Gender      *string             `json:"gender,omitempty" validate:"omitempty,oneof=male female other unknown"`
	BirthDate   *time.Time          `json:"birth_date,omitempty"`
	Address     Address             `json:"address"`
	EditHistory []audit.HistoryItem `json:"edit_history"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// patientTracked lists the fields whose edits are audited.
var patientTracked = []string{
	"name", "phone", "gender", "birth_date",
	"address.line", "address.city", "address.state", "address.postal_code",
}

// Appointment maps to the appointment table. YearlyNo, MonthlyNo and
// DailyNo are ordinals within the appointment's mode.
type Appointment struct {
	ID            uuid.UUID           `json:"id"`
	AppointmentID string              `json:"appointment_id"`
	Seq           int64               `json:"appointment_seq"`
	PatientRef    uuid.UUID           `json:"patient_ref" validate:"required"`
	DoctorName    *string             `json:"doctor_name,omitempty" validate:"omitempty,max=255"`
	Mode          string              `json:"mode" validate:"omitempty,oneof=opd ipd OPD IPD"`
	Status        string              `json:"status"`
	ScheduledAt   *time.Time          `json:"scheduled_at,omitempty"`
	SeqYear       int                 `json:"seq_year"`
	SeqMonth      int                 `json:"seq_month"`
	SeqDay        time.Time           `json:"seq_day"`
	YearlyNo      int64               `json:"yearly_no"`
	MonthlyNo     int64               `json:"monthly_no"`
	DailyNo       int64               `json:"daily_no"`
	EditHistory   []audit.HistoryItem `json:"edit_history"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

var appointmentTracked = []string{"doctor_name", "status", "scheduled_at"}

// TestLine is one ordered test on an invoice.
type TestLine struct {
	Code  string          `json:"code" validate:"required,max=32"`
	Name  string          `json:"name" validate:"required"`
	Price decimal.Decimal `json:"price"`
}

// PathologyInvoice maps to the pathology_invoice table. BookingSeq comes from
// the global db_crn sequence; ReceiptNumber restarts every year and DailyNo
// every day per mode. Deleted invoices keep their booking number but free
// their receipt and daily numbers.
type PathologyInvoice struct {
	ID            uuid.UUID           `json:"id"`
	InvoiceNumber string              `json:"invoice_number"`
	BookingSeq    int64               `json:"booking_seq"`
	PatientRef    uuid.UUID           `json:"patient_ref" validate:"required"`
	Mode          string              `json:"mode" validate:"omitempty,oneof=opd ipd OPD IPD"`
	ReceiptYear   int                 `json:"receipt_year"`
	ReceiptNumber int64               `json:"receipt_number"`
	ReceiptDay    time.Time           `json:"receipt_day"`
	DailyNo       int64               `json:"daily_no"`
	Tests         []TestLine          `json:"tests" validate:"required,min=1,dive"`
	Amount        decimal.Decimal     `json:"amount"`
	Status        string              `json:"status"`
	Deleted       bool                `json:"deleted"`
	EditHistory   []audit.HistoryItem `json:"edit_history"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

var invoiceTracked = []string{"tests", "amount", "status", "deleted"}

// Total sums the test prices.
func (inv *PathologyInvoice) Total() decimal.Decimal {
	total := decimal.Zero
	for _, t := range inv.Tests {
		total = total.Add(t.Price)
	}
	return total
}

// PatientPatch carries the editable patient fields. Nil means unchanged.
type PatientPatch struct {
	Name      *string    `json:"name" validate:"omitempty,min=1,max=255"`
	Phone     *string    `json:"phone" validate:"omitempty,max=32"`
	Gender    *string    `json:"gender" validate:"omitempty,oneof=male female other unknown"`
	BirthDate *time.Time `json:"birth_date"`
	Address   *Address   `json:"address"`
}

type AppointmentPatch struct {
	DoctorName  *string    `json:"doctor_name" validate:"omitempty,max=255"`
	ScheduledAt *time.Time `json:"scheduled_at"`
}

type InvoicePatch struct {
	Tests  []TestLine `json:"tests" validate:"omitempty,min=1,dive"`
	Status *string    `json:"status" validate:"omitempty,oneof=Pending Paid"`
}
