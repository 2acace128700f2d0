package records

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/diaglab/lims/internal/domain/maintenance"
)

// Scope identifies the period and mode a numbered field belongs to, in the
// columns the tables store it under.
type Scope struct {
	Mode  string
	Year  int
	Month int // YYYYMM
	Day   time.Time
}

// ScopeMaxer reports the highest stored value of a numbered column.
type ScopeMaxer interface {
	// ScopeMax returns the highest value of column within s among live rows.
	// A non-nil before restricts it to rows created earlier.
	ScopeMax(ctx context.Context, column string, s Scope, before *time.Time) (int64, error)
}

// Sequenced is implemented by repositories whose ordinals can be renumbered.
type Sequenced interface {
	ScopeMaxer
	ListWindow(ctx context.Context, w maintenance.Window) ([]maintenance.SequencedRecord, error)
	// Reassign applies every change in one transaction.
	Reassign(ctx context.Context, changes []maintenance.Reassignment) error
}

type PatientRepository interface {
	ScopeMaxer
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetByPatientID(ctx context.Context, year int, patientID string) (*Patient, error)
	Update(ctx context.Context, p *Patient) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, q ListQuery) ([]*Patient, int, error)
}

type AppointmentRepository interface {
	Sequenced
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// Update writes a only while the stored row still has status. A row
	// that moved on returns ErrInvalidState.
	Update(ctx context.Context, a *Appointment, status string) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, q ListQuery) ([]*Appointment, int, error)
}

type InvoiceRepository interface {
	Sequenced
	Create(ctx context.Context, inv *PathologyInvoice) error
	GetByID(ctx context.Context, id uuid.UUID) (*PathologyInvoice, error)
	Update(ctx context.Context, inv *PathologyInvoice) error
	// SoftDelete marks the invoice deleted, releasing its receipt and daily
	// numbers to the partial unique indexes.
	SoftDelete(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, q ListQuery) ([]*PathologyInvoice, int, error)
}

// ListQuery filters record listings.
type ListQuery struct {
	Mode           string
	Status         string
	PatientRef     *uuid.UUID
	Since          *time.Time
	IncludeDeleted bool
	Limit          int
	Offset         int
}
