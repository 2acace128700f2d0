package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/diaglab/lims/internal/platform/numbering"
)

// Operation names used in reports and MAINTENANCE audit entries.
const (
	OpGet     = "get"
	OpReset   = "reset"
	OpResync  = "resync"
	OpRelease = "release"
	OpRebuild = "rebuild"
)

var (
	// ErrUnresolvedCounter means no registered source owns the counter, so
	// its maximum cannot be recomputed.
	ErrUnresolvedCounter = errors.New("counter is not owned by any registered entity field")
	ErrUnknownEntity     = errors.New("unknown entity type")
	ErrInvalidWindow     = errors.New("invalid rebuild window")
	ErrNotRebuildable    = errors.New("entity type has no renumberable fields")

	// ErrMaintenanceInProgress means another reset, resync or rebuild holds
	// the tenant's maintenance lock.
	ErrMaintenanceInProgress = errors.New("another maintenance operation is running for this tenant")

	// ErrGlobalCounter is returned for operations that would move a global
	// counter down.
	ErrGlobalCounter = errors.New("global counters never move down")
)

// RecomputeFunc returns the true maximum for a counter's scope.
type RecomputeFunc func(ctx context.Context) (int64, error)

// Window is a half-open creation-time range [From, To).
type Window struct {
	From time.Time `json:"from" yaml:"from"`
	To   time.Time `json:"to" yaml:"to"`
}

func (w Window) validate() error {
	if w.From.IsZero() || w.To.IsZero() || !w.From.Before(w.To) {
		return ErrInvalidWindow
	}
	return nil
}

// CounterChange is the exact before/after of one counter touched by an
// operation.
type CounterChange struct {
	Counter string `json:"counter" yaml:"counter"`
	Before  int64  `json:"before" yaml:"before"`
	After   int64  `json:"after" yaml:"after"`
}

// Report describes what a maintenance operation did.
type Report struct {
	Operation string `json:"operation" yaml:"operation"`
	Counter   string `json:"counter,omitempty" yaml:"counter,omitempty"`
	Before    int64  `json:"before" yaml:"before"`
	After     int64  `json:"after" yaml:"after"`
	Changed   bool   `json:"changed" yaml:"changed"`
	Note      string `json:"note,omitempty" yaml:"note,omitempty"`

	// Rebuild only.
	EntityType string          `json:"entity_type,omitempty" yaml:"entity_type,omitempty"`
	Window     *Window         `json:"window,omitempty" yaml:"window,omitempty"`
	Examined   int             `json:"examined,omitempty" yaml:"examined,omitempty"`
	Reassigned int             `json:"reassigned,omitempty" yaml:"reassigned,omitempty"`
	Counters   []CounterChange `json:"counters,omitempty" yaml:"counters,omitempty"`
}

// SequencedField is one numbered column of an entity.
type SequencedField struct {
	Name   string
	Policy numbering.Policy
	// Renumber marks ordinals a rebuild may reassign. Global sequences and
	// patient UHIDs are external identifiers and are never renumbered.
	Renumber bool
	// Global marks a counter shared by every scope. It must stay ahead of
	// archived records too, so maintenance only ever raises it.
	Global bool
}

// SequencedRecord is a record as seen by a rebuild.
type SequencedRecord struct {
	ID        uuid.UUID
	EntityID  string
	Mode      string
	CreatedAt time.Time
	Values    map[string]int64
}

// Reassignment moves one field of one record to a new ordinal.
type Reassignment struct {
	ID     uuid.UUID
	Field  string
	Before int64
	After  int64
}

// Source exposes the numbered fields of one entity type to maintenance.
type Source interface {
	EntityType() string
	// Table is the table holding the records' edit_history.
	Table() string
	Fields() []SequencedField
	// ScopeMax returns the highest stored value of field among live records
	// in the scope of sc. A non-nil before limits it to records created
	// earlier than that instant.
	ScopeMax(ctx context.Context, field string, sc numbering.Context, before *time.Time) (int64, error)
}

// Rebuilder is a Source whose ordinals can be renumbered.
type Rebuilder interface {
	Source
	// ListWindow returns live records created inside w, oldest first.
	ListWindow(ctx context.Context, w Window) ([]SequencedRecord, error)
	// Apply writes every reassignment atomically.
	Apply(ctx context.Context, changes []Reassignment) error
}
