package issuance

import (
	"context"
	"fmt"
	"time"

	"github.com/diaglab/lims/internal/platform/numbering"
)

// Strategy decides how a field's counter is advanced.
type Strategy int

const (
	// Plain fields take the next value of a scoped counter.
	Plain Strategy = iota
	// Baseline fields raise their counter to the true maximum of the record
	// collection before taking the next value.
	Baseline
	// Global fields use an ever-increasing counter that is never resynced
	// and never released. Unattributed collisions re-allocate them.
	Global
)

func (s Strategy) String() string {
	switch s {
	case Plain:
		return "plain"
	case Baseline:
		return "baseline"
	case Global:
		return "global"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// BaselineFunc returns the highest value currently stored for the field's
// scope in the record collection. 0 means the scope is empty.
type BaselineFunc func(ctx context.Context, sc numbering.Context) (int64, error)

// Field is one numbered field of an entity.
type Field struct {
	Name       string
	Policy     numbering.Policy
	Strategy   Strategy
	Baseline   BaselineFunc
	// Constraint is the unique constraint that guards the field. A violation
	// of it is a collision on this field.
	Constraint string
}

// Plan lists every numbered field of an entity type.
type Plan struct {
	EntityType string
	Fields     []Field
}

func (p Plan) validate() error {
	if p.EntityType == "" {
		return fmt.Errorf("plan: entity type is required")
	}
	if len(p.Fields) == 0 {
		return fmt.Errorf("plan %s: no fields", p.EntityType)
	}
	seen := make(map[string]bool, len(p.Fields))
	for _, f := range p.Fields {
		if f.Name == "" || f.Policy.Entity == "" {
			return fmt.Errorf("plan %s: field name and counter entity are required", p.EntityType)
		}
		if seen[f.Name] {
			return fmt.Errorf("plan %s: duplicate field %s", p.EntityType, f.Name)
		}
		seen[f.Name] = true
		if f.Strategy == Baseline && f.Baseline == nil {
			return fmt.Errorf("plan %s: baseline field %s has no baseline func", p.EntityType, f.Name)
		}
		if f.Strategy == Global && f.Policy.Period != numbering.Global {
			return fmt.Errorf("plan %s: global field %s must use a global counter", p.EntityType, f.Name)
		}
	}
	return nil
}

// Field returns the named field.
func (p Plan) Field(name string) (Field, bool) {
	for _, f := range p.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

func (p Plan) fieldForConstraint(constraint string) (Field, bool) {
	for _, f := range p.Fields {
		if f.Constraint != "" && f.Constraint == constraint {
			return f, true
		}
	}
	return Field{}, false
}

func (p Plan) globalFields() []Field {
	var out []Field
	for _, f := range p.Fields {
		if f.Strategy == Global {
			out = append(out, f)
		}
	}
	return out
}

// Identifiers is the set of numbers issued for one record.
type Identifiers struct {
	EntityType string            `json:"entity_type"`
	Scope      numbering.Context `json:"scope"`
	Values     map[string]int64  `json:"values"`
	Formatted  map[string]string `json:"formatted"`
	Counters   map[string]string `json:"counters"`
	// Attempts is the number of inserts tried by Create.
	Attempts int `json:"attempts,omitempty"`
}

func newIdentifiers(entityType string, sc numbering.Context) *Identifiers {
	return &Identifiers{
		EntityType: entityType,
		Scope:      sc,
		Values:     make(map[string]int64),
		Formatted:  make(map[string]string),
		Counters:   make(map[string]string),
	}
}

// Value returns the raw value of a field.
func (ids *Identifiers) Value(field string) int64 { return ids.Values[field] }

// Display returns the formatted value of a field.
func (ids *Identifiers) Display(field string) string { return ids.Formatted[field] }

// At returns the creation instant the numbers were scoped to.
func (ids *Identifiers) At() time.Time { return ids.Scope.At }
