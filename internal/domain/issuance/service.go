// Package issuance assigns every scoped number a new record needs and
// persists the record, re-allocating on uniqueness collisions.
package issuance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/diaglab/lims/internal/platform/db"
	"github.com/diaglab/lims/internal/platform/numbering"
	"github.com/diaglab/lims/internal/platform/sequence"
)

// DefaultMaxAttempts bounds the insert loop of Create.
const DefaultMaxAttempts = 25

var (
	// ErrCouldNotAllocateIdentifier means every insert attempt collided.
	ErrCouldNotAllocateIdentifier = errors.New("could not allocate a unique identifier")
	// ErrUnknownEntity means no plan is registered for the entity type.
	ErrUnknownEntity = errors.New("unknown entity type")
)

// InsertFunc persists a record carrying ids. It must return the store's
// error unchanged so collisions can be recognised.
type InsertFunc func(ctx context.Context, ids *Identifiers) error

// CollisionDetector reports whether err is a uniqueness violation and, when
// known, the name of the violated constraint.
type CollisionDetector func(err error) (constraint string, ok bool)

// OutcomeKind tags the result of a single insert attempt.
type OutcomeKind int

const (
	OutcomeOK OutcomeKind = iota
	OutcomeCollision
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeCollision:
		return "collision"
	default:
		return "failed"
	}
}

// Outcome is the tagged result of one insert attempt. Field names the
// colliding field when Kind is OutcomeCollision.
type Outcome struct {
	Kind  OutcomeKind
	Field string
	Err   error
}

type Config struct {
	MaxAttempts int
	Location    *time.Location
	Detector    CollisionDetector
}

type Service struct {
	alloc       *sequence.Allocator
	loc         *time.Location
	maxAttempts int
	detect      CollisionDetector
	logger      zerolog.Logger
	now         func() time.Time

	mu    sync.RWMutex
	plans map[string]Plan
}

func NewService(alloc *sequence.Allocator, cfg Config, logger zerolog.Logger) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Detector == nil {
		cfg.Detector = db.UniqueViolation
	}
	return &Service{
		alloc:       alloc,
		loc:         cfg.Location,
		maxAttempts: cfg.MaxAttempts,
		detect:      cfg.Detector,
		logger:      logger.With().Str("component", "issuance").Logger(),
		now:         time.Now,
		plans:       make(map[string]Plan),
	}
}

// Register adds or replaces the plan for an entity type.
func (s *Service) Register(p Plan) error {
	if err := p.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.plans[p.EntityType] = p
	s.mu.Unlock()
	return nil
}

// Plan returns the registered plan for entityType.
func (s *Service) Plan(entityType string) (Plan, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[entityType]
	return p, ok
}

// EntityTypes lists registered entity types in name order.
func (s *Service) EntityTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.plans))
	for k := range s.plans {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Location is the zone used to derive local calendar dates.
func (s *Service) Location() *time.Location { return s.loc }

// Allocator exposes the allocator used for issuance.
func (s *Service) Allocator() *sequence.Allocator { return s.alloc }

func (s *Service) plan(entityType string) (Plan, error) {
	p, ok := s.Plan(entityType)
	if !ok {
		return Plan{}, fmt.Errorf("%w: %s", ErrUnknownEntity, entityType)
	}
	return p, nil
}

// IssueIdentifiers allocates every numbered field of entityType for sc
// without persisting anything. A zero sc.At means now.
func (s *Service) IssueIdentifiers(ctx context.Context, entityType string, sc numbering.Context) (*Identifiers, error) {
	p, err := s.plan(entityType)
	if err != nil {
		return nil, err
	}
	if sc.At.IsZero() {
		sc.At = s.now()
	}
	ids := newIdentifiers(entityType, sc)
	for _, f := range p.Fields {
		if err := s.allocate(ctx, f, ids); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (s *Service) allocate(ctx context.Context, f Field, ids *Identifiers) error {
	name := f.Policy.CounterName(ids.Scope, s.loc)

	if f.Strategy == Baseline {
		floor, err := f.Baseline(ctx, ids.Scope)
		if err != nil {
			return &sequence.AllocationError{Op: "baseline", Counter: name, Err: err}
		}
		if _, err := s.alloc.EnsureAtLeast(ctx, name, floor); err != nil {
			return err
		}
	}

	v, err := s.alloc.GetNextValue(ctx, name)
	if err != nil {
		return err
	}
	ids.Values[f.Name] = v
	ids.Formatted[f.Name] = f.Policy.Format(v)
	ids.Counters[f.Name] = name
	return nil
}

// Create issues identifiers for a new record and persists it through insert.
// When insert fails with a uniqueness violation only the colliding field is
// re-allocated and the insert is retried, at most MaxAttempts times in total.
// Exhaustion returns ErrCouldNotAllocateIdentifier; numbers consumed by
// failed attempts become gaps.
func (s *Service) Create(ctx context.Context, entityType string, sc numbering.Context, insert InsertFunc) (*Identifiers, error) {
	p, err := s.plan(entityType)
	if err != nil {
		return nil, err
	}
	ids, err := s.IssueIdentifiers(ctx, entityType, sc)
	if err != nil {
		return nil, err
	}

	var last Outcome
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		ids.Attempts = attempt
		last = s.attempt(ctx, p, ids, insert)

		switch last.Kind {
		case OutcomeOK:
			return ids, nil
		case OutcomeFailed:
			return nil, last.Err
		}

		s.logger.Warn().
			Str("entity_type", entityType).
			Str("field", last.Field).
			Str("counter", ids.Counters[last.Field]).
			Int64("value", ids.Values[last.Field]).
			Int("attempt", attempt).
			Msg("identifier collision")

		if attempt == s.maxAttempts {
			break
		}
		f, _ := p.Field(last.Field)
		if err := s.allocate(ctx, f, ids); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: %s field %s after %d attempts: %v",
		ErrCouldNotAllocateIdentifier, entityType, last.Field, s.maxAttempts, last.Err)
}

// attempt runs one insert and classifies its result.
func (s *Service) attempt(ctx context.Context, p Plan, ids *Identifiers, insert InsertFunc) Outcome {
	err := insert(ctx, ids)
	if err == nil {
		return Outcome{Kind: OutcomeOK}
	}
	constraint, ok := s.detect(err)
	if !ok {
		return Outcome{Kind: OutcomeFailed, Err: err}
	}
	if f, ok := p.fieldForConstraint(constraint); ok {
		return Outcome{Kind: OutcomeCollision, Field: f.Name, Err: err}
	}
	// An unattributed violation lands on the global counter when there is
	// exactly one; anything else is not a numbering problem.
	if constraint == "" {
		if g := p.globalFields(); len(g) == 1 {
			return Outcome{Kind: OutcomeCollision, Field: g[0].Name, Err: err}
		}
	}
	return Outcome{Kind: OutcomeFailed, Err: err}
}
