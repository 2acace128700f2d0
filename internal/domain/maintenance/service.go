// Package maintenance holds the operator tools that inspect and repair
// counters: reset, resync to the true maximum, undo of the latest allocation
// and the rebuild of ordinal fields over a creation window.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/diaglab/lims/internal/platform/audit"
	"github.com/diaglab/lims/internal/platform/lock"
	"github.com/diaglab/lims/internal/platform/numbering"
	"github.com/diaglab/lims/internal/platform/sequence"
)

// counterEntity is the audit entity type of counter-level operations.
const counterEntity = "counter"

// lockKey is the tenant-wide maintenance lock. Issuance never takes it.
const lockKey = "maintenance"

type Service struct {
	alloc    *sequence.Allocator
	recorder *audit.Recorder
	locker   lock.Locker
	loc      *time.Location
	logger   zerolog.Logger

	sources []Source
}

func NewService(alloc *sequence.Allocator, recorder *audit.Recorder, locker lock.Locker, loc *time.Location, logger zerolog.Logger) *Service {
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		alloc:    alloc,
		recorder: recorder,
		locker:   locker,
		loc:      loc,
		logger:   logger.With().Str("component", "maintenance").Logger(),
	}
}

// RegisterSource makes an entity's numbered fields available to resync and
// rebuild. Sources registered first win when counter names are ambiguous.
func (s *Service) RegisterSource(src Source) {
	s.sources = append(s.sources, src)
}

func (s *Service) source(entityType string) (Source, error) {
	for _, src := range s.sources {
		if src.EntityType() == entityType {
			return src, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, entityType)
}

// resolve finds the source field that produces name. Exact entity matches
// are preferred over mode-as-entity matches.
func (s *Service) resolve(name string) (Source, SequencedField, numbering.Context, bool) {
	for _, pass := range []bool{false, true} {
		for _, src := range s.sources {
			for _, f := range src.Fields() {
				if f.Policy.ModeEntity != pass {
					continue
				}
				if sc, ok := f.Policy.Match(name, s.loc); ok {
					return src, f, sc, true
				}
			}
		}
	}
	return nil, SequencedField{}, numbering.Context{}, false
}

// global reports whether name belongs to a Global field.
func (s *Service) global(name string) bool {
	_, f, _, ok := s.resolve(name)
	return ok && f.Global
}

// hold takes the tenant's maintenance lock for op. The caller must call
// release.
func (s *Service) hold(ctx context.Context, op string) (release func(), err error) {
	h, err := s.locker.Obtain(ctx, lockKey)
	if err != nil {
		if errors.Is(err, lock.ErrNotObtained) {
			return nil, fmt.Errorf("%w: %s", ErrMaintenanceInProgress, op)
		}
		return nil, fmt.Errorf("obtain maintenance lock: %w", err)
	}
	return func() {
		if err := h.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn().Err(err).Str("operation", op).Msg("release maintenance lock")
		}
	}, nil
}

func (s *Service) audit(ctx context.Context, r *Report, actor string) {
	s.recorder.RecordBestEffort(ctx, audit.Input{
		EntityType: counterEntity,
		EntityID:   r.Counter,
		Action:     audit.ActionMaintenance,
		Before:     map[string]interface{}{"value": r.Before},
		After:      map[string]interface{}{"value": r.After},
		Fields:     []string{"value"},
		Actor:      actor,
		Meta: map[string]interface{}{
			"operation": r.Operation,
			"changed":   r.Changed,
			"note":      r.Note,
		},
	})
}

// List returns counters whose names start with prefix.
func (s *Service) List(ctx context.Context, prefix string) ([]sequence.Counter, error) {
	return s.alloc.List(ctx, prefix)
}

// GetCurrentValue reads a counter. Operator reads are audited like writes.
func (s *Service) GetCurrentValue(ctx context.Context, name string, actor string) (*Report, error) {
	v, err := s.alloc.GetCurrentValue(ctx, name)
	if err != nil {
		return nil, err
	}
	r := &Report{Operation: OpGet, Counter: name, Before: v, After: v}
	s.audit(ctx, r, actor)
	return r, nil
}

// ResetCounter overwrites a counter with value. A global counter may be
// raised but not lowered.
func (s *Service) ResetCounter(ctx context.Context, name string, value int64, actor string) (*Report, error) {
	release, err := s.hold(ctx, OpReset)
	if err != nil {
		return nil, err
	}
	defer release()

	before, err := s.alloc.GetCurrentValue(ctx, name)
	if err != nil {
		return nil, err
	}
	if value < before && s.global(name) {
		return nil, fmt.Errorf("%w: %s is at %d", ErrGlobalCounter, name, before)
	}
	after, err := s.alloc.ResetCounter(ctx, name, value)
	if err != nil {
		return nil, err
	}
	r := &Report{Operation: OpReset, Counter: name, Before: before, After: after, Changed: before != after}
	s.logger.Info().Str("counter", name).Int64("before", before).Int64("after", after).Str("actor", actor).Msg("counter reset")
	s.audit(ctx, r, actor)
	return r, nil
}

// ResyncToMax sets a counter to the maximum computed by recompute, so the
// next allocation is max+1. Scoped counters may move down as well as up; a
// global counter is only raised, since hard-deleted records no longer count
// towards the maximum.
func (s *Service) ResyncToMax(ctx context.Context, name string, recompute RecomputeFunc, actor string) (*Report, error) {
	release, err := s.hold(ctx, OpResync)
	if err != nil {
		return nil, err
	}
	defer release()

	top, err := recompute(ctx)
	if err != nil {
		return nil, fmt.Errorf("recompute %s: %w", name, err)
	}
	before, err := s.alloc.GetCurrentValue(ctx, name)
	if err != nil {
		return nil, err
	}
	var after int64
	global := s.global(name)
	if global {
		after, err = s.alloc.EnsureAtLeast(ctx, name, top)
	} else {
		after, err = s.alloc.ResetCounter(ctx, name, top)
	}
	if err != nil {
		return nil, err
	}
	r := &Report{Operation: OpResync, Counter: name, Before: before, After: after, Changed: before != after}
	if global && after > top {
		r.Note = fmt.Sprintf("global counter kept at %d; highest stored value is %d", after, top)
	}
	s.logger.Info().Str("counter", name).Int64("before", before).Int64("after", after).Str("actor", actor).Msg("counter resynced")
	s.audit(ctx, r, actor)
	return r, nil
}

// Resync is ResyncToMax with the maximum taken from the registered source
// that owns the counter.
func (s *Service) Resync(ctx context.Context, name string, actor string) (*Report, error) {
	src, f, sc, ok := s.resolve(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnresolvedCounter, name)
	}
	return s.ResyncToMax(ctx, name, func(ctx context.Context) (int64, error) {
		return src.ScopeMax(ctx, f.Name, sc, nil)
	}, actor)
}

// ReleaseIfLatest undoes the allocation of value if it is still the latest
// one. When a later number has been issued the counter is left alone and the
// report says so; that is not an error. Global counters are never released.
// It does not take the maintenance lock; the decrement is a compare-and-set
// in the store.
func (s *Service) ReleaseIfLatest(ctx context.Context, name string, value int64, actor string) (*Report, error) {
	if s.global(name) {
		return nil, fmt.Errorf("%w: %s", ErrGlobalCounter, name)
	}
	before, err := s.alloc.GetCurrentValue(ctx, name)
	if err != nil {
		return nil, err
	}
	released, err := s.alloc.ReleaseIfLatest(ctx, name, value)
	if err != nil {
		return nil, err
	}
	r := &Report{Operation: OpRelease, Counter: name, Before: before, After: before, Changed: released}
	if released {
		r.After = value - 1
	} else {
		r.Note = fmt.Sprintf("value %d is not the latest allocation; counter left unchanged", value)
	}
	s.audit(ctx, r, actor)
	return r, nil
}

type scopeKey struct {
	field   string
	counter string
}

// RebuildSequenceFieldsForWindow renumbers the ordinal fields of every live
// record created inside w, in creation order, continuing from the highest
// value stored before the window in each scope. All reassignments are
// applied in one transaction; afterwards each touched counter is resynced to
// its scope maximum. Runs hold the tenant's maintenance lock.
func (s *Service) RebuildSequenceFieldsForWindow(ctx context.Context, entityType string, w Window, actor string) (*Report, error) {
	if err := w.validate(); err != nil {
		return nil, err
	}
	found, err := s.source(entityType)
	if err != nil {
		return nil, err
	}
	src, ok := found.(Rebuilder)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRebuildable, entityType)
	}
	var fields []SequencedField
	for _, f := range src.Fields() {
		if f.Renumber {
			fields = append(fields, f)
		}
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotRebuildable, entityType)
	}

	release, err := s.hold(ctx, OpRebuild+" "+entityType)
	if err != nil {
		return nil, err
	}
	defer release()

	records, err := src.ListWindow(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("list %s window: %w", entityType, err)
	}

	next := make(map[scopeKey]int64)
	scopes := make(map[scopeKey]numbering.Context)
	var changes []Reassignment
	perRecord := make(map[int][]Reassignment)

	from := w.From
	for i, rec := range records {
		sc := numbering.Context{Mode: rec.Mode, At: rec.CreatedAt}
		for _, f := range fields {
			key := scopeKey{field: f.Name, counter: f.Policy.CounterName(sc, s.loc)}
			if _, ok := next[key]; !ok {
				base, err := src.ScopeMax(ctx, f.Name, sc, &from)
				if err != nil {
					return nil, fmt.Errorf("baseline for %s: %w", key.counter, err)
				}
				next[key] = base
				scopes[key] = sc
			}
			next[key]++
			if cur := rec.Values[f.Name]; cur != next[key] {
				c := Reassignment{ID: rec.ID, Field: f.Name, Before: cur, After: next[key]}
				changes = append(changes, c)
				perRecord[i] = append(perRecord[i], c)
			}
		}
	}

	if len(changes) > 0 {
		if err := src.Apply(ctx, changes); err != nil {
			return nil, fmt.Errorf("apply %s rebuild: %w", entityType, err)
		}
	}

	for i, rec := range records {
		cs := perRecord[i]
		if len(cs) == 0 {
			continue
		}
		before := make(map[string]interface{}, len(cs))
		after := make(map[string]interface{}, len(cs))
		fields := make([]string, 0, len(cs))
		for _, c := range cs {
			before[c.Field] = c.Before
			after[c.Field] = c.After
			fields = append(fields, c.Field)
		}
		s.recorder.Track(ctx, src.Table(), rec.ID, audit.Input{
			EntityType: entityType,
			EntityID:   rec.ID.String(),
			Action:     audit.ActionUpdate,
			Before:     before,
			After:      after,
			Fields:     fields,
			Actor:      actor,
			Meta:       map[string]interface{}{"operation": OpRebuild, "display_id": rec.EntityID},
		})
	}

	report := &Report{
		Operation:  OpRebuild,
		EntityType: entityType,
		Window:     &w,
		Examined:   len(records),
		Reassigned: len(perRecord),
		Changed:    len(changes) > 0,
	}

	keys := make([]scopeKey, 0, len(scopes))
	for k := range scopes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].counter < keys[j].counter })
	for _, k := range keys {
		top, err := src.ScopeMax(ctx, k.field, scopes[k], nil)
		if err != nil {
			return report, fmt.Errorf("recompute %s: %w", k.counter, err)
		}
		before, err := s.alloc.GetCurrentValue(ctx, k.counter)
		if err != nil {
			return report, err
		}
		after, err := s.alloc.ResetCounter(ctx, k.counter, top)
		if err != nil {
			return report, err
		}
		report.Counters = append(report.Counters, CounterChange{Counter: k.counter, Before: before, After: after})
	}

	s.logger.Info().
		Str("entity_type", entityType).
		Time("from", w.From).
		Time("to", w.To).
		Int("examined", report.Examined).
		Int("reassigned", report.Reassigned).
		Str("actor", actor).
		Msg("sequence fields rebuilt")

	s.recorder.RecordBestEffort(ctx, audit.Input{
		EntityType: entityType,
		EntityID:   fmt.Sprintf("%s..%s", w.From.Format(time.RFC3339), w.To.Format(time.RFC3339)),
		Action:     audit.ActionMaintenance,
		Actor:      actor,
		Meta: map[string]interface{}{
			"operation":  OpRebuild,
			"examined":   report.Examined,
			"reassigned": report.Reassigned,
			"counters":   report.Counters,
		},
	})
	return report, nil
}
