// Package audit records field-level diffs of mutations to numbered records.
//
// Every mutation lands in two places: the global append-only audit_log and
// the record's own edit_history array. The two writes are independent; either
// may fail without affecting the other, and neither failure is allowed to
// fail the business operation that triggered it.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Recorder writes audit entries, embedded history and deletion archives.
type Recorder struct {
	repo   Repository
	logger zerolog.Logger
	now    func() time.Time
}

func NewRecorder(repo Repository, logger zerolog.Logger) *Recorder {
	return &Recorder{
		repo:   repo,
		logger: logger.With().Str("component", "audit").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func snapshot(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return nil, nil
	}
	return raw, nil
}

// Record builds the diff for in and appends one audit entry. Errors are
// logged and returned; callers on a business path use RecordBestEffort.
func (r *Recorder) Record(ctx context.Context, in Input) (*Entry, error) {
	if !in.Action.Valid() {
		return nil, fmt.Errorf("invalid audit action %q", in.Action)
	}
	actor := in.Actor
	if actor == "" {
		actor = ActorFromContext(ctx)
	}
	e := &Entry{
		ID:           uuid.New(),
		EntityType:   in.EntityType,
		EntityID:     in.EntityID,
		Action:       in.Action,
		FieldChanges: BuildDiff(in.Before, in.After, in.Fields),
		Actor:        actor,
		Meta:         in.Meta,
		RecordedAt:   r.now(),
	}

	var err error
	if e.BeforeSnapshot, err = snapshot(in.Before); err != nil {
		return nil, r.warn(e, fmt.Errorf("encode before snapshot: %w", err))
	}
	if e.AfterSnapshot, err = snapshot(in.After); err != nil {
		return nil, r.warn(e, fmt.Errorf("encode after snapshot: %w", err))
	}
	if err := r.repo.Append(ctx, e); err != nil {
		return nil, r.warn(e, fmt.Errorf("append audit entry: %w", err))
	}
	return e, nil
}

func (r *Recorder) warn(e *Entry, err error) error {
	r.logger.Warn().Err(err).
		Str("entity_type", e.EntityType).
		Str("entity_id", e.EntityID).
		Str("action", string(e.Action)).
		Msg("audit write failed")
	return err
}

// RecordBestEffort is Record with the error swallowed. It returns nil when
// nothing was written.
func (r *Recorder) RecordBestEffort(ctx context.Context, in Input) *Entry {
	e, err := r.Record(ctx, in)
	if err != nil {
		return nil
	}
	return e
}

// PushHistory appends one item to the edit_history of a row.
func (r *Recorder) PushHistory(ctx context.Context, table string, id uuid.UUID, item HistoryItem) error {
	if item.EditedAt.IsZero() {
		item.EditedAt = r.now()
	}
	if item.EditedBy == "" {
		item.EditedBy = ActorFromContext(ctx)
	}
	if err := r.repo.PushHistory(ctx, table, id, item); err != nil {
		r.logger.Warn().Err(err).Str("table", table).Str("entity_id", id.String()).Msg("edit history push failed")
		return err
	}
	return nil
}

// Track records an UPDATE and mirrors its field changes into the row's edit
// history. Both writes are best-effort and independent. The computed changes
// are returned so callers can report them.
func (r *Recorder) Track(ctx context.Context, table string, id uuid.UUID, in Input) map[string]Change {
	if in.Action == "" {
		in.Action = ActionUpdate
	}
	if in.EntityID == "" {
		in.EntityID = id.String()
	}
	changes := BuildDiff(in.Before, in.After, in.Fields)

	r.RecordBestEffort(ctx, in)

	if len(changes) > 0 {
		_ = r.PushHistory(ctx, table, id, HistoryItem{
			EditedAt: r.now(),
			EditedBy: in.Actor,
			Changes:  changes,
		})
	}
	return changes
}

// Archive stores the snapshot of a record that is about to be hard-deleted.
// Unlike audit writes, a failed archive must stop the deletion.
func (r *Recorder) Archive(ctx context.Context, a *ArchivedRecord) error {
	if a.DeletedAt.IsZero() {
		a.DeletedAt = r.now()
	}
	if a.DeletedBy == "" {
		a.DeletedBy = ActorFromContext(ctx)
	}
	if len(a.Snapshot) == 0 {
		return fmt.Errorf("archive %s %s: empty snapshot", a.EntityType, a.OriginalID)
	}
	if err := r.repo.Archive(ctx, a); err != nil {
		return fmt.Errorf("archive %s %s: %w", a.EntityType, a.OriginalID, err)
	}
	return nil
}

// List queries the audit log.
func (r *Recorder) List(ctx context.Context, q Query) ([]*Entry, int, error) {
	if q.Action != "" && !q.Action.Valid() {
		return nil, 0, fmt.Errorf("invalid audit action %q", q.Action)
	}
	return r.repo.List(ctx, q)
}

// ListArchive lists deleted-record snapshots, newest first.
func (r *Recorder) ListArchive(ctx context.Context, entityType string, limit, offset int) ([]*ArchivedRecord, int, error) {
	return r.repo.ListArchive(ctx, entityType, limit, offset)
}
