package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/diaglab/lims/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const auditCols = `id, entity_type, entity_id, action, before_snapshot, after_snapshot,
	field_changes, actor, meta, recorded_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var (
		e             Entry
		action        string
		before, after []byte
		changes, meta []byte
	)
	if err := row.Scan(&e.ID, &e.EntityType, &e.EntityID, &action, &before, &after,
		&changes, &e.Actor, &meta, &e.RecordedAt); err != nil {
		return nil, err
	}
	e.Action = Action(action)
	e.BeforeSnapshot = before
	e.AfterSnapshot = after
	if len(changes) > 0 {
		if err := json.Unmarshal(changes, &e.FieldChanges); err != nil {
			return nil, fmt.Errorf("decode field_changes: %w", err)
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Meta); err != nil {
			return nil, fmt.Errorf("decode meta: %w", err)
		}
	}
	return &e, nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *repoPG) Append(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	changes, err := json.Marshal(e.FieldChanges)
	if err != nil {
		return fmt.Errorf("encode field_changes: %w", err)
	}
	meta := []byte("{}")
	if len(e.Meta) > 0 {
		if meta, err = json.Marshal(e.Meta); err != nil {
			return fmt.Errorf("encode meta: %w", err)
		}
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO audit_log (id, entity_type, entity_id, action, before_snapshot, after_snapshot,
			field_changes, actor, meta, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.ID, e.EntityType, e.EntityID, string(e.Action), nullableJSON(e.BeforeSnapshot),
		nullableJSON(e.AfterSnapshot), changes, e.Actor, meta, e.RecordedAt)
	return err
}

func (r *repoPG) List(ctx context.Context, q Query) ([]*Entry, int, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if q.EntityType != "" {
		add("entity_type = $%d", q.EntityType)
	}
	if q.EntityID != "" {
		add("entity_id = $%d", q.EntityID)
	}
	if q.Action != "" {
		add("action = $%d", string(q.Action))
	}
	if q.Actor != "" {
		add("actor = $%d", q.Actor)
	}
	if q.Since != nil {
		add("recorded_at >= $%d", *q.Since)
	}
	filter := ""
	if len(where) > 0 {
		filter = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM audit_log`+filter, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, q.Limit, q.Offset)
	rows, err := r.conn(ctx).Query(ctx,
		fmt.Sprintf(`SELECT `+auditCols+` FROM audit_log`+filter+` ORDER BY recorded_at DESC, id LIMIT $%d OFFSET $%d`,
			len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}

func (r *repoPG) Archive(ctx context.Context, a *ArchivedRecord) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO deleted_record_archive (id, entity_type, original_id, scope_name, scoped_value,
			snapshot, deleted_by, deleted_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.ID, a.EntityType, a.OriginalID, nullableString(a.ScopeName), a.ScopedValue,
		[]byte(a.Snapshot), a.DeletedBy, a.DeletedAt)
	return err
}

func (r *repoPG) ListArchive(ctx context.Context, entityType string, limit, offset int) ([]*ArchivedRecord, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM deleted_record_archive WHERE ($1 = '' OR entity_type = $1)`, entityType).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, entity_type, original_id, scope_name, scoped_value, snapshot, deleted_by, deleted_at
		FROM deleted_record_archive WHERE ($1 = '' OR entity_type = $1)
		ORDER BY deleted_at DESC LIMIT $2 OFFSET $3`, entityType, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*ArchivedRecord
	for rows.Next() {
		var (
			a        ArchivedRecord
			scope    *string
			snapshot []byte
		)
		if err := rows.Scan(&a.ID, &a.EntityType, &a.OriginalID, &scope, &a.ScopedValue,
			&snapshot, &a.DeletedBy, &a.DeletedAt); err != nil {
			return nil, 0, err
		}
		if scope != nil {
			a.ScopeName = *scope
		}
		a.Snapshot = snapshot
		items = append(items, &a)
	}
	return items, total, rows.Err()
}

// PushHistory appends item to the edit_history array of one row. The table
// name is checked against a fixed allowlist before being spliced into SQL.
func (r *repoPG) PushHistory(ctx context.Context, table string, id uuid.UUID, item HistoryItem) error {
	if !HistoryTable(table) {
		return fmt.Errorf("table %q has no edit history", table)
	}
	raw, err := json.Marshal([]HistoryItem{item})
	if err != nil {
		return fmt.Errorf("encode history item: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET edit_history = COALESCE(edit_history, '[]'::jsonb) || $2::jsonb WHERE id = $1`, table),
		id, raw)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s not found", table, id)
	}
	return nil
}
