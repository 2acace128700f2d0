package sequence

import (
	"context"
	"errors"
	"time"

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

// PostgresStore keeps counters in the tenant schema's counter table. Each
// method is one statement, so row-level locking inside Postgres serializes
// concurrent increments of the same name.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

const (
	sqlCounterCurrent = `SELECT value FROM counter WHERE name = $1`

	sqlCounterNext = `
		INSERT INTO counter (name, value) VALUES ($1, 1)
		ON CONFLICT (name) DO UPDATE SET value = counter.value + 1, updated_at = NOW()
		RETURNING value`

	sqlCounterSet = `
		INSERT INTO counter (name, value) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
		RETURNING value`

	sqlCounterRaise = `
		INSERT INTO counter (name, value) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET value = GREATEST(counter.value, EXCLUDED.value), updated_at = NOW()
		RETURNING value`

	sqlCounterDecrement = `
		UPDATE counter SET value = value - 1, updated_at = NOW()
		WHERE name = $1 AND value = $2 AND value > 0`

	// left() instead of LIKE: counter names are full of underscores.
	sqlCounterList = `
		SELECT name, value, updated_at FROM counter
		WHERE left(name, char_length($1)) = $1
		ORDER BY name`
)

func (s *PostgresStore) Current(ctx context.Context, name string) (int64, error) {
	var v int64
	err := s.conn(ctx).QueryRow(ctx, sqlCounterCurrent, name).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

func (s *PostgresStore) Next(ctx context.Context, name string) (int64, error) {
	var v int64
	err := s.conn(ctx).QueryRow(ctx, sqlCounterNext, name).Scan(&v)
	return v, err
}

func (s *PostgresStore) Set(ctx context.Context, name string, value int64) (int64, error) {
	var v int64
	err := s.conn(ctx).QueryRow(ctx, sqlCounterSet, name, value).Scan(&v)
	return v, err
}

func (s *PostgresStore) RaiseTo(ctx context.Context, name string, floor int64) (int64, error) {
	var v int64
	err := s.conn(ctx).QueryRow(ctx, sqlCounterRaise, name, floor).Scan(&v)
	return v, err
}

func (s *PostgresStore) DecrementIfEquals(ctx context.Context, name string, expected int64) (bool, error) {
	tag, err := s.conn(ctx).Exec(ctx, sqlCounterDecrement, name, expected)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) List(ctx context.Context, prefix string) ([]Counter, error) {
	rows, err := s.conn(ctx).Query(ctx, sqlCounterList, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Counter
	for rows.Next() {
		var (
			c  Counter
			ts time.Time
		)
		if err := rows.Scan(&c.Name, &c.Value, &ts); err != nil {
			return nil, err
		}
		c.UpdatedAt = &ts
		out = append(out, c)
	}
	return out, rows.Err()
}
