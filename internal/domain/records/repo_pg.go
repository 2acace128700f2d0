package records

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/diaglab/lims/internal/domain/maintenance"
	"github.com/diaglab/lims/internal/platform/audit"
	"github.com/diaglab/lims/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type pgBase struct{ pool *pgxpool.Pool }

func (b pgBase) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return b.pool
}

func notFound(err error) error {
	if db.IsNotFound(err) {
		return ErrNotFound
	}
	return err
}

// scopeFunc renders the WHERE clause selecting one scope of a numbered
// column. Placeholders start at $1.
type scopeFunc func(s Scope) (string, []interface{})

// unscoped covers global sequences.
func unscoped(Scope) (string, []interface{}) { return "", nil }

func (b pgBase) scopeMax(ctx context.Context, table, column string, scopes map[string]scopeFunc, s Scope, before *time.Time) (int64, error) {
	fn, ok := scopes[column]
	if !ok {
		return 0, fmt.Errorf("%s has no numbered column %q", table, column)
	}
	cond, args := fn(s)
	var where []string
	if cond != "" {
		where = append(where, cond)
	}
	if before != nil {
		args = append(args, *before)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	sql := fmt.Sprintf("SELECT COALESCE(MAX(%s), 0) FROM %s", column, table)
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	var v int64
	if err := b.conn(ctx).QueryRow(ctx, sql, args...).Scan(&v); err != nil {
		return 0, fmt.Errorf("max %s.%s: %w", table, column, err)
	}
	return v, nil
}

// reassign moves ordinals in two phases inside one transaction: every moved
// value is first parked on its negative, then set to its final value, so
// reordering within a scope never trips a unique constraint.
func (b pgBase) reassign(ctx context.Context, table string, scopes map[string]scopeFunc, changes []maintenance.Reassignment) error {
	for _, c := range changes {
		if _, ok := scopes[c.Field]; !ok {
			return fmt.Errorf("%s has no numbered column %q", table, c.Field)
		}
	}
	return db.RunInTx(ctx, b.pool, func(ctx context.Context) error {
		q := b.conn(ctx)
		for _, c := range changes {
			if _, err := q.Exec(ctx, fmt.Sprintf(`UPDATE %s SET %s = $2 WHERE id = $1`, table, c.Field), c.ID, -c.After); err != nil {
				return fmt.Errorf("park %s.%s: %w", table, c.Field, err)
			}
		}
		for _, c := range changes {
			if _, err := q.Exec(ctx, fmt.Sprintf(`UPDATE %s SET %s = $2, updated_at = NOW() WHERE id = $1`, table, c.Field), c.ID, c.After); err != nil {
				return fmt.Errorf("set %s.%s: %w", table, c.Field, err)
			}
		}
		return nil
	})
}

func decodeHistory(raw []byte) ([]audit.HistoryItem, error) {
	items := []audit.HistoryItem{}
	if len(raw) == 0 {
		return items, nil
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode edit_history: %w", err)
	}
	return items, nil
}

type filter struct {
	where []string
	args  []interface{}
}

func (f *filter) add(clause string, v interface{}) {
	f.args = append(f.args, v)
	f.where = append(f.where, fmt.Sprintf(clause, len(f.args)))
}

func (f *filter) sql() string {
	if len(f.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.where, " AND ")
}

func (f *filter) page(limit, offset int) (string, []interface{}) {
	args := append(append([]interface{}(nil), f.args...), limit, offset)
	return fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args)), args
}

// -- Patient Repository --

type patientRepoPG struct{ pgBase }

func NewPatientRepo(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pgBase{pool: pool}}
}

var patientScopes = map[string]scopeFunc{
	"uhid_seq": func(s Scope) (string, []interface{}) {
		return "uhid_year = $1", []interface{}{s.Year}
	},
}

const patientCols = `id, patient_id, uhid_year, uhid_seq, name, phone, gender, birth_date,
	address, edit_history, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var (
		p                Patient
		address, history []byte
	)
	if err := row.Scan(&p.ID, &p.PatientID, &p.UHIDYear, &p.UHIDSeq, &p.Name, &p.Phone, &p.Gender, &p.BirthDate,
		&address, &history, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if len(address) > 0 {
		if err := json.Unmarshal(address, &p.Address); err != nil {
			return nil, fmt.Errorf("decode address: %w", err)
		}
	}
	var err error
	if p.EditHistory, err = decodeHistory(history); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	address, err := json.Marshal(p.Address)
	if err != nil {
		return fmt.Errorf("encode address: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO patient (id, patient_id, uhid_year, uhid_seq, name, phone, gender, birth_date,
			address, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)`,
		p.ID, p.PatientID, p.UHIDYear, p.UHIDSeq, p.Name, p.Phone, p.Gender, p.BirthDate,
		address, p.CreatedAt)
	return err
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
	return p, notFound(err)
}

func (r *patientRepoPG) GetByPatientID(ctx context.Context, year int, patientID string) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patient WHERE uhid_year = $1 AND patient_id = $2`, year, patientID))
	return p, notFound(err)
}

func (r *patientRepoPG) Update(ctx context.Context, p *Patient) error {
	address, err := json.Marshal(p.Address)
	if err != nil {
		return fmt.Errorf("encode address: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient SET name=$2, phone=$3, gender=$4, birth_date=$5, address=$6, updated_at=NOW()
		WHERE id = $1`,
		p.ID, p.Name, p.Phone, p.Gender, p.BirthDate, address)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *patientRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM patient WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *patientRepoPG) List(ctx context.Context, q ListQuery) ([]*Patient, int, error) {
	var f filter
	if q.Since != nil {
		f.add("created_at >= $%d", *q.Since)
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patient`+f.sql(), f.args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit, args := f.page(q.Limit, q.Offset)
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+patientCols+` FROM patient`+f.sql()+` ORDER BY created_at DESC, id`+limit, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

func (r *patientRepoPG) ScopeMax(ctx context.Context, column string, s Scope, before *time.Time) (int64, error) {
	return r.scopeMax(ctx, "patient", column, patientScopes, s, before)
}

// -- Appointment Repository --

type appointmentRepoPG struct{ pgBase }

func NewAppointmentRepo(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pgBase{pool: pool}}
}

var appointmentScopes = map[string]scopeFunc{
	"appointment_seq": unscoped,
	"yearly_no": func(s Scope) (string, []interface{}) {
		return "mode = $1 AND seq_year = $2", []interface{}{s.Mode, s.Year}
	},
	"monthly_no": func(s Scope) (string, []interface{}) {
		return "mode = $1 AND seq_month = $2", []interface{}{s.Mode, s.Month}
	},
	"daily_no": func(s Scope) (string, []interface{}) {
		return "mode = $1 AND seq_day = $2", []interface{}{s.Mode, s.Day}
	},
}

const appointmentCols = `id, appointment_id, appointment_seq, patient_ref, doctor_name, mode, status, scheduled_at,
	seq_year, seq_month, seq_day, yearly_no, monthly_no, daily_no, edit_history, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a       Appointment
		history []byte
	)
	if err := row.Scan(&a.ID, &a.AppointmentID, &a.Seq, &a.PatientRef, &a.DoctorName, &a.Mode, &a.Status, &a.ScheduledAt,
		&a.SeqYear, &a.SeqMonth, &a.SeqDay, &a.YearlyNo, &a.MonthlyNo, &a.DailyNo, &history, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if a.EditHistory, err = decodeHistory(history); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO appointment (id, appointment_id, appointment_seq, patient_ref, doctor_name, mode, status, scheduled_at,
			seq_year, seq_month, seq_day, yearly_no, monthly_no, daily_no, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$15)`,
		a.ID, a.AppointmentID, a.Seq, a.PatientRef, a.DoctorName, a.Mode, a.Status, a.ScheduledAt,
		a.SeqYear, a.SeqMonth, a.SeqDay, a.YearlyNo, a.MonthlyNo, a.DailyNo, a.CreatedAt)
	return err
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := scanAppointment(r.conn(ctx).QueryRow(ctx, `SELECT `+appointmentCols+` FROM appointment WHERE id = $1`, id))
	return a, notFound(err)
}

func (r *appointmentRepoPG) Update(ctx context.Context, a *Appointment, status string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointment SET doctor_name=$2, status=$3, scheduled_at=$4, updated_at=NOW()
		WHERE id = $1 AND status = $5`,
		a.ID, a.DoctorName, a.Status, a.ScheduledAt, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var current string
	if err := r.conn(ctx).QueryRow(ctx, `SELECT status FROM appointment WHERE id = $1`, a.ID).Scan(&current); err != nil {
		return notFound(err)
	}
	return fmt.Errorf("%w: status changed from %s to %s", ErrInvalidState, status, current)
}

func (r *appointmentRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM appointment WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *appointmentRepoPG) List(ctx context.Context, q ListQuery) ([]*Appointment, int, error) {
	var f filter
	if q.Mode != "" {
		f.add("mode = $%d", q.Mode)
	}
	if q.Status != "" {
		f.add("status = $%d", q.Status)
	}
	if q.PatientRef != nil {
		f.add("patient_ref = $%d", *q.PatientRef)
	}
	if q.Since != nil {
		f.add("created_at >= $%d", *q.Since)
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointment`+f.sql(), f.args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit, args := f.page(q.Limit, q.Offset)
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+appointmentCols+` FROM appointment`+f.sql()+` ORDER BY created_at DESC, id`+limit, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *appointmentRepoPG) ScopeMax(ctx context.Context, column string, s Scope, before *time.Time) (int64, error) {
	return r.scopeMax(ctx, "appointment", column, appointmentScopes, s, before)
}

func (r *appointmentRepoPG) ListWindow(ctx context.Context, w maintenance.Window) ([]maintenance.SequencedRecord, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, appointment_id, mode, created_at, yearly_no, monthly_no, daily_no
		FROM appointment WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at, id`, w.From, w.To)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []maintenance.SequencedRecord
	for rows.Next() {
		var (
			rec                    maintenance.SequencedRecord
			yearly, monthly, daily int64
		)
		if err := rows.Scan(&rec.ID, &rec.EntityID, &rec.Mode, &rec.CreatedAt, &yearly, &monthly, &daily); err != nil {
			return nil, err
		}
		rec.Values = map[string]int64{"yearly_no": yearly, "monthly_no": monthly, "daily_no": daily}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *appointmentRepoPG) Reassign(ctx context.Context, changes []maintenance.Reassignment) error {
	return r.reassign(ctx, "appointment", appointmentScopes, changes)
}

// -- Pathology Invoice Repository --

type invoiceRepoPG struct{ pgBase }

func NewInvoiceRepo(pool *pgxpool.Pool) InvoiceRepository {
	return &invoiceRepoPG{pgBase{pool: pool}}
}

var invoiceScopes = map[string]scopeFunc{
	// Booking numbers stay taken after a soft delete.
	"booking_seq": unscoped,
	"receipt_number": func(s Scope) (string, []interface{}) {
		return "receipt_year = $1 AND NOT deleted", []interface{}{s.Year}
	},
	"daily_no": func(s Scope) (string, []interface{}) {
		return "mode = $1 AND receipt_day = $2 AND NOT deleted", []interface{}{s.Mode, s.Day}
	},
}

const invoiceCols = `id, invoice_number, booking_seq, patient_ref, mode, receipt_year, receipt_number,
	receipt_day, daily_no, tests, amount::text, status, deleted, edit_history, created_at, updated_at`

func scanInvoice(row pgx.Row) (*PathologyInvoice, error) {
	var (
		inv            PathologyInvoice
		tests, history []byte
		amount         string
	)
	if err := row.Scan(&inv.ID, &inv.InvoiceNumber, &inv.BookingSeq, &inv.PatientRef, &inv.Mode, &inv.ReceiptYear,
		&inv.ReceiptNumber, &inv.ReceiptDay, &inv.DailyNo, &tests, &amount, &inv.Status, &inv.Deleted,
		&history, &inv.CreatedAt, &inv.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if inv.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("decode amount: %w", err)
	}
	if len(tests) > 0 {
		if err := json.Unmarshal(tests, &inv.Tests); err != nil {
			return nil, fmt.Errorf("decode tests: %w", err)
		}
	}
	if inv.EditHistory, err = decodeHistory(history); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *invoiceRepoPG) Create(ctx context.Context, inv *PathologyInvoice) error {
	tests, err := json.Marshal(inv.Tests)
	if err != nil {
		return fmt.Errorf("encode tests: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO pathology_invoice (id, invoice_number, booking_seq, patient_ref, mode, receipt_year,
			receipt_number, receipt_day, daily_no, tests, amount, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11::numeric,$12,$13,$13)`,
		inv.ID, inv.InvoiceNumber, inv.BookingSeq, inv.PatientRef, inv.Mode, inv.ReceiptYear,
		inv.ReceiptNumber, inv.ReceiptDay, inv.DailyNo, tests, inv.Amount.String(), inv.Status, inv.CreatedAt)
	return err
}

func (r *invoiceRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*PathologyInvoice, error) {
	inv, err := scanInvoice(r.conn(ctx).QueryRow(ctx, `SELECT `+invoiceCols+` FROM pathology_invoice WHERE id = $1`, id))
	return inv, notFound(err)
}

func (r *invoiceRepoPG) Update(ctx context.Context, inv *PathologyInvoice) error {
	tests, err := json.Marshal(inv.Tests)
	if err != nil {
		return fmt.Errorf("encode tests: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE pathology_invoice SET tests=$2, amount=$3::numeric, status=$4, updated_at=NOW()
		WHERE id = $1 AND NOT deleted`,
		inv.ID, tests, inv.Amount.String(), inv.Status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *invoiceRepoPG) SoftDelete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE pathology_invoice SET deleted = TRUE, status = $2, updated_at = NOW()
		WHERE id = $1 AND NOT deleted`, id, InvoiceVoid)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *invoiceRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM pathology_invoice WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *invoiceRepoPG) List(ctx context.Context, q ListQuery) ([]*PathologyInvoice, int, error) {
	var f filter
	if !q.IncludeDeleted {
		f.where = append(f.where, "NOT deleted")
	}
	if q.Mode != "" {
		f.add("mode = $%d", q.Mode)
	}
	if q.Status != "" {
		f.add("status = $%d", q.Status)
	}
	if q.PatientRef != nil {
		f.add("patient_ref = $%d", *q.PatientRef)
	}
	if q.Since != nil {
		f.add("created_at >= $%d", *q.Since)
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM pathology_invoice`+f.sql(), f.args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit, args := f.page(q.Limit, q.Offset)
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+invoiceCols+` FROM pathology_invoice`+f.sql()+` ORDER BY created_at DESC, id`+limit, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*PathologyInvoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, inv)
	}
	return items, total, rows.Err()
}

func (r *invoiceRepoPG) ScopeMax(ctx context.Context, column string, s Scope, before *time.Time) (int64, error) {
	return r.scopeMax(ctx, "pathology_invoice", column, invoiceScopes, s, before)
}

func (r *invoiceRepoPG) ListWindow(ctx context.Context, w maintenance.Window) ([]maintenance.SequencedRecord, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, invoice_number, mode, created_at, receipt_number, daily_no
		FROM pathology_invoice WHERE NOT deleted AND created_at >= $1 AND created_at < $2
		ORDER BY created_at, id`, w.From, w.To)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []maintenance.SequencedRecord
	for rows.Next() {
		var (
			rec            maintenance.SequencedRecord
			receipt, daily int64
		)
		if err := rows.Scan(&rec.ID, &rec.EntityID, &rec.Mode, &rec.CreatedAt, &receipt, &daily); err != nil {
			return nil, err
		}
		rec.Values = map[string]int64{"receipt_number": receipt, "daily_no": daily}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *invoiceRepoPG) Reassign(ctx context.Context, changes []maintenance.Reassignment) error {
	return r.reassign(ctx, "pathology_invoice", invoiceScopes, changes)
}
