package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestUniqueViolation(t *testing.T) {
	err := fmt.Errorf("insert patient: %w", &pgconn.PgError{Code: "23505", ConstraintName: "patient_patient_id_key"})

	constraint, ok := UniqueViolation(err)
	if !ok {
		t.Fatal("expected unique violation to be detected through wrapping")
	}
	if constraint != "patient_patient_id_key" {
		t.Errorf("expected constraint patient_patient_id_key, got %q", constraint)
	}
}

func TestUniqueViolation_OtherCodes(t *testing.T) {
	if _, ok := UniqueViolation(&pgconn.PgError{Code: "23503"}); ok {
		t.Error("foreign key violation must not be reported as unique violation")
	}
	if _, ok := UniqueViolation(errors.New("boom")); ok {
		t.Error("plain error must not be reported as unique violation")
	}
	if _, ok := UniqueViolation(nil); ok {
		t.Error("nil error must not be reported as unique violation")
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(fmt.Errorf("get counter: %w", pgx.ErrNoRows)) {
		t.Error("expected wrapped pgx.ErrNoRows to be not found")
	}
	if IsNotFound(errors.New("other")) {
		t.Error("expected plain error not to be not found")
	}
}
