package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "gorm", err: gorm.ErrDuplicatedKey, want: true},
		{name: "pg_code", err: fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), want: true},
		{name: "sqlite", err: errors.New("UNIQUE constraint failed: payment_allocations.idempotency_key"), want: true},
		{name: "mysql", err: errors.New("Error 1062: Duplicate entry"), want: true},
		{name: "other", err: errors.New("boom"), want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsDuplicateKeyErr(tc.err); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestIsRetryableTxErr(t *testing.T) {
	if !IsRetryableTxErr(&pgconn.PgError{Code: "40001"}) {
		t.Fatalf("expected serialization failure to be retryable")
	}
	if !IsRetryableTxErr(fmt.Errorf("wrap: %w", &pgconn.PgError{Code: "40P01"})) {
		t.Fatalf("expected deadlock to be retryable")
	}
	if IsRetryableTxErr(&pgconn.PgError{Code: "23505"}) {
		t.Fatalf("unique violation must not be retryable")
	}
	if IsRetryableTxErr(nil) {
		t.Fatalf("nil must not be retryable")
	}
}
