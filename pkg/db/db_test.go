package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/smallbiznis/railgate/internal/config"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{gorm.ErrDuplicatedKey, true},
		{fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey), true},
		{errors.New(`ERROR: duplicate key value violates unique constraint "entitlements_payment_id_key"`), true},
		{errors.New("constraint failed: UNIQUE constraint failed: entitlements.payment_id (2067)"), true},
		{errors.New("Error 1062: Duplicate entry"), true},
		{&pgconn.PgError{Code: "23505"}, true},
		{fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23503"}), false},
		{errors.New("connection refused"), false},
	}
	for _, tc := range cases {
		if got := IsDuplicateKeyErr(tc.err); got != tc.want {
			t.Fatalf("IsDuplicateKeyErr(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestDialectRejectsUnknownType(t *testing.T) {
	if _, err := Dialect(config.Config{DBType: "oracle"}); err == nil {
		t.Fatalf("expected error for unsupported dialect")
	}
	for _, typ := range []string{"postgres", "mysql", "sqlite"} {
		if _, err := Dialect(config.Config{DBType: typ, DBPath: "test.db"}); err != nil {
			t.Fatalf("dialect %s: %v", typ, err)
		}
	}
}
