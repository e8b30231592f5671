package logger

import "testing"

func TestClassifySQL(t *testing.T) {
	cases := []struct {
		sql  string
		want sqlShape
	}{
		{
			sql:  `SELECT * FROM "invoices" WHERE id IN (1,2) ORDER BY id FOR UPDATE`,
			want: sqlShape{operation: "SELECT", table: "invoices", locking: true},
		},
		{
			sql:  `INSERT INTO payment_allocations (id) VALUES (1) ON CONFLICT (idempotency_key) DO NOTHING`,
			want: sqlShape{operation: "INSERT", table: "payment_allocations"},
		},
		{
			sql:  `UPDATE payments SET is_allocated = true WHERE id = 3`,
			want: sqlShape{operation: "UPDATE", table: "payments"},
		},
		{
			sql:  `WITH due AS (SELECT id FROM allocation_events) DELETE FROM allocation_events`,
			want: sqlShape{operation: "SELECT", table: "allocation_events"},
		},
		{
			sql:  `PRAGMA foreign_keys = ON`,
			want: sqlShape{operation: "UNKNOWN"},
		},
	}
	for _, tc := range cases {
		if got := classifySQL(tc.sql); got != tc.want {
			t.Fatalf("classifySQL(%q) = %+v, want %+v", tc.sql, got, tc.want)
		}
	}
}
