package logger

import "testing"

func TestOperationFromSQL(t *testing.T) {
	cases := map[string]string{
		"SELECT * FROM entitlements":                              "SELECT",
		"  update entitlements SET quota_used = quota_used + 1": "UPDATE",
		"WITH x AS (SELECT 1) SELECT * FROM x":                     "SELECT",
		"(INSERT INTO usage_logs VALUES (1))":                      "INSERT",
		"PRAGMA busy_timeout = 5000":                               "UNKNOWN",
	}
	for sql, want := range cases {
		if got := operationFromSQL(sql); got != want {
			t.Fatalf("operationFromSQL(%q) = %s, want %s", sql, got, want)
		}
	}
}
