package postgres

import "testing"

func TestSanitizeQuery(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"SELECT * FROM items WHERE id = $1", "SELECT * FROM items WHERE id = $1"},
		{"UPDATE items SET last_sync_status = 'failed' WHERE id = $1", "UPDATE items SET last_sync_status = '?' WHERE id = $1"},
		{"SELECT 'it''s' , 42", "SELECT '?' , ?"},
		{"SELECT amount FROM transactions LIMIT 10", "SELECT amount FROM transactions LIMIT ?"},
		{"SELECT col2 FROM t", "SELECT col2 FROM t"},
	}

	for _, tt := range tests {
		if got := sanitizeQuery(tt.in); got != tt.want {
			t.Errorf("sanitizeQuery(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExtractSQLVerb(t *testing.T) {
	tests := map[string]string{
		"  select id from items": "SELECT",
		"UPDATE items SET x = 1": "UPDATE",
		"BEGIN":                  "BEGIN",
	}

	for in, want := range tests {
		if got := extractSQLVerb(in); got != want {
			t.Errorf("extractSQLVerb(%q) = %q, want %q", in, got, want)
		}
	}
}
