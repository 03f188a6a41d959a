package ratelimit

import "testing"

func TestFormatKey(t *testing.T) {
	tests := []struct {
		kind  IdentifierKind
		value string
		want  string
	}{
		{KindAPIKey, "abc123", "ratelimit:api_key:abc123"},
		{KindPrincipal, "user-1", "ratelimit:principal:user-1"},
		{KindTokenHash, "deadbeef", "ratelimit:token_hash:deadbeef"},
		{KindClientIP, "10.0.0.1", "ratelimit:ip:10.0.0.1"},
	}
	for _, tt := range tests {
		if got := FormatKey(tt.kind, tt.value); got != tt.want {
			t.Errorf("FormatKey(%s, %s) = %q, want %q", tt.kind, tt.value, got, tt.want)
		}
	}
}
