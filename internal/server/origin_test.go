package server

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeOrigins(t *testing.T) {
	normalized, allowAll := normalizeOrigins([]string{
		"HTTP://Example.com",
		"  ",
		"not-a-url",
		"https://chat.example.com:8443/path",
	})

	require.False(t, allowAll)
	require.Equal(t, []string{"http://example.com", "https://chat.example.com:8443"}, normalized)

	_, allowAll = normalizeOrigins([]string{"*"})
	require.True(t, allowAll)
}

func TestOriginPolicy(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"exact match", []string{"http://localhost:8080"}, "http://localhost:8080", true},
		{"case insensitive", []string{"http://localhost:8080"}, "HTTP://LOCALHOST:8080", true},
		{"different port", []string{"http://localhost:8080"}, "http://localhost:9090", false},
		{"missing header", []string{"http://localhost:8080"}, "", false},
		{"malformed header", []string{"http://localhost:8080"}, "javascript:alert(1)", false},
		{"wildcard", []string{"*"}, "https://anything.example.com", true},
		{"wildcard still needs a valid origin", []string{"*"}, "not-a-url", false},
		{"empty allow list", nil, "http://localhost:8080", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := newOriginPolicy(tt.allowed)
			r := httptest.NewRequest("GET", "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			require.Equal(t, tt.want, policy.checkOrigin(r))
		})
	}
}
