package gateway

import (
	"net/http/httptest"
	"testing"
)

func TestAPIKeysLookup(t *testing.T) {
	keys := APIKeys{"k-alice": "alice", "k-bob": "bob"}
	tests := []struct {
		key    string
		want   string
		wantOK bool
	}{
		{"k-alice", "alice", true},
		{"k-bob", "bob", true},
		{"k-carol", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := keys.Lookup(tt.key)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("Lookup(%q) = %q, %v; want %q, %v", tt.key, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/ws?token=from-query", nil)
	if got := BearerToken(r); got != "from-query" {
		t.Errorf("query token = %q", got)
	}
	r.Header.Set("Authorization", "Bearer from-header")
	if got := BearerToken(r); got != "from-header" {
		t.Errorf("header token = %q", got)
	}
	r = httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Basic abc")
	if got := BearerToken(r); got != "" {
		t.Errorf("non-bearer header = %q", got)
	}
}
