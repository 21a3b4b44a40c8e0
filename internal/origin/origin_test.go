package origin

import (
	"net/http/httptest"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in            string
		wantOrigin    string
		wantAuthority string
		wantOK        bool
	}{
		{in: "HTTPS://Example.COM:443", wantOrigin: "https://example.com", wantAuthority: "example.com", wantOK: true},
		{in: "http://localhost:5173/", wantOrigin: "http://localhost:5173", wantAuthority: "localhost:5173", wantOK: true},
		{in: "http://[::1]:8080", wantOrigin: "http://[::1]:8080", wantAuthority: "[::1]:8080", wantOK: true},
		{in: "null", wantOrigin: "null", wantOK: true},
		{in: "", wantOK: false},
		{in: "ftp://example.com", wantOK: false},
		{in: "https://example.com/path", wantOK: false},
		{in: "https://example.com/?q=1", wantOK: false},
		{in: "https://user@example.com", wantOK: false},
		{in: "https://example.com:0", wantOK: false},
		{in: "https://example.com:70000", wantOK: false},
	}
	for _, tt := range tests {
		origin, authority, ok := Normalize(tt.in)
		if ok != tt.wantOK {
			t.Fatalf("Normalize(%q) ok=%v, want %v", tt.in, ok, tt.wantOK)
		}
		if !ok {
			continue
		}
		if origin != tt.wantOrigin || authority != tt.wantAuthority {
			t.Fatalf("Normalize(%q)=(%q,%q), want (%q,%q)", tt.in, origin, authority, tt.wantOrigin, tt.wantAuthority)
		}
	}
}

func TestPolicyCheck(t *testing.T) {
	sameHost, err := NewPolicy(nil)
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	explicit, err := NewPolicy([]string{"https://status.cncnet.org", "null"})
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	star, err := NewPolicy([]string{"*"})
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}

	tests := []struct {
		name   string
		policy *Policy
		host   string
		origin string
		want   bool
	}{
		{name: "no origin header", policy: sameHost, host: "tunnel:50000", want: true},
		{name: "same host", policy: sameHost, host: "tunnel.example.com:50000", origin: "http://tunnel.example.com:50000", want: true},
		{name: "same host default port", policy: sameHost, host: "tunnel.example.com", origin: "https://tunnel.example.com:443", want: true},
		{name: "other host", policy: sameHost, host: "tunnel.example.com", origin: "https://evil.example", want: false},
		{name: "null same host", policy: sameHost, host: "tunnel.example.com", origin: "null", want: false},
		{name: "malformed", policy: sameHost, host: "tunnel.example.com", origin: "not a url", want: false},
		{name: "allowlisted", policy: explicit, host: "tunnel.example.com", origin: "https://status.cncnet.org", want: true},
		{name: "allowlisted null", policy: explicit, host: "tunnel.example.com", origin: "null", want: true},
		{name: "not allowlisted", policy: explicit, host: "tunnel.example.com", origin: "http://tunnel.example.com", want: false},
		{name: "star", policy: star, host: "tunnel.example.com", origin: "https://anything.example", want: true},
		{name: "nil policy", policy: nil, host: "a.example", origin: "http://a.example", want: true},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/events", nil)
		r.Host = tt.host
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := tt.policy.Check(r); got != tt.want {
			t.Fatalf("%s: Check=%v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestNewPolicyRejectsInvalidEntries(t *testing.T) {
	if _, err := NewPolicy([]string{"https://ok.example", "https://bad.example/path"}); err == nil {
		t.Fatalf("expected error for origin with path")
	}
}
