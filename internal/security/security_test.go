package security

import (
	"strings"
	"testing"
)

func TestValidateSessionID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"uuid", "f0e1d2c3-b4a5-6789-0123-456789abcdef", false},
		{"plain hex", "deadbeefcafe1234", false},
		{"empty", "", true},
		{"too short", "abc", true},
		{"too long", strings.Repeat("a", 65), true},
		{"path traversal", "../../etc/passwd", true},
		{"spaces", "some session id", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := ValidateSessionID(tt.id)
			if tt.wantErr && msg == "" {
				t.Errorf("Expected validation failure for %q", tt.id)
			}
			if !tt.wantErr && msg != "" {
				t.Errorf("Expected %q to validate, got: %s", tt.id, msg)
			}
		})
	}
}

func TestValidateNodeURL(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"bare host port", "127.0.0.1:4444", "http://127.0.0.1:4444", false},
		{"http url", "http://node1:4444", "http://node1:4444", false},
		{"https url", "https://node1.example.com", "https://node1.example.com", false},
		{"trailing slash", "http://node1:4444/", "http://node1:4444", false},
		{"bad scheme", "ftp://node1:4444", "", true},
		{"with path", "http://node1:4444/wd/hub", "", true},
		{"no host", "http://", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateNodeURL(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error for %q, got %q", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateNodeURL(%q) failed: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ValidateNodeURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestValidateNodeURLIDNA(t *testing.T) {
	got, err := ValidateNodeURL("http://bücher.example:4444")
	if err != nil {
		t.Fatalf("ValidateNodeURL failed: %v", err)
	}
	if !strings.Contains(got, "xn--") {
		t.Errorf("Expected punycode hostname, got %q", got)
	}
}
