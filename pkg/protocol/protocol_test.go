package protocol

import "testing"

func TestValidateID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"minimum length", "abcd", false},
		{"alphanumeric", "a1b2c3", false},
		{"too short", "abc", true},
		{"empty", "", true},
		{"uppercase", "ABCD", true},
		{"hyphen", "ab-cd", true},
		{"dot", "ab.cd", true},
		{"too long", strings_repeat("a", 64), true},
		{"max length", strings_repeat("a", 63), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func strings_repeat(s string, n int) string {
	out := make([]byte, 0, n*len(s))
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}

func TestExtractSubdomain(t *testing.T) {
	const base = "example.com"
	tests := []struct {
		host string
		want string
	}{
		{"abcd.example.com", "abcd"},
		{"abcd.example.com:8080", "abcd"},
		{"example.com", ""},
		{"example.com:443", ""},
		{"a.b.example.com", "a"},
		{"localhost", ""},
		{"localhost:8080", ""},
		{"", ""},
		{"other.org", ""},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			if got := ExtractSubdomain(tt.host, base); got != tt.want {
				t.Errorf("ExtractSubdomain(%q, %q) = %q, want %q", tt.host, base, got, tt.want)
			}
		})
	}
}

func TestTunnelURL(t *testing.T) {
	got := TunnelURL("http", "abcd", "example.com")
	want := "http://abcd.example.com"
	if got != want {
		t.Errorf("TunnelURL() = %q, want %q", got, want)
	}
}
