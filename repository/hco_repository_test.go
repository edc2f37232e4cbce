package repository

import "testing"

func TestEscapeLikeQuotesWildcards(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Mercy General", "Mercy General"},
		{"100%", `100\%`},
		{"St_Mary", `St\_Mary`},
		{`a\b`, `a\\b`},
		{`%_\`, `\%\_\\`},
	}
	for _, tt := range tests {
		if got := escapeLike(tt.in); got != tt.want {
			t.Errorf("escapeLike(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
