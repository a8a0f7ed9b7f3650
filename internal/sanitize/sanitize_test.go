package sanitize

import (
	"strings"
	"testing"
)

func TestSafeSlug(t *testing.T) {
	t.Parallel()
	long := "slug-with-an-extremely-long-name-that-keeps-going-until-it-exceeds-the-label-limit"
	cases := map[string]string{
		"My Applet":         "my-applet",
		"UPPER_case--Slug":  "upper-case--slug",
		"   spaced slug   ": "spaced-slug",
		"../dangerous/path": "dangerous-path",
		"@@@":               "",
		"":                  "",
		long:                strings.TrimRight(long[:SlugMaxLength], "-"),
	}

	for input, expected := range cases {
		if actual := SafeSlug(input); actual != expected {
			t.Fatalf("SafeSlug(%q) = %q, expected %q", input, actual, expected)
		}
	}
}

func TestTruncateUTF8(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		input    string
		maxBytes int
		want     string
	}{
		{"ascii short", "hello", 10, "hello"},
		{"ascii exact", "hello", 5, "hello"},
		{"ascii truncate", "hello world", 5, "hello"},
		{"utf8 no split", "héllo", 6, "héllo"},
		{"utf8 mid-char", "héllo", 2, "h"},
		{"emoji no split", "hi🎉x", 4, "hi"},
		{"empty", "", 10, ""},
		{"zero max", "hello", 0, ""},
		{"negative max", "hello", -1, ""},
		{"invalid utf8 prefix", string([]byte{0xff, 'a', 'b'}), 2, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateUTF8(tt.input, tt.maxBytes)
			if got != tt.want {
				t.Errorf("TruncateUTF8(%q, %d) = %q, want %q", tt.input, tt.maxBytes, got, tt.want)
			}
		})
	}
}

func TestTrimToRunes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		input    string
		maxRunes int
		want     string
	}{
		{"short", " hello ", 10, "hello"},
		{"exact", "hello", 5, "hello"},
		{"truncate", "hello world", 5, "hello"},
		{"multibyte", "héllo wörld", 7, "héllo w"},
		{"empty", "   ", 5, ""},
		{"zero max", "hello", 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TrimToRunes(tt.input, tt.maxRunes); got != tt.want {
				t.Errorf("TrimToRunes(%q, %d) = %q, want %q", tt.input, tt.maxRunes, got, tt.want)
			}
		})
	}
}
