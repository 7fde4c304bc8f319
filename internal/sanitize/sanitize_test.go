package sanitize

import (
	"strings"
	"testing"
)

func TestValidUsername(t *testing.T) {
	tests := []struct {
		name     string
		username string
		want     bool
	}{
		{"simple", "alice", true},
		{"with digits", "alice42", true},
		{"internal hyphen", "alice-b", true},
		{"internal underscore", "alice_b", true},
		{"two single separators", "a1-b2_c3", true},
		{"too short", "ab", false},
		{"too long", strings.Repeat("a", 31), false},
		{"starts with digit", "1alice", false},
		{"leading separator", "-alice", false},
		{"trailing separator", "alice-", false},
		{"doubled separator", "ali--ce", false},
		{"uppercase", "Alice", false},
		{"space", "ali ce", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidUsername(tt.username); got != tt.want {
				t.Errorf("ValidUsername(%q) = %v, want %v", tt.username, got, tt.want)
			}
		})
	}
}

func TestValidRoomID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"slug", "general", true},
		{"hyphenated slug", "off-topic", true},
		{"generated id", "3f2a9c0d4b1e4f6a", true},
		{"empty", "", false},
		{"uppercase", "General", false},
		{"leading hyphen", "-general", false},
		{"path injection", "general:extra", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidRoomID(tt.id); got != tt.want {
				t.Errorf("ValidRoomID(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"General", "general"},
		{"Off Topic", "off-topic"},
		{"  Mixed  Case Room ", "mixed-case-room"},
		{"already-slugged", "already-slugged"},
		{"weird!@#chars", "weirdchars"},
	}
	for _, tt := range tests {
		if got := Slugify(tt.in); got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFilterProfanity(t *testing.T) {
	got := FilterProfanity("oh shit that broke")
	if got != "oh **** that broke" {
		t.Errorf("FilterProfanity() = %q", got)
	}
}

func TestFilterProfanity_PreservesURLs(t *testing.T) {
	in := "look at https://example.com/shit/page?a_b=1 wow shit"
	got := FilterProfanity(in)
	if !strings.Contains(got, "https://example.com/shit/page?a_b=1") {
		t.Errorf("URL was corrupted: %q", got)
	}
	if !strings.HasSuffix(got, "wow ****") {
		t.Errorf("word outside URL not masked: %q", got)
	}
}

func TestFilterProfanity_WordBoundary(t *testing.T) {
	// embedded substrings are not masked
	got := FilterProfanity("class assignment")
	if got != "class assignment" {
		t.Errorf("FilterProfanity() = %q, want unchanged", got)
	}
}

func TestClean_EscapesHTML(t *testing.T) {
	got := Clean(`<script>alert("x")</script>`)
	if strings.Contains(got, "<script>") {
		t.Errorf("Clean() left raw markup: %q", got)
	}
	if !strings.Contains(got, "&lt;script&gt;") {
		t.Errorf("Clean() = %q, want escaped markup", got)
	}
}
