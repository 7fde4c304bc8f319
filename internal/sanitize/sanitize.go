// Package sanitize holds the pure validation and content-cleaning helpers:
// identifier patterns, name slugs, profanity masking, and HTML escaping.
package sanitize

import (
	"html"
	"regexp"
	"strings"
)

var (
	// Usernames: 3-30 chars, start with a letter, lowercase alphanumerics
	// with single internal hyphens/underscores only.
	usernameRe = regexp.MustCompile(`^[a-z][a-z0-9]*(?:[-_][a-z0-9]+)*$`)
	roomIDRe   = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)
	urlRe      = regexp.MustCompile(`https?://[^\s]+`)
)

func ValidUsername(u string) bool {
	if len(u) < 3 || len(u) > 30 {
		return false
	}
	return usernameRe.MatchString(u)
}

func ValidRoomID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	return roomIDRe.MatchString(id)
}

// Slugify turns an admin-assigned public room name into its id: lowercase,
// spaces collapsed to single hyphens, anything else dropped.
func Slugify(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	lastHyphen := true // suppress a leading hyphen
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		case r == ' ' || r == '-' || r == '_':
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// blocked is the black-box word list; matches are masked, never rejected.
var blocked = buildWordRe([]string{
	"fuck", "shit", "bitch", "asshole", "bastard", "dick", "cunt", "slut",
})

func buildWordRe(words []string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b(` + strings.Join(words, "|") + `)\b`)
}

func mask(word string) string { return strings.Repeat("*", len(word)) }

// FilterProfanity masks blocked words outside of well-formed http(s) URLs,
// so a masked substring never corrupts an embedded link.
func FilterProfanity(s string) string {
	var b strings.Builder
	last := 0
	for _, span := range urlRe.FindAllStringIndex(s, -1) {
		b.WriteString(blocked.ReplaceAllStringFunc(s[last:span[0]], mask))
		b.WriteString(s[span[0]:span[1]])
		last = span[1]
	}
	b.WriteString(blocked.ReplaceAllStringFunc(s[last:], mask))
	return b.String()
}

// Escape neutralizes HTML markup in already-filtered content.
func Escape(s string) string { return html.EscapeString(s) }

// Clean is the stored form of message content: profanity masked, then HTML
// escaped to neutralize markup injection.
func Clean(content string) string {
	return Escape(FilterProfanity(content))
}
