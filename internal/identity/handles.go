package identity

import (
	"net/url"
	"regexp"
	"strings"
)

var handlePattern = regexp.MustCompile(`@([A-Za-z0-9._]{2,30})`)

// Path segments that look like usernames but are platform routes.
var reservedSegments = map[string]bool{
	"p":       true,
	"reel":    true,
	"reels":   true,
	"stories": true,
	"story":   true,
	"explore": true,
	"tv":      true,
}

// NormalizeHandle canonicalizes one candidate username: lowercase, leading
// '@' stripped, trailing punctuation trimmed. Returns "" when the remainder
// is not a plausible handle.
func NormalizeHandle(raw string) string {
	h := strings.ToLower(strings.TrimSpace(raw))
	h = strings.TrimPrefix(h, "@")
	h = strings.Trim(h, "._")
	if len(h) < 2 || len(h) > 30 {
		return ""
	}
	for _, r := range h {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '_':
		default:
			return ""
		}
	}
	if reservedSegments[h] {
		return ""
	}
	return h
}

// ExtractHandles pulls every @handle out of free text.
func ExtractHandles(text string) []string {
	var out []string
	for _, m := range handlePattern.FindAllStringSubmatch(text, -1) {
		if h := NormalizeHandle(m[1]); h != "" {
			out = append(out, h)
		}
	}
	return out
}

// HandleFromPermalink extracts the profile handle from a content URL, which
// conventionally carries the username as the first path segment.
func HandleFromPermalink(permalink string) string {
	if permalink == "" {
		return ""
	}
	u, err := url.Parse(permalink)
	if err != nil {
		return ""
	}
	for _, segment := range strings.Split(u.Path, "/") {
		if segment == "" {
			continue
		}
		return NormalizeHandle(segment)
	}
	return ""
}

// dedupeHandles normalizes, drops empties and keeps first-seen order.
func dedupeHandles(groups ...[]string) []string {
	seen := map[string]bool{}
	var out []string
	for _, group := range groups {
		for _, raw := range group {
			h := NormalizeHandle(raw)
			if h == "" || seen[h] {
				continue
			}
			seen[h] = true
			out = append(out, h)
		}
	}
	return out
}
