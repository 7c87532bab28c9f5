package detect

import "regexp"

var (
	mentionPattern = regexp.MustCompile(`@([A-Za-z0-9._]{2,30})`)
	hashtagPattern = regexp.MustCompile(`#([A-Za-z0-9_]{2,50})`)
	profilePattern = regexp.MustCompile(`(?:instagram\.com|profile)/([A-Za-z0-9._]{2,30})`)
)

// TextSignals extracts mentions, hashtags and profile URLs from free text
// such as captions. Raw values; normalization happens downstream.
func TextSignals(text string) (mentions, hashtags, handles []string) {
	return textSignals(text)
}

// textSignals extracts the social handles OCR text tends to carry: mentions,
// hashtags and profile URLs. Raw values; normalization happens downstream.
func textSignals(text string) (mentions, hashtags, handles []string) {
	if text == "" {
		return nil, nil, nil
	}
	seen := map[string]bool{}
	collect := func(pattern *regexp.Regexp) []string {
		var out []string
		for _, m := range pattern.FindAllStringSubmatch(text, -1) {
			key := pattern.String() + m[1]
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, m[1])
		}
		return out
	}
	return collect(mentionPattern), collect(hashtagPattern), collect(profilePattern)
}
