package sanitize

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Channel ids are opaque but travel in Redis keys and Pub/Sub channel names
var channelIDRegex = regexp.MustCompile(`^[A-Za-z0-9._:@-]+$`)

// SanitizeHTML removes all HTML tags
func SanitizeHTML(input string) string {
	scriptRegex := regexp.MustCompile(`(?i)<script[^>]*>.*?</script>`)
	input = scriptRegex.ReplaceAllString(input, "")

	styleRegex := regexp.MustCompile(`(?i)<style[^>]*>.*?</style>`)
	input = styleRegex.ReplaceAllString(input, "")

	htmlRegex := regexp.MustCompile(`<[^>]*>`)
	input = htmlRegex.ReplaceAllString(input, "")

	return input
}

// StripControlCharacters removes control characters from string
func StripControlCharacters(input string) string {
	var result strings.Builder
	for _, r := range input {
		if !unicode.IsControl(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// DisplayName cleans a name shown to callees: no markup or control
// characters, and at most maxRunes runes.
func DisplayName(name string, maxRunes int) string {
	name = strings.TrimSpace(StripControlCharacters(SanitizeHTML(name)))
	if utf8.RuneCountInString(name) <= maxRunes {
		return name
	}
	runes := []rune(name)
	return strings.TrimSpace(string(runes[:maxRunes]))
}

// ValidateChannelID checks that a conversation channel id is safe to embed in store keys
func ValidateChannelID(channelID string, maxLen int) bool {
	if channelID == "" || len(channelID) > maxLen {
		return false
	}
	return channelIDRegex.MatchString(channelID)
}
