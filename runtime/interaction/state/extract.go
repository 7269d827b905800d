package state

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	numberPattern = regexp.MustCompile(`-?\d+\.?\d*`)

	defaultTrueWords  = []string{"yes", "true", "agree", "accept", "approve", "confirm"}
	defaultFalseWords = []string{"no", "false", "disagree", "reject", "deny", "refuse"}
)

// ExtractNumber returns the first number in response. When pattern is not
// nil its first capture group, or whole match without groups, is parsed
// instead.
func ExtractNumber(response string, pattern *regexp.Regexp) (float64, bool) {
	re := numberPattern
	if pattern != nil {
		re = pattern
	}
	m := re.FindStringSubmatch(response)
	if m == nil {
		return 0, false
	}
	text := m[0]
	if len(m) > 1 {
		text = m[1]
	}
	n, err := strconv.ParseFloat(strings.TrimSuffix(text, "."), 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ExtractBoolean looks for agreement or refusal words in response. trueWords
// replaces the default agreement words when non-empty. Agreement is checked
// first. Words match whole words, ignoring case.
func ExtractBoolean(response string, trueWords []string) (value, ok bool) {
	if len(trueWords) == 0 {
		trueWords = defaultTrueWords
	}
	words := strings.FieldsFunc(strings.ToLower(response), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'' || r == '-')
	})
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	for _, kw := range trueWords {
		if _, hit := set[strings.ToLower(kw)]; hit {
			return true, true
		}
	}
	for _, kw := range defaultFalseWords {
		if _, hit := set[kw]; hit {
			return false, true
		}
	}
	return false, false
}
