// Package signature computes the content-addressed keys used to deduplicate
// semantically equivalent model calls.
//
// A signature is a deterministic fingerprint of (agent, situation type,
// bucketed world state, normalized input intent). Two interactions with the
// same signature are considered interchangeable and may share a cached
// response. The intent normalization is a deliberate heuristic: it lower-cases
// the input, collapses whitespace and keeps a bounded prefix, so trivially
// different phrasings can hit the cache while long inputs that only diverge
// after the prefix may collide.
package signature

import (
	"crypto/subtle"
	"strconv"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// DefaultIntentPrefix is the number of runes of normalized input kept as the
// intent.
const DefaultIntentPrefix = 50

// Components are the inputs of a signature.
type Components struct {
	AgentName     string
	SituationType string
	StateBucket   string
	InputIntent   string
}

// Compute returns the 16 hex character signature of c. It depends only on the
// component values.
func Compute(c Components) string {
	d := xxhash.New()
	_, _ = d.WriteString(strings.ToLower(c.AgentName))
	_, _ = d.WriteString("|")
	_, _ = d.WriteString(c.SituationType)
	_, _ = d.WriteString("|")
	_, _ = d.WriteString(c.StateBucket)
	_, _ = d.WriteString("|")
	_, _ = d.WriteString(c.InputIntent)
	s := strconv.FormatUint(d.Sum64(), 16)
	if len(s) < 16 {
		s = strings.Repeat("0", 16-len(s)) + s
	}
	return s
}

// ExtractIntent normalizes input and truncates it to prefix runes. A
// non-positive prefix selects DefaultIntentPrefix.
func ExtractIntent(input string, prefix int) string {
	if prefix <= 0 {
		prefix = DefaultIntentPrefix
	}
	norm := Normalize(input)
	r := []rune(norm)
	if len(r) > prefix {
		return strings.TrimRightFunc(string(r[:prefix]), unicode.IsSpace)
	}
	return norm
}

// Normalize lower-cases s, collapses whitespace runs to a single space and
// trims the result.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Matches reports whether two signatures are equal.
func Matches(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
