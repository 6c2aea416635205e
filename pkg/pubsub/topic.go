package pubsub

import "strings"

// Wildcard tokens recognised in subscription patterns.
const (
	// WildcardOne matches exactly one topic segment.
	WildcardOne = "*"
	// WildcardAny matches zero or more consecutive topic segments.
	WildcardAny = "**"
)

// MatchTopic reports whether a concrete topic matches a subscription pattern.
//
// Topics are dot-separated strings. In patterns, "*" matches exactly one
// segment and "**" matches zero or more segments. Matching is greedy with
// backtracking, so patterns containing multiple "**" tokens are well-defined:
// "a.**.b.**.c" matches any topic whose segments contain the anchors a, b, c
// in order.
//
// The empty topic matches the empty pattern, "*", and "**".
func MatchTopic(topic, pattern string) bool {
	if topic == pattern {
		return true
	}
	return matchSegments(strings.Split(topic, "."), strings.Split(pattern, "."))
}

// HasWildcard reports whether a topic string contains wildcard segments.
func HasWildcard(topic string) bool {
	for _, seg := range strings.Split(topic, ".") {
		if seg == WildcardOne || seg == WildcardAny {
			return true
		}
	}
	return false
}

// matchSegments is a two-pointer glob match over topic segments.
// On a mismatch after a "**", the match position backtracks and the
// wildcard absorbs one more segment.
func matchSegments(topic, pattern []string) bool {
	ti, pi := 0, 0
	starPi, starTi := -1, 0

	for ti < len(topic) {
		switch {
		case pi < len(pattern) && (pattern[pi] == WildcardOne || pattern[pi] == topic[ti]):
			ti++
			pi++
		case pi < len(pattern) && pattern[pi] == WildcardAny:
			starPi, starTi = pi, ti
			pi++
		case starPi >= 0:
			starTi++
			ti = starTi
			pi = starPi + 1
		default:
			return false
		}
	}

	// Trailing "**" tokens match zero segments.
	for pi < len(pattern) && pattern[pi] == WildcardAny {
		pi++
	}
	return pi == len(pattern)
}
