package model

import "strings"

// Channels are hierarchical dot-separated subjects, e.g.
// "member.m-123.coverage.updated". The second segment is the actor the
// channel belongs to. Subscription patterns may use "*" for a single
// segment and ">" for any remaining suffix.

// ChannelActor extracts the actor segment from a channel or pattern.
// Returns "" when the channel has no actor segment or the segment is a
// wildcard.
func ChannelActor(channel string) string {
	parts := strings.SplitN(channel, ".", 3)
	if len(parts) < 2 {
		return ""
	}
	actor := parts[1]
	if actor == "*" || actor == ">" {
		return ""
	}
	return actor
}

// PatternIsWildcard reports whether the pattern contains any wildcard
// segment. Wildcard subscriptions expose a superset of future events and
// require broader authorization than exact-channel subscriptions.
func PatternIsWildcard(pattern string) bool {
	for _, seg := range strings.Split(pattern, ".") {
		if seg == "*" || seg == ">" {
			return true
		}
	}
	return false
}

// MatchChannel matches a dot-separated channel against a pattern.
// "*" matches exactly one segment and ">" matches one or more remaining
// segments.
func MatchChannel(pattern, channel string) bool {
	if pattern == channel {
		return true
	}

	patParts := strings.Split(pattern, ".")
	chParts := strings.Split(channel, ".")

	for i, pp := range patParts {
		if pp == ">" {
			return i < len(chParts)
		}
		if i >= len(chParts) {
			return false
		}
		if pp != "*" && pp != chParts[i] {
			return false
		}
	}

	return len(patParts) == len(chParts)
}
