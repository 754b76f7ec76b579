package topic

import "strings"

// Topic is a hierarchical routing key or pattern using dot notation.
// Examples: "editor.save", "fs.read", "editor.*", "extension.**"
type Topic string

// Wildcard constants for pattern matching.
const (
	// WildcardSingle matches exactly one segment.
	WildcardSingle = "*"

	// WildcardMulti matches zero or more segments.
	WildcardMulti = "**"

	// Separator separates topic segments.
	Separator = "."
)

// String returns the topic as a string.
func (t Topic) String() string {
	return string(t)
}

// Segments returns the topic split by the separator.
func (t Topic) Segments() []string {
	if t == "" {
		return nil
	}
	return strings.Split(string(t), Separator)
}

// IsPattern returns true if the topic contains wildcard segments.
func (t Topic) IsPattern() bool {
	for _, seg := range t.Segments() {
		if seg == WildcardSingle || seg == WildcardMulti {
			return true
		}
	}
	return false
}

// IsValid returns true if the topic is well formed.
// A valid topic is non-empty, has no empty segments, and uses the
// multi-segment wildcard only as its final segment.
func (t Topic) IsValid() bool {
	s := string(t)
	if s == "" {
		return false
	}
	if strings.HasPrefix(s, Separator) || strings.HasSuffix(s, Separator) {
		return false
	}
	segs := t.Segments()
	for i, seg := range segs {
		if seg == "" {
			return false
		}
		if seg == WildcardMulti && i != len(segs)-1 {
			return false
		}
	}
	return true
}

// Matches returns true if this topic matches the given pattern.
// The receiver is a concrete key; the pattern may contain wildcards.
func (t Topic) Matches(pattern Topic) bool {
	return matchSegments(t.Segments(), pattern.Segments())
}

// matchSegments walks key and pattern segments together.
func matchSegments(key, pattern []string) bool {
	ki, pi := 0, 0

	for pi < len(pattern) {
		if pattern[pi] == WildcardMulti {
			// ** consumes zero or more remaining key segments.
			for ki <= len(key) {
				if matchSegments(key[ki:], pattern[pi+1:]) {
					return true
				}
				ki++
			}
			return false
		}

		if ki >= len(key) {
			return false
		}

		switch pattern[pi] {
		case WildcardSingle:
			ki++
			pi++
		case key[ki]:
			ki++
			pi++
		default:
			return false
		}
	}

	return ki == len(key)
}

// Join joins segments into a topic.
func Join(segments ...string) Topic {
	return Topic(strings.Join(segments, Separator))
}
