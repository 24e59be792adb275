package utils

import "time"

// ParseDurationOr parses s with time.ParseDuration, falling back to def on
// an empty or malformed value.
func ParseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}
