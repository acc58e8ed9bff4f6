package utils

import "time"

// NowUTC returns the current time truncated to millisecond precision in UTC.
// Millisecond truncation keeps timestamps stable across a write/read round
// trip on both sqlite and postgres.
func NowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
