package session

import "time"

// microTimeLayout renders UTC timestamps with microsecond precision, e.g.
// 2026-02-27T00:00:00.123456Z, per spec.md §6.
const microTimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Now returns the current UTC time formatted to microsecond precision.
func Now() string {
	return FormatTime(time.Now())
}

// FormatTime renders t in UTC with microsecond precision.
func FormatTime(t time.Time) string {
	return t.UTC().Format(microTimeLayout)
}
