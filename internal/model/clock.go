package model

import "time"

// Clock supplies wall-clock time for created/modified stamps and sync times.
// Production code uses SystemClock; tests use testutil.ManualClock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the system time.
type SystemClock struct{}

// Now returns the current time truncated to millisecond precision, the
// resolution timestamps are persisted at.
func (SystemClock) Now() time.Time {
	return time.Now().Truncate(time.Millisecond)
}

// ToMillis converts t to Unix milliseconds. The zero time maps to 0.
func ToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis converts Unix milliseconds to a UTC time. 0 maps to the zero time.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
