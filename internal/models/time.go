package models

import "time"

// UTC normalizes a timestamp for storage: UTC at second precision, so the
// TEXT values SQLite compares sort chronologically.
func UTC(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
