package persistence

import "time"

func toUnixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
