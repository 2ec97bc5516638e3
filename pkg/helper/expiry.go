package helper

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var (
	// ErrExpiryFormat is returned if the expiry string is not RFC3339 and
	// not a compact duration.
	ErrExpiryFormat = errors.New("expiry must be RFC3339 or a compact duration such as 1d2h30m")

	// ErrExpiryInPast is returned if the computed expiry is not in the future.
	ErrExpiryInPast = errors.New("expiry must be in the future")

	segmentRegexp = regexp.MustCompile(`^(\d+)([smhdwMy])`)
)

// ParseExpiry parses an expiry given either as an RFC3339 timestamp or as a
// compact duration relative to now. Compact durations compose one or more
// <n><unit> segments, e.g. "1d2h30m". Units: s, m, h, d, w, M (month), y.
// The returned time is always in UTC and strictly after now.
func ParseExpiry(now time.Time, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, ErrExpiryFormat
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		t = t.UTC()
		if !t.After(now) {
			return time.Time{}, fmt.Errorf("%w: %s", ErrExpiryInPast, s)
		}

		return t, nil
	}

	t, err := addCompactDuration(now.UTC(), s)
	if err != nil {
		return time.Time{}, err
	}

	if !t.After(now) {
		return time.Time{}, fmt.Errorf("%w: %s", ErrExpiryInPast, s)
	}

	return t, nil
}

// addCompactDuration applies a compact duration string to t, consuming
// <n><unit> segments left to right. Calendar units (d, w, M, y) go through
// AddDate so month and year arithmetic follows the calendar.
func addCompactDuration(t time.Time, s string) (time.Time, error) {
	rest := s

	for len(rest) > 0 {
		m := segmentRegexp.FindStringSubmatch(rest)
		if m == nil {
			return time.Time{}, fmt.Errorf("%w: %q", ErrExpiryFormat, s)
		}

		n, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q", ErrExpiryFormat, s)
		}

		switch m[2] {
		case "s":
			t = t.Add(time.Duration(n) * time.Second)
		case "m":
			t = t.Add(time.Duration(n) * time.Minute)
		case "h":
			t = t.Add(time.Duration(n) * time.Hour)
		case "d":
			t = t.AddDate(0, 0, n)
		case "w":
			t = t.AddDate(0, 0, 7*n)
		case "M":
			t = t.AddDate(0, n, 0)
		case "y":
			t = t.AddDate(n, 0, 0)
		}

		rest = rest[len(m[0]):]
	}

	return t, nil
}
