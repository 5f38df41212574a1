package statemachine

import (
	"fmt"
	"strconv"
	"time"
)

// ParseInterval parses the delay grammar used by follow-up sequences: a
// positive integer followed by a single unit suffix, one of s (seconds),
// m (minutes), h (hours), d (days) or w (weeks). Examples: "30s", "2h", "1d".
func ParseInterval(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid interval %q: want <number><s|m|h|d|w>", s)
	}

	// Atoi would accept a leading sign; the grammar is bare digits only.
	if s[0] < '0' || s[0] > '9' {
		return 0, fmt.Errorf("invalid interval %q: want <number><s|m|h|d|w>", s)
	}
	unit := s[len(s)-1]
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid interval %q: want <number><s|m|h|d|w>", s)
	}

	switch unit {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid interval %q: unknown unit %q", s, string(unit))
	}
}
