package clientcache

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidCount indicates a favorite count that is neither an integer nor integer text.
var ErrInvalidCount = errors.New("clientcache: invalid favorite count")

// Count is a mirrored favorite count. It decodes from a JSON number or from
// numeric text, since servers have transmitted it both ways.
type Count int64

// ParseCount converts integer text to a Count.
func ParseCount(raw string) (Count, error) {
	trimmed := strings.TrimSpace(raw)
	value, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCount, raw)
	}
	return Count(value), nil
}

// UnmarshalJSON accepts 3, "3" and null.
func (c *Count) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*c = 0
		return nil
	}
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = unquoted
	}
	parsed, err := ParseCount(raw)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Step moves the count by delta and never goes below zero.
func (c Count) Step(delta int64) Count {
	next := int64(c) + delta
	if next < 0 {
		return 0
	}
	return Count(next)
}

// Int64 returns the count as a plain integer.
func (c Count) Int64() int64 {
	return int64(c)
}
