package model

import (
	"strings"
	"time"
)

// zonedLayouts are tried for strings that carry an explicit offset or zone
// marker. They are parsed as-is.
var zonedLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05.000Z07:00",
}

// nakedLayouts are tried for strings without any zone marker. They are
// interpreted as UTC: external providers that omit the zone overwhelmingly
// mean UTC, and guessing the host zone instead would shift the checksum
// input and trigger spurious update operations.
var nakedLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTime normalises the varied timestamp shapes emitted by providers and
// stored by the CRM into an absolute instant:
//
//   - time.Time and *time.Time pass through (nil and zero values → nil)
//   - integers and floats are milliseconds since the Unix epoch
//   - strings with an offset/zone marker parse as written
//   - strings without one are assumed UTC
//
// Empty and unparseable input yields nil, never an error.
func ParseTime(v any) *time.Time {
	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		if t.IsZero() {
			return nil
		}
		u := t.UTC()
		return &u
	case *time.Time:
		if t == nil {
			return nil
		}
		return ParseTime(*t)
	case int:
		return fromMillis(int64(t))
	case int64:
		return fromMillis(t)
	case float64:
		return fromMillis(int64(t))
	case string:
		return parseTimeString(t)
	default:
		return nil
	}
}

func fromMillis(ms int64) *time.Time {
	if ms == 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

func parseTimeString(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	if hasZoneMarker(s) {
		for _, layout := range zonedLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				u := t.UTC()
				return &u
			}
		}
		return nil
	}

	for _, layout := range nakedLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			u := t.UTC()
			return &u
		}
	}
	return nil
}

// hasZoneMarker reports whether s ends in a trailing Z or an explicit
// ±HH:MM / ±HHMM offset. Only the time portion is inspected so date dashes
// do not count.
func hasZoneMarker(s string) bool {
	if strings.HasSuffix(s, "Z") || strings.HasSuffix(s, "z") {
		return true
	}
	// An offset can only appear after the time-of-day, which itself starts
	// after position 10 ("2006-01-02…").
	if len(s) <= 10 {
		return false
	}
	tail := s[10:]
	return strings.ContainsAny(tail, "+") || strings.LastIndexByte(tail, '-') > 0
}
