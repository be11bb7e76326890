// Package timeparse normalizes the timestamp strings found in evidence
// metadata into comparable UTC instants.
//
// Acquisition tools disagree about timestamp encoding: container sidecars
// tend to write ISO-8601, companion logs write whatever the vendor picked,
// and device export manifests use a day-first format with a whole-hour UTC
// offset in trailing parentheses. Parse accepts all of them. A string that
// matches nothing is not an error; callers keep the raw text for display
// and treat the value as older than any parseable timestamp.
package timeparse

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Layouts tried in order for the ISO-8601 family. RFC3339 first because it
// is what this tool itself writes.
var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Device export format: "26/08/2024 17:48:01 (-4)". The time part and the
// offset are each optional; a bare "26/08/2024" is a valid date-only form.
var devicePattern = regexp.MustCompile(
	`^(\d{2})/(\d{2})/(\d{4})(?:[ T](\d{2}):(\d{2}):(\d{2}))?(?:\s*\(([+-]?\d{1,2})\))?$`)

// Parse normalizes raw into a UTC instant. The second return is false when
// raw matches no known format; Parse never returns an error because an
// unreadable timestamp must not fail verification.
func Parse(raw string) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, false
	}

	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}

	if m := devicePattern.FindStringSubmatch(s); m != nil {
		return parseDevice(m)
	}

	return time.Time{}, false
}

// parseDevice converts a matched device-format timestamp. The parenthesized
// offset is whole hours ahead of (+) or behind (-) UTC, so local 17:48:01 at
// (-4) is 21:48:01Z.
func parseDevice(m []string) (time.Time, bool) {
	day, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])

	var hour, min, sec int
	if m[4] != "" {
		hour, _ = strconv.Atoi(m[4])
		min, _ = strconv.Atoi(m[5])
		sec, _ = strconv.Atoi(m[6])
	}

	offset := 0
	if m[7] != "" {
		offset, _ = strconv.Atoi(m[7])
	}
	if offset < -14 || offset > 14 {
		return time.Time{}, false
	}

	loc := time.UTC
	if offset != 0 {
		loc = time.FixedZone("", offset*3600)
	}

	t := time.Date(year, time.Month(month), day, hour, min, sec, 0, loc)

	// time.Date normalizes out-of-range components (32/01 becomes 01/02),
	// which would silently accept corrupt metadata. Reject anything that
	// did not round-trip.
	if t.Day() != day || t.Month() != time.Month(month) || t.Year() != year ||
		t.Hour() != hour || t.Minute() != min || t.Second() != sec {
		return time.Time{}, false
	}

	return t.UTC(), true
}
