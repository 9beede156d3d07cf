package normalize

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the calendar format dates are stored in
const DateLayout = "2006-01-02"

var dateLayouts = []string{
	DateLayout,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"January 02, 2006",
	"2 January 2006",
	"02-Jan-2006",
	"02-Jan-06",
}

var nonAmount = regexp.MustCompile(`[^0-9.\-]`)

// Amount parses a currency value such as "PHP 1,250,000.50" or "₱ 3,000".
// It returns nil when no number can be read.
func Amount(v any) *float64 {
	switch t := v.(type) {
	case nil:
		return nil
	case float64:
		return finite(t)
	case int:
		f := float64(t)
		return &f
	case int64:
		f := float64(t)
		return &f
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil
		}
		return finite(f)
	case string:
		return parseAmount(t)
	}
	return nil
}

func parseAmount(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	negative := strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")")
	digits := nonAmount.ReplaceAllString(s, "")
	// a leading "P." or "Php." leaves a stray dot
	digits = strings.TrimLeft(digits, ".")
	if digits == "" || digits == "-" {
		return nil
	}
	f, err := strconv.ParseFloat(digits, 64)
	if err != nil {
		return nil
	}
	if negative && f > 0 {
		f = -f
	}
	return finite(f)
}

func finite(f float64) *float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// Date parses a date in any of the accepted layouts and returns it at UTC midnight.
// Unparseable or implausible values yield nil.
func Date(v any) *time.Time {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		if t.Year() < 1900 || t.Year() > 2200 {
			return nil
		}
		d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return &d
	}
	return nil
}

// FormatDate renders a date in DateLayout, or "" for nil
func FormatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(DateLayout)
}

// Latitude returns the value only if it lies within [-90, 90]
func Latitude(v any) *float64 {
	return coordinate(v, 90)
}

// Longitude returns the value only if it lies within [-180, 180]
func Longitude(v any) *float64 {
	return coordinate(v, 180)
}

func coordinate(v any, limit float64) *float64 {
	var f *float64
	switch t := v.(type) {
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil
		}
		f = finite(parsed)
	default:
		f = Amount(v)
	}
	if f == nil || *f < -limit || *f > limit {
		return nil
	}
	return f
}
