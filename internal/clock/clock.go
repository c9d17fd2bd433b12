package clock

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// DateKeyLayout is the layout of a calendar-day key in the user's timezone.
const DateKeyLayout = "2006-01-02"

var hhmmPattern = regexp.MustCompile(`^\d{1,2}:\d{2}$`)

// Clock converts instants to and from timezone-local calendar days.
type Clock struct {
	loc *time.Location
	now func() time.Time
}

// New creates a Clock for loc. A nil now function uses time.Now.
func New(loc *time.Location, now func() time.Time) *Clock {
	if loc == nil {
		loc = time.Local
	}
	if now == nil {
		now = time.Now
	}
	return &Clock{loc: loc, now: now}
}

// Fixed returns a Clock frozen at t, in t's location.
func Fixed(t time.Time) *Clock {
	return New(t.Location(), func() time.Time { return t })
}

// Location returns the user's timezone.
func (c *Clock) Location() *time.Location {
	return c.loc
}

// Now returns the current instant in the user's timezone.
func (c *Clock) Now() time.Time {
	return c.now().In(c.loc)
}

// Today returns the date key of the active calendar day.
func (c *Clock) Today() string {
	return c.DateKey(c.now())
}

// DateKey returns the local calendar day of t as YYYY-MM-DD.
func (c *Clock) DateKey(t time.Time) string {
	return t.In(c.loc).Format(DateKeyLayout)
}

// LocalTime returns the local time of day of t as HH:MM.
func (c *Clock) LocalTime(t time.Time) string {
	return t.In(c.loc).Format("15:04")
}

// Combine returns the instant for a date key and an HH:MM clock string.
// It reports false when either part is invalid.
func (c *Clock) Combine(dateKey, hhmm string) (time.Time, bool) {
	return Combine(dateKey, hhmm, c.loc)
}

// StartOfDay returns midnight of dateKey in the user's timezone.
func (c *Clock) StartOfDay(dateKey string) (time.Time, bool) {
	return Combine(dateKey, "00:00", c.loc)
}

// OffsetMinutes returns the UTC offset of t in the user's timezone.
func (c *Clock) OffsetMinutes(t time.Time) int {
	_, offset := t.In(c.loc).Zone()
	return offset / 60
}

// Combine is the location-explicit form of Clock.Combine.
func Combine(dateKey, hhmm string, loc *time.Location) (time.Time, bool) {
	day, err := time.ParseInLocation(DateKeyLayout, dateKey, loc)
	if err != nil {
		return time.Time{}, false
	}
	normalized, ok := ParseHHMM(hhmm)
	if !ok {
		return time.Time{}, false
	}
	h, _ := strconv.Atoi(normalized[:2])
	m, _ := strconv.Atoi(normalized[3:])
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, loc), true
}

// ParseHHMM validates a clock string and returns it zero-padded.
// Hours may have one or two digits; minutes must have two.
func ParseHHMM(s string) (string, bool) {
	if !hhmmPattern.MatchString(s) {
		return "", false
	}
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return "", false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return "", false
	}
	return fmt.Sprintf("%02d:%02d", h, m), true
}

// ValidDateKey reports whether s is a well-formed date key.
func ValidDateKey(s string) bool {
	_, err := time.Parse(DateKeyLayout, s)
	return err == nil
}

// AddDays shifts a date key by n calendar days.
func AddDays(dateKey string, n int) (string, error) {
	day, err := time.Parse(DateKeyLayout, dateKey)
	if err != nil {
		return "", fmt.Errorf("invalid date key %q: %w", dateKey, err)
	}
	return day.AddDate(0, 0, n).Format(DateKeyLayout), nil
}
