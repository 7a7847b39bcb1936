package clock

import (
	"fmt"
	"strings"
	"time"
)

// Relative is a signed calendar-aware offset parsed from the relative-time
// grammar: ("+"|"-") 1*(digits unit) with units Y M D h m s (case-sensitive,
// uppercase M means months). Y/M/D shift the calendar, h/m/s shift the clock.
type Relative struct {
	Negative bool
	Years    int
	Months   int
	Days     int
	Dur      time.Duration
}

// ParseRelative parses expressions like "+2h", "-30m" or "+1Y2M3D4h".
func ParseRelative(s string) (Relative, error) {
	var rel Relative
	if len(s) < 2 {
		return rel, fmt.Errorf("relative time %q: too short", s)
	}
	switch s[0] {
	case '+':
	case '-':
		rel.Negative = true
	default:
		return rel, fmt.Errorf("relative time %q: must start with + or -", s)
	}

	body := s[1:]
	digits := 0
	value := 0
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c >= '0' && c <= '9' {
			value = value*10 + int(c-'0')
			digits++
			if digits > 9 {
				return rel, fmt.Errorf("relative time %q: component too large", s)
			}
			continue
		}
		if digits == 0 {
			return rel, fmt.Errorf("relative time %q: unit %q has no digits", s, string(c))
		}
		switch c {
		case 'Y':
			rel.Years += value
		case 'M':
			rel.Months += value
		case 'D':
			rel.Days += value
		case 'h':
			rel.Dur += time.Duration(value) * time.Hour
		case 'm':
			rel.Dur += time.Duration(value) * time.Minute
		case 's':
			rel.Dur += time.Duration(value) * time.Second
		default:
			return rel, fmt.Errorf("relative time %q: unknown unit %q", s, string(c))
		}
		value = 0
		digits = 0
	}
	if digits != 0 {
		return rel, fmt.Errorf("relative time %q: trailing digits without unit", s)
	}
	if rel == (Relative{}) || rel == (Relative{Negative: true}) {
		return rel, fmt.Errorf("relative time %q: empty offset", s)
	}
	return rel, nil
}

// From applies the offset to base. Calendar units use AddDate so month and
// year arithmetic follows the calendar rather than fixed durations.
func (r Relative) From(base time.Time) time.Time {
	sign := 1
	if r.Negative {
		sign = -1
	}
	t := base.AddDate(sign*r.Years, sign*r.Months, sign*r.Days)
	return t.Add(time.Duration(sign) * r.Dur)
}

// ParseDuration parses the unsigned relative-time body ("90m", "2h", "1D")
// into a fixed duration. Calendar units are approximated as 24h days, 30-day
// months and 365-day years; callers use this for idle timeouts where
// calendar precision does not matter.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	rel, err := ParseRelative("+" + s)
	if err != nil {
		return 0, err
	}
	d := rel.Dur
	d += time.Duration(rel.Days) * 24 * time.Hour
	d += time.Duration(rel.Months) * 30 * 24 * time.Hour
	d += time.Duration(rel.Years) * 365 * 24 * time.Hour
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", s)
	}
	return d, nil
}

// ParseDeliverAt accepts either the relative grammar (applied to now) or an
// ISO-8601 timestamp with numeric offset ("2026-03-01T09:00:00+09:00").
func ParseDeliverAt(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty deliver-at")
	}
	if s[0] == '+' || s[0] == '-' {
		rel, err := ParseRelative(s)
		if err != nil {
			return time.Time{}, err
		}
		return rel.From(now), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("deliver-at %q: not relative (+2h) nor ISO-8601 with offset", s)
	}
	return t, nil
}

// FormatLocal renders t in loc as ISO-8601 with a numeric offset, the shape
// used for all user-facing timestamps.
func FormatLocal(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format("2006-01-02T15:04:05-07:00")
}

// LoadTimezone resolves an IANA zone name. Empty and "local" mean the
// inherited default (nil, so callers substitute the boss timezone).
func LoadTimezone(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "local") {
		return nil, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", name, err)
	}
	return loc, nil
}

// LastDailyOccurrence returns the most recent instant at or before now when
// the wall clock in loc read hhmm ("HH:MM"). Used by the daily session-reset
// policy.
func LastDailyOccurrence(hhmm string, now time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	var hh, mm int
	if _, err := fmt.Sscanf(hhmm, "%2d:%2d", &hh, &mm); err != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 || len(hhmm) != 5 {
		return time.Time{}, fmt.Errorf("daily reset %q: want HH:MM", hhmm)
	}
	local := now.In(loc)
	cand := time.Date(local.Year(), local.Month(), local.Day(), hh, mm, 0, 0, loc)
	if cand.After(now) {
		cand = cand.AddDate(0, 0, -1)
	}
	return cand, nil
}
