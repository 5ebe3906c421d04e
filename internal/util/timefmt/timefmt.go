package timefmt

import (
	"fmt"
	"time"
)

// ISO8601 is the ISO-8601 format used for timestamp serialization.
const ISO8601 = "2006-01-02T15:04:05.000Z"

// Wall is the user-facing timestamp format, matching last(1).
const Wall = "Mon Jan 02 15:04"

// Format formats a time.Time to the standard string representation.
func Format(t time.Time) string {
	return t.UTC().Format(ISO8601)
}

// WallTime renders t in the local time zone for user-facing output.
func WallTime(t time.Time) string {
	return t.Local().Format(Wall)
}

// WallTimeZone renders t like WallTime with the zone abbreviation
// appended, as in the finger(1) "On since" line.
func WallTimeZone(t time.Time) string {
	return t.Local().Format("Mon Jan 02 15:04 (MST)")
}

// IdleShort renders the gap between last activity and now in the compact
// w(1) style: 0m, 3m, 2h, 1d.
func IdleShort(last, now time.Time) string {
	d := now.Sub(last)
	if d < 0 {
		d = 0
	}
	switch {
	case d >= 24*time.Hour:
		return fmt.Sprintf("%dd", int(d.Hours())/24)
	case d >= time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
}

// IdleClock renders the gap in finger(1) style: 0:03, 3:45, 1 day 7:22.
func IdleClock(last, now time.Time) string {
	secs := int(now.Sub(last).Seconds())
	if secs < 0 {
		secs = 0
	}
	minutes := secs / 60
	hours := minutes / 60
	days := hours / 24
	if days > 0 {
		plural := "s"
		if days == 1 {
			plural = ""
		}
		return fmt.Sprintf("%d day%s %d:%02d", days, plural, hours%24, minutes%60)
	}
	return fmt.Sprintf("%d:%02d", hours, minutes%60)
}

// Duration renders the gap between login and logout as H:MM, like last(1).
func Duration(from, to time.Time) string {
	secs := int(to.Sub(from).Seconds())
	if secs < 0 {
		secs = 0
	}
	return fmt.Sprintf("%d:%02d", secs/3600, (secs%3600)/60)
}
