// Package timeutil provides timezone utilities for the bot factory.
// Funnel analytics aggregate over UTC calendar days so that windows are
// stable regardless of where the service runs; operator-facing reports
// are displayed in Jerusalem time, where the factory's audience lives.
// No external dependencies - uses only standard library.
package timeutil

import (
	"fmt"
	"time"
)

// JerusalemTZ is the display timezone for operator-facing reports.
// Israel observes DST, so the zone is loaded from the system tz database.
// Falls back to a fixed UTC+2 zone when zoneinfo is unavailable
// (minimal containers without tzdata).
var JerusalemTZ = loadJerusalem()

func loadJerusalem() *time.Location {
	loc, err := time.LoadLocation("Asia/Jerusalem")
	if err != nil {
		return time.FixedZone("Asia/Jerusalem", 2*60*60)
	}
	return loc
}

// NowUTC returns the current time in UTC.
func NowUTC() time.Time {
	return time.Now().UTC()
}

// ToJerusalem converts a time to Jerusalem timezone.
func ToJerusalem(t time.Time) time.Time {
	return t.In(JerusalemTZ)
}

// ToUTC converts a time to UTC.
func ToUTC(t time.Time) time.Time {
	return t.UTC()
}

// StartOfDayUTC returns the start of the UTC calendar day containing t.
func StartOfDayUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// EndOfDayUTC returns the end of the UTC calendar day containing t.
func EndOfDayUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 23, 59, 59, 999999999, time.UTC)
}

// DaysAgoUTC returns the start of the UTC day n days before t.
// DaysAgoUTC(t, 0) is the start of t's own day. Funnel queries use this
// to turn a "last N days" parameter into a stable window boundary.
func DaysAgoUTC(t time.Time, n int) time.Time {
	return StartOfDayUTC(t.UTC().AddDate(0, 0, -n))
}

// IsSameDayUTC checks if two times fall on the same UTC calendar day.
func IsSameDayUTC(t1, t2 time.Time) bool {
	u1, u2 := t1.UTC(), t2.UTC()
	return u1.Year() == u2.Year() && u1.YearDay() == u2.YearDay()
}

// Common date/time formats.
const (
	// FormatDate is the standard date format (YYYY-MM-DD).
	FormatDate = "2006-01-02"
	// FormatTime is the standard time format (HH:MM).
	FormatTime = "15:04"
	// FormatDateTime is the standard datetime format.
	FormatDateTime = "2006-01-02 15:04"
	// FormatDateTimeSeconds includes seconds.
	FormatDateTimeSeconds = "2006-01-02 15:04:05"
)

// FormatDateStr formats a time as a date string (YYYY-MM-DD) in UTC.
func FormatDateStr(t time.Time) string {
	return t.UTC().Format(FormatDate)
}

// FormatDateTimeStr formats a time as a datetime string in UTC.
func FormatDateTimeStr(t time.Time) string {
	return t.UTC().Format(FormatDateTime)
}

// FormatJerusalem formats a time in Jerusalem timezone with the given layout.
func FormatJerusalem(t time.Time, layout string) string {
	return ToJerusalem(t).Format(layout)
}

// FormatRelative returns a human-readable relative time string in Hebrew,
// matching the language of the factory's user surface.
func FormatRelative(t time.Time) string {
	now := time.Now()
	duration := now.Sub(t)

	if duration < 0 {
		duration = -duration
		return formatFutureDuration(duration)
	}

	return formatPastDuration(duration)
}

func formatPastDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "ממש עכשיו"
	case d < time.Hour:
		return fmt.Sprintf("לפני %d דקות", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("לפני %d שעות", int(d.Hours()))
	case d < 7*24*time.Hour:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "אתמול"
		}
		return fmt.Sprintf("לפני %d ימים", days)
	case d < 30*24*time.Hour:
		return fmt.Sprintf("לפני %d שבועות", int(d.Hours()/24/7))
	default:
		months := int(d.Hours() / 24 / 30)
		if months < 12 {
			return fmt.Sprintf("לפני %d חודשים", months)
		}
		return fmt.Sprintf("לפני %d שנים", months/12)
	}
}

func formatFutureDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "עכשיו"
	case d < time.Hour:
		return fmt.Sprintf("בעוד %d דקות", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("בעוד %d שעות", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "מחר"
		}
		return fmt.Sprintf("בעוד %d ימים", days)
	}
}

// FormatDurationShort renders a duration as a compact "2d 3h 14m" string.
// Used by the factory status widget to display uptime.
func FormatDurationShort(d time.Duration) string {
	if d < 0 {
		d = -d
	}

	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, mins)
	case mins > 0:
		return fmt.Sprintf("%dm", mins)
	default:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
}

// DaysBetween calculates the number of UTC calendar days between two times.
func DaysBetween(t1, t2 time.Time) int {
	a1 := StartOfDayUTC(t1)
	a2 := StartOfDayUTC(t2)
	days := int(a2.Sub(a1).Hours() / 24)
	if days < 0 {
		days = -days
	}
	return days
}
