package chat

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var agoRe = regexp.MustCompile(`^(\d+)\s+(second|minute|hour|day|week|month|year)s?\s+ago$`)

// parseRelativeTime turns expressions like "yesterday", "last week", or
// "3 hours ago" into a concrete [start, end] window. Unrecognized input
// falls back to the last 24 hours.
func parseRelativeTime(expr string, now time.Time) (time.Time, time.Time) {
	expr = strings.ToLower(strings.TrimSpace(expr))

	switch expr {
	case "today":
		return startOfDay(now), now
	case "yesterday":
		y := now.AddDate(0, 0, -1)
		return startOfDay(y), endOfDay(y)
	case "this week":
		// Week starts on Monday.
		offset := (int(now.Weekday()) + 6) % 7
		return startOfDay(now.AddDate(0, 0, -offset)), now
	case "last week":
		w := now.AddDate(0, 0, -7)
		return startOfDay(w), endOfDay(w)
	case "this month":
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()), now
	case "last month":
		m := now.AddDate(0, 0, -30)
		return startOfDay(m), endOfDay(m)
	case "this year":
		return time.Date(now.Year(), 1, 1, 0, 0, 0, 0, now.Location()), now
	case "last year":
		y := now.AddDate(-1, 0, 0)
		return startOfDay(y), now
	}

	if m := agoRe.FindStringSubmatch(expr); m != nil {
		n, _ := strconv.Atoi(m[1])
		var start time.Time
		switch m[2] {
		case "second":
			start = now.Add(-time.Duration(n) * time.Second)
		case "minute":
			start = now.Add(-time.Duration(n) * time.Minute)
		case "hour":
			start = now.Add(-time.Duration(n) * time.Hour)
		case "day":
			start = startOfDay(now.AddDate(0, 0, -n))
		case "week":
			start = startOfDay(now.AddDate(0, 0, -7*n))
		case "month":
			start = startOfDay(now.AddDate(0, -n, 0))
		case "year":
			start = startOfDay(now.AddDate(-n, 0, 0))
		}
		return start, now
	}

	return now.AddDate(0, 0, -1), now
}

// applyTimeRange narrows the window to a period within its starting day:
// morning 06:00-11:59, afternoon 12:00-17:59, evening 18:00-21:59,
// night 22:00-23:59. Unknown ranges keep the full day.
func applyTimeRange(timeRange string, start time.Time) (time.Time, time.Time) {
	day := startOfDay(start)
	switch strings.ToLower(strings.TrimSpace(timeRange)) {
	case "morning":
		return day.Add(6 * time.Hour), day.Add(12*time.Hour - time.Second)
	case "afternoon":
		return day.Add(12 * time.Hour), day.Add(18*time.Hour - time.Second)
	case "evening":
		return day.Add(18 * time.Hour), day.Add(22*time.Hour - time.Second)
	case "night":
		return day.Add(22 * time.Hour), day.Add(24*time.Hour - time.Second)
	default:
		return day, day.Add(24*time.Hour - time.Second)
	}
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func endOfDay(t time.Time) time.Time {
	return startOfDay(t).Add(24*time.Hour - time.Second)
}
