package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Schedule strings accept several forms, all normalized to a robfig/cron
// spec:
//
//   - raw 5-field cron: "30 9 * * 1-5"
//   - descriptors: "@hourly", "@every 2h30m"
//   - bare Go duration: "55m" (becomes "@every 55m")
//   - "daily HH:MM"
//   - "weekly D HH:MM" (D: 0=Sunday..6, or a weekday name)
//   - "monthly D HH:MM" (D: day of month 1..31)

var (
	reDaily   = regexp.MustCompile(`^daily\s+(\d{1,2}):(\d{2})$`)
	reWeekly  = regexp.MustCompile(`^weekly\s+(\S+)\s+(\d{1,2}):(\d{2})$`)
	reMonthly = regexp.MustCompile(`^monthly\s+(\d{1,2})\s+(\d{1,2}):(\d{2})$`)
)

var weekdayNames = map[string]int{
	"sun": 0, "sunday": 0,
	"mon": 1, "monday": 1,
	"tue": 2, "tuesday": 2,
	"wed": 3, "wednesday": 3,
	"thu": 4, "thursday": 4,
	"fri": 5, "friday": 5,
	"sat": 6, "saturday": 6,
}

// NormalizeSchedule turns a schedule string into a cron spec the service's
// parser accepts.
func NormalizeSchedule(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)

	if m := reDaily.FindStringSubmatch(low); m != nil {
		h, min, err := clock(m[1], m[2])
		if err != nil {
			return "", fmt.Errorf("invalid daily schedule %q: %w", raw, err)
		}
		return fmt.Sprintf("%d %d * * *", min, h), nil
	}

	if m := reWeekly.FindStringSubmatch(low); m != nil {
		day, err := weekday(m[1])
		if err != nil {
			return "", fmt.Errorf("invalid weekly schedule %q: %w", raw, err)
		}
		h, min, err := clock(m[2], m[3])
		if err != nil {
			return "", fmt.Errorf("invalid weekly schedule %q: %w", raw, err)
		}
		return fmt.Sprintf("%d %d * * %d", min, h, day), nil
	}

	if m := reMonthly.FindStringSubmatch(low); m != nil {
		dom, err := strconv.Atoi(m[1])
		if err != nil || dom < 1 || dom > 31 {
			return "", fmt.Errorf("invalid monthly schedule %q: day of month must be 1..31", raw)
		}
		h, min, err := clock(m[2], m[3])
		if err != nil {
			return "", fmt.Errorf("invalid monthly schedule %q: %w", raw, err)
		}
		return fmt.Sprintf("%d %d %d * *", min, h, dom), nil
	}

	// Descriptors and raw cron go straight through; the cron parser does
	// the real validation at registration time.
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return s, nil
	}

	// Bare duration.
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return "", fmt.Errorf("interval must be > 0")
		}
		return "@every " + d.String(), nil
	}

	return "", fmt.Errorf(
		"invalid schedule %q (use cron like '30 9 * * *', 'daily HH:MM', 'weekly D HH:MM', 'monthly D HH:MM', or a duration like '55m')",
		raw)
}

func clock(hh, mm string) (int, int, error) {
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("hour must be 0..23")
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("minute must be 0..59")
	}
	return h, m, nil
}

func weekday(v string) (int, error) {
	if d, ok := weekdayNames[v]; ok {
		return d, nil
	}
	if d, err := strconv.Atoi(v); err == nil && d >= 0 && d <= 6 {
		return d, nil
	}
	return 0, fmt.Errorf("weekday must be 0..6 or a name like 'mon'")
}

// tsLayout is the timestamp format substituted for {ts} in task text.
const tsLayout = "2006-01-02 15:04:05"

// expandText substitutes template placeholders in task text. Only {ts} is
// supported: the task's fire time in the scheduler's location.
func expandText(text string, at time.Time) string {
	return strings.ReplaceAll(text, "{ts}", at.Format(tsLayout))
}
