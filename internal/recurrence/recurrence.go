// Package recurrence computes the next occurrence of a repeating reminder.
// All functions are pure: the same inputs always produce the same output.
package recurrence

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frequency constants
const (
	FrequencyDaily       = "daily"
	FrequencyWeekly      = "weekly"
	FrequencyMonthly     = "monthly"
	FrequencyTimesPerDay = "times_per_day"
	FrequencyDaysOfWeek  = "days_of_week"
)

// Rule describes how a recurring reminder repeats. It is stored alongside
// the reminder as a JSON column.
type Rule struct {
	Frequency   string     `json:"frequency"`
	TimesPerDay int        `json:"times_per_day,omitempty"`
	DaysOfWeek  []int      `json:"days_of_week,omitempty"` // 0=Sunday .. 6=Saturday
	EndDate     *time.Time `json:"end_date,omitempty"`
}

// Validate checks the rule's internal consistency.
func (r Rule) Validate() error {
	switch r.Frequency {
	case FrequencyDaily, FrequencyMonthly:
		return nil
	case FrequencyWeekly:
		// A plain weekly rule needs no day set; when one is given it must be valid.
		return validateDays(r.DaysOfWeek, false)
	case FrequencyDaysOfWeek:
		return validateDays(r.DaysOfWeek, true)
	case FrequencyTimesPerDay:
		if r.TimesPerDay < 1 {
			return fmt.Errorf("times_per_day must be >= 1, got %d", r.TimesPerDay)
		}
		return nil
	default:
		return fmt.Errorf("unknown frequency: %q", r.Frequency)
	}
}

func validateDays(days []int, required bool) error {
	if len(days) == 0 {
		if required {
			return fmt.Errorf("days_of_week must not be empty")
		}
		return nil
	}
	for _, d := range days {
		if d < 0 || d > 6 {
			return fmt.Errorf("day of week out of range: %d", d)
		}
	}
	return nil
}

// Marshal encodes the rule for storage.
func (r Rule) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal decodes a stored rule.
func Unmarshal(data []byte) (*Rule, error) {
	var r Rule
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode recurrence rule: %w", err)
	}
	return &r, nil
}

// Next returns the instant of the occurrence following prev, and whether one
// exists. The second return is false once the computed instant would fall
// after the rule's end date.
//
// Time-of-day is held constant for calendar-based frequencies. Monthly rules
// clamp to the last day of the target month when the source day does not
// exist there (Jan 31 -> Feb 28/29). A times_per_day rule spaces occurrences
// evenly by 24h/n from the previous one and does not reset at midnight.
func Next(prev time.Time, r Rule) (time.Time, bool) {
	var next time.Time

	switch r.Frequency {
	case FrequencyDaily:
		next = prev.AddDate(0, 0, 1)
	case FrequencyWeekly:
		if len(r.DaysOfWeek) > 0 {
			next = nextWeekday(prev, r.DaysOfWeek)
		} else {
			next = prev.AddDate(0, 0, 7)
		}
	case FrequencyDaysOfWeek:
		next = nextWeekday(prev, r.DaysOfWeek)
	case FrequencyMonthly:
		next = addMonthClamped(prev)
	case FrequencyTimesPerDay:
		n := r.TimesPerDay
		if n < 1 {
			n = 1
		}
		next = prev.Add(24 * time.Hour / time.Duration(n))
	default:
		return time.Time{}, false
	}

	if r.EndDate != nil && next.After(*r.EndDate) {
		return time.Time{}, false
	}
	return next, true
}

// nextWeekday scans forward day by day for the earliest instant strictly
// after prev whose weekday is in the set. The set is non-empty, so at most
// seven steps are needed.
func nextWeekday(prev time.Time, days []int) time.Time {
	allowed := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		allowed[time.Weekday(d)] = true
	}
	for add := 1; add <= 7; add++ {
		candidate := prev.AddDate(0, 0, add)
		if allowed[candidate.Weekday()] {
			return candidate
		}
	}
	// Unreachable for a validated rule; fall back to one week out.
	return prev.AddDate(0, 0, 7)
}

// addMonthClamped advances one calendar month, clamping the day when the
// target month is shorter. AddDate alone would roll Jan 31 into Mar 3.
func addMonthClamped(t time.Time) time.Time {
	year, month, day := t.Date()
	firstOfNext := time.Date(year, month+1, 1, 0, 0, 0, 0, t.Location())
	if last := lastDayOfMonth(firstOfNext); day > last {
		day = last
	}
	return time.Date(firstOfNext.Year(), firstOfNext.Month(), day,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func lastDayOfMonth(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
}
