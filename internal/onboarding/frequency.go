package onboarding

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// FrequencyUnit is the calendar unit a maintenance interval is counted in
type FrequencyUnit string

const (
	UnitDay   FrequencyUnit = "day"
	UnitWeek  FrequencyUnit = "week"
	UnitMonth FrequencyUnit = "month"
	UnitYear  FrequencyUnit = "year"
)

// Frequency is a parsed maintenance interval
type Frequency struct {
	Label string
	Count int
	Unit  FrequencyUnit
	// Defaulted is set when the descriptor could not be interpreted and
	// the daily fallback was used.
	Defaulted bool
}

var (
	Daily      = Frequency{Label: "daily", Count: 1, Unit: UnitDay}
	Weekly     = Frequency{Label: "weekly", Count: 1, Unit: UnitWeek}
	Monthly    = Frequency{Label: "monthly", Count: 1, Unit: UnitMonth}
	Quarterly  = Frequency{Label: "quarterly", Count: 3, Unit: UnitMonth}
	SemiAnnual = Frequency{Label: "semi-annual", Count: 6, Unit: UnitMonth}
	Annual     = Frequency{Label: "annual", Count: 1, Unit: UnitYear}
	BiAnnual   = Frequency{Label: "bi-annual", Count: 2, Unit: UnitYear}
)

// numericFrequencies maps bare day counts onto categories
var numericFrequencies = map[int]Frequency{
	1:   Daily,
	7:   Weekly,
	30:  Monthly,
	90:  Quarterly,
	180: SemiAnnual,
	365: Annual,
}

// textFrequencies is checked in order; the first matching token wins.
// Tokens that contain a later token ("semi-annual", "bi-annual") come first.
var textFrequencies = []struct {
	tokens    []string
	frequency Frequency
}{
	{[]string{"daily", "every day"}, Daily},
	{[]string{"weekly", "every week"}, Weekly},
	{[]string{"monthly", "every month"}, Monthly},
	{[]string{"quarterly", "every 3 months"}, Quarterly},
	{[]string{"semi-annual", "semiannual", "every 6 months"}, SemiAnnual},
	{[]string{"bi-annual", "biannual", "every 2 years"}, BiAnnual},
	{[]string{"annual", "yearly", "every year"}, Annual},
}

var intervalPattern = regexp.MustCompile(`(?i)(\d+)\s*(day|week|month|year)s?`)

// maxIntervalCount bounds explicit intervals to roughly a century per unit
var maxIntervalCount = map[FrequencyUnit]int{
	UnitDay:   36500,
	UnitWeek:  5200,
	UnitMonth: 1200,
	UnitYear:  100,
}

// ParseFrequency interprets a free-text or numeric frequency descriptor.
// Unknown descriptors fall back to daily with Defaulted set.
func ParseFrequency(descriptor string) Frequency {
	text := strings.ToLower(strings.TrimSpace(descriptor))
	if text == "" {
		return defaulted()
	}

	if n, err := strconv.Atoi(text); err == nil {
		if f, ok := numericFrequencies[n]; ok {
			return f
		}
		return defaulted()
	}

	for _, entry := range textFrequencies {
		for _, token := range entry.tokens {
			if strings.Contains(text, token) {
				return entry.frequency
			}
		}
	}

	if m := intervalPattern.FindStringSubmatch(text); m != nil {
		count, err := strconv.Atoi(m[1])
		unit := FrequencyUnit(strings.ToLower(m[2]))
		if err == nil && count > 0 && count <= maxIntervalCount[unit] {
			return Frequency{Label: intervalLabel(count, unit), Count: count, Unit: unit}
		}
	}

	return defaulted()
}

func defaulted() Frequency {
	f := Daily
	f.Defaulted = true
	return f
}

func intervalLabel(count int, unit FrequencyUnit) string {
	if count == 1 {
		return fmt.Sprintf("every 1 %s", unit)
	}
	return fmt.Sprintf("every %d %ss", count, unit)
}

// Next returns the occurrence after last. The result is always strictly
// after last; a span that does not move forward falls back to one day.
func (f Frequency) Next(last time.Time) time.Time {
	count := max(f.Count, 1)

	var next time.Time
	switch f.Unit {
	case UnitWeek:
		next = last.AddDate(0, 0, 7*count)
	case UnitMonth:
		next = addMonths(last, count)
	case UnitYear:
		next = addMonths(last, 12*count)
	default:
		next = last.AddDate(0, 0, count)
	}

	if !next.After(last) {
		return last.AddDate(0, 0, 1)
	}
	return next
}

// NextOccurrence computes the next maintenance date from the last one
func NextOccurrence(last time.Time, descriptor string) time.Time {
	return ParseFrequency(descriptor).Next(last)
}

// addMonths adds n months, clamping the day to the end of the target month
// so Jan 31 + 1 month is the last day of February.
func addMonths(t time.Time, n int) time.Time {
	year, month, day := t.Date()
	firstOfTarget := time.Date(year, month+time.Month(n), 1, 0, 0, 0, 0, t.Location())
	lastDay := firstOfTarget.AddDate(0, 1, -1).Day()
	if day > lastDay {
		day = lastDay
	}

	hour, minute, sec := t.Clock()
	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), day, hour, minute, sec, t.Nanosecond(), t.Location())
}
