// Package prescription implements the prescription order and its
// recurrence rule interpreter.
package prescription

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidRecurrence indicates a malformed recurrence encoding. Generation
// skips the offending prescription rather than failing the whole batch.
var ErrInvalidRecurrence = errors.New("invalid recurrence")

// Kind discriminates the recurrence union.
type Kind string

const (
	KindDaily    Kind = "daily"
	KindWeekly   Kind = "weekly"
	KindInterval Kind = "interval"
	KindPRN      Kind = "prn"
)

// TimeOfDay is a clock time expressed as minutes since local midnight.
type TimeOfDay int

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("%w: time of day %q", ErrInvalidRecurrence, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%w: hour in %q", ErrInvalidRecurrence, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: minute in %q", ErrInvalidRecurrence, s)
	}
	return TimeOfDay(h*60 + m), nil
}

// MustTimeOfDay parses "HH:MM" and panics on error. For tests and constants.
func MustTimeOfDay(s string) TimeOfDay {
	tod, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return tod
}

// Hour returns the hour component.
func (t TimeOfDay) Hour() int { return int(t) / 60 }

// Minute returns the minute component.
func (t TimeOfDay) Minute() int { return int(t) % 60 }

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

// Date is a calendar day without a time component.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// NewDate builds a Date.
func NewDate(year int, month time.Month, day int) Date {
	return Date{Year: year, Month: month, Day: day}
}

// DateOf truncates t to its calendar day in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses "2006-01-02".
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, err
	}
	return DateOf(t), nil
}

// At combines the date with a time of day in the given location.
func (d Date) At(tod TimeOfDay, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, tod.Hour(), tod.Minute(), 0, 0, loc)
}

// Midnight returns the start of the day in the given location.
func (d Date) Midnight(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

// Next returns the following calendar day.
func (d Date) Next() Date {
	return DateOf(d.Midnight(time.UTC).AddDate(0, 0, 1))
}

// AddDays returns the date n days later.
func (d Date) AddDays(n int) Date {
	return DateOf(d.Midnight(time.UTC).AddDate(0, 0, n))
}

// Weekday returns the day of week.
func (d Date) Weekday() time.Weekday {
	return d.Midnight(time.UTC).Weekday()
}

// Before reports whether d is earlier than other.
func (d Date) Before(other Date) bool {
	return d.Midnight(time.UTC).Before(other.Midnight(time.UTC))
}

// After reports whether d is later than other.
func (d Date) After(other Date) bool {
	return other.Before(d)
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// Rule is the tagged recurrence union: Daily, Weekly, Interval or PRN.
// The legacy delimited string encoding never leaves the parse boundary.
type Rule struct {
	Kind          Kind
	Times         []TimeOfDay    // Daily, Weekly; sorted ascending
	Days          []time.Weekday // Weekly; sorted ascending
	IntervalHours int            // Interval; > 0
}

// Daily returns a rule firing at the given times every day.
func Daily(times ...TimeOfDay) Rule {
	return Rule{Kind: KindDaily, Times: normalizeTimes(times)}
}

// Weekly returns a rule firing at the given times on the given weekdays.
func Weekly(days []time.Weekday, times ...TimeOfDay) Rule {
	return Rule{Kind: KindWeekly, Days: normalizeDays(days), Times: normalizeTimes(times)}
}

// Interval returns a rule firing every n hours, anchored at local midnight.
func Interval(hours int) Rule {
	return Rule{Kind: KindInterval, IntervalHours: hours}
}

// PRN returns the unscheduled rule. It never expands to any slot; PRN doses
// are created ad hoc at administration time.
func PRN() Rule {
	return Rule{Kind: KindPRN}
}

// Validate checks internal consistency of the rule.
func (r Rule) Validate() error {
	switch r.Kind {
	case KindDaily:
		if len(r.Times) == 0 {
			return fmt.Errorf("%w: daily rule without times", ErrInvalidRecurrence)
		}
	case KindWeekly:
		if len(r.Days) == 0 {
			return fmt.Errorf("%w: weekly rule without days", ErrInvalidRecurrence)
		}
		if len(r.Times) == 0 {
			return fmt.Errorf("%w: weekly rule without times", ErrInvalidRecurrence)
		}
	case KindInterval:
		if r.IntervalHours <= 0 {
			return fmt.Errorf("%w: interval hours must be positive", ErrInvalidRecurrence)
		}
	case KindPRN:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRecurrence, r.Kind)
	}
	return nil
}

// Expand returns the ordered time-of-day slots the rule produces on the given
// date. Pure function of its inputs; an empty result means no doses that day.
//
// Interval rules are anchored at local midnight of each date, not at the
// prescription start. The same (date, hours) pair always yields the same
// slots, so the first dose of a late-started prescription can land well
// before the actual start time. Upstream systems depend on this behavior, so
// it is kept.
func (r Rule) Expand(d Date) ([]TimeOfDay, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	switch r.Kind {
	case KindDaily:
		return append([]TimeOfDay(nil), r.Times...), nil

	case KindWeekly:
		wd := d.Weekday()
		for _, day := range r.Days {
			if day == wd {
				return append([]TimeOfDay(nil), r.Times...), nil
			}
		}
		return nil, nil

	case KindInterval:
		var slots []TimeOfDay
		for h := 0; h < 24; h += r.IntervalHours {
			slots = append(slots, TimeOfDay(h*60))
		}
		return slots, nil

	case KindPRN:
		return nil, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidRecurrence, r.Kind)
}

// ParseRule decodes the legacy persisted recurrence encoding:
//
//	daily:    "08:00,20:00"
//	weekly:   "1,4|09:00"        (weekday numbers, 0=Sunday, then times)
//	interval: "8"                (hours)
//	prn:      ""
func ParseRule(kind, detail string) (Rule, error) {
	switch Kind(kind) {
	case KindDaily:
		times, err := parseTimes(detail)
		if err != nil {
			return Rule{}, err
		}
		r := Daily(times...)
		return r, r.Validate()

	case KindWeekly:
		parts := strings.SplitN(detail, "|", 2)
		if len(parts) != 2 {
			return Rule{}, fmt.Errorf("%w: weekly detail %q", ErrInvalidRecurrence, detail)
		}
		days, err := parseDays(parts[0])
		if err != nil {
			return Rule{}, err
		}
		times, err := parseTimes(parts[1])
		if err != nil {
			return Rule{}, err
		}
		r := Weekly(days, times...)
		return r, r.Validate()

	case KindInterval:
		hours, err := strconv.Atoi(strings.TrimSpace(detail))
		if err != nil {
			return Rule{}, fmt.Errorf("%w: interval hours %q", ErrInvalidRecurrence, detail)
		}
		r := Interval(hours)
		return r, r.Validate()

	case KindPRN:
		return PRN(), nil
	}
	return Rule{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidRecurrence, kind)
}

// EncodeDetail renders the rule back into the legacy persisted encoding.
func (r Rule) EncodeDetail() string {
	switch r.Kind {
	case KindDaily:
		return joinTimes(r.Times)
	case KindWeekly:
		days := make([]string, len(r.Days))
		for i, d := range r.Days {
			days[i] = strconv.Itoa(int(d))
		}
		return strings.Join(days, ",") + "|" + joinTimes(r.Times)
	case KindInterval:
		return strconv.Itoa(r.IntervalHours)
	}
	return ""
}

func parseTimes(s string) ([]TimeOfDay, error) {
	var times []TimeOfDay
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tod, err := ParseTimeOfDay(part)
		if err != nil {
			return nil, err
		}
		times = append(times, tod)
	}
	return times, nil
}

func parseDays(s string) ([]time.Weekday, error) {
	var days []time.Weekday
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > 6 {
			return nil, fmt.Errorf("%w: weekday %q", ErrInvalidRecurrence, part)
		}
		days = append(days, time.Weekday(n))
	}
	return days, nil
}

func joinTimes(times []TimeOfDay) string {
	parts := make([]string, len(times))
	for i, t := range times {
		parts[i] = t.String()
	}
	return strings.Join(parts, ",")
}

func normalizeTimes(times []TimeOfDay) []TimeOfDay {
	out := make([]TimeOfDay, 0, len(times))
	seen := make(map[TimeOfDay]bool, len(times))
	for _, t := range times {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func normalizeDays(days []time.Weekday) []time.Weekday {
	out := make([]time.Weekday, 0, len(days))
	seen := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
