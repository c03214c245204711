/*
Package periods provides the calendar algebra of the engine.

PURPOSE:
  Every value the engine computes is attached to a period: a month of salary,
  a year of income tax, the whole of time for a birth date. This package holds
  the three building blocks used everywhere else:

    Instant: a calendar day (year, month, day), totally ordered, plus the
             special EternityInstant which compares after every other instant.
    Unit:    day, weekday, week, month, year or eternity.
    Period:  (unit, start, size), an immutable value usable as a map key.

KEY CONCEPTS:
  - Alignment: a month period starts on the 1st, a year period on January 1st,
    a week period on an ISO Monday. Constructors reject anything else.
  - Calendar arithmetic: offsets go through a real calendar. Adding one month
    to January 31st clamps to the last day of February.
  - Iteration: Subperiods(unit) splits a period into consecutive units, in
    chronological order, whose union is exactly the period.

SEE ALSO:
  - period.go: Period construction, parsing and selectors
*/
package periods

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// UNIT
// =============================================================================

// Unit is the granularity of a period.
type Unit int

const (
	Day Unit = iota + 1
	Weekday
	Week
	Month
	Year
	Eternity
)

// weight orders units by span. Day and weekday weigh the same, as do week
// and month: neither of those pairs nests in the other.
func (u Unit) weight() int {
	switch u {
	case Day, Weekday:
		return 100
	case Week, Month:
		return 200
	case Year:
		return 300
	case Eternity:
		return 400
	default:
		return 0
	}
}

// Compare returns -1, 0 or 1 depending on whether u spans less, as much or
// more than other.
func (u Unit) Compare(other Unit) int {
	a, b := u.weight(), other.weight()
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Valid reports whether u is one of the declared units.
func (u Unit) Valid() bool { return u.weight() > 0 }

func (u Unit) String() string {
	switch u {
	case Day:
		return "day"
	case Weekday:
		return "weekday"
	case Week:
		return "week"
	case Month:
		return "month"
	case Year:
		return "year"
	case Eternity:
		return "eternity"
	default:
		return "unit(" + strconv.Itoa(int(u)) + ")"
	}
}

// ParseUnit converts "day", "month", ... (case insensitive) into a Unit.
func ParseUnit(s string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "day":
		return Day, nil
	case "weekday":
		return Weekday, nil
	case "week":
		return Week, nil
	case "month":
		return Month, nil
	case "year":
		return Year, nil
	case "eternity":
		return Eternity, nil
	}
	return 0, fmt.Errorf("%w: unknown unit %q", ErrInvalidPeriod, s)
}

// =============================================================================
// INSTANT
// =============================================================================

// ErrInvalidInstant is returned when a date string or triple is malformed.
var ErrInvalidInstant = errors.New("invalid instant")

// Instant is a calendar day. The zero value is not a valid instant.
type Instant struct {
	year  int
	month time.Month
	day   int
}

// EternityInstant compares after every calendar instant.
var EternityInstant = Instant{year: math.MaxInt32, month: time.December, day: 31}

// NewInstant builds an instant, normalizing out-of-range days and months the
// way time.Date does (February 30 becomes March 2 or 1).
func NewInstant(year int, month time.Month, day int) Instant {
	return FromTime(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// FromTime truncates t to its calendar day.
func FromTime(t time.Time) Instant {
	return Instant{year: t.Year(), month: t.Month(), day: t.Day()}
}

// ParseInstant reads "2015", "2015-03" or "2015-03-01". Missing parts default
// to the first month or day. Out-of-range components are rejected.
func ParseInstant(s string) (Instant, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "eternity") {
		return EternityInstant, nil
	}
	parts := strings.Split(s, "-")
	if len(parts) == 0 || len(parts) > 3 {
		return Instant{}, fmt.Errorf("%w: %q", ErrInvalidInstant, s)
	}
	nums := []int{0, 1, 1}
	widths := []int{4, 2, 2}
	for i, p := range parts {
		if len(p) != widths[i] {
			return Instant{}, fmt.Errorf("%w: %q", ErrInvalidInstant, s)
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Instant{}, fmt.Errorf("%w: %q", ErrInvalidInstant, s)
		}
		nums[i] = n
	}
	year, month, day := nums[0], time.Month(nums[1]), nums[2]
	if year < 1 || month < time.January || month > time.December {
		return Instant{}, fmt.Errorf("%w: %q", ErrInvalidInstant, s)
	}
	if day < 1 || day > daysIn(year, month) {
		return Instant{}, fmt.Errorf("%w: %q", ErrInvalidInstant, s)
	}
	return Instant{year: year, month: month, day: day}, nil
}

// MustParseInstant is ParseInstant for literals known to be valid.
func MustParseInstant(s string) Instant {
	i, err := ParseInstant(s)
	if err != nil {
		panic(err)
	}
	return i
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// Properties
func (i Instant) Year() int          { return i.year }
func (i Instant) Month() time.Month  { return i.month }
func (i Instant) Day() int           { return i.day }
func (i Instant) IsZero() bool       { return i == Instant{} }
func (i Instant) IsEternity() bool   { return i == EternityInstant }
func (i Instant) Time() time.Time    { return time.Date(i.year, i.month, i.day, 0, 0, 0, 0, time.UTC) }
func (i Instant) Weekday() time.Weekday { return i.Time().Weekday() }

// Comparison
func (i Instant) Compare(o Instant) int {
	switch {
	case i.year != o.year:
		return cmpInt(i.year, o.year)
	case i.month != o.month:
		return cmpInt(int(i.month), int(o.month))
	default:
		return cmpInt(i.day, o.day)
	}
}
func (i Instant) Before(o Instant) bool        { return i.Compare(o) < 0 }
func (i Instant) After(o Instant) bool         { return i.Compare(o) > 0 }
func (i Instant) BeforeOrEqual(o Instant) bool { return i.Compare(o) <= 0 }
func (i Instant) AfterOrEqual(o Instant) bool  { return i.Compare(o) >= 0 }

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// AddDays shifts the instant by n calendar days.
func (i Instant) AddDays(n int) Instant {
	if i.IsEternity() {
		return i
	}
	return FromTime(i.Time().AddDate(0, 0, n))
}

// Offset shifts the instant by n units. Month and year offsets keep the day of
// month when possible and clamp it to the target month length otherwise.
// The eternity instant is a fixed point.
func (i Instant) Offset(n int, unit Unit) Instant {
	if i.IsEternity() {
		return i
	}
	switch unit {
	case Day, Weekday:
		return i.AddDays(n)
	case Week:
		return i.AddDays(7 * n)
	case Month:
		total := i.year*12 + int(i.month) - 1 + n
		year, month := total/12, time.Month(total%12+1)
		return Instant{year: year, month: month, day: min(i.day, daysIn(year, month))}
	case Year:
		year := i.year + n
		return Instant{year: year, month: i.month, day: min(i.day, daysIn(year, i.month))}
	case Eternity:
		return EternityInstant
	}
	return i
}

// FirstOf returns the first day of the unit containing i. Day and weekday
// units return i itself.
func (i Instant) FirstOf(unit Unit) Instant {
	switch unit {
	case Week:
		back := (int(i.Weekday()) + 6) % 7
		return i.AddDays(-back)
	case Month:
		return Instant{year: i.year, month: i.month, day: 1}
	case Year:
		return Instant{year: i.year, month: time.January, day: 1}
	}
	return i
}

// LastOf returns the last day of the unit containing i.
func (i Instant) LastOf(unit Unit) Instant {
	switch unit {
	case Week:
		return i.FirstOf(Week).AddDays(6)
	case Month:
		return Instant{year: i.year, month: i.month, day: daysIn(i.year, i.month)}
	case Year:
		return Instant{year: i.year, month: time.December, day: 31}
	case Eternity:
		return EternityInstant
	}
	return i
}

// ISOWeek returns the ISO 8601 year, week and weekday (1 = Monday) of i.
func (i Instant) ISOWeek() (year, week, weekday int) {
	year, week = i.Time().ISOWeek()
	weekday = (int(i.Weekday())+6)%7 + 1
	return year, week, weekday
}

func (i Instant) String() string {
	if i.IsEternity() {
		return "eternity"
	}
	return fmt.Sprintf("%04d-%02d-%02d", i.year, int(i.month), i.day)
}

// DaysBetween counts calendar days from a to b (negative when b is before a).
func DaysBetween(a, b Instant) int {
	return int(b.Time().Sub(a.Time()).Hours() / 24)
}

// isoWeekStart returns the Monday opening ISO week `week` of ISO year `year`.
func isoWeekStart(year, week int) (Instant, error) {
	if week < 1 || week > 53 {
		return Instant{}, fmt.Errorf("%w: week %d", ErrInvalidInstant, week)
	}
	jan4 := NewInstant(year, time.January, 4)
	start := jan4.FirstOf(Week).AddDays(7 * (week - 1))
	if y, _, _ := start.ISOWeek(); y != year {
		return Instant{}, fmt.Errorf("%w: year %d has no week %d", ErrInvalidInstant, year, week)
	}
	return start, nil
}

// MarshalText renders "YYYY-MM-DD" or "eternity".
func (i Instant) MarshalText() ([]byte, error) { return []byte(i.String()), nil }

// UnmarshalText parses any form accepted by ParseInstant.
func (i *Instant) UnmarshalText(b []byte) error {
	v, err := ParseInstant(string(b))
	if err != nil {
		return err
	}
	*i = v
	return nil
}
