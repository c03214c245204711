package periods

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidPeriod is returned for malformed or misaligned periods.
var ErrInvalidPeriod = errors.New("invalid period")

// =============================================================================
// PERIOD - (unit, start, size)
// =============================================================================

// Period is a span of `size` consecutive units starting at `start`.
// Periods are immutable values; equality is the canonical triple, which makes
// them usable as map keys.
type Period struct {
	unit  Unit
	start Instant
	size  int
}

// EternityPeriod covers all of time.
var EternityPeriod = Period{unit: Eternity, start: Instant{year: 1, month: time.January, day: 1}, size: 1}

// New builds a period and checks its alignment: months start on the 1st,
// years on January 1st and weeks on a Monday.
func New(unit Unit, start Instant, size int) (Period, error) {
	if unit == Eternity {
		return EternityPeriod, nil
	}
	if !unit.Valid() {
		return Period{}, fmt.Errorf("%w: unknown unit %d", ErrInvalidPeriod, unit)
	}
	if size < 1 {
		return Period{}, fmt.Errorf("%w: size %d < 1", ErrInvalidPeriod, size)
	}
	if start.IsZero() || start.IsEternity() {
		return Period{}, fmt.Errorf("%w: %s period cannot start at %q", ErrInvalidPeriod, unit, start)
	}
	if start != start.FirstOf(unit) {
		return Period{}, fmt.Errorf("%w: %s period cannot start on %s", ErrInvalidPeriod, unit, start)
	}
	return Period{unit: unit, start: start, size: size}, nil
}

// Must is New for values known to be valid.
func Must(unit Unit, start Instant, size int) Period {
	p, err := New(unit, start, size)
	if err != nil {
		panic(err)
	}
	return p
}

// Of is shorthand for a single-unit period containing instant, aligned on the
// unit boundary.
func Of(unit Unit, instant Instant) Period {
	if unit == Eternity {
		return EternityPeriod
	}
	return Period{unit: unit, start: instant.FirstOf(unit), size: 1}
}

// YearOf, MonthOf and DayOf are the common cases of Of.
func YearOf(year int) Period { return Period{unit: Year, start: NewInstant(year, time.January, 1), size: 1} }
func MonthOf(year int, month time.Month) Period {
	return Period{unit: Month, start: NewInstant(year, month, 1), size: 1}
}
func DayOf(i Instant) Period { return Period{unit: Day, start: i, size: 1} }

// Accessors
func (p Period) Unit() Unit         { return p.unit }
func (p Period) Start() Instant     { return p.start }
func (p Period) Size() int          { return p.size }
func (p Period) IsZero() bool       { return p == Period{} }
func (p Period) IsEternity() bool   { return p.unit == Eternity }

// Stop is the last day covered by the period.
func (p Period) Stop() Instant {
	if p.unit == Eternity {
		return EternityInstant
	}
	return p.start.Offset(p.size, p.unit).AddDays(-1)
}

// Days counts the calendar days covered. It returns -1 for eternity.
func (p Period) Days() int {
	if p.unit == Eternity {
		return -1
	}
	return DaysBetween(p.start, p.Stop()) + 1
}

// SizeIn expresses the period length in another unit: months for month and
// year periods, days for everything else. Eternity has no finite size.
func (p Period) SizeIn(unit Unit) (int, error) {
	if p.unit == Eternity {
		return 0, fmt.Errorf("%w: eternity has no finite size", ErrInvalidPeriod)
	}
	switch unit {
	case Day, Weekday:
		return p.Days(), nil
	case Week:
		if d := p.Days(); d%7 == 0 {
			return d / 7, nil
		}
	case Month:
		switch p.unit {
		case Month:
			return p.size, nil
		case Year:
			return 12 * p.size, nil
		}
	case Year:
		if p.unit == Year {
			return p.size, nil
		}
	}
	return 0, fmt.Errorf("%w: cannot express %s in %s units", ErrInvalidPeriod, p, unit)
}

// Contains reports whether instant falls in [Start, Stop].
func (p Period) Contains(instant Instant) bool {
	return p.start.BeforeOrEqual(instant) && instant.BeforeOrEqual(p.Stop())
}

// ContainsPeriod reports whether other lies entirely within p.
func (p Period) ContainsPeriod(other Period) bool {
	if p.unit == Eternity {
		return true
	}
	return p.start.BeforeOrEqual(other.start) && other.Stop().BeforeOrEqual(p.Stop())
}

// Intersection returns the overlap of a and b. The result uses the widest
// unit that describes the overlap exactly (year, then month, then day).
func Intersection(a, b Period) (Period, bool) {
	if a.unit == Eternity {
		return b, true
	}
	if b.unit == Eternity {
		return a, true
	}
	start, stop := a.start, a.Stop()
	if b.start.After(start) {
		start = b.start
	}
	if bs := b.Stop(); bs.Before(stop) {
		stop = bs
	}
	if start.After(stop) {
		return Period{}, false
	}
	return spanning(start, stop), true
}

// spanning expresses [start, stop] with the widest exact unit.
func spanning(start, stop Instant) Period {
	if start == start.FirstOf(Year) && stop == stop.LastOf(Year) {
		return Period{unit: Year, start: start, size: stop.Year() - start.Year() + 1}
	}
	if start == start.FirstOf(Month) && stop == stop.LastOf(Month) {
		months := (stop.Year()-start.Year())*12 + int(stop.Month()) - int(start.Month()) + 1
		return Period{unit: Month, start: start, size: months}
	}
	return Period{unit: Day, start: start, size: DaysBetween(start, stop) + 1}
}

// Subperiods splits p into consecutive single-unit periods, oldest first.
// The unit must not be wider than p's, and the split must be exact: a month
// does not split into weeks.
func (p Period) Subperiods(unit Unit) ([]Period, error) {
	if unit == Eternity {
		if p.unit == Eternity {
			return []Period{EternityPeriod}, nil
		}
		return nil, fmt.Errorf("%w: cannot split %s into eternity", ErrInvalidPeriod, p)
	}
	if p.unit == Eternity {
		return nil, fmt.Errorf("%w: eternity cannot be split into %s units", ErrInvalidPeriod, unit)
	}
	if unit.Compare(p.unit) > 0 {
		return nil, fmt.Errorf("%w: %s is wider than %s", ErrInvalidPeriod, unit, p)
	}
	stop := p.Stop()
	if unit == p.unit || (unit == Day && p.unit == Weekday) || (unit == Weekday && p.unit == Day) {
		out := make([]Period, 0, p.size)
		for i, cur := 0, p.start; i < p.size; i++ {
			out = append(out, Period{unit: unit, start: cur, size: 1})
			cur = cur.Offset(1, p.unit)
		}
		return out, nil
	}
	if p.start != p.start.FirstOf(unit) {
		return nil, fmt.Errorf("%w: %s does not start on a %s boundary", ErrInvalidPeriod, p, unit)
	}
	var out []Period
	cur := p.start
	for cur.BeforeOrEqual(stop) {
		sub := Period{unit: unit, start: cur, size: 1}
		if sub.Stop().After(stop) {
			return nil, fmt.Errorf("%w: %s is not a whole number of %s units", ErrInvalidPeriod, p, unit)
		}
		out = append(out, sub)
		cur = cur.Offset(1, unit)
	}
	return out, nil
}

// =============================================================================
// SELECTORS
// =============================================================================

// Offset shifts the period by n of its own units, keeping its size.
func (p Period) Offset(n int) Period {
	return p.OffsetBy(n, p.unit)
}

// OffsetBy shifts the start by n units of another unit. The new start is
// brought back to the boundary of p's unit, so a year shifted by months
// still starts on January 1st.
func (p Period) OffsetBy(n int, unit Unit) Period {
	if p.unit == Eternity {
		return p
	}
	return Period{unit: p.unit, start: p.start.Offset(n, unit).FirstOf(p.unit), size: p.size}
}

// FirstDay is the day period opening p.
func (p Period) FirstDay() Period { return Period{unit: Day, start: p.start, size: 1} }

// FirstMonth is the month containing p's start.
func (p Period) FirstMonth() Period { return Of(Month, p.start) }

// ThisMonth is an alias of FirstMonth.
func (p Period) ThisMonth() Period { return p.FirstMonth() }

// ThisYear is the calendar year containing p's start.
func (p Period) ThisYear() Period { return Of(Year, p.start) }

// LastMonth is the month before the one containing p's start.
func (p Period) LastMonth() Period { return p.FirstMonth().Offset(-1) }

// LastYear is the calendar year before the one containing p's start.
func (p Period) LastYear() Period { return p.ThisYear().Offset(-1) }

// NextYear is the calendar year after the one containing p's start.
func (p Period) NextYear() Period { return p.ThisYear().Offset(1) }

// LastMonths is the n months preceding the month containing p's start.
func (p Period) LastMonths(n int) Period {
	first := p.FirstMonth()
	return Period{unit: Month, start: first.start.Offset(-n, Month), size: n}
}

// Less orders periods by start, then unit, then size. It is the order used
// when a holder scans its known periods.
func Less(a, b Period) bool {
	if c := a.start.Compare(b.start); c != 0 {
		return c < 0
	}
	if c := a.unit.Compare(b.unit); c != 0 {
		return c < 0
	}
	return a.size < b.size
}

// =============================================================================
// STRING FORMS
// =============================================================================

// String renders the canonical form accepted by Parse: "2015", "2015-03",
// "2015-03-01", "2015-W10", "2015-W10-3", "eternity", or "unit:start:size".
func (p Period) String() string {
	if p.unit == Eternity {
		return "eternity"
	}
	var start string
	switch p.unit {
	case Year:
		start = fmt.Sprintf("%04d", p.start.Year())
	case Month:
		start = fmt.Sprintf("%04d-%02d", p.start.Year(), int(p.start.Month()))
	case Week:
		y, w, _ := p.start.ISOWeek()
		start = fmt.Sprintf("%04d-W%02d", y, w)
	case Weekday:
		y, w, d := p.start.ISOWeek()
		start = fmt.Sprintf("%04d-W%02d-%d", y, w, d)
	default:
		start = p.start.String()
	}
	if p.size == 1 {
		return start
	}
	return fmt.Sprintf("%s:%s:%d", p.unit, start, p.size)
}

// Parse reads the forms produced by String. A bare date picks its unit from
// its precision: "2015" is a year, "2015-03" a month, "2015-03-01" a day,
// "2015-W10" a week and "2015-W10-3" a weekday.
func Parse(s string) (Period, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Period{}, fmt.Errorf("%w: empty string", ErrInvalidPeriod)
	}
	if strings.EqualFold(s, "eternity") {
		return EternityPeriod, nil
	}
	if !strings.Contains(s, ":") {
		unit, start, err := parseStart(s)
		if err != nil {
			return Period{}, err
		}
		return New(unit, start, 1)
	}

	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
	unit, err := ParseUnit(parts[0])
	if err != nil {
		return Period{}, err
	}
	if unit == Eternity {
		return EternityPeriod, nil
	}
	precision, start, err := parseStart(parts[1])
	if err != nil {
		return Period{}, err
	}
	if precision.Compare(unit) > 0 && !(precision == Year && unit == Month) {
		// "month:2015" means the first month of 2015, anything wider is ambiguous.
		return Period{}, fmt.Errorf("%w: %q is too coarse for a %s period", ErrInvalidPeriod, parts[1], unit)
	}
	size := 1
	if len(parts) == 3 {
		size, err = strconv.Atoi(parts[2])
		if err != nil || size < 1 {
			return Period{}, fmt.Errorf("%w: bad size in %q", ErrInvalidPeriod, s)
		}
	}
	return New(unit, start, size)
}

// MustParse is Parse for literals known to be valid.
func MustParse(s string) Period {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// parseStart reads an instant string and reports its natural unit.
func parseStart(s string) (Unit, Instant, error) {
	if strings.Contains(s, "W") {
		return parseISOWeek(s)
	}
	instant, err := ParseInstant(s)
	if err != nil {
		return 0, Instant{}, fmt.Errorf("%w: %v", ErrInvalidPeriod, err)
	}
	switch strings.Count(s, "-") {
	case 0:
		return Year, instant, nil
	case 1:
		return Month, instant, nil
	default:
		return Day, instant, nil
	}
}

func parseISOWeek(s string) (Unit, Instant, error) {
	parts := strings.Split(s, "-")
	if len(parts) < 2 || len(parts) > 3 || len(parts[0]) != 4 || len(parts[1]) != 3 || parts[1][0] != 'W' {
		return 0, Instant{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
	year, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, Instant{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
	week, err := strconv.Atoi(parts[1][1:])
	if err != nil {
		return 0, Instant{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
	start, err := isoWeekStart(year, week)
	if err != nil {
		return 0, Instant{}, fmt.Errorf("%w: %v", ErrInvalidPeriod, err)
	}
	if len(parts) == 2 {
		return Week, start, nil
	}
	day, err := strconv.Atoi(parts[2])
	if err != nil || day < 1 || day > 7 || len(parts[2]) != 1 {
		return 0, Instant{}, fmt.Errorf("%w: bad weekday in %q", ErrInvalidPeriod, s)
	}
	return Weekday, start.AddDays(day - 1), nil
}

// MarshalText renders the canonical string form.
func (p Period) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText parses any form accepted by Parse.
func (p *Period) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
