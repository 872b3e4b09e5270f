package dues

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - Calendar month a plan belongs to
// =============================================================================

// Period is a calendar month. Its canonical key is "YYYY-MM".
type Period struct {
	Year  int
	Month time.Month
}

// NewPeriod normalizes (year, month) so that month overflow rolls into the year.
func NewPeriod(year int, month time.Month) Period {
	t := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return Period{Year: t.Year(), Month: t.Month()}
}

// PeriodOf returns the period containing t.
func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Month: t.Month()}
}

// ParsePeriod parses a "YYYY-MM" key.
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Period{}, &ValidationError{Field: "period", Message: fmt.Sprintf("invalid period %q, expected YYYY-MM", s)}
	}
	return PeriodOf(t), nil
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

func (p Period) IsZero() bool { return p.Year == 0 && p.Month == 0 }

// Valid reports whether the period is a real calendar month.
func (p Period) Valid() bool {
	return p.Year > 0 && p.Month >= time.January && p.Month <= time.December
}

func (p Period) AddMonths(n int) Period { return NewPeriod(p.Year, p.Month+time.Month(n)) }
func (p Period) Next() Period           { return p.AddMonths(1) }
func (p Period) Prev() Period           { return p.AddMonths(-1) }

// index is a monotonic month counter used for comparisons.
func (p Period) index() int { return p.Year*12 + int(p.Month) - 1 }

func (p Period) Before(o Period) bool { return p.index() < o.index() }
func (p Period) After(o Period) bool  { return p.index() > o.index() }
func (p Period) Equal(o Period) bool  { return p.index() == o.index() }

// Start returns the first instant of the period in UTC.
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End returns the last day of the period in UTC.
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, -1)
}

// IsEditableAt reports whether a plan in this period may still be changed:
// only the current calendar month and the one immediately after it are open.
func (p Period) IsEditableAt(now time.Time) bool {
	current := PeriodOf(now)
	return p.Equal(current) || p.Equal(current.Next())
}

// OpenPeriods returns the periods currently open for edits and materialization.
func OpenPeriods(now time.Time) []Period {
	current := PeriodOf(now)
	return []Period{current, current.Next()}
}

// MarshalText implements encoding.TextMarshaler so periods travel as "YYYY-MM".
func (p Period) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Period) UnmarshalText(b []byte) error {
	parsed, err := ParsePeriod(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
