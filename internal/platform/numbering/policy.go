// Package numbering derives counter names and display identifiers for scoped
// sequences. Everything here is pure: no I/O, no clocks, no shared state.
//
// Counter names follow the {entity}_{scope}_{period} convention that external
// reporting queries key on:
//
//	opd_year_2025                    yearly
//	opd_month_202501                 monthly
//	opd_today_2025-01-31             daily (local calendar date)
//	pathology_today_ipd_2025-01-31   daily with a mode
//	patientId_2025                   yearly, bare (no scope keyword)
//	db_crn                           global
package numbering

import (
	"fmt"
	"strings"
	"time"
)

// Period is the time dimension a counter is scoped to.
type Period int

const (
	Global Period = iota
	Year
	Month
	Day
)

func (p Period) String() string {
	switch p {
	case Global:
		return "global"
	case Year:
		return "year"
	case Month:
		return "month"
	case Day:
		return "today"
	default:
		return fmt.Sprintf("period(%d)", int(p))
	}
}

// ParsePeriod accepts the names produced by Period.String plus "day".
func ParsePeriod(s string) (Period, error) {
	switch strings.ToLower(s) {
	case "global", "":
		return Global, nil
	case "year", "yearly":
		return Year, nil
	case "month", "monthly":
		return Month, nil
	case "today", "day", "daily":
		return Day, nil
	}
	return Global, fmt.Errorf("unknown period %q", s)
}

// Context is what a caller knows about the record being numbered.
type Context struct {
	// Mode selects an OPD/IPD variant of the counter. Empty means no variant.
	Mode string `json:"mode,omitempty"`
	// At is the creation instant. The period is derived from its local date.
	At time.Time `json:"at"`
}

// Modes are the visit modes a counter can be split by.
var Modes = []string{"opd", "ipd"}

// NormalizeMode lower-cases and trims a mode.
func NormalizeMode(mode string) string {
	return strings.ToLower(strings.TrimSpace(mode))
}

func knownMode(mode string) bool {
	for _, m := range Modes {
		if m == mode {
			return true
		}
	}
	return false
}

// Policy describes one scoped sequence: how its counter is named and how its
// values are displayed.
type Policy struct {
	Entity string
	Period Period
	// Bare drops the period keyword from yearly names (patientId_2025).
	Bare bool
	// ModeScoped makes the counter name include Context.Mode.
	ModeScoped bool
	// ModeEntity uses Context.Mode as the entity (opd_year_2025). Entity is
	// the fallback when no mode is given.
	ModeEntity bool
	Prefix     string
	Width      int
}

func (p Policy) parts(sc Context) (entity, mode string) {
	entity = p.Entity
	switch {
	case p.ModeEntity:
		if m := NormalizeMode(sc.Mode); m != "" {
			entity = m
		}
	case p.ModeScoped:
		mode = NormalizeMode(sc.Mode)
	}
	return entity, mode
}

// CounterName builds the counter name for the given context. Dates are taken
// in loc, never in UTC, so a record created at 00:30 local time lands in the
// local day even when UTC is still on the previous date.
func (p Policy) CounterName(sc Context, loc *time.Location) string {
	entity, mode := p.parts(sc)
	at := LocalTime(sc.At, loc)

	switch p.Period {
	case Year:
		return YearName(entity, at.Year(), mode, p.Bare)
	case Month:
		return MonthName(entity, at, mode)
	case Day:
		return DayName(entity, at, mode)
	default:
		return entity
	}
}

// Match is the inverse of CounterName. It reports whether name could have
// been produced by p and, if so, returns a Context whose At is the local
// start of the named period.
func (p Policy) Match(name string, loc *time.Location) (Context, bool) {
	if loc == nil {
		loc = time.Local
	}
	entity, rest, found := strings.Cut(name, "_")
	var sc Context
	switch {
	case p.Period == Global:
		if name == p.Entity {
			return sc, true
		}
		if p.ModeEntity && knownMode(name) {
			return Context{Mode: name}, true
		}
		return sc, false
	case !found:
		return sc, false
	case p.ModeEntity && knownMode(entity):
		sc.Mode = entity
	case entity == p.Entity:
	default:
		// Entities may themselves contain underscores (db_crn_x).
		if !strings.HasPrefix(name, p.Entity+"_") {
			return sc, false
		}
		rest = strings.TrimPrefix(name, p.Entity+"_")
	}

	var (
		keyword, layout string
		modeFirst       bool
	)
	switch p.Period {
	case Year:
		keyword, layout = "year_", "2006"
		if p.Bare {
			keyword = ""
		}
	case Month:
		keyword, layout, modeFirst = "month_", "200601", true
	case Day:
		keyword, layout, modeFirst = "today_", "2006-01-02", true
	}
	if !strings.HasPrefix(rest, keyword) {
		return sc, false
	}
	rest = strings.TrimPrefix(rest, keyword)

	date, mode := rest, ""
	if i := strings.LastIndex(rest, "_"); i >= 0 && !modeFirst {
		date, mode = rest[:i], rest[i+1:]
	} else if i := strings.Index(rest, "_"); i >= 0 && modeFirst {
		mode, date = rest[:i], rest[i+1:]
	}
	if mode != "" {
		if !p.ModeScoped || mode != NormalizeMode(mode) {
			return sc, false
		}
		sc.Mode = mode
	}
	if len(date) != len(layout) {
		return sc, false
	}
	at, err := time.ParseInLocation(layout, date, loc)
	if err != nil {
		return sc, false
	}
	sc.At = at
	return sc, true
}

// Format renders a counter value as a display identifier.
func (p Policy) Format(value int64) string {
	return Format(value, p.Prefix, p.Width)
}

// YearName returns {entity}_year_{YYYY}, with an optional _{mode} suffix.
// Bare names omit the keyword: {entity}_{YYYY}.
func YearName(entity string, year int, mode string, bare bool) string {
	var name string
	if bare {
		name = fmt.Sprintf("%s_%04d", entity, year)
	} else {
		name = fmt.Sprintf("%s_year_%04d", entity, year)
	}
	if mode != "" {
		name += "_" + mode
	}
	return name
}

// MonthName returns {entity}_month_{YYYYMM} or {entity}_month_{mode}_{YYYYMM}.
func MonthName(entity string, at time.Time, mode string) string {
	if mode != "" {
		return fmt.Sprintf("%s_month_%s_%s", entity, mode, at.Format("200601"))
	}
	return fmt.Sprintf("%s_month_%s", entity, at.Format("200601"))
}

// DayName returns {entity}_today_{YYYY-MM-DD} or {entity}_today_{mode}_{YYYY-MM-DD}.
// at must already be in the local location.
func DayName(entity string, at time.Time, mode string) string {
	if mode != "" {
		return fmt.Sprintf("%s_today_%s_%s", entity, mode, at.Format("2006-01-02"))
	}
	return fmt.Sprintf("%s_today_%s", entity, at.Format("2006-01-02"))
}

// Format zero-pads value to width digits behind a literal prefix:
// Format(123, "PAT", 6) == "PAT000123". Width 0 yields the bare integer.
// Values wider than width are never truncated.
func Format(value int64, prefix string, width int) string {
	if width <= 0 {
		return fmt.Sprintf("%s%d", prefix, value)
	}
	return fmt.Sprintf("%s%0*d", prefix, width, value)
}

// LocalTime converts t into loc, falling back to time.Local.
func LocalTime(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc)
}

// Bounds returns the [start, end) instants of the period containing at,
// computed on the local calendar. Global periods are unbounded and return
// zero times.
func Bounds(p Period, at time.Time, loc *time.Location) (time.Time, time.Time) {
	at = LocalTime(at, loc)
	l := at.Location()
	switch p {
	case Year:
		start := time.Date(at.Year(), 1, 1, 0, 0, 0, 0, l)
		return start, start.AddDate(1, 0, 0)
	case Month:
		start := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, l)
		return start, start.AddDate(0, 1, 0)
	case Day:
		start := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, l)
		return start, start.AddDate(0, 0, 1)
	}
	return time.Time{}, time.Time{}
}
