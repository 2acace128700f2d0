package numbering

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestFormat(t *testing.T) {
	tests := []struct {
		value  int64
		prefix string
		width  int
		want   string
	}{
		{123, "PAT", 6, "PAT000123"},
		{72, "APT", 6, "APT000072"},
		{1, "PAT", 6, "PAT000001"},
		{1234567, "PAT", 6, "PAT1234567"},
		{42, "", 0, "42"},
		{42, "INV", 0, "INV42"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Format(tt.value, tt.prefix, tt.width))
	}
}

func TestCounterName_Scopes(t *testing.T) {
	loc := time.UTC
	at := time.Date(2025, 1, 31, 10, 0, 0, 0, loc)

	tests := []struct {
		name   string
		policy Policy
		sc     Context
		want   string
	}{
		{"yearly", Policy{Entity: "opd", Period: Year}, Context{At: at}, "opd_year_2025"},
		{"yearly with mode", Policy{Entity: "pathology", Period: Year, ModeScoped: true}, Context{Mode: "IPD", At: at}, "pathology_year_2025_ipd"},
		{"bare yearly", Policy{Entity: "patientId", Period: Year, Bare: true}, Context{At: at}, "patientId_2025"},
		{"monthly", Policy{Entity: "opd", Period: Month}, Context{At: at}, "opd_month_202501"},
		{"daily", Policy{Entity: "opd", Period: Day}, Context{At: at}, "opd_today_2025-01-31"},
		{"daily with mode", Policy{Entity: "pathology", Period: Day, ModeScoped: true}, Context{Mode: "ipd", At: at}, "pathology_today_ipd_2025-01-31"},
		{"global", Policy{Entity: "db_crn", Period: Global}, Context{At: at}, "db_crn"},
		{"mode ignored when not scoped", Policy{Entity: "opd", Period: Day}, Context{Mode: "ipd", At: at}, "opd_today_2025-01-31"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.CounterName(tt.sc, loc))
		})
	}
}

func TestCounterName_UsesLocalDate(t *testing.T) {
	kolkata := mustLoc(t, "Asia/Kolkata")
	// 2025-01-31 20:00 UTC is already 2025-02-01 01:30 in Kolkata.
	at := time.Date(2025, 1, 31, 20, 0, 0, 0, time.UTC)
	p := Policy{Entity: "opd", Period: Day}

	assert.Equal(t, "opd_today_2025-02-01", p.CounterName(Context{At: at}, kolkata))
	assert.Equal(t, "opd_today_2025-01-31", p.CounterName(Context{At: at}, time.UTC))

	monthly := Policy{Entity: "opd", Period: Month}
	assert.Equal(t, "opd_month_202502", monthly.CounterName(Context{At: at}, kolkata))

	// New Year's Eve in UTC is already next year locally.
	nye := time.Date(2024, 12, 31, 19, 0, 0, 0, time.UTC)
	yearly := Policy{Entity: "opd", Period: Year}
	assert.Equal(t, "opd_year_2025", yearly.CounterName(Context{At: nye}, kolkata))
}

func TestCounterName_Deterministic(t *testing.T) {
	p := Policy{Entity: "pathology", Period: Day, ModeScoped: true}
	sc := Context{Mode: "opd", At: time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)}
	first := p.CounterName(sc, time.UTC)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, p.CounterName(sc, time.UTC))
	}
}

func TestPolicyFormat(t *testing.T) {
	p := Policy{Prefix: "PAT", Width: 6}
	assert.Equal(t, "PAT000123", p.Format(123))
}

func TestParsePeriod(t *testing.T) {
	for in, want := range map[string]Period{
		"year": Year, "yearly": Year, "month": Month, "today": Day, "day": Day, "global": Global, "": Global,
	} {
		got, err := ParsePeriod(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParsePeriod("fortnight")
	assert.Error(t, err)
}

func TestBounds(t *testing.T) {
	kolkata := mustLoc(t, "Asia/Kolkata")
	at := time.Date(2025, 1, 31, 20, 0, 0, 0, time.UTC) // 2025-02-01 local

	start, end := Bounds(Day, at, kolkata)
	assert.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, kolkata), start)
	assert.Equal(t, time.Date(2025, 2, 2, 0, 0, 0, 0, kolkata), end)

	start, end = Bounds(Year, at, kolkata)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, kolkata), start)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, kolkata), end)

	start, end = Bounds(Global, at, kolkata)
	assert.True(t, start.IsZero())
	assert.True(t, end.IsZero())
}

func TestCounterName_ModeEntity(t *testing.T) {
	at := time.Date(2025, 1, 31, 10, 0, 0, 0, time.UTC)
	p := Policy{Entity: "appointment", Period: Year, ModeEntity: true}

	assert.Equal(t, "opd_year_2025", p.CounterName(Context{Mode: "OPD", At: at}, time.UTC))
	assert.Equal(t, "ipd_year_2025", p.CounterName(Context{Mode: "ipd", At: at}, time.UTC))
	assert.Equal(t, "appointment_year_2025", p.CounterName(Context{At: at}, time.UTC))

	daily := Policy{Entity: "appointment", Period: Day, ModeEntity: true}
	assert.Equal(t, "opd_today_2025-01-31", daily.CounterName(Context{Mode: "opd", At: at}, time.UTC))
}

func TestPolicy_Match(t *testing.T) {
	loc := mustLoc(t, "Asia/Kolkata")

	tests := []struct {
		name     string
		policy   Policy
		counter  string
		ok       bool
		wantMode string
		wantAt   time.Time
	}{
		{"global", Policy{Entity: "db_crn"}, "db_crn", true, "", time.Time{}},
		{"global mismatch", Policy{Entity: "db_crn"}, "db_crn_2", false, "", time.Time{}},
		{"bare yearly", Policy{Entity: "patientId", Period: Year, Bare: true}, "patientId_2025", true, "", time.Date(2025, 1, 1, 0, 0, 0, 0, loc)},
		{"yearly", Policy{Entity: "pathology", Period: Year}, "pathology_year_2025", true, "", time.Date(2025, 1, 1, 0, 0, 0, 0, loc)},
		{"yearly needs keyword", Policy{Entity: "pathology", Period: Year}, "pathology_2025", false, "", time.Time{}},
		{"yearly with mode", Policy{Entity: "pathology", Period: Year, ModeScoped: true}, "pathology_year_2025_ipd", true, "ipd", time.Date(2025, 1, 1, 0, 0, 0, 0, loc)},
		{"mode not allowed", Policy{Entity: "pathology", Period: Year}, "pathology_year_2025_ipd", false, "", time.Time{}},
		{"monthly", Policy{Entity: "opd", Period: Month}, "opd_month_202501", true, "", time.Date(2025, 1, 1, 0, 0, 0, 0, loc)},
		{"daily with mode", Policy{Entity: "pathology", Period: Day, ModeScoped: true}, "pathology_today_ipd_2025-01-31", true, "ipd", time.Date(2025, 1, 31, 0, 0, 0, 0, loc)},
		{"mode entity", Policy{Entity: "appointment", Period: Day, ModeEntity: true}, "opd_today_2025-01-31", true, "opd", time.Date(2025, 1, 31, 0, 0, 0, 0, loc)},
		{"mode entity unknown mode", Policy{Entity: "appointment", Period: Year, ModeEntity: true}, "pathology_year_2025", false, "", time.Time{}},
		{"wrong period", Policy{Entity: "opd", Period: Month}, "opd_today_2025-01-31", false, "", time.Time{}},
		{"bad date", Policy{Entity: "opd", Period: Day}, "opd_today_2025-13-01", false, "", time.Time{}},
		{"other entity", Policy{Entity: "patientId", Period: Year, Bare: true}, "doctorId_2025", false, "", time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc, ok := tt.policy.Match(tt.counter, loc)
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.wantMode, sc.Mode)
			assert.True(t, tt.wantAt.Equal(sc.At), "at = %v", sc.At)
		})
	}
}

func TestPolicy_MatchRoundTrip(t *testing.T) {
	loc := mustLoc(t, "Asia/Kolkata")
	at := time.Date(2025, 3, 9, 23, 45, 0, 0, loc)
	policies := []Policy{
		{Entity: "patientId", Period: Year, Bare: true},
		{Entity: "appointment", Period: Month, ModeEntity: true},
		{Entity: "pathology", Period: Day, ModeScoped: true},
		{Entity: "pathology", Period: Year},
	}
	for _, p := range policies {
		name := p.CounterName(Context{Mode: "IPD", At: at}, loc)
		sc, ok := p.Match(name, loc)
		require.True(t, ok, name)
		assert.Equal(t, name, p.CounterName(sc, loc))
	}
}
