package domain

import (
	"testing"
	"time"
)

func TestNewIdentifierNormalizes(t *testing.T) {
	cases := map[string]Identifier{
		"AAPL US Equity":       "AAPL US EQUITY",
		"  aapl   us equity  ": "AAPL US EQUITY",
		"spx\tindex":           "SPX INDEX",
		"   ":                  "",
	}
	for raw, want := range cases {
		if got := NewIdentifier(raw); got != want {
			t.Errorf("NewIdentifier(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestNewIdentifiersDedup(t *testing.T) {
	got := NewIdentifiers([]string{"aapl us equity", "", "AAPL US Equity", "MSFT US Equity"})
	if len(got) != 2 {
		t.Fatalf("NewIdentifiers returned %d ids, want 2: %v", len(got), got)
	}
	if got[0] != "AAPL US EQUITY" || got[1] != "MSFT US EQUITY" {
		t.Errorf("NewIdentifiers = %v, want [AAPL US EQUITY MSFT US EQUITY]", got)
	}
}

func TestDateRangeDays(t *testing.T) {
	r := NewDateRange(
		time.Date(2022, 6, 18, 15, 30, 0, 0, time.UTC),
		time.Date(2022, 6, 20, 1, 0, 0, 0, time.UTC),
	)
	if r.Days() != 3 {
		t.Errorf("Days() = %d, want 3", r.Days())
	}
	if !r.Contains(time.Date(2022, 6, 20, 23, 59, 0, 0, time.UTC)) {
		t.Error("range should contain 2022-06-20")
	}
	if r.Contains(time.Date(2022, 6, 21, 0, 0, 0, 0, time.UTC)) {
		t.Error("range should not contain 2022-06-21")
	}

	var n int
	r.Each(func(time.Time) { n++ })
	if n != 3 {
		t.Errorf("Each visited %d days, want 3", n)
	}

	if (DateRange{}).Days() != 0 {
		t.Error("zero range should have 0 days")
	}
}

func TestRowKey(t *testing.T) {
	row := Row{
		Identifier: NewIdentifier("ibm us equity"),
		Date:       time.Date(2024, 1, 2, 16, 0, 0, 0, time.UTC),
	}
	if !row.Valid() {
		t.Fatal("row should be valid")
	}
	want := Key{Identifier: "IBM US EQUITY", Date: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)}
	if row.Key() != want {
		t.Errorf("Key() = %+v, want %+v", row.Key(), want)
	}
	if (Row{Identifier: "X"}).Valid() {
		t.Error("row without date should be invalid")
	}
}
