// Package coverage reconciles what the store already holds against the
// window a run wants, producing the minimal backfill plan.
//
// Coverage uses the full calendar-day set model: every persisted day is
// recorded, so interior holes are detected as well as leading and trailing
// gaps. Sources that only know (min, max) bounds materialize a contiguous
// set through FromBounds.
package coverage

import (
	"sort"
	"time"

	"marketfill/internal/domain"
)

// DateSet is a set of calendar days.
type DateSet struct {
	days map[int64]struct{}
}

// NewDateSet returns a set holding the given days.
func NewDateSet(days ...time.Time) *DateSet {
	s := &DateSet{days: make(map[int64]struct{}, len(days))}
	for _, d := range days {
		s.Add(d)
	}
	return s
}

// Add inserts day d.
func (s *DateSet) Add(d time.Time) {
	if s.days == nil {
		s.days = make(map[int64]struct{})
	}
	s.days[dayNumber(d)] = struct{}{}
}

// AddRange inserts every day of r.
func (s *DateSet) AddRange(r domain.DateRange) {
	r.Each(s.Add)
}

// Has reports whether day d is in the set.
func (s *DateSet) Has(d time.Time) bool {
	if s == nil {
		return false
	}
	_, ok := s.days[dayNumber(d)]
	return ok
}

// Len returns the number of days in the set.
func (s *DateSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.days)
}

// Bounds returns the earliest and latest day. ok is false for an empty set.
func (s *DateSet) Bounds() (r domain.DateRange, ok bool) {
	if s.Len() == 0 {
		return domain.DateRange{}, false
	}
	first := true
	var lo, hi int64
	for n := range s.days {
		if first || n < lo {
			lo = n
		}
		if first || n > hi {
			hi = n
		}
		first = false
	}
	return domain.DateRange{Start: fromDayNumber(lo), End: fromDayNumber(hi)}, true
}

func dayNumber(t time.Time) int64 {
	return domain.Day(t).Unix() / 86400
}

func fromDayNumber(n int64) time.Time {
	return time.Unix(n*86400, 0).UTC()
}

// Coverage maps each identifier to the days already persisted for it.
type Coverage map[domain.Identifier]*DateSet

// Add records that identifier raw has data on day d.
func (c Coverage) Add(raw string, d time.Time) {
	id := domain.NewIdentifier(raw)
	if id.IsZero() || d.IsZero() {
		return
	}
	s, ok := c[id]
	if !ok {
		s = NewDateSet()
		c[id] = s
	}
	s.Add(d)
}

// FromBounds materializes (min, max) records into contiguous day sets. It
// assumes the store has no holes between min and max.
func FromBounds(bounds map[domain.Identifier]domain.DateRange) Coverage {
	c := make(Coverage, len(bounds))
	for raw, r := range bounds {
		id := domain.NewIdentifier(string(raw))
		if id.IsZero() || !r.Valid() {
			continue
		}
		s, ok := c[id]
		if !ok {
			s = NewDateSet()
			c[id] = s
		}
		s.AddRange(domain.NewDateRange(r.Start, r.End))
	}
	return c
}

// normalized returns c keyed by normalized identifiers, merging sets whose
// keys only differed in case or whitespace.
func (c Coverage) normalized() Coverage {
	out := make(Coverage, len(c))
	for raw, s := range c {
		id := domain.NewIdentifier(string(raw))
		if id.IsZero() || s == nil {
			continue
		}
		dst, ok := out[id]
		if !ok {
			out[id] = s
			continue
		}
		if dst == s {
			continue
		}
		merged := NewDateSet()
		for n := range dst.days {
			merged.days[n] = struct{}{}
		}
		for n := range s.days {
			merged.days[n] = struct{}{}
		}
		out[id] = merged
	}
	return out
}

// Plan maps identifiers to the sorted, disjoint day ranges still missing.
// Identifiers with nothing missing never appear.
type Plan map[domain.Identifier][]domain.DateRange

// ComputeBackfillPlan diffs the desired window against existing coverage for
// every identifier and returns the missing ranges.
func ComputeBackfillPlan(ids []domain.Identifier, existing Coverage, window domain.DateRange) Plan {
	plan := make(Plan)
	window = domain.NewDateRange(window.Start, window.End)
	if !window.Valid() {
		return plan
	}
	norm := existing.normalized()

	for _, raw := range ids {
		id := domain.NewIdentifier(string(raw))
		if id.IsZero() {
			continue
		}
		if _, done := plan[id]; done {
			continue
		}
		if gaps := missingRanges(norm[id], window); len(gaps) > 0 {
			plan[id] = gaps
		}
	}
	return plan
}

// missingRanges returns maximal runs of days in window absent from have.
func missingRanges(have *DateSet, window domain.DateRange) []domain.DateRange {
	if have.Len() == 0 {
		return []domain.DateRange{window}
	}

	var (
		gaps    []domain.DateRange
		open    bool
		current domain.DateRange
	)
	window.Each(func(d time.Time) {
		if have.Has(d) {
			if open {
				gaps = append(gaps, current)
				open = false
			}
			return
		}
		if !open {
			current = domain.DateRange{Start: d}
			open = true
		}
		current.End = d
	})
	if open {
		gaps = append(gaps, current)
	}
	return gaps
}

// Empty reports whether nothing needs to be requested.
func (p Plan) Empty() bool { return len(p) == 0 }

// Identifiers returns the planned identifiers in sorted order.
func (p Plan) Identifiers() []domain.Identifier {
	ids := make([]domain.Identifier, 0, len(p))
	for id := range p {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Span returns the hull of every planned range. The vendor takes one date
// range per job, so this is what gets requested; rows outside an
// identifier's own gaps are over-fetched and removed by FilterRows.
func (p Plan) Span() (domain.DateRange, bool) {
	var (
		span domain.DateRange
		ok   bool
	)
	for _, ranges := range p {
		for _, r := range ranges {
			if !ok {
				span, ok = r, true
				continue
			}
			if r.Start.Before(span.Start) {
				span.Start = r.Start
			}
			if r.End.After(span.End) {
				span.End = r.End
			}
		}
	}
	return span, ok
}

// MissingDays returns the total number of planned identifier-days.
func (p Plan) MissingDays() int {
	n := 0
	for _, ranges := range p {
		for _, r := range ranges {
			n += r.Days()
		}
	}
	return n
}

// Contains reports whether day d is planned for identifier id.
func (p Plan) Contains(id domain.Identifier, d time.Time) bool {
	for _, r := range p[domain.NewIdentifier(string(id))] {
		if r.Contains(d) {
			return true
		}
	}
	return false
}

// FilterRows keeps only rows whose key falls inside a planned range.
func (p Plan) FilterRows(rows []domain.Row) []domain.Row {
	kept := make([]domain.Row, 0, len(rows))
	for _, r := range rows {
		if p.Contains(r.Identifier, r.Date) {
			kept = append(kept, r)
		}
	}
	return kept
}
