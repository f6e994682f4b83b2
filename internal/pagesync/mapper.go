// Package pagesync maps elapsed narration time onto document pages.
package pagesync

import (
	"sort"
)

// Timing anchors a page to the narration second it starts at.
type Timing struct {
	Page int     `json:"page"`
	Time float64 `json:"time"`
}

// Mapper answers "which page is being narrated at t". It is immutable once
// built and safe for concurrent use.
type Mapper struct {
	timings []Timing
}

// NewMapper copies and sorts timings ascending by time. Equal times are
// ordered by page so that the greater page wins at that instant.
func NewMapper(timings []Timing) *Mapper {
	sorted := make([]Timing, len(timings))
	copy(sorted, timings)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Time != sorted[j].Time {
			return sorted[i].Time < sorted[j].Time
		}
		return sorted[i].Page < sorted[j].Page
	})
	return &Mapper{timings: sorted}
}

// Len reports the number of anchors; zero means sync is disabled.
func (m *Mapper) Len() int {
	if m == nil {
		return 0
	}
	return len(m.timings)
}

// Timings returns a copy of the sorted anchors.
func (m *Mapper) Timings() []Timing {
	if m == nil {
		return nil
	}
	return append([]Timing(nil), m.timings...)
}

// CurrentPage returns the page narrated at t seconds. The second return is
// false when the table is empty.
func (m *Mapper) CurrentPage(t float64) (int, bool) {
	if m.Len() == 0 {
		return 0, false
	}
	for i := len(m.timings) - 1; i >= 0; i-- {
		if m.timings[i].Time <= t {
			return m.timings[i].Page, true
		}
	}
	return m.timings[0].Page, true
}
